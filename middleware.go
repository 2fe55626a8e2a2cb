package offlinecache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// HandlerFetcher treats an http.Handler as the network.
type HandlerFetcher struct {
	Handler http.Handler
}

// Do runs the handler in its own goroutine and returns once it commits its
// headers. The body streams while the handler keeps writing; closing it makes
// further handler writes fail. A handler panic becomes an error.
func (f HandlerFetcher) Do(req *http.Request) (*http.Response, error) {
	recorder := NewResponseRecorder(req)
	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v", p)
			}
			recorder.finish(err)
		}()
		f.Handler.ServeHTTP(recorder, req)
	}()
	return recorder.Result()
}

// NewOfflineMiddleware returns middleware that answers GET requests through
// the registration's active worker, using the wrapped handler as the network.
// Responses carry X-Cache-Status HIT or MISS.
func NewOfflineMiddleware(registration *Registration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		network := HandlerFetcher{Handler: next}

		return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
			worker := registration.Active()
			// Only GET requests are intercepted
			if worker == nil || request.Method != http.MethodGet {
				next.ServeHTTP(responseWriter, request)
				return
			}

			resp, err := worker.fetch(request.Context(), request, network)
			if errors.Is(err, ErrInvalidState) {
				// superseded between lookup and fetch
				next.ServeHTTP(responseWriter, request)
				return
			}
			if err != nil {
				registration.logger.Error("Failed to serve request", slog.String("url", request.URL.String()), slog.Any("error", err))
				http.Error(responseWriter, "bad gateway", http.StatusBadGateway)
				return
			}
			defer resp.Body.Close()

			// Must set headers BEFORE WriteHeader
			for headerKey, headerValues := range resp.Header {
				for _, headerValue := range headerValues {
					responseWriter.Header().Add(headerKey, headerValue)
				}
			}
			if resp.Header.Get(cacheStatusHeader) == "" {
				responseWriter.Header().Set(cacheStatusHeader, "MISS")
			}
			responseWriter.WriteHeader(resp.StatusCode)
			copyFlushing(responseWriter, resp.Body)
		})
	}
}

// Middleware is shorthand for NewOfflineMiddleware(r)(next).
func (r *Registration) Middleware(next http.Handler) http.Handler {
	return NewOfflineMiddleware(r)(next)
}

// copyFlushing copies body to the client, flushing after every chunk so
// streamed upstream responses are not held back.
func copyFlushing(responseWriter http.ResponseWriter, body io.Reader) {
	controller := http.NewResponseController(responseWriter)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := responseWriter.Write(buf[:n]); writeErr != nil {
				return
			}
			_ = controller.Flush()
		}
		if err != nil {
			return
		}
	}
}
