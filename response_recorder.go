package offlinecache

import (
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ResponseRecorder turns a handler's output into an *http.Response. The
// response is handed over as soon as the handler commits its headers (first
// WriteHeader, Write or Flush); the body streams through a pipe, so nothing
// is buffered here and flushed chunks reach the reader right away.
type ResponseRecorder struct {
	mu     sync.Mutex
	req    *http.Request
	status int
	header http.Header

	reader *io.PipeReader
	writer *io.PipeWriter

	// ready is closed once resp or err is set.
	ready chan struct{}
	resp  *http.Response
	err   error
}

func NewResponseRecorder(req *http.Request) *ResponseRecorder {
	reader, writer := io.Pipe()
	return &ResponseRecorder{
		req:    req,
		status: http.StatusOK,
		header: make(http.Header),
		reader: reader,
		writer: writer,
		ready:  make(chan struct{}),
	}
}

// Header implements http.ResponseWriter
func (r *ResponseRecorder) Header() http.Header {
	return r.header
}

// Write implements http.ResponseWriter. It blocks until the reader takes p.
func (r *ResponseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.commit()
	r.mu.Unlock()
	return r.writer.Write(p)
}

// WriteHeader implements http.ResponseWriter. Only the first call counts.
func (r *ResponseRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resp != nil || r.err != nil {
		return
	}
	r.status = status
	r.commit()
}

// Flush implements http.Flusher. Writes are unbuffered, so it only commits
// the headers.
func (r *ResponseRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commit()
}

// commit publishes the response; r.mu must be held.
func (r *ResponseRecorder) commit() {
	if r.resp != nil || r.err != nil {
		return
	}
	r.resp = &http.Response{
		Status:        fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
		StatusCode:    r.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header.Clone(),
		Body:          r.reader,
		ContentLength: -1,
		Request:       r.req,
	}
	close(r.ready)
}

// finish ends the body once the handler returns. An error before the
// headers were committed fails the whole response; after that it surfaces
// from the body reader.
func (r *ResponseRecorder) finish(err error) {
	r.mu.Lock()
	if r.resp == nil && r.err == nil {
		if err != nil {
			r.err = err
			close(r.ready)
		} else {
			r.commit()
		}
	}
	r.mu.Unlock()
	r.writer.CloseWithError(err)
}

// Result waits for the headers and returns the response.
func (r *ResponseRecorder) Result() (*http.Response, error) {
	<-r.ready
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.resp, nil
}
