package offlinecache

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ResponseType mirrors the fetch response types a page can observe.
type ResponseType string

const (
	ResponseTypeBasic          ResponseType = "basic"
	ResponseTypeCORS           ResponseType = "cors"
	ResponseTypeOpaque         ResponseType = "opaque"
	ResponseTypeOpaqueRedirect ResponseType = "opaqueredirect"
	ResponseTypeError          ResponseType = "error"
)

// Classify returns the type of resp as seen from scope's origin. A response is
// basic only when the final URL and every redirect hop before it are
// same-origin. req is used when resp carries no request of its own.
func Classify(scope *url.URL, req *http.Request, resp *http.Response) ResponseType {
	if resp == nil || resp.StatusCode == 0 {
		return ResponseTypeError
	}

	hop := resp.Request
	if hop == nil {
		hop = req
	}
	crossOrigin := hop == nil
	for hop != nil {
		if hop.URL == nil || !SameOrigin(scope, hop.URL) {
			crossOrigin = true
			break
		}
		// Response is the redirect that led to this hop.
		if hop.Response == nil {
			break
		}
		hop = hop.Response.Request
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "" {
		return ResponseTypeOpaqueRedirect
	}
	if !crossOrigin {
		return ResponseTypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return ResponseTypeCORS
	}
	return ResponseTypeOpaque
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && originHost(a) == originHost(b)
}

func originHost(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http", "ws":
			port = "80"
		case "https", "wss":
			port = "443"
		}
	}
	return net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}
