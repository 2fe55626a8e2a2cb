package offlinecache

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultCacheName is the cache store of the first deployed version.
	DefaultCacheName = "my-reflection-app-v1"

	DefaultInstallConcurrency = 4
)

// DefaultPrecache is the application shell cached at install time.
var DefaultPrecache = []string{
	"./",
	"./index.html",
	"./style.css",
	"./script.js",
	"./manifest.json",
	"./company_logo.png",
	"./icons/icon-192x192.png",
	"./icons/icon-512x512.png",
}

// Config holds the worker settings.
type Config struct {
	// CacheName names this version's cache store. Bumping it on deploy makes
	// activation purge every store left by older versions.
	CacheName string
	// Scope is the absolute base URL. Precache entries and relative request
	// URLs resolve against it, and its origin decides which responses are basic.
	Scope string
	// Precache lists the URLs that must be stored before install completes.
	Precache     []string
	KeyGenerator func(*http.Request) string
	// ShouldCache decides whether a network response is written to the cache.
	ShouldCache func(*http.Response, ResponseType) bool
	// MaxBodyBytes - do not cache bodies larger than this. Zero disables the cap.
	MaxBodyBytes int64
	// StripHeaders removes headers before storing (hop-by-hop etc).
	StripHeaders       func(http.Header) http.Header
	InstallConcurrency int
	// DedupeInFlight collapses concurrent network fetches for the same key
	// into one request.
	DedupeInFlight bool
	Logger         *slog.Logger
}

// DefaultConfig provides defaults.
func DefaultConfig() *Config {
	return &Config{
		CacheName:          DefaultCacheName,
		Scope:              "http://localhost:8080/",
		Precache:           append([]string(nil), DefaultPrecache...),
		KeyGenerator:       DefaultKeyGenerator,
		ShouldCache:        DefaultShouldCache,
		StripHeaders:       stripHopByHop,
		InstallConcurrency: DefaultInstallConcurrency,
	}
}

// Validate checks the config and returns the parsed scope.
func (c *Config) Validate() (*url.URL, error) {
	if strings.TrimSpace(c.CacheName) == "" {
		return nil, fmt.Errorf("%w: cache name is empty", ErrInvalidConfig)
	}
	scope, err := url.Parse(c.Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: scope: %v", ErrInvalidConfig, err)
	}
	if !scope.IsAbs() || scope.Host == "" {
		return nil, fmt.Errorf("%w: scope %q is not an absolute URL", ErrInvalidConfig, c.Scope)
	}
	for _, raw := range c.Precache {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("%w: precache entry %q: %v", ErrInvalidConfig, raw, err)
		}
	}
	return scope, nil
}

// withDefaults returns a copy with unset hooks filled in.
func (c Config) withDefaults() Config {
	if c.KeyGenerator == nil {
		c.KeyGenerator = DefaultKeyGenerator
	}
	if c.ShouldCache == nil {
		c.ShouldCache = DefaultShouldCache
	}
	if c.StripHeaders == nil {
		c.StripHeaders = stripHopByHop
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = DefaultInstallConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Precache = append([]string(nil), c.Precache...)
	return c
}

// DefaultKeyGenerator keys a request by method and absolute URL without fragment.
func DefaultKeyGenerator(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + " " + u.String()
}

// DefaultShouldCache only caches 200 responses of type basic.
func DefaultShouldCache(resp *http.Response, typ ResponseType) bool {
	return resp != nil && resp.StatusCode == http.StatusOK && typ == ResponseTypeBasic
}

func stripHopByHop(header http.Header) http.Header {
	// Clone so caller can mutate safely.
	headerClone := header.Clone()
	if headerClone == nil {
		headerClone = make(http.Header)
	}

	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
		cacheStatusHeader,
	} {
		headerClone.Del(k)
	}
	// Also remove hop-by-hop values referenced by Connection header
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				headerClone.Del(token)
			}
		}
	}
	return headerClone
}
