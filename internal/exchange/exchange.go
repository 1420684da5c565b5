// Package exchange holds the data captured by the proxy and produced by plugins.
package exchange

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SentinelHeader marks plugin-originated verification requests.
const SentinelHeader = "X-Sentinel-Test"

// Header is one header line. Order and duplicates are preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Headers []Header

// Get returns the first value for name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value
		}
	}
	return ""
}

// Map flattens the headers. Repeated names are joined with ", ".
func (h Headers) Map() map[string]string {
	out := make(map[string]string, len(h))
	for _, kv := range h {
		k := http.CanonicalHeaderKey(kv.Name)
		if prev, ok := out[k]; ok {
			out[k] = prev + ", " + kv.Value
			continue
		}
		out[k] = kv.Value
	}
	return out
}

// FromHTTP copies an http.Header. Names listed in order come first, the rest
// follow in canonical sorted order. net/http does not keep the wire order of
// names, so the result is deterministic rather than faithful; values of a
// repeated name keep their arrival order.
func FromHTTP(h http.Header, order []string) Headers {
	out := make(Headers, 0, len(h))
	seen := make(map[string]bool, len(h))
	emit := func(k string) {
		ck := http.CanonicalHeaderKey(k)
		if seen[ck] {
			return
		}
		seen[ck] = true
		for _, v := range h[ck] {
			out = append(out, Header{Name: ck, Value: v})
		}
	}
	for _, k := range order {
		emit(k)
	}
	for _, k := range sortedKeys(h) {
		emit(k)
	}
	return out
}

// FromRequest copies the request headers with Host first. net/http moves the
// Host header out of r.Header, so it is restored from r.Host.
func FromRequest(r *http.Request) Headers {
	hs := FromHTTP(r.Header, nil)
	if r.Host == "" || hs.Get("Host") != "" {
		return hs
	}
	return append(Headers{{Name: "Host", Value: r.Host}}, hs...)
}

// CapturedExchange is a request as seen by the proxy. It is never mutated
// after being handed to the correlator.
type CapturedExchange struct {
	ID        string    `json:"id"`
	Scheme    string    `json:"scheme"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Query     string    `json:"query,omitempty"`
	Headers   Headers   `json:"headers"`
	Body      []byte    `json:"body,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Sentinel is set at creation for plugin-originated verification traffic.
	// Such exchanges are never dispatched to plugins.
	Sentinel bool `json:"sentinel"`
}

// NewExchange stamps an id and arrival time and derives Sentinel from headers.
func NewExchange(scheme, host string, port int, method, path, query string, headers Headers, body []byte) *CapturedExchange {
	return &CapturedExchange{
		ID:        uuid.NewString(),
		Scheme:    scheme,
		Host:      host,
		Port:      port,
		Method:    method,
		Path:      path,
		Query:     query,
		Headers:   headers,
		Body:      body,
		Timestamp: time.Now(),
		Sentinel:  IsSentinelValue(headers.Get(SentinelHeader)),
	}
}

// IsSentinelValue reports whether a marker header value is set.
func IsSentinelValue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// URL rebuilds the absolute request URL.
func (e *CapturedExchange) URL() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(e.Host)
	if e.Port != 0 && !(scheme == "http" && e.Port == 80) && !(scheme == "https" && e.Port == 443) {
		b.WriteString(":")
		b.WriteString(itoa(e.Port))
	}
	if e.Path == "" {
		b.WriteString("/")
	} else {
		b.WriteString(e.Path)
	}
	if e.Query != "" {
		b.WriteString("?")
		b.WriteString(e.Query)
	}
	return b.String()
}

// CapturedResponse is the upstream response after body decoding.
type CapturedResponse struct {
	ExchangeID        string  `json:"exchange_id"`
	Status            int     `json:"status"`
	Headers           Headers `json:"headers"`
	Body              []byte  `json:"body,omitempty"`
	ContentEncodingOK bool    `json:"content_encoding_ok"`
	Truncated         bool    `json:"truncated,omitempty"`
}
