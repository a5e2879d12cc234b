package swcache

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a stored response: method plus absolute URL.
type RequestKey struct {
	Method string
	URL    string
}

func (k RequestKey) String() string { return k.Method + " " + k.URL }

// KeyFor builds the cache key for r. Fragments never reach the key.
func KeyFor(r *http.Request) RequestKey {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: strings.ToUpper(method), URL: u.String()}
}

// Response is a fully buffered response as kept in a Cache.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Clone returns an independent copy; consuming or mutating one copy never
// affects the other.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status:   r.Status,
		Header:   cloneHeader(r.Header),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return out
}

// FetchEvent is one intercepted request, alive until the worker responds.
type FetchEvent struct {
	Request *http.Request
	Key     RequestKey
	Path    string
	Ext     string
}

// NewFetchEvent derives the key and extension for r.
func NewFetchEvent(r *http.Request) *FetchEvent {
	return &FetchEvent{
		Request: r,
		Key:     KeyFor(r),
		Path:    r.URL.Path,
		Ext:     extensionOf(r.URL),
	}
}

func extensionOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	p := u.Path
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(p[i+1:])
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
