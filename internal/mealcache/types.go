package mealcache

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestMode mirrors the fetch mode a page client attaches to a request.
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// ResponseType is the origin kind of a response.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// ResponseSource says where a served response came from.
type ResponseSource string

const (
	SourceNetwork  ResponseSource = "network"
	SourceCache    ResponseSource = "cache"
	SourceFallback ResponseSource = "fallback"
)

// Classification selects the interception strategy for a request.
type Classification string

const (
	ClassNavigation Classification = "navigation"
	ClassAPI        Classification = "api"
	ClassStatic     Classification = "static"
)

type RequestDescriptor struct {
	Method string
	URL    string
	Mode   RequestMode
	Header http.Header
}

// NewRequest builds a GET descriptor for an absolute URL.
func NewRequest(rawURL string, mode RequestMode) *RequestDescriptor {
	return &RequestDescriptor{Method: http.MethodGet, URL: rawURL, Mode: mode}
}

// Key is the cache key for the request: the absolute URL without fragment.
// Only GET requests are ever stored, so the method is not part of it.
func (r *RequestDescriptor) Key() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.URL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func (r *RequestDescriptor) parsedURL() (*url.URL, bool) {
	u, err := url.Parse(r.URL)
	if err != nil || !u.IsAbs() {
		return nil, false
	}
	return u, true
}

// ResponseDescriptor is a fully buffered response. Body is owned by the
// descriptor; use Clone before handing the same response to two consumers.
type ResponseDescriptor struct {
	Status   int
	Type     ResponseType
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt int64 // unix seconds, set when written to a cache

	Source ResponseSource
}

// Clone returns an independent copy; mutating one never affects the other.
func (r *ResponseDescriptor) Clone() *ResponseDescriptor {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

func (r *ResponseDescriptor) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// OK reports a 2xx status.
func (r *ResponseDescriptor) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Storable is the eligibility gate for writing a network response into a
// cache: status 200 from the same origin.
func (r *ResponseDescriptor) Storable() bool {
	return r.Status == http.StatusOK && r.Type == TypeBasic
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

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
