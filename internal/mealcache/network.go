package mealcache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Fetcher performs the real network round-trip for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req *RequestDescriptor) (*ResponseDescriptor, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *RequestDescriptor) (*ResponseDescriptor, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *RequestDescriptor) (*ResponseDescriptor, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches over net/http. Responses whose final URL (after
// redirects) leaves the scope origin are typed cors, everything else basic.
type HTTPFetcher struct {
	Client *http.Client
	Scope  *url.URL
}

func NewHTTPFetcher(scope *url.URL) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{Timeout: 30 * time.Second},
		Scope:  scope,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *RequestDescriptor) (*ResponseDescriptor, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s", r.URL)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", r.URL)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", r.URL)
	}

	out := &ResponseDescriptor{
		Status: resp.StatusCode,
		Type:   TypeBasic,
		Header: cloneHeader(resp.Header),
		Body:   body,
		URL:    r.URL,
		Source: SourceNetwork,
	}
	out.Header.Del("Content-Length")
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
		if f.Scope != nil && !sameOrigin(resp.Request.URL, f.Scope) {
			out.Type = TypeCORS
		}
	}
	return out, nil
}

// hopHeaders are never forwarded to the network.
var hopHeaders = map[string]struct{}{
	"Host":              {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Te":                {},
}

// conditionalHeaders belong to the page's own HTTP cache. The worker always
// wants the full representation so a 200 can be stored.
var conditionalHeaders = map[string]struct{}{
	"If-None-Match":       {},
	"If-Modified-Since":   {},
	"If-Match":            {},
	"If-Unmodified-Since": {},
	"If-Range":            {},
	"Range":               {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if _, ok := hopHeaders[ck]; ok {
			continue
		}
		if _, ok := conditionalHeaders[ck]; ok {
			continue
		}
		if strings.EqualFold(k, "Accept-Encoding") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
