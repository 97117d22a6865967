package mealcache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Transport lets Go HTTP clients go through a registration the way page
// requests do. Requests the active worker does not intercept use Base.
type Transport struct {
	Registration *Registration
	Base         http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	desc := &RequestDescriptor{
		Method: req.Method,
		URL:    req.URL.String(),
		Mode:   requestMode(req),
		Header: req.Header,
	}
	resp, handled, err := t.Registration.Fetch(req.Context(), desc)
	if !handled {
		return t.base().RoundTrip(req)
	}
	if req.Body != nil {
		_ = req.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return toHTTPResponse(req, resp), nil
}

func toHTTPResponse(req *http.Request, resp *ResponseDescriptor) *http.Response {
	h := cloneHeader(resp.Header)
	if h == nil {
		h = make(http.Header)
	}
	setMealcacheHeaders(h, string(resp.Source))
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	return &http.Response{
		Status:        strconv.Itoa(resp.Status) + " " + http.StatusText(resp.Status),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}
}
