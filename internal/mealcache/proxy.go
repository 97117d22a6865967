package mealcache

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	headerMealcache = "X-Mealcache"
	controlPrefix   = "/__mealcache/"
	maxControlBody  = 64 << 10
)

// Proxy puts a registration between page clients and the origin. Requests
// the active worker intercepts are answered by it; everything else is
// reverse-proxied untouched.
type Proxy struct {
	reg     *Registration
	origin  *url.URL
	log     *log.Entry
	pass    *httputil.ReverseProxy
	forward bool
}

type ProxyOption func(*Proxy)

// WithForwardProxy lets absolute-URI requests for hosts other than the
// origin through. Off by default so the proxy cannot be used as an open
// relay.
func WithForwardProxy(allow bool) ProxyOption {
	return func(p *Proxy) { p.forward = allow }
}

func NewProxy(reg *Registration, origin *url.URL, l *log.Entry, opts ...ProxyOption) *Proxy {
	p := &Proxy{reg: reg, origin: origin, log: l}
	for _, opt := range opts {
		opt(p)
	}
	p.pass = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				// forward-proxy form: keep the requested origin
				pr.Out.Host = pr.Out.URL.Host
				return
			}
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			setMealcacheHeaders(resp.Header, "bypass")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.WithError(err).WithField("url", r.URL.String()).Warn("pass-through failed")
			badGateway(w)
		},
	}
	return p
}

func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+controlPrefix+"message", p.handleMessage)
	mux.HandleFunc("POST "+controlPrefix+"sync", p.handleSync)
	mux.HandleFunc("POST "+controlPrefix+"push", p.handlePush)
	mux.HandleFunc("GET "+controlPrefix+"state", p.handleState)
	mux.HandleFunc("/", p.handle)
	return mux
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.IsAbs() && !sameOrigin(r.URL, p.origin) && !p.forward {
		p.log.WithField("url", r.URL.String()).Debug("refusing foreign absolute-URI request")
		setMealcacheHeaders(w.Header(), "refused")
		http.Error(w, "forward proxying is disabled", http.StatusForbidden)
		return
	}
	req := p.describe(r)
	resp, handled, err := p.reg.Fetch(r.Context(), req)
	if !handled {
		p.pass.ServeHTTP(w, r)
		return
	}
	if err != nil {
		badGateway(w)
		return
	}
	writeResponse(w, r, resp)
}

// describe turns an incoming proxy request into the request the page
// meant to make against the origin.
func (p *Proxy) describe(r *http.Request) *RequestDescriptor {
	target := p.origin.String() + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	return &RequestDescriptor{
		Method: r.Method,
		URL:    target,
		Mode:   requestMode(r),
		Header: cloneHeader(r.Header),
	}
}

// requestMode reads Sec-Fetch-Mode and otherwise treats HTML GETs as
// navigations.
func requestMode(r *http.Request) RequestMode {
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		return RequestMode(strings.ToLower(m))
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// writeResponse answers the page. Full 200 answers go through
// http.ServeContent so the page's own conditional and range headers are
// honoured against the stored representation.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *ResponseDescriptor) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerMealcache) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setMealcacheHeaders(w.Header(), string(resp.Source))
	if resp.Status == http.StatusOK && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		modtime, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
		http.ServeContent(w, r, "", modtime, bytes.NewReader(resp.Body))
		return
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func badGateway(w http.ResponseWriter) {
	setMealcacheHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func setMealcacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerMealcache, source)
	}
	// Custom headers are not readable from page scripts in a CORS context
	// unless exposed.
	ensureExposedHeader(h, headerMealcache)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- control surface ----

func (p *Proxy) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := p.reg.PostMessage(r.Context(), body); err != nil {
		p.controlError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (p *Proxy) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := p.reg.Sync(r.Context(), r.URL.Query().Get("tag")); err != nil {
		p.controlError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (p *Proxy) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := p.reg.Push(r.Context(), body); err != nil {
		p.controlError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (p *Proxy) handleState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p.reg.State())
}

func (p *Proxy) controlError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNoActiveWorker) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	p.log.WithError(err).Warn("control request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}
