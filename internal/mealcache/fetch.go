package mealcache

import (
	"context"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Fetch intercepts same-origin GET requests. Everything else is left to
// the default network path: no RespondWith, no cache opened.
func (w *Worker) Fetch(ctx context.Context, ev *Event) error {
	req := ev.Request
	if req == nil || !w.intercepts(req) {
		if req != nil {
			w.log.WithFields(log.Fields{"method": req.Method, "url": req.URL}).Debug("skipping request")
		}
		return nil
	}

	class := w.classify(req)
	resp, err := w.respond(ctx, req, class)
	if err != nil {
		w.metrics.fetchFailed(ctx, class)
	} else {
		w.metrics.fetched(ctx, class, resp)
	}
	ev.RespondWith(resp, err)
	return nil
}

func (w *Worker) intercepts(req *RequestDescriptor) bool {
	if req.Method != http.MethodGet {
		return false
	}
	u, ok := req.parsedURL()
	if !ok || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return sameOrigin(u, w.cfg.Origin())
}

func (w *Worker) classify(req *RequestDescriptor) Classification {
	if req.Mode == ModeNavigate {
		return ClassNavigation
	}
	if u, ok := req.parsedURL(); ok && strings.Contains(u.Path, w.cfg.API.Marker) {
		return ClassAPI
	}
	return ClassStatic
}

func (w *Worker) respond(ctx context.Context, req *RequestDescriptor, class Classification) (*ResponseDescriptor, error) {
	name := w.cfg.ShellCache()
	if class == ClassAPI {
		name = w.cfg.RuntimeCache()
	}
	cache, err := w.storage.Open(ctx, name)
	if err != nil {
		// degrade to network only; navigations still get the fallback page
		w.log.WithError(err).WithField("cache", name).Warn("failed to open cache")
		cache = nil
	}

	if w.cfg.strategyFor(class) == StrategyNetworkFirst {
		return w.networkFirst(ctx, req, cache)
	}
	return w.cacheFirst(ctx, req, cache)
}

// cacheFirst answers from the cache when it can and only then goes to the
// network, storing eligible responses for next time.
func (w *Worker) cacheFirst(ctx context.Context, req *RequestDescriptor, cache *Cache) (*ResponseDescriptor, error) {
	if hit, ok := w.match(ctx, cache, req.Key()); ok {
		w.log.WithField("url", req.URL).Debug("serving from cache")
		return hit, nil
	}

	w.log.WithField("url", req.URL).Debug("fetching from network")
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		w.log.WithError(err).WithField("url", req.URL).Info("fetch failed")
		return w.offlineFallback(ctx, req, cache, err)
	}
	resp.Source = SourceNetwork
	w.store(ctx, cache, req.Key(), resp)
	return resp, nil
}

// networkFirst always tries the network and falls back to the cache only
// when the network is unreachable. Non-200 answers are returned as they are.
func (w *Worker) networkFirst(ctx context.Context, req *RequestDescriptor, cache *Cache) (*ResponseDescriptor, error) {
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		w.log.WithError(err).WithField("url", req.URL).Info("fetch failed, trying cache")
		return w.offlineFallback(ctx, req, cache, err)
	}
	resp.Source = SourceNetwork
	w.store(ctx, cache, req.Key(), resp)
	return resp, nil
}

// offlineFallback masks a network failure: exact cache match, then for navigations
// the cached root document and finally the synthesized offline page. With
// nothing to fall back on, the original error is returned.
func (w *Worker) offlineFallback(ctx context.Context, req *RequestDescriptor, cache *Cache, fetchErr error) (*ResponseDescriptor, error) {
	if hit, ok := w.match(ctx, cache, req.Key()); ok {
		return hit, nil
	}
	if req.Mode != ModeNavigate {
		return nil, fetchErr
	}

	shell := cache
	if shell == nil || shell.Name() != w.cfg.ShellCache() {
		var err error
		if shell, err = w.storage.Open(ctx, w.cfg.ShellCache()); err != nil {
			shell = nil
		}
	}
	root := w.cfg.Origin()
	root.Path = "/"
	if hit, ok := w.match(ctx, shell, root.String()); ok {
		w.log.WithField("url", req.URL).Info("serving cached root document")
		return hit, nil
	}
	w.log.WithField("url", req.URL).Info("serving offline page")
	return offlinePage(), nil
}

func (w *Worker) match(ctx context.Context, cache *Cache, key string) (*ResponseDescriptor, bool) {
	if cache == nil {
		return nil, false
	}
	hit, ok, err := cache.Match(ctx, key)
	if err != nil {
		w.log.WithError(err).WithField("url", key).Warn("cache lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	hit.Source = SourceCache
	return hit, true
}

// store writes a copy of an eligible response; the caller keeps resp.
// Failures are logged and dropped.
func (w *Worker) store(ctx context.Context, cache *Cache, key string, resp *ResponseDescriptor) {
	if cache == nil || !resp.Storable() {
		return
	}
	if err := cache.Put(ctx, key, resp.Clone()); err != nil {
		w.putLog.Warn(err, "failed to cache response")
		return
	}
	w.log.WithField("url", key).Debug("cached")
}
