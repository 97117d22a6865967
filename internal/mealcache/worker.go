package mealcache

import (
	"context"
	"encoding/json"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	MessageSkipWaiting   = "SKIP_WAITING"
	MessageClientOffline = "CLIENT_OFFLINE"

	// SyncTagMeals is the background-sync tag the page registers for meal
	// data. Nothing is synced yet.
	SyncTagMeals = "meal-sync"
)

var (
	ErrNotOK       = errors.New("mealcache: response status not ok")
	ErrCrossOrigin = errors.New("mealcache: cross-origin asset")
)

// Message is a control message posted by a page client.
type Message struct {
	Type string `json:"type"`
}

// Worker is the offline cache worker. It keeps no state between events:
// every handler reopens the generations it needs from storage by name.
type Worker struct {
	cfg     Config
	storage CacheStorage
	net     Fetcher
	log     *log.Entry
	metrics *Metrics
	putLog  *rateLimitedLogger
}

type WorkerOption func(*Worker)

func WithLogger(l *log.Entry) WorkerOption {
	return func(w *Worker) { w.log = l }
}

func WithMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker builds a worker for a compiled config.
func NewWorker(cfg Config, storage CacheStorage, net Fetcher, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:     cfg,
		storage: storage,
		net:     net,
		log:     log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NopMetrics()
	}
	w.log = w.log.WithField("worker", cfg.Caches.Version)
	w.putLog = newRateLimitedLogger(w.log, time.Minute)
	return w
}

// Version is the cache version tag this worker was built for.
func (w *Worker) Version() string { return w.cfg.Caches.Version }

// Handlers is the dispatch table from event kind to handler.
func (w *Worker) Handlers() map[EventKind]HandlerFunc {
	return map[EventKind]HandlerFunc{
		EventInstall:  w.Install,
		EventActivate: w.Activate,
		EventFetch:    w.Fetch,
		EventMessage:  w.Message,
		EventSync:     w.Sync,
		EventPush:     w.Push,
	}
}

// Install opens the current generations and pre-caches the app shell.
// Only a failure to open a generation fails the install; individual
// assets that cannot be fetched or stored are logged and skipped.
func (w *Worker) Install(ctx context.Context, ev *Event) error {
	w.log.Info("install")
	shell, err := w.storage.Open(ctx, w.cfg.ShellCache())
	if err != nil {
		return errors.Wrap(err, "install: open shell cache")
	}
	if _, err := w.storage.Open(ctx, w.cfg.RuntimeCache()); err != nil {
		return errors.Wrap(err, "install: open runtime cache")
	}

	w.log.WithField("cache", shell.Name()).Info("caching app shell")
	cached := w.addAll(ctx, shell, w.cfg.Install.Bootstrap)
	total := len(w.cfg.Install.Bootstrap)

	if w.cfg.Manifest.Enabled {
		assets, err := w.manifestAssets(ctx)
		if err != nil {
			w.log.WithError(err).Warn("failed to fetch asset manifest")
		} else {
			w.log.WithField("assets", assets).Info("caching generated assets")
			cached += w.addAll(ctx, shell, assets)
			total += len(assets)
		}
	}

	w.log.WithFields(log.Fields{"cached": cached, "total": total}).Info("install complete")
	if !w.cfg.Install.WaitForClients {
		ev.scope().SkipWaiting()
	}
	return nil
}

// addAll caches every path independently and reports how many succeeded.
func (w *Worker) addAll(ctx context.Context, cache *Cache, paths []string) int {
	limit := w.cfg.Install.Concurrency
	if limit <= 0 {
		// SetLimit(0) would block every Go call
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	var ok atomic.Int64
	for _, p := range paths {
		p := p
		g.Go(func() error {
			if err := w.add(ctx, cache, p); err != nil {
				w.log.WithError(err).WithField("url", p).Warn("failed to cache")
				w.metrics.assetCached(ctx, false)
				return nil
			}
			ok.Add(1)
			w.metrics.assetCached(ctx, true)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

// add fetches one asset and stores it under its request key.
func (w *Worker) add(ctx context.Context, cache *Cache, ref string) error {
	u, err := w.resolve(ref)
	if err != nil {
		return err
	}
	if !sameOrigin(u, w.cfg.Origin()) {
		return errors.Wrap(ErrCrossOrigin, u.String())
	}
	req := NewRequest(u.String(), ModeNoCORS)
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Storable() {
		return errors.Wrapf(ErrNotOK, "%s: status %d type %s", req.URL, resp.Status, resp.Type)
	}
	return cache.Put(ctx, req.Key(), resp.Clone())
}

func (w *Worker) resolve(ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", ref)
	}
	return w.cfg.Origin().ResolveReference(r), nil
}

// Activate deletes every generation that is not current, then claims all
// open clients. Deletion failures are logged and never block the claim.
func (w *Worker) Activate(ctx context.Context, ev *Event) error {
	w.log.Info("activate")
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return errors.Wrap(err, "activate: list caches")
	}

	var g errgroup.Group
	for _, name := range lo.Without(names, w.cfg.Generations()...) {
		name := name
		g.Go(func() error {
			deleted, err := w.storage.Delete(ctx, name)
			if err != nil {
				w.log.WithError(err).WithField("cache", name).Warn("failed to remove old cache")
				return nil
			}
			if deleted {
				w.log.WithField("cache", name).Info("removed old cache")
				w.metrics.generationEvicted(ctx)
			}
			return nil
		})
	}
	_ = g.Wait()

	ev.scope().Claim()
	return nil
}

// Message handles control messages from page clients.
func (w *Worker) Message(_ context.Context, ev *Event) error {
	var msg Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		w.log.WithError(err).Debug("ignoring malformed message")
		return nil
	}
	switch msg.Type {
	case MessageSkipWaiting:
		w.log.Info("skip waiting requested")
		ev.scope().SkipWaiting()
	case MessageClientOffline:
		w.log.Info("client is offline")
	default:
		w.log.WithField("type", msg.Type).Debug("ignoring unknown message")
	}
	return nil
}

// Sync acknowledges background-sync events without doing any work.
func (w *Worker) Sync(_ context.Context, ev *Event) error {
	if ev.Tag == SyncTagMeals {
		w.log.WithField("tag", ev.Tag).Debug("background sync")
		return nil
	}
	w.log.WithField("tag", ev.Tag).Info("ignoring unknown sync tag")
	return nil
}

// Push acknowledges push events without doing any work.
func (w *Worker) Push(_ context.Context, ev *Event) error {
	w.log.WithField("bytes", len(ev.Data)).Debug("push received")
	return nil
}
