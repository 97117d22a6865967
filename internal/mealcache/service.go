package mealcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Service wires storage, worker, registration and proxy for one process.
type Service struct {
	cfg Config
	log *log.Entry

	storage  *DiskStorage
	provider *sdkmetric.MeterProvider
	metrics  *Metrics
	worker   *Worker
	reg      *Registration
	proxy    *Proxy

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	lvl, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logging.level")
	}
	log.SetLevel(lvl)
	l := log.WithField("component", "mealcache")

	storage, err := OpenDiskStorage(cfg.Storage.Path, cfg.RAMMax())
	if err != nil {
		return nil, err
	}
	provider, err := NewMeterProvider(cfg.Metrics.Exporter)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	metrics, err := NewMetrics(provider.Meter(meterName))
	if err != nil {
		_ = storage.Close()
		return nil, errors.Wrap(err, "create metrics")
	}

	worker := NewWorker(cfg, storage, NewHTTPFetcher(cfg.Origin()), WithLogger(l), WithMetrics(metrics))
	reg := NewRegistration(WithRegistrationLogger(l), WithInstallAttempts(cfg.Install.MaxAttempts))

	s := &Service{
		cfg:      cfg,
		log:      l,
		storage:  storage,
		provider: provider,
		metrics:  metrics,
		worker:   worker,
		reg:      reg,
		proxy:    NewProxy(reg, cfg.Origin(), l, WithForwardProxy(cfg.Server.ForwardProxy)),
		stopCh:   make(chan struct{}),
	}

	if every := cfg.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Start registers the worker: install, then activate.
func (s *Service) Start(ctx context.Context) error {
	return s.reg.Register(ctx, s.worker)
}

func (s *Service) Handler() http.Handler {
	return s.proxy.Handler()
}

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Storage() *DiskStorage { return s.storage }

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.provider.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("metrics shutdown")
	}
	if err := s.storage.Close(); err != nil {
		s.log.WithError(err).Warn("close storage")
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx := context.Background()
	names, err := s.storage.Keys(ctx)
	if err != nil {
		s.log.WithError(err).Warn("stats: list caches")
		return
	}
	ss := s.metrics.snapshot()
	s.log.WithFields(log.Fields{
		"generations": len(names),
		"ram":         humanize.IBytes(uint64(s.storage.RAMUsage())),
		"disk":        humanize.IBytes(uint64(s.storage.DiskUsage())),
		"cache":       ss.FromCache,
		"network":     ss.FromNetwork,
		"fallback":    ss.FromFallback,
		"failed":      ss.Failures,
	}).Infof("served min/avg/max %s/%s/%s",
		humanize.IBytes(ss.MinRespBytes),
		humanize.IBytes(ss.AvgRespBytes),
		humanize.IBytes(ss.MaxRespBytes),
	)
}
