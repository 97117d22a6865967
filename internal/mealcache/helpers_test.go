package mealcache

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

const testOrigin = "http://meals.test"

var errOffline = errors.New("network unreachable")

func newTestStorage(t *testing.T) *DiskStorage {
	t.Helper()
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	require.NoError(t, err)
	s := NewDiskStorage(db, 1<<20)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig(t *testing.T, mutate ...func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = testOrigin
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Compile())
	return cfg
}

func testLogger() (*log.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return log.NewEntry(logger), hook
}

func warnings(hook *test.Hook) []*log.Entry {
	var out []*log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			out = append(out, e)
		}
	}
	return out
}

// fakeNet answers from fn and records every URL it was asked for.
type fakeNet struct {
	mu    sync.Mutex
	calls []string
	fn    func(req *RequestDescriptor) (*ResponseDescriptor, error)
}

func (f *fakeNet) Fetch(_ context.Context, req *RequestDescriptor) (*ResponseDescriptor, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeNet) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func offlineNet() *fakeNet {
	return &fakeNet{fn: func(*RequestDescriptor) (*ResponseDescriptor, error) { return nil, errOffline }}
}

func servingNet(body string) *fakeNet {
	return &fakeNet{fn: func(req *RequestDescriptor) (*ResponseDescriptor, error) {
		return okResponse(body + " " + req.URL), nil
	}}
}

func okResponse(body string) *ResponseDescriptor {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &ResponseDescriptor{
		Status: http.StatusOK,
		Type:   TypeBasic,
		Header: h,
		Body:   []byte(body),
	}
}

func pathOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Path
}

// countingStorage counts Open calls on top of a real storage.
type countingStorage struct {
	CacheStorage
	opens atomic.Int64
}

func (c *countingStorage) Open(ctx context.Context, name string) (*Cache, error) {
	c.opens.Add(1)
	return c.CacheStorage.Open(ctx, name)
}

// brokenStorage fails every operation.
type brokenStorage struct{}

func (brokenStorage) Open(context.Context, string) (*Cache, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStorage) Has(context.Context, string) (bool, error) {
	return false, errors.New("disk on fire")
}

func (brokenStorage) Keys(context.Context) ([]string, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStorage) Delete(context.Context, string) (bool, error) {
	return false, errors.New("disk on fire")
}

type recordingScope struct {
	skipped atomic.Int64
	claimed atomic.Int64
}

func (s *recordingScope) SkipWaiting() { s.skipped.Add(1) }
func (s *recordingScope) Claim()       { s.claimed.Add(1) }

func fetchEvent(req *RequestDescriptor) *Event {
	return &Event{Kind: EventFetch, Request: req}
}
