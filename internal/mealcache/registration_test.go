package mealcache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker is a scripted ServiceWorker.
type fakeWorker struct {
	version  string
	installs atomic.Int64

	install  func(attempt int64, ev *Event) error
	activate func(ev *Event) error
	fetch    HandlerFunc
}

func (f *fakeWorker) Version() string { return f.version }

func (f *fakeWorker) Handlers() map[EventKind]HandlerFunc {
	h := map[EventKind]HandlerFunc{
		EventInstall: func(_ context.Context, ev *Event) error {
			n := f.installs.Add(1)
			if f.install != nil {
				return f.install(n, ev)
			}
			return nil
		},
	}
	if f.activate != nil {
		h[EventActivate] = func(_ context.Context, ev *Event) error { return f.activate(ev) }
	}
	if f.fetch != nil {
		h[EventFetch] = f.fetch
	}
	return h
}

func skipWaitingInstall(_ int64, ev *Event) error {
	ev.scope().SkipWaiting()
	return nil
}

func newTestRegistration() *Registration {
	l, _ := testLogger()
	return NewRegistration(
		WithRegistrationLogger(l),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
}

func TestRegisterFirstWorkerBecomesActive(t *testing.T) {
	r := newTestRegistration()
	require.NoError(t, r.Register(context.Background(), &fakeWorker{version: "v1"}))

	st := r.State()
	require.NotNil(t, st.Active)
	assert.Equal(t, "v1", st.Active.Version)
	assert.Equal(t, "active", st.Active.State)
	assert.Nil(t, st.Waiting)
	assert.Nil(t, st.Installing)
}

func TestRegisterUpgradeWaitsForSkipWaiting(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	l, _ := testLogger()
	worker := func(version string) *Worker {
		cfg := testConfig(t, func(c *Config) {
			c.Caches.Version = version
			c.Install.WaitForClients = true
			c.Manifest.Enabled = false
		})
		return NewWorker(cfg, storage, servingNet(version), WithLogger(l))
	}
	r := newTestRegistration()

	require.NoError(t, r.Register(ctx, worker("v5")))
	r.ClientOpened()
	r.ClientOpened()
	assert.Equal(t, 2, r.State().Controlled)

	require.NoError(t, r.Register(ctx, worker("v6")))
	st := r.State()
	require.NotNil(t, st.Waiting)
	assert.Equal(t, "v6", st.Waiting.Version)
	assert.Equal(t, "installed", st.Waiting.State)
	assert.Equal(t, "v5", st.Active.Version)

	// the old worker still serves its own generation
	resp, handled, err := r.Fetch(ctx, NewRequest(testOrigin+"/", ModeNavigate))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "v5 "+testOrigin+"/", string(resp.Body))

	require.NoError(t, r.PostMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`)))
	st = r.State()
	assert.Nil(t, st.Waiting)
	assert.Equal(t, "v6", st.Active.Version)
	assert.Equal(t, 2, st.Clients)
	assert.Equal(t, 2, st.Controlled)

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"meal-manager-v6", "meal-manager-runtime-v6"}, names)

	resp, _, err = r.Fetch(ctx, NewRequest(testOrigin+"/", ModeNavigate))
	require.NoError(t, err)
	assert.Equal(t, "v6 "+testOrigin+"/", string(resp.Body))
}

func TestClientClosedPromotesWaitingWorker(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1"}))
	r.ClientOpened()

	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v2"}))
	assert.Equal(t, "v2", r.State().Waiting.Version)

	require.NoError(t, r.ClientClosed(ctx))
	st := r.State()
	assert.Nil(t, st.Waiting)
	assert.Equal(t, "v2", st.Active.Version)
	assert.Zero(t, st.Clients)
	assert.Zero(t, st.Controlled)

	// closing with no clients left is harmless
	require.NoError(t, r.ClientClosed(ctx))
	assert.Zero(t, r.State().Clients)
}

func TestRegisterReplacesPreviousWaitingWorker(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1"}))
	r.ClientOpened()

	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v2"}))
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v3"}))
	st := r.State()
	assert.Equal(t, "v3", st.Waiting.Version)
	assert.Equal(t, "v1", st.Active.Version)
}

func TestRegisterRetriesInstall(t *testing.T) {
	r := newTestRegistration()
	w := &fakeWorker{version: "v1", install: func(n int64, _ *Event) error {
		if n < 3 {
			return errors.New("origin busy")
		}
		return nil
	}}

	require.NoError(t, r.Register(context.Background(), w))
	assert.Equal(t, int64(3), w.installs.Load())
	assert.Equal(t, "v1", r.State().Active.Version)
}

func TestRegisterInstallExhaustionKeepsActiveWorker(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1"}))

	bad := &fakeWorker{version: "v2", install: func(int64, *Event) error {
		return errors.New("disk full")
	}}
	err := r.Register(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install v2 after 3 attempts")
	assert.Equal(t, int64(3), bad.installs.Load())

	st := r.State()
	assert.Equal(t, "v1", st.Active.Version)
	assert.Nil(t, st.Waiting)
	assert.Nil(t, st.Installing)
}

func TestRegisterInstallAttemptsOption(t *testing.T) {
	l, _ := testLogger()
	r := NewRegistration(
		WithRegistrationLogger(l),
		WithInstallAttempts(1),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	w := &fakeWorker{version: "v1", install: func(int64, *Event) error { return errors.New("nope") }}

	assert.Error(t, r.Register(context.Background(), w))
	assert.Equal(t, int64(1), w.installs.Load())
	assert.Nil(t, r.State().Active)
}

func TestActivateFailureRevertsToPreviousWorker(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1"}))
	r.ClientOpened()

	bad := &fakeWorker{
		version:  "v2",
		install:  skipWaitingInstall,
		activate: func(*Event) error { return errors.New("storage gone") },
	}
	err := r.Register(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activate v2")

	st := r.State()
	assert.Equal(t, "v1", st.Active.Version)
	assert.Equal(t, "active", st.Active.State)
	assert.Equal(t, 1, st.Controlled)
}

func TestFetchSkipsClientsTheWorkerHasNotClaimed(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	claim := func(ev *Event) error {
		ev.scope().Claim()
		return nil
	}
	respond := func(body string) HandlerFunc {
		return func(_ context.Context, ev *Event) error {
			ev.RespondWith(okResponse(body), nil)
			return nil
		}
	}
	req := NewRequest(testOrigin+"/", ModeNavigate)

	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1", activate: claim, fetch: respond("v1")}))
	r.ClientOpened()

	var v2Fetches atomic.Int64
	require.NoError(t, r.Register(ctx, &fakeWorker{
		version: "v2",
		install: skipWaitingInstall,
		fetch: func(ctx context.Context, ev *Event) error {
			v2Fetches.Add(1)
			return respond("v2")(ctx, ev)
		},
	}))
	st := r.State()
	assert.Equal(t, "v2", st.Active.Version)
	assert.Equal(t, 1, st.Clients)
	assert.Zero(t, st.Controlled)

	_, handled, err := r.Fetch(ctx, req)
	require.NoError(t, err)
	assert.False(t, handled, "the open client was never claimed")
	assert.Zero(t, v2Fetches.Load())

	// a client opened after activation is controlled straight away
	r.ClientOpened()
	resp, handled, err := r.Fetch(ctx, req)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "v2", string(resp.Body))
	assert.Equal(t, int64(1), v2Fetches.Load())
}

func TestRegistrationFetch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	req := NewRequest(testOrigin+"/", ModeNavigate)

	_, handled, err := r.Fetch(ctx, req)
	require.NoError(t, err)
	assert.False(t, handled, "no active worker")

	calls := 0
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1", fetch: func(_ context.Context, ev *Event) error {
		calls++
		switch calls {
		case 1:
			ev.RespondWith(okResponse("hi"), nil)
			return nil
		case 2:
			return errors.New("handler crashed")
		default:
			ev.RespondWith(nil, errOffline)
			return nil
		}
	}}))

	resp, handled, err := r.Fetch(ctx, req)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "hi", string(resp.Body))

	_, handled, err = r.Fetch(ctx, req)
	assert.NoError(t, err)
	assert.False(t, handled, "a failing handler leaves the request to the network")

	_, handled, err = r.Fetch(ctx, req)
	assert.True(t, handled)
	assert.ErrorIs(t, err, errOffline)
}

func TestPostMessageTargetsWaitingWorker(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	assert.ErrorIs(t, r.PostMessage(ctx, []byte(`{}`)), ErrNoActiveWorker)

	var got []string
	recorder := func(version string) ServiceWorker {
		return handlersFunc{version: version, handlers: func() map[EventKind]HandlerFunc {
			h := (&fakeWorker{version: version}).Handlers()
			h[EventMessage] = func(_ context.Context, ev *Event) error {
				got = append(got, version+":"+string(ev.Data))
				return nil
			}
			return h
		}}
	}

	require.NoError(t, r.Register(ctx, recorder("v1")))
	require.NoError(t, r.PostMessage(ctx, []byte("a")))
	r.ClientOpened()
	require.NoError(t, r.Register(ctx, recorder("v2")))
	require.NoError(t, r.PostMessage(ctx, []byte("b")))

	assert.Equal(t, []string{"v1:a", "v2:b"}, got)
}

// handlersFunc adapts a version and a handler table to ServiceWorker.
type handlersFunc struct {
	version  string
	handlers func() map[EventKind]HandlerFunc
}

func (h handlersFunc) Version() string                     { return h.version }
func (h handlersFunc) Handlers() map[EventKind]HandlerFunc { return h.handlers() }

func TestSyncAndPushNeedActiveWorker(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	assert.ErrorIs(t, r.Sync(ctx, SyncTagMeals), ErrNoActiveWorker)
	assert.ErrorIs(t, r.Push(ctx, []byte("x")), ErrNoActiveWorker)

	l, _ := testLogger()
	cfg := testConfig(t, func(c *Config) { c.Manifest.Enabled = false })
	require.NoError(t, r.Register(ctx, NewWorker(cfg, newTestStorage(t), servingNet("x"), WithLogger(l))))
	assert.NoError(t, r.Sync(ctx, SyncTagMeals))
	assert.NoError(t, r.Push(ctx, []byte("x")))
}

func TestRegistrationStateJSON(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1"}))
	r.ClientOpened()
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v2"}))

	b, err := json.Marshal(r.State())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"waiting": {"version": "v2", "state": "installed"},
		"active": {"version": "v1", "state": "active"},
		"clients": 1,
		"controlled": 1
	}`, string(b))
}

func TestRegistrationClose(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration()
	var fetches atomic.Int64
	require.NoError(t, r.Register(ctx, &fakeWorker{version: "v1", fetch: func(_ context.Context, ev *Event) error {
		fetches.Add(1)
		ev.RespondWith(okResponse("x"), nil)
		return nil
	}}))
	r.Close()

	assert.ErrorIs(t, r.Register(ctx, &fakeWorker{version: "v2"}), ErrRegistrationClosed)
	_, handled, err := r.Fetch(ctx, NewRequest(testOrigin+"/", ModeNavigate))
	assert.NoError(t, err)
	assert.False(t, handled)
	assert.Zero(t, fetches.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "installed", StateInstalled.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "unknown", State(42).String())
}
