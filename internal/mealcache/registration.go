package mealcache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNoActiveWorker     = errors.New("mealcache: no active worker")
	ErrRegistrationClosed = errors.New("mealcache: registration closed")
)

// State is a worker's position in the registration lifecycle.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled // waiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// ServiceWorker is what a registration hosts: a version tag and a dispatch
// table.
type ServiceWorker interface {
	Version() string
	Handlers() map[EventKind]HandlerFunc
}

type slot struct {
	version     string
	handlers    map[EventKind]HandlerFunc
	state       State
	skipWaiting bool
}

// Registration hosts workers and drives them through
// installing -> installed (waiting) -> activating -> active. It plays the
// part a browser plays for a service worker: delivering events, keeping the
// worker alive until each handler settles, and tracking page clients.
type Registration struct {
	log         *log.Entry
	maxAttempts int
	newBackOff  func() backoff.BackOff

	// lifecycle serializes install, activate and message delivery.
	lifecycle sync.Mutex

	mu         sync.Mutex
	installing *slot
	waiting    *slot
	active     *slot
	clients    int
	controlled int
	closed     bool

	inflight sync.WaitGroup
}

type RegistrationOption func(*Registration)

// WithInstallAttempts bounds how often a fatally failing install is tried.
func WithInstallAttempts(n int) RegistrationOption {
	return func(r *Registration) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackOff sets the delay policy between install attempts.
func WithBackOff(f func() backoff.BackOff) RegistrationOption {
	return func(r *Registration) { r.newBackOff = f }
}

func WithRegistrationLogger(l *log.Entry) RegistrationOption {
	return func(r *Registration) { r.log = l }
}

func NewRegistration(opts ...RegistrationOption) *Registration {
	r := &Registration{
		log:         log.NewEntry(log.StandardLogger()),
		maxAttempts: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs sw and promotes it when nothing holds it back. A worker
// whose install keeps failing becomes redundant and the current active
// worker, if any, keeps serving.
func (r *Registration) Register(ctx context.Context, sw ServiceWorker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	s := &slot{version: sw.Version(), handlers: sw.Handlers(), state: StateInstalling}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistrationClosed
	}
	r.installing = s
	r.mu.Unlock()

	l := r.log.WithField("worker", s.version)
	l.Info("installing")
	attempts := 0
	op := func() error {
		attempts++
		return r.dispatch(ctx, s, &Event{Kind: EventInstall})
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		l.WithError(err).WithField("retryIn", d).Warn("install failed")
	})

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		s.state = StateRedundant
		r.mu.Unlock()
		return errors.Wrapf(err, "install %s after %d attempts", s.version, attempts)
	}
	s.state = StateInstalled
	if r.waiting != nil {
		r.waiting.state = StateRedundant
	}
	r.waiting = s
	r.mu.Unlock()
	l.Info("installed")

	return r.promoteLocked(ctx)
}

// promoteLocked activates the waiting worker if it asked to skip waiting,
// nothing is active, or no client is open. The lifecycle lock must be held.
func (r *Registration) promoteLocked(ctx context.Context) error {
	r.mu.Lock()
	s := r.waiting
	if s == nil || !(s.skipWaiting || r.active == nil || r.clients == 0) {
		r.mu.Unlock()
		return nil
	}
	prev := r.active
	r.waiting = nil
	r.active = s
	r.controlled = 0
	s.state = StateActivating
	r.mu.Unlock()

	l := r.log.WithField("worker", s.version)
	l.Info("activating")
	if err := r.dispatch(ctx, s, &Event{Kind: EventActivate}); err != nil {
		r.mu.Lock()
		s.state = StateRedundant
		r.active = prev
		if prev != nil {
			r.controlled = r.clients
		}
		r.mu.Unlock()
		return errors.Wrapf(err, "activate %s", s.version)
	}

	r.mu.Lock()
	s.state = StateActive
	if prev != nil {
		prev.state = StateRedundant
	}
	r.mu.Unlock()
	l.Info("active")
	return nil
}

func (r *Registration) dispatch(ctx context.Context, s *slot, ev *Event) error {
	h, ok := s.handlers[ev.Kind]
	if !ok {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistrationClosed
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	ev.Scope = &slotScope{r: r, s: s}
	return h(ctx, ev)
}

// Fetch routes a request through the active worker. handled is false when
// there is no active worker, when open clients are not controlled by it, or
// when it declined the request; the caller then goes to the network itself.
//
// Clients are counted, not identified: while any client is controlled every
// request is routed.
func (r *Registration) Fetch(ctx context.Context, req *RequestDescriptor) (resp *ResponseDescriptor, handled bool, err error) {
	r.mu.Lock()
	s := r.active
	uncontrolled := r.clients > 0 && r.controlled == 0
	r.mu.Unlock()
	if s == nil || uncontrolled {
		return nil, false, nil
	}

	ev := &Event{Kind: EventFetch, Request: req}
	if err := r.dispatch(ctx, s, ev); err != nil {
		if _, handled, _ := ev.Response(); !handled {
			r.log.WithError(err).WithField("url", req.URL).Warn("fetch handler failed")
			return nil, false, nil
		}
	}
	resp, handled, err = ev.Response()
	return resp, handled, err
}

// PostMessage delivers a control message to the waiting worker, or to the
// active one when none is waiting. Messages are handled in delivery order.
func (r *Registration) PostMessage(ctx context.Context, data []byte) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	s := r.waiting
	if s == nil {
		s = r.active
	}
	r.mu.Unlock()
	if s == nil {
		return ErrNoActiveWorker
	}
	if err := r.dispatch(ctx, s, &Event{Kind: EventMessage, Data: data}); err != nil {
		return errors.Wrap(err, "message")
	}
	return r.promoteLocked(ctx)
}

// Sync delivers a background-sync event to the active worker.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	return r.deliver(ctx, &Event{Kind: EventSync, Tag: tag})
}

// Push delivers a push event to the active worker.
func (r *Registration) Push(ctx context.Context, payload []byte) error {
	return r.deliver(ctx, &Event{Kind: EventPush, Data: payload})
}

func (r *Registration) deliver(ctx context.Context, ev *Event) error {
	r.mu.Lock()
	s := r.active
	r.mu.Unlock()
	if s == nil {
		return ErrNoActiveWorker
	}
	if err := r.dispatch(ctx, s, ev); err != nil {
		return errors.Wrap(err, ev.Kind.String())
	}
	return nil
}

// ClientOpened records a new page client. It is controlled right away when
// a worker is active.
func (r *Registration) ClientOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients++
	if r.active != nil {
		r.controlled++
	}
}

// ClientClosed records a page client going away. Once the last one is
// gone a waiting worker is promoted.
func (r *Registration) ClientClosed(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if r.clients > 0 {
		r.clients--
	}
	if r.controlled > r.clients {
		r.controlled = r.clients
	}
	r.mu.Unlock()
	return r.promoteLocked(ctx)
}

// WorkerState describes one hosted worker.
type WorkerState struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

// RegistrationState is a point-in-time view of a registration.
type RegistrationState struct {
	Installing *WorkerState `json:"installing,omitempty"`
	Waiting    *WorkerState `json:"waiting,omitempty"`
	Active     *WorkerState `json:"active,omitempty"`
	Clients    int          `json:"clients"`
	Controlled int          `json:"controlled"`
}

func (r *Registration) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := func(s *slot) *WorkerState {
		if s == nil {
			return nil
		}
		return &WorkerState{Version: s.version, State: s.state.String()}
	}
	return RegistrationState{
		Installing: view(r.installing),
		Waiting:    view(r.waiting),
		Active:     view(r.active),
		Clients:    r.clients,
		Controlled: r.controlled,
	}
}

// Close refuses new events and waits for in-flight handlers to settle.
func (r *Registration) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.inflight.Wait()
}

type slotScope struct {
	r *Registration
	s *slot
}

func (sc *slotScope) SkipWaiting() {
	sc.r.mu.Lock()
	sc.s.skipWaiting = true
	sc.r.mu.Unlock()
}

// Claim takes control of every open client. An active worker that never
// claims does not see fetches from clients opened before it activated.
func (sc *slotScope) Claim() {
	sc.r.mu.Lock()
	defer sc.r.mu.Unlock()
	if sc.r.active == sc.s {
		sc.r.controlled = sc.r.clients
	}
}
