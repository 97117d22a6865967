package mealcache

import (
	"context"
	"sync"
)

// EventKind tags the lifecycle and functional events a host delivers to a
// worker.
type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
	EventMessage
	EventSync
	EventPush
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventMessage:
		return "message"
	case EventSync:
		return "sync"
	case EventPush:
		return "push"
	default:
		return "unknown"
	}
}

// Scope is the host side of a worker: the calls a handler may make back
// into its registration.
type Scope interface {
	// SkipWaiting asks for promotion to active without waiting for open
	// clients to release the previous worker.
	SkipWaiting()
	// Claim makes the worker the controller of every open client.
	Claim()
}

// HandlerFunc handles one event. The host keeps the worker alive until it
// returns.
type HandlerFunc func(ctx context.Context, ev *Event) error

// Event is a single delivery to a worker. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	Request *RequestDescriptor // fetch
	Data    []byte             // message, push
	Tag     string             // sync
	Scope   Scope

	mu        sync.Mutex
	responded bool
	resp      *ResponseDescriptor
	respErr   error
}

// RespondWith marks a fetch as intercepted and records its outcome. A
// non-nil err is surfaced to the page as a failed request. Only the first
// call counts.
func (e *Event) RespondWith(resp *ResponseDescriptor, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return
	}
	e.responded = true
	e.resp = resp
	e.respErr = err
}

// Response returns what the handler responded with. handled is false when
// the handler left the request to the default network path.
func (e *Event) Response() (resp *ResponseDescriptor, handled bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resp, e.responded, e.respErr
}

func (e *Event) scope() Scope {
	if e.Scope == nil {
		return nopScope{}
	}
	return e.Scope
}

type nopScope struct{}

func (nopScope) SkipWaiting() {}
func (nopScope) Claim()       {}
