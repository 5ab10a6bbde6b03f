// Package hosttest provides an in-memory host provider for exercising the
// terminal package without spawning shells.
package hosttest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rama-kairi/termpool/internal/host"
)

// ErrClosed is returned by a fake session used after Close.
var ErrClosed = errors.New("hosttest: session closed")

// Handler scripts the behaviour of Execute.
type Handler func(ctx context.Context, command string, emit func(string)) (int, error)

// Echo is the default handler: "echo X" emits "X\n", anything else emits nothing.
func Echo(_ context.Context, command string, emit func(string)) (int, error) {
	if rest, ok := strings.CutPrefix(command, "echo "); ok {
		emit(rest + "\n")
	}
	return 0, nil
}

// Session is a scripted host.Session.
type Session struct {
	WorkingDir string

	mu         sync.Mutex
	capable    bool
	cwd        string
	handler    Handler
	executed   []string
	sent       []string
	done       chan struct{}
	closeOnce  sync.Once
	closeCalls int
}

// NewSession returns a fake session bound to dir without capability.
func NewSession(dir string) *Session {
	return &Session{
		WorkingDir: dir,
		handler:    Echo,
		done:       make(chan struct{}),
	}
}

// SetCapability marks the session capable and reporting cwd.
func (s *Session) SetCapability(cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capable = true
	s.cwd = cwd
}

// SetHandler replaces the Execute script.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Executed returns commands run through Execute.
func (s *Session) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

// Sent returns commands dispatched through SendText.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// CloseCalls reports how many times Close was invoked.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *Session) HasCapability() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capable
}

func (s *Session) Cwd() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd, s.capable
}

func (s *Session) Execute(ctx context.Context, command string, onOutput func(string)) (int, error) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return -1, ErrClosed
	}
	s.executed = append(s.executed, command)
	handler := s.handler
	s.mu.Unlock()

	return handler(ctx, command, onOutput)
}

func (s *Session) SendText(_ context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	s.sent = append(s.sent, command)
	return nil
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Provider hands out fake sessions and records them in open order.
type Provider struct {
	// Capable makes new sessions report capability immediately with cwd = working dir.
	Capable bool
	// OpenErr, when set, fails every Open.
	OpenErr error
	// OnOpen is invoked for each new session before it is returned.
	OnOpen func(*Session)

	mu          sync.Mutex
	sessions    []*Session
	subscribers map[int]func(host.Execution)
	nextSub     int
}

// NewProvider returns a provider whose sessions start capable when capable is true.
func NewProvider(capable bool) *Provider {
	return &Provider{Capable: capable, subscribers: make(map[int]func(host.Execution))}
}

func (p *Provider) Open(_ context.Context, workingDir string) (host.Session, error) {
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := NewSession(workingDir)
	if p.Capable {
		s.SetCapability(workingDir)
	}
	if p.OnOpen != nil {
		p.OnOpen(s)
	}

	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

func (p *Provider) SubscribeCommandStarted(fn func(host.Execution)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribers == nil {
		p.subscribers = make(map[int]func(host.Execution))
	}
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

// Subscribers reports the number of live command-started subscriptions.
func (p *Provider) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Publish delivers a command-started notification to all subscribers.
func (p *Provider) Publish(exec host.Execution) {
	p.mu.Lock()
	fns := make([]func(host.Execution), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(exec)
	}
}

// Execution counts Drain calls.
type Execution struct {
	drained atomic.Int32
}

func (e *Execution) Drain() { e.drained.Add(1) }

// Drained reports how many times Drain was called.
func (e *Execution) Drained() int { return int(e.drained.Load()) }
