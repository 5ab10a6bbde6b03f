// Package terminal multiplexes command invocations onto reusable host shell
// sessions. The Registry owns session records, a Process drives one command on
// one session, and the Manager decides which session runs what.
package terminal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	termerr "github.com/rama-kairi/termpool/internal/errors"
	"github.com/rama-kairi/termpool/internal/host"
	"github.com/rama-kairi/termpool/internal/logger"
)

// Session is the record of one host session known to the Registry.
type Session struct {
	ID         int          `json:"id"`
	WorkingDir string       `json:"working_dir"`
	CreatedAt  time.Time    `json:"created_at"`
	Handle     host.Session `json:"-"`

	// busy and lastCommand are written by the Manager only
	mu          sync.RWMutex
	busy        bool
	lastCommand string
}

// Busy reports whether a command is currently running on the session.
func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// LastCommand returns the most recent command dispatched to the session.
func (s *Session) LastCommand() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCommand
}

func (s *Session) markBusy(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
	s.lastCommand = command
}

func (s *Session) markIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Registry owns every session record. Ids start at 1 and are never reused.
type Registry struct {
	provider host.Provider
	logger   *logger.Logger

	mutex    sync.RWMutex
	sessions map[int]*Session
	nextID   int
	onDetach []func(id int)
}

// NewRegistry creates a registry opening sessions through provider.
func NewRegistry(provider host.Provider, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		provider: provider,
		logger:   log.WithComponent("registry"),
		sessions: make(map[int]*Session),
		nextID:   1,
	}
}

// CreateSession asks the host for a new session in workingDir and records it.
func (r *Registry) CreateSession(ctx context.Context, workingDir string) (*Session, error) {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	r.mutex.Unlock()

	handle, err := r.provider.Open(ctx, workingDir)
	if err != nil {
		r.logger.Error("Failed to open host session", err, map[string]interface{}{
			"working_dir": workingDir,
		})
		return nil, termerr.HostOpenFailed(err, workingDir)
	}

	rec := &Session{
		ID:         id,
		WorkingDir: workingDir,
		CreatedAt:  time.Now(),
		Handle:     handle,
	}

	r.mutex.Lock()
	r.sessions[id] = rec
	r.mutex.Unlock()

	go r.watch(rec)

	r.logger.LogTerminalEvent("created", id, map[string]interface{}{"working_dir": workingDir})
	return rec, nil
}

// watch drops the record once the host disposes the session.
func (r *Registry) watch(rec *Session) {
	<-rec.Handle.Done()

	r.mutex.Lock()
	current, ok := r.sessions[rec.ID]
	if ok && current == rec {
		delete(r.sessions, rec.ID)
	}
	r.mutex.Unlock()

	if !ok {
		return
	}
	r.logger.LogTerminalEvent("detached", rec.ID)

	r.mutex.RLock()
	listeners := append([]func(int){}, r.onDetach...)
	r.mutex.RUnlock()
	for _, fn := range listeners {
		fn(rec.ID)
	}
}

// OnDetach registers fn to run after the host disposes a session the
// registry still held. Explicit removal and CloseAll do not fire it.
func (r *Registry) OnDetach(fn func(id int)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onDetach = append(r.onDetach, fn)
}

// GetSession returns the record for id.
func (r *Registry) GetSession(id int) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	rec, ok := r.sessions[id]
	return rec, ok
}

// ListSessions returns a snapshot of all records ordered by id.
func (r *Registry) ListSessions() []*Session {
	r.mutex.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, rec := range r.sessions {
		sessions = append(sessions, rec)
	}
	r.mutex.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// RemoveSession forgets id. The host session is left open.
func (r *Registry) RemoveSession(id int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.sessions, id)
}

// CloseAll closes every host session and empties the registry.
func (r *Registry) CloseAll() error {
	r.mutex.Lock()
	sessions := r.sessions
	r.sessions = make(map[int]*Session)
	r.mutex.Unlock()

	var errs []error
	for id, rec := range sessions {
		if err := rec.Handle.Close(); err != nil {
			r.logger.Error("Failed to close host session", err, map[string]interface{}{"terminal_id": id})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
