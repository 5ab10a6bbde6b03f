package shell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
)

// ErrSessionClosed is returned by operations on a closed shell.
var ErrSessionClosed = errors.New("shell session closed")

type session struct {
	provider   *Provider
	service    *gosh.Service
	workingDir string

	// run serializes access to the underlying shell
	run sync.Mutex

	mu      sync.RWMutex
	capable bool
	cwd     string

	done      chan struct{}
	closeOnce sync.Once
}

// probe flips the capability flag once the shell answers pwd within the probe timeout.
func (s *session) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), s.provider.opts.ProbeTimeout)
	defer cancel()

	if cwd, ok := s.pwd(ctx); ok {
		s.mu.Lock()
		s.capable = true
		s.cwd = cwd
		s.mu.Unlock()
		return
	}
	s.provider.logger.Warn("Shell capability probe failed", map[string]interface{}{
		"working_dir": s.workingDir,
	})
}

func (s *session) pwd(ctx context.Context) (string, bool) {
	s.run.Lock()
	defer s.run.Unlock()
	if s.closed() {
		return "", false
	}

	timeout := s.provider.opts.ProbeTimeout
	out, status, err := s.service.Run(ctx, "pwd", runner.WithTimeout(int(timeout.Milliseconds())))
	if err != nil || status != 0 {
		return "", false
	}
	dir := strings.TrimSpace(out)
	return dir, dir != ""
}

func (s *session) HasCapability() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capable
}

func (s *session) Cwd() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd, s.capable
}

func (s *session) Execute(ctx context.Context, command string, onOutput func(string)) (int, error) {
	s.run.Lock()
	if s.closed() {
		s.run.Unlock()
		return -1, ErrSessionClosed
	}

	started := &execution{}
	s.provider.publish(started)

	emit := func(chunk string) {
		if chunk != "" && onOutput != nil {
			onOutput(chunk)
		}
	}

	// the listener runs on the goroutine inside Run
	var streamed strings.Builder
	listener := func(stdout string, _ bool) {
		streamed.WriteString(stdout)
		emit(stdout)
	}

	timeout := s.provider.opts.CommandTimeout
	options := []runner.Option{runner.WithTimeout(int(timeout.Milliseconds()))}
	if started.drained.Load() {
		options = append(options, runner.WithListener(listener))
	}
	begin := time.Now()
	out, status, err := s.service.Run(ctx, command, options...)
	if err == nil && time.Since(begin) > timeout {
		err = context.DeadlineExceeded
	}
	s.run.Unlock()

	emit(unstreamed(out, streamed.String()))
	if err != nil {
		return status, err
	}

	// the command may have changed directory
	if cwd, ok := s.pwd(ctx); ok {
		s.mu.Lock()
		s.cwd = cwd
		s.mu.Unlock()
	}
	return status, nil
}

// unstreamed returns the part of out the listener never delivered. gosh
// withholds the chunk carrying the exit status from listeners.
func unstreamed(out, streamed string) string {
	if streamed == "" {
		return out
	}
	if rest, ok := strings.CutPrefix(out, streamed); ok {
		return rest
	}
	// prompt cleanup made the two diverge; what was streamed stands
	return ""
}

func (s *session) SendText(ctx context.Context, command string) error {
	s.run.Lock()
	defer s.run.Unlock()
	if s.closed() {
		return ErrSessionClosed
	}

	s.provider.publish(&execution{})

	timeout := s.provider.opts.UnstructuredTimeout
	_, _, err := s.service.Run(ctx, command, runner.WithTimeout(int(timeout.Milliseconds())))
	return err
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// closing the shell unblocks any Run in flight
		err = s.service.Close()
		s.provider.logger.Debug("Shell closed", map[string]interface{}{"working_dir": s.workingDir})
	})
	return err
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
