// Package shell implements host.Provider on top of local gosh shells.
package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"

	"github.com/rama-kairi/termpool/internal/host"
	"github.com/rama-kairi/termpool/internal/logger"
)

// Options configures shells opened by the provider.
type Options struct {
	Environment         map[string]string
	ProbeTimeout        time.Duration
	CommandTimeout      time.Duration
	UnstructuredTimeout time.Duration
}

// Provider opens one gosh shell per session.
type Provider struct {
	opts   Options
	logger *logger.Logger

	mu          sync.Mutex
	subscribers map[int]func(host.Execution)
	nextSub     int
}

// NewProvider creates a provider; zero timeouts fall back to sane defaults.
func NewProvider(opts Options, log *logger.Logger) *Provider {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Minute
	}
	if opts.UnstructuredTimeout <= 0 {
		opts.UnstructuredTimeout = time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Provider{
		opts:        opts,
		logger:      log.WithComponent("shell"),
		subscribers: make(map[int]func(host.Execution)),
	}
}

// Open starts a shell positioned in workingDir. Capability is probed in the
// background; the session reports it once the shell answers pwd.
func (p *Provider) Open(ctx context.Context, workingDir string) (host.Session, error) {
	var envOptions []runner.Option
	if len(p.opts.Environment) > 0 {
		envOptions = append(envOptions, runner.WithEnvironment(p.opts.Environment))
	}

	// the shell outlives the request that opened it
	svc, err := gosh.New(context.WithoutCancel(ctx), local.New(envOptions...))
	if err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	if _, _, err := svc.Run(ctx, "cd "+quote(workingDir)); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("failed to change directory to %s: %w", workingDir, err)
	}

	s := &session{
		provider:   p,
		service:    svc,
		workingDir: workingDir,
		done:       make(chan struct{}),
	}
	go s.probe()

	p.logger.Debug("Shell opened", map[string]interface{}{"working_dir": workingDir})
	return s, nil
}

// SubscribeCommandStarted registers fn for every command executed through a
// session of this provider.
func (p *Provider) SubscribeCommandStarted(fn func(host.Execution)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subscribers, id)
		})
	}
}

func (p *Provider) publish(exec host.Execution) {
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

// execution is published when a command starts. A drained execution streams
// its stdout while it runs; otherwise the output is delivered once the
// command returns.
type execution struct {
	drained atomic.Bool
}

func (e *execution) Drain() { e.drained.Store(true) }

// quote wraps s in single quotes for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
