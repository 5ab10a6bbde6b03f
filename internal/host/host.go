// Package host defines the boundary to the environment that owns interactive
// shell sessions. termpool never creates shells itself; it asks a Provider to
// open one bound to a working directory and then drives it through Session.
package host

import "context"

// Provider opens interactive sessions.
type Provider interface {
	// Open creates a session bound to workingDir. Capability may not be
	// present yet when Open returns; it is discovered asynchronously.
	Open(ctx context.Context, workingDir string) (Session, error)
}

// Session is an opaque handle to one interactive shell owned by the host.
type Session interface {
	// HasCapability reports whether structured output capture is available.
	HasCapability() bool

	// Cwd returns the shell's current directory. It is only meaningful once
	// capability is present; ok is false otherwise.
	Cwd() (dir string, ok bool)

	// Execute runs command with output capture. onOutput receives zero or more
	// chunks, all delivered before Execute returns. A nil error means the
	// command finished (whatever its exit code); a non-nil error means the
	// host could not complete the execution.
	Execute(ctx context.Context, command string, onOutput func(chunk string)) (exitCode int, err error)

	// SendText dispatches command without output capture.
	SendText(ctx context.Context, command string) error

	// Done is closed once the session has been disposed.
	Done() <-chan struct{}

	// Close disposes the session. Safe to call more than once.
	Close() error
}

// Execution is a command the host saw start, possibly on a session termpool does not own.
type Execution interface {
	// Drain asks the host to start consuming the execution's output so that
	// it does not stall.
	Drain()
}

// Notifier is implemented by providers that publish command-started events.
type Notifier interface {
	SubscribeCommandStarted(fn func(Execution)) (unsubscribe func())
}
