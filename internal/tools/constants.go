package tools

const (
	// run_command wait bounds, in seconds
	DefaultWaitTimeout = 60
	MaxWaitTimeout     = 300

	// search_command_history limits
	DefaultSearchLimit = 50
	MaxSearchLimit     = 1000
)
