package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rama-kairi/termpool/internal/config"
	"github.com/rama-kairi/termpool/internal/history"
	"github.com/rama-kairi/termpool/internal/host/shell"
	"github.com/rama-kairi/termpool/internal/logger"
	"github.com/rama-kairi/termpool/internal/monitoring"
	"github.com/rama-kairi/termpool/internal/terminal"
	"github.com/rama-kairi/termpool/internal/tools"
	"github.com/rama-kairi/termpool/internal/tracing"
)

// shutdownGrace bounds how long running commands may settle on exit.
const shutdownGrace = 5 * time.Second

func main() {
	// Parse command line flags
	configFile := flag.String("config", "", "Path to configuration file")
	debugMode := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *debugMode {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}

	// stdout carries JSON-RPC
	log.SetOutput(os.Stderr)

	appLogger, err := logger.NewLogger(&cfg.Logging, "termpool")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting termpool MCP server", map[string]interface{}{
		"version": cfg.Server.Version,
		"debug":   cfg.Server.Debug,
	})

	if cfg.Tracing.Enable {
		if err := tracing.Init(cfg.Server.Name, cfg.Server.Version, cfg.Tracing.Output); err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := tracing.Shutdown(ctx); err != nil {
				appLogger.Error("Failed to flush traces", err)
			}
		}()
	}

	var store *history.Store
	if cfg.History.Enable {
		store, err = history.Open(cfg.History.DataDir)
		if err != nil {
			log.Fatalf("Failed to open command history: %v", err)
		}
		defer store.Close()

		appLogger.Info("Command history enabled", map[string]interface{}{"path": store.Path()})
	}

	provider := shell.NewProvider(shell.Options{
		Environment:         cfg.Host.Environment,
		ProbeTimeout:        cfg.Host.ProbeTimeout,
		CommandTimeout:      cfg.Host.CommandTimeout,
		UnstructuredTimeout: cfg.Host.UnstructuredTimeout,
	}, appLogger)

	registry := terminal.NewRegistry(provider, appLogger)

	// a nil *history.Store must not become a non-nil Journal
	var journal terminal.Journal
	if store != nil {
		journal = store
	}
	manager := terminal.NewManager(cfg, registry, appLogger, journal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var monitor *monitoring.ResourceMonitor
	if cfg.Monitoring.Enable {
		monitor = monitoring.NewResourceMonitor(appLogger, cfg.Monitoring.StatsInterval, cfg.Monitoring.GoroutineThreshold)
		monitor.SetTerminalStats(manager)
		monitor.Start(ctx)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)
	registerTools(server, tools.NewTerminalTools(manager, store, appLogger))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			appLogger.Info("Received shutdown signal, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	appLogger.Info("termpool is waiting for requests on stdio")
	runErr := server.Run(ctx, &mcp.StdioTransport{})

	// let dispatched commands settle so their results reach the journal
	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownGrace)
	if !manager.WaitIdle(waitCtx) {
		appLogger.Warn("Commands still running at shutdown")
	}
	waitCancel()

	manager.DisposeAll()
	if err := registry.CloseAll(); err != nil {
		appLogger.Error("Failed to close terminals", err)
	}
	if monitor != nil {
		monitor.Stop()
	}

	if runErr != nil && ctx.Err() == nil {
		appLogger.Error("Server error", runErr)
		os.Exit(1)
	}
	appLogger.Info("termpool shutdown completed")
}

func registerTools(server *mcp.Server, terminalTools *tools.TerminalTools) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_or_create_terminal",
		Description: "Get a terminal positioned in a working directory. An idle terminal already in that directory is reused, otherwise a new shell is opened there. Returns the terminal id used by every other tool.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"working_dir": {
					Type:        "string",
					Description: "Directory the terminal must be in, e.g. '/home/me/project'.",
				},
			},
			Required: []string{"working_dir"},
		},
	}, terminalTools.GetOrCreateTerminal)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_command",
		Description: "Run a command in a terminal. Returns immediately unless wait is set; without wait, collect output later with get_terminal_output and check is_process_hot to see whether it is still printing. A terminal runs one command at a time. A terminal whose shell never reports output capture receives the command without capture and is retired.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"terminal_id": {
					Type:        "integer",
					Description: "Terminal id from get_or_create_terminal or list_terminals.",
				},
				"command": {
					Type:        "string",
					Description: "Command line to run, e.g. 'go test ./...'.",
				},
				"wait": {
					Type:        "boolean",
					Description: "Optional: block until the command finishes or the timeout passes. Default false.",
				},
				"timeout": {
					Type:        "integer",
					Description: "Optional: seconds to wait when wait is true. Default 60, maximum 300. The command keeps running after the timeout.",
				},
			},
			Required: []string{"terminal_id", "command"},
		},
	}, terminalTools.RunCommand)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_terminals",
		Description: "List terminals handed out by this server, either idle ones (default) or busy ones, with the last command each ran.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"busy": {
					Type:        "boolean",
					Description: "Optional: true lists busy terminals, false lists idle ones. Default false.",
				},
			},
		},
	}, terminalTools.ListTerminals)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_terminal_output",
		Description: "Return output of the terminal's latest command that has not been returned before. Each piece of output is returned once. Unknown terminals return empty output.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"terminal_id": {
					Type:        "integer",
					Description: "Terminal id.",
				},
			},
			Required: []string{"terminal_id"},
		},
	}, terminalTools.GetTerminalOutput)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "is_process_hot",
		Description: "Report whether the terminal's latest command produced output within the last quiet interval. Useful to tell a busy build from a server idling on a port.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"terminal_id": {
					Type:        "integer",
					Description: "Terminal id.",
				},
			},
			Required: []string{"terminal_id"},
		},
	}, terminalTools.IsProcessHot)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_command_history",
		Description: "Search the command journal, newest first. Requires history.enable in the configuration.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"terminal_id": {
					Type:        "integer",
					Description: "Optional: only commands run on this terminal.",
				},
				"command": {
					Type:        "string",
					Description: "Optional: substring of the command line.",
				},
				"output": {
					Type:        "string",
					Description: "Optional: substring of the recorded output.",
				},
				"outcome": {
					Type:        "string",
					Description: "Optional: 'completed', 'errored' or 'no_integration'.",
				},
				"since": {
					Type:        "string",
					Description: "Optional: RFC 3339 timestamp (2006-01-02T15:04:05Z) or a duration such as '2h'.",
				},
				"limit": {
					Type:        "integer",
					Description: "Optional: maximum results. Default 50, maximum 1000.",
				},
				"include_stats": {
					Type:        "boolean",
					Description: "Optional: also return journal totals.",
				},
			},
		},
	}, terminalTools.SearchCommandHistory)
}
