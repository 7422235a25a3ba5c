package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/fenceline/jailrun/internal/lifecycle"
	"github.com/fenceline/jailrun/internal/netjail"
	"github.com/fenceline/jailrun/internal/shim"
	"github.com/fenceline/jailrun/internal/storage"
)

// Context is threaded into every subcommand's Run method, kong-style.
type Context struct {
	Ctx     context.Context
	Store   storage.Store
	Runtime *lifecycle.Runtime
	Shim    *shim.Manager
}

type CLI struct {
	DBPath   string `default:"/var/db/jailrun/state.db" placeholder:"<path>" help:"path to the jailrun state database"`
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"location of log file (leave empty to log to stderr)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`

	State   StateCmd   `cmd:"" help:"print a container or exec process's OCI status"`
	Create  CreateCmd  `cmd:"" help:"create a container's jail, mounts, and network from an OCI bundle"`
	Start   StartCmd   `cmd:"" help:"start a created container's main process"`
	Exec    ExecCmd    `cmd:"" help:"run an additional process inside a container's jail"`
	Kill    KillCmd    `cmd:"" help:"send a signal to a container's main process"`
	Wait    WaitCmd    `cmd:"" help:"block until a process exits and print its exit code"`
	Delete  DeleteCmd  `cmd:"" help:"delete a stopped container or exec process"`
	Version VersionCmd `cmd:"" help:"print version information about this command"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if c.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			panic(err)
		}
		f, err := os.OpenFile(c.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			panic(err)
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
}

func main() {
	// netjail and lifecycle both re-exec this binary with a marker env
	// var to perform a jail-scoped operation from a freshly forked
	// child (Go cannot fork after goroutines start). Intercept before
	// normal CLI parsing.
	if netjail.RunHelperIfRequested() {
		return
	}
	if lifecycle.RunKillHelperIfRequested() {
		return
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/jailrun/config.yaml"),
		kong.Description("Run OCI-compatible containers as FreeBSD jails."))
	cli.initSlog()

	ctx := context.Background()
	if err := os.MkdirAll(filepath.Dir(cli.DBPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "creating state directory: %v\n", err)
		os.Exit(1)
	}
	store, err := storage.Open(ctx, cli.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening state database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	err = kctx.Run(&Context{
		Ctx:     ctx,
		Store:   store,
		Runtime: lifecycle.New(store),
		Shim:    shim.New(store),
	})
	kctx.FatalIfErrorf(err)
}
