package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sys/unix"
)

type KillCmd struct {
	ID     string `arg:"" help:"container id"`
	Signal string `default:"TERM" placeholder:"<signal>" help:"signal name (TERM, KILL, HUP, ...) or number to send"`
	Grace  bool   `help:"wait for the configured stop-timeout grace period, escalating to SIGKILL if still running"`
}

func (c *KillCmd) Run(cctx *Context) error {
	sig, err := parseSignal(c.Signal)
	if err != nil {
		return err
	}

	slog.InfoContext(cctx.Ctx, "KillCmd.Run", "id", c.ID, "signal", c.Signal, "grace", c.Grace)
	if c.Grace {
		return cctx.Runtime.StopWithGracePeriod(cctx.Ctx, c.ID, int(unix.SIGTERM), int(unix.SIGKILL))
	}
	return cctx.Runtime.Kill(cctx.Ctx, c.ID, sig)
}

func parseSignal(name string) (int, error) {
	switch name {
	case "TERM", "SIGTERM":
		return int(unix.SIGTERM), nil
	case "KILL", "SIGKILL":
		return int(unix.SIGKILL), nil
	case "HUP", "SIGHUP":
		return int(unix.SIGHUP), nil
	case "INT", "SIGINT":
		return int(unix.SIGINT), nil
	case "USR1", "SIGUSR1":
		return int(unix.SIGUSR1), nil
	case "USR2", "SIGUSR2":
		return int(unix.SIGUSR2), nil
	default:
		n, err := strconv.Atoi(name)
		if err != nil {
			return 0, fmt.Errorf("unrecognized signal %q", name)
		}
		return n, nil
	}
}
