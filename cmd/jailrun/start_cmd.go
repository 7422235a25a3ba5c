package main

import (
	"fmt"
	"log/slog"

	"github.com/fenceline/jailrun/internal/lifecycle"
	"github.com/fenceline/jailrun/internal/shim"
)

type StartCmd struct {
	ID       string `arg:"" help:"container id"`
	Stdin    string `optional:"" placeholder:"<path>" help:"path to read stdin from"`
	Stdout   string `optional:"" placeholder:"<path|binary:url>" help:"path, or binary: logging-helper url, to write stdout to"`
	Stderr   string `optional:"" placeholder:"<path>" help:"path to write stderr to; ignored when --stdout is a binary: url, whose helper also receives stderr"`
	Terminal bool   `short:"t" help:"allocate a PTY and attach this terminal to it interactively"`
}

func (c *StartCmd) Run(cctx *Context) error {
	slog.InfoContext(cctx.Ctx, "StartCmd.Run", "id", c.ID)

	triple := shim.StdioTriple{Stdin: c.Stdin, Stdout: c.Stdout, Stderr: c.Stderr, Terminal: c.Terminal}
	if err := shim.SaveStdioTriple(cctx.Ctx, cctx.Store, c.ID, "", triple); err != nil {
		return err
	}

	hook, err := cctx.Shim.BuildPreSpawnHook(cctx.Ctx, c.ID, "")
	if err != nil {
		return err
	}

	if err := cctx.Runtime.Start(cctx.Ctx, c.ID, lifecycle.ExecOptions{Terminal: c.Terminal}, hook); err != nil {
		slog.ErrorContext(cctx.Ctx, "Runtime.Start", "error", err)
		return err
	}

	if !c.Terminal {
		fmt.Println(c.ID)
		return nil
	}

	if err := cctx.Shim.ReleaseSlave(c.ID, ""); err != nil {
		slog.WarnContext(cctx.Ctx, "ReleaseSlave", "error", err)
	}
	return attachInteractive(cctx.Ctx, cctx.Shim, c.ID, "")
}
