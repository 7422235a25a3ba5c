package main

import (
	"fmt"
	"log/slog"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fenceline/jailrun/internal/lifecycle"
	"github.com/fenceline/jailrun/internal/shim"
)

type ExecCmd struct {
	ID       string   `arg:"" help:"container id"`
	ExecID   string   `arg:"" help:"id for this exec session"`
	Stdin    string   `optional:"" placeholder:"<path>" help:"path to read stdin from"`
	Stdout   string   `optional:"" placeholder:"<path|binary:url>" help:"path, or binary: logging-helper url, to write stdout to"`
	Stderr   string   `optional:"" placeholder:"<path>" help:"path to write stderr to; ignored when --stdout is a binary: url, whose helper also receives stderr"`
	Terminal bool     `short:"t" help:"allocate a PTY and attach this terminal to it interactively"`
	Cwd      string   `default:"/" help:"working directory for the exec'd process, relative to the container's rootfs"`
	Arg      []string `arg:"" passthrough:"" help:"command and arguments to run"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	slog.InfoContext(cctx.Ctx, "ExecCmd.Run", "id", c.ID, "execID", c.ExecID, "arg", c.Arg)

	triple := shim.StdioTriple{Stdin: c.Stdin, Stdout: c.Stdout, Stderr: c.Stderr, Terminal: c.Terminal}
	if err := shim.SaveStdioTriple(cctx.Ctx, cctx.Store, c.ID, c.ExecID, triple); err != nil {
		return err
	}

	hook, err := cctx.Shim.BuildPreSpawnHook(cctx.Ctx, c.ID, c.ExecID)
	if err != nil {
		return err
	}

	process := &specs.Process{Cwd: c.Cwd, Args: c.Arg}
	if err := cctx.Runtime.Exec(cctx.Ctx, c.ID, c.ExecID, process, lifecycle.ExecOptions{Terminal: c.Terminal}, hook); err != nil {
		slog.ErrorContext(cctx.Ctx, "Runtime.Exec", "error", err)
		return err
	}

	if !c.Terminal {
		fmt.Println(c.ExecID)
		return nil
	}

	if err := cctx.Shim.ReleaseSlave(c.ID, c.ExecID); err != nil {
		slog.WarnContext(cctx.Ctx, "ReleaseSlave", "error", err)
	}
	return attachInteractive(cctx.Ctx, cctx.Shim, c.ID, c.ExecID)
}
