package main

import (
	"log/slog"

	"github.com/fenceline/jailrun/internal/shim"
)

type DeleteCmd struct {
	ID     string `arg:"" help:"container id"`
	ExecID string `optional:"" default:"" placeholder:"<exec-id>" help:"exec session id; leave unset to delete the whole container"`
}

func (c *DeleteCmd) Run(cctx *Context) error {
	slog.InfoContext(cctx.Ctx, "DeleteCmd.Run", "id", c.ID, "execID", c.ExecID)

	if c.ExecID == "" {
		if err := cctx.Runtime.Delete(cctx.Ctx, c.ID); err != nil {
			slog.ErrorContext(cctx.Ctx, "Runtime.Delete", "error", err)
			return err
		}
	} else if err := cctx.Runtime.DeleteExec(cctx.Ctx, c.ID, c.ExecID); err != nil {
		slog.ErrorContext(cctx.Ctx, "Runtime.DeleteExec", "error", err)
		return err
	}

	if err := cctx.Shim.ClosePTY(cctx.Ctx, c.ID, c.ExecID); err != nil {
		slog.WarnContext(cctx.Ctx, "Shim.ClosePTY", "error", err)
	}
	if err := shim.RemoveStdioTriple(cctx.Ctx, cctx.Store, c.ID, c.ExecID); err != nil {
		slog.WarnContext(cctx.Ctx, "Shim.RemoveStdioTriple", "error", err)
	}
	return nil
}
