package main

import (
	"fmt"
	"log/slog"
)

type WaitCmd struct {
	ID     string `arg:"" help:"container id"`
	ExecID string `optional:"" default:"" placeholder:"<exec-id>" help:"exec session id; leave unset to wait on the main process"`
}

func (c *WaitCmd) Run(cctx *Context) error {
	slog.InfoContext(cctx.Ctx, "WaitCmd.Run", "id", c.ID, "execID", c.ExecID)
	exitCode, err := cctx.Runtime.Wait(cctx.Ctx, c.ID, c.ExecID)
	if err != nil {
		slog.ErrorContext(cctx.Ctx, "Runtime.Wait", "error", err)
		return err
	}
	fmt.Println(exitCode)
	return nil
}
