package main

import (
	"fmt"
	"log/slog"
)

type CreateCmd struct {
	ID       string `arg:"" help:"container id"`
	Bundle   string `arg:"" help:"path to the OCI bundle directory (must contain config.json)"`
	NatIface string `optional:"" placeholder:"<interface>" help:"host interface to NAT the container's network through; leave unset for no outbound NAT"`
}

func (c *CreateCmd) Run(cctx *Context) error {
	slog.InfoContext(cctx.Ctx, "CreateCmd.Run", "id", c.ID, "bundle", c.Bundle)
	if err := cctx.Runtime.Create(cctx.Ctx, c.ID, c.Bundle, c.NatIface); err != nil {
		slog.ErrorContext(cctx.Ctx, "Runtime.Create", "error", err)
		return err
	}
	fmt.Println(c.ID)
	return nil
}
