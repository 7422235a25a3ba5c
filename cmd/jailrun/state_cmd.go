package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

type StateCmd struct {
	ID     string `arg:"" help:"container id"`
	ExecID string `optional:"" default:"" placeholder:"<exec-id>" help:"exec session id; leave unset to read the main process"`
}

func (c *StateCmd) Run(cctx *Context) error {
	record, err := cctx.Runtime.State(cctx.Ctx, c.ID, c.ExecID)
	if err != nil {
		slog.ErrorContext(cctx.Ctx, "Runtime.State", "error", err)
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
