package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/fenceline/jailrun/internal/shim"
)

// attachInteractive puts the calling terminal into raw mode, forwards
// its size to the container's PTY, and copies bytes between the local
// terminal and the PTY master until either side closes. It restores
// the local terminal's mode before returning.
func attachInteractive(ctx context.Context, mgr *shim.Manager, containerID, execID string) error {
	master, ok := mgr.Master(containerID, execID)
	if !ok {
		return nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		_, err := io.Copy(master, os.Stdin)
		return err
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	if cols, rows, err := term.GetSize(fd); err == nil {
		if err := mgr.ResizePty(containerID, execID, uint16(rows), uint16(cols)); err != nil {
			slog.WarnContext(ctx, "ResizePty", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(master, os.Stdin)
		close(done)
	}()
	_, err = io.Copy(os.Stdout, master)
	<-done
	return err
}
