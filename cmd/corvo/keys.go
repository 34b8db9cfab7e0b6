package main

import (
	"context"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// ctrlC arrives as a plain byte once the terminal is in raw mode
const ctrlC = 0x03

func isQuitKey(b byte) bool {
	return b == 'q' || b == 'Q' || b == ctrlC
}

// watchQuitKey cancels the monitor when q is pressed. It only runs on an
// interactive terminal; the returned func restores the terminal state.
func watchQuitKey(cancel context.CancelFunc, out *consoleWriter, logger *slog.Logger) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		logger.Warn("quit key disabled", "error", err)
		return func() {}
	}
	out.setRaw(true)

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 1 && isQuitKey(buf[0]) {
				logger.Info("quit requested from keyboard")
				cancel()
				return
			}
		}
	}()

	return func() {
		out.setRaw(false)
		if err := term.Restore(fd, state); err != nil {
			logger.Warn("failed to restore terminal", "error", err)
		}
	}
}
