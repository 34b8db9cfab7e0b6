package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/celarini/corvo/internal/monitor"
)

// consoleWriter serializes writes to the terminal. In raw mode the terminal
// does not translate "\n", so it is rewritten to "\r\n".
type consoleWriter struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

func newConsoleWriter(w io.Writer) *consoleWriter {
	return &consoleWriter{w: w}
}

func (c *consoleWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.raw {
		return c.w.Write(p)
	}
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *consoleWriter) setRaw(raw bool) {
	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()
}

func (c *consoleWriter) isRaw() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	infoColor = color.New(color.FgBlue)
)

// consoleReporter prints one status line per game
type consoleReporter struct {
	out      io.Writer
	quitHint bool
}

func newConsoleReporter(out io.Writer) *consoleReporter {
	return &consoleReporter{out: out}
}

func (r *consoleReporter) ItemProcessed(res monitor.ItemResult) {
	switch res.Outcome {
	case monitor.OutcomeDelivered:
		line := fmt.Sprintf("[+] %s: backup delivered (%d files, %s)", res.Game, res.Entries, humanize.IBytes(uint64(res.Bytes)))
		if res.Excluded > 0 {
			line += fmt.Sprintf(", %d older files over the size cap", res.Excluded)
		}
		_, _ = okColor.Fprintln(r.out, line)
		if res.Err != nil {
			_, _ = warnColor.Fprintf(r.out, "[!] %s: %v\n", res.Game, res.Err)
		}
	case monitor.OutcomeUnchanged:
		_, _ = warnColor.Fprintf(r.out, "[!] %s: no changes\n", res.Game)
	case monitor.OutcomeMissing:
		_, _ = warnColor.Fprintf(r.out, "[!] %s: save directory not found\n", res.Game)
	case monitor.OutcomeWouldBackup:
		_, _ = infoColor.Fprintf(r.out, "[*] %s: changed, would back up (%s)\n", res.Game, res.Fingerprint.Short())
	case monitor.OutcomeDeliveryFailed:
		_, _ = failColor.Fprintf(r.out, "[-] %s: delivery failed: %v\n", res.Game, res.Err)
	default:
		_, _ = failColor.Fprintf(r.out, "[-] %s: %v\n", res.Game, res.Err)
	}
}

func (r *consoleReporter) Waiting(next time.Duration) {
	if r.quitHint {
		_, _ = infoColor.Fprintf(r.out, "[*] next check in %s, press q to quit\n", next)
		return
	}
	_, _ = infoColor.Fprintf(r.out, "[*] next check in %s\n", next)
}
