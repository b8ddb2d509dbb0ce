// Package console implements a terminal REPL channel adapter.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dialogstack/conductor/plugin/channels"
)

// ChannelID is the channel identifier used in broker routing keys.
const ChannelID = "console"

// Adapter reads utterances line by line and prints bot replies. Intended
// for local smoke runs against a live agent.
type Adapter struct {
	userID string
	in     io.Reader
	out    io.Writer
}

func New(userID string, in io.Reader, out io.Writer) *Adapter {
	return &Adapter{userID: userID, in: in, out: out}
}

func (a *Adapter) ID() string { return ChannelID }

// Serve runs the REPL until stdin closes or ctx is cancelled. The lines
// "/start" and "/close" reset the active dialog before being processed.
func (a *Adapter) Serve(ctx context.Context, gw channels.Gateway) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := gw.Run(ctx, a.deliver); err != nil && ctx.Err() == nil {
			slog.Error("console: reply consumer stopped", "error", err)
		}
	}()

	fmt.Fprintf(a.out, "Connected as %s. Type a message, /start resets the dialog, Ctrl-D quits.\n> ", a.userID)
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(a.out, "> ")
			continue
		}
		reset := line == "/start" || line == "/close"
		if err := gw.SendUtterance(ctx, a.userID, line, reset, time.Time{}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (a *Adapter) deliver(userID, response string) error {
	if userID != a.userID {
		return nil
	}
	fmt.Fprintf(a.out, "%s\n> ", response)
	return nil
}
