package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/notify"
)

// terminal is the CLI's signal bus. Whatever the service would push to a
// browser (flow phases, pairing URIs, toasts) is printed instead.
type terminal struct {
	mu  sync.Mutex
	out io.Writer

	step  *color.Color
	dim   *color.Color
	ok    *color.Color
	info  *color.Color
	fail  *color.Color
	title *color.Color
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{
		out:   out,
		step:  color.New(color.FgCyan, color.Bold),
		dim:   color.New(color.Faint),
		ok:    color.New(color.FgGreen, color.Bold),
		info:  color.New(color.FgYellow, color.Bold),
		fail:  color.New(color.FgRed, color.Bold),
		title: color.New(color.Bold),
	}
}

func (t *terminal) Publish(_ context.Context, channel string, payload []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("terminal: decode event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch channel {
	case domain.ChannelPhase:
		var info domain.PhaseInfo
		if err := json.Unmarshal(ev.Payload, &info); err != nil {
			return err
		}
		t.phase(info)
	case domain.ChannelPairing:
		var p struct {
			URI    string `json:"uri"`
			Active bool   `json:"active"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.Active {
			t.title.Fprintln(t.out, "Open your wallet and approve this pairing:")
			fmt.Fprintf(t.out, "  %s\n", p.URI)
		}
	case domain.ChannelToast:
		var n notify.Notification
		if err := json.Unmarshal(ev.Payload, &n); err != nil {
			return err
		}
		t.toast(n)
	}
	return nil
}

func (t *terminal) phase(info domain.PhaseInfo) {
	if info.Step == 0 {
		return
	}
	t.step.Fprintf(t.out, "[%d/%d] ", info.Step, info.Steps)
	fmt.Fprint(t.out, info.Label)
	if info.Sublabel != "" {
		t.dim.Fprintf(t.out, "  %s", info.Sublabel)
	}
	fmt.Fprintln(t.out)
}

func (t *terminal) toast(n notify.Notification) {
	c := t.ok
	switch n.Level {
	case notify.LevelError:
		c = t.fail
	case notify.LevelInfo:
		c = t.info
	}
	c.Fprint(t.out, n.Title)
	if n.Message != "" {
		fmt.Fprintf(t.out, ": %s", n.Message)
	}
	fmt.Fprintln(t.out)
}

// Subscribe is not supported; the CLI only renders what it publishes.
func (t *terminal) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, domain.ErrUnsupported
}

func (t *terminal) StreamAppend(context.Context, string, []byte) error { return nil }

func (t *terminal) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

var _ domain.SignalBus = (*terminal)(nil)

// printJSON writes v indented, for --json.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// row prints an aligned "label  value" line.
func row(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%-16s %v\n", label+":", value)
}
