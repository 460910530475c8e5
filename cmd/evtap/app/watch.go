package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/eventstream/bus"
	"github.com/rbaliyan/eventstream/idempotency"
	"github.com/rbaliyan/eventstream/transport"
)

type watchOptions struct {
	events   string
	selector string
	output   string
	field    string
	count    int
	dedup    time.Duration
}

func (a *App) newWatchCommand() *cobra.Command {
	var o watchOptions

	cmd := &cobra.Command{
		Use:   "watch EVENT...",
		Short: "Print events as they arrive",
		Long: `Subscribe to one or more events and print every message until
interrupted or until --count messages were printed.

The selector filters by source and metadata:

  evtap watch orders --selector '#billing[region=eu], [priority=high]'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.events = strings.Join(args, " ")
			return a.watch(cmd.Context(), o)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.selector, "selector", "s", "", "filter messages by #source and [metadata] conditions")
	flags.StringVarP(&o.output, "output", "o", FormatText, "output format: text, json, yaml")
	flags.StringVarP(&o.field, "field", "f", "", "print only this dot-separated payload field")
	flags.IntVarP(&o.count, "count", "n", 0, "exit after this many messages (0 = run until interrupted)")
	flags.DurationVar(&o.dedup, "dedup", 0, "drop messages redelivered within this window (0 = off)")
	return cmd
}

func (a *App) watch(ctx context.Context, o watchOptions) error {
	if o.count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if o.dedup < 0 {
		return fmt.Errorf("dedup must not be negative")
	}
	printer, err := NewPrinter(a.out, o.output)
	if err != nil {
		return err
	}

	tr, closeTransport, err := a.factory(ctx, a.config)
	if err != nil {
		return err
	}
	defer closeTransport(context.Background())

	busOpts := []bus.Option{
		bus.WithName(a.config.Source),
		bus.WithLogger(a.logger.With("component", "bus")),
		bus.WithBufferSize(a.config.BufferSize),
	}
	if o.dedup > 0 {
		store := idempotency.NewMemoryStore(o.dedup)
		defer store.Close()
		busOpts = append(busOpts, bus.WithIdempotency(store))
	}

	src := bus.New(tr, busOpts...)
	defer src.Close(context.Background())

	values := src.AsStream(o.events, o.selector, func(this any, args ...any) any {
		rec := NewRecord(this.(string), args[0].(transport.Message))
		if o.field != "" {
			return Field(rec.Payload, o.field)
		}
		return rec
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var printed atomic.Int64
	sub, err := values.Observe(func(v any) {
		if o.count > 0 && printed.Load() >= int64(o.count) {
			return
		}
		if err := printer.Print(v); err != nil {
			a.logger.Warn("print failed", "error", err)
		}
		if n := printed.Add(1); o.count > 0 && n >= int64(o.count) {
			cancel()
		}
	})
	if err != nil {
		return err
	}

	a.logger.Info("watching", "events", o.events, "selector", o.selector, "transport", a.config.Transport)
	<-ctx.Done()

	a.logger.Debug("stopping", "printed", printed.Load())
	return sub.Close()
}
