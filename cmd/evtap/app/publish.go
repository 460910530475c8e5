package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/rbaliyan/eventstream/bus"
)

type publishOptions struct {
	event    string
	payload  any
	metadata map[string]string
	repeat   int
	rate     float64
}

func (a *App) newPublishCommand() *cobra.Command {
	var o publishOptions

	cmd := &cobra.Command{
		Use:   "publish EVENT PAYLOAD",
		Short: "Publish an event",
		Long: `Publish PAYLOAD on EVENT. A PAYLOAD that is valid JSON is sent as
the decoded value, anything else as a string.

  evtap publish orders '{"id": 7}' --meta region=eu --repeat 100 --rate 20`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.event = args[0]
			o.payload = ParsePayload(args[1])
			return a.publish(cmd.Context(), o)
		},
	}

	flags := cmd.Flags()
	flags.StringToStringVarP(&o.metadata, "meta", "m", nil, "metadata key=value (repeatable)")
	flags.IntVarP(&o.repeat, "repeat", "r", 1, "number of copies to publish")
	flags.Float64Var(&o.rate, "rate", 0, "maximum messages per second (0 = unlimited)")
	return cmd
}

// ParsePayload decodes s as JSON, falling back to the string itself.
func ParsePayload(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func (a *App) publish(ctx context.Context, o publishOptions) error {
	if o.repeat < 1 {
		return fmt.Errorf("repeat must be at least 1")
	}
	if o.rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}

	tr, closeTransport, err := a.factory(ctx, a.config)
	if err != nil {
		return err
	}
	defer closeTransport(context.Background())

	src := bus.New(tr,
		bus.WithName(a.config.Source),
		bus.WithLogger(a.logger.With("component", "bus")))
	defer src.Close(context.Background())

	var limiter *rate.Limiter
	if o.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.rate), 1)
	}

	for i := 0; i < o.repeat; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := src.Publish(ctx, o.event, o.payload, o.metadata); err != nil {
			return fmt.Errorf("publish %d/%d: %w", i+1, o.repeat, err)
		}
	}

	a.logger.Info("published", "event", o.event, "count", o.repeat, "transport", a.config.Transport)
	return nil
}
