package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kode4food/cmdbus"
)

// TailOptions holds flags for the tail command
type TailOptions struct {
	*RootOptions
	Tenant  string
	Handler string
	Limit   int
}

// NewTailCommand creates the tail command
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail <stream>",
		Short: "Print the events of a tenant stream not yet seen by a handler",
		Long: `Print the events of a tenant stream not yet seen by a handler.

The handler's cursor is saved as events are printed, so running tail again
with the same handler only prints what was committed since.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant to read")
	cmd.Flags().StringVar(&opts.Handler, "handler", "tail", "handler name")
	cmd.Flags().IntVar(&opts.Limit, "limit", cmdbus.DefaultPollLimit,
		"events delivered per poll",
	)
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runTail(cmd *cobra.Command, opts *TailOptions, stream string) error {
	ctx := cmd.Context()
	a, err := opts.app(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	h := PrintHandler(opts.Handler, stream, cmd.OutOrStdout())
	return PollUntilCaughtUp(ctx, a.bus, opts.Tenant, stream, h, opts.Limit)
}

// PrintHandler writes each event it receives as one line of JSON
func PrintHandler(name, stream string, w io.Writer) cmdbus.EventHandler {
	return cmdbus.NewHandler(name, stream,
		func(_ context.Context, ev *cmdbus.Event) error {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, string(data))
			return err
		},
	)
}

// PollUntilCaughtUp polls the stream until h has seen every event
func PollUntilCaughtUp(
	ctx context.Context, bus *cmdbus.Bus, tenant, stream string,
	h cmdbus.EventHandler, limit int,
) error {
	handlers := []cmdbus.EventHandler{h}
	for {
		behind, err := bus.Poll(ctx, tenant, stream, handlers, limit)
		if err != nil {
			return err
		}
		if !behind {
			return nil
		}
	}
}
