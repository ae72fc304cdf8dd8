package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kode4food/cmdbus"
)

// ExecOptions holds flags for the exec command
type ExecOptions struct {
	*RootOptions
	Tenant   string
	ActorID  string
	Name     string
	Roles    []string
	ID       string
	Expected int64
	Data     string
}

// NewExecCommand creates the exec command
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Execute a command and print the resulting aggregate",
		Long: `Execute a command and print the resulting aggregate.

Example:
  cmdbus exec AddNumbers --tenant acme --actor u1 \
    --data '{"number1":1,"number2":2}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant of the actor")
	cmd.Flags().StringVar(&opts.ActorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "actor name (defaults to id)")
	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "actor role")
	cmd.Flags().StringVar(&opts.ID, "id", "", "aggregate id")
	cmd.Flags().Int64Var(
		&opts.Expected, "expected", cmdbus.AnyVersion, "expected version",
	)
	cmd.Flags().StringVar(&opts.Data, "data", "{}", "payload as JSON")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func runExec(cmd *cobra.Command, opts *ExecOptions, command string) error {
	var payload cmdbus.Payload
	if err := json.Unmarshal([]byte(opts.Data), &payload); err != nil {
		return fmt.Errorf("invalid --data JSON: %w", err)
	}

	ctx := cmd.Context()
	a, err := opts.app(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ag, err := a.bus.Command(ctx, opts.actor(), command, payload,
		cmdbus.WithAggregateID(opts.ID),
		cmdbus.WithExpectedVersion(opts.Expected),
	)
	if err != nil {
		return err
	}

	data, err := ag.Snapshot()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func (o *ExecOptions) actor() cmdbus.Actor {
	name := o.Name
	if name == "" {
		name = o.ActorID
	}
	roles := o.Roles
	if roles == nil {
		roles = []string{}
	}
	return cmdbus.Actor{
		ID:     o.ActorID,
		Name:   name,
		Tenant: o.Tenant,
		Roles:  roles,
	}
}
