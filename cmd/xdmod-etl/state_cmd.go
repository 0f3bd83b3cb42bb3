package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/pipeline"
	"github.com/xdmod/xdmod-etl/pkg/tui"
)

var stateAction string

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and remove action state",
	Long: `Action state objects persist between runs. Inter-action states are named
contracts such as aggregation-watermark; intra-action states belong to a
single action and are addressed with --action.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored state objects",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show [key]",
	Short: "Print a state object as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateShow,
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "Delete a state object",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateDelete,
}

func init() {
	stateShowCmd.Flags().StringVar(&stateAction, "action", "", "Address the intra-action state of this action")
	stateDeleteCmd.Flags().StringVar(&stateAction, "action", "", "Address the intra-action state of this action")

	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateDeleteCmd)
}

// stateKey resolves the key argument or the --action flag.
func stateKey(args []string) (string, error) {
	switch {
	case len(args) == 1 && stateAction == "":
		return args[0], nil
	case len(args) == 0 && stateAction != "":
		return actionstate.IntraKey(stateAction), nil
	}
	return "", fmt.Errorf("give either a key or --action")
}

func runStateList(cmd *cobra.Command, args []string) error {
	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		metas, err := env.State.List(ctx)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("  no state objects")
			return nil
		}
		fmt.Println(tui.StateTable(metas))
		return nil
	})
}

func runStateShow(cmd *cobra.Command, args []string) error {
	key, err := stateKey(args)
	if err != nil {
		return err
	}
	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		rec, found, err := env.State.Backend().Load(ctx, key)
		if err != nil {
			return etlerrors.Persistence(err, "load").WithContext("key", key)
		}
		if !found {
			return fmt.Errorf("state %q not found", key)
		}
		st, err := actionstate.Decode(rec.Meta, rec.Payload)
		if err != nil {
			return err
		}
		data, err := encodeState(st)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(data))
		return err
	})
}

func runStateDelete(cmd *cobra.Command, args []string) error {
	key, err := stateKey(args)
	if err != nil {
		return err
	}
	return withEnvironment(func(ctx context.Context, env *pipeline.Environment) error {
		ok, err := env.State.Delete(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("state %q not found", key)
		}
		fmt.Printf("  ✓ deleted %s\n", key)
		return nil
	})
}
