package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/automation/internal/reconcile"
	"github.com/gyaneshwarpardhi/automation/internal/store"
)

func newSchedulesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List, show and cancel schedules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()
			scheds, err := st.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			states, err := st.States(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), scheds)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tGROUP\tPRIORITY\tFIRED\tLIMIT\tSOURCE")
			for _, s := range scheds {
				source := "api"
				if _, _, ok := reconcile.Provenance(s); ok {
					source = "remote-data"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					s.ID, s.Type(), s.Group, s.Priority, states[s.ID].FireCount, s.Limit, source)
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one schedule as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()
			s, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"schedule": s}
			if states, err := st.States(cmd.Context()); err == nil {
				if state, ok := states[s.ID]; ok {
					out["progress"] = state
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()
			ok, err := st.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", store.ErrNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newGroupsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Operate on schedule groups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <group>",
		Short: "Delete every schedule in a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()
			ids, err := st.CancelGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return errors.New("no schedules in group " + args[0])
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"cancelled": ids})
			}
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
			}
			return nil
		},
	})
	return cmd
}
