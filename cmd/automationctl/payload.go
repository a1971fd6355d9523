package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"github.com/gyaneshwarpardhi/automation/internal/reconcile"
	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
	"github.com/gyaneshwarpardhi/automation/internal/store"
)

// storeScheduler applies plans straight to the store; no triggers run
// offline.
type storeScheduler struct{ st *store.Store }

func (s storeScheduler) GetSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	return s.st.GetAll(ctx)
}

func (s storeScheduler) Apply(ctx context.Context, b schedule.Batch) error {
	return s.st.Commit(ctx, b)
}

type pushOptions struct {
	SchedulesType string
	CutoffMs      int64
	DryRun        bool
}

func newPayloadCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payload",
		Short: "Push and inspect remote-data payloads",
	}
	cmd.AddCommand(newPayloadPushCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "show <type>",
		Short: "Print the cached payload of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()
			p, ok, err := st.GetPayload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no payload of type %q", args[0])
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "type:      %s\ntimestamp: %d\n", p.Type, p.Timestamp)
			for k, v := range p.Metadata {
				fmt.Fprintf(cmd.OutOrStdout(), "metadata:  %s=%s\n", k, v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "data:      %d bytes\n", len(p.Data))
			return nil
		},
	})
	return cmd
}

func newPayloadPushCommand(opts *rootOptions) *cobra.Command {
	push := &pushOptions{}
	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Store a payload read from a JSON or JSONC file and reconcile it",
		Long: `Reads a payload ({"type", "timestamp", "metadata", "data"}) from a file.
Comments and trailing commas are allowed. The payload replaces the cached one
of its type, and a schedules payload is reconciled into the schedule table.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readPayload(args[0])
			if err != nil {
				return err
			}
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()
			return runPush(cmd, opts, push, st, p)
		},
	}
	cmd.Flags().StringVar(&push.SchedulesType, "schedules-type", "in_app_messages", "payload type that carries schedules")
	cmd.Flags().Int64Var(&push.CutoffMs, "new-user-cutoff", -1, "skip schedules created before this epoch ms (-1 disables)")
	cmd.Flags().BoolVar(&push.DryRun, "dry-run", false, "print the reconciliation plan without writing")
	return cmd
}

func nowMs() int64 { return time.Now().UnixMilli() }

func readPayload(path string) (remotedata.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return remotedata.Payload{}, fmt.Errorf("read payload: %w", err)
	}
	var p remotedata.Payload
	if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
		return remotedata.Payload{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if p.Type == "" {
		return remotedata.Payload{}, errors.New("payload type is required")
	}
	return p, nil
}

func runPush(cmd *cobra.Command, opts *rootOptions, push *pushOptions, st *store.Store, p remotedata.Payload) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if push.DryRun {
		if p.Type != push.SchedulesType {
			fmt.Fprintf(out, "payload %s carries no schedules\n", p.Type)
			return nil
		}
		existing, err := st.GetAll(ctx)
		if err != nil {
			return err
		}
		plan, err := reconcile.Diff(p, existing, reconcile.Options{
			NowMs:           nowMs(),
			NewUserCutoffMs: push.CutoffMs,
		})
		if err != nil {
			return err
		}
		return printPlan(cmd, opts, plan)
	}

	cache := remotedata.NewCache(st, nil)
	if err := cache.Load(ctx); err != nil {
		return err
	}
	if err := cache.Put(ctx, p); err != nil {
		return err
	}
	if p.Type != push.SchedulesType {
		fmt.Fprintf(out, "stored %s @ %d\n", p.Type, p.Timestamp)
		return nil
	}

	observer := reconcile.NewObserver(storeScheduler{st}, reconcile.ObserverOptions{
		PayloadType:     push.SchedulesType,
		NewUserCutoffMs: push.CutoffMs,
	})
	defer observer.Close()
	plan, err := observer.Process(ctx, p)
	if err != nil {
		return err
	}
	return printPlan(cmd, opts, plan)
}

func printPlan(cmd *cobra.Command, opts *rootOptions, plan *reconcile.Plan) error {
	if opts.Format == "json" {
		cancels := plan.Cancels
		if cancels == nil {
			cancels = []string{}
		}
		ids := make([]string, 0, len(plan.Inserts))
		for _, s := range plan.Inserts {
			ids = append(ids, s.ID)
		}
		edits := make([]string, 0, len(plan.Edits))
		for _, e := range plan.Edits {
			edits = append(edits, e.ID)
		}
		ends := make([]string, 0, len(plan.Ends))
		for _, e := range plan.Ends {
			ends = append(ends, e.ID)
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"type":      plan.Type,
			"timestamp": plan.Timestamp,
			"inserts":   ids,
			"edits":     edits,
			"ends":      ends,
			"cancels":   cancels,
			"skipped":   len(plan.Skipped),
		})
	}
	_, err := fmt.Fprint(cmd.OutOrStdout(), plan.String())
	return err
}
