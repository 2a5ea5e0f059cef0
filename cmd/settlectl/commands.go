package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// engine is what the operator commands act on.
type engine struct {
	events  ports.EventStore
	payouts ports.PayoutService
}

type connectFunc func(ctx context.Context, cfgPath string) (*engine, func(), error)

func newRootCmd(connect connectFunc) *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the settlement engine's event store and payouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config file")

	// withEngine connects per command so --help never touches the database.
	withEngine := func(run func(cmd *cobra.Command, e *engine, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := connect(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()
			return run(cmd, e, args)
		}
	}

	eventsCmd := &cobra.Command{Use: "events", Short: "Inspect and repair the event store"}
	eventsCmd.AddCommand(deadCmd(withEngine), requeueCmd(withEngine), resetStuckCmd(withEngine))

	payoutsCmd := &cobra.Command{Use: "payouts", Short: "Preview and confirm seller payouts"}
	payoutsCmd.AddCommand(previewCmd(withEngine), confirmCmd(withEngine))

	rootCmd.AddCommand(eventsCmd, payoutsCmd)
	return rootCmd
}

type runner func(run func(cmd *cobra.Command, e *engine, args []string) error) func(*cobra.Command, []string) error

func deadCmd(withEngine runner) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List events that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(cmd *cobra.Command, e *engine, _ []string) error {
			events, err := e.events.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dead events.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tUPDATED\tERROR")
			for _, ev := range events {
				lastErr := ""
				if ev.LastError != nil {
					lastErr = *ev.LastError
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", ev.ID, ev.Kind, ev.AttemptCount, ev.StatusUpdatedAt.Format(time.RFC3339), lastErr)
			}
			return w.Flush()
		}),
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events to list")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func requeueCmd(withEngine runner) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <event-id>",
		Short: "Return a dead event to the queue with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			if err := e.events.Requeue(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Event %d requeued.\n", id)
			return nil
		}),
	}
}

func resetStuckCmd(withEngine runner) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stuck",
		Short: "Return events held by crashed workers to the queue",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(cmd *cobra.Command, e *engine, _ []string) error {
			n, err := e.events.ResetStuck(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d stuck event(s) reset.\n", n)
			return nil
		}),
	}
}

func previewCmd(withEngine runner) *cobra.Command {
	var seller, currency string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show what a payout for a seller would contain",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(cmd *cobra.Command, e *engine, _ []string) error {
			sellerID, err := uuid.Parse(seller)
			if err != nil {
				return fmt.Errorf("invalid seller id %q", seller)
			}
			c, err := domain.ParseCurrency(currency)
			if err != nil {
				return err
			}

			totals, err := e.payouts.Preview(cmd.Context(), sellerID, c)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tGROSS\tFEE")
			for _, l := range totals.Lines {
				fmt.Fprintf(w, "%s\t%s\t%s\n", l.OrderID, l.Gross, l.Fee)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nGross: %s\nFees:  %s\nNet:   %s\n", totals.Gross, totals.Fees, totals.Net)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&seller, "seller", "s", "", "Seller id")
	cmd.Flags().StringVar(&currency, "currency", "", "Payout currency")
	_ = cmd.MarkFlagRequired("seller")
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func confirmCmd(withEngine runner) *cobra.Command {
	var ref string

	cmd := &cobra.Command{
		Use:   "confirm <payout-id>",
		Short: "Record that the external transfer for a payout landed",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			payoutID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid payout id %q", args[0])
			}

			payload := &domain.PayoutTransferConfirmed{
				PayoutID:    payoutID,
				TransferRef: ref,
				ConfirmedAt: time.Now().UTC(),
			}
			eventID, err := e.events.Append(cmd.Context(), payload, "payout:"+payoutID.String()+":confirmed")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Confirmation queued as event %d.\n", eventID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&ref, "ref", "", "External transfer reference")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
