package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the chain table and its append-only triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", s.Dialect().Name)
			return nil
		},
	}
}

func (c *cli) recordCmd() *cobra.Command {
	var (
		in       audit.EventInput
		action   string
		metadata map[string]string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append one event to the chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			in.Action = audit.Action(action)
			if len(metadata) > 0 {
				in.Metadata = make(map[string]any, len(metadata))
				for k, v := range metadata {
					in.Metadata[k] = v
				}
			}
			w := audit.NewWriter(s, clock.RealClock{}, c.cfg.WriterConfig())
			e, err := w.Append(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sequence=%d log_id=%s hash=%s\n", e.Sequence, e.LogID, e.CurrentHash)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&action, "action", "", "event action, e.g. CREATE")
	f.StringVar(&in.SubjectTable, "table", "", "subject table")
	f.StringVar(&in.SubjectRecordID, "record", "", "subject record id")
	f.StringVar(&in.ActorID, "actor", "", "actor id (defaults to system)")
	f.StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	var (
		start, end int64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the chain and report invalid entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			var from, to *int64
			if cmd.Flags().Changed("start") {
				from = &start
			}
			if cmd.Flags().Changed("end") {
				to = &end
			}
			v := audit.NewVerifier(s)
			v.SkewTolerance = c.cfg.ClockSkewTolerance
			results, err := v.Verify(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			invalid := audit.Invalid(results)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "SEQUENCE\tSTATUS\tMESSAGE")
				for _, r := range invalid {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Sequence, r.Status, r.ErrorMessage)
				}
				tw.Flush()
				fmt.Fprintf(out, "checked %d entries, %d invalid\n", len(results), len(invalid))
			}
			if len(invalid) > 0 {
				return fmt.Errorf("chain compromised: %d invalid entries", len(invalid))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&start, "start", 1, "first sequence to verify")
	cmd.Flags().Int64Var(&end, "end", 0, "last sequence to verify (default: newest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print every result as JSON")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	var window int64
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Summarize the chain and verify its recent window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			v := audit.NewVerifier(s)
			v.SkewTolerance = c.cfg.ClockSkewTolerance
			sum, err := audit.NewReporter(s, v, nil, c.cfg.HealthWindow).HealthWindow(cmd.Context(), window)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "total_logs:\t%d\n", sum.TotalLogs)
			if sum.TotalLogs > 0 {
				fmt.Fprintf(tw, "chain_start:\t%s\n", audit.FormatTimestamp(sum.ChainStartTimestamp))
				fmt.Fprintf(tw, "chain_end:\t%s\n", audit.FormatTimestamp(sum.ChainEndTimestamp))
				fmt.Fprintf(tw, "genesis_hash:\t%s\n", sum.GenesisHash)
				fmt.Fprintf(tw, "latest_hash:\t%s\n", sum.LatestHash)
				fmt.Fprintf(tw, "window:\t%d-%d\n", sum.WindowStart, sum.WindowEnd)
			}
			fmt.Fprintf(tw, "integrity_status:\t%s\n", sum.IntegrityStatus)
			tw.Flush()
			if !sum.Verified() {
				return fmt.Errorf("%s", sum.IntegrityStatus)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&window, "window", 0, "verify at least this many newest entries")
	return cmd
}

func (c *cli) recentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the newest entries with their chain status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			rows, err := audit.NewReporter(s, nil, nil, 0).RecentStatus(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "SEQUENCE\tTIMESTAMP\tACTION\tTABLE\tSTATUS\tHASH")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					r.Sequence,
					audit.FormatTimestamp(r.Timestamp),
					r.Action,
					r.SubjectTable,
					r.ChainStatus,
					r.CurrentHashPrefix,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}
