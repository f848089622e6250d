package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/task"
)

func debugCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Inspect and control a running worker",
		Long: `Debug sends console commands to a worker started with "lexitask serve".
Any one worker in the queue group answers.`,
	}

	var asJSON bool
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print the raw reply as JSON")

	run := func(req protocol.AdminRequest, print func(io.Writer, *protocol.AdminReply)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			reply, err := a.admin(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reply)
			}
			print(cmd.OutOrStdout(), reply)
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show success rate, latency, cache and error statistics",
			Args:  cobra.NoArgs,
			RunE:  run(protocol.AdminRequest{Command: protocol.AdminStats}, printStats),
		},
		&cobra.Command{
			Use:   "export",
			Short: "Dump the buffered attempt log",
			Args:  cobra.NoArgs,
			RunE:  run(protocol.AdminRequest{Command: protocol.AdminExport}, printEntries),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Empty the attempt log",
			Args:  cobra.NoArgs,
			RunE: run(protocol.AdminRequest{Command: protocol.AdminClear}, func(w io.Writer, r *protocol.AdminReply) {
				fmt.Fprintf(w, "cleared %d entries\n", r.Cleared)
			}),
		},
		verboseCmd(run),
	)
	return cmd
}

func verboseCmd(run func(protocol.AdminRequest, func(io.Writer, *protocol.AdminReply)) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:       "verbose on|off",
		Short:     "Toggle verbose logging on the worker",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			req := protocol.AdminRequest{Command: protocol.AdminVerbose, Verbose: on}
			return run(req, func(w io.Writer, r *protocol.AdminReply) {
				fmt.Fprintf(w, "verbose: %v\n", r.Verbose)
			})(cmd, args)
		},
	}
}

// admin routes one console command to the worker pool.
func (a *app) admin(ctx context.Context, req protocol.AdminRequest) (*protocol.AdminReply, error) {
	r, cleanup, err := a.newRouter(ctx, true)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return r.Admin(ctx, req)
}

func printStats(w io.Writer, r *protocol.AdminReply) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if s := r.Stats; s != nil {
		fmt.Fprintf(tw, "tasks\t%d\n", s.Total)
		fmt.Fprintf(tw, "successful\t%d\n", s.Successful)
		fmt.Fprintf(tw, "failed\t%d\n", s.Failed)
		fmt.Fprintf(tw, "cache hit rate\t%.1f%%\n", s.CacheHitRate*100)
		fmt.Fprintf(tw, "avg duration\t%.0fms\n", s.AvgDurationMs)
		fmt.Fprintf(tw, "avg attempts\t%.2f\n", s.AvgAttempts)

		kinds := make([]string, 0, len(s.ErrorKindHistogram))
		for k := range s.ErrorKindHistogram {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(tw, "errors[%s]\t%d\n", k, s.ErrorKindHistogram[task.ErrorKind(k)])
		}
	}
	if c := r.Cache; c != nil {
		fmt.Fprintf(tw, "cache capacity\t%d\n", c.Capacity)
		fmt.Fprintf(tw, "cache hits/misses\t%d/%d\n", c.Hits, c.Misses)
		for _, kind := range task.AllKinds() {
			if n := c.Sizes[kind]; n > 0 {
				fmt.Fprintf(tw, "cached[%s]\t%d\n", kind, n)
			}
		}
	}
	fmt.Fprintf(tw, "verbose\t%v\n", r.Verbose)
}

func printEntries(w io.Writer, r *protocol.AdminReply) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tKIND\tOK\tCACHE\tATTEMPTS\tPROVIDER\tMS\tERROR")
	for _, e := range r.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%d\t%s\t%d\t%s\n",
			e.Timestamp.Format("15:04:05.000"), e.Kind, e.Success, e.CacheHit,
			e.Attempts, e.Provider, e.DurationMs, e.ErrorKind)
	}
}
