package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cronbridge/internal/app"
	"cronbridge/internal/schedule"
	logx "cronbridge/pkg/logx"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "cronbridge",
		Short:         "Cron schedules for task launches, backed by a persistent trigger store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newSchedulesCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, opts.configPath)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func newSchedulesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"schedule", "sch"},
		Short:   "Inspect and edit stored schedules",
	}
	cmd.AddCommand(
		newSchedulesListCmd(opts),
		newSchedulesCreateCmd(opts),
		newSchedulesDeleteCmd(opts),
		newSchedulesHistoryCmd(opts),
	)
	return cmd
}

// withAdmin opens the configured store for one command.
func withAdmin(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, adm *app.Admin) error) error {
	ctx := cmd.Context()
	adm, err := app.OpenAdmin(ctx, opts.configPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer adm.Close()
	return fn(ctx, adm)
}

func newSchedulesListCmd(opts *rootOptions) *cobra.Command {
	var (
		task   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				var infos []schedule.Info
				if task != "" {
					infos = adm.Bridge().ListByTask(ctx, task)
				} else {
					infos = adm.Bridge().List(ctx)
				}
				sort.Slice(infos, func(i, j int) bool { return infos[i].ScheduleName < infos[j].ScheduleName })
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), infos)
				}
				return writeInfoTable(cmd.OutOrStdout(), infos, adm.Bridge().Resolver().CanonicalKey())
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only schedules of this task definition")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSchedulesCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		task  string
		cron  string
		props []string
		args  []string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create or replace a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			properties, err := parseProperties(props)
			if err != nil {
				return err
			}
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				if cron != "" {
					properties[adm.Bridge().Resolver().CanonicalKey()] = cron
				}
				req := schedule.Request{Name: pos[0], TaskName: task, Properties: properties, Arguments: args}
				if err := adm.Bridge().Schedule(ctx, req); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s\n", req.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task definition to launch (required)")
	cmd.Flags().StringVar(&cron, "cron", "", "cron expression")
	cmd.Flags().StringArrayVarP(&props, "property", "p", nil, "deployment property key=value (repeatable)")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "command-line argument (repeatable)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newSchedulesDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a schedule (no error if it does not exist)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				if err := adm.Bridge().Unschedule(ctx, pos[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unscheduled %s\n", pos[0])
				return nil
			})
		},
	}
}

func newSchedulesHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Show recent fires of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				recs, err := adm.Executions(ctx, pos[0], limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cronbridge", version)
		},
	}
}

func parseProperties(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeInfoTable(w io.Writer, infos []schedule.Info, cronKey string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTASK\tCRON\tPLATFORM")
	for _, in := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", in.ScheduleName, in.TaskDefinitionName, in.Properties[cronKey], in.Properties[schedule.PlatformKey])
	}
	return tw.Flush()
}
