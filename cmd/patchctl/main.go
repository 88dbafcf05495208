package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/devghori1264/quarterpatch/internal/api"
	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/logger"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/server"
)

type globals struct {
	server  string
	timeout time.Duration
	json    bool
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		pterm.Error.Println(err.Error())
		for _, h := range errors.GetAllHints(err) {
			pterm.Info.Println(h)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	var c *client
	root := &cobra.Command{
		Use:           "patchctl",
		Short:         "Administer quarterly patch cycles through patchd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := "warn"
			if g.verbose {
				level = "debug"
			}
			log, err := logger.New(level, false)
			if err != nil {
				return err
			}
			c = newClient(g.server, g.timeout, log.Named("patchctl"))
			return nil
		},
	}
	def := os.Getenv("PATCHCTL_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&g.server, "server", def, "patchd admin API base URL")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 2*time.Hour, "request timeout (batch runs can be long)")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "print raw JSON")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log requests")

	cl := func() *client { return c }
	root.AddCommand(
		pingCmd(g, cl),
		runCmd(g, cl),
		importCmd(g, cl),
		listCmd(g, cl),
		approveCmd(g, cl, "approve"),
		approveCmd(g, cl, "reject"),
		overrideCmd(g, cl),
		retriggerCmd(g, cl),
		closeQuarterCmd(g, cl),
	)
	return root
}

func pingCmd(g *globals, c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that patchd answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]string
			if err := c().do(cmd.Context(), http.MethodGet, "/ping", nil, &out); err != nil {
				return err
			}
			pterm.Success.Println(out["msg"])
			return nil
		},
	}
}

func runCmd(g *globals, c func() *client) *cobra.Command {
	var (
		phase   string
		quarter int
		servers []string
		dryRun  bool
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch phase (1 approval, 2 schedule, 3 precheck, 4 execute, 5 postcheck)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := orchestrator.ParsePhase(phase); err != nil {
				return err
			}
			var sum orchestrator.Summary
			err := c().do(cmd.Context(), http.MethodPost, "/api/v1/runs", api.RunRequest{
				Phase:   phase,
				Quarter: calendar.QuarterID(quarter),
				Servers: servers,
				DryRun:  dryRun,
				Force:   force,
			}, &sum)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(sum)
			}
			return renderSummary(&sum)
		},
	}
	cmd.Flags().StringVarP(&phase, "phase", "p", "", "phase number or name")
	cmd.Flags().IntVarP(&quarter, "quarter", "q", 0, "quarter 1-4 (default: current)")
	cmd.Flags().StringSliceVar(&servers, "servers", nil, "comma separated server names")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without contacting hosts or writing")
	cmd.Flags().BoolVar(&force, "force", false, "ignore due times and allow frozen days")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func importCmd(g *globals, c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update servers from a YAML fleet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := loadFleet(args[0])
			if err != nil {
				return err
			}
			var res server.ImportResult
			if err := c().do(cmd.Context(), http.MethodPut, "/api/v1/servers", recs, &res); err != nil {
				return err
			}
			if g.json {
				return printJSON(res)
			}
			pterm.Success.Printf("imported %d servers: %d created, %d updated\n",
				len(recs), len(res.Created), len(res.Updated))
			return nil
		},
	}
}

func listCmd(g *globals, c func() *client) *cobra.Command {
	var quarter int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List servers and their plan for a quarter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var recs []*models.ServerRecord
			if err := c().do(cmd.Context(), http.MethodGet, "/api/v1/servers", nil, &recs); err != nil {
				return err
			}
			if g.json {
				return printJSON(recs)
			}
			q := calendar.QuarterID(quarter)
			if q == 0 {
				q = calendar.QuarterOf(time.Now())
			}
			return renderServers(recs, q)
		},
	}
	cmd.Flags().IntVarP(&quarter, "quarter", "q", 0, "quarter 1-4 (default: current)")
	return cmd
}

func approveCmd(g *globals, c func() *client, action string) *cobra.Command {
	var (
		quarter int
		by      string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   action + " SERVER...",
		Short: strings.ToUpper(action[:1]) + action[1:] + " servers for a quarter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ApprovalRequest{Quarter: calendar.QuarterID(quarter), By: by, Reason: reason}
			return eachServer(cmd.Context(), args, func(ctx context.Context, name string) (*models.QuarterPlan, error) {
				var p models.QuarterPlan
				return &p, c().do(ctx, http.MethodPost, serverPath(name, action), req, &p)
			})
		},
	}
	cmd.Flags().IntVarP(&quarter, "quarter", "q", 0, "quarter 1-4")
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "who decided")
	if action == "reject" {
		cmd.Flags().StringVar(&reason, "reason", "", "why the patch window is refused")
	}
	_ = cmd.MarkFlagRequired("quarter")
	return cmd
}

func overrideCmd(g *globals, c func() *client) *cobra.Command {
	var (
		quarter int
		date    string
		at      string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "override SERVER",
		Short: "Assign a manual patch slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.OverrideRequest{Quarter: calendar.QuarterID(quarter), Date: date, Time: at, Force: force}
			return eachServer(cmd.Context(), args, func(ctx context.Context, name string) (*models.QuarterPlan, error) {
				var p models.QuarterPlan
				return &p, c().do(ctx, http.MethodPost, serverPath(name, "override"), req, &p)
			})
		},
	}
	cmd.Flags().IntVarP(&quarter, "quarter", "q", 0, "quarter 1-4")
	cmd.Flags().StringVar(&date, "date", "", "patch date YYYY-MM-DD in the server timezone")
	cmd.Flags().StringVar(&at, "time", "", "start time HH:MM in the server timezone")
	cmd.Flags().BoolVar(&force, "force", false, "accept freeze, window and capacity breaches")
	for _, f := range []string{"quarter", "date", "time"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func retriggerCmd(g *globals, c func() *client) *cobra.Command {
	var quarter int
	cmd := &cobra.Command{
		Use:   "retrigger SERVER...",
		Short: "Move failed executions back to Scheduled",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.QuarterRequest{Quarter: calendar.QuarterID(quarter)}
			return eachServer(cmd.Context(), args, func(ctx context.Context, name string) (*models.QuarterPlan, error) {
				var p models.QuarterPlan
				return &p, c().do(ctx, http.MethodPost, serverPath(name, "retrigger"), req, &p)
			})
		},
	}
	cmd.Flags().IntVarP(&quarter, "quarter", "q", 0, "quarter 1-4")
	_ = cmd.MarkFlagRequired("quarter")
	return cmd
}

func closeQuarterCmd(g *globals, c func() *client) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "close-quarter QUARTER",
		Short: "Archive every plan of a quarter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(args[0]), "Q"))
			if err != nil || !calendar.QuarterID(q).Valid() {
				return errors.Wrapf(errors.ErrValidationFailed, "quarter %q: want 1-4 or Q1-Q4", args[0])
			}
			var res server.CloseResult
			if err := c().do(cmd.Context(), http.MethodPost, quarterClosePath(q), api.CloseRequest{Force: force}, &res); err != nil {
				return err
			}
			if g.json {
				return printJSON(res)
			}
			pterm.Success.Printf("%s closed: %d plans archived\n", res.Quarter, len(res.Archived))
			for name, why := range res.Skipped {
				pterm.Warning.Printf("%s left open: %s\n", name, why)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "archive plans with remote work in progress")
	return cmd
}

// eachServer applies fn per server, reporting each result, and fails if any did.
func eachServer(ctx context.Context, names []string, fn func(context.Context, string) (*models.QuarterPlan, error)) error {
	failed := 0
	for _, name := range names {
		p, err := fn(ctx, name)
		if err != nil {
			failed++
			pterm.Error.Printf("%s: %v\n", name, err)
			continue
		}
		slot := ""
		if p.HasSlot() {
			slot = " at " + p.PatchDate + " " + p.PatchTime
		}
		pterm.Success.Printf("%s: %s%s\n", name, p.State, slot)
	}
	if failed > 0 {
		return errors.Newf("%d of %d servers failed", failed, len(names))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderSummary(sum *orchestrator.Summary) error {
	data := pterm.TableData{{"SERVER", "FROM", "TO", "RESULT", "DETAIL"}}
	for _, o := range sum.Outcomes {
		result, detail := "ok", o.Reason
		switch {
		case o.Skipped:
			result = "skipped"
		case !o.Success:
			result = string(o.ErrorKind)
			detail = o.Error
		}
		if o.Slot != nil {
			detail = strings.TrimSpace(o.Slot.Date + " " + o.Slot.Time + " " + detail)
		}
		data = append(data, []string{o.Server, string(o.From), string(o.To), result, detail})
	}
	mode := ""
	if sum.DryRun {
		mode = " (dry run)"
	}
	pterm.DefaultSection.Printf("%s %s%s: run %s\n", sum.Phase, sum.Quarter, mode, sum.RunID)
	if len(sum.Outcomes) > 0 {
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
	}
	msg := fmt.Sprintf("%d processed, %d succeeded, %d failed, %d skipped in %s",
		sum.Processed, sum.Succeeded, sum.Failed, sum.Skipped, sum.Elapsed.Round(time.Millisecond))
	if sum.Failed > 0 {
		pterm.Warning.Println(msg)
		return nil
	}
	pterm.Success.Println(msg)
	return nil
}

func renderServers(recs []*models.ServerRecord, q calendar.QuarterID) error {
	data := pterm.TableData{{"SERVER", "GROUP", "STATE", "APPROVAL", "SLOT", "LAST ERROR"}}
	for _, r := range recs {
		row := []string{r.Name, r.HostGroup, string(models.StateUnscheduled), "", "", ""}
		if p, ok := r.PeekPlan(q); ok {
			row[2] = string(p.State)
			row[3] = string(p.Approval)
			if p.HasSlot() {
				row[4] = p.PatchDate + " " + p.PatchTime
			}
			if p.LastResult != nil && !p.LastResult.Success {
				row[5] = p.LastResult.Error
			}
		}
		data = append(data, row)
	}
	pterm.DefaultSection.Printf("%d servers, %s\n", len(recs), q)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
