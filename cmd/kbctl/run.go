package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// runView mirrors the API's pipeline run payload.
type runView struct {
	RunID          string     `json:"run_id"`
	KBID           string     `json:"kb_id"`
	State          string     `json:"state"`
	Stage          string     `json:"stage"`
	ProgressPct    float64    `json:"progress_pct"`
	DocsTotal      int        `json:"docs_total"`
	DocsDone       int        `json:"docs_done"`
	DocsFailed     int        `json:"docs_failed"`
	ChunksCreated  int        `json:"chunks_created"`
	VectorsIndexed int        `json:"vectors_indexed"`
	FailReason     string     `json:"fail_reason"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

func (v runView) terminal() bool {
	return v.State == "completed" || v.State == "failed" || v.State == "cancelled"
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and control pipeline runs",
	}
	cmd.AddCommand(newRunStatusCmd())
	cmd.AddCommand(newRunLogsCmd())
	cmd.AddCommand(newRunControlCmd("cancel", "Cancel a run; in-flight units finish one item then stop"))
	cmd.AddCommand(newRunControlCmd("pause", "Pause a run at the next unit boundary"))
	cmd.AddCommand(newRunControlCmd("resume", "Resume a paused run"))
	return cmd
}

func newRunStatusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's state, progress and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			if !watch {
				var run runView
				raw, err := client.get("/kb-pipeline/"+runID+"/status", &run)
				if err != nil {
					return err
				}
				if outputJSON {
					printJSON(raw)
					return nil
				}
				printRun(run)
				return nil
			}
			return watchRun(runID)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "poll until the run reaches a terminal state")
	return cmd
}

func watchRun(runID string) error {
	sp := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	sp.Suffix = " waiting for run"
	sp.Start()
	defer sp.Stop()

	for {
		var run runView
		if _, err := client.get("/kb-pipeline/"+runID+"/status", &run); err != nil {
			sp.Stop()
			return err
		}
		sp.Suffix = fmt.Sprintf(" %s %s %.0f%% (docs %d/%d, failed %d)",
			run.State, run.Stage, run.ProgressPct, run.DocsDone, run.DocsTotal, run.DocsFailed)
		if run.terminal() {
			sp.Stop()
			printRun(run)
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func printRun(run runView) {
	stateColor := color.New(color.FgYellow)
	switch run.State {
	case "completed":
		stateColor = color.New(color.FgGreen)
	case "failed", "cancelled":
		stateColor = color.New(color.FgRed)
	}
	fmt.Printf("run      %s\n", run.RunID)
	fmt.Printf("kb       %s\n", run.KBID)
	fmt.Printf("state    %s\n", stateColor.Sprint(run.State))
	if run.Stage != "" {
		fmt.Printf("stage    %s\n", run.Stage)
	}
	fmt.Printf("progress %.0f%%\n", run.ProgressPct)
	fmt.Printf("docs     %d done / %d total, %d failed\n", run.DocsDone, run.DocsTotal, run.DocsFailed)
	fmt.Printf("chunks   %d created, %d vectors indexed\n", run.ChunksCreated, run.VectorsIndexed)
	if run.FailReason != "" {
		color.New(color.FgRed).Printf("reason   %s\n", run.FailReason)
	}
}

func newRunLogsCmd() *cobra.Command {
	var since string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show a run's stage events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if since != "" {
				q.Set("since", since)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/kb-pipeline/" + args[0] + "/logs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var resp struct {
				Events []struct {
					TS      time.Time `json:"ts"`
					Stage   string    `json:"stage"`
					Level   string    `json:"level"`
					Message string    `json:"message"`
				} `json:"events"`
			}
			raw, err := client.get(path, &resp)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(raw)
				return nil
			}
			for _, ev := range resp.Events {
				line := fmt.Sprintf("%s  %-6s %-6s %s", ev.TS.Format(time.RFC3339), ev.Stage, ev.Level, ev.Message)
				switch ev.Level {
				case "error":
					color.New(color.FgRed).Println(line)
				case "warn":
					color.New(color.FgYellow).Println(line)
				default:
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only events after this RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum events to return")
	return cmd
}

func newRunControlCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := client.post("/kb-pipeline/"+args[0]+"/"+verb, nil, nil)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(raw)
				return nil
			}
			color.New(color.FgGreen).Printf("✓ %s requested for run %s\n", verb, args[0])
			return nil
		},
	}
}
