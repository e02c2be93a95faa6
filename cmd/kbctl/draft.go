package main

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Work with knowledge base drafts",
	}
	cmd.AddCommand(newDraftFinalizeCmd())
	cmd.AddCommand(newDraftDeleteCmd())
	return cmd
}

func newDraftFinalizeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "finalize <draft-id>",
		Short: "Finalize a draft into a knowledge base and start its pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			sp.Suffix = " finalizing draft"
			sp.Start()

			var result struct {
				KBID  string `json:"kb_id"`
				RunID string `json:"run_id"`
			}
			raw, err := client.post("/kb-drafts/"+args[0]+"/finalize", nil, &result)
			sp.Stop()
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(raw)
			} else {
				color.New(color.FgGreen).Printf("✓ draft finalized\n")
				fmt.Printf("kb   %s\n", result.KBID)
				fmt.Printf("run  %s\n", result.RunID)
			}
			if watch {
				return watchRun(result.RunID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the pipeline run until it finishes")
	return cmd
}

func newDraftDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <draft-id>",
		Short: "Delete a draft (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.do("DELETE", "/kb-drafts/"+args[0], nil, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("✓ draft %s deleted\n", args[0])
			return nil
		},
	}
}
