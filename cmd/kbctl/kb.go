package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect and curate knowledge bases",
	}
	cmd.AddCommand(newKBListCmd())
	cmd.AddCommand(newKBStatsCmd())
	cmd.AddCommand(newKBDocumentsCmd())
	cmd.AddCommand(newKBReprocessCmd())
	cmd.AddCommand(newKBDeleteCmd())
	return cmd
}

func newKBListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the workspace's knowledge bases",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Items []struct {
					ID     string `json:"id"`
					Name   string `json:"name"`
					Status string `json:"status"`
					Profile struct {
						Provider  string `json:"provider"`
						Model     string `json:"model"`
						Dimension int    `json:"dimension"`
					} `json:"embedding_profile"`
				} `json:"items"`
				Total int `json:"total"`
			}
			raw, err := client.get("/kbs?limit=100", &resp)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(raw)
				return nil
			}
			for _, kb := range resp.Items {
				statusColor := color.New(color.FgYellow)
				switch kb.Status {
				case "ready":
					statusColor = color.New(color.FgGreen)
				case "failed":
					statusColor = color.New(color.FgRed)
				}
				fmt.Printf("%s  %-10s %s (%s/%s d=%d)\n",
					kb.ID, statusColor.Sprint(kb.Status), kb.Name,
					kb.Profile.Provider, kb.Profile.Model, kb.Profile.Dimension)
			}
			fmt.Printf("%d knowledge bases\n", resp.Total)
			return nil
		},
	}
}

func newKBStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <kb-id>",
		Short: "Show a knowledge base's document and chunk counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats struct {
				DocumentsTotal    int            `json:"documents_total"`
				DocumentsActive   int            `json:"documents_active"`
				DocumentsByStatus map[string]int `json:"documents_by_status"`
				ChunksTotal       int            `json:"chunks_total"`
				ChunksEnabled     int            `json:"chunks_enabled"`
				LastIndexedAt     *time.Time     `json:"last_indexed_at"`
			}
			raw, err := client.get("/kbs/"+args[0]+"/stats", &stats)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(raw)
				return nil
			}
			fmt.Printf("documents  %d total, %d active\n", stats.DocumentsTotal, stats.DocumentsActive)
			for status, n := range stats.DocumentsByStatus {
				fmt.Printf("  %-10s %d\n", status, n)
			}
			fmt.Printf("chunks     %d total, %d enabled\n", stats.ChunksTotal, stats.ChunksEnabled)
			if stats.LastIndexedAt != nil {
				fmt.Printf("indexed    %s\n", stats.LastIndexedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newKBDocumentsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "documents <kb-id>",
		Short: "List a knowledge base's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", "100")
			if status != "" {
				q.Set("status", status)
			}
			var resp struct {
				Items []struct {
					ID         string `json:"id"`
					Title      string `json:"title"`
					Status     string `json:"status"`
					ChunkCount int    `json:"chunk_count"`
					FailReason string `json:"fail_reason"`
				} `json:"items"`
				Total int `json:"total"`
			}
			raw, err := client.get("/kbs/"+args[0]+"/documents?"+q.Encode(), &resp)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(raw)
				return nil
			}
			for _, doc := range resp.Items {
				line := fmt.Sprintf("%s  %-9s %3d chunks  %s", doc.ID, doc.Status, doc.ChunkCount, doc.Title)
				if doc.Status == "failed" {
					color.New(color.FgRed).Printf("%s (%s)\n", line, doc.FailReason)
				} else {
					fmt.Println(line)
				}
			}
			fmt.Printf("%d documents\n", resp.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by document status")
	return cmd
}

func newKBReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <kb-id> <doc-id>",
		Short: "Queue a single-document reprocess run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				RunID string `json:"run_id"`
			}
			raw, err := client.do("PUT", "/kbs/"+args[0]+"/documents/"+args[1], nil, &result)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(raw)
				return nil
			}
			color.New(color.FgGreen).Printf("✓ reprocess queued, run %s\n", result.RunID)
			return nil
		},
	}
}

func newKBDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <kb-id>",
		Short: "Delete a knowledge base and all its documents, chunks and vectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			if _, err := client.do("DELETE", "/kbs/"+args[0], nil, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("✓ knowledge base %s deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
