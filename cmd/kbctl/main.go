// Package main provides kbctl, the operator CLI for the kbforge API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	apiURL      string
	workspaceID string
	userID      string
	orgID       string
	role        string
	outputJSON  bool

	client *apiClient
)

var rootCmd = &cobra.Command{
	Use:   "kbctl",
	Short: "kbctl administers knowledge bases and pipeline runs",
	Long: `kbctl is a thin client over the kbforge API.

Use it to:
- Watch, cancel, pause and resume pipeline runs
- Finalize drafts into knowledge bases
- Inspect knowledge base stats and documents
- Curate documents and chunks

The principal flags (--workspace, --user, --role) set the headers the
API's identity gateway would normally inject.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if v := os.Getenv("KBFORGE_API_URL"); v != "" && !cmd.Flags().Changed("api-url") {
			apiURL = v
		}
		if workspaceID == "" {
			workspaceID = os.Getenv("KBFORGE_WORKSPACE_ID")
		}
		if workspaceID == "" {
			return fmt.Errorf("a workspace is required: set --workspace or KBFORGE_WORKSPACE_ID")
		}
		if userID == "" {
			userID = os.Getenv("KBFORGE_USER_ID")
		}
		if userID == "" {
			userID = "kbctl"
		}
		client = newAPIClient(apiURL, principal{
			OrgID:       orgID,
			WorkspaceID: workspaceID,
			UserID:      userID,
			Role:        role,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8090", "kbforge API base URL")
	rootCmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", "", "workspace id (or KBFORGE_WORKSPACE_ID)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user id (or KBFORGE_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&orgID, "org", "default", "org id")
	rootCmd.PersistentFlags().StringVar(&role, "role", "admin", "role: owner, admin, editor or viewer")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newDraftCmd())
	rootCmd.AddCommand(newKBCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
