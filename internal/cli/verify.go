package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devit-tools/devit-mcpd/internal/broker"
	"github.com/devit-tools/devit-mcpd/internal/journal"
	"github.com/devit-tools/devit-mcpd/internal/paths"
)

func newVerifyCommand() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:           "verify",
		Short:         "Replay the signed journal and report the first divergence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			layout := paths.Layout{Workspace: workspace}
			if _, err := os.Stat(layout.JournalFile()); os.IsNotExist(err) {
				fmt.Println("ok: 0 records")
				exitCode = broker.ExitClean
				return nil
			}
			key, err := os.ReadFile(layout.HMACKeyFile())
			if err != nil {
				fmt.Fprintf(os.Stderr, "devit-mcpd: reading mac key: %v\n", err)
				exitCode = broker.ExitFatal
				return nil
			}

			n, err := journal.Verify(layout.JournalFile(), key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "devit-mcpd: journal_mac_mismatch: %v\n", err)
				fmt.Printf("invalid after %d records\n", n)
				exitCode = broker.ExitFatal
				return nil
			}
			fmt.Printf("ok: %d records\n", n)
			exitCode = broker.ExitClean
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", ".", "workspace root holding .devit/")
	return cmd
}
