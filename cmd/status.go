package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userops/storage"
)

const statusListLimit = 10

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display journal status",
	Long:  `Display how many journaled user operations are included, reverted or still unresolved`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _, err := journalPath()
		if err != nil {
			return err
		}
		db, err := storage.NewWithPath(path)
		if err != nil {
			return fmt.Errorf("failed to open journal at %s: %w", path, err)
		}
		defer db.Close()

		summary, err := storage.NewJournal(db).Summary()
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), path, summary)
		return nil
	},
}

func printStatus(out io.Writer, path string, summary *storage.JournalSummary) {
	fmt.Fprintf(out, "📊 Journal Status Report\n")
	fmt.Fprintf(out, "========================\n\n")
	fmt.Fprintf(out, "💾 Journal path: %s\n\n", path)

	fmt.Fprintf(out, "📦 Operations:\n")
	fmt.Fprintf(out, "   Sessions:  %d\n", summary.Sessions)
	fmt.Fprintf(out, "   Total:     %d\n", summary.Total())
	fmt.Fprintf(out, "   Included:  %d\n", summary.ByStatus[storage.StatusIncluded])
	fmt.Fprintf(out, "   Reverted:  %d\n", summary.ByStatus[storage.StatusReverted])
	fmt.Fprintf(out, "   Submitted: %d\n", summary.ByStatus[storage.StatusSubmitted])
	fmt.Fprintf(out, "   Pending:   %d\n\n", summary.ByStatus[storage.StatusPending])

	if len(summary.Unresolved) > 0 {
		fmt.Fprintf(out, "⏳ Unresolved:\n")
		for i, e := range summary.Unresolved {
			if i >= statusListLimit {
				fmt.Fprintf(out, "   ... and %d more\n", len(summary.Unresolved)-statusListLimit)
				break
			}
			fmt.Fprintf(out, "   %d. %s %s (%s, session %s)\n", i+1, e.Hash, e.Operation, e.Status, e.Session)
		}
		fmt.Fprintf(out, "\n")
	}

	fmt.Fprintf(out, "💡 Next steps:\n")
	switch {
	case summary.Total() == 0:
		fmt.Fprintf(out, "   ❌ No operations journaled yet\n")
		fmt.Fprintf(out, "   ✅ Set db_path and run `ap-userops run`\n")
	case len(summary.Unresolved) > 0:
		fmt.Fprintf(out, "   ✅ Run `ap-userops inspect --session <id> --refresh` to resolve pending entries\n")
	default:
		fmt.Fprintf(out, "   ✅ Every journaled operation has a receipt\n")
	}
}

func init() {
	statusCmd.Flags().StringVar(&dbPath, "db-path", "", "journal directory, defaults to db_path from the config")
	rootCmd.AddCommand(statusCmd)
}
