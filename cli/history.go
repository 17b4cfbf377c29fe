package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sam3web/history"
	"sam3web/task"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or prune the batch history log",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved batches, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		records, err := store.List()
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), records)
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every saved batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		if err := store.DeleteAll(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one saved batch by id (or timestamp for old records)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		removed, err := store.DeleteByID(args[0])
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "no record %s\n", args[0])
		}
		return nil
	},
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyClearCmd, historyDeleteCmd)
}

func openHistory() (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return history.NewStore(cfg.HistoryFile)
}

func printHistory(w io.Writer, records []task.BatchRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no saved batches")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tPROMPT\tOK\tVIDEOS")
	for _, rec := range records {
		ok := 0
		for _, o := range rec.Outputs {
			if o != nil {
				ok++
			}
		}
		id := rec.ID
		if id == "" {
			id = rec.Timestamp.Format(time.RFC3339Nano)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\n",
			id, rec.Timestamp.Local().Format("2006-01-02 15:04:05"), rec.Config.Prompt, ok, len(rec.Outputs), len(rec.Inputs))
	}
	tw.Flush()
}
