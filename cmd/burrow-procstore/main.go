package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/procstore"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// burrow-procstore works on the procedure store of a stopped manager.
// bbolt holds an exclusive file lock, so it fails fast while the manager
// is running.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "burrow-procstore",
	Short:        "Inspect, compact and back up a manager's procedure store",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.InfoLevel, Output: os.Stderr})
	},
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./burrow-data", "Manager data directory")

	inspectCmd.Flags().Bool("all", false, "Print every record, not only active procedures")
	compactCmd.Flags().Bool("dry-run", false, "Show what compaction would drop without changing the store")
	compactCmd.Flags().String("backup", "", "Backup path (default: <data-dir>/procedures.db.backup)")
	compactCmd.Flags().Bool("no-backup", false, "Skip the backup before compacting")
	backupCmd.Flags().StringP("out", "o", "", "Backup file (required)")
	_ = backupCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(inspectCmd, compactCmd, backupCmd)
}

func openStore(cmd *cobra.Command) (*procstore.BoltStore, string, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	path := filepath.Join(dataDir, procstore.FileName)
	if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("procedure store not found at %s", path)
	}
	store, err := procstore.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w (is the manager still running?)", err)
	}
	return store, path, nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print store statistics and unfinished procedures",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, path, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := store.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Store:       %s\n", path)
		fmt.Printf("Records:     %d (last seq %d)\n", st.Records, st.LastSeq)
		fmt.Printf("Procedures:  %d (%d active)\n\n", st.Procedures, st.Active)

		all, _ := cmd.Flags().GetBool("all")
		var records []procstore.Record
		if all {
			records, err = store.Records()
		} else {
			records, err = store.LoadAll()
		}
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No records to show")
			return nil
		}
		return printRecords(records)
	},
}

func printRecords(records []procstore.Record) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Seq", "ID", "Type", "Resource", "Direction", "Phase", "Terminal", "Outcome", "Updated"})
	for _, r := range records {
		outcome := "-"
		if len(r.Outcome) > 0 {
			var o struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(r.Outcome, &o); err == nil && o.State != "" {
				outcome = o.State
			}
		}
		row := []string{
			strconv.FormatUint(r.Seq, 10), strconv.FormatUint(r.ProcedureID, 10), r.Type, r.ResourceKey,
			r.Direction, strconv.Itoa(r.PhaseIndex), strconv.FormatBool(r.Terminal), outcome,
			r.UpdatedAt.Format(time.RFC3339),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop superseded records and finished procedures",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("procstore")
		store, path, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		before, err := store.Stats()
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if dryRun {
			fmt.Printf("[DRY RUN] %d records, %d would remain (one per active procedure)\n",
				before.Records, before.Active)
			return nil
		}

		if noBackup, _ := cmd.Flags().GetBool("no-backup"); !noBackup {
			backupPath, _ := cmd.Flags().GetString("backup")
			if backupPath == "" {
				backupPath = path + ".backup"
			}
			n, err := writeBackup(store, backupPath)
			if err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}
			logger.Info().Str("path", backupPath).Int64("bytes", n).Msg("Backup created")
		}

		if err := store.Compact(); err != nil {
			return err
		}
		after, err := store.Stats()
		if err != nil {
			return err
		}
		logger.Info().
			Int("records_before", before.Records).
			Int("records_after", after.Records).
			Int("active", after.Active).
			Msg("Compaction complete")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a consistent copy of the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		out, _ := cmd.Flags().GetString("out")
		n, err := writeBackup(store, out)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %d bytes to %s\n", n, out)
		return nil
	},
}

func writeBackup(store *procstore.BoltStore, path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	n, err := store.Backup(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
