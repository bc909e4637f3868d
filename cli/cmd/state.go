package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Back up, restore, and reset keystore state",
	Long: `Manage the keystore state as a whole: capture consistent snapshots,
restore from them, and reset back to factory-empty.`,
}

var stateBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture a snapshot of all keys and state",
	Long: `Capture a consistent point-in-time snapshot of every key and the
service state into a single encrypted container file. Without --output
the snapshot lands in the store's snapshots directory under a
timestamped name.`,
	RunE: runStateBackup,
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot-file]",
	Short: "Replace all keys and state from a snapshot",
	Long: `Replace the entire keystore contents with a snapshot, named either by
--path or as a positional argument. The container's format version and
checksum are validated before anything is touched; the swap is atomic,
so an interruption leaves either the old state or the new one. Asks
for confirmation unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStateRestore,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all keys and state",
	Long: `Remove every key and the service state, returning the keystore to
factory-empty with a fresh generation. Asks for confirmation unless
--force is given. Resetting an empty keystore succeeds as a no-op.`,
	RunE: runStateReset,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Long: `List snapshot containers under a directory (the store's snapshots
directory by default) with their validity status.`,
	RunE: runStateList,
}

var (
	snapshotOutput string
	snapshotPath   string
	snapshotDir    string
)

func init() {
	rootCmd.AddCommand(stateCmd)

	stateCmd.AddCommand(stateBackupCmd)
	stateCmd.AddCommand(stateRestoreCmd)
	stateCmd.AddCommand(stateResetCmd)
	stateCmd.AddCommand(stateListCmd)

	stateBackupCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "", "snapshot file or directory (default: store snapshots directory)")
	stateBackupCmd.Flags().StringVar(&snapshotOutput, "path", "", "alias for --output")
	stateRestoreCmd.Flags().StringVar(&snapshotPath, "path", "", "snapshot file to restore from")
	stateListCmd.Flags().StringVar(&snapshotDir, "dir", "", "directory to list snapshots from")
}

func runStateBackup(cmd *cobra.Command, args []string) error {
	path, err := manager.Backup(snapshotOutput)
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot written to %s\n", path)
	return nil
}

func runStateRestore(cmd *cobra.Command, args []string) error {
	path := snapshotPath
	if len(args) == 1 {
		path = args[0]
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("a snapshot file is required (--path or a positional argument)")
	}
	if err := manager.Restore(path, confirmer()); err != nil {
		return err
	}
	fmt.Println("Keystore restored.")
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	if err := manager.Reset(confirmer()); err != nil {
		return err
	}
	fmt.Println("Keystore reset to factory-empty.")
	return nil
}

func runStateList(cmd *cobra.Command, args []string) error {
	infos, err := manager.ListSnapshots(snapshotDir)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "SNAPSHOT\tCREATED\tSIZE\tVALID\tPATH")
	for _, info := range infos {
		valid := "yes"
		if !info.IsValid {
			valid = "NO"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			info.SnapshotID,
			info.CreatedAt.Format(time.RFC3339),
			info.FileSize,
			valid,
			info.StorePath)
	}
	return nil
}
