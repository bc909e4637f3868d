package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/s7g4/arti-hs-keymgmt/audit"
)

var (
	auditJSONOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditKeyName       string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditLifecycleOnly bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Query the keystore audit trail.

Examples:
  # Recent events
  hsc audit query

  # Failed operations in the last day
  hsc audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Key lifecycle events only
  hsc audit query --lifecycle

  # Events for one key
  hsc audit query --key "ks-hsc-desc-enc/<address>.onion"`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	RunE:  runAuditQuery,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().BoolVar(&auditJSONOutput, "json", false, "Output in JSON format")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "only events after this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "only events before this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (key_create, key_rotate, ...)")
	auditQueryCmd.Flags().StringVar(&auditKeyName, "key", "", "filter by key")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "events to skip")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "only failed operations")
	auditQueryCmd.Flags().BoolVar(&auditLifecycleOnly, "lifecycle", false, "only key lifecycle events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	// Query straight from the configured file backend; the manager's
	// logger may be a write-only syslog.
	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer logger.Close()

	options := audit.QueryOptions{
		Action:    auditAction,
		KeyName:   auditKeyName,
		Limit:     auditLimit,
		Offset:    auditOffset,
		Lifecycle: auditLifecycleOnly,
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}
	if auditSince != "" {
		t, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		options.Since = &t
	}
	if auditUntil != "" {
		t, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return fmt.Errorf("invalid --until value: %w", err)
		}
		options.Until = &t
	}

	result, err := logger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSONOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events match.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "TIME\tACTION\tOK\tDETAIL")
	for _, event := range result.Events {
		ok := "yes"
		if !event.Success {
			ok = "NO"
		}
		detail := ""
		if key, found := event.Metadata["key"]; found {
			detail = fmt.Sprintf("%v", key)
		}
		if event.Error != "" {
			detail = event.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339), event.Action, ok, detail)
	}
	fmt.Fprintf(os.Stderr, "%d of %d events shown\n", len(result.Events), result.Filtered)
	return nil
}
