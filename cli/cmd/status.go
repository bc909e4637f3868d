package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	hskeymgmt "github.com/s7g4/arti-hs-keymgmt"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keystore status",
	Long:  "Display information about the keystore including key counts, generation, and memory protection level.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Keystore Status")
	fmt.Println("===============")

	fmt.Printf("State Directory: %s\n", stateDir)
	fmt.Printf("Generation: %s\n", manager.Generation())
	fmt.Printf("Memory Protection: %s\n", manager.MemoryProtection())

	entries, err := manager.List(hskeymgmt.Filter{})
	if err != nil {
		fmt.Printf("Total Keys: ERROR - %v\n", err)
	} else {
		identity := 0
		discovery := 0
		for _, e := range entries {
			switch e.Specifier.Role {
			case hskeymgmt.RoleServiceIdentity:
				identity++
			case hskeymgmt.RoleClientDescEnc:
				discovery++
			}
		}
		fmt.Printf("Total Keys: %d (Identity: %d, Discovery: %d)\n", len(entries), identity, discovery)
	}

	snapshots, err := manager.ListSnapshots("")
	if err != nil {
		fmt.Printf("Snapshots: ERROR - %v\n", err)
	} else {
		fmt.Printf("Snapshots: %d\n", len(snapshots))
	}

	return nil
}
