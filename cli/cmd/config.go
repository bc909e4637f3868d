package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long:  `Inspect the effective configuration assembled from flags, environment variables, and the config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Display the effective configuration with sensitive values redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch configFormat {
		case "json":
			return printConfigJSON()
		case "yaml":
			return printConfigYAML()
		case "table", "":
			return printConfigTable()
		default:
			return fmt.Errorf("unknown format %q (valid: table, json, yaml)", configFormat)
		}
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List available configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for key, desc := range getConfigKeyDescriptions() {
			fmt.Printf("%-34s %s\n", key, desc)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configKeysCmd)

	configShowCmd.Flags().StringVar(&configFormat, "format", "table", "output format (table, json, yaml)")
}
