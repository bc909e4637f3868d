package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	hskeymgmt "github.com/s7g4/arti-hs-keymgmt"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage onion-service keys",
	Long: `Manage onion-service key material: service identity keys and client
restricted-discovery keys, addressed by role, onion address and
optional client nickname.`,
}

var keyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Get a client key, generating it if absent",
	Long: `Output the public part of the client restricted-discovery key for a
service, generating and storing a fresh key first when none exists.
Running it twice yields the same key.`,
	RunE: runKeyGet,
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new service identity key",
	Long: `Generate a fresh service identity key and print the onion address
derived from it. The key is stored under that address.`,
	RunE: runKeyCreate,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace a key with freshly generated material",
	Long: `Generate a new key for the specifier and replace the stored one.
Replacing an existing key destroys the old material and asks for
confirmation unless --force is given.`,
	RunE: runKeyRotate,
}

var keyRemoveCmd = &cobra.Command{
	Use:     "remove",
	Aliases: []string{"delete"},
	Short:   "Remove a key from the keystore",
	Long: `Remove the key for the specifier. Removing an existing key asks for
confirmation unless --force is given; removing an absent key is a
no-op.`,
	RunE: runKeyRemove,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys",
	RunE:  runKeyList,
}

var keyImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import key material from a file",
	Long: `Import secret key material from a file of self-describing lines in
the form <onion-address>:<secret-key-encoding>. Blank lines and lines
starting with # are skipped. Material that does not match its declared
role is rejected before anything is stored.`,
	RunE: runKeyImport,
}

var keyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a key in its stable text form",
	Long: `Export the public part of a key. --include-secret additionally
exports the secret part as an importable line; treat that output as
the key itself.`,
	RunE: runKeyExport,
}

var (
	keyRole       string
	keyAddress    string
	keyNickname   string
	keyOutput     string
	keyInput      string
	keyOverwrite  bool
	includeSecret bool
	jsonOutput    bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyGetCmd)
	keysCmd.AddCommand(keyCreateCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyRemoveCmd)
	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyImportCmd)
	keysCmd.AddCommand(keyExportCmd)

	for _, c := range []*cobra.Command{keyGetCmd, keyRotateCmd, keyRemoveCmd, keyExportCmd} {
		c.Flags().StringVar(&keyAddress, "onion-address", "", "onion address the key belongs to")
		c.Flags().StringVar(&keyAddress, "address", "", "alias for --onion-address")
		c.Flags().StringVar(&keyRole, "role", string(hskeymgmt.RoleClientDescEnc), "key role (ks-hs-id, ks-hsc-desc-enc)")
		c.Flags().StringVar(&keyNickname, "nickname", "", "client nickname")
	}

	for _, c := range []*cobra.Command{keyGetCmd, keyCreateCmd, keyRotateCmd, keyExportCmd} {
		c.Flags().StringVarP(&keyOutput, "output", "o", "-", "output file (- for stdout)")
		c.Flags().BoolVar(&keyOverwrite, "overwrite", false, "replace the output file if it exists")
	}

	keyCreateCmd.Flags().StringVar(&keyNickname, "nickname", "", "nickname for the new service")

	keyListCmd.Flags().StringVar(&keyRole, "role", "", "filter by role")
	keyListCmd.Flags().StringVar(&keyAddress, "onion-address", "", "filter by onion address")
	keyListCmd.Flags().StringVar(&keyAddress, "address", "", "alias for --onion-address")
	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	keyImportCmd.Flags().StringVarP(&keyInput, "input", "i", "-", "input file (- for stdin)")
	keyImportCmd.Flags().StringVar(&keyNickname, "nickname", "", "client nickname to store imported keys under")
	keyImportCmd.Flags().BoolVar(&keyOverwrite, "overwrite", false, "replace existing keys")

	keyExportCmd.Flags().BoolVar(&includeSecret, "include-secret", false, "export the secret part as an importable line")
}

func runKeyGet(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags(keyRole, keyAddress, keyNickname)
	if err != nil {
		return err
	}

	entry, created, err := manager.GetOrCreate(spec)
	if err != nil {
		return err
	}
	if created {
		log.Debug().Str("key", spec.String()).Msg("generated new key")
	}

	return writeOutput(keyOutput, []byte(entry.Public.Encode()+"\n"), keyOverwrite)
}

func runKeyCreate(cmd *cobra.Command, args []string) error {
	entry, err := manager.CreateIdentity(keyNickname)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Created service identity %s\n", entry.Specifier.Address)
	return writeOutput(keyOutput, []byte(entry.Specifier.Address+"\n"), keyOverwrite)
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags(keyRole, keyAddress, keyNickname)
	if err != nil {
		return err
	}

	entry, err := manager.Rotate(spec, confirmer())
	if err != nil {
		return err
	}

	if spec.Role == hskeymgmt.RoleServiceIdentity {
		// The new identity derives a new address; surface it so the
		// operator can republish.
		if addr, aerr := hskeymgmt.OnionAddressFromIdentity(entry.Public.Bytes); aerr == nil {
			fmt.Fprintf(os.Stderr, "Rotated identity now derives address %s\n", addr)
		}
	}

	return writeOutput(keyOutput, []byte(entry.Public.Encode()+"\n"), keyOverwrite)
}

func runKeyRemove(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags(keyRole, keyAddress, keyNickname)
	if err != nil {
		return err
	}

	existed, err := manager.Remove(spec, confirmer())
	if err != nil {
		return err
	}
	if existed {
		fmt.Fprintf(os.Stderr, "Removed key %s\n", spec)
	} else {
		fmt.Fprintf(os.Stderr, "No key stored for %s, nothing to do\n", spec)
	}
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	filter := hskeymgmt.Filter{Address: keyAddress}
	if keyRole != "" {
		role, err := hskeymgmt.ParseRole(keyRole)
		if err != nil {
			return err
		}
		filter.Role = role
	}

	entries, err := manager.List(filter)
	if err != nil {
		return err
	}

	if jsonOutput {
		type listedKey struct {
			Role      string    `json:"role"`
			Address   string    `json:"address"`
			Nickname  string    `json:"nickname,omitempty"`
			PublicKey string    `json:"public_key"`
			CreatedAt time.Time `json:"created_at"`
		}
		out := make([]listedKey, 0, len(entries))
		for _, e := range entries {
			out = append(out, listedKey{
				Role:      string(e.Specifier.Role),
				Address:   e.Specifier.Address,
				Nickname:  e.Specifier.Nickname,
				PublicKey: e.Public.Encode(),
				CreatedAt: e.CreatedAt,
			})
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No keys stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ROLE\tADDRESS\tNICKNAME\tCREATED")
	for _, e := range entries {
		nickname := e.Specifier.Nickname
		if nickname == "" {
			nickname = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Specifier.Role, e.Specifier.Address, nickname,
			e.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runKeyImport(cmd *cobra.Command, args []string) error {
	data, err := readInput(keyInput)
	if err != nil {
		return err
	}

	imported := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		line, err := hskeymgmt.ParseImportLine(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		entry, err := manager.Import(line, keyNickname, keyOverwrite)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		log.Debug().Str("key", entry.Specifier.String()).Msg("imported key")
		imported++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read import input: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Imported %d key(s)\n", imported)
	return nil
}

func runKeyExport(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags(keyRole, keyAddress, keyNickname)
	if err != nil {
		return err
	}

	line, err := manager.Export(spec, includeSecret)
	if err != nil {
		return err
	}
	if includeSecret {
		fmt.Fprintln(os.Stderr, "WARNING: the output contains secret key material")
	}
	return writeOutput(keyOutput, []byte(line+"\n"), keyOverwrite)
}
