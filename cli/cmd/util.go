package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	hskeymgmt "github.com/s7g4/arti-hs-keymgmt"
)

// Exit codes name the failure class so callers can branch without
// parsing stderr. 0 is success, 1 is any other I/O or internal error.
const (
	exitOK                   = 0
	exitFailure              = 1
	exitNotFound             = 3
	exitAlreadyExists        = 4
	exitInvalidKeyFormat     = 5
	exitIncompatibleSnapshot = 6
	exitConfirmationDeclined = 7
	exitLockContention       = 8
)

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var formatErr *hskeymgmt.InvalidKeyFormatError
	var snapErr *hskeymgmt.IncompatibleSnapshotError
	var lockErr *hskeymgmt.LockContentionError
	switch {
	case errors.Is(err, hskeymgmt.ErrNotFound):
		return exitNotFound
	case errors.Is(err, hskeymgmt.ErrAlreadyExists):
		return exitAlreadyExists
	case errors.As(err, &formatErr):
		return exitInvalidKeyFormat
	case errors.As(err, &snapErr):
		return exitIncompatibleSnapshot
	case errors.Is(err, hskeymgmt.ErrConfirmationDeclined):
		return exitConfirmationDeclined
	case errors.As(err, &lockErr):
		return exitLockContention
	default:
		return exitFailure
	}
}

// writeOutput writes data to the given path. "-" (or empty) writes to
// stdout; an existing file is refused unless overwrite is set, so a
// typo never silently clobbers key material.
func writeOutput(path string, data []byte, overwrite bool) error {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("output file %s exists (use --overwrite to replace it): %w",
				path, hskeymgmt.ErrAlreadyExists)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to check output file %s: %w", path, err)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write output file %s: %w", path, err)
	}
	return nil
}

// readInput reads key material from a file, with "-" meaning stdin.
func readInput(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file %s: %w", path, err)
	}
	return data, nil
}

// specFromFlags assembles and validates a key specifier from the
// common --role/--address/--nickname flags.
func specFromFlags(role, address, nickname string) (hskeymgmt.KeySpecifier, error) {
	if strings.TrimSpace(address) == "" {
		return hskeymgmt.KeySpecifier{}, fmt.Errorf("an onion address is required (--onion-address)")
	}
	r, err := hskeymgmt.ParseRole(role)
	if err != nil {
		return hskeymgmt.KeySpecifier{}, err
	}
	spec := hskeymgmt.KeySpecifier{Role: r, Address: address, Nickname: nickname}
	if err = spec.Validate(); err != nil {
		return hskeymgmt.KeySpecifier{}, err
	}
	return spec, nil
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	settings := viper.AllSettings()
	var keys []string
	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" || os.Getenv("HSC_"+envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "token", "access_key"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"keystore.state_dir":             "State directory holding keys, state, and snapshots",
		"keystore.store_type":            "Storage backend type (filesystem, s3)",
		"keystore.passphrase":            "Keystore passphrase (prefer " + PassphraseEnvVar + ")",
		"keystore.s3.endpoint":           "S3 endpoint URL",
		"keystore.s3.bucket":             "S3 bucket name",
		"keystore.s3.region":             "S3 region",
		"keystore.s3.prefix":             "S3 key prefix",
		"keystore.s3.access_key_id":      "S3 access key ID",
		"keystore.s3.secret_access_key":  "S3 secret access key",
		"keystore.s3.use_ssl":            "Use SSL for S3 connections",
		"audit.enabled":                  "Enable audit logging",
		"audit.type":                     "Audit logger type (file, syslog)",
		"audit.options.file_path":        "Audit log file path",
		"audit.log_level":                "Audit log level",
	}
}
