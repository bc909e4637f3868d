package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	hskeymgmt "github.com/s7g4/arti-hs-keymgmt"
	"github.com/s7g4/arti-hs-keymgmt/audit"
	"github.com/s7g4/arti-hs-keymgmt/persist"
)

// PassphraseEnvVar is the environment variable consulted for the
// keystore passphrase when no flag or config value is set.
const PassphraseEnvVar = "HSC_KEYSTORE_PASSPHRASE"

var (
	cfgFile  string
	stateDir string
	force    bool
	verbose  bool

	manager *hskeymgmt.Manager
	log     zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hsc",
	Short: "Manage onion-service client keys and state",
	Long: `Manage the key material and state of Tor onion services and their
clients: an encrypted-at-rest keystore addressed by role, onion address
and client nickname, with snapshot-based backup and restore of the
whole state directory.`,
	PersistentPreRunE: initializeManager,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if manager != nil {
			return manager.Close()
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and exits with a code that names the
// failure class, so scripts can branch without parsing stderr.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Accept snake_case spellings of flags from scripts written against
	// the config key names.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hsc.toml)")
	rootCmd.PersistentFlags().StringVarP(&stateDir, "state-dir", "d", "", "state directory holding the keystore")
	rootCmd.PersistentFlags().String("passphrase", "", "keystore passphrase (prefer "+PassphraseEnvVar+" env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")
	rootCmd.PersistentFlags().BoolVarP(&force, "force", "f", false, "suppress confirmation prompts")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose diagnostics on stderr")

	bindFlagOrPanic("keystore.state_dir", "state-dir")
	bindFlagOrPanic("keystore.passphrase", "passphrase")
	bindFlagOrPanic("keystore.store_type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("keystore.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("keystore.s3.region", "s3-region")
	bindFlagOrPanic("keystore.s3.bucket", "s3-bucket")
	bindFlagOrPanic("keystore.s3.prefix", "s3-prefix")
	bindFlagOrPanic("keystore.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("keystore.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("keystore.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hsc")

		viper.SetConfigType("toml")
		viper.SetConfigName(".hsc")
	}

	viper.SetEnvPrefix("HSC")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Msg("error reading config file")
		}
		// No config file is fine; defaults and env vars apply.
	} else {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("using config file")
	}
}

func setDefaults() {
	viper.SetDefault("keystore.state_dir", defaultStateDir())
	viper.SetDefault("keystore.store_type", "filesystem")

	viper.SetDefault("keystore.s3.region", "us-east-1")
	viper.SetDefault("keystore.s3.prefix", "hsc/")
	viper.SetDefault("keystore.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hsc-state"
	}
	return home + "/.local/state/hsc"
}

func initializeManager(cmd *cobra.Command, args []string) error {
	// Commands that only inspect configuration run without a keystore.
	switch cmd.Name() {
	case "help", "completion", "__complete", "config", "show", "keys", "version":
		return nil
	}

	stateDir = viper.GetString("keystore.state_dir")
	storeType := viper.GetString("keystore.store_type")

	// Keep the audit trail next to the keystore unless configured away.
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", stateDir+"/audit.log")
	}

	options := hskeymgmt.Options{
		Passphrase:       viper.GetString("keystore.passphrase"),
		EnvPassphraseVar: PassphraseEnvVar,
	}

	storeCfg, err := buildStoreConfig(storeType)
	if err != nil {
		return err
	}

	log.Debug().Str("store", storeType).Str("state_dir", stateDir).Msg("opening keystore")

	manager, err = hskeymgmt.New(options, storeCfg, auditConfig())
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	return nil
}

func buildStoreConfig(storeType string) (persist.StoreConfig, error) {
	switch strings.ToLower(storeType) {
	case "filesystem", "file", "":
		return persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"state_dir": stateDir},
		}, nil

	case "s3":
		cfg := map[string]interface{}{
			"endpoint":          viper.GetString("keystore.s3.endpoint"),
			"region":            viper.GetString("keystore.s3.region"),
			"bucket":            viper.GetString("keystore.s3.bucket"),
			"key_prefix":        viper.GetString("keystore.s3.prefix"),
			"access_key_id":     viper.GetString("keystore.s3.access_key_id"),
			"secret_access_key": viper.GetString("keystore.s3.secret_access_key"),
			"use_ssl":           viper.GetBool("keystore.s3.use_ssl"),
		}
		if cfg["bucket"] == "" {
			return persist.StoreConfig{}, fmt.Errorf("keystore.s3.bucket is required for the s3 store")
		}
		return persist.StoreConfig{Type: persist.StoreTypeS3, Config: cfg}, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s (supported: filesystem, s3)", storeType)
	}
}

func auditConfig() *audit.Config {
	return &audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	}
}

// confirmer returns the gate for destructive operations: every prompt
// is suppressed under --force, otherwise the terminal asks.
func confirmer() hskeymgmt.Confirmer {
	if force {
		return hskeymgmt.ForceConfirmer{}
	}
	return hskeymgmt.NewTerminalConfirmer()
}
