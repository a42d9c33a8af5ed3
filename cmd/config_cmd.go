package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/nostrlink/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize the nostrlink config file",
	}
	cmd.AddCommand(configShowCmd(), configPathCmd(), configValidateCmd(), configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()
			out, err := formatConfig(redactConfig(cfg), format)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Print(out)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", "json", "json or yaml")
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print where the config file is read from",
		Run: func(cmd *cobra.Command, args []string) {
			p := resolveConfigPath()
			if _, err := os.Stat(p); os.IsNotExist(err) {
				fmt.Printf("%s (not created, defaults in use)\n", p)
				return
			}
			fmt.Println(p)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the config and report what it resolves to",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(configSummary(loadConfigOrExit()))
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with defaults",
		Run: func(cmd *cobra.Command, args []string) {
			p := resolveConfigPath()
			if _, err := os.Stat(p); err == nil && !force {
				fmt.Fprintf(os.Stderr, "%s already exists; pass --force to overwrite it\n", p)
				os.Exit(1)
			}
			if err := config.Save(p, config.Default()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Wrote %s\n", p)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func loadConfigOrExit() *config.Config {
	p := resolveConfigPath()
	cfg, err := config.Load(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config %s: %s\n", p, err)
		os.Exit(1)
	}
	return cfg
}

// configSummary lists the settings that decide where credentials live and
// which relays are contacted.
func configSummary(cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "storage:   %s", cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case config.BackendFile, config.BackendSQLite:
		fmt.Fprintf(&b, " (%s)", cfg.Storage.Path)
	case config.BackendS3:
		fmt.Fprintf(&b, " (s3://%s/%s)", cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix)
	}
	b.WriteByte('\n')
	sealed := "no"
	if cfg.Storage.EncryptionKey != "" {
		sealed = "yes"
	}
	fmt.Fprintf(&b, "sealed:    %s\n", sealed)
	fmt.Fprintf(&b, "pairing:   %s, %s timeout\n", cfg.Pairing.Relay, cfg.PairingTimeout())
	fmt.Fprintf(&b, "relays:    %d\n", len(cfg.Relays))
	if cfg.Telemetry.Enabled {
		fmt.Fprintf(&b, "telemetry: %s\n", cfg.Telemetry.Endpoint)
	}
	return b.String()
}

func formatConfig(v any, format string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "", "json":
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	case "yaml", "yml":
		data, err = yaml.Marshal(v)
	default:
		return "", fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// secretKeys are config keys whose string values are masked by redactConfig.
var secretKeys = map[string]bool{
	"encryption_key":    true,
	"postgres_dsn":      true,
	"redis_url":         true,
	"secret_access_key": true,
}

// redactConfig returns cfg as a generic JSON tree with secrets masked.
func redactConfig(cfg *config.Config) any {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil
	}
	return redact("", tree)
}

func redact(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if key == "headers" {
				// OTLP headers usually carry auth tokens.
				t[k] = maskSecret(child)
				continue
			}
			t[k] = redact(k, child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = redact(key, child)
		}
		return t
	}
	if secretKeys[key] {
		return maskSecret(v)
	}
	return v
}

func maskSecret(v any) any {
	s, ok := v.(string)
	switch {
	case !ok || s == "":
		return v
	case len(s) > 8:
		return s[:4] + "****" + s[len(s)-4:]
	default:
		return "****"
	}
}
