package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-bulk/internal/config"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rescale-bulk configuration",
		Long: `Configuration management commands for rescale-bulk.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  set   - Change one setting
  test  - Test the connection to the server
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigSetCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// configPath returns --config or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for rescale-bulk.

The configuration will be saved to ~/.config/rescale-bulk/config.ini
(or the file given with --config).

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			fmt.Fprintln(out, "rescale-bulk Configuration Setup")
			fmt.Fprintln(out, "================================")
			fmt.Fprintln(out)

			p := NewTerminalPrompter(cmd.InOrStdin(), out)
			cfg := config.Defaults()
			if err := promptConnection(p, out, cfg); err != nil {
				return err
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Transfer Settings (press Enter for defaults)")
			fmt.Fprintln(out, "--------------------------------------------")
			for _, key := range []string{"max_connections", "initial_connections", "max_attempts"} {
				if err := promptKey(p, out, cfg, key, currentValue(cfg, key)); err != nil {
					return err
				}
			}

			fmt.Fprintln(out)
			configure, err := p.Confirm("Configure proxy?")
			if err != nil {
				return err
			}
			if configure {
				fmt.Fprintln(out, "Proxy modes: no-proxy, system, basic, ntlm")
				if err := promptKey(p, out, cfg, "proxy_mode", config.ProxyModeSystem); err != nil {
					return err
				}
				if cfg.ProxyMode != config.ProxyModeNone && cfg.ProxyMode != config.ProxyModeSystem {
					for _, key := range []string{"proxy_host", "proxy_port", "proxy_user"} {
						if err := promptKey(p, out, cfg, key, currentValue(cfg, key)); err != nil {
							return err
						}
					}
				}
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			GetLogger().Info().Str("path", path).Msg("Configuration saved")

			fmt.Fprintln(out)
			fmt.Fprintf(out, "✓ Configuration saved to: %s\n", path)
			fmt.Fprintln(out, "Test your configuration with: rescale-bulk config test")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// promptConnection asks for the backend and the settings that backend needs.
func promptConnection(p Prompter, out io.Writer, cfg *config.Config) error {
	backends := []string{config.BackendMemory, config.BackendS3, config.BackendAzure}
	choice, err := p.Choose("Which storage backend?", []string{
		"memory - Local directory served as a remote (testing)",
		"s3 - Amazon S3 bucket",
		"azure - Azure Blob Storage container",
	})
	if err != nil {
		return err
	}
	cfg.Backend = backends[choice]

	var keys []string
	switch cfg.Backend {
	case config.BackendMemory:
		keys = []string{"endpoint"}
	case config.BackendS3:
		keys = []string{"bucket", "prefix", "region", "endpoint", "access_key", "secret_key"}
	case config.BackendAzure:
		keys = []string{"sas_url", "prefix"}
	}
	for _, key := range keys {
		if err := promptKey(p, out, cfg, key, ""); err != nil {
			return err
		}
	}
	return nil
}

// promptKey asks for one setting until the value parses.
func promptKey(p Prompter, out io.Writer, cfg *config.Config, key, def string) error {
	for {
		value, err := p.Prompt(settingLabel(key), def)
		if err != nil {
			return err
		}
		if value == "" {
			return nil
		}
		if err := cfg.Set(key, value); err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			continue
		}
		return nil
	}
}

func settingLabel(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		switch w {
		case "url", "sas":
			words[i] = strings.ToUpper(w)
		default:
			if i == 0 {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
	}
	return strings.Join(words, " ")
}

func currentValue(cfg *config.Config, key string) string {
	switch key {
	case "max_connections":
		return strconv.Itoa(cfg.MaxConnections)
	case "initial_connections":
		return strconv.Itoa(cfg.InitialConnections)
	case "max_attempts":
		return strconv.Itoa(cfg.MaxAttempts)
	case "proxy_port":
		if cfg.ProxyPort == 0 {
			return "8080"
		}
		return strconv.Itoa(cfg.ProxyPort)
	}
	return ""
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

This command shows the merged configuration from:
  1. Configuration file (~/.config/rescale-bulk/config.ini)
  2. Environment variables (RESCALE_BULK_SECRET_KEY, RESCALE_BULK_SAS_URL,
     RESCALE_BULK_PROXY_PASSWORD)

Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			loaded, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := loaded.Redacted()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Current Configuration")
			fmt.Fprintln(out, "=====================")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Connection:")
			fmt.Fprintf(out, "  Backend:     %s\n", cfg.Backend)
			printIfSet(out, "  Endpoint:    %s\n", cfg.Endpoint)
			printIfSet(out, "  Bucket:      %s\n", cfg.Bucket)
			printIfSet(out, "  Prefix:      %s\n", cfg.Prefix)
			printIfSet(out, "  Region:      %s\n", cfg.Region)
			printIfSet(out, "  Access Key:  %s\n", cfg.AccessKey)
			printIfSet(out, "  Secret Key:  %s\n", cfg.SecretKey)
			printIfSet(out, "  SAS URL:     %s\n", cfg.SASURL)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Proxy Settings:")
			fmt.Fprintf(out, "  Proxy Mode: %s\n", cfg.ProxyMode)
			if cfg.ProxyHost != "" {
				fmt.Fprintf(out, "  Proxy Host: %s\n", cfg.ProxyHost)
				fmt.Fprintf(out, "  Proxy Port: %d\n", cfg.ProxyPort)
			}
			printIfSet(out, "  Proxy User: %s\n", cfg.ProxyUser)
			printIfSet(out, "  No Proxy:   %s\n", cfg.NoProxy)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Transfer Settings:")
			fmt.Fprintf(out, "  Max Connections:     %d\n", cfg.MaxConnections)
			fmt.Fprintf(out, "  Initial Connections: %d\n", cfg.InitialConnections)
			fmt.Fprintf(out, "  Max Attempts:        %d\n", cfg.MaxAttempts)
			fmt.Fprintf(out, "  Delete On Cancel:    %t\n", cfg.DeleteOnCancel)
			fmt.Fprintf(out, "  Skip Blocked:        %t\n", cfg.SkipBlocked)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Logging:")
			fmt.Fprintf(out, "  Level: %s\n", cfg.LogLevel)
			printIfSet(out, "  File:  %s\n", loaded.LogFilePath())
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Configuration file: %s\n", path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(out, "  (file does not exist - using defaults)")
			}
			return nil
		},
	}
	return cmd
}

func printIfSet(out io.Writer, format, value string) {
	if value != "" {
		fmt.Fprintf(out, format, value)
	}
}

// newConfigSetCmd creates the 'config set' command.
func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one configuration setting",
		Long: `Change one setting and save the configuration file.

Keys:
  ` + strings.Join(config.Keys(), ", "),
		Args: cobra.ExactArgs(2),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return config.Keys(), cobra.ShellCompDirectiveNoFileComp
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s updated in %s\n", args[0], path)
			return nil
		},
	}
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test the connection to the server",
		Long: `Open a connection with the current configuration and list the root directory.

This verifies that:
  - The configuration is valid
  - The server is reachable (through the proxy, if one is configured)
  - The credentials are accepted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Testing connection...")

			start := time.Now()
			r, err := newRunner(cmd, false)
			if err != nil {
				fmt.Fprintf(out, "✗ Connection failed: %v\n", err)
				return err
			}
			defer r.Close()

			var entries []remote.Entry
			err = r.call(func(ctx context.Context, conn remote.Connection) error {
				var err error
				entries, err = conn.List(ctx, "/")
				return err
			})
			if err != nil {
				fmt.Fprintf(out, "✗ Listing failed: %v\n", err)
				return err
			}

			fmt.Fprintf(out, "✓ Connected to %s backend in %s\n", r.cfg.Backend, time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(out, "✓ Root directory has %d entries\n", len(entries))
			return nil
		},
	}
	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(out, "(file does not exist)")
			}
			return nil
		},
	}
	return cmd
}
