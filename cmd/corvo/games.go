package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/celarini/corvo/internal/config"
	"github.com/celarini/corvo/internal/webhook"
)

var newSaveDir string

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Show or change the delivery webhook",
}

var webhookSetCmd = &cobra.Command{
	Use:   "set <url>",
	Short: "Set the webhook URL archives are delivered to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *config.Config, _ *slog.Logger) error {
			cfg.Webhook.URL = args[0]
			return nil
		}, func(_ *config.Config, _ *slog.Logger) error {
			_, _ = okColor.Fprintf(console, "[+] webhook set to %s\n", webhook.MaskURL(args[0]))
			return nil
		})
	},
}

var webhookShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configured webhook (token masked)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(setupLogger())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.HasWebhook() {
			_, _ = warnColor.Fprintln(cmd.OutOrStdout(), "[!] no webhook configured")
			return nil
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), webhook.MaskURL(cfg.Webhook.URL))
		return nil
	},
}

var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "Manage tracked games",
}

var gamesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked games and their last backed-up fingerprint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, _, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if len(cfg.Games) == 0 {
			_, _ = warnColor.Fprintln(cmd.OutOrStdout(), "[!] no games tracked yet")
			return nil
		}

		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tSAVE DIR\tLAST BACKUP")
		for _, g := range cfg.Games {
			last := "-"
			if fp, ok := store.Last(g.Name); ok {
				last = fp.Short()
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", g.Name, g.SaveDir, last)
		}
		return tw.Flush()
	},
}

var gamesAddCmd = &cobra.Command{
	Use:   "add <name> <save-dir>",
	Short: "Track a new game",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, dir := args[0], args[1]
		return updateConfig(func(cfg *config.Config, _ *slog.Logger) error {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("failed to resolve save directory: %w", err)
			}
			return cfg.AddGame(name, abs)
		}, func(_ *config.Config, _ *slog.Logger) error {
			_, _ = okColor.Fprintf(console, "[+] now tracking %s\n", name)
			return nil
		})
	},
}

var gamesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Stop tracking a game and forget its backup state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return updateConfig(func(cfg *config.Config, _ *slog.Logger) error {
			return cfg.RemoveGame(name)
		}, func(cfg *config.Config, logger *slog.Logger) error {
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			if err := store.Forget(name); err != nil {
				return err
			}
			_, _ = okColor.Fprintf(console, "[+] removed %s\n", name)
			return nil
		})
	},
}

var gamesRenameCmd = &cobra.Command{
	Use:   "rename <name> <new-name>",
	Short: "Rename a game, optionally pointing it at a new save directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, newName := args[0], args[1]
		dir := newSaveDir
		if dir != "" {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("failed to resolve save directory: %w", err)
			}
			dir = abs
		}

		return updateConfig(func(cfg *config.Config, _ *slog.Logger) error {
			return cfg.EditGame(name, newName, dir)
		}, func(cfg *config.Config, logger *slog.Logger) error {
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			if err := store.Rename(name, newName); err != nil {
				return err
			}
			if dir != "" {
				// a different folder is a different save; back it up fresh
				if err := store.Forget(newName); err != nil {
					return err
				}
			}
			_, _ = okColor.Fprintf(console, "[+] renamed %s to %s\n", name, newName)
			return nil
		})
	},
}

func init() {
	gamesRenameCmd.Flags().StringVar(&newSaveDir, "save-dir", "", "new save directory")

	webhookCmd.AddCommand(webhookSetCmd)
	webhookCmd.AddCommand(webhookShowCmd)

	gamesCmd.AddCommand(gamesListCmd)
	gamesCmd.AddCommand(gamesAddCmd)
	gamesCmd.AddCommand(gamesRemoveCmd)
	gamesCmd.AddCommand(gamesRenameCmd)
}

// updateConfig loads the config, applies mutate, then validates and saves
// it. saved runs only once the new config is on disk.
func updateConfig(mutate, saved func(*config.Config, *slog.Logger) error) error {
	logger := setupLogger()

	cfg, path, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := mutate(cfg, logger); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	logger.Debug("configuration saved", "path", path)

	return saved(cfg, logger)
}
