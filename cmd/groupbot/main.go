package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"groupbot/internal/browser"
	"groupbot/internal/channel"
	"groupbot/internal/config"
	"groupbot/internal/ledger"
	"groupbot/internal/provider"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "groupbot",
		Short: "groupbot: automatic replies for one chat group",
		Long: `groupbot watches a single chat group, describes incoming images with
hosted vision models, and answers every image or text message with a short
generated reply. Received media can be archived to Cloudinary or S3.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.groupbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(replyCmd())
	root.AddCommand(archivedCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and switches the global logger to the
// configured level and log file. The returned closer releases the log file.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, func() {}, fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return nil, func() {}, err
	}
	return cfg, closeLog, nil
}

func setupLogger(g config.GeneralConfig) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closeFn, nil
}

func initCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			cfg.General.TargetGroup = group
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(config.ExpandPath(cfg.General.MediaDir), 0o700); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			if group == "" {
				fmt.Println("Set the group to watch with: groupbot config set general.targetGroup \"<group name>\"")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "exact display name of the group to watch")
	return cmd
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Link WhatsApp Web by scanning the QR code",
		Long: `Opens a visible Chrome window on web.whatsapp.com. Scan the QR code with
your phone; the session is stored in channels.whatsappWeb.profileDir and
reused by "groupbot run".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			profileDir := browser.DefaultProfileDir()
			if cfg, err := config.Load(resolveConfigPath()); err == nil {
				profileDir = cfg.Channels.WhatsAppWeb.ProfileDir
			} else {
				logger.Warn("config not loaded, using default profile", "err", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wa := channel.NewWhatsAppWeb(channel.WhatsAppWebConfig{
				Browser: browser.NewSession(browser.SessionConfig{ProfileDir: profileDir, Logger: logger}),
				Logger:  logger,
			})
			return wa.Login(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			fmt.Printf("groupbot v%s\n", version)
			fmt.Printf("  config:       %s\n", resolveConfigPath())
			fmt.Printf("  target group: %q\n", cfg.General.TargetGroup)
			if cfg.General.TargetSender != "" {
				fmt.Printf("  sender:       %q\n", cfg.General.TargetSender)
			}
			fmt.Printf("  channels:     %s\n", strings.Join(enabledChannels(cfg), ", "))

			prov, err := provider.NewFactory(cfg, logger).Generator(ctx)
			switch {
			case err != nil:
				fmt.Printf("  generator:    unavailable (%v); replies use fallback phrases\n", err)
			case prov.Healthy(ctx) != nil:
				fmt.Printf("  generator:    %s unhealthy\n", prov.Name())
			default:
				fmt.Printf("  generator:    %s healthy\n", prov.Name())
			}

			if cfg.Classifier.Enabled {
				if err := newClassifier(cfg).Healthy(ctx); err != nil {
					fmt.Printf("  classifier:   unhealthy (%v)\n", err)
				} else {
					fmt.Printf("  classifier:   healthy\n")
				}
			} else {
				fmt.Printf("  classifier:   disabled\n")
			}

			if cfg.Archive.Enabled {
				l, err := ledger.Open(cfg.Archive.LedgerPath, logger)
				if err != nil {
					fmt.Printf("  archive:      %s, ledger unavailable (%v)\n", cfg.Archive.Backend, err)
				} else {
					n, _ := l.Count(ctx)
					l.Close()
					fmt.Printf("  archive:      %s, %d file(s) archived\n", cfg.Archive.Backend, n)
				}
			} else {
				fmt.Printf("  archive:      disabled\n")
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.targetGroup)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfigLoose(resolveConfigPath())
			if err != nil {
				return err
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.targetGroup \"EEE 355\")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := readConfigLoose(cfgPath)
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfigLoose(resolveConfigPath())
			if err != nil {
				return err
			}
			masked := config.Sanitize(cfg)
			if asJSON {
				data, _ := json.MarshalIndent(masked, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			paths := config.ListPaths(masked)
			for _, p := range config.SortedPaths(paths) {
				v, _ := json.Marshal(paths[p])
				fmt.Printf("%s = %s\n", p, v)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print the whole config as JSON")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// readConfigLoose loads the config without failing on validation errors, so
// that `config set` can repair an invalid file (e.g. a missing target group).
func readConfigLoose(path string) (*config.Config, error) {
	cfg, err := config.LoadUnvalidated(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		logger.Warn("config is invalid", "err", err)
	}
	return cfg, nil
}
