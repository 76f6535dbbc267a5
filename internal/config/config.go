package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for groupbot.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Classifier ClassifierConfig          `json:"classifier"`
	Generator  GeneratorConfig           `json:"generator"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Channels   ChannelsConfig            `json:"channels"`
	Archive    ArchiveConfig             `json:"archive"`
	Metrics    MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	TargetGroup         string `json:"targetGroup"`            // exact group display name to watch
	TargetSender        string `json:"targetSender"` // empty = accept every sender
	MediaDir            string `json:"mediaDir"`
	FilePrefix          string `json:"filePrefix"`
	LogLevel            string `json:"logLevel"`
	LogFile             string `json:"logFile"`
	MaxConcurrentEvents int    `json:"maxConcurrentEvents"`
}

// ClassifierConfig configures the hosted vision models. Both models are
// queried for every supported image.
type ClassifierConfig struct {
	Enabled        bool   `json:"enabled"`
	APIBase        string `json:"apiBase"`
	APIKey         string `json:"apiKey"`
	LabelModel     string `json:"labelModel"`
	DetectModel    string `json:"detectModel"`
	MaxEdge        int    `json:"maxEdge"` // longest side in pixels before upload; 0 = no downscale
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type GeneratorConfig struct {
	DefaultProvider string   `json:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain"`
	MaxRetries      int      `json:"maxRetries"` // HTTP retries per provider call; 0 = single attempt
	TimeoutSeconds  int      `json:"timeoutSeconds"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase"`
	APIKey       string `json:"apiKey"`
	DefaultModel string `json:"defaultModel"`
}

type ChannelsConfig struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Discord     DiscordConfig     `json:"discord"`
	Slack       SlackConfig       `json:"slack"`
	WhatsAppWeb WhatsAppWebConfig `json:"whatsappWeb"`
	Bridge      BridgeConfig      `json:"bridge"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId"` // optional: restrict to one guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

// WhatsAppWebConfig drives a Chrome session on web.whatsapp.com. The profile
// directory keeps the login from `groupbot login` between runs.
type WhatsAppWebConfig struct {
	Enabled             bool   `json:"enabled"`
	ProfileDir          string `json:"profileDir"`
	Headless            bool   `json:"headless"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
}

// BridgeConfig exposes a WebSocket endpoint for external transport sidecars.
type BridgeConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Token   string `json:"token"` // shared secret, checked against the "token" query parameter
}

type ArchiveConfig struct {
	Enabled    bool             `json:"enabled"`
	Backend    string           `json:"backend"` // "cloudinary" | "s3"
	LedgerPath string           `json:"ledgerPath"`
	Cloudinary CloudinaryConfig `json:"cloudinary"`
	S3         S3Config         `json:"s3"`
}

type CloudinaryConfig struct {
	CloudName    string `json:"cloudName"`
	APIKey       string `json:"apiKey"`
	APISecret    string `json:"apiSecret"`
	Folder       string `json:"folder"`
	ResourceType string `json:"resourceType"` // image | raw | auto
}

type S3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Prefix          string `json:"prefix"`
	Endpoint        string `json:"endpoint"` // S3-compatible stores (MinIO, R2)
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.groupbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".groupbot"
	}
	return filepath.Join(home, ".groupbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// isYAML reports whether the path selects the YAML encoding.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML config file on top of Defaults. A .env file in the
// working directory or next to the config file is loaded first so that
// ${VAR} references can resolve against it.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadUnvalidated reads and decodes path like Load but skips Validate.
func LoadUnvalidated(path string) (*Config, error) {
	path = ExpandPath(path)

	if err := LoadDotEnv(".", filepath.Dir(path)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = unmarshalYAML(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.MediaDir = ExpandPath(cfg.General.MediaDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Archive.LedgerPath = ExpandPath(cfg.Archive.LedgerPath)
	cfg.Channels.WhatsAppWeb.ProfileDir = ExpandPath(cfg.Channels.WhatsAppWeb.ProfileDir)

	return cfg, nil
}

// unmarshalYAML decodes YAML through the JSON tags so both encodings share
// one set of field names.
func unmarshalYAML(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(j, cfg)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes the config, choosing YAML or JSON by the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	if isYAML(path) {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(raw); err != nil {
			return fmt.Errorf("cannot marshal config as yaml: %w", err)
		}
	}

	// Credentials live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch {
	case strings.TrimSpace(cfg.General.TargetGroup) == "":
		errs = append(errs, "general.targetGroup is required")
	case envVarPattern.MatchString(cfg.General.TargetGroup):
		errs = append(errs, "general.targetGroup references an unset environment variable")
	}
	if cfg.General.MaxConcurrentEvents < 1 || cfg.General.MaxConcurrentEvents > 100 {
		errs = append(errs, "general.maxConcurrentEvents must be between 1 and 100")
	}
	if cfg.General.MediaDir == "" {
		errs = append(errs, "general.mediaDir is required")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Classifier.Enabled {
		if cfg.Classifier.LabelModel == "" || cfg.Classifier.DetectModel == "" {
			errs = append(errs, "classifier.labelModel and classifier.detectModel are required when enabled")
		}
		if cfg.Classifier.TimeoutSeconds < 1 {
			errs = append(errs, "classifier.timeoutSeconds must be >= 1")
		}
	}
	if cfg.Classifier.MaxEdge < 0 {
		errs = append(errs, "classifier.maxEdge must be >= 0")
	}

	if cfg.Generator.MaxRetries < 0 || cfg.Generator.MaxRetries > 5 {
		errs = append(errs, "generator.maxRetries must be between 0 and 5")
	}
	if cfg.Generator.TimeoutSeconds < 1 {
		errs = append(errs, "generator.timeoutSeconds must be >= 1")
	}
	if cfg.Generator.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.Generator.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("generator.defaultProvider references unknown provider: %s", cfg.Generator.DefaultProvider))
		}
	}
	for _, provName := range cfg.Generator.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("generator.failoverChain references unknown provider: %s", provName))
		}
	}

	if cfg.Channels.Bridge.Port < 0 || cfg.Channels.Bridge.Port > 65535 {
		errs = append(errs, "channels.bridge.port must be between 0 and 65535")
	}
	if cfg.Channels.WhatsAppWeb.Enabled && cfg.Channels.WhatsAppWeb.PollIntervalSeconds < 1 {
		errs = append(errs, "channels.whatsappWeb.pollIntervalSeconds must be >= 1")
	}

	if cfg.Archive.Enabled {
		switch cfg.Archive.Backend {
		case "cloudinary":
			c := cfg.Archive.Cloudinary
			if c.CloudName == "" || c.APIKey == "" || c.APISecret == "" {
				errs = append(errs, "archive.cloudinary: cloudName, apiKey and apiSecret are required")
			}
		case "s3":
			if cfg.Archive.S3.Bucket == "" {
				errs = append(errs, "archive.s3.bucket is required")
			}
		default:
			errs = append(errs, "archive.backend must be one of: cloudinary, s3")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
