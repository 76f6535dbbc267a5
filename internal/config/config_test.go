package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.General.TargetGroup = "EEE 355 Lab"
	return cfg
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_DefaultsNeedTargetGroup(t *testing.T) {
	err := Validate(Defaults())
	if err == nil {
		t.Fatal("expected error without general.targetGroup")
	}
	if !strings.Contains(err.Error(), "general.targetGroup") {
		t.Fatalf("error should name general.targetGroup: %v", err)
	}
}

func TestValidate_UnresolvedTargetGroup(t *testing.T) {
	cfg := validConfig()
	cfg.General.TargetGroup = "${GROUPBOT_TARGET_GROUP}"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unresolved placeholder")
	}
}

func TestValidate_MaxConcurrentEvents_Boundary(t *testing.T) {
	cfg := validConfig()

	cfg.General.MaxConcurrentEvents = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentEvents=0")
	}

	cfg.General.MaxConcurrentEvents = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentEvents=1 should be valid: %v", err)
	}

	cfg.General.MaxConcurrentEvents = 100
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentEvents=100 should be valid: %v", err)
	}

	cfg.General.MaxConcurrentEvents = 101
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentEvents=101")
	}
}

func TestValidate_LogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "INFO"} {
		cfg := validConfig()
		cfg.General.LogLevel = level
		if err := Validate(cfg); err != nil {
			t.Fatalf("logLevel %q should be valid: %v", level, err)
		}
	}

	cfg := validConfig()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

func TestValidate_GeneratorRetries(t *testing.T) {
	cfg := validConfig()
	cfg.Generator.MaxRetries = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative maxRetries")
	}
}

func TestValidate_UnknownProviderReferences(t *testing.T) {
	cfg := validConfig()
	cfg.Generator.DefaultProvider = "nope"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown default provider")
	}

	cfg = validConfig()
	cfg.Generator.FailoverChain = []string{"huggingface", "missing"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown failover provider")
	}
}

func TestValidate_Archive(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for cloudinary without credentials")
	}

	cfg.Archive.Cloudinary.CloudName = "demo"
	cfg.Archive.Cloudinary.APIKey = "key"
	cfg.Archive.Cloudinary.APISecret = "secret"
	if err := Validate(cfg); err != nil {
		t.Fatalf("cloudinary with credentials should be valid: %v", err)
	}

	cfg.Archive.Backend = "s3"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for s3 without bucket")
	}
	cfg.Archive.S3.Bucket = "media"
	if err := Validate(cfg); err != nil {
		t.Fatalf("s3 with bucket should be valid: %v", err)
	}

	cfg.Archive.Backend = "ftp"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestValidate_InvalidBridgePort(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Bridge.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.MaxConcurrentEvents = 0
	cfg.Generator.TimeoutSeconds = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"targetGroup", "maxConcurrentEvents", "timeoutSeconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := validConfig()
	original.General.FilePrefix = "lab"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.General.TargetGroup != "EEE 355 Lab" {
		t.Fatalf("expected target group to survive, got %q", loaded.General.TargetGroup)
	}
	if loaded.General.FilePrefix != "lab" {
		t.Fatalf("expected prefix 'lab', got %q", loaded.General.FilePrefix)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := validConfig()
	original.Archive.S3.UsePathStyle = true

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		t.Fatal("expected YAML output, got JSON")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.TargetGroup != original.General.TargetGroup {
		t.Fatalf("target group mismatch: %q", loaded.General.TargetGroup)
	}
	if !loaded.Archive.S3.UsePathStyle {
		t.Fatal("expected usePathStyle=true after YAML round trip")
	}
}

func TestLoad_YAMLKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := "general:\n  targetGroup: Study Group\n  maxConcurrentEvents: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.MaxConcurrentEvents != 2 {
		t.Fatalf("expected 2, got %d", cfg.General.MaxConcurrentEvents)
	}
	if cfg.Generator.DefaultProvider != "huggingface" {
		t.Fatalf("default provider should come from defaults, got %q", cfg.Generator.DefaultProvider)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"general": {"targetGroup": "g", "maxConcurrentEvents": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxConcurrentEvents=0")
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	os.Unsetenv("GROUPBOT_TEST_GROUP")
	t.Cleanup(func() { os.Unsetenv("GROUPBOT_TEST_GROUP") })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GROUPBOT_TEST_GROUP=Class of 355\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"general": {"targetGroup": "${GROUPBOT_TEST_GROUP}"}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.TargetGroup != "Class of 355" {
		t.Fatalf("expected target group from .env, got %q", cfg.General.TargetGroup)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	t.Setenv("GROUPBOT_TEST_KEEP", "from-process")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GROUPBOT_TEST_KEEP=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadDotEnv(dir); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("GROUPBOT_TEST_KEEP"); got != "from-process" {
		t.Fatalf("process env should win, got %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	if err := LoadDotEnv(t.TempDir()); err != nil {
		t.Fatalf("missing .env should not fail: %v", err)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := validConfig()

	val, err := GetByPath(cfg, "general.targetGroup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "EEE 355 Lab" {
		t.Fatalf("expected 'EEE 355 Lab', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.targetGroup", "Robotics Club"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.TargetGroup != "Robotics Club" {
		t.Fatalf("expected 'Robotics Club', got %q", cfg.General.TargetGroup)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "archive.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Archive.Enabled {
		t.Fatal("expected archive.enabled=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.maxConcurrentEvents", "8"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.General.MaxConcurrentEvents != 8 {
		t.Fatalf("expected 8, got %d", cfg.General.MaxConcurrentEvents)
	}
}

func TestSetByPath_NumericStringStaysString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.targetGroup", "355"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.TargetGroup != "355" {
		t.Fatalf("expected \"355\", got %q", cfg.General.TargetGroup)
	}
}

func TestSetByPath_EmptyString(t *testing.T) {
	cfg := Defaults()
	cfg.General.TargetSender = "alice"
	if err := SetByPath(cfg, "general.targetSender", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.TargetSender != "" {
		t.Fatalf("expected empty sender, got %q", cfg.General.TargetSender)
	}
}

func TestSetByPath_BadBool(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "archive.enabled", "maybe"); err == nil {
		t.Fatal("expected error for non-boolean value")
	}
	if cfg.Archive.Enabled {
		t.Fatal("config must be unchanged after a failed set")
	}
}

func TestSetByPath_UnknownKey(t *testing.T) {
	cfg := Defaults()
	for _, path := range []string{"general.nope", "nosuch.section", "providers.openai.bogus", "general"} {
		if err := SetByPath(cfg, path, "x"); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

func TestSetByPath_List(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "generator.failoverChain", "openai, ollama"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	got := cfg.Generator.FailoverChain
	if len(got) != 2 || got[0] != "openai" || got[1] != "ollama" {
		t.Fatalf("failoverChain = %v", got)
	}
}

func TestSetByPath_NewProvider(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "providers.local.apiBase", "http://127.0.0.1:11434"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Providers["local"].APIBase != "http://127.0.0.1:11434" {
		t.Fatalf("providers.local = %+v", cfg.Providers["local"])
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Archive.Cloudinary.APISecret = "cloudinary-secret-123456"
	cfg.Providers["openai"] = ProviderConfig{
		Enabled: true,
		APIKey:  "sk-1234567890abcdefghijklmnop",
	}

	sanitized := Sanitize(cfg)

	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Archive.Cloudinary.APISecret == cfg.Archive.Cloudinary.APISecret {
		t.Fatal("cloudinary secret should be masked")
	}
	if sanitized.Providers["openai"].APIKey == cfg.Providers["openai"].APIKey {
		t.Fatal("API key should be masked")
	}
	if cfg.Channels.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Slack.BotToken = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Channels.Slack.BotToken != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Channels.Slack.BotToken)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.targetGroup", "general.targetSender", "general.logLevel", "archive.enabled", "classifier.labelModel"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "hf_abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "hf_abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}
