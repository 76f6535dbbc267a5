package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"groupbot/internal/config"
	"groupbot/internal/ledger"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	cfgPath := filepath.Join(src, "settings.json")
	ledgerPath := filepath.Join(src, "uploads.db")
	os.WriteFile(cfgPath, []byte(`{"general":{"targetGroup":"EEE 355"}}`), 0o644)

	l, err := ledger.Open(ledgerPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(context.Background(), ledger.Entry{Hash: "abc", Backend: "s3", URL: "s3://b/k"})
	l.Close()

	snap := filepath.Join(t.TempDir(), bundleLedger)
	if err := snapshotLedger(context.Background(), ledgerPath, snap); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	files := []bundleFile{{name: bundleConfig, path: cfgPath}, {name: bundleLedger, path: snap}}
	if err := writeBundle(archivePath, files); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	targets := map[string]string{
		bundleConfig: filepath.Join(dst, "conf", "config.json"),
		bundleLedger: filepath.Join(dst, "ledger.db"),
	}
	restored, err := readBundle(archivePath, targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 2 {
		t.Fatalf("expected 2 restored files, got %v", restored)
	}
	data, err := os.ReadFile(targets[bundleConfig])
	if err != nil || !strings.Contains(string(data), "EEE 355") {
		t.Errorf("config = %q, %v", data, err)
	}

	back, err := ledger.Open(targets[bundleLedger], logger)
	if err != nil {
		t.Fatal(err)
	}
	defer back.Close()
	if n, _ := back.Count(context.Background()); n != 1 {
		t.Errorf("restored ledger holds %d entries, want 1", n)
	}
}

func TestDetectMime(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	tests := []struct {
		path string
		data []byte
		want string
	}{
		{"cat.webp", nil, "image/webp"},
		{"cat.JPG", nil, "image/jpeg"},
		{"noext", png, "image/png"},
	}
	for _, tt := range tests {
		if got := detectMime(tt.path, tt.data); got != tt.want {
			t.Errorf("detectMime(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestServiceFor(t *testing.T) {
	svc, err := serviceFor("linux", "/home/u")
	if err != nil {
		t.Fatal(err)
	}
	if svc.path != "/home/u/.config/systemd/user/groupbot.service" {
		t.Errorf("path = %s", svc.path)
	}
	unit, err := svc.render("/usr/local/bin/groupbot", "/etc/groupbot.json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/groupbot run --config /etc/groupbot.json") {
		t.Errorf("unexpected unit:\n%s", unit)
	}

	svc, err = serviceFor("darwin", "/Users/u")
	if err != nil {
		t.Fatal(err)
	}
	plist, _ := svc.render("/opt/groupbot", "/tmp/c.json")
	if !strings.Contains(plist, "<string>/tmp/c.json</string>") || !strings.Contains(plist, "com.groupbot.run") {
		t.Errorf("unexpected plist:\n%s", plist)
	}

	if _, err := serviceFor("windows", "C:/"); err == nil {
		t.Error("expected unsupported OS error")
	}
}

func TestNewChannels(t *testing.T) {
	cfg := config.Defaults()
	if got := enabledChannels(cfg); len(got) != 1 || got[0] != "none" {
		t.Errorf("expected none, got %v", got)
	}

	cfg.Channels.Telegram.Enabled = true // no token: skipped
	cfg.Channels.Bridge.Enabled = true
	cfg.Channels.Slack.Enabled = true
	cfg.Channels.Slack.BotToken = "xoxb"
	cfg.Channels.Slack.AppToken = "xapp"
	cfg.Channels.WhatsAppWeb.Enabled = true
	cfg.Channels.WhatsAppWeb.ProfileDir = filepath.Join(t.TempDir(), "profile")

	got := enabledChannels(cfg)
	if strings.Join(got, ",") != "slack,whatsapp,bridge" {
		t.Errorf("enabledChannels = %v", got)
	}
	if _, err := os.Stat(cfg.Channels.WhatsAppWeb.ProfileDir); !os.IsNotExist(err) {
		t.Error("listing channels must not touch the browser profile")
	}

	var built []string
	for _, ch := range newChannels(cfg) {
		built = append(built, ch.Name())
	}
	if strings.Join(built, ",") != strings.Join(got, ",") {
		t.Errorf("built %v, configured %v", built, got)
	}
}

func TestRunDoctor(t *testing.T) {
	var out strings.Builder
	r := &report{w: &out}
	runDoctor(r, filepath.Join(t.TempDir(), "missing.json"))
	if r.count(statusFail) != 1 || !strings.Contains(out.String(), "groupbot init") {
		t.Fatalf("missing config should fail once, got:\n%s", out.String())
	}

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.General.TargetGroup = "EEE 355"
	cfg.General.MediaDir = filepath.Join(dir, "media")
	cfg.Archive.Enabled = false
	cfg.Metrics.Enabled = false
	cfgPath := filepath.Join(dir, "config.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	r = &report{w: &out}
	runDoctor(r, cfgPath)
	if r.count(statusPass) < 3 {
		t.Errorf("expected config, validation and media checks to pass:\n%s", out.String())
	}
	// Defaults enable no channel.
	if r.count(statusFail) != 1 || !strings.Contains(out.String(), "no channel enabled") {
		t.Errorf("unexpected failures:\n%s", out.String())
	}
}
