package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"groupbot/internal/config"

	"github.com/spf13/cobra"
)

// userService describes how the host's service manager runs groupbot.
type userService struct {
	path  string
	tmpl  *template.Template
	hints []string
}

// serviceVars fills the unit templates.
type serviceVars struct {
	Label   string
	Exec    string
	Config  string
	Stdout  string
	Stderr  string
	Comment string
}

var (
	launchdUnit = template.Must(template.New("launchd").Parse(launchdTemplate))
	systemdUnit = template.Must(template.New("systemd").Parse(systemdTemplate))
)

func serviceFor(goos, home string) (*userService, error) {
	switch goos {
	case "darwin":
		path := filepath.Join(home, "Library", "LaunchAgents", "com.groupbot.run.plist")
		return &userService{
			path: path,
			tmpl: launchdUnit,
			hints: []string{
				"launchctl load " + path,
				"launchctl unload " + path,
			},
		}, nil
	case "linux":
		return &userService{
			path: filepath.Join(home, ".config", "systemd", "user", "groupbot.service"),
			tmpl: systemdUnit,
			hints: []string{
				"systemctl --user daemon-reload",
				"systemctl --user enable --now groupbot",
				"journalctl --user -u groupbot -f",
			},
		}, nil
	}
	return nil, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
}

func hostService() (*userService, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return serviceFor(runtime.GOOS, home)
}

func (s *userService) render(execPath, cfgPath string) (string, error) {
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	var b strings.Builder
	err := s.tmpl.Execute(&b, serviceVars{
		Label:   "com.groupbot.run",
		Exec:    execPath,
		Config:  cfgPath,
		Stdout:  filepath.Join(logDir, "groupbot.log"),
		Stderr:  filepath.Join(logDir, "groupbot-error.log"),
		Comment: "groupbot chat group auto-responder",
	})
	return b.String(), err
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install groupbot as a user service (launchd/systemd)",
		Long:  "Writes a user service that starts 'groupbot run' at login and restarts it when it exits with an error.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := hostService()
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}

			unit, err := svc.render(execPath, cfgPath)
			if err != nil {
				return fmt.Errorf("render service: %w", err)
			}
			for _, dir := range []string{filepath.Dir(svc.path), filepath.Join(config.DefaultConfigDir(), "logs")} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(svc.path, []byte(unit), 0o644); err != nil {
				return fmt.Errorf("write service: %w", err)
			}

			fmt.Printf("Service installed: %s\n", svc.path)
			for _, h := range svc.hints {
				fmt.Printf("  %s\n", h)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the groupbot user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := hostService()
			if err != nil {
				return err
			}
			if err := os.Remove(svc.path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", svc.path)
			return nil
		},
	}
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.Stdout}}</string>
    <key>StandardErrorPath</key>
    <string>{{.Stderr}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description={{.Comment}}
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} run --config {{.Config}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`
