package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"groupbot/internal/browser"
	"groupbot/internal/config"
	"groupbot/internal/ledger"

	"github.com/spf13/cobra"
)

type checkStatus int

const (
	statusPass checkStatus = iota
	statusWarn
	statusFail
)

func (s checkStatus) String() string {
	switch s {
	case statusPass:
		return "PASS"
	case statusWarn:
		return "WARN"
	default:
		return "FAIL"
	}
}

// checkResult is one line of the doctor report.
type checkResult struct {
	name   string
	status checkStatus
	detail string
}

// report collects check results and prints them as they arrive.
type report struct {
	w       io.Writer
	results []checkResult
}

func (r *report) add(name string, status checkStatus, detail string) {
	r.results = append(r.results, checkResult{name: name, status: status, detail: detail})
	fmt.Fprintf(r.w, "  [%s] %-20s %s\n", status, name, detail)
}

// check records a pass with okDetail when err is nil, otherwise onErr.
func (r *report) check(name string, err error, okDetail string, onErr checkStatus) {
	if err != nil {
		r.add(name, onErr, err.Error())
		return
	}
	r.add(name, statusPass, okDetail)
}

func (r *report) count(s checkStatus) int {
	n := 0
	for _, res := range r.results {
		if res.status == s {
			n++
		}
	}
	return n
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the groupbot installation",
		Long: `Checks the config file, media directory, archive ledger, providers,
channels and listening ports, and prints one line per check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("groupbot doctor v%s\n\n", version)

			r := &report{w: os.Stdout}
			runDoctor(r, resolveConfigPath())

			failed, warned := r.count(statusFail), r.count(statusWarn)
			fmt.Printf("\n%d passed, %d warnings, %d failed\n", r.count(statusPass), warned, failed)
			switch {
			case failed > 0:
				return fmt.Errorf("%d check(s) failed", failed)
			case warned > 0:
				fmt.Println("groupbot can run, but check the warnings above.")
			default:
				fmt.Println("groupbot is ready to run.")
			}
			return nil
		},
	}
}

func runDoctor(r *report, cfgPath string) {
	if _, err := os.Stat(cfgPath); err != nil {
		r.add("Config file", statusFail, "not found at "+cfgPath+"; run 'groupbot init'")
		return
	}
	r.add("Config file", statusPass, cfgPath)

	cfg, err := config.LoadUnvalidated(cfgPath)
	if err != nil {
		r.add("Config parse", statusFail, err.Error())
		return
	}
	r.check("Config validation", config.Validate(cfg), "valid", statusFail)
	r.check("Media directory", checkWritableDir(cfg.General.MediaDir), cfg.General.MediaDir, statusFail)

	if cfg.Archive.Enabled {
		r.check("Archive ledger", checkLedger(cfg.Archive.LedgerPath), cfg.Archive.LedgerPath, statusFail)
	}

	enabled := 0
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.APIKey == "" && p.APIBase == "" {
			r.add("Provider: "+name, statusWarn, "enabled without apiKey or apiBase")
		} else {
			r.add("Provider: "+name, statusPass, "configured")
		}
	}
	if enabled == 0 {
		r.add("Providers", statusWarn, "none enabled; every reply will be a fallback phrase")
	}
	if cfg.Classifier.Enabled && cfg.Classifier.APIKey == "" && cfg.Providers["huggingface"].APIKey == "" {
		r.add("Classifier", statusWarn, "enabled without a token; hosted models may reject requests")
	}

	if names := enabledChannels(cfg); names[0] == "none" {
		r.add("Channels", statusFail, "no channel enabled")
	} else {
		r.add("Channels", statusPass, fmt.Sprint(names))
	}

	if wa := cfg.Channels.WhatsAppWeb; wa.Enabled {
		session := browser.NewSession(browser.SessionConfig{ProfileDir: wa.ProfileDir, Logger: logger})
		switch {
		case !session.HasProfile():
			r.add("WhatsApp session", statusWarn, "no browser profile yet; run 'groupbot login'")
		case session.InUse():
			r.add("WhatsApp session", statusWarn, "profile locked by a running Chrome")
		default:
			r.add("WhatsApp session", statusPass, session.ProfileDir())
		}
	}
	if b := cfg.Channels.Bridge; b.Enabled {
		addr := net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
		r.check("Bridge port", checkAddr(addr), addr+" available", statusWarn)
	}
	if cfg.Metrics.Enabled {
		r.check("Metrics port", checkAddr(cfg.Metrics.Address), cfg.Metrics.Address+" available", statusWarn)
	}
}

func checkWritableDir(dir string) error {
	if dir == "" {
		return errors.New("not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkLedger(path string) error {
	l, err := ledger.Open(path, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.Ping(ctx)
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s may be in use: %w", addr, err)
	}
	return ln.Close()
}
