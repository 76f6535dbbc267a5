package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"groupbot/internal/config"
	"groupbot/internal/ledger"

	"github.com/spf13/cobra"
)

// Names used inside a backup archive, independent of the local file names.
const (
	bundleConfig = "config.json"
	bundleLedger = "archive.db"
)

// bundleFile is one file to pack under a fixed archive name.
type bundleFile struct {
	name string
	path string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the config file and archive ledger",
		Long: `Writes a .tar.gz holding the configuration file and a consistent
snapshot of the archive ledger. Safe to run while "groupbot run" is active.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			ledgerPath := resolveLedgerPath(cfgPath)

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "groupbot-backup-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			var files []bundleFile
			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, bundleFile{name: bundleConfig, path: cfgPath})
			}

			if _, err := os.Stat(ledgerPath); err == nil {
				tmp, err := os.MkdirTemp("", "groupbot-backup-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)

				snap := filepath.Join(tmp, bundleLedger)
				if err := snapshotLedger(cmd.Context(), ledgerPath, snap); err != nil {
					return err
				}
				files = append(files, bundleFile{name: bundleLedger, path: snap})
			}

			if len(files) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, ledger: %s)", cfgPath, ledgerPath)
			}
			if err := writeBundle(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				if info, err := os.Stat(f.path); err == nil {
					fmt.Printf("  - %s (%s)\n", f.name, humanSize(info.Size()))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.groupbot/backups/groupbot-backup-<timestamp>.tar.gz)")
	cmd.AddCommand(restoreCmd())
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the config file and archive ledger from a backup",
		Long:  `Stop "groupbot run" first; the ledger file is replaced in place.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			ledgerPath := resolveLedgerPath(cfgPath)
			targets := map[string]string{bundleConfig: cfgPath, bundleLedger: ledgerPath}

			if !force {
				for _, p := range targets {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists; restore aborted (use --force to overwrite)", p)
					}
				}
			}

			restored, err := readBundle(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(ledgerPath + suffix)
			}

			fmt.Printf("Restored from %s:\n", args[0])
			for _, p := range restored {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// resolveLedgerPath reads the ledger location from the config, falling back
// to the default when the config cannot be read.
func resolveLedgerPath(cfgPath string) string {
	if cfg, err := config.LoadUnvalidated(cfgPath); err == nil && cfg.Archive.LedgerPath != "" {
		return cfg.Archive.LedgerPath
	}
	return config.ExpandPath(config.Defaults().Archive.LedgerPath)
}

func snapshotLedger(ctx context.Context, ledgerPath, dest string) error {
	l, err := ledger.Open(ledgerPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()
	return l.Snapshot(ctx, dest)
}

func writeBundle(outputPath string, files []bundleFile) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		if err := appendFile(tw, f); err != nil {
			return fmt.Errorf("add %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func appendFile(tw *tar.Writer, f bundleFile) error {
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    f.name,
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, src)
	return err
}

// readBundle writes each archive entry named in targets to its mapped path.
// Unknown entries are skipped.
func readBundle(archivePath string, targets map[string]string) ([]string, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		target, ok := targets[filepath.Base(hdr.Name)]
		if !ok || hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := extractTo(tr, target); err != nil {
			return restored, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		restored = append(restored, target)
	}
}

func extractTo(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
	)
	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
