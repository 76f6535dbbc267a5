package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"groupbot/internal/ledger"
	"groupbot/internal/phrase"
	"groupbot/internal/reply"

	"github.com/spf13/cobra"
)

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [image]",
		Short: "Analyze a local image and print its context phrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			mimeType := detectMime(args[0], data)

			if strings.EqualFold(mimeType, "image/webp") {
				fmt.Printf("mime:    %s\nphrase:  %s (analysis skipped)\n", mimeType, phrase.Sticker)
				return nil
			}
			if !cfg.Classifier.Enabled {
				return fmt.Errorf("classifier is disabled (classifier.enabled)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			result := newClassifier(cfg).Analyze(ctx, data, mimeType)
			fmt.Printf("mime:    %s\n", mimeType)
			if result == nil {
				fmt.Println("result:  none")
			} else {
				out, _ := json.MarshalIndent(result, "", "  ")
				fmt.Printf("result:  %s\n", out)
			}
			fmt.Printf("phrase:  %s\n", phrase.FromAnalysis(result))
			return nil
		},
	}
}

func replyCmd() *cobra.Command {
	var text bool
	cmd := &cobra.Command{
		Use:   "reply [context phrase]",
		Short: "Generate one reply for a context phrase",
		Long: `Runs the reply generator once. With --text the argument is treated as a
message body and wrapped the same way incoming text messages are.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			p := strings.Join(args, " ")
			if text {
				p = phrase.FromText(p)
			}
			res := newGenerator(ctx, cfg, nil).Reply(ctx, p)

			fmt.Printf("prompt:  %s\n", reply.Prompt(p))
			fmt.Printf("reply:   %s\n", res.Text)
			fmt.Printf("source:  %s\n", res.Source)
			if res.Err != nil {
				fmt.Printf("reason:  %v\n", res.Err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "treat the argument as a text message body")
	return cmd
}

func archivedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "archived",
		Short: "List recently archived media from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			l, err := ledger.Open(cfg.Archive.LedgerPath, logger)
			if err != nil {
				return err
			}
			defer l.Close()

			entries, err := l.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("nothing archived yet")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %-10s %-10s %8s  %s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Backend, e.MimeType, humanSize(e.Size), e.URL)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

// detectMime prefers the file extension and falls back to content sniffing.
func detectMime(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
