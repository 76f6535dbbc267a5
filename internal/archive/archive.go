// Package archive uploads received media to long-term storage.
//
// Archiving is best-effort: callers log failures and carry on. Uploads go
// through a Service, which skips content already recorded in the ledger and
// reports every attempt on the event bus.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"groupbot/internal/bus"
	"groupbot/internal/config"
	"groupbot/internal/domain"
	"groupbot/internal/ledger"
)

// New builds the backend named in cfg.Backend.
func New(ctx context.Context, cfg config.ArchiveConfig, prefix string, logger *slog.Logger) (domain.Archiver, error) {
	switch cfg.Backend {
	case "cloudinary", "":
		c := cfg.Cloudinary
		return NewCloudinary(CloudinaryConfig{
			CloudName:    c.CloudName,
			APIKey:       c.APIKey,
			APISecret:    c.APISecret,
			Folder:       c.Folder,
			ResourceType: c.ResourceType,
			Prefix:       prefix,
			Logger:       logger,
		})
	case "s3":
		s := cfg.S3
		return NewS3(ctx, S3Config{
			Bucket:          s.Bucket,
			Region:          s.Region,
			Prefix:          s.Prefix,
			Endpoint:        s.Endpoint,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
			UsePathStyle:    s.UsePathStyle,
			Logger:          logger,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

type ServiceConfig struct {
	Backend domain.Archiver
	Ledger  *ledger.Ledger // optional; nil disables dedupe
	Events  *bus.EventBus  // optional
	Logger  *slog.Logger
}

// Service wraps a backend with content-hash dedupe and event reporting.
type Service struct {
	backend domain.Archiver
	ledger  *ledger.Ledger
	events  *bus.EventBus
	logger  *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: cfg.Backend, ledger: cfg.Ledger, events: cfg.Events, logger: logger}
}

func (s *Service) Name() string { return s.backend.Name() }

// Upload archives the file at path unless identical content was uploaded to
// the same backend before, in which case the earlier URL is returned.
func (s *Service) Upload(ctx context.Context, path, mimeType string) (string, error) {
	var hash string
	var size int64
	if s.ledger != nil {
		data, err := os.ReadFile(path)
		if err != nil {
			s.emit("failed")
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		hash, size = ledger.Hash(data), int64(len(data))

		prev, err := s.ledger.Lookup(ctx, hash, s.backend.Name())
		if err != nil {
			s.logger.Warn("archive ledger lookup failed", "err", err)
		} else if prev != nil {
			s.logger.Info("media already archived", "backend", prev.Backend, "url", prev.URL)
			s.emit("duplicate")
			return prev.URL, nil
		}
	}

	url, err := s.backend.Upload(ctx, path, mimeType)
	if err != nil {
		s.emit("failed")
		return "", err
	}

	if s.ledger != nil {
		entry := ledger.Entry{Hash: hash, Backend: s.backend.Name(), URL: url, MimeType: mimeType, Size: size}
		if err := s.ledger.Record(ctx, entry); err != nil {
			s.logger.Warn("archive ledger record failed", "err", err)
		}
	}
	s.logger.Info("media archived", "backend", s.backend.Name(), "url", url)
	s.emit("uploaded")
	return url, nil
}

func (s *Service) emit(outcome string) {
	if s.events == nil {
		return
	}
	s.events.Emit(bus.Event{
		Type:    bus.EventArchived,
		Source:  "archive",
		Payload: map[string]any{"backend": s.backend.Name(), "outcome": outcome},
	})
}
