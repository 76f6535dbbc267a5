package archive

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultCloudinaryBase = "https://api.cloudinary.com/v1_1"

type CloudinaryConfig struct {
	CloudName    string
	APIKey       string
	APISecret    string
	Folder       string // e.g. "EEE355"
	ResourceType string // "raw" keeps the original bytes untouched
	Prefix       string // public_id prefix
	APIBase      string // override for tests
	Client       *http.Client
	Logger       *slog.Logger
}

// Cloudinary uploads files with the signed upload API.
type Cloudinary struct {
	cfg    CloudinaryConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewCloudinary(cfg CloudinaryConfig) (*Cloudinary, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("cloudinary: cloud name, api key and api secret are required")
	}
	if cfg.ResourceType == "" {
		cfg.ResourceType = "raw"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultCloudinaryBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloudinary{cfg: cfg, client: client, logger: logger, now: time.Now}, nil
}

func (c *Cloudinary) Name() string { return "cloudinary" }

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
	Bytes     int64  `json:"bytes"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Upload sends the file at path and returns its https URL. The public id is
// the configured prefix followed by the current unix time in milliseconds.
func (c *Cloudinary) Upload(ctx context.Context, path, mimeType string) (string, error) {
	now := c.now()
	params := map[string]string{
		"timestamp": strconv.FormatInt(now.Unix(), 10),
		"public_id": c.publicID(now),
		"overwrite": "true",
	}
	if c.cfg.Folder != "" {
		params["folder"] = c.cfg.Folder
	}
	params["signature"] = sign(params, c.cfg.APISecret)
	params["api_key"] = c.cfg.APIKey

	body, contentType, err := multipartBody(path, params)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s/%s/upload", c.cfg.APIBase, c.cfg.CloudName, c.cfg.ResourceType)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloudinary upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("cloudinary read response: %w", err)
	}

	var out cloudinaryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("cloudinary HTTP %d: invalid response", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("cloudinary HTTP %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("cloudinary HTTP %d", resp.StatusCode)
	}
	if out.SecureURL == "" {
		return "", errors.New("cloudinary: response has no secure_url")
	}

	c.logger.Debug("cloudinary upload", "public_id", out.PublicID, "bytes", out.Bytes, "mime_type", mimeType)
	return out.SecureURL, nil
}

func (c *Cloudinary) publicID(now time.Time) string {
	prefix := c.cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix + strconv.FormatInt(now.UnixMilli(), 10)
}

// sign computes the upload signature: sha1 over the sorted "k=v" pairs
// joined by "&", followed by the api secret.
func sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func multipartBody(path string, params map[string]string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
