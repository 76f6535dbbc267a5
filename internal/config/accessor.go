package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Dot paths address the JSON form of the config, e.g. "general.targetGroup"
// or "providers.openai.apiKey".

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// GetByPath returns the value at a dot path.
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
		if node, ok = m[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return node, nil
}

// SetByPath parses raw according to the type of the value currently at path
// and stores it. Missing sections are created only where the config holds a
// map (providers); unknown keys elsewhere are rejected.
func SetByPath(cfg *Config, path, raw string) error {
	parts := strings.Split(path, ".")
	if path == "" || len(parts) < 2 {
		return fmt.Errorf("path must name a section and a key: %q", path)
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	section := tree
	for _, key := range parts[:len(parts)-1] {
		next, ok := section[key]
		if !ok || next == nil {
			child := make(map[string]any)
			section[key] = child
			section = child
			continue
		}
		if section, ok = next.(map[string]any); !ok {
			return fmt.Errorf("%s: %q is a value, not a section", path, key)
		}
	}

	leaf := parts[len(parts)-1]
	candidates, err := coerce(section[leaf], raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var lastErr error
	for _, v := range candidates {
		section[leaf] = v
		updated, err := fromTree(tree)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := GetByPath(updated, path); err != nil {
			return fmt.Errorf("unknown config key: %s", path)
		}
		*cfg = *updated
		return nil
	}
	return fmt.Errorf("%s: %w", path, lastErr)
}

func fromTree(tree map[string]any) (*Config, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// coerce converts raw to the JSON kind of current. A null current value
// (unset list or new key) yields every plausible encoding in preference order.
func coerce(current any, raw string) ([]any, error) {
	switch current.(type) {
	case string:
		return []any{raw}, nil
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return []any{b}, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return []any{f}, nil
	case []any:
		return []any{splitList(raw)}, nil
	case map[string]any:
		return nil, fmt.Errorf("cannot replace a whole section")
	}

	var out []any
	if b, err := strconv.ParseBool(raw); err == nil {
		out = append(out, b)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		out = append(out, n)
	}
	return append(out, raw, splitList(raw)), nil
}

func splitList(raw string) []any {
	items := []any{}
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
	}
	return items
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	for name, p := range out.Providers {
		p.APIKey = maskString(p.APIKey)
		out.Providers[name] = p
	}
	for _, s := range secrets(&out) {
		*s = maskString(*s)
	}
	return &out
}

func secrets(c *Config) []*string {
	return []*string{
		&c.Classifier.APIKey,
		&c.Channels.Telegram.Token,
		&c.Channels.Discord.Token,
		&c.Channels.Slack.BotToken,
		&c.Channels.Slack.AppToken,
		&c.Channels.Bridge.Token,
		&c.Archive.Cloudinary.APIKey,
		&c.Archive.Cloudinary.APISecret,
		&c.Archive.S3.AccessKeyID,
		&c.Archive.S3.SecretAccessKey,
	}
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dot path -> leaf value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", tree, out)
	return out
}

// SortedPaths returns the keys of ListPaths in lexical order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}
