package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// LoadEnvFiles loads .env.local then .env into the process environment
// before config expansion. Missing files are fine.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Loader reads a config file and watches it for changes.
type Loader struct {
	path     string
	onChange func(*Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets the callback invoked with each successful reload.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

// NewLoader creates a loader for the given file path.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	l := &Loader{path: abs}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// OnChange replaces the reload callback. Call before Watch.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Load reads, expands, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse runs the load pipeline over raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := expandEnvVars(raw)

	cfg := &Config{}
	if err := decodeConfig(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Watch reloads on file changes until ctx is cancelled, invoking the
// onChange callback for each successful reload. Failed reloads keep
// the previous configuration.
func (l *Loader) Watch(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("loader is closed")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	l.watcher = watcher
	l.mu.Unlock()
	defer watcher.Close()

	// Watch the directory; editors replace files rather than write
	// them in place.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(l.path), err)
	}

	slog.Info("watching config file", "path", l.path)
	configFile := filepath.Base(l.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				cfg, err := l.Load()
				if err != nil {
					slog.Error("failed to reload config", "error", err)
					return
				}
				slog.Info("configuration reloaded")
				if l.onChange != nil {
					l.onChange(cfg)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}

func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// expandEnvVars recursively expands ${VAR}, ${VAR:-default} and $VAR in
// string values.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}
