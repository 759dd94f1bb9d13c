package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/prismcli/prism/pkg/models"
)

// Config holds all prism configuration.
type Config struct {
	DBPath    string                `yaml:"db_path" validate:"required"`
	SaveDir   string                `yaml:"save_dir" validate:"required"`
	Keystore  string                `yaml:"keystore"`
	Log       LogConfig             `yaml:"log"`
	Providers []ProviderConfig      `yaml:"providers" validate:"dive"`
	Router    RouterConfig          `yaml:"router"`
	Defaults  DefaultsConfig        `yaml:"defaults"`
	Dispatch  DispatchConfig        `yaml:"dispatch"`
	Cache     CacheConfig           `yaml:"cache"`
	Budget    BudgetConfig          `yaml:"budget"`
	Audit     models.AuditConfig    `yaml:"audit"`
	Pricing   []models.ModelPricing `yaml:"pricing" validate:"dive"`
	Vision    VisionConfig          `yaml:"vision"`
	Enhance   EnhanceConfig         `yaml:"enhance"`
	Plugins   PluginsConfig         `yaml:"plugins"`
	Serve     ServeConfig           `yaml:"serve"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// RouterConfig maps model aliases to provider targets.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes" validate:"dive"`
}

// RouteConfig maps a user-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model" validate:"required"`
	Targets []RouteTarget `yaml:"targets" validate:"min=1,dive"`
}

// RouteTarget identifies a provider and model.
type RouteTarget struct {
	Provider string `yaml:"provider" validate:"required"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an image API endpoint. An empty APIKey falls back
// to OPENAI_API_KEY and then to the encrypted keystore.
type ProviderConfig struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"omitempty,url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type" validate:"omitempty,oneof=openai"`
}

// DefaultsConfig fills in request fields the user did not set.
type DefaultsConfig struct {
	Model   string `yaml:"model" validate:"oneof=dall-e-2 dall-e-3"`
	Size    string `yaml:"size" validate:"required"`
	Quality string `yaml:"quality" validate:"oneof=standard hd high"`
	Style   string `yaml:"style" validate:"omitempty,oneof=vivid natural"`
	Count   int    `yaml:"count" validate:"min=1,max=10"`
}

// DispatchConfig controls batch concurrency and retries. A server
// Retry-After longer than MaxRetryAfter fails the request instead of waiting.
type DispatchConfig struct {
	Concurrency       int           `yaml:"concurrency" validate:"min=1,max=32"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"min=1,max=10"`
	BaseDelay         time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay          time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	MaxRetryAfter     time.Duration `yaml:"max_retry_after" validate:"gte=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
}

// CacheConfig controls the response cache. An empty DBPath shares the main database.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// BudgetConfig controls spend caps.
type BudgetConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Policies []models.BudgetPolicy `yaml:"policies" validate:"dive"`
}

// VisionConfig configures image analysis.
type VisionConfig struct {
	Model  string `yaml:"model" validate:"required"`
	Prompt string `yaml:"prompt"`
}

// EnhanceConfig configures prompt rewriting.
type EnhanceConfig struct {
	Model string `yaml:"model" validate:"required"`
	Style string `yaml:"style"`
}

// PluginsConfig lists enabled plugins by name.
type PluginsConfig struct {
	Enabled []string `yaml:"enabled"`
}

// ServeConfig controls the local HTTP endpoint. SaveImages also writes
// served images to SaveDir.
type ServeConfig struct {
	Listen     string `yaml:"listen" validate:"required,hostname_port"`
	SaveImages bool   `yaml:"save_images"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath:   "~/.prism/prism.db",
		SaveDir:  "~/prism_images",
		Keystore: "~/.prism/keys",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Providers: []ProviderConfig{
			{Name: "openai", Type: "openai"},
		},
		Defaults: DefaultsConfig{
			Model:   models.ModelDallE3,
			Size:    "1024x1024",
			Quality: models.QualityStandard,
			Style:   models.StyleVivid,
			Count:   1,
		},
		Dispatch: DispatchConfig{
			Concurrency:   4,
			MaxAttempts:   3,
			BaseDelay:     4 * time.Second,
			MaxDelay:      10 * time.Second,
			MaxRetryAfter: time.Minute,
			Timeout:       120 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Audit: models.AuditConfig{
			Enabled:       false,
			DBPath:        "~/.prism/audit.db",
			RetentionDays: 30,
		},
		Vision: VisionConfig{
			Model:  "gpt-4o-mini",
			Prompt: "Describe this image in detail.",
		},
		Enhance: EnhanceConfig{
			Model: "gpt-4o-mini",
			Style: "photorealistic",
		},
		Plugins: PluginsConfig{
			Enabled: []string{"styles", "templates"},
		},
		Serve: ServeConfig{
			Listen: "127.0.0.1:8089",
		},
	}
}

// DefaultPath returns ~/.prism/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "prism.yaml"
	}
	return filepath.Join(home, ".prism", "config.yaml")
}

// Load reads a YAML config file, expands environment variables and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path when given. With no path it loads the default
// location, falling back to Default() when that file does not exist.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg, err := Load(DefaultPath())
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		return cfg, cfg.finalize()
	}
	return cfg, err
}

// Write saves cfg as YAML, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the defaults form a valid request.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	sample := models.GenerationRequest{
		Prompt:  "defaults",
		Model:   c.Defaults.Model,
		Size:    c.Defaults.Size,
		Quality: c.Defaults.Quality,
		Style:   c.Defaults.Style,
		Count:   c.Defaults.Count,
	}
	if c.Defaults.Model == models.ModelDallE2 {
		sample.Style = ""
	}
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("invalid config defaults: %w", err)
	}
	return nil
}

// CacheDBPath returns the database file used by the response cache.
func (c *Config) CacheDBPath() string {
	if c.Cache.DBPath != "" {
		return c.Cache.DBPath
	}
	return c.DBPath
}

// Provider returns the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func (c *Config) finalize() error {
	c.DBPath = expandHome(c.DBPath)
	c.SaveDir = expandHome(c.SaveDir)
	c.Keystore = expandHome(c.Keystore)
	c.Cache.DBPath = expandHome(c.Cache.DBPath)
	c.Audit.DBPath = expandHome(c.Audit.DBPath)
	return c.Validate()
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
