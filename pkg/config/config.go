// Package config loads osfexport settings.
//
// Settings come from three layers, later layers winning:
//
//  1. built-in defaults ([Default])
//  2. the TOML file at $XDG_CONFIG_HOME/osfexport/config.toml
//     (~/.config/osfexport/config.toml when XDG_CONFIG_HOME is unset)
//  3. environment variables (OSF_TOKEN, OSF_API_URL, OSFEXPORT_CACHE,
//     OSFEXPORT_REDIS_URL, OSFEXPORT_MONGO_URI)
//
// Command-line flags are applied on top by the CLI. [Config.Validate] runs
// last.
//
// Example file:
//
//	token = "..."
//	workers = 4
//	format = "pdf"
//
//	[cache]
//	backend = "redis"
//	redis_url = "redis://localhost:6379/0"
//	ttl = "1h"
//
//	[server]
//	addr = ":8080"
//	allowed_origins = ["https://example.org"]
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/osf"
)

const appName = "osfexport"

// Environment variables read by [Config.ApplyEnv].
const (
	EnvToken    = "OSF_TOKEN"
	EnvAPIURL   = "OSF_API_URL"
	EnvCache    = "OSFEXPORT_CACHE"
	EnvRedisURL = "OSFEXPORT_REDIS_URL"
	EnvMongoURI = "OSFEXPORT_MONGO_URI"
)

// Cache backends.
const (
	CacheNone  = "none"
	CacheFile  = "file"
	CacheRedis = "redis"
	CacheMongo = "mongo"
)

// Config is the complete osfexport configuration.
type Config struct {
	// Token is the personal access token sent as a bearer credential.
	Token string `toml:"token"`
	// APIURL overrides the API root. TestAPI selects the OSF test server
	// when APIURL is empty.
	APIURL  string `toml:"api_url" validate:"omitempty,url"`
	TestAPI bool   `toml:"test_api"`

	Workers    int    `toml:"workers" validate:"gte=1,lte=32"`
	OutDir     string `toml:"out_dir" validate:"required"`
	Format     string `toml:"format" validate:"oneof=pdf html"`
	Engine     string `toml:"engine" validate:"oneof=native chrome"`
	ChromePath string `toml:"chrome_path"`
	PDFFont    string `toml:"pdf_font" validate:"omitempty,file"`
	Diagram    bool   `toml:"diagram"`
	SkipImages bool   `toml:"skip_images"`

	Retry  Retry  `toml:"retry"`
	Cache  Cache  `toml:"cache"`
	Server Server `toml:"server"`
}

// Retry bounds retries of transient API failures.
type Retry struct {
	Attempts  int           `toml:"attempts" validate:"gte=1,lte=10"`
	BaseDelay time.Duration `toml:"base_delay" validate:"gte=0"`
	MaxDelay  time.Duration `toml:"max_delay" validate:"gte=0"`
	// Timeout bounds a single request.
	Timeout time.Duration `toml:"timeout" validate:"gt=0"`
}

// Cache selects the response cache backend.
type Cache struct {
	Backend         string        `toml:"backend" validate:"oneof=none file redis mongo"`
	Dir             string        `toml:"dir"`
	RedisURL        string        `toml:"redis_url" validate:"required_if=Backend redis"`
	MongoURI        string        `toml:"mongo_uri" validate:"required_if=Backend mongo"`
	MongoDatabase   string        `toml:"mongo_database" validate:"required_if=Backend mongo"`
	MongoCollection string        `toml:"mongo_collection" validate:"required_if=Backend mongo"`
	TTL             time.Duration `toml:"ttl" validate:"gte=0"`
}

// Server configures the HTTP service.
type Server struct {
	Addr           string        `toml:"addr" validate:"required"`
	AllowedOrigins []string      `toml:"allowed_origins"`
	Timeout        time.Duration `toml:"timeout" validate:"gt=0"`
	// MaxConcurrent bounds exports running at once.
	MaxConcurrent int `toml:"max_concurrent" validate:"gte=1"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers: 1,
		OutDir:  ".",
		Format:  "pdf",
		Engine:  "native",
		Diagram: true,
		Retry: Retry{
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  30 * time.Second,
			Timeout:   30 * time.Second,
		},
		Cache: Cache{
			Backend:         CacheNone,
			MongoDatabase:   appName,
			MongoCollection: "cache",
			TTL:             time.Hour,
		},
		Server: Server{
			Addr:          ":8080",
			Timeout:       10 * time.Minute,
			MaxConcurrent: 4,
		},
	}
}

// Path returns the config file location.
func Path() (string, error) {
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, appName, "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName, "config.toml"), nil
}

// Load returns defaults overlaid with the file at path (if it exists) and
// the environment. An empty path means [Path]. The result is not yet
// validated, so callers can apply flags first.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		p, err := Path()
		if err != nil {
			cfg.ApplyEnv()
			return cfg, nil
		}
		path = p
	}
	if err := cfg.LoadFile(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// LoadFile overlays the TOML file at path. Unknown keys are rejected so
// typos do not pass silently.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "parse %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.New(errors.ErrCodeInvalidInput, "unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays the environment variables that are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv(EnvCache); v != "" {
		c.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv(EnvMongoURI); v != "" {
		c.Cache.MongoURI = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid configuration")
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = describe(fe)
	}
	return errors.New(errors.ErrCodeInvalidInput, "invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a URL, got %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s must satisfy %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

// BaseURL returns the API root to use.
func (c *Config) BaseURL() string {
	switch {
	case c.APIURL != "":
		return strings.TrimRight(c.APIURL, "/")
	case c.TestAPI:
		return osf.TestBaseURL
	default:
		return osf.DefaultBaseURL
	}
}
