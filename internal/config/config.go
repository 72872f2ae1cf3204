// Package config loads replica settings from a YAML file, POLYCENTRIC_*
// environment variables and command-line flags, and validates the result
// against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes environment overrides: POLYCENTRIC_STORE_PATH sets
// store.path.
const EnvPrefix = "POLYCENTRIC"

// Config is the decoded configuration of one replica.
type Config struct {
	Store   StoreConfig `mapstructure:"store"`
	Servers []string    `mapstructure:"servers"`
	Listen  string      `mapstructure:"listen"`
	Sync    SyncConfig  `mapstructure:"sync"`
	Log     LogConfig   `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	PageSize   int           `mapstructure:"page_size"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"store.driver":     "sqlite",
	"store.path":       "polycentric.db",
	"servers":          []string{},
	"listen":           ":8080",
	"sync.interval":    30 * time.Second,
	"sync.page_size":   128,
	"sync.max_elapsed": 2 * time.Minute,
	"log.level":        "info",
	"log.format":       "text",
}

// New returns a viper instance with every key defaulted and environment
// overrides enabled. Callers bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v, decodes and validates the merged settings. An
// empty path looks for polycentric.yaml in the working directory and
// carries on with defaults if there is none.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("polycentric")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{File: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError is one schema violation. Pos points into the config file
// when the offending key came from it.
type ValidationError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid config:\n  " + strings.Join(msgs, "\n  ")
}

// document is the shape the schema checks. Durations are expressed in
// whole milliseconds.
func (c *Config) document() map[string]any {
	servers := c.Servers
	if servers == nil {
		servers = []string{}
	}
	return map[string]any{
		"store":   map[string]any{"driver": c.Store.Driver, "path": c.Store.Path},
		"servers": servers,
		"listen":  c.Listen,
		"sync": map[string]any{
			"interval_ms":    c.Sync.Interval.Milliseconds(),
			"page_size":      c.Sync.PageSize,
			"max_elapsed_ms": c.Sync.MaxElapsed.Milliseconds(),
		},
		"log": map[string]any{"level": c.Log.Level, "format": c.Log.Format},
	}
}

// Validate checks c against the schema. The error is a ValidationErrors.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.Encode(c.document())
	err := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	file := c.sourceValue(ctx)
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		elems := e.Path()
		if len(elems) > 0 && elems[0] == "#Config" {
			elems = elems[1:]
		}
		path := strings.Join(elems, ".")
		format, args := e.Msg()
		ve := &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
		if file.Exists() {
			if fv := file.LookupPath(cue.ParsePath(sourceKey(path))); fv.Exists() {
				ve.Pos = fv.Pos()
			}
		}
		out = append(out, ve)
	}
	return out
}

// sourceKey maps a document path back to the key written in the file.
func sourceKey(path string) string {
	switch path {
	case "sync.interval_ms":
		return "sync.interval"
	case "sync.max_elapsed_ms":
		return "sync.max_elapsed"
	}
	if i := strings.Index(path, "."); i > 0 && strings.HasPrefix(path, "servers.") {
		return "servers[" + path[i+1:] + "]"
	}
	return path
}

// sourceValue parses the config file so errors can carry its positions.
func (c *Config) sourceValue(ctx *cue.Context) cue.Value {
	if c.File == "" {
		return cue.Value{}
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return cue.Value{}
	}
	f, err := cueyaml.Extract(c.File, data)
	if err != nil {
		return cue.Value{}
	}
	return ctx.BuildFile(f)
}

// Logger builds the slog logger described by c.Log, writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q", c.Log.Format)
	}
}
