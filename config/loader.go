package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "FADEMEM_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// SearchPaths are tried in order when no config file is named.
var SearchPaths = []string{
	"fademem.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/config.yaml",
	"/etc/fademem/config.yaml",
}

// Loader layers defaults, a config file, FADEMEM_ environment variables and
// explicit overrides, in increasing priority.
type Loader struct {
	k    *koanf.Koanf
	file string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// File returns the config file the last Load read, or "" when only
// defaults and the environment were used.
func (l *Loader) File() string {
	return l.file
}

// Load builds and validates a Config. A named file must exist; without one
// the first existing entry of SearchPaths is used.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	if err := l.k.Load(confmap.Provider(structToMap(DefaultConfig(), ""), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := configPath
	if path == "" {
		path = discover()
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		l.file = path
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return l.k.Load(file.Provider(path), parser)
}

func discover() string {
	for _, path := range SearchPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// envSections lists the dotted key prefixes that environment variables can
// address. Longer prefixes come first so nested sections win.
var envSections = []string{
	"server.http", "server.cors", "server.websocket", "server.rate_limit",
	"storage.badger", "storage.sqlite",
	"app", "server", "log", "storage", "redis", "lock", "events", "llm",
	"embedder", "vector_index", "lexical", "lifecycle", "depth", "category",
	"search", "metrics", "tracing",
}

// envKey maps an environment variable name onto a config key.
//
//	FADEMEM_SERVER_PORT                -> server.port
//	FADEMEM_LIFECYCLE_DECAY_RATE_SHORT -> lifecycle.decay_rate_short
//	FADEMEM_STORAGE_SQLITE_PATH        -> storage.sqlite.path
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range envSections {
		prefix := strings.ReplaceAll(section, ".", "_") + "_"
		if strings.HasPrefix(key, prefix) {
			return section + Delimiter + strings.TrimPrefix(key, prefix)
		}
	}
	return key
}

// structToMap flattens v into dotted mapstructure keys so each default can
// be overridden field by field.
func structToMap(v interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	val := reflect.Indirect(reflect.ValueOf(v))
	if val.Kind() != reflect.Struct {
		return out
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
			if fv.Kind() != reflect.Struct {
				out[key] = fv.Interface()
				continue
			}
			fallthrough
		case reflect.Struct:
			for k, nested := range structToMap(fv.Interface(), key) {
				out[k] = nested
			}
		case reflect.Map:
			if !fv.IsNil() {
				out[key] = fv.Interface()
			}
		case reflect.Slice:
			items := make([]interface{}, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			out[key] = items
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			// time.Duration lands here and decodes back from its int64 form.
			out[key] = fv.Int()
		default:
			out[key] = fv.Interface()
		}
	}
	return out
}

// Load is a convenience wrapper around NewLoader().Load.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
