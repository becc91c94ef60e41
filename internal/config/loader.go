package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHANGEGATE"

// Loader resolves a Config from, lowest first: defaults, the config file,
// CHANGEGATE_* variables and explicitly set flags.
type Loader struct {
	v          *viper.Viper
	configFile string
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile skips the search path. A missing explicit file is an error.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// BindFlag makes flag override key once it is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind to %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	v := l.v

	for key, value := range settings(cfg) {
		v.SetDefault(key, value)
		// Unmarshal only sees variables bound to known keys.
		_ = v.BindEnv(key, EnvVar(key))
	}

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range searchDirs() {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the file Load read, or "" when none was found.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// LoadFromFile loads the config at path with env overrides applied.
func LoadFromFile(path string) (*Config, error) {
	l := NewLoader()
	l.SetConfigFile(path)
	return l.Load()
}

// EnvVar returns the environment variable that overrides key, e.g.
// CHANGEGATE_SSH_KEY_PATH for ssh.key_path.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Keys lists every dotted config key, sorted.
func Keys() []string {
	keys := make([]string, 0, 32)
	for key := range settings(DefaultConfig()) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func searchDirs() []string {
	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "changegate"))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", "changegate"))
	}
	return append(dirs, ".")
}

// settings flattens cfg into dotted mapstructure keys and leaf values.
// Named string types are reported as plain strings so viper can decode
// them back.
func settings(cfg *Config) map[string]any {
	out := map[string]any{}
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			tag := t.Field(i).Tag.Get("mapstructure")
			if tag == "" || tag == "-" {
				continue
			}
			key := tag
			if prefix != "" {
				key = prefix + "." + tag
			}
			field := v.Field(i)
			switch field.Kind() {
			case reflect.Struct:
				walk(key, field)
			case reflect.String:
				out[key] = field.String()
			default:
				out[key] = field.Interface()
			}
		}
	}
	walk("", reflect.ValueOf(cfg).Elem())
	return out
}

func (c *Config) expandPaths() {
	for _, path := range []*string{
		&c.Global.DataDir,
		&c.Global.ConfigDir,
		&c.Database.Path,
		&c.Logging.File,
		&c.Policy.File,
		&c.SSH.KeyPath,
	} {
		*path = expandTilde(*path)
	}
}

func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
