package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "PYRIS_"

// Source loads configuration values into koanf. Sources are applied in
// ascending Priority; later ones override earlier ones.
type Source interface {
	Name() string
	Priority() int
	Load(k *koanf.Koanf) error
}

// DefaultSource provides the built-in values. Priority 10.
type DefaultSource struct{}

func (s *DefaultSource) Name() string  { return "defaults" }
func (s *DefaultSource) Priority() int { return 10 }

func (s *DefaultSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(defaultMap(), "."), nil)
}

// FileSource loads a YAML file. An empty path is skipped, a missing file is
// an error since it was asked for explicitly. Priority 20.
type FileSource struct {
	Path string
}

func (s *FileSource) Name() string  { return "file:" + s.Path }
func (s *FileSource) Priority() int { return 20 }

func (s *FileSource) Load(k *koanf.Koanf) error {
	if s.Path == "" {
		return nil
	}
	if _, err := os.Stat(s.Path); err != nil {
		return fmt.Errorf("config file %s: %w", s.Path, err)
	}
	return k.Load(file.Provider(s.Path), yaml.Parser())
}

// EnvSource loads PYRIS_* variables. A double underscore separates levels
// so that keys may contain single underscores:
//
//	PYRIS_SERVER__API_KEY_FILE -> server.api_key_file
//	PYRIS_REGISTRY__REDIS__ADDRESSES=a:6379,b:6379 -> registry.redis.addresses
//
// Priority 30.
type EnvSource struct {
	Prefix string // default: PYRIS_
}

func (s *EnvSource) Name() string  { return "env" }
func (s *EnvSource) Priority() int { return 30 }

func (s *EnvSource) Load(k *koanf.Koanf) error {
	prefix := s.Prefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	return k.Load(env.ProviderWithValue(prefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, prefix)), "__", ".")
		if strings.Contains(value, ",") {
			return key, strings.Split(value, ",")
		}
		return key, value
	}), nil)
}

// FlagSource loads command-line flags. Only flags the user set override
// lower sources. Priority 40.
type FlagSource struct {
	Flags *pflag.FlagSet
}

func (s *FlagSource) Name() string  { return "flags" }
func (s *FlagSource) Priority() int { return 40 }

func (s *FlagSource) Load(k *koanf.Koanf) error {
	if s.Flags == nil {
		return nil
	}
	return k.Load(posflag.Provider(s.Flags, ".", k), nil)
}

// DefaultSources returns defaults, file, env and flags.
func DefaultSources(configPath string, flags *pflag.FlagSet) []Source {
	return []Source{
		&DefaultSource{},
		&FileSource{Path: configPath},
		&EnvSource{Prefix: EnvPrefix},
		&FlagSource{Flags: flags},
	}
}

func sortSources(sources []Source) []Source {
	sorted := slices.Clone(sources)
	slices.SortStableFunc(sorted, func(a, b Source) int {
		return a.Priority() - b.Priority()
	})
	return sorted
}

// BindFlags defines the flags that may override configuration. Flag names
// are the koanf keys.
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("log.level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log.format", d.Log.Format, "log format (json, text)")
	flags.String("server.port", d.Server.Port, "API listen port")
	flags.String("server.metrics_port", d.Server.MetricsPort, "metrics listen port")
	flags.String("server.callback_base_url", d.Server.CallbackBaseURL, "base URL the pipeline service calls back to")
	flags.String("registry.backend", d.Registry.Backend, "job registry backend (memory, redis)")
	flags.Duration("registry.default_ttl", d.Registry.DefaultTTL, "TTL of registered jobs")
	flags.StringSlice("registry.redis.addresses", d.Registry.Redis.Addresses, "redis addresses")
	flags.String("pyris.url", d.Pyris.URL, "pipeline service base URL")
	flags.Duration("pyris.timeout", d.Pyris.Timeout, "pipeline service request timeout")
	flags.Int("events.workers", d.Events.Workers, "event router workers")
}
