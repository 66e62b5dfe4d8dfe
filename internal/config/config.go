package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Ranking  RankingConfig  `mapstructure:"ranking"`
	Server   ServerConfig   `mapstructure:"server"`
}

type PathsConfig struct {
	BundlesDir   string `mapstructure:"bundles_dir"`
	RegistryFile string `mapstructure:"registry_file"`
}

type RuntimeConfig struct {
	Backend        string `mapstructure:"backend"`
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
	ORTAPIVersion  uint32 `mapstructure:"ort_api_version"`
}

type ExecutorConfig struct {
	Workers    int    `mapstructure:"workers"`
	BusyPolicy string `mapstructure:"busy_policy"`
}

type RankingConfig struct {
	TopN      int     `mapstructure:"top_n"`
	Threshold float64 `mapstructure:"threshold"`
	// Filter is an optional CEL expression over label and score.
	Filter string `mapstructure:"filter"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	MaxImageSize    string `mapstructure:"max_image_size"`
	WatchBundles    bool   `mapstructure:"watch_bundles"`
}

// MaxImageBytes parses MaxImageSize ("10MB", "512KiB", ...).
func (s ServerConfig) MaxImageBytes() (int64, error) {
	n, err := units.RAMInBytes(s.MaxImageSize)
	if err != nil {
		return 0, fmt.Errorf("invalid server.max_image_size %q: %w", s.MaxImageSize, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("server.max_image_size must be positive, got %q", s.MaxImageSize)
	}
	return n, nil
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			BundlesDir:   "bundles",
			RegistryFile: "bundles/registry.yaml",
		},
		Runtime: RuntimeConfig{
			Backend:        BackendPurego,
			Threads:        4,
			InterOpThreads: 1,
			ORTAPIVersion:  23,
		},
		Executor: ExecutorConfig{
			Workers:    1,
			BusyPolicy: BusyQueue,
		},
		Ranking: RankingConfig{
			TopN:      5,
			Threshold: 0.1,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 30,
			RequestTimeout:  60,
			MaxImageSize:    "10MB",
		},
	}
}

// flagKeys maps every registered flag to its config key.
var flagKeys = map[string]string{
	"log-level":                "log_level",
	"paths-bundles-dir":        "paths.bundles_dir",
	"paths-registry-file":      "paths.registry_file",
	"backend":                  "runtime.backend",
	"runtime-threads":          "runtime.threads",
	"runtime-inter-op-threads": "runtime.inter_op_threads",
	"runtime-ort-library-path": "runtime.ort_library_path",
	"runtime-ort-version":      "runtime.ort_version",
	"runtime-ort-api-version":  "runtime.ort_api_version",
	"workers":                  "executor.workers",
	"busy-policy":              "executor.busy_policy",
	"top-n":                    "ranking.top_n",
	"threshold":                "ranking.threshold",
	"filter":                   "ranking.filter",
	"server-listen-addr":       "server.listen_addr",
	"server-shutdown-timeout":  "server.shutdown_timeout",
	"server-request-timeout":   "server.request_timeout",
	"server-max-image-size":    "server.max_image_size",
	"server-watch-bundles":     "server.watch_bundles",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("paths-bundles-dir", defaults.Paths.BundlesDir, "Directory scanned for model bundles")
	fs.String("paths-registry-file", defaults.Paths.RegistryFile, "Bundle download index (registry.yaml)")
	fs.String("backend", defaults.Runtime.Backend, "Inference backend (onnx-purego|onnx-cgo|onnx)")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Uint32("runtime-ort-api-version", defaults.Runtime.ORTAPIVersion, "ONNX Runtime C API version")
	fs.Int("workers", defaults.Executor.Workers, "Inference worker goroutines (1 keeps completions in submission order)")
	fs.String("busy-policy", defaults.Executor.BusyPolicy, "What a run does while the model is busy (queue|reject)")
	fs.Int("top-n", defaults.Ranking.TopN, "Maximum number of ranked labels")
	fs.Float64("threshold", defaults.Ranking.Threshold, "Minimum score (exclusive) for a label to be ranked")
	fs.String("filter", defaults.Ranking.Filter, "CEL expression over label and score applied to ranked labels")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.String("server-max-image-size", defaults.Server.MaxImageSize, "Maximum accepted upload size (e.g. 10MB)")
	fs.Bool("server-watch-bundles", defaults.Server.WatchBundles, "Reload the bundle registry when the bundles dir changes")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("BUNDLEINFER")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "BUNDLEINFER_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("bundleinfer")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// Validate normalizes enum fields in place and rejects values no component
// can run with.
func (c *Config) Validate() error {
	backend, err := NormalizeBackend(c.Runtime.Backend)
	if err != nil {
		return err
	}
	c.Runtime.Backend = backend

	policy, err := NormalizeBusyPolicy(c.Executor.BusyPolicy)
	if err != nil {
		return err
	}
	c.Executor.BusyPolicy = policy

	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be at least 1, got %d", c.Executor.Workers)
	}
	if c.Ranking.TopN < 1 {
		return fmt.Errorf("ranking.top_n must be at least 1, got %d", c.Ranking.TopN)
	}
	if math.IsNaN(c.Ranking.Threshold) || math.IsInf(c.Ranking.Threshold, 0) {
		return fmt.Errorf("ranking.threshold must be finite, got %v", c.Ranking.Threshold)
	}
	if _, err := c.Server.MaxImageBytes(); err != nil {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.bundles_dir", c.Paths.BundlesDir)
	v.SetDefault("paths.registry_file", c.Paths.RegistryFile)
	v.SetDefault("runtime.backend", c.Runtime.Backend)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("runtime.ort_api_version", c.Runtime.ORTAPIVersion)
	v.SetDefault("executor.workers", c.Executor.Workers)
	v.SetDefault("executor.busy_policy", c.Executor.BusyPolicy)
	v.SetDefault("ranking.top_n", c.Ranking.TopN)
	v.SetDefault("ranking.threshold", c.Ranking.Threshold)
	v.SetDefault("ranking.filter", c.Ranking.Filter)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.max_image_size", c.Server.MaxImageSize)
	v.SetDefault("server.watch_bundles", c.Server.WatchBundles)
}

// bindFlags binds each known flag to its nested key so that an explicitly
// set flag wins over env and file, while unset flags fall through to them.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	if alias := fs.Lookup("ort-lib"); alias != nil && alias.Changed {
		v.Set("runtime.ort_library_path", alias.Value.String())
	}
	return nil
}
