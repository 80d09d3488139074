package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Report   ReportConfig  `mapstructure:"report"`
	Bench    BenchConfig   `mapstructure:"bench"`
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Convert  ConvertConfig `mapstructure:"convert"`
	LogLevel string        `mapstructure:"log_level"`
}

type ReportConfig struct {
	Output      string `mapstructure:"output"`
	WriteHeader bool   `mapstructure:"write_header"`
	JSONPath    string `mapstructure:"json_path"`
	HistoryDB   string `mapstructure:"history_db"`
}

type BenchConfig struct {
	Iterations int      `mapstructure:"iterations"`
	Strict     bool     `mapstructure:"strict"`
	Cases      []string `mapstructure:"cases"`
}

type PathsConfig struct {
	Catalog    string `mapstructure:"catalog"`
	WeightsDir string `mapstructure:"weights_dir"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ConvertConfig struct {
	Backend string `mapstructure:"backend"`
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
		Report: ReportConfig{
			Output: "torch2trt_test.md",
		},
		Bench: BenchConfig{
			Iterations: 50,
		},
		Paths: PathsConfig{
			WeightsDir: "weights",
		},
		Runtime: RuntimeConfig{
			Threads: 4,
		},
		Convert: ConvertConfig{
			Backend: BackendNative,
		},
		LogLevel: "info",
	}
}

// flagKeys maps every flag registered by RegisterFlags to its config key.
var flagKeys = map[string]string{
	"output":              "report.output",
	"write-header":        "report.write_header",
	"json":                "report.json_path",
	"history":             "report.history_db",
	"iterations":          "bench.iterations",
	"strict":              "bench.strict",
	"case":                "bench.cases",
	"catalog":             "paths.catalog",
	"weights-dir":         "paths.weights_dir",
	"runtime-threads":     "runtime.threads",
	"ort-lib":             "runtime.ort_library_path",
	"runtime-ort-version": "runtime.ort_version",
	"backend":             "convert.backend",
	"log-level":           "log_level",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.StringP("output", "o", defaults.Report.Output, "Markdown report file rows are appended to")
	fs.Bool("write-header", defaults.Report.WriteHeader, "Write the table header into a new or empty report file")
	fs.String("json", defaults.Report.JSONPath, "Write a JSON snapshot of all outcomes to this path")
	fs.String("history", defaults.Report.HistoryDB, "Record outcomes in this SQLite database")
	fs.Int("iterations", defaults.Bench.Iterations, "Timed repetitions per variant")
	fs.Bool("strict", defaults.Bench.Strict, "Exit non-zero when a case fails or exceeds its max error")
	fs.StringSlice("case", defaults.Bench.Cases, "Run only the named catalog cases (repeatable)")
	fs.String("catalog", defaults.Paths.Catalog, "TOML catalog file replacing the built-in catalog")
	fs.String("weights-dir", defaults.Paths.WeightsDir, "Directory holding <model>.safetensors checkpoints")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "Worker goroutines for the native backend kernels")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("backend", defaults.Convert.Backend, "Conversion backend (native|onnx)")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("CONVBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := v.BindEnv("runtime.ort_library_path", "CONVBENCH_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}

	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("convbench")
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

	backend, err := NormalizeBackend(cfg.Convert.Backend)
	if err != nil {
		return Config{}, err
	}

	cfg.Convert.Backend = backend

	return cfg, cfg.Validate()
}

// Validate rejects values no command can run with.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Report.Output) == "":
		return errors.New("report.output must not be empty")
	case c.Bench.Iterations < 1:
		return fmt.Errorf("bench.iterations must be >= 1, got %d", c.Bench.Iterations)
	case c.Runtime.Threads < 1:
		return fmt.Errorf("runtime.threads must be >= 1, got %d", c.Runtime.Threads)
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("report.output", c.Report.Output)
	v.SetDefault("report.write_header", c.Report.WriteHeader)
	v.SetDefault("report.json_path", c.Report.JSONPath)
	v.SetDefault("report.history_db", c.Report.HistoryDB)
	v.SetDefault("bench.iterations", c.Bench.Iterations)
	v.SetDefault("bench.strict", c.Bench.Strict)
	v.SetDefault("bench.cases", c.Bench.Cases)
	v.SetDefault("paths.catalog", c.Paths.Catalog)
	v.SetDefault("paths.weights_dir", c.Paths.WeightsDir)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("convert.backend", c.Convert.Backend)
	v.SetDefault("log_level", c.LogLevel)
}

// bindFlags binds only the flags present in fs, so subcommands may register
// a subset.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}

	return nil
}
