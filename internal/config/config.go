// Package config loads the indexer's configuration: a small set of fields
// read from a YAML/TOML/JSON config file, environment variables
// (SMARTCODING_ prefix), and CLI flags, in that increasing order of
// precedence. Built on spf13/viper.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config enumerates exactly the options the core pipeline reads.
type Config struct {
	SearchDirectory  string   `mapstructure:"search_directory"`
	FileExtensions   []string `mapstructure:"file_extensions"`
	ExcludePatterns  []string `mapstructure:"exclude_patterns"`
	MaxFileSize      int64    `mapstructure:"max_file_size"`
	BatchSize        int      `mapstructure:"batch_size"`
	WorkerThreads    string   `mapstructure:"worker_threads"` // integer literal or "auto"
	EmbeddingModel   string   `mapstructure:"embedding_model"`
	Verbose          bool     `mapstructure:"verbose"`
	WatchFiles       bool     `mapstructure:"watch_files"`
	CallGraphEnabled bool     `mapstructure:"call_graph_enabled"`
	ANNEnabled       bool     `mapstructure:"ann_enabled"`

	// CacheDir is where the store persists its files: hnsw.bin, meta.json,
	// vectors.bin, store.db, exposed separately so it can default to
	// ".smart-coding-cache" without cluttering the rest of the config.
	CacheDir string `mapstructure:"cache_dir"`

	// ModelDir and OrtLibPath locate the embedding model and the ONNX Runtime
	// shared library on disk — the coordinator needs a concrete path to load
	// an embedder from.
	ModelDir   string `mapstructure:"model_dir"`
	OrtLibPath string `mapstructure:"ort_lib_path"`
}

// Default returns the recommended defaults: a batch size of ~100 files per
// commit and a conventional cache directory name.
func Default() Config {
	return Config{
		SearchDirectory:  ".",
		FileExtensions:   []string{".go", ".py", ".js", ".ts", ".rs", ".c", ".cpp", ".h", ".md", ".txt", ".json", ".yaml", ".yml", ".toml"},
		ExcludePatterns:  []string{"**/node_modules/**", "**/.git/**", "**/.smart-coding-cache/**"},
		MaxFileSize:      1 << 20, // 1 MiB
		BatchSize:        100,
		WorkerThreads:    "auto",
		EmbeddingModel:   "bge-small-en-v1.5",
		Verbose:          false,
		WatchFiles:       false,
		CallGraphEnabled: false,
		ANNEnabled:       true,
		CacheDir:         ".smart-coding-cache",
		ModelDir:         "models/bge-small-en-v1.5",
		OrtLibPath:       "",
	}
}

// Load reads configFile (if non-empty) layered under defaults, then
// SMARTCODING_* environment variables, returning the merged Config.
func Load(configFile string) (Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("search_directory", d.SearchDirectory)
	v.SetDefault("file_extensions", d.FileExtensions)
	v.SetDefault("exclude_patterns", d.ExcludePatterns)
	v.SetDefault("max_file_size", d.MaxFileSize)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("worker_threads", d.WorkerThreads)
	v.SetDefault("embedding_model", d.EmbeddingModel)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("watch_files", d.WatchFiles)
	v.SetDefault("call_graph_enabled", d.CallGraphEnabled)
	v.SetDefault("ann_enabled", d.ANNEnabled)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("model_dir", d.ModelDir)
	v.SetDefault("ort_lib_path", d.OrtLibPath)

	v.SetEnvPrefix("SMARTCODING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ResolveWorkerCount resolves WorkerThreads to a concrete count:
// "auto" resolves to min(4, max(1, cpu_count-1)); any other value parses as
// a literal integer. A resolved count of 1 means "do not initialize workers".
func (c Config) ResolveWorkerCount() int {
	if c.WorkerThreads != "auto" {
		var n int
		if _, err := fmt.Sscanf(c.WorkerThreads, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}
