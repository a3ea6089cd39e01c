package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/smartcoding/smartcoding/internal/config"
	"github.com/smartcoding/smartcoding/internal/coordinator"
	"github.com/smartcoding/smartcoding/internal/embed"
	"github.com/smartcoding/smartcoding/internal/logging"
	"github.com/smartcoding/smartcoding/internal/pipeline"
	"github.com/smartcoding/smartcoding/internal/store"
	"github.com/smartcoding/smartcoding/internal/tui"
	"github.com/smartcoding/smartcoding/internal/watcher"
)

const defaultConfigFile = ".smartcoding.toml"

func main() {
	root := &cobra.Command{
		Use:   "smartcoding",
		Short: "Local semantic code search and indexing",
		Long:  "smartcoding — incremental semantic indexing and search over a codebase, powered by BGE-small-en-v1.5 and HNSW.",
	}

	var configFile string
	var modelDirFlag, ortLibFlag, searchDirFlag string
	var threadsFlag int
	var maxFileKBFlag int
	var verboseFlag bool
	root.PersistentFlags().StringVar(&configFile, "config", defaultConfigFile, "config file (TOML/YAML/JSON)")
	root.PersistentFlags().StringVar(&modelDirFlag, "model-dir", "", "directory containing ONNX model files (overrides config)")
	root.PersistentFlags().StringVar(&ortLibFlag, "ort-lib", "", "path to onnxruntime.so (overrides config)")
	root.PersistentFlags().StringVar(&searchDirFlag, "dir", "", "root directory to index (overrides config)")
	root.PersistentFlags().IntVar(&threadsFlag, "threads", -1, "worker thread count, or -1 to use config's value")
	root.PersistentFlags().IntVar(&maxFileKBFlag, "max-file-kb", -1, "skip files larger than this many KB, or -1 to use config's value")
	root.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "enable debug logging")

	loadConfig := func() config.Config {
		file := configFile
		if _, err := os.Stat(file); err != nil {
			file = ""
		}
		cfg, err := config.Load(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			cfg = config.Default()
		}
		if modelDirFlag != "" {
			cfg.ModelDir = modelDirFlag
		}
		if ortLibFlag != "" {
			cfg.OrtLibPath = ortLibFlag
		}
		if searchDirFlag != "" {
			cfg.SearchDirectory = searchDirFlag
		}
		if threadsFlag >= 0 {
			cfg.WorkerThreads = fmt.Sprintf("%d", threadsFlag)
		}
		if maxFileKBFlag >= 0 {
			cfg.MaxFileSize = int64(maxFileKBFlag) * 1024
		}
		if verboseFlag {
			cfg.Verbose = true
		}
		return cfg
	}

	// open loads the config, the persisted store, and a Coordinator wired to
	// it — the shape every subcommand but "clear" and "bench" needs.
	open := func() (config.Config, *store.Store, *coordinator.Coordinator, error) {
		cfg := loadConfig()
		log := logging.New(cfg.Verbose)

		s, err := store.Open(cfg.CacheDir, log)
		if err != nil {
			return cfg, nil, nil, fmt.Errorf("open store: %w", err)
		}
		co, err := coordinator.New(cfg, s, log)
		if err != nil {
			s.Close()
			return cfg, nil, nil, fmt.Errorf("build coordinator: %w", err)
		}
		return cfg, s, co, nil
	}

	// ---- smartcoding index --------------------------------------------------
	var forceIndex bool
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Run a full indexing pass over the configured directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, s, co, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			defer co.Close()

			fmt.Fprintln(os.Stderr, "Loading model…")
			prog := makeProgressPrinter()
			result, err := co.IndexAll(ctx, forceIndex, prog)
			if err != nil && !isInterrupted(err) {
				return err
			}
			if result.Skipped {
				fmt.Fprintln(os.Stderr, "Another index run is already in progress; skipped.")
				return nil
			}
			fmt.Fprintf(os.Stderr, "\nDone. %d committed, %d partial, %d failed.\n",
				result.PipelineCounts.Committed, result.PipelineCounts.Partial, result.PipelineCounts.Failed)
			return nil
		},
	}
	indexCmd.Flags().BoolVar(&forceIndex, "force", false, "clear the store and re-embed every file")
	root.AddCommand(indexCmd)

	// ---- smartcoding search <query> -----------------------------------------
	var jsonExport bool
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive semantic search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			cfg, s, co, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			defer co.Close()

			searcher, err := newSearcher(cfg, s)
			if err != nil {
				return err
			}
			defer searcher.close()

			results, err := searcher.Search(query, 10)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if jsonExport {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if jsonExport {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.3f  %s:%d\n    %s\n\n",
					i+1, r.Score, r.Record.Path, r.Record.LineNum, r.Record.Text)
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&jsonExport, "json", false, "output search results as JSON")
	root.AddCommand(searchCmd)

	// ---- smartcoding watch ---------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Index the configured directory, then watch it for changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, s, co, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			defer co.Close()

			fmt.Fprintln(os.Stderr, "Loading model…")
			prog := makeProgressPrinter()
			if _, err := co.IndexAll(ctx, false, prog); err != nil && !isInterrupted(err) {
				return err
			}
			fmt.Fprintf(os.Stderr, "\n%d chunks indexed. Watching %s for changes… (Ctrl+C to stop)\n",
				s.NumChunks(), cfg.SearchDirectory)

			log := logging.New(cfg.Verbose)
			w, err := watcher.New(co, log)
			if err != nil {
				return err
			}
			return w.Watch(ctx, cfg.SearchDirectory)
		},
	})

	// ---- smartcoding tui -----------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive search interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, co, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			defer co.Close()

			searcher, err := newSearcher(cfg, s)
			if err != nil {
				return err
			}
			defer searcher.close()

			m := tui.New(searcher)
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- smartcoding stats ---------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, co, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			defer co.Close()

			fmt.Printf("chunks:    %d\n", s.NumChunks())
			fmt.Printf("files:     %d\n", s.NumFiles())
			return nil
		},
	})

	// ---- smartcoding clear ---------------------------------------------------
	var forceClear bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the on-disk index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if _, err := os.Stat(cfg.CacheDir); os.IsNotExist(err) {
				fmt.Println("No index found — nothing to clear.")
				return nil
			}
			if !forceClear {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", cfg.CacheDir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(cfg.CacheDir); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Index cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&forceClear, "force", false, "skip confirmation prompt")
	root.AddCommand(clearCmd)

	// ---- smartcoding bench ---------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and ONNX inference speed on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			fmt.Fprint(os.Stderr, "Loading model… ")
			e, err := embed.New(cfg.ModelDir, cfg.OrtLibPath, threadsFlag)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			texts := []struct {
				label string
				text  string
			}{
				{"short (8 words) ", "the quick brown fox jumps over the lazy dog"},
				{"medium (50 words)", strings.Repeat("the quick brown fox ", 50)},
				{"long (200 words) ", strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)},
			}

			fmt.Printf("\n%-20s  %10s  %10s  %10s\n", "text size", "tokenize", "inference", "total")
			fmt.Println(strings.Repeat("─", 55))
			for _, tc := range texts {
				tok, inf, tot, err := e.BenchmarkSingle(tc.text)
				if err != nil {
					return fmt.Errorf("bench %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Millisecond),
					inf.Round(time.Millisecond),
					tot.Round(time.Millisecond))
			}
			fmt.Printf("\nIf inference >500ms, try: smartcoding --threads 1 index\n")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// isInterrupted returns true if err indicates a context cancellation or deadline.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// makeProgressPrinter returns a ProgressFunc that prints a compact progress line.
func makeProgressPrinter() pipeline.ProgressFunc {
	return func(p pipeline.Progress) {
		short := filepath.Base(filepath.Dir(p.Path)) + "/" + filepath.Base(p.Path)
		marker := " "
		if p.Partial {
			marker = "~"
		}
		if p.Done < p.Total {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] %s %-50s", p.Done, p.Total, marker, short)
		} else {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] %s %-50s\n", p.Done, p.Total, marker, short)
		}
	}
}

// searcher adapts a *store.Store plus a loaded query embedder to
// tui.Index — the store itself only searches by vector.
type searcher struct {
	s   *store.Store
	emb *embed.Embedder
}

func newSearcher(cfg config.Config, s *store.Store) (*searcher, error) {
	e, err := embed.New(cfg.ModelDir, cfg.OrtLibPath, 0)
	if err != nil {
		return nil, fmt.Errorf("load embedder: %w", err)
	}
	return &searcher{s: s, emb: e}, nil
}

func (sr *searcher) Search(query string, k int) ([]store.SearchResult, error) {
	vec, err := sr.emb.EmbedQuery(query)
	if err != nil {
		return nil, err
	}
	sr.s.EnsureANNIndex()
	return sr.s.Search(vec, query, k), nil
}

func (sr *searcher) Stats() tui.Stats {
	return tui.Stats{NumChunks: sr.s.NumChunks(), NumFiles: sr.s.NumFiles()}
}

func (sr *searcher) close() {
	sr.emb.Close()
}
