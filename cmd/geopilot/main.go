// geopilot is a conversational GIS analysis engine: load spatial data,
// describe the analysis in plain language, and inspect the layers it
// derives.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"geopilot/internal/config"
	"geopilot/internal/executor"
	"geopilot/internal/ingest"
	"geopilot/internal/intent"
	"geopilot/internal/layer"
	"geopilot/internal/pipeline"
	"geopilot/internal/render"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	cfgPath   string
	dataFiles []string
	apiKey    string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "geopilot",
		Short:         "Natural-language GIS analysis engine",
		Long:          "geopilot loads spatial datasets and turns plain-language requests\ninto validated geometric operations: buffer, select, intersect,\nunion, dissolve and clip.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.cfgPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringArrayVarP(&flags.dataFiles, "data", "d", nil, "data file to load at startup (.geojson, .json, .csv); repeatable")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "completion API key (overrides config and GEMINI_API_KEY)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging with the console encoder")

	root.AddCommand(
		newChatCmd(&flags),
		newRunCmd(&flags),
		newInspectCmd(),
		newVersionCmd(),
	)
	return root
}

// app bundles one session's wiring.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   *layer.Store
	pipe    *pipeline.Pipeline
	updates chan pipeline.Update
}

func buildApp(flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.cfgPath)
	if err != nil {
		return nil, err
	}
	if flags.apiKey != "" {
		cfg.LLM.APIKey = flags.apiKey
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; set GEMINI_API_KEY, llm.api_key or --api-key")
	}
	if flags.verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	log, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store := layer.NewStore()
	for _, path := range flags.dataFiles {
		l, err := ingest.LoadFile(path)
		if err != nil {
			return nil, err
		}
		l.Name = store.UniqueName(l.Name)
		if err := store.Put(l); err != nil {
			return nil, err
		}
		log.Info("loaded layer",
			zap.String("layer", l.Name),
			zap.String("source", path),
			zap.Int("features", len(l.Features)))
	}

	client := intent.NewGeminiClientWithConfig(intent.GeminiConfig{
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		Timeout:   cfg.LLM.Timeout(),
		MaxTokens: cfg.LLM.MaxTokens,
	})
	resolver := intent.NewResolver(client, store, log)
	exec := executor.New(store, executor.Options{
		UnionDissolves: cfg.Analysis.UnionDissolves,
		BufferSegments: cfg.Analysis.BufferSegments,
	}, log)

	updates := make(chan pipeline.Update, cfg.Pipeline.QueueSize)
	pipe := pipeline.New(resolver, exec, store,
		pipeline.PublisherFunc(func(u pipeline.Update) { updates <- u }),
		log,
		pipeline.Options{
			QueueSize:    cfg.Pipeline.QueueSize,
			HistoryTurns: cfg.Pipeline.HistoryTurns,
		})

	return &app{cfg: cfg, log: log, store: store, pipe: pipe, updates: updates}, nil
}

func (a *app) close() {
	a.pipe.Close()
	_ = a.log.Sync()
}

// ask submits one query and blocks until its update arrives.
func (a *app) ask(query string) pipeline.Update {
	if err := a.pipe.Submit(query); err != nil {
		return pipeline.Update{Query: query, Errors: []string{err.Error()}}
	}
	return <-a.updates
}

func newChatCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive analysis session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			return chatLoop(cmd, a)
		},
	}
}

func chatLoop(cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "geopilot %s — %d layer(s) loaded. Type /help for commands.\n", version, a.store.Len())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runSlashCommand(out, a, line); quit {
				return nil
			}
			continue
		}
		printUpdate(out, a.ask(line))
	}
}

// runSlashCommand handles local commands that never touch the model.
// It reports whether the session should end.
func runSlashCommand(out io.Writer, a *app, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, `Commands:
  /load <path>      load a .geojson, .json or .csv file
  /layers           list loaded layers
  /show <layer>     make a layer visible
  /hide <layer>     hide a layer
  /remove <layer>   delete a layer
  /snapshot <path>  write a JSON snapshot of visible layers
  /quit             leave`)
	case "/load":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /load <path>")
			break
		}
		l, err := ingest.LoadFile(fields[1])
		if err != nil {
			fmt.Fprintln(out, "Error:", err)
			break
		}
		l.Name = a.store.UniqueName(l.Name)
		if err := a.store.Put(l); err != nil {
			fmt.Fprintln(out, "Error:", err)
			break
		}
		fmt.Fprintf(out, "Loaded %q: %s, %d features\n", l.Name, l.Kind, len(l.Features))
	case "/layers":
		summaries := a.store.List()
		if len(summaries) == 0 {
			fmt.Fprintln(out, "No layers loaded.")
		}
		for _, s := range summaries {
			visibility := "visible"
			if !s.Visible {
				visibility = "hidden"
			}
			fmt.Fprintf(out, "  %-24s %-8s %6d features  %s  [%s]\n", s.Name, s.Kind, s.Features, s.CRS, visibility)
		}
	case "/show", "/hide":
		if len(fields) != 2 {
			fmt.Fprintf(out, "usage: %s <layer>\n", fields[0])
			break
		}
		if err := a.store.SetVisible(fields[1], fields[0] == "/show"); err != nil {
			fmt.Fprintln(out, "Error:", err)
		}
	case "/remove":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /remove <layer>")
			break
		}
		if err := a.store.Remove(fields[1]); err != nil {
			fmt.Fprintln(out, "Error:", err)
		}
	case "/snapshot":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /snapshot <path>")
			break
		}
		if err := writeSnapshot(a.store, fields[1]); err != nil {
			fmt.Fprintln(out, "Error:", err)
		} else {
			fmt.Fprintf(out, "Wrote snapshot to %s\n", fields[1])
		}
	default:
		fmt.Fprintf(out, "Unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var snapshotPath string
	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run one query and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			u := a.ask(args[0])
			printUpdate(cmd.OutOrStdout(), u)
			if snapshotPath != "" {
				if err := writeSnapshot(a.store, snapshotPath); err != nil {
					return err
				}
			}
			if len(u.Errors) > 0 {
				return fmt.Errorf("query failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "write a JSON snapshot of visible layers to this path")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Summarize data files without starting a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				l, err := ingest.LoadFile(path)
				if err != nil {
					return err
				}
				s := l.Summarize()
				fmt.Fprintf(out, "%s: %s, %d features, CRS %s\n", path, s.Kind, s.Features, s.CRS)
				if len(s.Columns) > 0 {
					fmt.Fprintf(out, "  columns: %s\n", strings.Join(s.Columns, ", "))
				}
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "geopilot", version)
		},
	}
}

func printUpdate(out io.Writer, u pipeline.Update) {
	if u.Surface != "" {
		fmt.Fprintln(out, u.Surface)
	}
	for _, r := range u.Results {
		fmt.Fprintf(out, "  created %q (%d features) in %s\n", r.Output, r.Features, r.Elapsed.Round(time.Millisecond))
	}
	for _, w := range u.Warnings {
		fmt.Fprintln(out, "  warning:", w)
	}
	for _, e := range u.Errors {
		fmt.Fprintln(out, "  error:", e)
	}
}

func writeSnapshot(store *layer.Store, path string) error {
	snap := render.Build(store)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
