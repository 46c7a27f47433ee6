// Command podknowledge runs the VTT-to-knowledge-graph ingestion pipeline
// and its companion MCP retrieval server, generalized from the teacher's
// podcaster CLI entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apresai/podknowledge/internal/checkpoint"
	"github.com/apresai/podknowledge/internal/config"
	"github.com/apresai/podknowledge/internal/embed"
	"github.com/apresai/podknowledge/internal/graph"
	"github.com/apresai/podknowledge/internal/llmclient"
	"github.com/apresai/podknowledge/internal/mcpserver"
	"github.com/apresai/podknowledge/internal/observability"
	"github.com/apresai/podknowledge/internal/pipeline"
	"github.com/apresai/podknowledge/internal/progress"
	"github.com/apresai/podknowledge/internal/vtt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	exitInvalidInput = 2
	exitPartial      = 3
	exitFatal        = 4
	exitCancelled    = 130
)

var (
	flagPodcast      string
	flagTitle        string
	flagURL          string
	flagTimeoutSec   int
	flagVerifySchema bool
	flagMCPPort      int
)

var rootCmd = &cobra.Command{
	Use:   "podknowledge",
	Short: "Ingest podcast transcripts into a knowledge graph",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("podknowledge %s\n", Version)
	},
}

var processCmd = &cobra.Command{
	Use:   "process <vtt_path>",
	Short: "Process one VTT transcript into the knowledge graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcess,
}

var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Run the query_meaningful_units MCP retrieval server",
	RunE:  runMCPServer,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(mcpServerCmd)

	processCmd.Flags().StringVar(&flagPodcast, "podcast", "", "Podcast name (required)")
	processCmd.Flags().StringVar(&flagTitle, "title", "", "Episode title (required)")
	processCmd.Flags().StringVar(&flagURL, "url", "", "Source YouTube URL")
	processCmd.Flags().IntVar(&flagTimeoutSec, "timeout", 0, "Pipeline timeout in seconds (overrides PIPELINE_TIMEOUT)")
	processCmd.Flags().BoolVar(&flagVerifySchema, "verify-schema", false, "Verify graph schema before processing and exit")

	mcpServerCmd.Flags().IntVar(&flagMCPPort, "port", 8000, "HTTP port to listen on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
}

func runProcess(cmd *cobra.Command, args []string) error {
	vttPath := args[0]
	if flagPodcast == "" || flagTitle == "" {
		fmt.Fprintln(os.Stderr, "invalid input: --podcast and --title are required")
		os.Exit(exitInvalidInput)
	}
	if _, err := os.Stat(vttPath); err != nil {
		fmt.Fprintf(os.Stderr, "invalid input: %v\n", err)
		os.Exit(exitInvalidInput)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitFatal)
	}

	logger := observability.InitLogger()
	tp, tracerErr := observability.InitTracer(cmd.Context(), "podknowledge", Version)
	if tracerErr != nil {
		logger.Warn("tracer init failed, continuing without tracing", "error", tracerErr)
	} else {
		defer tp.Shutdown(cmd.Context())
	}

	deps, err := buildDeps(cmd.Context(), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitFatal)
	}
	defer deps.Graph.Close(cmd.Context())

	if flagVerifySchema {
		statuses, err := deps.Graph.VerifySchema(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: schema verification failed: %v\n", err)
			os.Exit(exitFatal)
		}
		for _, s := range statuses {
			fmt.Printf("%s (%s): %v\n", s.Name, s.Kind, s.Exists)
		}
		return nil
	}
	if err := deps.Graph.EnsureSchema(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to ensure graph schema: %v\n", err)
		os.Exit(exitFatal)
	}

	opts := pipeline.Options{
		VTTPath:     vttPath,
		PodcastName: flagPodcast,
		Title:       flagTitle,
		YouTubeURL:  flagURL,
		OnProgress:  logProgress(logger),
	}
	if flagTimeoutSec > 0 {
		opts.Timeout = time.Duration(flagTimeoutSec) * time.Second
	}

	committed, failed, runErr := pipeline.Run(cmd.Context(), *deps, opts)

	var formatErr *vtt.FormatError
	var pipeErr *pipeline.PipelineError
	switch {
	case errors.Is(runErr, context.Canceled):
		os.Exit(exitCancelled)
	case errors.As(runErr, &formatErr):
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitInvalidInput)
	case errors.As(runErr, &pipeErr) && pipeErr.Stage == "parse":
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitInvalidInput)
	case runErr != nil:
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitFatal)
	case failed > 0:
		fmt.Printf("partial: %d committed, %d failed\n", committed, failed)
		os.Exit(exitPartial)
	}

	fmt.Printf("success: %d units committed\n", committed)
	return nil
}

func runMCPServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.InitLogger()

	g, err := graph.New(cmd.Context(), cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase, 0)
	if err != nil {
		return fmt.Errorf("connect to graph: %w", err)
	}
	defer g.Close(cmd.Context())

	embedder := embed.New("", cfg.EmbeddingModel, 0)

	srvCfg := mcpserver.DefaultConfig()
	srvCfg.Port = flagMCPPort
	srv := mcpserver.New(srvCfg, g, embedder, logger)
	return srv.Start()
}

// buildDeps wires the pipeline's long-lived collaborators from config.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline.Deps, error) {
	pool, err := llmclient.NewKeyPool(llmclient.PoolConfig{
		Keys:      cfg.LLMAPIKeys,
		StatePath: cfg.StateDir + "/key_rotation_state.json",
	})
	if err != nil {
		return nil, fmt.Errorf("construct key pool: %w", err)
	}
	llm := llmclient.New(pool, cfg.LLMModel)

	embedder := embed.New("", cfg.EmbeddingModel, 0)

	g, err := graph.New(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase, 0)
	if err != nil {
		return nil, fmt.Errorf("connect to graph: %w", err)
	}

	var mirror *checkpoint.DynamoMirror
	if cfg.CheckpointDynamoTable != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config for checkpoint mirror: %w", err)
		}
		mirror = checkpoint.NewDynamoMirror(dynamodb.NewFromConfig(awsCfg), cfg.CheckpointDynamoTable)
	}
	store := checkpoint.NewStore(cfg.CheckpointDir, mirror)

	return &pipeline.Deps{
		Cfg:        cfg,
		LLM:        llm,
		Embedder:   embedder,
		Graph:      g,
		Checkpoint: store,
		Logger:     logger,
	}, nil
}

func logProgress(logger *slog.Logger) progress.Callback {
	return func(ev progress.Event) {
		logger.Info("progress", "stage", ev.Stage, "message", ev.Message, "percent", ev.Percent)
	}
}
