// Package config binds the pipeline's environment-variable surface (§6) to
// a Config struct via viper. There is no config file format; env vars are
// the only normative surface, so every key is bound explicitly with
// BindEnv rather than relying on a nested settings.yaml layout.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every value SPEC_FULL §6 allows an operator to set.
type Config struct {
	Neo4jURI      string `mapstructure:"neo4j_uri"`
	Neo4jUser     string `mapstructure:"neo4j_user"`
	Neo4jPassword string `mapstructure:"neo4j_password"`
	Neo4jDatabase string `mapstructure:"neo4j_database"`

	LLMAPIKeys     []string `mapstructure:"-"`
	LLMModel       string   `mapstructure:"llm_model"`
	EmbeddingModel string   `mapstructure:"embedding_model"`

	SpeakerConfidenceThreshold float64 `mapstructure:"speaker_confidence_threshold"`

	PipelineTimeout              time.Duration `mapstructure:"-"`
	SpeakerIdentificationTimeout time.Duration `mapstructure:"-"`
	ConversationAnalysisTimeout  time.Duration `mapstructure:"-"`
	KnowledgeExtractionTimeout   time.Duration `mapstructure:"-"`
	GraphStorageTimeout          time.Duration `mapstructure:"-"`

	MaxConcurrentUnits int           `mapstructure:"max_concurrent_units"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"-"`

	StateDir              string `mapstructure:"state_dir"`
	CheckpointDir         string `mapstructure:"checkpoint_dir"`
	CheckpointDynamoTable string `mapstructure:"checkpoint_dynamo_table"`
}

// envBindings lists every SPEC_FULL §6 env var this pipeline reads, each
// mapped to its viper key. Durations and the comma-separated key list are
// read as raw ints/strings and converted by Load when it builds the Config,
// since a bare int in the environment carries no unit of seconds.
var envBindings = map[string]string{
	"neo4j_uri":                     "NEO4J_URI",
	"neo4j_user":                    "NEO4J_USER",
	"neo4j_password":                "NEO4J_PASSWORD",
	"neo4j_database":                "NEO4J_DATABASE",
	"llm_api_keys":                  "LLM_API_KEYS",
	"llm_model":                     "LLM_MODEL",
	"embedding_model":               "EMBEDDING_MODEL",
	"speaker_confidence_threshold":  "SPEAKER_CONFIDENCE_THRESHOLD",
	"pipeline_timeout":              "PIPELINE_TIMEOUT",
	"speaker_identification_timeout": "SPEAKER_IDENTIFICATION_TIMEOUT",
	"conversation_analysis_timeout": "CONVERSATION_ANALYSIS_TIMEOUT",
	"knowledge_extraction_timeout":  "KNOWLEDGE_EXTRACTION_TIMEOUT",
	"graph_storage_timeout":         "GRAPH_STORAGE_TIMEOUT",
	"max_concurrent_units":          "MAX_CONCURRENT_UNITS",
	"max_retries":                   "MAX_RETRIES",
	"retry_delay":                   "RETRY_DELAY",
	"state_dir":                     "STATE_DIR",
	"checkpoint_dir":                "CHECKPOINT_DIR",
	"checkpoint_dynamo_table":       "CHECKPOINT_DYNAMO_TABLE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("neo4j_uri", "bolt://localhost:7687")
	v.SetDefault("neo4j_user", "neo4j")
	v.SetDefault("neo4j_password", "")
	v.SetDefault("neo4j_database", "neo4j")

	v.SetDefault("llm_api_keys", "")
	v.SetDefault("llm_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("embedding_model", "text-embedding-3-large")

	v.SetDefault("speaker_confidence_threshold", 0.5)

	v.SetDefault("pipeline_timeout", 7200)
	v.SetDefault("speaker_identification_timeout", 120)
	v.SetDefault("conversation_analysis_timeout", 300)
	v.SetDefault("knowledge_extraction_timeout", 600)
	v.SetDefault("graph_storage_timeout", 300)

	v.SetDefault("max_concurrent_units", 5)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 5)

	v.SetDefault("state_dir", "./state")
	v.SetDefault("checkpoint_dir", "./checkpoints")
	v.SetDefault("checkpoint_dynamo_table", "")
}

// Load reads the pipeline configuration from the environment, applying
// defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		Neo4jURI:      v.GetString("neo4j_uri"),
		Neo4jUser:     v.GetString("neo4j_user"),
		Neo4jPassword: v.GetString("neo4j_password"),
		Neo4jDatabase: v.GetString("neo4j_database"),

		LLMModel:                   v.GetString("llm_model"),
		EmbeddingModel:             v.GetString("embedding_model"),
		SpeakerConfidenceThreshold: v.GetFloat64("speaker_confidence_threshold"),

		PipelineTimeout:              time.Duration(v.GetInt64("pipeline_timeout")) * time.Second,
		SpeakerIdentificationTimeout: time.Duration(v.GetInt64("speaker_identification_timeout")) * time.Second,
		ConversationAnalysisTimeout:  time.Duration(v.GetInt64("conversation_analysis_timeout")) * time.Second,
		KnowledgeExtractionTimeout:   time.Duration(v.GetInt64("knowledge_extraction_timeout")) * time.Second,
		GraphStorageTimeout:          time.Duration(v.GetInt64("graph_storage_timeout")) * time.Second,

		MaxConcurrentUnits: v.GetInt("max_concurrent_units"),
		MaxRetries:         v.GetInt("max_retries"),
		RetryDelay:         time.Duration(v.GetInt64("retry_delay")) * time.Second,

		StateDir:              v.GetString("state_dir"),
		CheckpointDir:         v.GetString("checkpoint_dir"),
		CheckpointDynamoTable: v.GetString("checkpoint_dynamo_table"),
	}
	cfg.LLMAPIKeys = splitKeys(v.GetString("llm_api_keys"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Validate rejects configurations that cannot run the pipeline.
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return fmt.Errorf("config: NEO4J_URI is required")
	}
	if len(c.LLMAPIKeys) == 0 {
		return fmt.Errorf("config: LLM_API_KEYS must list at least one key")
	}
	if c.SpeakerConfidenceThreshold < 0 || c.SpeakerConfidenceThreshold > 1 {
		return fmt.Errorf("config: SPEAKER_CONFIDENCE_THRESHOLD must be in [0,1], got %v", c.SpeakerConfidenceThreshold)
	}
	if c.MaxConcurrentUnits <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENT_UNITS must be positive, got %d", c.MaxConcurrentUnits)
	}
	return nil
}
