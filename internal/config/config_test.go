package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLM_API_KEYS", "key-a,key-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Neo4jURI != "bolt://localhost:7687" {
		t.Errorf("Neo4jURI = %q", cfg.Neo4jURI)
	}
	if cfg.PipelineTimeout.Seconds() != 7200 {
		t.Errorf("PipelineTimeout = %v, want 7200s", cfg.PipelineTimeout)
	}
	if cfg.SpeakerIdentificationTimeout.Seconds() != 120 {
		t.Errorf("SpeakerIdentificationTimeout = %v, want 120s", cfg.SpeakerIdentificationTimeout)
	}
	if cfg.ConversationAnalysisTimeout.Seconds() != 300 {
		t.Errorf("ConversationAnalysisTimeout = %v, want 300s", cfg.ConversationAnalysisTimeout)
	}
	if cfg.KnowledgeExtractionTimeout.Seconds() != 600 {
		t.Errorf("KnowledgeExtractionTimeout = %v, want 600s", cfg.KnowledgeExtractionTimeout)
	}
	if cfg.GraphStorageTimeout.Seconds() != 300 {
		t.Errorf("GraphStorageTimeout = %v, want 300s", cfg.GraphStorageTimeout)
	}
	if cfg.MaxConcurrentUnits != 5 {
		t.Errorf("MaxConcurrentUnits = %d, want 5", cfg.MaxConcurrentUnits)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryDelay.Seconds() != 5 {
		t.Errorf("RetryDelay = %v, want 5s", cfg.RetryDelay)
	}
	if len(cfg.LLMAPIKeys) != 2 || cfg.LLMAPIKeys[0] != "key-a" || cfg.LLMAPIKeys[1] != "key-b" {
		t.Errorf("LLMAPIKeys = %v", cfg.LLMAPIKeys)
	}
	if cfg.CheckpointDynamoTable != "" {
		t.Errorf("CheckpointDynamoTable = %q, want empty", cfg.CheckpointDynamoTable)
	}
	if cfg.SpeakerConfidenceThreshold != 0.5 {
		t.Errorf("SpeakerConfidenceThreshold = %v, want 0.5", cfg.SpeakerConfidenceThreshold)
	}
	if cfg.LLMModel != "claude-sonnet-4-5-20250929" {
		t.Errorf("LLMModel = %q", cfg.LLMModel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LLM_API_KEYS", "only-key")
	t.Setenv("NEO4J_URI", "bolt://graph.internal:7687")
	t.Setenv("MAX_CONCURRENT_UNITS", "10")
	t.Setenv("SPEAKER_CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("CHECKPOINT_DYNAMO_TABLE", "podknowledge-checkpoints")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Neo4jURI != "bolt://graph.internal:7687" {
		t.Errorf("Neo4jURI = %q", cfg.Neo4jURI)
	}
	if cfg.MaxConcurrentUnits != 10 {
		t.Errorf("MaxConcurrentUnits = %d, want 10", cfg.MaxConcurrentUnits)
	}
	if cfg.SpeakerConfidenceThreshold != 0.85 {
		t.Errorf("SpeakerConfidenceThreshold = %v, want 0.85", cfg.SpeakerConfidenceThreshold)
	}
	if cfg.CheckpointDynamoTable != "podknowledge-checkpoints" {
		t.Errorf("CheckpointDynamoTable = %q", cfg.CheckpointDynamoTable)
	}
}

func TestLoad_MissingAPIKeysFails(t *testing.T) {
	t.Setenv("LLM_API_KEYS", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when LLM_API_KEYS is empty")
	}
}

func TestValidate_RejectsBadConfidenceThreshold(t *testing.T) {
	cfg := &Config{Neo4jURI: "bolt://x", LLMAPIKeys: []string{"k"}, SpeakerConfidenceThreshold: 1.5, MaxConcurrentUnits: 1}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for out-of-range threshold")
	}
}
