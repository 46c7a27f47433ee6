// Package graph implements C6: the labeled property-graph writer. It
// maintains schema (uniqueness constraints, secondary indexes, a vector
// index), upserts the typed episode subgraph idempotently per unit, and
// exposes the retrieval KNN primitive consumed by the external chat/UI
// collaborator.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/apresai/podknowledge/internal/graphmodel"
)

// StoreError wraps a failed graph transaction, per §7's taxonomy.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("graph store error during %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Writer owns a Neo4j driver and the target database name.
type Writer struct {
	driver   neo4j.DriverWithContext
	database string
	dim      int
}

// New connects to the graph store. uri/user/password/database come from
// §6's NEO4J_* environment variables.
func New(ctx context.Context, uri, user, password, database string, dim int) (*Writer, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, &StoreError{Op: "verify connectivity", Err: err}
	}
	if dim <= 0 {
		dim = graphmodel.EmbeddingDim
	}
	return &Writer{driver: driver, database: database, dim: dim}, nil
}

// Close releases the underlying driver.
func (w *Writer) Close(ctx context.Context) error {
	return w.driver.Close(ctx)
}

func (w *Writer) session(ctx context.Context) neo4j.SessionWithContext {
	return w.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: w.database})
}

// EnsureSchema creates the uniqueness constraints, secondary indexes, and
// vector index of §4.6, idempotently (Neo4j's IF NOT EXISTS clause).
func (w *Writer) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT podcast_id IF NOT EXISTS FOR (p:Podcast) REQUIRE p.id IS UNIQUE",
		"CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episode) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT unit_id IF NOT EXISTS FOR (u:MeaningfulUnit) REQUIRE u.id IS UNIQUE",
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT topic_name IF NOT EXISTS FOR (t:Topic) REQUIRE t.name IS UNIQUE",
		"CREATE INDEX episode_title IF NOT EXISTS FOR (e:Episode) ON (e.title)",
		"CREATE INDEX episode_published_date IF NOT EXISTS FOR (e:Episode) ON (e.published_date)",
		"CREATE INDEX unit_start_time IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.start_time)",
		"CREATE INDEX unit_primary_speaker IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.primary_speaker)",
		"CREATE INDEX entity_name IF NOT EXISTS FOR (n:Entity) ON (n.value)",
		"CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n.type)",
		fmt.Sprintf(`CREATE VECTOR INDEX unit_embedding IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.embedding)
		             OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`, w.dim),
	}
	for _, stmt := range statements {
		if _, err := neo4j.ExecuteQuery(ctx, w.driver, stmt, nil, neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(w.database)); err != nil {
			return &StoreError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

// SchemaStatus reports whether each expected constraint/index exists, for
// the operability diagnostic exposed as `process --verify-schema`.
type SchemaStatus struct {
	Name    string
	Exists  bool
	Kind    string // "constraint" or "index"
}

// VerifySchema reports which constraints/indexes exist vs. expected,
// without mutating the store (recovered from original_source's
// recreate_indexes.py / check_indexes.py).
func (w *Writer) VerifySchema(ctx context.Context) ([]SchemaStatus, error) {
	expectedConstraints := []string{"podcast_id", "episode_id", "unit_id", "entity_id", "topic_name"}
	expectedIndexes := []string{"episode_title", "episode_published_date", "unit_start_time", "unit_primary_speaker", "entity_name", "entity_type", "unit_embedding"}

	existing := map[string]bool{}
	result, err := neo4j.ExecuteQuery(ctx, w.driver, "SHOW CONSTRAINTS YIELD name RETURN name", nil, neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(w.database))
	if err != nil {
		return nil, &StoreError{Op: "show constraints", Err: err}
	}
	for _, rec := range result.Records {
		if name, ok := rec.Get("name"); ok {
			existing[name.(string)] = true
		}
	}
	indexResult, err := neo4j.ExecuteQuery(ctx, w.driver, "SHOW INDEXES YIELD name RETURN name", nil, neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(w.database))
	if err != nil {
		return nil, &StoreError{Op: "show indexes", Err: err}
	}
	for _, rec := range indexResult.Records {
		if name, ok := rec.Get("name"); ok {
			existing[name.(string)] = true
		}
	}

	var statuses []SchemaStatus
	for _, name := range expectedConstraints {
		statuses = append(statuses, SchemaStatus{Name: name, Exists: existing[name], Kind: "constraint"})
	}
	for _, name := range expectedIndexes {
		statuses = append(statuses, SchemaStatus{Name: name, Exists: existing[name], Kind: "index"})
	}
	return statuses, nil
}

// UpsertPodcast merges the Podcast node by id.
func (w *Writer) UpsertPodcast(ctx context.Context, p *graphmodel.Podcast) error {
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (p:Podcast {id: $id})
			SET p.name = $name, p.description = $description
		`, map[string]any{
			"id": p.ID, "name": p.Name, "description": p.Description,
		})
		return nil, err
	})
	if err != nil {
		return &StoreError{Op: "upsert podcast", Err: err}
	}
	return nil
}

// UpsertEpisode merges the Episode node by id and links it to its Podcast.
func (w *Writer) UpsertEpisode(ctx context.Context, e *graphmodel.Episode) error {
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (p:Podcast {id: $podcast_id})
			MERGE (e:Episode {id: $id})
			SET e.title = $title, e.podcast_name = $podcast_name,
			    e.published_date = $published_date, e.duration_seconds = $duration_seconds,
			    e.vtt_path = $vtt_path, e.youtube_url = $youtube_url
			MERGE (p)-[:HAS_EPISODE]->(e)
		`, map[string]any{
			"podcast_id": e.PodcastID, "id": e.ID, "title": e.Title,
			"podcast_name": e.PodcastName, "published_date": e.PublishedDate,
			"duration_seconds": e.DurationSeconds, "vtt_path": e.VTTPath, "youtube_url": e.YouTubeURL,
		})
		return nil, err
	})
	if err != nil {
		return &StoreError{Op: "upsert episode", Err: err}
	}
	return nil
}

// UnitWrite bundles everything one unit's transaction needs to persist.
type UnitWrite struct {
	Unit          *graphmodel.MeaningfulUnit
	PrevUnitID    string // empty for the first committed unit
	Speakers      map[string]*graphmodel.Speaker // name -> speaker, for this unit
	Entities      []graphmodel.Entity
	Quotes        []graphmodel.Quote
	Insights      []graphmodel.Insight
	Topics        []string
	Relationships []graphmodel.Relationship
}

// UpsertUnit commits one unit's full subgraph in a single transaction, per
// §4.6's upsert protocol step 3. A failed unit transaction does not abort
// earlier units — the caller decides how to treat the error.
func (w *Writer) UpsertUnit(ctx context.Context, episodeID string, uw *UnitWrite) error {
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		u := uw.Unit
		// A nil/empty Embedding (§4.5: embedding failed, unit still stored)
		// is written as a null property rather than an empty array, so it
		// can't corrupt the vector index's fixed-dimension expectations.
		var embedding any
		if len(u.Embedding) > 0 {
			e := make([]float64, len(u.Embedding))
			for i, f := range u.Embedding {
				e[i] = float64(f)
			}
			embedding = e
		}

		if _, err := tx.Run(ctx, `
			MATCH (e:Episode {id: $episode_id})
			MERGE (u:MeaningfulUnit {id: $id})
			SET u.unit_type = $unit_type, u.summary = $summary, u.themes = $themes,
			    u.start_time = $start_time, u.end_time = $end_time,
			    u.primary_speaker = $primary_speaker, u.segment_count = $segment_count,
			    u.embedding = $embedding, u.status = $status
			MERGE (e)-[:HAS_UNIT]->(u)
		`, map[string]any{
			"episode_id": episodeID, "id": u.ID, "unit_type": string(u.UnitType),
			"summary": u.Summary, "themes": u.Themes, "start_time": u.StartTime, "end_time": u.EndTime,
			"primary_speaker": u.PrimarySpeaker, "segment_count": u.SegmentCount,
			"embedding": embedding, "status": u.Status,
		}); err != nil {
			return nil, err
		}

		if uw.PrevUnitID != "" {
			if _, err := tx.Run(ctx, `
				MATCH (prev:MeaningfulUnit {id: $prev_id}), (cur:MeaningfulUnit {id: $cur_id})
				MERGE (prev)-[:NEXT]->(cur)
			`, map[string]any{"prev_id": uw.PrevUnitID, "cur_id": u.ID}); err != nil {
				return nil, err
			}
		}

		for _, sp := range uw.Speakers {
			if _, err := tx.Run(ctx, `
				MERGE (s:Speaker {id: $id})
				SET s.name = $name, s.role = $role,
				    s.confidence = CASE WHEN $confidence > coalesce(s.confidence, -1) THEN $confidence ELSE s.confidence END
				WITH s
				MATCH (u:MeaningfulUnit {id: $unit_id})
				MERGE (s)-[:SPEAKS_IN]->(u)
			`, map[string]any{
				"id": sp.ID, "name": sp.Name, "role": string(sp.Role),
				"confidence": sp.Confidence, "unit_id": u.ID,
			}); err != nil {
				return nil, err
			}
		}

		for _, ent := range uw.Entities {
			if _, err := tx.Run(ctx, `
				MERGE (n:Entity {id: $id})
				SET n.value = $value, n.type = $type, n.description = $description,
				    n.confidence = CASE WHEN $confidence > coalesce(n.confidence, -1) THEN $confidence ELSE n.confidence END,
				    n.importance = CASE WHEN $importance > coalesce(n.importance, -1) THEN $importance ELSE n.importance END,
				    n.frequency = $frequency
				WITH n
				MATCH (u:MeaningfulUnit {id: $unit_id})
				MERGE (u)-[m:MENTIONS]->(n)
				SET m.confidence = $confidence
			`, map[string]any{
				"id": ent.ID, "value": ent.Value, "type": string(ent.Type), "description": ent.Description,
				"confidence": ent.Confidence, "importance": ent.Importance, "frequency": ent.Frequency,
				"unit_id": u.ID,
			}); err != nil {
				return nil, err
			}
		}

		for _, q := range uw.Quotes {
			if _, err := tx.Run(ctx, `
				MERGE (q:Quote {id: $id})
				SET q.text = $text, q.speaker = $speaker, q.context = $context,
				    q.quote_type = $quote_type, q.importance = $importance,
				    q.timestamp_start = $timestamp_start, q.timestamp_end = $timestamp_end
				WITH q
				MATCH (u:MeaningfulUnit {id: $unit_id})
				MERGE (u)-[:CONTAINS_QUOTE]->(q)
			`, map[string]any{
				"id": q.ID, "text": q.Text, "speaker": q.Speaker, "context": q.Context,
				"quote_type": string(q.QuoteType), "importance": q.Importance,
				"timestamp_start": q.TimestampStart, "timestamp_end": q.TimestampEnd, "unit_id": u.ID,
			}); err != nil {
				return nil, err
			}
		}

		for _, ins := range uw.Insights {
			if _, err := tx.Run(ctx, `
				MERGE (i:Insight {id: $id})
				SET i.title = $title, i.description = $description, i.type = $type,
				    i.confidence = $confidence, i.supporting_entities = $supporting_entities
				WITH i
				MATCH (u:MeaningfulUnit {id: $unit_id})
				MERGE (u)-[:CONTAINS_INSIGHT]->(i)
			`, map[string]any{
				"id": ins.ID, "title": ins.Title, "description": ins.Description, "type": string(ins.Type),
				"confidence": ins.Confidence, "supporting_entities": ins.SupportingEntities, "unit_id": u.ID,
			}); err != nil {
				return nil, err
			}
		}

		for _, topic := range uw.Topics {
			if _, err := tx.Run(ctx, `
				MERGE (t:Topic {name: $name})
				WITH t
				MATCH (u:MeaningfulUnit {id: $unit_id})
				MERGE (u)-[:DISCUSSES]->(t)
			`, map[string]any{"name": topic, "unit_id": u.ID}); err != nil {
				return nil, err
			}
		}

		for _, rel := range uw.Relationships {
			if _, err := tx.Run(ctx, `
				MATCH (u:MeaningfulUnit {id: $unit_id})-[:MENTIONS]->(a:Entity {value: $source})
				MATCH (u)-[:MENTIONS]->(b:Entity {value: $target})
				MERGE (a)-[r:RELATED_TO {type: $type}]->(b)
				SET r.confidence = $confidence
			`, map[string]any{
				"source": rel.Source, "target": rel.Target, "type": rel.Type,
				"confidence": rel.Confidence, "unit_id": u.ID,
			}); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})
	if err != nil {
		return &StoreError{Op: "upsert unit " + uw.Unit.ID, Err: err}
	}
	return nil
}

// DeleteAnalyticalArtifacts removes prior-run clustering/analytics nodes
// attached to this episode's units, never archiving them, per §4.6.
func (w *Writer) DeleteAnalyticalArtifacts(ctx context.Context, episodeID string) error {
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (:Episode {id: $episode_id})-[:HAS_UNIT]->(:MeaningfulUnit)-[:IN_CLUSTER]->(c:Cluster)
			DETACH DELETE c
		`, map[string]any{"episode_id": episodeID})
		return nil, err
	})
	if err != nil {
		return &StoreError{Op: "delete analytical artifacts", Err: err}
	}
	return nil
}

// FinalizeEpisode sets processing_timestamp and status after all units have
// been attempted, per §4.6 step 4.
func (w *Writer) FinalizeEpisode(ctx context.Context, episodeID string, processingTimestamp string, status graphmodel.EpisodeStatus) error {
	session := w.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (e:Episode {id: $id})
			SET e.processing_timestamp = $ts, e.status = $status
		`, map[string]any{"id": episodeID, "ts": processingTimestamp, "status": string(status)})
		return nil, err
	})
	if err != nil {
		return &StoreError{Op: "finalize episode", Err: err}
	}
	return nil
}

// DetermineStatus implements §4.6 step 4's thresholds.
func DetermineStatus(totalUnits, failedUnits int) graphmodel.EpisodeStatus {
	if totalUnits == 0 {
		return graphmodel.EpisodeFailed
	}
	if failedUnits == 0 {
		return graphmodel.EpisodeOK
	}
	successRatio := float64(totalUnits-failedUnits) / float64(totalUnits)
	if successRatio < 0.5 {
		return graphmodel.EpisodeFailed
	}
	return graphmodel.EpisodePartial
}

// RetrievedUnit is one result of the retrieval KNN primitive.
type RetrievedUnit struct {
	UnitID       string
	Summary      string
	EpisodeTitle string
	StartTime    float64
	EndTime      float64
	Score        float64
}

// QueryTopUnits runs the retrieval primitive of §4.6: a vector KNN query
// against the MeaningfulUnit vector index for a pre-embedded query vector.
func (w *Writer) QueryTopUnits(ctx context.Context, queryEmbedding []float32, topK int) ([]RetrievedUnit, error) {
	if topK <= 0 {
		topK = 5
	}
	embedding := make([]float64, len(queryEmbedding))
	for i, f := range queryEmbedding {
		embedding[i] = float64(f)
	}

	result, err := neo4j.ExecuteQuery(ctx, w.driver, `
		CALL db.index.vector.queryNodes('unit_embedding', $k, $embedding)
		YIELD node, score
		MATCH (e:Episode)-[:HAS_UNIT]->(node)
		RETURN node.id AS id, node.summary AS summary, e.title AS episode_title,
		       node.start_time AS start_time, node.end_time AS end_time, score
	`, map[string]any{"k": topK, "embedding": embedding},
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(w.database))
	if err != nil {
		return nil, &StoreError{Op: "query top units", Err: err}
	}

	out := make([]RetrievedUnit, 0, len(result.Records))
	for _, rec := range result.Records {
		id, _ := rec.Get("id")
		summary, _ := rec.Get("summary")
		title, _ := rec.Get("episode_title")
		start, _ := rec.Get("start_time")
		end, _ := rec.Get("end_time")
		score, _ := rec.Get("score")
		out = append(out, RetrievedUnit{
			UnitID:       asString(id),
			Summary:      asString(summary),
			EpisodeTitle: asString(title),
			StartTime:    asFloat(start),
			EndTime:      asFloat(end),
			Score:        asFloat(score),
		})
	}
	return out, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
