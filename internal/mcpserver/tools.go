package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apresai/podknowledge/internal/embed"
	"github.com/apresai/podknowledge/internal/graph"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("podknowledge-mcp")

// ToolDefs returns the MCP tool definitions this server exposes.
func ToolDefs() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "query_meaningful_units",
			Description: "Semantic search over ingested podcast meaningful units. Embeds the query text and returns the top-K closest units by cosine similarity, each with its summary, episode, and time range.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Natural-language question or topic to search for",
					},
					"top_k": map[string]any{
						"type":        "integer",
						"description": "Number of units to return (default 5, max 50)",
						"default":     5,
					},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "server_info",
			Description: "Returns server runtime information and diagnostics.",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{},
			},
		},
	}
}

// Handlers binds the tool implementations to their collaborators.
type Handlers struct {
	graph    *graph.Writer
	embedder *embed.Embedder
	log      *slog.Logger
}

// NewHandlers constructs the tool handler set.
func NewHandlers(g *graph.Writer, embedder *embed.Embedder, logger *slog.Logger) *Handlers {
	return &Handlers{graph: g, embedder: embedder, log: logger}
}

// HandleQueryMeaningfulUnits embeds the query and runs the graph's vector
// search, returning the matches as MCP content.
func (h *Handlers) HandleQueryMeaningfulUnits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "query_meaningful_units")
	defer span.End()

	args := req.GetArguments()
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	topK := 5
	if v, ok := args["top_k"].(float64); ok && v > 0 {
		topK = int(v)
		if topK > 50 {
			topK = 50
		}
	}

	vec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		h.log.ErrorContext(ctx, "embed query failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to embed query: %v", err)), nil
	}

	units, err := h.graph.QueryTopUnits(ctx, vec, topK)
	if err != nil {
		h.log.ErrorContext(ctx, "query top units failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to query units: %v", err)), nil
	}
	if len(units) == 0 {
		return mcp.NewToolResultText("no matching units found"), nil
	}

	out := ""
	for i, u := range units {
		out += fmt.Sprintf("%d. [%.3f] %q (%.0fs-%.0fs): %s\n",
			i+1, u.Score, u.EpisodeTitle, u.StartTime, u.EndTime, u.Summary)
	}
	return mcp.NewToolResultText(out), nil
}

// HandleServerInfo reports basic diagnostics for the running server.
func (h *Handlers) HandleServerInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("podknowledge-mcp: query_meaningful_units retrieval server"), nil
}
