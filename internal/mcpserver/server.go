package mcpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/apresai/podknowledge/internal/embed"
	"github.com/apresai/podknowledge/internal/graph"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
)

// Config holds the retrieval server's runtime configuration.
type Config struct {
	Port   int
	APIKey string // optional; when set, requests must carry Authorization: Bearer <key>
}

// DefaultConfig returns a Config populated from environment variables.
func DefaultConfig() Config {
	return Config{
		Port:   8000,
		APIKey: os.Getenv("MCP_API_KEY"),
	}
}

// Server is the MCP retrieval server over ingested meaningful units.
type Server struct {
	cfg      Config
	mcp      *server.MCPServer
	handlers *Handlers
	log      *slog.Logger
}

// New creates and configures the MCP server, wiring the two tool handlers
// to the graph writer's retrieval primitive and the embedder.
func New(cfg Config, g *graph.Writer, embedder *embed.Embedder, logger *slog.Logger) *Server {
	handlers := NewHandlers(g, embedder, logger)

	mcpServer := server.NewMCPServer(
		"podknowledge",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	tools := ToolDefs()
	mcpServer.AddTool(tools[0], handlers.HandleQueryMeaningfulUnits)
	mcpServer.AddTool(tools[1], handlers.HandleServerInfo)

	return &Server{cfg: cfg, mcp: mcpServer, handlers: handlers, log: logger}
}

// Start runs the HTTP MCP server, mounted at /mcp.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info("starting mcp server", "addr", addr)

	mcpHandler := server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.requestIDMiddleware(s.authMiddleware(mcpHandler)))
	mux.Handle("/mcp/", s.requestIDMiddleware(s.authMiddleware(mcpHandler)))

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	return httpSrv.ListenAndServe()
}

// requestIDMiddleware tags each request with a correlation id for log
// lines spanning the tool call, surfaced back to the caller so it can be
// quoted when reporting an issue.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		s.log.Info("mcp request", "request_id", reqID, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the single shared bearer token when cfg.APIKey is
// set; with no key configured the server runs in anonymous local-dev mode.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.cfg.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.cfg.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
