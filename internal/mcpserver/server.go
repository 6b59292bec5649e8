// Package mcpserver hosts the in-process MCP server the assistant connects
// back to. It exposes the session-orchestration tools (child session
// delegation) over the streamable HTTP transport on the shared app server.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// sessionHeader carries the calling agent-session id. The per-session MCP
// config written for the assistant sets it.
const sessionHeader = "X-Cyrus-Session"

type sessionKey struct{}

// Spawner creates child agent sessions on behalf of a parent session.
type Spawner interface {
	SpawnChildSession(ctx context.Context, parentSessionID, title, description string) (childSessionID string, err error)
}

// Server is the cyrus MCP server.
type Server struct {
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New builds the server and registers its tools.
func New(spawner Spawner) *Server {
	m := server.NewMCPServer("cyrus", "1.0.0", server.WithToolCapabilities(true))

	m.AddTool(
		mcp.NewTool("create_child_session",
			mcp.WithDescription("Delegate a self-contained task to a new child agent session. "+
				"You will be resumed with the child's summary when it completes."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Short title for the child task"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("Complete, self-contained instructions for the child session"),
			),
		),
		createChildHandler(spawner),
	)

	h := server.NewStreamableHTTPServer(m,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id := r.Header.Get(sessionHeader); id != "" {
				ctx = context.WithValue(ctx, sessionKey{}, id)
			}
			return ctx
		}),
	)
	return &Server{mcpServer: m, httpServer: h}
}

// Handler returns the HTTP handler for mounting on the shared app server.
func (s *Server) Handler() http.Handler { return s.httpServer }

// Shutdown closes active MCP sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func createChildHandler(spawner Spawner) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parentID, _ := ctx.Value(sessionKey{}).(string)
		if parentID == "" {
			return mcp.NewToolResultError("no calling session identified"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		childID, err := spawner.SpawnChildSession(ctx, parentID, title, description)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create child session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Created child session %s for %q", childID, title)), nil
	}
}

// mcpConfig is the assistant-side MCP configuration file shape.
type mcpConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WriteSessionConfig writes the per-session MCP config pointing the
// assistant back at this server, tagged with the session id. Returns the
// config file path for the assistant's --mcp-config flag.
func WriteSessionConfig(dir, serverURL, sessionID string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mcp config dir: %w", err)
	}
	cfg := mcpConfig{
		MCPServers: map[string]mcpServerEntry{
			"cyrus": {
				Type:    "http",
				URL:     serverURL + "/mcp",
				Headers: map[string]string{sessionHeader: sessionID},
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "mcp-"+sessionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}
