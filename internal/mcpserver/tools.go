package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
)

const requestTimeout = 30 * time.Second

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("session_create",
			mcp.WithDescription("Create a new agent session. The session provisions in the background; poll session_get until it reaches RUNNING."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable session name"),
			),
			mcp.WithString("image_name",
				mcp.Description("Container image for the session (server default when omitted)"),
			),
			mcp.WithString("repository_url",
				mcp.Description("Git repository to clone into the workspace"),
			),
			mcp.WithString("repository_branch",
				mcp.Description("Branch to base the session branch on (default main)"),
			),
		),
		sessionCreateHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("session_list",
			mcp.WithDescription("List all sessions with their status and whether an agent turn is running."),
			mcp.WithString("query",
				mcp.Description("Filter sessions by name substring"),
			),
		),
		sessionListHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("session_get",
			mcp.WithDescription("Get one session by id."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session id"),
			),
		),
		sessionGetHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("agent_run",
			mcp.WithDescription("Submit a prompt to a session's agent. The turn runs asynchronously; follow it via messages_list."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session id"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt text"),
			),
		),
		agentRunHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("agent_interrupt",
			mcp.WithDescription("Interrupt the session's running agent turn."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session id"),
			),
		),
		agentInterruptHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("messages_list",
			mcp.WithDescription("List a session's transcript messages ordered by sequence number."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session id"),
			),
			mcp.WithNumber("after_seq",
				mcp.Description("Return only messages with a sequence number greater than this"),
			),
		),
		messagesListHandler(cfg, log),
	)
}

func sessionCreateHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{"name": name}
		if v := req.GetString("image_name", ""); v != "" {
			payload["image_name"] = v
		}
		if v := req.GetString("repository_url", ""); v != "" {
			payload["repository_url"] = v
		}
		if v := req.GetString("repository_branch", ""); v != "" {
			payload["repository_branch"] = v
		}

		return callAPI(ctx, cfg, log, http.MethodPost, "/api/v1/sessions", payload)
	}
}

func sessionListHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := "/api/v1/sessions"
		if q := req.GetString("query", ""); q != "" {
			path += "?q=" + url.QueryEscape(q)
		}
		return callAPI(ctx, cfg, log, http.MethodGet, path, nil)
	}
}

func sessionGetHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return callAPI(ctx, cfg, log, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	}
}

func agentRunHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return callAPI(ctx, cfg, log, http.MethodPost,
			"/api/v1/sessions/"+sessionID+"/agent",
			map[string]interface{}{"prompt": prompt})
	}
}

func agentInterruptHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return callAPI(ctx, cfg, log, http.MethodPost,
			"/api/v1/sessions/"+sessionID+"/agent/interrupt", nil)
	}
}

func messagesListHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		path := "/api/v1/sessions/" + sessionID + "/messages"
		if after := req.GetFloat("after_seq", -1); after >= 0 {
			path = fmt.Sprintf("%s?after_seq=%d", path, int64(after))
		}
		return callAPI(ctx, cfg, log, http.MethodGet, path, nil)
	}
}

// callAPI performs one request against the dockhand API and renders the JSON
// response as the tool result.
func callAPI(ctx context.Context, cfg Config, log *logger.Logger, method, path string, payload interface{}) (*mcp.CallToolResult, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode request: %v", err)), nil
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.APIURL+path, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build request: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("dockhand API request failed",
			zap.String("method", method), zap.String("path", path), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API returned %d: %s", resp.StatusCode, raw)), nil
	}
	if len(raw) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf(`{"status":%d}`, resp.StatusCode)), nil
	}

	var formatted bytes.Buffer
	if err := json.Indent(&formatted, raw, "", "  "); err != nil {
		return mcp.NewToolResultText(string(raw)), nil
	}
	return mcp.NewToolResultText(formatted.String()), nil
}
