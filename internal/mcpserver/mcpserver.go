// Package mcpserver exposes the intent lifecycle as a small MCP tool
// surface for AI-assistant clients. Every tool call goes through the same
// locator/statestore/recovery path a CLI invocation would; nothing here
// bypasses the core.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/locator"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/recovery"
	"github.com/bloomworks/bloom/internal/statestore"
)

// Server provides MCP tool access to intents; each tool call names the
// project root it works on.
type Server struct {
	server *server.MCPServer
}

// New creates an MCP server exposing the bloom_* tools.
func New() *Server {
	s := &Server{}

	mcpServer := server.NewMCPServer(
		"bloom",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.server = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("bloom_list_intents",
			mcp.WithDescription("List every intent under a project's dev and doc pipelines, with status and lock state."),
			mcp.WithString("project_root",
				mcp.Required(),
				mcp.Description("Path to search upward from for a .bloom directory"),
			),
		),
		s.handleListIntents,
	)

	mcpServer.AddTool(
		mcp.NewTool("bloom_get_intent",
			mcp.WithDescription("Fetch one intent's full persisted state by folder name or uuid."),
			mcp.WithString("project_root",
				mcp.Required(),
				mcp.Description("Path to search upward from for a .bloom directory"),
			),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Intent folder name or uuid"),
			),
		),
		s.handleGetIntent,
	)

	mcpServer.AddTool(
		mcp.NewTool("bloom_create_intent",
			mcp.WithDescription("Create a new intent of the given kind (dev or doc) under a project."),
			mcp.WithString("project_root",
				mcp.Required(),
				mcp.Description("Path to search upward from for a .bloom directory"),
			),
			mcp.WithString("kind",
				mcp.Required(),
				mcp.Description("Intent kind: dev or doc"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable intent name"),
			),
		),
		s.handleCreateIntent,
	)

	mcpServer.AddTool(
		mcp.NewTool("bloom_recover_intents",
			mcp.WithDescription("Recover every locked intent under a project by resuming its interrupted operation, or force-unlock all of them."),
			mcp.WithString("project_root",
				mcp.Required(),
				mcp.Description("Path to search upward from for a .bloom directory"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Force-unlock locked intents instead of resuming them (default: false)"),
			),
		),
		s.handleRecoverIntents,
	)
}

type intentSummary struct {
	Folder    string `json:"folder"`
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Locked    bool   `json:"locked"`
	LockedBy  string `json:"locked_by,omitempty"`
	Operation string `json:"operation,omitempty"`
}

func (s *Server) handleListIntents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRoot := request.GetString("project_root", "")
	if projectRoot == "" {
		return mcp.NewToolResultError("project_root parameter is required"), nil
	}

	root, err := locator.Locate(projectRoot)
	if err != nil {
		return toolError(err), nil
	}

	var summaries []intentSummary
	for _, kind := range []model.Kind{model.KindDev, model.KindDoc} {
		dir := root.IntentsDir(kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			statePath := filepath.Join(dir, e.Name(), kind.StateFileName())
			st, err := statestore.Load(statePath)
			if err != nil {
				continue
			}
			summaries = append(summaries, intentSummary{
				Folder: e.Name(), UUID: st.UUID, Name: st.Name,
				Type: string(st.Type), Status: string(st.Status),
				Locked: st.Locked, LockedBy: st.LockedBy, Operation: st.Operation,
			})
		}
	}

	return jsonResult(summaries)
}

func (s *Server) handleGetIntent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRoot := request.GetString("project_root", "")
	id := request.GetString("id", "")
	if projectRoot == "" || id == "" {
		return mcp.NewToolResultError("project_root and id parameters are required"), nil
	}

	root, err := locator.Locate(projectRoot)
	if err != nil {
		return toolError(err), nil
	}

	dir, kind, err := locator.LocateIntent(root, id)
	if err != nil {
		return toolError(err), nil
	}

	st, err := statestore.Load(filepath.Join(dir, kind.StateFileName()))
	if err != nil {
		return toolError(err), nil
	}

	return jsonResult(st)
}

func (s *Server) handleCreateIntent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRoot := request.GetString("project_root", "")
	kindStr := request.GetString("kind", "")
	name := request.GetString("name", "")
	if projectRoot == "" || kindStr == "" || name == "" {
		return mcp.NewToolResultError("project_root, kind, and name parameters are required"), nil
	}

	kind := model.Kind(kindStr)
	if !kind.Valid() {
		return mcp.NewToolResultError("kind must be 'dev' or 'doc'"), nil
	}

	root, err := locator.Locate(projectRoot)
	if err != nil {
		return toolError(err), nil
	}

	uuid := statestore.NewUUID(name)
	folder := model.FolderName(name, uuid)
	dir := filepath.Join(root.IntentsDir(kind), folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return toolError(errs.WithPath(errs.IOError, "create intent directory", dir, err)), nil
	}

	st, err := statestore.Create(dir, kind, name, nil)
	if err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]any{"folder": folder, "state": st})
}

func (s *Server) handleRecoverIntents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRoot := request.GetString("project_root", "")
	if projectRoot == "" {
		return mcp.NewToolResultError("project_root parameter is required"), nil
	}
	force := request.GetBool("force", false)

	root, err := locator.Locate(projectRoot)
	if err != nil {
		return toolError(err), nil
	}

	result := recovery.RecoverAll(root, recovery.Options{ForceUnlock: force})
	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// ServeStdio starts the MCP server on stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.server)
}
