// Package mcpbridge exposes orchestration state to CLI agents over MCP.
// A provider process running inside a worktree spawns `climpire mcp` as a
// stdio MCP server and uses its tools to inspect the task it was hired
// for, tick subtasks off, and leave progress notes in the task log,
// without scraping dashboard endpoints.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

const instructions = `You are connected to the climpire orchestration server.
Call list_tasks or get_task to see what the company is working on,
list_subtasks to read your plan, complete_subtask to tick items off as you
finish them, and report_progress to leave a note in the task log. Subtasks
parked for another department are closed by their own delegated task, not
by you.`

// Bridge wires the MCP tools to the shared store and event bus. The bus
// only has subscribers when the bridge runs inside the server process;
// standalone `climpire mcp` broadcasts into the void and relies on the
// store rows being picked up by the dashboard.
type Bridge struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
	srv    *server.MCPServer
}

// New builds the MCP server and registers every tool.
func New(st store.Store, b *bus.Bus, version string, logger *slog.Logger) *Bridge {
	br := &Bridge{store: st, bus: b, logger: logger}
	srv := server.NewMCPServer("climpire", version,
		server.WithInstructions(instructions),
	)
	br.register(srv)
	br.srv = srv
	return br
}

// Run serves MCP over stdin/stdout until the client disconnects or ctx
// is cancelled.
func (br *Bridge) Run(ctx context.Context) error {
	br.logger.Info("mcp bridge listening on stdio")
	stdio := server.NewStdioServer(br.srv)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (br *Bridge) broadcastSubtask(ctx context.Context, subtaskID string) {
	if br.bus == nil {
		return
	}
	sub, err := br.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return
	}
	br.bus.Broadcast(bus.Event{Type: protocol.EventSubtaskUpdate, Payload: sub})
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
