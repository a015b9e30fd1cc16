// Package mcptools exposes DebugEngine's public API as MCP tools, the same
// way the teacher's internal/mcpserver registers task-management tools:
// each handler is a one-line delegation to the façade.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engine"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/session"
)

// Register wires every DebugEngine operation onto s as an MCP tool.
func Register(s *server.MCPServer, eng *engine.Engine, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Open a debug session against a crash dump file, returning its session_id."),
			mcp.WithString("dump_path", mcp.Required(), mcp.Description("Path to the crash dump file")),
			mcp.WithString("symbols_path", mcp.Description("Optional symbols search path")),
		),
		createSessionHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("close_session",
			mcp.WithDescription("Close a debug session and terminate its debugger process."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to close")),
		),
		closeSessionHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("is_session_active",
			mcp.WithDescription("Report whether a session is still active (not Closed or Failed)."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to check")),
		),
		isSessionActiveHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List every tracked debug session."),
		),
		listSessionsHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("get_session_state",
			mcp.WithDescription("Get a session's current lifecycle state."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to query")),
		),
		getSessionStateHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("enqueue_command",
			mcp.WithDescription("Enqueue a debugger command on a session, returning its command_id."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to run the command on")),
			mcp.WithString("text", mcp.Required(), mcp.Description("The debugger command text")),
		),
		enqueueCommandHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("get_command_info_async",
			mcp.WithDescription("Block until a command reaches a terminal state, then return its result."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The command's session")),
			mcp.WithString("command_id", mcp.Required(), mcp.Description("The command to wait on")),
		),
		getCommandInfoAsyncHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("get_command_info",
			mcp.WithDescription("Return a non-blocking snapshot of one command."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The command's session")),
			mcp.WithString("command_id", mcp.Required(), mcp.Description("The command to query")),
		),
		getCommandInfoHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("get_all_command_infos",
			mcp.WithDescription("Return snapshots of every command ever issued on a session."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to query")),
		),
		getAllCommandInfosHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("cancel_command",
			mcp.WithDescription("Cancel one command; queued commands are dropped, executing ones interrupted."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The command's session")),
			mcp.WithString("command_id", mcp.Required(), mcp.Description("The command to cancel")),
		),
		cancelCommandHandler(eng),
	)

	s.AddTool(
		mcp.NewTool("cancel_all_commands",
			mcp.WithDescription("Cancel every non-terminal command on a session, returning the count affected."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to cancel commands on")),
		),
		cancelAllCommandsHandler(eng),
	)

	log.Info("registered MCP tools", zap.Int("count", 11))
}

func createSessionHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dumpPath, err := req.RequireString("dump_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbolsPath := req.GetString("symbols_path", "")
		id, err := eng.CreateSession(ctx, dumpPath, symbolsPath)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(id), nil
	}
}

func closeSessionHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := eng.CloseSession(sessionID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("closed"), nil
	}
}

func isSessionActiveHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		active, err := eng.IsSessionActive(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%t", active)), nil
	}
}

func listSessionsHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snaps, err := eng.ListSessions()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := make([]map[string]interface{}, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, sessionSnapshotToMap(s))
		}
		return mcp.NewToolResultText(marshalIndent(out)), nil
	}
}

func getSessionStateHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		st, err := eng.GetSessionState(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(st.String()), nil
	}
}

func enqueueCommandHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id, err := eng.EnqueueCommand(ctx, sessionID, text)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(id), nil
	}
}

func getCommandInfoAsyncHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		snap, err := eng.GetCommandInfoAsync(ctx, sessionID, commandID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(marshalIndent(commandSnapshotToMap(snap))), nil
	}
}

func getCommandInfoHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		snap, err := eng.GetCommandInfo(sessionID, commandID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(marshalIndent(commandSnapshotToMap(snap))), nil
	}
}

func getAllCommandInfosHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		snaps, err := eng.GetAllCommandInfos(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := make([]map[string]interface{}, 0, len(snaps))
		for _, c := range snaps {
			out = append(out, commandSnapshotToMap(c))
		}
		return mcp.NewToolResultText(marshalIndent(out)), nil
	}
}

func cancelCommandHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := req.RequireString("command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ok, err := eng.CancelCommand(sessionID, commandID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%t", ok)), nil
	}
}

func cancelAllCommandsHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		n, err := eng.CancelAllCommands(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%d", n)), nil
	}
}

func sessionSnapshotToMap(s session.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":               s.ID,
		"dump_path":        s.DumpPath,
		"symbols_path":     s.SymbolsPath,
		"state":            s.State.String(),
		"opened_at":        s.OpenedAt,
		"last_activity_at": s.LastActivityAt,
		"queue_depth":      s.QueueDepth,
		"active_command":   s.ActiveCommand,
	}
}

func commandSnapshotToMap(c command.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":               c.ID,
		"session_id":       c.SessionID,
		"text":             c.Text,
		"state":            c.State.String(),
		"queued_at":        c.QueuedAt,
		"started_at":       c.StartedAt,
		"ended_at":         c.EndedAt,
		"wait_time_ms":     c.WaitTime.Milliseconds(),
		"exec_time_ms":     c.ExecTime.Milliseconds(),
		"total_time_ms":    c.TotalTime.Milliseconds(),
		"output":           c.Output,
		"error_message":    c.ErrorMessage,
		"is_success":       c.IsSuccess,
		"batch_command_id": c.BatchCommandID,
	}
}

func marshalIndent(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
