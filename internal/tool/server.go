package tool

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps are the services exposed as MCP tools.
type Deps struct {
	Conversations conversationStore
	Scheduler     scheduler
	Resolver      nameResolver
	Overrides     overrideStore
}

// NewServer creates an MCP server with the relay management tools.
func NewServer(d Deps) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "imessage-relay", Version: "v1.0.0"}, nil)

	convs := NewConversations(d.Conversations, d.Resolver)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conversations",
		Description: "List tracked iMessage conversations with their sync watermarks",
	}, convs.List)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "track_conversation",
		Description: "Start forwarding an iMessage conversation to email",
	}, convs.Track)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "untrack_conversation",
		Description: "Stop forwarding an iMessage conversation",
	}, convs.Untrack)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_watermark",
		Description: "Move a conversation's watermark to a timestamp, or clear it to resync from when it was added",
	}, convs.ResetWatermark)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a sync cycle now; reports a skip when a cycle is already running",
	}, NewSyncNow(d.Scheduler).SyncNow)

	overrides := NewOverrides(d.Overrides)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_overrides",
		Description: "List manual contact name overrides",
	}, overrides.List)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_override",
		Description: "Assign a display name to a phone number or email address",
	}, overrides.Add)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_override",
		Description: "Remove a manual contact name override",
	}, overrides.Remove)

	return server
}
