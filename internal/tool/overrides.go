package tool

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/imessage-relay/internal/identity"
)

// ListOverridesRequest has no parameters.
type ListOverridesRequest struct{}

// ListOverridesResponse lists the manual overrides.
type ListOverridesResponse struct {
	Overrides []NameOverride `json:"overrides" jsonschema:"manual display names"`
}

// NameOverride maps an identifier to a display name.
type NameOverride struct {
	Identifier string `json:"identifier" jsonschema:"phone number or email address"`
	Name       string `json:"name" jsonschema:"display name"`
}

// AddOverrideRequest assigns a display name.
type AddOverrideRequest struct {
	Identifier string `json:"identifier" jsonschema:"phone number or email address"`
	Name       string `json:"name" jsonschema:"display name used in email subjects and bodies"`
}

// RemoveOverrideRequest names the override to drop.
type RemoveOverrideRequest struct {
	Identifier string `json:"identifier" jsonschema:"phone number or email address"`
}

type overrideStore interface {
	AddOverride(ctx context.Context, identifier, name string) error
	RemoveOverride(ctx context.Context, identifier string) (bool, error)
	Overrides(ctx context.Context) ([]identity.Override, error)
}

// NewOverrides creates the contact override tools.
func NewOverrides(store overrideStore) *Overrides {
	return &Overrides{store: store}
}

// Overrides manages manual contact names.
type Overrides struct {
	store overrideStore
}

// List returns all overrides ordered by identifier.
func (t *Overrides) List(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ListOverridesRequest,
) (*mcp.CallToolResult, ListOverridesResponse, error) {
	overrides, err := t.store.Overrides(ctx)
	if err != nil {
		return nil, ListOverridesResponse{}, fmt.Errorf("store.Overrides failed: %w", err)
	}

	out := make([]NameOverride, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, NameOverride{Identifier: o.Identifier, Name: o.Name})
	}

	return nil, ListOverridesResponse{Overrides: out}, nil
}

// Add stores an override, replacing an existing one.
func (t *Overrides) Add(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AddOverrideRequest,
) (*mcp.CallToolResult, StatusResponse, error) {
	if err := t.store.AddOverride(ctx, input.Identifier, input.Name); err != nil {
		return nil, StatusResponse{}, fmt.Errorf("store.AddOverride failed: %w", err)
	}

	return nil, StatusResponse{Status: fmt.Sprintf("%s is now shown as %s", input.Identifier, input.Name)}, nil
}

// Remove drops an override.
func (t *Overrides) Remove(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RemoveOverrideRequest,
) (*mcp.CallToolResult, StatusResponse, error) {
	removed, err := t.store.RemoveOverride(ctx, input.Identifier)
	if err != nil {
		return nil, StatusResponse{}, fmt.Errorf("store.RemoveOverride failed: %w", err)
	}
	if !removed {
		return nil, StatusResponse{}, fmt.Errorf("no override for %s", input.Identifier)
	}

	return nil, StatusResponse{Status: "override removed for " + input.Identifier}, nil
}
