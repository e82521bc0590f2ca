package identity

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hal9000y/imessage-relay/internal/config"
)

// Directory is the lookup side of the contact cache.
type Directory interface {
	LookupByPhone(ctx context.Context, phone string) (string, bool, error)
	LookupByEmail(ctx context.Context, email string) (string, bool, error)
	LookupOverride(ctx context.Context, identifier string) (string, bool, error)
}

// Resolver maps raw handles to display names.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver. A nil directory resolves every identifier
// to its formatted form.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns a display name for the identifier. It never fails: contact
// names first, then manual overrides, then the formatted identifier.
func (r *Resolver) Resolve(ctx context.Context, identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "Unknown"
	}
	if r.dir == nil {
		return FormatIdentifier(identifier)
	}

	lookup := r.dir.LookupByPhone
	if IsEmail(identifier) {
		lookup = r.dir.LookupByEmail
	}

	if name, ok, err := lookup(ctx, identifier); err != nil {
		log.Debug().Err(err).Str("identifier", identifier).Msg("contact lookup failed")
	} else if ok {
		return name
	}

	if name, ok, err := r.dir.LookupOverride(ctx, identifier); err != nil {
		log.Debug().Err(err).Str("identifier", identifier).Msg("override lookup failed")
	} else if ok {
		return name
	}

	return FormatIdentifier(identifier)
}

// ConversationName is the configured display name, else the resolved
// participants for a group, else the resolved conversation id.
func (r *Resolver) ConversationName(ctx context.Context, conv config.TrackedConversation) string {
	if name := strings.TrimSpace(conv.DisplayName); name != "" {
		return name
	}

	if conv.IsGroup && len(conv.Participants) > 0 {
		names := make([]string, 0, len(conv.Participants))
		for _, p := range conv.Participants {
			names = append(names, r.Resolve(ctx, p))
		}
		return strings.Join(names, ", ")
	}

	return r.Resolve(ctx, conv.ID)
}
