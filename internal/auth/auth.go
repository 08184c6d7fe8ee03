// Package auth resolves who is behind a connection before it joins a room.
package auth

import (
	"context"
	"errors"

	"github.com/Icerzack/excalisync/internal/models"
)

const (
	NoneProviderType   = "none"
	RemoteProviderType = "remote"
	HMACProviderType   = "hmac"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is who a participant is, as far as the room is concerned.
type Identity struct {
	UserID      string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
}

type Provider interface {
	// Identify checks token and returns the identity it stands for. claimed
	// carries what the client said about itself; providers decide how much
	// of it to trust.
	Identify(ctx context.Context, token string, claimed Identity) (Identity, error)
}

// NoneProvider trusts whatever the client claims. Meant for local setups.
type NoneProvider struct{}

func (NoneProvider) Identify(_ context.Context, _ string, claimed Identity) (Identity, error) {
	if claimed.UserID == "" {
		return Identity{}, errors.Join(ErrUnauthorized, errors.New("user id is required"))
	}
	if claimed.Role == "" {
		claimed.Role = models.RoleCollaborator
	}
	if !claimed.Role.Valid() {
		return Identity{}, errors.Join(ErrUnauthorized, errors.New("unknown role "+string(claimed.Role)))
	}
	if claimed.DisplayName == "" {
		claimed.DisplayName = claimed.UserID
	}
	return claimed, nil
}

// merge fills what the provider left out. The role is never taken from the
// client once a provider vouches for the user.
func merge(resolved, claimed Identity) (Identity, error) {
	if resolved.UserID == "" {
		return Identity{}, errors.Join(ErrUnauthorized, errors.New("identity without user id"))
	}
	if resolved.DisplayName == "" {
		resolved.DisplayName = claimed.DisplayName
	}
	if resolved.DisplayName == "" {
		resolved.DisplayName = resolved.UserID
	}
	if resolved.Role == "" {
		resolved.Role = models.RoleCollaborator
	}
	if !resolved.Role.Valid() {
		return Identity{}, errors.Join(ErrUnauthorized, errors.New("unknown role "+string(resolved.Role)))
	}
	return resolved, nil
}
