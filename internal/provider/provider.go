// Package provider resolves which model credential an agent's owner runs on.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/llm"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// CredentialStore is the subset of store queries the resolver needs.
type CredentialStore interface {
	GetUserModelCredential(ctx context.Context, userID uuid.UUID) (store.UserModelCredential, error)
}

// Resolver picks a user's own credential when registered, otherwise the
// shared platform credential when one is configured.
type Resolver struct {
	store    CredentialStore
	platform config.LLMConfig
}

// NewResolver creates a Resolver. An empty platform API key disables the
// platform fallback.
func NewResolver(st CredentialStore, platform config.LLMConfig) *Resolver {
	return &Resolver{store: st, platform: platform}
}

// Resolve returns the provider for userID, or nil when none is usable.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (*llm.Provider, error) {
	cred, err := r.store.GetUserModelCredential(ctx, userID)
	switch {
	case err == nil && strings.TrimSpace(cred.ApiKey) != "":
		return &llm.Provider{
			APIKey: cred.ApiKey,
			APIURL: cred.ApiUrl,
			Model:  cred.Model,
		}, nil
	case err != nil && !store.IsNotFound(err):
		return nil, fmt.Errorf("provider: load credential: %w", err)
	}

	if r.platform.APIKey == "" {
		return nil, nil
	}
	return &llm.Provider{
		APIKey:   r.platform.APIKey,
		APIURL:   r.platform.APIURL,
		Model:    r.platform.Model,
		Platform: true,
	}, nil
}
