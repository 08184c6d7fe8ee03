package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/cache"
	"github.com/Icerzack/excalisync/internal/models"
)

// RemoteProvider asks an external service to validate the token. The
// service answers 200 with the identity, or 401/403 when it rejects it.
type RemoteProvider struct {
	// validationURL receives a GET with the token in headerName
	validationURL string
	headerName    string

	client *http.Client

	// cache keeps resolved identities for cacheTTL, it may be nil
	cache    cache.Cache
	cacheTTL time.Duration

	logger *zap.Logger
}

type validationResponse struct {
	ID          interface{} `json:"id"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
}

func NewRemoteProvider(validationURL, headerName string, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *RemoteProvider {
	if headerName == "" {
		headerName = "Authorization"
	}
	return &RemoteProvider{
		validationURL: validationURL,
		headerName:    headerName,
		client:        &http.Client{Timeout: 5 * time.Second},
		cache:         c,
		cacheTTL:      cacheTTL,
		logger:        logger,
	}
}

func (p *RemoteProvider) Identify(ctx context.Context, token string, claimed Identity) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}

	key := cacheKey(token)
	if p.cache != nil {
		if raw, err := p.cache.Get(ctx, key); err != nil {
			p.logger.Warn("Identity cache lookup failed", zap.Error(err))
		} else if raw != nil {
			var id Identity
			if err := json.Unmarshal(raw, &id); err == nil {
				return merge(id, claimed)
			}
		}
	}

	id, err := p.validate(ctx, token)
	if err != nil {
		return Identity{}, err
	}

	if p.cache != nil {
		raw, _ := json.Marshal(id)
		if err := p.cache.Set(ctx, key, raw, p.cacheTTL); err != nil {
			p.logger.Warn("Failed to cache identity", zap.Error(err))
		}
	}
	return merge(id, claimed)
}

func (p *RemoteProvider) validate(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.validationURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to build validation request: %w", err)
	}
	req.Header.Set(p.headerName, token)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("Failed to send validation request", zap.Error(err))
		return Identity{}, fmt.Errorf("failed to send validation request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return Identity{}, fmt.Errorf("token rejected: %w", ErrUnauthorized)
	case http.StatusForbidden:
		return Identity{}, fmt.Errorf("forbidden: %w", ErrUnauthorized)
	default:
		return Identity{}, fmt.Errorf("validation service answered %d", resp.StatusCode)
	}

	var body validationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.logger.Error("Failed to decode validation response", zap.Error(err))
		return Identity{}, fmt.Errorf("failed to decode validation response: %w", err)
	}

	id := Identity{DisplayName: body.DisplayName, Role: body.Role}
	switch v := body.ID.(type) {
	case string:
		id.UserID = v
	case float64:
		id.UserID = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return id, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "identity:" + hex.EncodeToString(sum[:])
}
