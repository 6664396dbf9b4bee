package manager

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/patrickmn/go-cache"
)

// ErrInvalidToken is returned for unknown, revoked or expired join tokens
var ErrInvalidToken = errors.New("invalid or expired join token")

// TokenManager issues the join tokens nodes present when registering.
// Expired tokens are evicted by the cache janitor.
type TokenManager struct {
	tokens *cache.Cache
}

// JoinToken represents a token for joining the cluster
type JoinToken struct {
	Token     string         `json:"token"`
	Role      types.NodeRole `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: cache.New(cache.NoExpiration, time.Minute),
	}
}

// GenerateToken generates a new join token valid for duration
func (tm *TokenManager) GenerateToken(role types.NodeRole, duration time.Duration) (*JoinToken, error) {
	if role != types.NodeRoleManager && role != types.NodeRoleWorker {
		return nil, fmt.Errorf("unknown node role %q", role)
	}

	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	now := time.Now()
	jt := &JoinToken{
		Token:     hex.EncodeToString(bytes),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}
	tm.tokens.Set(jt.Token, jt, duration)
	return jt, nil
}

// ValidateToken validates a join token and returns its role
func (tm *TokenManager) ValidateToken(token string) (types.NodeRole, error) {
	v, ok := tm.tokens.Get(token)
	if !ok {
		return "", ErrInvalidToken
	}
	return v.(*JoinToken).Role, nil
}

// RevokeToken revokes a join token
func (tm *TokenManager) RevokeToken(token string) {
	tm.tokens.Delete(token)
}

// ListTokens returns all unexpired tokens
func (tm *TokenManager) ListTokens() []*JoinToken {
	items := tm.tokens.Items()
	tokens := make([]*JoinToken, 0, len(items))
	for _, item := range items {
		tokens = append(tokens, item.Object.(*JoinToken))
	}
	return tokens
}
