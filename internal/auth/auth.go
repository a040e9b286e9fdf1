// Package auth validates API keys and JWTs and resolves the caller identity
// used for rate-limit keys and cache scoping.
package auth

import (
	"crypto/sha256"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/conduit-ai/conduit/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and its associated identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Email  string
	Name   string
	Tier   string
}

// Service validates JWTs and API keys. Keys are held as SHA-256 digests,
// so validation is a single map lookup and plaintext keys never sit in
// process memory past construction.
type Service struct {
	jwt     *JWTService
	apiKeys map[[sha256.Size]byte]*models.User
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a JWT and returns the associated user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated user.
// The input is hashed and looked up by digest, so the check's cost does
// not depend on the key table's size or contents.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(key)))
	user, ok := s.apiKeys[digest]
	if !ok {
		return nil, ErrInvalidKey
	}
	return user, nil
}

// Authenticate resolves the caller from an HTTP request. API keys are read
// from X-API-Key, JWTs from the Authorization bearer token. When auth is
// disabled entirely, the caller is anonymous and nil is returned without
// error; when auth is enabled, bad credentials fail.
func (s *Service) Authenticate(r *http.Request) (*models.User, error) {
	if !s.Enabled() {
		return nil, nil
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return s.ValidateAPIKey(key)
	}

	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, ErrInvalidToken
		}
		return s.ValidateJWT(token)
	}

	// No credentials presented: anonymous, rate-limited by address.
	return nil, nil
}

func buildAPIKeyMap(configs []APIKeyConfig) map[[sha256.Size]byte]*models.User {
	keys := make(map[[sha256.Size]byte]*models.User, len(configs))
	for _, cfg := range configs {
		key := strings.TrimSpace(cfg.Key)
		if key == "" {
			continue
		}
		keys[sha256.Sum256([]byte(key))] = &models.User{
			ID:    cfg.UserID,
			Email: cfg.Email,
			Name:  cfg.Name,
			Tier:  cfg.Tier,
		}
	}
	return keys
}
