// Package auth issues and validates the bearer tokens that tie sessions
// to user identity.
//
// Tokens are HMAC-SHA256 JWTs with claims {sub, iat, exp, type:"access"}.
// The signing secret lives in a config file and is generated (256-bit
// random) on first run if absent. No refresh flow and no revocation list.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/agentum-dev/agentum/internal/model"
)

// DefaultTokenTTL is the access token lifetime.
const DefaultTokenTTL = 168 * time.Hour

const secretBytes = 32

// Claims are the token claims.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"type"`
}

// Service signs and validates access tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// secretsFile is the on-disk shape of secrets.yaml.
type secretsFile struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// New creates the auth service, loading the signing secret from
// secretsPath or generating and persisting a fresh one when the file is
// missing or empty.
func New(secretsPath string, ttl time.Duration, logger *slog.Logger) (*Service, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	secret, err := loadOrCreateSecret(secretsPath, logger)
	if err != nil {
		return nil, err
	}
	return &Service{secret: secret, ttl: ttl}, nil
}

func loadOrCreateSecret(path string, logger *slog.Logger) ([]byte, error) {
	var sf secretsFile
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("auth: parse secrets file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("auth: read secrets file: %w", err)
	}

	if sf.JWTSecret != "" {
		decoded, err := base64.StdEncoding.DecodeString(sf.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("auth: decode jwt secret: %w", err)
		}
		return decoded, nil
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("auth: generate secret: %w", err)
	}
	sf.JWTSecret = base64.StdEncoding.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("auth: create secrets dir: %w", err)
	}
	out, err := yaml.Marshal(sf)
	if err != nil {
		return nil, fmt.Errorf("auth: marshal secrets: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("auth: persist secret: %w", err)
	}
	logger.Info("generated new token signing secret", "path", path)
	return raw, nil
}

// IssueToken signs a token for the user and returns it with its lifetime
// in seconds.
func (s *Service) IssueToken(userID string) (token string, expiresIn int64, err error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		TokenType: "access",
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, int64(s.ttl.Seconds()), nil
}

// ValidateToken parses and validates a token, returning the subject user
// id. Expired or malformed tokens yield model.ErrUnauthorized.
func (s *Service) ValidateToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: %w (%w)", err, model.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("auth: invalid token claims: %w", model.ErrUnauthorized)
	}
	return claims.Subject, nil
}
