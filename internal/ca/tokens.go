// Package ca implements the certificate authority sidecar: single-use
// issuance tokens, shell-scripted certificate creation, revocation and CRL
// serving. All state lives on the filesystem under the stack's cert root.
package ca

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	tokenLength     = 64 // hex characters
	minValidityDays = 1
	maxValidityDays = 7305 // 20 years
)

// Roles a certificate can be issued for.
const (
	RoleAdmin    = "admin"
	RoleComputer = "computer"
)

var (
	// ErrInvalidToken covers every validation failure: wrong length,
	// missing file, expiry, malformed content. Callers respond 401 without
	// distinguishing, so probing reveals nothing.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrInvalidInput rejects malformed creation parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// TokenStore manages issuance tokens as files under
// <root>/<stack>/<role>/tokens/<token> containing "common_name|days".
type TokenStore struct {
	root   string
	stack  string
	maxAge time.Duration
	log    *slog.Logger
}

func NewTokenStore(root, stack string, maxAge time.Duration, log *slog.Logger) (*TokenStore, error) {
	if !validStackName(stack) {
		return nil, fmt.Errorf("%w: bad stack name", ErrInvalidInput)
	}
	return &TokenStore{root: root, stack: stack, maxAge: maxAge, log: log}, nil
}

// Create mints a fresh token for one certificate issuance.
func (ts *TokenStore) Create(role, commonName string, validityDays int) (string, error) {
	if err := checkRole(role); err != nil {
		return "", err
	}
	if !validCommonName(commonName) {
		return "", fmt.Errorf("%w: bad common name", ErrInvalidInput)
	}
	if validityDays < minValidityDays || validityDays > maxValidityDays {
		return "", fmt.Errorf("%w: validity_days must be in [%d, %d]",
			ErrInvalidInput, minValidityDays, maxValidityDays)
	}

	raw := make([]byte, tokenLength/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(raw)

	dir := ts.tokenDir(role)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating token dir: %w", err)
	}
	content := fmt.Sprintf("%s|%d", commonName, validityDays)
	if err := os.WriteFile(filepath.Join(dir, token), []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing token: %w", err)
	}

	ts.log.Info("issuance token created", "role", role, "common_name", commonName, "days", validityDays)
	return token, nil
}

// Validate checks a presented token and returns its pending request.
// Expired token files are removed on sight.
func (ts *TokenStore) Validate(role, token string) (commonName string, validityDays int, err error) {
	if err := checkRole(role); err != nil {
		return "", 0, err
	}
	if len(token) != tokenLength || !isHex(token) {
		return "", 0, ErrInvalidToken
	}

	path := filepath.Join(ts.tokenDir(role), token)
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, ErrInvalidToken
	}
	if time.Since(info.ModTime()) > ts.maxAge {
		_ = os.Remove(path)
		ts.log.Warn("expired token presented", "role", role)
		return "", 0, ErrInvalidToken
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", 0, ErrInvalidToken
	}
	parts := strings.SplitN(strings.TrimSpace(string(content)), "|", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, ErrInvalidToken
	}
	days, err := strconv.Atoi(parts[1])
	if err != nil || days < minValidityDays || days > maxValidityDays {
		return "", 0, ErrInvalidToken
	}
	return parts[0], days, nil
}

// Consume removes a token after successful issuance, making it single-use.
func (ts *TokenStore) Consume(role, token string) {
	if checkRole(role) != nil || len(token) != tokenLength || !isHex(token) {
		return
	}
	_ = os.Remove(filepath.Join(ts.tokenDir(role), token))
}

func (ts *TokenStore) tokenDir(role string) string {
	return filepath.Join(ts.root, ts.stack, role, "tokens")
}

func checkRole(role string) error {
	if role != RoleAdmin && role != RoleComputer {
		return fmt.Errorf("%w: unknown role", ErrInvalidInput)
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
