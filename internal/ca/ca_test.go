package ca

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migasfree/swarm-control/internal/config"
)

func newTokenStore(t *testing.T) *TokenStore {
	t.Helper()
	ts, err := NewTokenStore(t.TempDir(), "migasfree", 72*time.Hour, slog.Default())
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	return ts
}

func TestTokenLifecycle(t *testing.T) {
	ts := newTokenStore(t)

	token, err := ts.Create(RoleAdmin, "alice", 365)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(token) != tokenLength || !isHex(token) {
		t.Fatalf("token %q is not %d hex chars", token, tokenLength)
	}

	cn, days, err := ts.Validate(RoleAdmin, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cn != "alice" || days != 365 {
		t.Fatalf("got %q/%d, want alice/365", cn, days)
	}

	// Wrong role must not see the token.
	if _, _, err := ts.Validate(RoleComputer, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("cross-role validate: got %v, want ErrInvalidToken", err)
	}

	ts.Consume(RoleAdmin, token)
	if _, _, err := ts.Validate(RoleAdmin, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("after consume: got %v, want ErrInvalidToken", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	ts := newTokenStore(t)

	token, err := ts.Create(RoleComputer, "PC00042", 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	path := filepath.Join(ts.tokenDir(RoleComputer), token)
	old := time.Now().Add(-73 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if _, _, err := ts.Validate(RoleComputer, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v, want ErrInvalidToken", err)
	}
	// Expired tokens are removed on sight.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expired token file still exists")
	}
}

func TestTokenValidateRejectsGarbage(t *testing.T) {
	ts := newTokenStore(t)

	for _, token := range []string{
		"",
		"short",
		strings.Repeat("g", tokenLength),                // not hex
		strings.Repeat("a", tokenLength-1),              // wrong length
		"../../" + strings.Repeat("a", tokenLength-6),   // traversal
	} {
		if _, _, err := ts.Validate(RoleAdmin, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Validate(%q): got %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestTokenCreateRejectsBadInput(t *testing.T) {
	ts := newTokenStore(t)

	cases := []struct {
		role string
		cn   string
		days int
	}{
		{"superuser", "alice", 30},
		{RoleAdmin, "", 30},
		{RoleAdmin, "../../etc/passwd", 30},
		{RoleAdmin, "alice;rm -rf /", 30},
		{RoleAdmin, "alice", 0},
		{RoleAdmin, "alice", 8000},
	}
	for _, c := range cases {
		if _, err := ts.Create(c.role, c.cn, c.days); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Create(%q, %q, %d): got %v, want ErrInvalidInput", c.role, c.cn, c.days, err)
		}
	}
}

func TestSanitizers(t *testing.T) {
	cases := []struct {
		fn    func(string) bool
		input string
		want  bool
	}{
		{validStackName, "migasfree", true},
		{validStackName, "stack_01-a", true},
		{validStackName, "", false},
		{validStackName, "a/b", false},
		{validStackName, `a\b`, false},
		{validStackName, "..", false},

		{validCommonName, "PC00042", true},
		{validCommonName, "alice.smith@example", true},
		{validCommonName, "two words", true},
		{validCommonName, "", false},
		{validCommonName, "a..b", false},
		{validCommonName, "a;b", false},
		{validCommonName, "$(id)", false},
		{validCommonName, strings.Repeat("a", 129), false},

		{validEmail, "alice@example.com", true},
		{validEmail, "a+tag@sub.example.org", true},
		{validEmail, "", false},
		{validEmail, "nodomain", false},
		{validEmail, "a@b", false},
	}
	for _, c := range cases {
		if got := c.fn(c.input); got != c.want {
			t.Errorf("sanitize(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestRevokeMissingCert(t *testing.T) {
	ops := NewCertOps(t.TempDir(), "migasfree", t.TempDir(), slog.Default())
	err := ops.Revoke(t.Context(), RoleAdmin, "ghost")
	if !errors.Is(err, ErrCertNotFound) {
		t.Fatalf("got %v, want ErrCertNotFound", err)
	}
}

// newTestServer wires a Server around temp dirs with the failure delay
// removed and a stub issuance script that tars up a fixed payload.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	scripts := t.TempDir()

	cfg := &config.CA{
		FQDN:         "swarm.example.com",
		Stack:        "migasfree",
		CertRoot:     root,
		ScriptsDir:   scripts,
		PublicPrefix: "/ca",
		MaxTokenAge:  72 * time.Hour,
	}

	script := `#!/bin/sh
read -r password
mkdir -p "$CERT_ROOT/$1/admin/certs"
printf 'bundle:%s:%s' "$2" "$password" > "$CERT_ROOT/$1/admin/certs/$2.tar"
`
	script = strings.ReplaceAll(script, "$CERT_ROOT", root)
	if err := os.WriteFile(filepath.Join(scripts, "create_cert_admin.sh"), []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub script: %v", err)
	}

	tokens, err := NewTokenStore(root, cfg.Stack, cfg.MaxTokenAge, slog.Default())
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	certs := NewCertOps(root, cfg.Stack, scripts, slog.Default())

	srv := NewServer(cfg, tokens, certs, slog.Default())
	srv.delay = 0
	return srv, root
}

func TestServerTokenToCertificateFlow(t *testing.T) {
	srv, root := newTestServer(t)
	router := srv.Router()

	// Mint a token.
	body := bytes.NewBufferString(`{"common_name": "alice", "validity_days": 365}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/private/mtls/admin-tokens", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create token: status %d, body %s", rec.Code, rec.Body)
	}
	var created struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decoding token response: %v", err)
	}
	// The completion URL carries the proxy's public prefix.
	prefix := "https://swarm.example.com/ca/v1/public/mtls/admin-requests/"
	if !strings.HasPrefix(created.URL, prefix) {
		t.Fatalf("url %q lacks prefix %q", created.URL, prefix)
	}
	token := strings.TrimPrefix(created.URL, prefix)

	// The form page renders for a valid token, reached via the prefixed
	// path the completion URL points at, and posts back through it too.
	req = httptest.NewRequest(http.MethodGet, "/ca/v1/public/mtls/admin-requests/"+token, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("form: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alice") {
		t.Fatal("form does not show the common name")
	}
	if !strings.Contains(rec.Body.String(), `action="/ca/v1/public/mtls/admin-certificates"`) {
		t.Fatal("form does not post through the public prefix")
	}

	// Completing the form returns the bundle.
	form := url.Values{"token": {token}, "email": {"alice@example.com"}, "password": {"hunter22aa"}}
	req = httptest.NewRequest(http.MethodPost, "/ca/v1/public/mtls/admin-certificates",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("issue: status %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "alice.tar") {
		t.Fatalf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != "bundle:alice:hunter22aa" {
		t.Fatalf("bundle body = %q", rec.Body.String())
	}

	// Token is single-use and the bundle is gone from disk.
	req = httptest.NewRequest(http.MethodPost, "/v1/public/mtls/admin-certificates",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: status %d, want 401", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(root, "migasfree", "admin", "certs", "alice.tar")); !os.IsNotExist(err) {
		t.Fatal("bundle still on disk after delivery")
	}
}

func TestServerUnknownTokenForm(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet,
		"/v1/public/mtls/admin-requests/"+strings.Repeat("a", tokenLength), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestServerRevokeNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodDelete, "/v1/private/mtls/admin-certificates",
		strings.NewReader(`{"common_name": "ghost"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestServerCRLAndCACert(t *testing.T) {
	srv, root := newTestServer(t)
	router := srv.Router()

	// Missing artifacts 404.
	for _, path := range []string{"/v1/public/crl", "/v1/public/ca"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("GET %s: status %d, want 404", path, rec.Code)
		}
	}

	if err := os.MkdirAll(filepath.Join(root, "migasfree", "ca"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "migasfree", "crl.pem"), []byte("CRL"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "migasfree", "ca", "ca.crt"), []byte("CACERT"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/public/crl", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "CRL" {
		t.Fatalf("crl: status %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pkix-crl" {
		t.Fatalf("crl content type %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("crl cache control %q", got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/public/ca", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "CACERT" {
		t.Fatalf("ca cert: status %d, body %q", rec.Code, rec.Body.String())
	}
}
