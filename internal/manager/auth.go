package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// adminOU marks certificate subjects that carry administrator rights.
const adminOU = "OU=ADMINS"

// authCacheTTL bounds how long a validated bearer skips the round trip to
// the core.
const authCacheTTL = 60 * time.Second

// CoreAuth validates bearer tokens against the external core's auth API.
type CoreAuth struct {
	coreURL string
	httpc   *http.Client

	mu    sync.Mutex
	cache map[string]authCacheEntry
}

type authCacheEntry struct {
	superuser bool
	expires   time.Time
}

func NewCoreAuth(coreURL string) *CoreAuth {
	return &CoreAuth{
		coreURL: strings.TrimRight(coreURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]authCacheEntry),
	}
}

type coreUser struct {
	Username    string `json:"username"`
	IsSuperuser bool   `json:"is_superuser"`
}

// IsSuperuser resolves an Authorization header value to a superuser flag by
// asking the core who the token belongs to.
func (a *CoreAuth) IsSuperuser(ctx context.Context, authorization string) (bool, error) {
	a.mu.Lock()
	if e, ok := a.cache[authorization]; ok && time.Now().Before(e.expires) {
		a.mu.Unlock()
		return e.superuser, nil
	}
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.coreURL+"/rest-auth/user/", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", authorization)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("core auth backend: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("core auth backend returned %d", resp.StatusCode)
	}

	var user coreUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return false, fmt.Errorf("decoding core user: %w", err)
	}

	a.mu.Lock()
	a.cache[authorization] = authCacheEntry{superuser: user.IsSuperuser, expires: time.Now().Add(authCacheTTL)}
	a.mu.Unlock()
	return user.IsSuperuser, nil
}

// Login exchanges credentials for the core's access token.
func (a *CoreAuth) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.coreURL+"/rest-auth/login/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("core auth backend: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("login rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding login response: %w", err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("core returned empty token")
	}
	return out.Key, nil
}

// isAdminCN reports whether an mTLS subject header names an administrator.
func isAdminCN(header string) bool {
	return strings.Contains(header, adminOU)
}

// requireAdmin admits admin mTLS subjects or bearer tokens the core maps to
// a superuser.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAdminCN(r.Header.Get("X-SSL-Client-CN")) {
			next.ServeHTTP(w, r)
			return
		}

		authz := r.Header.Get("Authorization")
		if authz == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ok, err := s.deps.Auth.IsSuperuser(r.Context(), authz)
		if err != nil {
			s.log.Warn("auth backend unavailable", "error", err)
			writeError(w, http.StatusServiceUnavailable, "auth backend unavailable")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "superuser required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireClient admits any mTLS-identified peer (computer or admin) as well
// as admin bearers. Registration needs a device identity, not admin rights.
func (s *Server) requireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-SSL-Client-CN") != "" {
			next.ServeHTTP(w, r)
			return
		}
		s.requireAdmin(next).ServeHTTP(w, r)
	})
}

// handleLogin proxies credential login to the core.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	token, err := s.deps.Auth.Login(r.Context(), username, password)
	if err != nil {
		s.log.Warn("login failed", "username", username, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
}
