package ca

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/migasfree/swarm-control/internal/config"
)

// failureDelay throttles token and issuance failures so the token space
// cannot be enumerated quickly.
const failureDelay = 3 * time.Second

//go:embed static/request_form.html
var requestFormHTML string

var requestFormTmpl = template.Must(template.New("form").Parse(requestFormHTML))

// Server is the CA sidecar's HTTP surface. Private routes are reachable
// only through the manager on the overlay network.
type Server struct {
	cfg    *config.CA
	tokens *TokenStore
	certs  *CertOps
	log    *slog.Logger

	httpSrv *http.Server

	// delay is the anti-enumeration penalty, shrunk to zero in tests.
	delay time.Duration
}

func NewServer(cfg *config.CA, tokens *TokenStore, certs *CertOps, log *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		tokens: tokens,
		certs:  certs,
		log:    log,
		delay:  failureDelay,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/private/mtls", func(r chi.Router) {
			r.Post("/admin-tokens", s.handleCreateToken(RoleAdmin))
			r.Post("/computer-tokens", s.handleCreateToken(RoleComputer))
			r.Delete("/admin-certificates", s.handleRevoke(RoleAdmin))
			r.Delete("/computer-certificates", s.handleRevoke(RoleComputer))
		})
		r.Route("/public", s.publicRoutes)
	})

	// The proxy forwards browser requests with the public prefix intact,
	// so the public routes answer under it as well.
	if p := s.cfg.PublicPrefix; p != "" && p != "/" {
		r.Route(p+"/v1/public", s.publicRoutes)
	}

	return r
}

func (s *Server) publicRoutes(r chi.Router) {
	r.Get("/mtls/admin-requests/{token}", s.handleRequestForm(RoleAdmin))
	r.Get("/mtls/computer-requests/{token}", s.handleRequestForm(RoleComputer))
	r.Post("/mtls/admin-certificates", s.handleIssue(RoleAdmin))
	r.Post("/mtls/computer-certificates", s.handleIssue(RoleComputer))
	r.Get("/crl", s.handleCRL)
	r.Get("/ca", s.handleCACert)
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ca service listening", "addr", s.cfg.HTTPAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type tokenRequest struct {
	CommonName   string `json:"common_name"`
	ValidityDays int    `json:"validity_days"`
}

// handleCreateToken mints a token and returns the public completion URL.
func (s *Server) handleCreateToken(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		token, err := s.tokens.Create(role, req.CommonName, req.ValidityDays)
		if errors.Is(err, ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			s.log.Error("token creation failed", "role", role, "error", err)
			writeError(w, http.StatusInternalServerError, "token creation failed")
			return
		}

		// Public routes sit behind the proxy's path prefix.
		url := fmt.Sprintf("https://%s%s/v1/public/mtls/%s-requests/%s",
			s.cfg.FQDN, s.cfg.PublicPrefix, role, token)
		writeJSON(w, http.StatusCreated, map[string]string{"url": url})
	}
}

// handleRequestForm renders the issuance form if the token is still valid.
func (s *Server) handleRequestForm(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		commonName, _, err := s.tokens.Validate(role, token)
		if err != nil {
			s.fail(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = requestFormTmpl.Execute(w, map[string]string{
			"Role":       role,
			"Token":      token,
			"CommonName": commonName,
			"Action":     fmt.Sprintf("%s/v1/public/mtls/%s-certificates", s.cfg.PublicPrefix, role),
		})
	}
}

// handleIssue consumes a token and streams the certificate bundle back.
func (s *Server) handleIssue(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			s.fail(w, http.StatusBadRequest, "invalid form")
			return
		}
		token := r.PostFormValue("token")
		email := r.PostFormValue("email")
		password := r.PostFormValue("password")

		commonName, days, err := s.tokens.Validate(role, token)
		if err != nil {
			s.fail(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		tarPath, err := s.certs.Issue(r.Context(), role, commonName, email, days, password)
		if errors.Is(err, ErrInvalidInput) {
			s.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			s.log.Error("certificate issuance failed", "role", role, "common_name", commonName, "error", err)
			s.fail(w, http.StatusInternalServerError, "certificate creation failed")
			return
		}

		// Token and bundle are both one-shot: gone after this response.
		defer func() {
			s.tokens.Consume(role, token)
			_ = os.Remove(tarPath)
		}()

		w.Header().Set("Content-Type", "application/x-tar")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", filepath.Base(tarPath)))
		http.ServeFile(w, r, tarPath)
	}
}

type revokeRequest struct {
	CommonName string `json:"common_name"`
}

func (s *Server) handleRevoke(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req revokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		err := s.certs.Revoke(r.Context(), role, req.CommonName)
		switch {
		case errors.Is(err, ErrCertNotFound):
			writeError(w, http.StatusNotFound, "certificate not found")
		case errors.Is(err, ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			s.log.Error("revocation failed", "role", role, "common_name", req.CommonName, "error", err)
			writeError(w, http.StatusInternalServerError, "revocation failed")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
		}
	}
}

func (s *Server) handleCRL(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(s.certs.CRLPath())
	if err != nil {
		writeError(w, http.StatusNotFound, "no CRL available")
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleCACert(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(s.certs.CACertPath())
	if err != nil {
		writeError(w, http.StatusNotFound, "no CA certificate available")
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	_, _ = w.Write(data)
}

// fail responds after the anti-enumeration delay.
func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	time.Sleep(s.delay)
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
