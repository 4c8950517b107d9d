package ca

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// subprocessTimeout bounds every OpenSSL and issuance script invocation.
const subprocessTimeout = 30 * time.Second

// ErrCertNotFound distinguishes a 404 revocation from a real failure.
var ErrCertNotFound = errors.New("certificate not found")

// CertOps wraps the shell-scripted certificate lifecycle. Scripts live next
// to the CA material and expect sanitized positional arguments.
type CertOps struct {
	root       string
	stack      string
	scriptsDir string
	log        *slog.Logger
}

func NewCertOps(root, stack, scriptsDir string, log *slog.Logger) *CertOps {
	return &CertOps{root: root, stack: stack, scriptsDir: scriptsDir, log: log}
}

// Issue creates one certificate bundle by running the role's issuance
// script. The bundle password travels on stdin, never in argv. Returns the
// path of the resulting tar archive.
func (c *CertOps) Issue(ctx context.Context, role, commonName, email string, validityDays int, password string) (string, error) {
	if err := checkRole(role); err != nil {
		return "", err
	}
	if !validCommonName(commonName) {
		return "", fmt.Errorf("%w: bad common name", ErrInvalidInput)
	}
	if !validEmail(email) {
		return "", fmt.Errorf("%w: bad email", ErrInvalidInput)
	}
	if validityDays < minValidityDays || validityDays > maxValidityDays {
		return "", fmt.Errorf("%w: bad validity", ErrInvalidInput)
	}

	script := filepath.Join(c.scriptsDir, "create_cert_"+role+".sh")
	args := []string{c.stack, commonName, email, strconv.Itoa(validityDays)}

	if err := c.run(ctx, script, args, password); err != nil {
		return "", fmt.Errorf("issuing %s certificate for %s: %w", role, commonName, err)
	}

	tarPath := filepath.Join(c.root, c.stack, role, "certs", commonName+".tar")
	if _, err := os.Stat(tarPath); err != nil {
		return "", fmt.Errorf("issuance script produced no bundle for %s", commonName)
	}
	c.log.Info("certificate issued", "role", role, "common_name", commonName)
	return tarPath, nil
}

// Revoke marks a certificate revoked, regenerates the CRL and removes the
// certificate file. Absent certificates return ErrCertNotFound; subprocess
// failures leave the file in place.
func (c *CertOps) Revoke(ctx context.Context, role, commonName string) error {
	if err := checkRole(role); err != nil {
		return err
	}
	if !validCommonName(commonName) {
		return fmt.Errorf("%w: bad common name", ErrInvalidInput)
	}

	certPath := filepath.Join(c.root, c.stack, role, "certs", commonName+".crt")
	if _, err := os.Stat(certPath); err != nil {
		return ErrCertNotFound
	}

	cnf := filepath.Join(c.root, c.stack, "ca", "openssl.cnf")
	if err := c.run(ctx, "openssl", []string{"ca", "-config", cnf, "-revoke", certPath}, ""); err != nil {
		return fmt.Errorf("revoking %s: %w", commonName, err)
	}
	if err := c.renewCRL(ctx); err != nil {
		return err
	}
	if err := os.Remove(certPath); err != nil {
		return fmt.Errorf("removing revoked certificate: %w", err)
	}
	c.log.Info("certificate revoked", "role", role, "common_name", commonName)
	return nil
}

func (c *CertOps) renewCRL(ctx context.Context) error {
	cnf := filepath.Join(c.root, c.stack, "ca", "openssl.cnf")
	args := []string{"ca", "-config", cnf, "-gencrl", "-out", c.CRLPath()}
	if err := c.run(ctx, "openssl", args, ""); err != nil {
		return fmt.Errorf("regenerating CRL: %w", err)
	}
	return nil
}

// CRLPath is where the current revocation list lives.
func (c *CertOps) CRLPath() string {
	return filepath.Join(c.root, c.stack, "crl.pem")
}

// CACertPath is the public CA certificate.
func (c *CertOps) CACertPath() string {
	return filepath.Join(c.root, c.stack, "ca", "ca.crt")
}

func (c *CertOps) run(ctx context.Context, name string, args []string, stdin string) error {
	runCtx, cancel := context.WithTimeout(ctx, subprocessTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s", filepath.Base(name), subprocessTimeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s failed: %s", filepath.Base(name), msg)
	}
	return nil
}
