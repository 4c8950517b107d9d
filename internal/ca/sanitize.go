package ca

import (
	"regexp"
	"strings"
)

// Everything that ends up in a subprocess argument or a filesystem path is
// allow-listed here. Rejection is the default.
var (
	stackNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	commonNamePattern = regexp.MustCompile(`^[A-Za-z0-9._@ -]+$`)
	emailPattern      = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
)

func validStackName(s string) bool {
	if s == "" || strings.Contains(s, "..") ||
		strings.ContainsAny(s, `/\`) {
		return false
	}
	return stackNamePattern.MatchString(s)
}

func validCommonName(s string) bool {
	if s == "" || len(s) > 128 || strings.Contains(s, "..") {
		return false
	}
	return commonNamePattern.MatchString(s)
}

func validEmail(s string) bool {
	return s != "" && len(s) <= 254 && emailPattern.MatchString(s)
}
