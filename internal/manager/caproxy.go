package manager

import (
	"io"
	"net/http"
	"strings"
)

// hopHeaders are stripped when relaying requests to the CA service.
var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"}

// caPassThrough relays the request verbatim to the CA service, which owns
// tokens, certificates and the CRL. Paths map 1:1.
func (s *Server) caPassThrough(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimRight(s.cfg.CAURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ca request failed")
		return
	}
	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.log.Warn("ca service unreachable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "ca service unavailable")
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
