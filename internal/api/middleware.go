package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bmdtechnologies/portal/internal/models"
)

const msgTooManyRequests = "Trop de requêtes, réessayez dans quelques instants"

// requestID adds a unique request ID header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

// logging logs each request with method, path, status, and duration.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("Server: request", "method", r.Method, "path", r.URL.Path, "status", sw.status,
			"duration", time.Since(start), "request_id", w.Header().Get("X-Request-ID"))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// rateLimit rejects POST requests from clients over their budget. Reads and the
// provider webhook are not limited.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		client := s.clientAddr(r)
		if !s.opts.Limiter.Allow(client) {
			slog.Warn("Server.rateLimit: request rejected", "client", client, "path", r.URL.Path)
			if s.opts.OnRateLimited != nil {
				s.opts.OnRateLimited(r.Context(), "http")
			}
			w.Header().Set("Retry-After", "1")
			writeJSONResponse(w, http.StatusTooManyRequests, models.Error(msgTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the address requests are limited by. X-Forwarded-For is
// only read when the peer is a trusted proxy; its hops are then walked from the
// right and the first untrusted one is the client.
func (s *Server) clientAddr(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !s.trusted(peer) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !s.trusted(hop) {
			return hop
		}
	}
	return peer
}

func (s *Server) trusted(host string) bool {
	if len(s.opts.TrustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.opts.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
