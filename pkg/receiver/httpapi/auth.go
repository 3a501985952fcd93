// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/killkrill/killkrill/pkg/util/apikey"
	"github.com/killkrill/killkrill/pkg/util/log"
)

// principalKey carries the authenticated identity through the request
// context.
type principalKey struct{}

func principal(ctx context.Context) string {
	if v, ok := ctx.Value(principalKey{}).(string); ok {
		return v
	}
	return ""
}

// authMiddleware admits requests carrying either a valid X-API-Key header
// or a bearer token signed with the configured JWT secret. A credential
// that is present but wrong is a hard 401, not a fallthrough.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			k, err := s.store.ActiveKey(r.Context(), apikey.Hash(key))
			if err == nil {
				ctx := context.WithValue(r.Context(), principalKey{}, k.Name)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			s.unauthorized(w, r, "api_key")
			return
		}
		if raw, ok := bearerToken(r); ok {
			subject, err := s.validateBearer(raw)
			if err == nil {
				ctx := context.WithValue(r.Context(), principalKey{}, subject)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			log.Debugf("bearer token rejected: %v", err)
			s.unauthorized(w, r, "bearer")
			return
		}
		s.unauthorized(w, r, "none")
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, method string) {
	AuthRejected.Add(1)
	TlmAuthRejected.Inc(method)
	log.Debugf("unauthenticated %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(auth, "Bearer "), true
}

// validateBearer verifies the token signature and returns the subject
// claim, when present, as the caller identity.
func (s *Server) validateBearer(raw string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", errors.New("bearer auth disabled: jwt_secret not configured")
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "bearer", nil
	}
	return subject, nil
}

// clientIP resolves the peer address used for admission: the first
// X-Forwarded-For hop when present, the socket peer otherwise.
func clientIP(r *http.Request) net.IP {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
