package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/SAI09992/scrs/internal/domain"
)

type authContextKey string

type authInfo struct {
	Actor    string
	TeamID   string
	DeviceID string
	Token    string
	Session  domain.Session
}

const (
	actorTeam  = "team"
	actorAdmin = "admin"
)

const contextKeyAuth authContextKey = "scrs-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireSession ensures the request carries a session token whose device is
// still admitted before invoking the handler.
func (r *Router) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureSession(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureSession validates the session token and enriches the context.
func (r *Router) ensureSession(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := requestToken(req)
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	sess, err := r.sessions.Validate(req.Context(), token)
	if err != nil {
		r.logger.Warn("session validation failed", "error", err, "path", req.URL.Path)
		writeServiceError(w, err)
		return req.Context(), authInfo{}, false
	}
	info := authInfo{Actor: actorTeam, TeamID: sess.TeamID, DeviceID: sess.DeviceID, Token: token, Session: sess}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// requireAdminToken extracts the administrator bearer token. Verification is
// performed by the admin service on every override.
func (r *Router) requireAdminToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("admin authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyAuth, authInfo{Actor: actorAdmin, Token: token})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

// requestToken reads the bearer token, falling back to the access_token query
// parameter for websocket and event-stream clients that cannot set headers.
func requestToken(req *http.Request) (string, error) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err == nil {
		return token, nil
	}
	if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" {
		return q, nil
	}
	return "", err
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
