package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"octoflow/internal/workflow"
)

type AuthConfig struct {
	JWTSecret string
	// Superusers are user ids granted superuser regardless of token claims.
	Superusers []string
	// AllowUserHeader accepts X-User-Id / X-User-Groups without a token.
	// Development only.
	AllowUserHeader bool
	Logger          *logrus.Logger
}

func (c AuthConfig) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c AuthConfig) isSuperuser(userID string) bool {
	for _, u := range c.Superusers {
		if u == userID {
			return true
		}
	}
	return false
}

type userKey struct{}

func withUser(ctx context.Context, u workflow.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func userFromContext(ctx context.Context) (workflow.User, bool) {
	u, ok := ctx.Value(userKey{}).(workflow.User)
	return u, ok
}

func requireUser(ctx context.Context) (workflow.User, huma.StatusError) {
	if u, ok := userFromContext(ctx); ok && u.ID != "" {
		return u, nil
	}
	return workflow.User{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Groups    []string `json:"groups,omitempty"`
	Superuser bool     `json:"superuser,omitempty"`
}

func authenticateJWT(token, secret string) (workflow.User, error) {
	if strings.TrimSpace(secret) == "" {
		return workflow.User{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return workflow.User{}, err
	}
	if !parsed.Valid {
		return workflow.User{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return workflow.User{}, errors.New("subject claim required")
	}
	return workflow.User{
		ID:        claims.Subject,
		Groups:    claims.Groups,
		Superuser: claims.Superuser,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				user, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				if cfg.isSuperuser(user.ID) {
					user.Superuser = true
				}
				next.ServeHTTP(w, req.WithContext(withUser(req.Context(), user)))
				return
			}

			headerUser := strings.TrimSpace(req.Header.Get("X-User-Id"))
			if headerUser != "" && cfg.AllowUserHeader {
				cfg.logger().WithField("user", headerUser).Warn("using unauthenticated X-User-Id header; development only")
				user := workflow.User{
					ID:        headerUser,
					Groups:    splitGroups(req.Header.Get("X-User-Groups")),
					Superuser: cfg.isSuperuser(headerUser),
				}
				next.ServeHTTP(w, req.WithContext(withUser(req.Context(), user)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func splitGroups(header string) []string {
	var out []string
	for _, g := range strings.Split(header, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
