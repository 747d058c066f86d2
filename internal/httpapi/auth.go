package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"

	"github.com/golang-jwt/jwt/v5"
)

type authContextKey struct{}

type AdminLookup interface {
	GetAdmin(ctx context.Context, adminID string) (models.Admin, error)
}

// AuthMiddleware verifies HS256 bearer tokens on staff routes and stores the
// subject claim as the acting admin id. Routes under /api/admin/ also require
// an elevated admin. An empty secret rejects every staff request.
func AuthMiddleware(secret string, admins AdminLookup, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		adminID, err := parseAdminToken(secret, raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/admin/") {
			admin, err := admins.GetAdmin(r.Context(), adminID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "unknown admin")
					return
				}
				writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "admin lookup failed")
				return
			}
			if admin.Role != models.RoleElevated {
				writeError(w, requestIDFromRequest(r), http.StatusForbidden, "not_authorized", "elevated role required")
				return
			}
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, adminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parseAdminToken(secret, raw string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func adminIDFromContext(ctx context.Context) (string, bool) {
	adminID, ok := ctx.Value(authContextKey{}).(string)
	return adminID, ok && adminID != ""
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	path := r.URL.Path
	switch {
	case path == "/healthz", path == "/metrics":
		return true
	case path == "/api/services":
		return r.Method == http.MethodGet
	case path == "/api/registrations", path == "/api/track", path == "/api/track/survey":
		return true
	case strings.HasPrefix(path, "/api/entry/"), strings.HasPrefix(path, "/api/links/"):
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
