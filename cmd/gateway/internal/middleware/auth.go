package middleware

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// UserContext identifies the authenticated caller. It is attached to the
// request context by AuthMiddleware and read by the rate limiter, the
// idempotency layer and the generation handlers.
type UserContext struct {
	UserID    string
	TenantID  string
	Role      string
	TokenType string // api_key or jwt
}

type ctxKey int

const userContextKey ctxKey = 0

// UserFrom returns the authenticated caller, or nil when the request did not
// pass through AuthMiddleware.
func UserFrom(ctx context.Context) *UserContext {
	uc, _ := ctx.Value(userContextKey).(*UserContext)
	return uc
}

// WithUser attaches a caller identity to the context. Exported for handler
// tests.
func WithUser(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// APIKey is one statically configured credential.
type APIKey struct {
	TenantID string
	UserID   string
	Role     string
}

// AuthMiddleware authenticates requests with either a static API key or an
// HS256 bearer token. Keys come from GATEWAY_API_KEYS as comma-separated
// key=tenant/user entries; a key given as a bcrypt hash ($2 prefix) is
// verified against the presented credential instead of matched literally.
// JWTs are verified against JWT_SECRET and must carry sub and tid claims.
type AuthMiddleware struct {
	keys       map[string]APIKey
	hashedKeys map[string]APIKey
	jwtSecret  []byte
	logger     *zap.Logger

	// Credentials that already passed a bcrypt check, so the cost is paid
	// once per process per key, not per request.
	verified sync.Map
}

// NewAuthMiddleware builds the middleware from explicit credentials. Use
// AuthFromEnv for the deployment path.
func NewAuthMiddleware(keys map[string]APIKey, jwtSecret []byte, logger *zap.Logger) *AuthMiddleware {
	plain := make(map[string]APIKey)
	hashed := make(map[string]APIKey)
	for k, v := range keys {
		if strings.HasPrefix(k, "$2") {
			hashed[k] = v
		} else {
			plain[k] = v
		}
	}
	return &AuthMiddleware{
		keys:       plain,
		hashedKeys: hashed,
		jwtSecret:  jwtSecret,
		logger:     logger,
	}
}

// AuthFromEnv reads GATEWAY_API_KEYS and JWT_SECRET.
func AuthFromEnv(logger *zap.Logger) *AuthMiddleware {
	return NewAuthMiddleware(
		ParseAPIKeys(os.Getenv("GATEWAY_API_KEYS")),
		[]byte(os.Getenv("JWT_SECRET")),
		logger,
	)
}

// ParseAPIKeys parses "key=tenant/user,key2=tenant2/user2[/role]". The key
// may be plaintext or a bcrypt hash of the credential; bcrypt's alphabet
// never collides with the = and , separators. Malformed entries are dropped.
func ParseAPIKeys(raw string) map[string]APIKey {
	keys := make(map[string]APIKey)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, ident, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		parts := strings.Split(ident, "/")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		ak := APIKey{TenantID: parts[0], UserID: parts[1], Role: "user"}
		if len(parts) > 2 && parts[2] != "" {
			ak.Role = parts[2]
		}
		keys[key] = ak
	}
	return keys
}

// Middleware returns the HTTP middleware function
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Development bypass. Never set in production deployments.
		if os.Getenv("GATEWAY_SKIP_AUTH") == "1" {
			userCtx := &UserContext{
				UserID:    "dev-user",
				TenantID:  "dev",
				Role:      "admin",
				TokenType: "api_key",
			}
			m.logger.Debug("Auth skipped (GATEWAY_SKIP_AUTH=1)", zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
			return
		}

		token := m.extractToken(r)
		if token == "" {
			m.sendUnauthorized(w, "API key or bearer token required")
			return
		}

		userCtx, err := m.authenticate(token)
		if err != nil {
			m.logger.Debug("Authentication failed",
				zap.Error(err),
				zap.String("token_prefix", tokenPrefix(token)),
			)
			m.sendUnauthorized(w, "Invalid credentials")
			return
		}

		m.logger.Debug("Request authenticated",
			zap.String("user_id", userCtx.UserID),
			zap.String("tenant_id", userCtx.TenantID),
			zap.String("token_type", userCtx.TokenType),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
	})
}

// authenticate resolves a token to an identity. JWTs are recognized by
// structure; everything else is treated as an API key.
func (m *AuthMiddleware) authenticate(token string) (*UserContext, error) {
	if looksLikeJWT(token) {
		return m.validateJWT(token)
	}
	if ak, ok := m.keys[token]; ok {
		return userFromKey(ak), nil
	}
	if ak, ok := m.matchHashedKey(token); ok {
		return userFromKey(ak), nil
	}
	return nil, errUnknownKey
}

func userFromKey(ak APIKey) *UserContext {
	return &UserContext{
		UserID:    ak.UserID,
		TenantID:  ak.TenantID,
		Role:      ak.Role,
		TokenType: "api_key",
	}
}

// matchHashedKey checks the credential against every bcrypt-hashed entry.
func (m *AuthMiddleware) matchHashedKey(token string) (APIKey, bool) {
	if len(m.hashedKeys) == 0 {
		return APIKey{}, false
	}
	if cached, ok := m.verified.Load(token); ok {
		return cached.(APIKey), true
	}
	for hash, ak := range m.hashedKeys {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			m.verified.Store(token, ak)
			return ak, true
		}
	}
	return APIKey{}, false
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errUnknownKey    = authError("unknown api key")
	errMissingClaims = authError("token missing sub or tid claim")
)

func (m *AuthMiddleware) validateJWT(token string) (*UserContext, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	tid, _ := claims["tid"].(string)
	if sub == "" || tid == "" {
		return nil, errMissingClaims
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = "user"
	}
	return &UserContext{UserID: sub, TenantID: tid, Role: role, TokenType: "jwt"}, nil
}

// looksLikeJWT matches the standard compact serialization: three dot-joined
// segments starting with the base64 of {"alg".
func looksLikeJWT(token string) bool {
	return strings.HasPrefix(token, "eyJ") && strings.Count(token, ".") == 2
}

// extractToken pulls the credential from X-API-Key or Authorization: Bearer.
// Query parameters are deliberately not accepted; they leak into access logs.
func (m *AuthMiddleware) extractToken(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return strings.TrimSpace(apiKey)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.Split(auth, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// tokenPrefix returns the first few characters for logging
func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return "***"
}

// sendUnauthorized sends an unauthorized response
func (m *AuthMiddleware) sendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="QLP API"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
