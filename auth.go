package ragserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const userContextKey contextKey = 0

// User is an authenticated caller.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
}

// UserFromContext returns the authenticated user, or nil when auth is
// disabled.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userContextKey).(*User)
	return u
}

// AuthService issues and validates JWT bearer tokens for configured users.
type AuthService struct {
	jwtSecret []byte
	expiry    time.Duration
	users     map[string]*User
	now       func() time.Time
}

// NewAuthService returns nil when no JWT secret is configured, which
// disables auth.
func NewAuthService(cfg AuthConfig) *AuthService {
	if cfg.JWTSecret == "" {
		return nil
	}
	svc := &AuthService{
		jwtSecret: []byte(cfg.JWTSecret),
		expiry:    cfg.TokenExpiry,
		users:     make(map[string]*User, len(cfg.Users)),
		now:       time.Now,
	}
	if svc.expiry <= 0 {
		svc.expiry = 24 * time.Hour
	}
	for _, u := range cfg.Users {
		role := u.Role
		if role == "" {
			role = "user"
		}
		svc.users[u.Username] = &User{Username: u.Username, PasswordHash: u.PasswordHash, Role: role}
	}
	return svc
}

// VerifyPassword checks a username/password combination and returns the user if valid.
func (s *AuthService) VerifyPassword(username, password string) (*User, error) {
	user, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid password")
	}
	return user, nil
}

// GenerateToken signs an HS256 token for user.
func (s *AuthService) GenerateToken(user *User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken parses and validates a JWT, returning the associated user.
func (s *AuthService) ValidateToken(tokenStr string) (*User, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	username, ok := claims["sub"].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("missing sub claim")
	}
	user, exists := s.users[username]
	if !exists {
		return nil, fmt.Errorf("user %q no longer exists", username)
	}
	return user, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *AuthService) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid input")
		return
	}
	user, err := s.VerifyPassword(req.Username, req.Password)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, err := s.GenerateToken(user)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.expiry.Seconds()),
	})
}

// AuthMiddleware extracts and validates JWT tokens for protected routes.
// If authSvc is nil (auth disabled), all requests pass through unchanged.
func AuthMiddleware(authSvc *AuthService, next http.Handler) http.Handler {
	if authSvc == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		user, err := authSvc.ValidateToken(tokenStr)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

// isPublicRoute returns true for routes that don't require authentication.
func isPublicRoute(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/metrics":
		return r.Method == http.MethodGet
	case "/auth/login":
		return r.Method == http.MethodPost
	}
	return false
}

// extractBearerToken pulls the token from the Authorization header. Browsers
// cannot set headers on websocket handshakes, so /agent/ws also accepts an
// access_token query parameter.
func extractBearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return parts[1]
	}
	if r.URL.Path == "/agent/ws" {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// corsMiddleware allows the configured origins ("*" or none configured
// allows all).
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case set[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
