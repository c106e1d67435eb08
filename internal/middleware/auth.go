package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ruralpay/ledger/internal/services"
)

type contextKey string

const userIDKey contextKey = "userID"

// Authenticator resolves the bearer token of a request into the caller's
// user id. Tokens listed under blacklist:<token> in Redis are refused.
type Authenticator struct {
	secret []byte
	redis  *redis.Client
}

// NewAuthenticator builds the middleware. redisClient may be nil, in which
// case no revocation check is made.
func NewAuthenticator(secret string, redisClient *redis.Client) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		redis:  redisClient,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			services.SendErrorResponse(w, "Authorization header required", http.StatusUnauthorized, "", nil)
			return
		}

		// Extract token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			services.SendErrorResponse(w, "Invalid authorization header format", http.StatusUnauthorized, "", nil)
			return
		}

		token := parts[1]

		if a.redis != nil {
			revoked, err := a.redis.Exists(r.Context(), "blacklist:"+token).Result()
			if err == nil && revoked > 0 {
				services.SendErrorResponse(w, "Token has been revoked", http.StatusUnauthorized, "", nil)
				return
			}
		}

		userID, err := a.validateToken(token)
		if err != nil {
			services.SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, "", nil)
			return
		}

		// Add user ID to context
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (a *Authenticator) validateToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, errors.New("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("unexpected claims type")
	}

	var userID int64
	switch v := claims["user_id"].(type) {
	case float64:
		userID = int64(v)
	case string:
		userID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid user_id claim: %w", err)
		}
	default:
		return 0, errors.New("user_id claim missing")
	}
	if userID <= 0 {
		return 0, errors.New("user_id claim must be positive")
	}
	return userID, nil
}

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated caller.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok && userID > 0
}
