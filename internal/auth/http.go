// ABOUTME: Bearer extraction and HTTP middleware for identity and scoped credentials
// ABOUTME: Rejections use the relay's {code, message} 401 body

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/consult-gateway/internal/apierr"
)

const bearerPrefix = "Bearer "

// Rejection messages for the Authorization header
const (
	MsgMissingHeader = "Missing authorization header"
	MsgBadFormat     = "Invalid authorization header format. Expected Bearer token"
	MsgInvalidToken  = "Invalid or expired token"
)

// ExtractBearerToken returns the token from an Authorization header value.
// The scheme must be exactly "Bearer " followed by a non-empty token.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", apierr.Unauthenticated(MsgMissingHeader)
	}
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", apierr.Unauthenticated(MsgBadFormat)
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if token == "" {
		return "", apierr.Unauthenticated(MsgBadFormat)
	}
	return token, nil
}

// WriteUnauthorized writes the 401 {code, message} body.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    http.StatusUnauthorized,
		"message": message,
	})
}

func rejectionMessage(err error) string {
	var e *apierr.Error
	if errors.As(err, &e) && e.Kind == apierr.KindUnauthenticated {
		return e.Message
	}
	return MsgInvalidToken
}

// HTTPAuthMiddleware verifies an identity bearer token and adds AuthContext
// to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				WriteUnauthorized(w, rejectionMessage(err))
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				WriteUnauthorized(w, MsgInvalidToken)
				return
			}

			authCtx := &AuthContext{PrincipalID: principalID, Token: token}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// ScopedAuthMiddleware verifies a session-scoped backend credential. The sid
// claim must match the {id} path value of the routed request.
func ScopedAuthMiddleware(verifier *JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				WriteUnauthorized(w, rejectionMessage(err))
				return
			}

			claims, err := verifier.VerifyScoped(token, r.PathValue("id"))
			if err != nil {
				WriteUnauthorized(w, MsgInvalidToken)
				return
			}

			authCtx := &AuthContext{PrincipalID: claims.Subject, SessionID: claims.SessionID, Token: token}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
