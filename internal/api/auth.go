package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL is the access token lifetime. Clients refresh via /v1/auth/refresh.
const tokenTTL = time.Hour

// Claims are the access-token claims.
type Claims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

type ctxKey int

const claimsKey ctxKey = iota

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// signToken issues a token for the account.
func (s *Server) signToken(accountID string) (token string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(tokenTTL)
	claims := Claims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
	return token, expiresAt, err
}

// verifyToken parses and verifies a bearer token.
func (s *Server) verifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.config.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// requireAuth verifies the bearer token and stashes the claims in the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r.Header.Get("Authorization"))
		if tok == "" {
			// Websocket clients cannot always set headers; allow a token
			// query parameter for the change feed.
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing token")
			return
		}
		claims, err := s.verifyToken(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// requireAccount additionally checks that the path account matches the token.
func (s *Server) requireAccount(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := claimsFromContext(r.Context())
		if claims == nil || claims.AccountID != r.PathValue("account") {
			writeError(w, http.StatusForbidden, ErrCodeForbidden, "account mismatch")
			return
		}
		next(w, r)
	})
}

type loginRequest struct {
	APIKey string `json:"api_key"`
}

type loginResponse struct {
	Token     string `json:"token"`
	AccountID string `json:"account_id"`
	ExpiresAt string `json:"expires_at"`
}

type refreshResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin exchanges an api key for an access token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid body")
		return
	}
	acct, err := s.store.AccountByAPIKey(req.APIKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if acct == nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid api key")
		return
	}
	tok, exp, err := s.signToken(acct.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "sign token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     tok,
		AccountID: acct.ID,
		ExpiresAt: exp.Format(time.RFC3339),
	})
}

// handleRefresh issues a fresh token for a valid session.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing token")
		return
	}
	tok, exp, err := s.signToken(claims.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "sign token")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Token:     tok,
		ExpiresAt: exp.Format(time.RFC3339),
	})
}
