package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/secrets"
)

const (
	// AdminRole must appear in an admin token's roles claim.
	AdminRole = "admin"
	// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
	SignatureHeader = "X-Signature"
)

var errInvalidToken = errors.New("invalid token")

// Claims are the admin token claims.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 token against secret.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}
	return claims, nil
}

// ExtractBearer returns the token of an "Authorization: Bearer" header.
func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msg, "code": "unauthorized"})
}

// requireAdmin admits requests bearing a valid token with the admin role.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, err := h.secret(r, secrets.AdminJWTKey)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		token := ExtractBearer(r.Header.Get("Authorization"))
		if token == "" {
			unauthorized(w, "missing token")
			return
		}
		claims, err := ParseToken(token, secret)
		if err != nil || claims.Subject == "" {
			unauthorized(w, "invalid token")
			return
		}
		if !slices.Contains(claims.Roles, AdminRole) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required", "code": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifyWebhook admits requests whose body matches the X-Signature HMAC.
func (h *Handler) verifyWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, err := h.secret(r, secrets.WebhookSigningKey)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.writeError(w, r, apperr.Validation("read body: %v", err))
			return
		}
		if !ValidSignature(secret, body, r.Header.Get(SignatureHeader)) {
			unauthorized(w, "invalid signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares signature with the HMAC of body in constant time.
func ValidSignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) secret(r *http.Request, name string) ([]byte, error) {
	if h.secrets == nil {
		return nil, apperr.New(apperr.ErrUpstreamUnavailable, "%s is not configured", name)
	}
	v, err := h.secrets.Get(r.Context(), name)
	if err != nil {
		h.logger.Error("secret lookup failed", "name", name, "err", err)
		return nil, apperr.New(apperr.ErrUpstreamUnavailable, "%s is not configured", name)
	}
	return []byte(v), nil
}
