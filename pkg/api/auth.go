package api

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// ErrUnauthorizedApprover is returned for a missing or invalid approver token.
var ErrUnauthorizedApprover = errors.New("unauthorized approver")

const (
	approverAudience = "slrpd.approver"
	hkdfSalt         = "slrpd-approver-kdf"
)

// ApproverClaims are the claims of an approver bearer token. The approver
// identity is the subject.
type ApproverClaims struct {
	jwt.RegisteredClaims
}

// ApproverAuth mints and verifies HS256 approver tokens. The signing key is
// derived from the configured secret with HKDF-SHA256.
type ApproverAuth struct {
	key    []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

func NewApproverAuth(secret, issuer string, ttl time.Duration) (*ApproverAuth, error) {
	if secret == "" {
		return nil, fmt.Errorf("approver secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(issuer)), key); err != nil {
		return nil, fmt.Errorf("derive approver key: %w", err)
	}
	return &ApproverAuth{key: key, issuer: issuer, ttl: ttl, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (a *ApproverAuth) WithClock(clock func() time.Time) *ApproverAuth {
	a.clock = clock
	return a
}

// Mint issues a token for approver.
func (a *ApproverAuth) Mint(approver string) (string, error) {
	if strings.TrimSpace(approver) == "" {
		return "", fmt.Errorf("approver is empty")
	}
	now := a.clock().UTC()
	claims := ApproverClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   approver,
		Issuer:    a.issuer,
		Audience:  jwt.ClaimStrings{approverAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Verify returns the approver named by token.
func (a *ApproverAuth) Verify(token string) (string, error) {
	claims := &ApproverClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(approverAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorizedApprover, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorizedApprover)
	}
	return claims.Subject, nil
}

type approverKey struct{}

// Middleware requires a valid approver bearer token and stores the
// approver in the request context.
func (a *ApproverAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			WriteError(w, r, http.StatusUnauthorized, ErrUnauthorizedApprover.Error()+": missing bearer token")
			return
		}
		approver, err := a.Verify(token)
		if err != nil {
			WriteError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), approverKey{}, approver)))
	})
}

// ApproverFrom returns the authenticated approver, if any.
func ApproverFrom(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(approverKey{}).(string)
	return a, ok
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
