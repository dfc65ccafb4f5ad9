package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken covers malformed, expired and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenScope means a reconnect token was presented for a different graph.
	ErrTokenScope = errors.New("token not valid for graph")
)

const reconnectIssuer = "graph-sync"

// JWTVerifier verifies identity tokens signed with a shared HMAC secret.
// The user id is taken from the "sub" claim.
type JWTVerifier struct {
	secret []byte
	parser *gojwt.Parser
}

// NewJWTVerifier creates a verifier for HS256 identity tokens
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
			gojwt.WithExpirationRequired(),
		),
	}
}

// Verify returns the user id carried by a valid token.
// A "Bearer " prefix is tolerated.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := gojwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}

func (v *JWTVerifier) keyFunc(token *gojwt.Token) (interface{}, error) {
	return v.secret, nil
}

// IssueIdentityToken signs a user token. Used by tests and local tooling;
// production identity tokens come from the identity provider.
func IssueIdentityToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

// ReconnectClaims binds a resume token to the user, graph and prior session
type ReconnectClaims struct {
	GraphID   string `json:"graph_id"`
	SessionID string `json:"sid"`
	gojwt.RegisteredClaims
}

// ReconnectIssuer issues and checks resume tokens handed out in connection_ack.
type ReconnectIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *gojwt.Parser
}

// NewReconnectIssuer creates an issuer for resume tokens valid for ttl
func NewReconnectIssuer(secret string, ttl time.Duration) *ReconnectIssuer {
	return &ReconnectIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
			gojwt.WithIssuer(reconnectIssuer),
			gojwt.WithExpirationRequired(),
		),
	}
}

// Issue signs a resume token for a session
func (i *ReconnectIssuer) Issue(userID, graphID, sessionID string) (string, error) {
	now := i.now()
	claims := ReconnectClaims{
		GraphID:   graphID,
		SessionID: sessionID,
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    reconnectIssuer,
			Subject:   userID,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign reconnect token: %w", err)
	}
	return signed, nil
}

// Resume validates a resume token for graphID and returns the user id
func (i *ReconnectIssuer) Resume(token, graphID string) (string, error) {
	claims := &ReconnectClaims{}
	parsed, err := i.parser.ParseWithClaims(token, claims, func(*gojwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.GraphID != graphID {
		return "", ErrTokenScope
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
