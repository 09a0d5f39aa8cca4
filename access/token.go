package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentfabric/agentfabric/types"
)

// TokenAuthenticator issues and verifies HS256 identity tokens that bind a
// remote caller to a registered principal. Verification resolves the token
// subject against the gate's registry, so a token for a revoked principal
// carries zero permissions.
type TokenAuthenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	gate   *Gate
	clock  func() time.Time
}

// NewTokenAuthenticator creates an authenticator. ttl bounds the lifetime of
// issued tokens; zero means one hour.
func NewTokenAuthenticator(secret []byte, issuer string, ttl time.Duration, gate *Gate) *TokenAuthenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenAuthenticator{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		gate:   gate,
		clock:  time.Now,
	}
}

// Issue signs a token for a registered principal. The roles claim is
// informational; authorization always re-resolves through the gate.
func (a *TokenAuthenticator) Issue(principalID string) (string, error) {
	p, ok := a.gate.GetPrincipal(principalID)
	if !ok {
		return "", types.NewErrorf(types.ErrUnknownPrincipal, "principal %q is not registered", principalID)
	}
	now := a.clock()
	claims := jwt.MapClaims{
		"sub":   p.ID,
		"typ":   string(p.Type),
		"roles": p.Roles,
		"iss":   a.issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(a.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Authenticate verifies a token and returns the registered principal it
// names. Expired or tampered tokens fail; so do tokens whose subject is no
// longer registered.
func (a *TokenAuthenticator) Authenticate(tokenString string) (Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return Principal{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("unexpected claims type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("token has no subject")
	}
	p, ok := a.gate.GetPrincipal(sub)
	if !ok {
		return Principal{}, types.NewErrorf(types.ErrUnknownPrincipal, "principal %q is not registered", sub)
	}
	return p, nil
}
