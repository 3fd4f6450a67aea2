package usertoken

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "unetwork-auth"
	defaultAudience = "unetwork-materials"
	defaultLeeway   = 30 * time.Second
	fetchTimeout    = 5 * time.Second

	roleUser = "user"
)

// Claims are the access-token claims the material service relies on. The
// identity provider stamps the caller's role next to the registered claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Identity is the verified caller.
type Identity struct {
	UserID string
	Role   string
}

// Config configures user access-token verification.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier validates RS256 user access tokens against the provider's JWKS.
type Verifier struct {
	parser *jwt.Parser
	keys   *keySet
}

// NewVerifier fetches the key set once so that misconfiguration fails at
// startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	v := &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(orDefault(cfg.Issuer, defaultIssuer)),
			jwt.WithAudience(orDefault(cfg.Audience, defaultAudience)),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
		keys: &keySet{url: jwksURL, client: client},
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	if err := v.keys.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns the caller. A missing role claim
// means a regular user.
func (v *Verifier) Verify(token string) (Identity, error) {
	claims, err := v.parse(token)
	if v.shouldRefetch(err) {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		refreshErr := v.keys.refresh(ctx)
		cancel()
		if refreshErr != nil {
			return Identity{}, refreshErr
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return Identity{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, errors.New("token subject missing")
	}
	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		role = roleUser
	}
	return Identity{UserID: subject, Role: role}, nil
}

// shouldRefetch allows a key rotation to be picked up before the cache
// expires, but never more often than the refresh spacing.
func (v *Verifier) shouldRefetch(err error) bool {
	if err == nil {
		return false
	}
	if v.keys.stale() {
		return true
	}
	return errors.Is(err, errUnknownKey) && !v.keys.recentlyFetched()
}

func (v *Verifier) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys.lookup(strings.TrimSpace(kid))
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
