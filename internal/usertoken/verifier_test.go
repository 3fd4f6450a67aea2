package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// jwksFixture serves whichever keys are currently published and counts fetches.
type jwksFixture struct {
	mu      sync.Mutex
	keys    map[string]*rsa.PrivateKey
	fetches atomic.Int32
	server  *httptest.Server
}

func newJWKSFixture(t *testing.T, kids ...string) *jwksFixture {
	t.Helper()
	f := &jwksFixture{keys: map[string]*rsa.PrivateKey{}}
	for _, kid := range kids {
		f.publish(t, kid)
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.fetches.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		doc := map[string]any{"keys": []map[string]string{}}
		for kid, key := range f.keys {
			doc["keys"] = append(doc["keys"].([]map[string]string), map[string]string{
				"kty": "RSA",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			})
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) publish(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f.mu.Lock()
	f.keys[kid] = key
	f.mu.Unlock()
	return key
}

func (f *jwksFixture) key(kid string) *rsa.PrivateKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[kid]
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims(subject, role string) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    defaultIssuer,
			Audience:  jwt.ClaimStrings{defaultAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestNewVerifierFailsOnEmptyKeySet(t *testing.T) {
	f := newJWKSFixture(t)
	if _, err := NewVerifier(Config{JWKSURL: f.server.URL}); err == nil {
		t.Fatalf("expected empty jwks to fail")
	}
}

func TestVerifyReturnsIdentity(t *testing.T) {
	f := newJWKSFixture(t, "kid-1")
	v, err := NewVerifier(Config{JWKSURL: f.server.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	id, err := v.Verify(sign(t, f.key("kid-1"), "kid-1", validClaims("user-1", "Admin")))
	if err != nil || id.UserID != "user-1" || id.Role != "admin" {
		t.Fatalf("unexpected identity %+v err=%v", id, err)
	}
	id, err = v.Verify(sign(t, f.key("kid-1"), "kid-1", validClaims("user-2", "")))
	if err != nil || id.Role != "user" {
		t.Fatalf("missing role should default to user: %+v err=%v", id, err)
	}
}

func TestVerifyRejectsBadClaims(t *testing.T) {
	f := newJWKSFixture(t, "kid-1")
	v, err := NewVerifier(Config{JWKSURL: f.server.URL, Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	key := f.key("kid-1")

	futureIssued := validClaims("user-1", "")
	futureIssued.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))
	noExpiry := validClaims("user-1", "")
	noExpiry.ExpiresAt = nil
	wrongAudience := validClaims("user-1", "")
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}
	noSubject := validClaims(" ", "")

	cases := map[string]Claims{
		"future iat":     futureIssued,
		"no expiry":      noExpiry,
		"wrong audience": wrongAudience,
		"no subject":     noSubject,
	}
	for name, claims := range cases {
		if _, err := v.Verify(sign(t, key, "kid-1", claims)); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestVerifyPicksUpRotatedKey(t *testing.T) {
	f := newJWKSFixture(t, "kid-1")
	v, err := NewVerifier(Config{JWKSURL: f.server.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	rotated := f.publish(t, "kid-2")
	v.keys.mu.Lock()
	v.keys.lastFetched = time.Now().Add(-time.Minute)
	v.keys.mu.Unlock()

	id, err := v.Verify(sign(t, rotated, "kid-2", validClaims("user-b", "")))
	if err != nil || id.UserID != "user-b" {
		t.Fatalf("rotated key should verify after refetch: %+v err=%v", id, err)
	}
	if got := f.fetches.Load(); got != 2 {
		t.Fatalf("expected one refetch, got %d fetches", got)
	}
}

func TestUnknownKidRefetchIsThrottled(t *testing.T) {
	f := newJWKSFixture(t, "kid-1")
	v, err := NewVerifier(Config{JWKSURL: f.server.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	stranger, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := v.Verify(sign(t, stranger, "kid-unknown", validClaims("user-x", ""))); err == nil {
			t.Fatalf("unknown kid should fail")
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("unknown kids right after a fetch must not refetch, got %d fetches", got)
	}
}

func TestMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                           0,
		"no-cache":                   0,
		"public, max-age=60":         time.Minute,
		"MAX-AGE=5, must-revalidate": 5 * time.Second,
		"max-age=abc":                0,
	}
	for header, want := range cases {
		if got := maxAge(header); got != want {
			t.Fatalf("maxAge(%q) = %v, want %v", header, got, want)
		}
	}
}
