// Package auth verifies connection identities and authorizes room joins.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

type Claims struct {
	jwt.RegisteredClaims
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Role       string `json:"role"`
}

// Identity is what the rest of the system sees of an authenticated user.
type Identity struct {
	UserID string
	Name   string
	Role   string
}

func (c *Claims) Identity() Identity {
	name := strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	if name == "" {
		name = c.Email
	}
	return Identity{
		UserID: c.Subject,
		Name:   name,
		Role:   c.Role,
	}
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// Verifier validates RS256 tokens against the issuer's JWKS. It owns all
// key state; nothing here is package-global.
type Verifier struct {
	issuer string

	mu   sync.RWMutex
	keys *jwks
	// converted keys by kid, cleared on refresh
	cache map[string]*rsa.PublicKey
}

func NewVerifier(issuerURL string) (*Verifier, error) {
	v := &Verifier{
		issuer: issuerURL,
		cache:  make(map[string]*rsa.PublicKey),
	}
	if err := v.refresh(); err != nil {
		return nil, err
	}
	return v, nil
}

// RefreshLoop re-fetches the JWKS on the given interval until stop is closed.
func (v *Verifier) RefreshLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := v.refresh(); err != nil {
				slog.Error("[AUTH] Failed to refresh JWKS", "error", err)
			} else {
				slog.Info("[AUTH] JWKS refreshed")
			}
		case <-stop:
			return
		}
	}
}

func (v *Verifier) refresh() error {
	jwksURL := fmt.Sprintf("%s/.well-known/jwks.json", v.issuer)

	resp, err := http.Get(jwksURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var ks jwks
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.mu.Lock()
	v.keys = &ks
	v.cache = make(map[string]*rsa.PublicKey)
	v.mu.Unlock()

	slog.Info("[AUTH] JWKS loaded", "keys", len(ks.Keys))
	return nil
}

// Verify validates a bearer token and returns its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}

		return v.publicKey(kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: invalid issuer %q", ErrUnauthorized, claims.Issuer)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	return claims, nil
}

func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	if key, exists := v.cache[kid]; exists {
		v.mu.RUnlock()
		return key, nil
	}
	keys := v.keys
	v.mu.RUnlock()

	if keys == nil {
		return nil, errors.New("JWKS not initialized")
	}

	for _, k := range keys.Keys {
		if k.Kid == kid {
			publicKey, err := jwkToPublicKey(k)
			if err != nil {
				return nil, err
			}

			v.mu.Lock()
			v.cache[kid] = publicKey
			v.mu.Unlock()

			return publicKey, nil
		}
	}

	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

func jwkToPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

// ExtractTokenFromRequest pulls the JWT from the query string or the
// Authorization header.
func ExtractTokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
