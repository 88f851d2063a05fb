package githubapi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// appClaims is the minimal JWT claim set GitHub App authentication
// requires. Hand-rolled rather than pulled from a JWT library: the claim
// set here is three fields and the signing step is a single RSA-SHA256
// call.
type appClaims struct {
	Issuer    string `json:"iss"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// AppAuthenticator mints short-lived GitHub App JWTs and exchanges them for
// per-installation access tokens, caching each until shortly before expiry.
// The cache is process-local, so it's mutex-guarded rather than relying on
// any external coordination.
type AppAuthenticator struct {
	appID      string
	privateKey *rsa.PrivateKey
	httpBase   string

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewAppAuthenticator loads the App's RSA private key from keyPath (PEM,
// PKCS#1 or PKCS#8).
func NewAppAuthenticator(appID, keyPath, httpBase string) (*AppAuthenticator, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("githubapi: reading private key: %w", err)
	}

	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("githubapi: parsing private key: %w", err)
	}

	return &AppAuthenticator{
		appID:      appID,
		privateKey: key,
		httpBase:   httpBase,
		tokens:     make(map[int64]cachedToken),
	}, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// appJWT mints a fresh RS256 app-level JWT valid for ~9 minutes (GitHub
// caps these at 10).
func (a *AppAuthenticator) appJWT() (string, error) {
	now := time.Now()
	claims := appClaims{
		Issuer:    a.appID,
		IssuedAt:  now.Add(-30 * time.Second).Unix(), // clock-skew slack
		ExpiresAt: now.Add(9 * time.Minute).Unix(),
	}

	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	sig, err := a.sign(signingInput)
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64URLEncode(sig), nil
}

func (a *AppAuthenticator) sign(signingInput string) ([]byte, error) {
	digest := sha256.Sum256([]byte(signingInput))
	return rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, digest[:])
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// InstallationToken returns a cached access token for installationID,
// minting a new one if the cached entry is missing or near expiry.
func (a *AppAuthenticator) InstallationToken(ctx tokenFetcher, installationID int64) (string, error) {
	a.mu.Lock()
	if cached, ok := a.tokens[installationID]; ok && time.Now().Before(cached.expiresAt.Add(-time.Minute)) {
		a.mu.Unlock()
		return cached.token, nil
	}
	a.mu.Unlock()

	jwt, err := a.appJWT()
	if err != nil {
		return "", fmt.Errorf("githubapi: minting app jwt: %w", err)
	}

	token, expiresAt, err := ctx.fetchInstallationToken(a.httpBase, jwt, installationID)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.tokens[installationID] = cachedToken{token: token, expiresAt: expiresAt}
	a.mu.Unlock()

	return token, nil
}

// tokenFetcher is implemented by Client so AppAuthenticator doesn't need to
// know about the HTTP transport's retry/backpressure plumbing.
type tokenFetcher interface {
	fetchInstallationToken(base, jwt string, installationID int64) (token string, expiresAt time.Time, err error)
}
