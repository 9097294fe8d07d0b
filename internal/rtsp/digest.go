package rtsp

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sparod/aircat/internal/config"
	"github.com/sparod/aircat/internal/cryptoutil"
)

// Digest auth failures are classified so the server can distinguish
// "never tried" from "tried and failed" from "stale nonce".
var (
	ErrNoCredentials      = errors.New("rtsp: no credentials provided")
	ErrInvalidCredentials = errors.New("rtsp: invalid credentials")
	ErrInvalidNonce       = errors.New("rtsp: invalid or expired nonce")
)

// Authenticator issues nonces and validates Digest Authorization
// headers against a single configured username/password.
type Authenticator struct {
	realm    string
	username string
	password string

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator builds an Authenticator for the RTSP realm. An empty
// password disables authentication entirely; AirCat only challenges
// when a password is configured.
func NewAuthenticator(realm, username, password string) *Authenticator {
	auth := &Authenticator{
		realm:    realm,
		username: username,
		password: password,
		nonces:   make(map[string]time.Time),
	}

	// Start nonce cleanup goroutine
	go auth.cleanupNonces()

	return auth
}

// cleanupNonces sweeps out nonces whose challenge was never answered
// (failed logins, probes, disconnects), which one-time-use consumption
// in Authenticate alone would leave behind forever.
func (a *Authenticator) cleanupNonces() {
	ticker := time.NewTicker(config.NonceSweepInterval)
	for range ticker.C {
		a.mu.Lock()
		now := time.Now()
		for nonce, created := range a.nonces {
			if now.Sub(created) > config.NonceExpiry {
				delete(a.nonces, nonce)
			}
		}
		a.mu.Unlock()
	}
}

// Enabled reports whether a password was configured at all.
func (a *Authenticator) Enabled() bool {
	return a.password != ""
}

// Challenge issues a fresh nonce and returns the WWW-Authenticate
// header value for a 401 response.
func (a *Authenticator) Challenge() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	nonce := hex.EncodeToString(buf)

	a.mu.Lock()
	a.nonces[nonce] = time.Now()
	a.mu.Unlock()

	return `Digest realm="` + a.realm + `", nonce="` + nonce + `"`
}

// Authenticate validates the Authorization header of req against
// method+uri, consuming the nonce on success (one-time use).
func (a *Authenticator) Authenticate(req *Request) error {
	header := req.Header("authorization")
	if header == "" {
		return ErrNoCredentials
	}
	params, err := parseDigestHeader(header)
	if err != nil {
		return err
	}

	username := params["username"]
	nonce := params["nonce"]
	uri := params["uri"]
	response := params["response"]
	if username == "" || nonce == "" || uri == "" || response == "" {
		return ErrInvalidCredentials
	}
	if username != a.username {
		return ErrInvalidCredentials
	}

	a.mu.Lock()
	created, ok := a.nonces[nonce]
	if ok {
		delete(a.nonces, nonce)
	}
	a.mu.Unlock()
	if !ok || time.Since(created) > config.NonceExpiry {
		return ErrInvalidNonce
	}

	ha1 := cryptoutil.MD5Hex(username, a.realm, a.password)
	ha2 := cryptoutil.MD5Hex(req.Method, uri)
	expected := cryptoutil.MD5Hex(ha1, nonce, ha2)
	if response != expected {
		return ErrInvalidCredentials
	}
	return nil
}

func parseDigestHeader(value string) (map[string]string, error) {
	if !strings.HasPrefix(value, "Digest ") {
		return nil, errors.New("rtsp: authorization header is not Digest")
	}
	value = strings.TrimPrefix(value, "Digest ")

	result := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		result[strings.TrimSpace(name)] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return result, nil
}
