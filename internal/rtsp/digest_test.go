package rtsp

import (
	"testing"
	"time"

	"github.com/sparod/aircat/internal/config"
	"github.com/sparod/aircat/internal/cryptoutil"
)

func TestAuthenticatorRejectsMissingCredentials(t *testing.T) {
	a := NewAuthenticator("AirCat", "admin", "secret")
	req := &Request{Method: "ANNOUNCE", Headers: map[string]string{}}
	if err := a.Authenticate(req); err != ErrNoCredentials {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestAuthenticatorAcceptsValidResponse(t *testing.T) {
	a := NewAuthenticator("AirCat", "admin", "secret")
	challenge := a.Challenge()

	nonce := extractParam(t, challenge, "nonce")
	uri := "rtsp://10.0.0.1/1"
	method := "ANNOUNCE"

	ha1 := cryptoutil.MD5Hex("admin", "AirCat", "secret")
	ha2 := cryptoutil.MD5Hex(method, uri)
	response := cryptoutil.MD5Hex(ha1, nonce, ha2)

	req := &Request{
		Method: method,
		Headers: map[string]string{
			"authorization": `Digest username="admin", realm="AirCat", nonce="` + nonce + `", uri="` + uri + `", response="` + response + `"`,
		},
	}
	if err := a.Authenticate(req); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticatorRejectsReusedNonce(t *testing.T) {
	a := NewAuthenticator("AirCat", "admin", "secret")
	challenge := a.Challenge()
	nonce := extractParam(t, challenge, "nonce")

	uri := "rtsp://10.0.0.1/1"
	ha1 := cryptoutil.MD5Hex("admin", "AirCat", "secret")
	ha2 := cryptoutil.MD5Hex("ANNOUNCE", uri)
	response := cryptoutil.MD5Hex(ha1, nonce, ha2)

	req := &Request{
		Method: "ANNOUNCE",
		Headers: map[string]string{
			"authorization": `Digest username="admin", realm="AirCat", nonce="` + nonce + `", uri="` + uri + `", response="` + response + `"`,
		},
	}
	if err := a.Authenticate(req); err != nil {
		t.Fatal(err)
	}
	if err := a.Authenticate(req); err != ErrInvalidNonce {
		t.Fatalf("second use: err = %v, want ErrInvalidNonce", err)
	}
}

func TestAuthenticatorRejectsExpiredNonce(t *testing.T) {
	a := NewAuthenticator("AirCat", "admin", "secret")
	challenge := a.Challenge()
	nonce := extractParam(t, challenge, "nonce")

	// Age the nonce past its lifetime without waiting for the sweep.
	a.mu.Lock()
	a.nonces[nonce] = time.Now().Add(-2 * config.NonceExpiry)
	a.mu.Unlock()

	uri := "rtsp://10.0.0.1/1"
	ha1 := cryptoutil.MD5Hex("admin", "AirCat", "secret")
	ha2 := cryptoutil.MD5Hex("ANNOUNCE", uri)
	response := cryptoutil.MD5Hex(ha1, nonce, ha2)

	req := &Request{
		Method: "ANNOUNCE",
		Headers: map[string]string{
			"authorization": `Digest username="admin", realm="AirCat", nonce="` + nonce + `", uri="` + uri + `", response="` + response + `"`,
		},
	}
	if err := a.Authenticate(req); err != ErrInvalidNonce {
		t.Fatalf("expired nonce: err = %v, want ErrInvalidNonce", err)
	}
}

func TestAuthenticatorEnabledReflectsPassword(t *testing.T) {
	if NewAuthenticator("AirCat", "admin", "").Enabled() {
		t.Error("Enabled() = true with empty password, want false")
	}
	if !NewAuthenticator("AirCat", "admin", "secret").Enabled() {
		t.Error("Enabled() = false with password set, want true")
	}
}

func extractParam(t *testing.T, header, key string) string {
	t.Helper()
	params, err := parseDigestHeader(header)
	if err != nil {
		t.Fatal(err)
	}
	return params[key]
}
