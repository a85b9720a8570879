package dbus

import (
	"os"
	"testing"
)

func runHandshake(t *testing.T, auths []Authenticator, cfg ServerHandshakeConfig) (*HandshakeResult, *HandshakeResult, error) {
	t.Helper()
	client, server := NewPipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		res *HandshakeResult
		err error
	}
	serverDone := make(chan result, 1)
	go func() {
		res, err := ServerHandshake(server, cfg)
		serverDone <- result{res, err}
	}()

	clientRes, clientErr := ClientHandshake(client, auths, true)
	if clientErr != nil {
		// Unblock the server side before collecting its result.
		client.Close()
	}
	srv := <-serverDone
	if clientErr != nil {
		return nil, nil, clientErr
	}
	if srv.err != nil {
		return nil, nil, srv.err
	}
	return clientRes, srv.res, nil
}

func TestHandshakeExternal(t *testing.T) {
	guid := NewGUID()
	clientRes, serverRes, err := runHandshake(t,
		[]Authenticator{&AuthExternal{}},
		ServerHandshakeConfig{GUID: guid})
	if err != nil {
		t.Fatal(err)
	}
	if clientRes.GUID != guid {
		t.Errorf("client saw guid %q, want %q", clientRes.GUID, guid)
	}
	if !clientRes.CanPassFD || !serverRes.CanPassFD {
		t.Error("fd negotiation should succeed over an fd-capable pipe")
	}
}

func TestHandshakeAnonymous(t *testing.T) {
	if _, _, err := runHandshake(t,
		[]Authenticator{&AuthAnonymous{}},
		ServerHandshakeConfig{AllowAnonymous: true}); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeAnonymousRejected(t *testing.T) {
	_, _, err := runHandshake(t,
		[]Authenticator{&AuthAnonymous{}},
		ServerHandshakeConfig{})
	if err != ErrAuthFailed {
		t.Fatalf("error = %v, want ErrAuthFailed", err)
	}
}

func TestHandshakeCookie(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if _, _, err := runHandshake(t,
		[]Authenticator{&AuthDbusCookieSha1{}},
		ServerHandshakeConfig{CookieContext: "test_context"}); err != nil {
		t.Fatal(err)
	}
	// The keyring must have been created owner-only.
	info, err := os.Stat(home + "/.dbus-keyrings")
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("keyring dir mode = %v", info.Mode())
	}
}

func TestHandshakeMechanismFallback(t *testing.T) {
	// ANONYMOUS is rejected, EXTERNAL then succeeds.
	clientRes, _, err := runHandshake(t,
		[]Authenticator{&AuthAnonymous{}, &AuthExternal{}},
		ServerHandshakeConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if clientRes.GUID == "" {
		t.Error("missing server guid")
	}
}

func TestValidGUID(t *testing.T) {
	if !ValidGUID(NewGUID()) {
		t.Error("NewGUID output should validate")
	}
	for _, bad := range []string{"", "xyz", NewGUID() + "00", "ABCDEF0123456789ABCDEF0123456789"} {
		if ValidGUID(bad) {
			t.Errorf("%q should not validate", bad)
		}
	}
}
