package securesess

import (
	"log/slog"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/orchidgate/orchidgate/internal/identity"
)

func clientHelloFor(t *testing.T, kp identity.KeyPair, nonce []byte) []byte {
	t.Helper()
	sig := ed25519.Sign(kp.Private, signedMaterial(nonce))
	hello := make([]byte, 0, clientHelloSize-1)
	hello = append(hello, kp.Public...)
	hello = append(hello, sig...)
	return hello
}

func newTestSession(t *testing.T, nonce []byte, onVerified func(identity.Common)) (*Session, identity.KeyPair) {
	t.Helper()
	local, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	s := &Session{
		local:      local,
		log:        slog.Default(),
		onVerified: onVerified,
		nonce:      nonce,
	}
	return s, local
}

func TestHandleClientHelloVerifiesAndReportsCommon(t *testing.T) {
	t.Parallel()
	remote, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	nonce := []byte("0123456789abcdef0123456789abcdef")[:nonceSize]

	var gotCommon identity.Common
	var called bool
	s, _ := newTestSession(t, nonce, func(c identity.Common) { gotCommon, called = c, true })

	if err := s.handleClientHello(clientHelloFor(t, remote, nonce)); err != nil {
		t.Fatalf("handleClientHello: %v", err)
	}
	if !called {
		t.Fatal("onVerified was not invoked")
	}
	if gotCommon != remote.Common() {
		t.Errorf("verified Common = %v, want %v", gotCommon, remote.Common())
	}
	if !s.verified {
		t.Error("Session.verified = false after a valid hello")
	}
}

func TestHandleClientHelloRejectsBadSignature(t *testing.T) {
	t.Parallel()
	remote, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	nonce := make([]byte, nonceSize)

	hello := clientHelloFor(t, remote, nonce)
	hello[len(hello)-1] ^= 0xff // corrupt the trailing signature byte

	s, _ := newTestSession(t, nonce, nil)
	if err := s.handleClientHello(hello); err == nil {
		t.Error("handleClientHello accepted a corrupted signature, want error")
	}
	if s.verified {
		t.Error("Session.verified = true after a rejected hello")
	}
}

func TestHandleClientHelloRejectsWrongLength(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, make([]byte, nonceSize), nil)
	if err := s.handleClientHello([]byte{1, 2, 3}); err == nil {
		t.Error("handleClientHello accepted a malformed-length hello, want error")
	}
}

func TestHandleClientHelloRejectsBeforeNonceSent(t *testing.T) {
	t.Parallel()
	remote, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	nonce := make([]byte, nonceSize)
	s, _ := newTestSession(t, nil, nil) // no nonce recorded yet

	if err := s.handleClientHello(clientHelloFor(t, remote, nonce)); err == nil {
		t.Error("handleClientHello accepted a hello before the server nonce was sent, want error")
	}
}

// TestHandleClientHelloRejectsReplayFromDifferentSession is the property the
// nonce exchange exists for: a hello signed for one session's nonce must not
// verify against a different session that generated a different nonce, even
// though both sessions share the same signing identity.
func TestHandleClientHelloRejectsReplayFromDifferentSession(t *testing.T) {
	t.Parallel()
	remote, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	capturedNonce := make([]byte, nonceSize)
	capturedNonce[0] = 1
	captured := clientHelloFor(t, remote, capturedNonce)

	freshNonce := make([]byte, nonceSize)
	freshNonce[0] = 2
	s, _ := newTestSession(t, freshNonce, nil)

	if err := s.handleClientHello(captured); err == nil {
		t.Error("handleClientHello accepted a hello signed for a different session's nonce, want error")
	}
	if s.verified {
		t.Error("Session.verified = true after a replayed hello")
	}
}

func TestHandleHandshakeMessageRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, make([]byte, nonceSize), nil)
	if err := s.handleHandshakeMessage([]byte{msgServerNonce, 1, 2, 3}); err == nil {
		t.Error("handleHandshakeMessage accepted a server-nonce kind byte from a peer, want error")
	}
}
