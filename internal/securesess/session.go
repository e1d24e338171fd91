// Package securesess implements the one concrete secure, DTLS-like
// session a Conduit binds to: WebRTC data channels already run over
// DTLS/SCTP (pion handles that below this package), but that leaves no
// way for a Conduit to learn which long-term identity the channel belongs
// to. This package supplies that piece: a small application-layer
// handshake, run once per freshly opened data channel, that binds a
// long-term ed25519 identity key to the already-secure channel and hands
// the verified fingerprint to a callback.
package securesess

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ed25519"

	"github.com/pion/webrtc/v4"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/identity"
	"github.com/orchidgate/orchidgate/internal/pipe"
)

// helloDomain domain-separates the handshake signature from any other use
// of the identity key.
const helloDomain = "orchidgate-session-v2"

const nonceSize = 32

// Handshake message kinds. The server always opens the exchange with
// msgServerNonce (it holds the only side of this protocol implemented in
// this repo); the remote peer answers with msgClientHello.
const (
	msgServerNonce byte = iota + 1
	msgClientHello
)

const clientHelloSize = 1 + ed25519.PublicKeySize + ed25519.SignatureSize

// Session wraps a pion data channel, performing the identity handshake on
// open and then behaving as a pipe.Pipe (toward the channel) whose
// landed data is delivered to an attached pipe.Drain — the Conduit.
//
// The handshake binds a long-term ed25519 identity to the channel with a
// signature over a nonce generated fresh per session: the server sends a
// random nonce plus its own public key and a signature over it, and the
// peer answers with its public key and a signature over that same nonce.
// Because the nonce never repeats across sessions, a captured hello cannot
// be replayed into a different data channel to impersonate its signer.
type Session struct {
	dc    *webrtc.DataChannel
	local identity.KeyPair
	log   *slog.Logger

	onVerified func(identity.Common)

	mu       sync.Mutex
	verified bool
	drain    pipe.Drain
	nonce    []byte
}

// Wrap begins the handshake on dc as soon as it opens. onVerified is
// invoked exactly once, from a fresh goroutine (never from pion's own
// callback goroutine), with the remote peer's verified Common.
func Wrap(dc *webrtc.DataChannel, local identity.KeyPair, logger *slog.Logger, onVerified func(identity.Common)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		dc:         dc,
		local:      local,
		log:        logger.With("component", "securesess"),
		onVerified: onVerified,
	}

	dc.OnOpen(func() {
		if err := s.sendServerNonce(); err != nil {
			s.log.Error("sending handshake nonce", "error", err)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		go s.onMessage(data)
	})

	dc.OnClose(func() {
		s.mu.Lock()
		drain := s.drain
		s.mu.Unlock()
		if drain != nil {
			drain.Stop(fmt.Errorf("securesess: data channel closed"))
		}
	})

	dc.OnError(func(err error) {
		s.mu.Lock()
		drain := s.drain
		s.mu.Unlock()
		if drain != nil {
			drain.Stop(fmt.Errorf("securesess: data channel error: %w", err))
		}
	})

	return s
}

// SetDrain attaches the Drain (the Conduit) that verified, post-handshake
// frames are delivered to.
func (s *Session) SetDrain(d pipe.Drain) {
	s.mu.Lock()
	s.drain = d
	s.mu.Unlock()
}

// sendServerNonce generates this session's nonce, signs it with the local
// identity (so a peer running the mirror-image client side of this protocol
// can verify the server too), and sends both alongside the raw nonce.
func (s *Session) sendServerNonce() error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("securesess: generating nonce: %w", err)
	}

	s.mu.Lock()
	s.nonce = nonce
	s.mu.Unlock()

	sig := ed25519.Sign(s.local.Private, signedMaterial(nonce))

	msg := make([]byte, 0, 1+nonceSize+ed25519.PublicKeySize+ed25519.SignatureSize)
	msg = append(msg, msgServerNonce)
	msg = append(msg, nonce...)
	msg = append(msg, s.local.Public...)
	msg = append(msg, sig...)
	return s.dc.Send(msg)
}

func signedMaterial(nonce []byte) []byte {
	return append([]byte(helloDomain), nonce...)
}

func (s *Session) onMessage(data []byte) {
	s.mu.Lock()
	verified := s.verified
	drain := s.drain
	s.mu.Unlock()

	if verified {
		if drain != nil {
			drain.Land(buffer.Wrap(data))
		}
		return
	}

	if err := s.handleHandshakeMessage(data); err != nil {
		s.log.Warn("handshake verification failed", "error", err)
		if drain != nil {
			drain.Stop(fmt.Errorf("securesess: handshake failed: %w", err))
		}
	}
}

func (s *Session) handleHandshakeMessage(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty handshake message")
	}
	switch data[0] {
	case msgClientHello:
		return s.handleClientHello(data[1:])
	default:
		return fmt.Errorf("unexpected message kind %d before handshake completed", data[0])
	}
}

// handleClientHello verifies the peer's signature over the nonce this
// session generated in sendServerNonce, binding the peer's long-term
// identity to this one data channel and no other.
func (s *Session) handleClientHello(payload []byte) error {
	const want = clientHelloSize - 1 // the kind byte is stripped before payload is passed in
	if len(payload) != want {
		return fmt.Errorf("malformed client hello: got %d bytes, want %d", len(payload), want)
	}
	pub := ed25519.PublicKey(payload[:ed25519.PublicKeySize])
	sig := payload[ed25519.PublicKeySize:]

	s.mu.Lock()
	nonce := s.nonce
	s.mu.Unlock()
	if len(nonce) == 0 {
		return fmt.Errorf("client hello received before server nonce was sent")
	}

	if !ed25519.Verify(pub, signedMaterial(nonce), sig) {
		return fmt.Errorf("invalid handshake signature")
	}

	common, err := identity.CommonFromPublicKey(pub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.verified = true
	s.mu.Unlock()

	s.log.Info("secure session handshake verified", "peer", common.String())
	if s.onVerified != nil {
		s.onVerified(common)
	}
	return nil
}

// Send forwards data to the underlying data channel. pion's Send does not
// itself observe ctx; it is accepted to satisfy pipe.Pipe and to let
// future callers bound a queue-full retry loop.
func (s *Session) Send(ctx context.Context, data buffer.Buffer) error {
	return s.dc.Send(buffer.Materialize(data))
}

// Shut closes the underlying data channel. Safe to call multiple times.
func (s *Session) Shut(ctx context.Context) error {
	return s.dc.Close()
}

var _ pipe.Pipe = (*Session)(nil)
