package wire

import (
	"testing"

	"github.com/orchidgate/orchidgate/internal/buffer"
)

func TestParseFrameRoundTrip(t *testing.T) {
	t.Parallel()
	nonce := Tag{1, 2, 3}
	frame := buffer.Tie(buffer.Wrap(nonce[:]), buffer.WrapString("payload"))

	gotNonce, rest, err := ParseFrame(frame)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if gotNonce != nonce {
		t.Errorf("nonce = %v, want %v", gotNonce, nonce)
	}
	if got, want := buffer.Str(rest), "payload"; got != want {
		t.Errorf("rest = %q, want %q", got, want)
	}
}

func TestParseCommandIsParseFrame(t *testing.T) {
	t.Parallel()
	body := buffer.Tie(buffer.Wrap(ConnectTag[:]), buffer.WrapString("args"))
	cmd, args, err := ParseCommand(body)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd != ConnectTag {
		t.Errorf("command = %v, want ConnectTag", cmd)
	}
	if got, want := buffer.Str(args), "args"; got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestReply(t *testing.T) {
	t.Parallel()
	nonce := Tag{9, 9}
	r := Reply(nonce, buffer.WrapString("ok"))

	gotNonce, rest, err := ParseFrame(r)
	if err != nil {
		t.Fatalf("ParseFrame(Reply(...)): %v", err)
	}
	if gotNonce != nonce {
		t.Errorf("nonce = %v, want %v", gotNonce, nonce)
	}
	if got, want := buffer.Str(rest), "ok"; got != want {
		t.Errorf("payload = %q, want %q", got, want)
	}
}

func TestErrorReply(t *testing.T) {
	t.Parallel()
	nonce := Tag{7}
	e := ErrorReply(nonce, "boom")

	gotZero, rest1, err := ParseFrame(e)
	if err != nil {
		t.Fatalf("ParseFrame(ErrorReply(...)) outer: %v", err)
	}
	if !gotZero.IsZero() {
		t.Fatalf("leading tag = %v, want Zero", gotZero)
	}

	gotNonce, rest2, err := ParseFrame(rest1)
	if err != nil {
		t.Fatalf("ParseFrame(ErrorReply(...)) inner: %v", err)
	}
	if gotNonce != nonce {
		t.Errorf("nonce = %v, want %v", gotNonce, nonce)
	}
	if got, want := buffer.Str(rest2), "boom"; got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}
