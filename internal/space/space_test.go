package space

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/identity"
	"github.com/orchidgate/orchidgate/internal/rtcpeer"
	"github.com/orchidgate/orchidgate/internal/wire"
)

type fakeConduit struct {
	mu   sync.Mutex
	sent []buffer.Buffer
}

func (f *fakeConduit) Send(_ context.Context, data buffer.Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConduit) last() (buffer.Buffer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakeConduit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeBack struct {
	answer string
	err    error
}

func (f *fakeBack) Respond(_ context.Context, offer string) (string, error) {
	return f.answer, f.err
}

func newTestSpace(t *testing.T) (*Space, *fakeConduit) {
	t.Helper()
	var common identity.Common
	s := New(common, rtcpeer.ICEConfig{}, &fakeBack{}, nil, nil)
	fc := &fakeConduit{}
	s.Associate(fc)
	return s, fc
}

func frameFor(nonce wire.Tag, cmd wire.Tag, args buffer.Buffer) buffer.Buffer {
	return buffer.Tie(buffer.Wrap(nonce[:]), buffer.Wrap(cmd[:]), args)
}

func awaitSendCount(t *testing.T, fc *fakeConduit, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fc.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %d", n, fc.count())
}

func TestCallDiscardTagSendsNoReply(t *testing.T) {
	t.Parallel()
	s, fc := newTestSpace(t)
	nonce := wire.Tag{1}
	s.Call(context.Background(), frameFor(nonce, wire.DiscardTag, buffer.Nothing))

	time.Sleep(20 * time.Millisecond)
	if got := fc.count(); got != 0 {
		t.Errorf("sends after DiscardTag = %d, want 0", got)
	}
}

func TestCallUnknownCommandTearsDownWithNoReply(t *testing.T) {
	t.Parallel()
	s, fc := newTestSpace(t)
	nonce := wire.Tag{2}
	garbage := wire.Tag{0xff, 0xfe, 0xfd}
	s.Call(context.Background(), frameFor(nonce, garbage, buffer.Nothing))

	time.Sleep(20 * time.Millisecond)
	if got := fc.count(); got != 0 {
		t.Errorf("sends after unknown command = %d, want 0 (fatal error must not reply)", got)
	}
}

func TestCallMissingEntryIsRecoverable(t *testing.T) {
	t.Parallel()
	s, fc := newTestSpace(t)
	nonce := wire.Tag{3}
	unknownOutput := wire.Tag{9, 9, 9}
	s.Call(context.Background(), frameFor(nonce, wire.CloseTag, buffer.Wrap(unknownOutput[:])))

	awaitSendCount(t, fc, 1)
	reply, ok := fc.last()
	if !ok {
		t.Fatal("no reply recorded")
	}
	gotZero, _, err := wire.ParseFrame(reply)
	if err != nil {
		t.Fatalf("ParseFrame(reply): %v", err)
	}
	if !gotZero.IsZero() {
		t.Error("MissingEntryError did not produce an ErrorReply (Zero sentinel)")
	}

	// the space must still be alive: a second, well-formed call still works.
	nonce2 := wire.Tag{4}
	s.Call(context.Background(), frameFor(nonce2, wire.DiscardTag, buffer.Nothing))
	time.Sleep(20 * time.Millisecond)
	if got := fc.count(); got != 1 {
		t.Errorf("sends after recovering from MissingEntryError = %d, want still 1", got)
	}
}

func TestCallBatchTagConcatenatesDiscardsToEmptyReply(t *testing.T) {
	t.Parallel()
	s, fc := newTestSpace(t)
	outerNonce := wire.Tag{5}

	sub1Nonce := wire.Tag{6}
	sub1 := buffer.Tie(buffer.Wrap(sub1Nonce[:]), buffer.Wrap(wire.DiscardTag[:]))
	sub2Nonce := wire.Tag{7}
	sub2 := buffer.Tie(buffer.Wrap(sub2Nonce[:]), buffer.Wrap(wire.DiscardTag[:]))

	body := buffer.Cat(sub1, sub2)
	s.Call(context.Background(), frameFor(outerNonce, wire.BatchTag, body))

	awaitSendCount(t, fc, 1)
	reply, _ := fc.last()
	gotNonce, rest, err := wire.ParseFrame(reply)
	if err != nil {
		t.Fatalf("ParseFrame(reply): %v", err)
	}
	if gotNonce != outerNonce {
		t.Errorf("reply nonce = %v, want %v", gotNonce, outerNonce)
	}
	if got := buffer.Size(rest); got != 0 {
		t.Errorf("batch-of-discards reply payload size = %d, want 0", got)
	}
}

func TestHandleAnswerDelegatesToBack(t *testing.T) {
	t.Parallel()
	var common identity.Common
	back := &fakeBack{answer: "answer-sdp"}
	s := New(common, rtcpeer.ICEConfig{}, back, nil, nil)
	fc := &fakeConduit{}
	s.Associate(fc)

	nonce := wire.Tag{8}
	s.Call(context.Background(), frameFor(nonce, wire.AnswerTag, buffer.WrapString("offer-sdp")))

	awaitSendCount(t, fc, 1)
	reply, _ := fc.last()
	gotNonce, rest, err := wire.ParseFrame(reply)
	if err != nil {
		t.Fatalf("ParseFrame(reply): %v", err)
	}
	if gotNonce != nonce {
		t.Errorf("reply nonce = %v, want %v", gotNonce, nonce)
	}
	if got, want := buffer.Str(rest), "answer-sdp"; got != want {
		t.Errorf("reply payload = %q, want %q", got, want)
	}
}

func TestBillUpdatesBalance(t *testing.T) {
	t.Parallel()
	var common identity.Common
	s := New(common, rtcpeer.ICEConfig{}, &fakeBack{}, nil, nil)
	s.Bill(3)
	s.Bill(2)
	if got, want := s.Balance(), int64(-5); got != want {
		t.Errorf("Balance() = %d, want %d", got, want)
	}
}

func TestAssociateDissociateIsStaleSafe(t *testing.T) {
	t.Parallel()
	var common identity.Common
	s := New(common, rtcpeer.ICEConfig{}, &fakeBack{}, nil, nil)
	first := &fakeConduit{}
	second := &fakeConduit{}

	s.Associate(first)
	s.Associate(second)
	s.Dissociate(first) // stale: second is now attached, this must be a no-op

	if err := s.Send(context.Background(), buffer.WrapString("x")); err != nil {
		t.Fatalf("Send after stale Dissociate: %v", err)
	}
	if second.count() != 1 {
		t.Error("stale Dissociate detached the live conduit")
	}
}

func TestSendWithNoConduitFails(t *testing.T) {
	t.Parallel()
	var common identity.Common
	s := New(common, rtcpeer.ICEConfig{}, &fakeBack{}, nil, nil)
	if err := s.Send(context.Background(), buffer.WrapString("x")); err == nil {
		t.Error("Send with no conduit attached succeeded, want error")
	}
}
