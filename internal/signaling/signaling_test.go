package signaling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeResponder struct {
	answer string
	err    error
	gotOff string
}

func (f *fakeResponder) Respond(_ context.Context, offer string) (string, error) {
	f.gotOff = offer
	return f.answer, f.err
}

func TestPostRootReturnsAnswer(t *testing.T) {
	t.Parallel()
	r := &fakeResponder{answer: "the-answer-sdp"}
	srv := httptest.NewServer(New(r, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/", "application/sdp", strings.NewReader("the-offer-sdp"))
	if err != nil {
		t.Fatalf("POST /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if got, want := string(body), "the-answer-sdp"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if r.gotOff != "the-offer-sdp" {
		t.Errorf("Respond received offer %q, want %q", r.gotOff, "the-offer-sdp")
	}
}

func TestPostRootResponderError(t *testing.T) {
	t.Parallel()
	r := &fakeResponder{err: errors.New("bad offer")}
	srv := httptest.NewServer(New(r, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/", "application/sdp", strings.NewReader("garbage"))
	if err != nil {
		t.Fatalf("POST /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestGetRootIsLivenessCheck(t *testing.T) {
	t.Parallel()
	r := &fakeResponder{}
	srv := httptest.NewServer(New(r, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if r.gotOff != "" {
		t.Error("GET / reached the Responder, want it untouched")
	}
}

func TestUnknownPathReturnsOK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(New(&fakeResponder{}, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/unknown", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST /unknown: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
