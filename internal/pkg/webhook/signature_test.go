package webhook

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func signedHeaders(secret, id string, at time.Time, body []byte) http.Header {
	ts, sig := Sign(secret, id, at, body)
	h := http.Header{}
	h.Set(HeaderID, id)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, sig)
	return h
}

func TestVerify(t *testing.T) {
	body := []byte(`{"type":"order.paid"}`)
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		secret  string
		headers http.Header
		want    error
	}{
		{"valid raw secret", "s3cret", signedHeaders("s3cret", "msg_1", now, body), nil},
		{"valid whsec secret", "whsec_czNjcmV0", signedHeaders("whsec_czNjcmV0", "msg_1", now, body), nil},
		{"wrong secret", "s3cret", signedHeaders("other", "msg_1", now, body), ErrInvalidSignature},
		{"stale timestamp", "s3cret", signedHeaders("s3cret", "msg_1", now.Add(-time.Hour), body), ErrInvalidTimestamp},
		{"missing headers", "s3cret", http.Header{}, ErrMissingHeaders},
		{"no secret", "", signedHeaders("s3cret", "msg_1", now, body), ErrNoSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.secret)
			v.now = func() time.Time { return now }

			err := v.Verify(tt.headers, body)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyAcceptsAnyListedSignature(t *testing.T) {
	body := []byte(`{}`)
	now := time.Unix(1_700_000_000, 0)
	h := signedHeaders("s3cret", "msg_2", now, body)
	h.Set(HeaderSignature, "v1,bm9wZQ== "+h.Get(HeaderSignature))

	v := NewVerifier("s3cret")
	v.now = func() time.Time { return now }
	if err := v.Verify(h, body); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := signedHeaders("s3cret", "msg_3", now, []byte(`{"amount":900}`))

	v := NewVerifier("s3cret")
	v.now = func() time.Time { return now }
	if err := v.Verify(h, []byte(`{"amount":100}`)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}
