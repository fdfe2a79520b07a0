package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestClient(t *testing.T, fn roundTripFunc) *Client {
	t.Helper()
	c, err := NewClient(Options{
		APIKey:         "key",
		BaseURL:        "https://ai.test/v1/",
		AnalyzeModel:   "vision",
		TransformModel: "painter",
		HTTPClient:     &http.Client{Transport: fn},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestAnalyze(t *testing.T) {
	var sent chatRequest
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.String() != "https://ai.test/v1/chat/completions" {
			t.Errorf("url = %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		json.NewDecoder(r.Body).Decode(&sent)
		return jsonResponse(200, `{"choices":[{"message":{"content":"Subject Type: pet\nDescription: a corgi"}}]}`), nil
	})

	text, err := c.Analyze(context.Background(), []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.HasPrefix(text, "Subject Type: pet") {
		t.Fatalf("text = %q", text)
	}
	if sent.Model != "vision" || len(sent.Messages) != 1 {
		t.Fatalf("request = %+v", sent)
	}
	if got := sent.Messages[0].Content[0].ImageURL.URL; !strings.HasPrefix(got, "data:image/jpeg;base64,") {
		t.Fatalf("image part = %q", got)
	}
}

func TestTransformReturnsImage(t *testing.T) {
	png := []byte("\x89PNG fake")
	body := `{"choices":[{"message":{"content":"here you go","images":[{"type":"image_url","image_url":{"url":"data:image/png;base64,` +
		base64.StdEncoding.EncodeToString(png) + `"}}]}}]}`

	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Modalities) != 2 || req.Model != "painter" {
			t.Errorf("request = %+v", req)
		}
		if !strings.Contains(req.Messages[0].Content[1].Text, "a corgi") {
			t.Errorf("analysis not embedded in prompt")
		}
		return jsonResponse(200, body), nil
	})

	data, media, err := c.Transform(context.Background(), []byte("img"), "image/jpeg", "a corgi")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if media != "image/png" || string(data) != string(png) {
		t.Fatalf("got %q %q", media, data)
	}
}

func TestTransformWithoutImage(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"choices":[{"message":{"content":"I cannot do that"}}]}`), nil
	})

	if _, _, err := c.Transform(context.Background(), []byte("img"), "image/png", "x"); !errors.Is(err, ErrNoImage) {
		t.Fatalf("err = %v, want ErrNoImage", err)
	}
}

func TestStatusError(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(503, `{"error":"overloaded"}`), nil
	})

	_, err := c.Analyze(context.Background(), []byte("img"), "image/png")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 503 {
		t.Fatalf("err = %v", err)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatal("expected error without api key")
	}
}
