package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTextSendsSystemPrompt(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Why did the streamer cross the road?  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(srv.URL), WithModel("gpt-test"), WithTemperature(0.5))
	text, err := c.Text(context.Background(), "tell a joke")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "Why did the streamer cross the road?" {
		t.Fatalf("text not trimmed: %q", text)
	}
	if got.Model != "gpt-test" || got.Temperature != 0.5 {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "system" || got.Messages[0].Content != "tell a joke" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestTextFailuresAreGenerationErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{"rate limited", 429, `{"error":{"message":"slow down","type":"requests"}}`, KindRateLimited},
		{"content policy", 400, `{"error":{"message":"rejected","code":"content_policy_violation"}}`, KindContentPolicy},
		{"server error", 500, `oops`, KindUpstream},
		{"empty choices", 200, `{"choices":[]}`, KindEmpty},
		{"blank reply", 200, `{"choices":[{"message":{"content":"   "}}]}`, KindEmpty},
		{"filtered", 200, `{"choices":[{"message":{"content":"x"},"finish_reason":"content_filter"}]}`, KindContentPolicy},
		{"bad json", 200, `{"choices":`, KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAI(WithBaseURL(srv.URL)).Text(context.Background(), "p")
			var ge *GenerationError
			if !errors.As(err, &ge) {
				t.Fatalf("want *GenerationError, got %v", err)
			}
			if ge.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s (%v)", ge.Kind, tt.kind, err)
			}
		})
	}
}

func TestTextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewOpenAI(WithBaseURL(srv.URL), WithTimeouts(50*time.Millisecond, 0))
	_, err := c.Text(context.Background(), "p")
	var ge *GenerationError
	if !errors.As(err, &ge) || ge.Kind != KindTimeout {
		t.Fatalf("want timeout GenerationError, got %v", err)
	}
}

func TestImagePrefersURL(t *testing.T) {
	var got imageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"data":[{"url":"https://img.example/cat.png","b64_json":"aGVsbG8="}]}`))
	}))
	defer srv.Close()

	img, err := NewOpenAI(WithBaseURL(srv.URL), WithImageSize("512x512")).Image(context.Background(), "cat wearing a hat")
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if img.URL != "https://img.example/cat.png" || img.Ref() != img.URL {
		t.Fatalf("image = %+v", img)
	}
	if got.Prompt != "cat wearing a hat" || got.Size != "512x512" || got.N != 1 {
		t.Fatalf("request = %+v", got)
	}
}

func TestImageSavesBase64Payload(t *testing.T) {
	payload := []byte("\x89PNG fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(payload)}},
		})
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "images")
	c := NewOpenAI(WithBaseURL(srv.URL), WithImageDir(dir))
	c.opts.now = func() time.Time { return time.Date(2025, 10, 7, 21, 15, 34, 0, time.UTC) }

	img, err := c.Image(context.Background(), "ramen shop")
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	want := filepath.Join(dir, "image_20251007_211534.png")
	if img.Path != want || img.URL != "" {
		t.Fatalf("image = %+v, want path %s", img, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != string(payload) {
		t.Fatalf("saved file = %q, %v", data, err)
	}
}

func TestImageWithoutDataFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{}]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(WithBaseURL(srv.URL)).Image(context.Background(), "x")
	if !IsGenerationError(err) {
		t.Fatalf("want GenerationError, got %v", err)
	}
}
