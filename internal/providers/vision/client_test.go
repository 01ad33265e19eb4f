package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"visionpipe/internal/domain"
)

type mapSource map[string][]byte

func (m mapSource) Read(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, context.Canceled
	}
	return data, nil
}

func candidateResponse(text string) string {
	resp := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
	}
	out, _ := json.Marshal(resp)
	return string(out)
}

func TestSyntheticAnalysisIsDeterministic(t *testing.T) {
	client, err := NewClient(Options{Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	img := domain.ImageRef{ID: "img-1", StoragePath: "batch/img-1.png"}

	first, err := client.Analyze(context.Background(), img, "Is a person visible?", domain.PromptKindBoolean)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	second, err := client.Analyze(context.Background(), img, "Is a person visible?", domain.PromptKindBoolean)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !first.Success || first.Response != second.Response {
		t.Fatalf("synthetic analysis not deterministic: %q vs %q", first.Response, second.Response)
	}
	if first.Response != "true" && first.Response != "false" {
		t.Fatalf("boolean response = %q", first.Response)
	}
	if first.Metadata["synthetic"] != "true" {
		t.Fatalf("metadata = %v", first.Metadata)
	}
}

func TestSyntheticKeywordAnalysis(t *testing.T) {
	client, err := NewClient(Options{Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	analysis, err := client.Analyze(context.Background(), domain.ImageRef{ID: "img-2"}, "List subjects.", domain.PromptKindKeyword)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(strings.Split(analysis.Response, ",")) != 3 {
		t.Fatalf("keyword response = %q, want three comma-separated terms", analysis.Response)
	}
}

func TestRemoteAnalyzeInlinesLocalImage(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	var captured geminiGenerateContentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(candidateResponse("true")))
	}))
	defer server.Close()

	client, err := NewClient(Options{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
		Images:  mapSource{"batch/a.png": raw},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	analysis, err := client.Analyze(context.Background(), domain.ImageRef{ID: "a", StoragePath: "batch/a.png"}, "Visible?", domain.PromptKindBoolean)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !analysis.Success || analysis.Response != "true" {
		t.Fatalf("analysis = %+v", analysis)
	}

	parts := captured.Contents[0].Parts
	if parts[0].InlineData == nil {
		t.Fatalf("local image should be inlined, got %+v", parts[0])
	}
	if parts[0].InlineData.MimeType != "image/png" {
		t.Fatalf("mime = %q", parts[0].InlineData.MimeType)
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[0].InlineData.Data)
	if err != nil || string(decoded) != string(raw) {
		t.Fatalf("inline data mismatch: %v", err)
	}
	if !strings.Contains(parts[1].Text, "exactly one word: true or false") {
		t.Fatalf("boolean instruction missing: %q", parts[1].Text)
	}
}

func TestRemoteAnalyzePassesURLThrough(t *testing.T) {
	var captured geminiGenerateContentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(candidateResponse("a quiet street")))
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "test-key", BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	analysis, err := client.Analyze(context.Background(), domain.ImageRef{ID: "a", StoragePath: "https://cdn.example.com/a.jpg"}, "Describe.", domain.PromptKindDescriptive)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !analysis.Success {
		t.Fatalf("analysis = %+v", analysis)
	}
	part := captured.Contents[0].Parts[0]
	if part.FileData == nil || part.FileData.FileURI != "https://cdn.example.com/a.jpg" {
		t.Fatalf("url image should use file data, got %+v", part)
	}
}

func TestRemoteFailureBecomesFailedAnalysis(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"rate limit exceeded"}}`))
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "test-key", BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	analysis, err := client.Analyze(context.Background(), domain.ImageRef{ID: "a", StoragePath: "https://cdn.example.com/a.jpg"}, "Visible?", domain.PromptKindBoolean)
	if err != nil {
		t.Fatalf("ordinary HTTP failures must not surface as errors: %v", err)
	}
	if analysis.Success {
		t.Fatalf("analysis should be failed: %+v", analysis)
	}
	if !strings.Contains(analysis.ErrorText, "status 429") || !strings.Contains(analysis.ErrorText, "rate limit") {
		t.Fatalf("error text = %q", analysis.ErrorText)
	}
}

func TestRemoteEmptyResponseIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "test-key", BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	analysis, err := client.Analyze(context.Background(), domain.ImageRef{ID: "a", StoragePath: "https://cdn.example.com/a.jpg"}, "Visible?", domain.PromptKindBoolean)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if analysis.Success || !strings.Contains(analysis.ErrorText, "empty response") {
		t.Fatalf("analysis = %+v", analysis)
	}
}

func TestCancelledContextPropagates(t *testing.T) {
	client, err := NewClient(Options{Model: "test-model"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Analyze(ctx, domain.ImageRef{ID: "a"}, "Visible?", domain.PromptKindBoolean); err == nil {
		t.Fatalf("cancellation must surface as an error")
	}
}

func TestMimeForPath(t *testing.T) {
	cases := map[string]string{
		"a.png":                        "image/png",
		"dir/b.JPG":                    "image/jpeg",
		"c.webp":                       "image/webp",
		"https://x.test/d.gif?sig=abc": "image/gif",
		"no-extension":                 "image/jpeg",
	}
	for in, want := range cases {
		if got := mimeForPath(in); got != want {
			t.Fatalf("mimeForPath(%q) = %q, want %q", in, got, want)
		}
	}
}
