package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"visionpipe/internal/domain"
	"visionpipe/internal/infra"
)

// ImageSource resolves a non-URL storage path to raw image bytes.
type ImageSource interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// Options controls how the Gemini vision client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
	Images     ImageSource
}

// Client answers one analysis prompt per image via the Gemini
// generateContent API. When no API key is configured it produces
// deterministic synthetic answers so the engine stays fully operational in
// local and CI environments. Ordinary per-call failures are reported through
// the Analysis value, never as a Go error, so the engine's per-image
// isolation holds; the only errors returned are context cancellation and
// deadline expiry.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
	images     ImageSource
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount int `json:"candidateCount,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a vision client with sane defaults. Callers may
// provide a nil HTTP client; a reusable one with a timeout will be created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
		images:     opts.Images,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Analyze applies one prompt to one image.
func (c *Client) Analyze(ctx context.Context, image domain.ImageRef, prompt string, kind domain.PromptKind) (domain.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return domain.Analysis{}, err
	}

	if c.apiKey == "" {
		return c.syntheticAnalysis(image, prompt, kind), nil
	}

	analysis, err := c.remoteAnalyze(ctx, image, prompt, kind)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Analysis{}, ctx.Err()
		}
		c.logger.Warn().
			Err(err).
			Str("model", c.model).
			Str("image_id", image.ID).
			Msg("vision: analysis call failed")
		return domain.Analysis{
			Success:   false,
			ErrorText: err.Error(),
			Metadata:  map[string]string{"model": c.model},
		}, nil
	}
	return analysis, nil
}

func (c *Client) remoteAnalyze(ctx context.Context, image domain.ImageRef, prompt string, kind domain.PromptKind) (domain.Analysis, error) {
	imagePart, err := c.imagePart(ctx, image)
	if err != nil {
		return domain.Analysis{}, err
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{
			{
				Role: "user",
				Parts: []geminiPart{
					imagePart,
					{Text: buildAnalysisPrompt(prompt, kind)},
				},
			},
		},
		GenerationConfig: &geminiGenerationConfig{CandidateCount: 1},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
		return domain.Analysis{}, err
	}

	text := extractText(response)
	if text == "" {
		return domain.Analysis{
			Success:   false,
			ErrorText: "model returned an empty response",
			Metadata:  map[string]string{"model": c.model},
		}, nil
	}

	meta := map[string]string{"model": c.model}
	if len(response.Candidates) > 0 && response.Candidates[0].FinishReason != "" {
		meta["finish_reason"] = response.Candidates[0].FinishReason
	}
	return domain.Analysis{Success: true, Response: text, Metadata: meta}, nil
}

// imagePart encodes the image reference for the API: remote URLs pass
// through as file data, local paths are resolved via the image source and
// inlined.
func (c *Client) imagePart(ctx context.Context, image domain.ImageRef) (geminiPart, error) {
	storagePath := strings.TrimSpace(image.StoragePath)
	if storagePath == "" {
		return geminiPart{}, fmt.Errorf("image %s has no storage path", image.ID)
	}
	if strings.HasPrefix(storagePath, "http://") || strings.HasPrefix(storagePath, "https://") {
		return geminiPart{FileData: &geminiFileData{
			MimeType: mimeForPath(storagePath),
			FileURI:  storagePath,
		}}, nil
	}
	if c.images == nil {
		return geminiPart{}, fmt.Errorf("image %s: no image source configured for local path", image.ID)
	}
	data, err := c.images.Read(ctx, storagePath)
	if err != nil {
		return geminiPart{}, fmt.Errorf("read image %s: %w", image.ID, err)
	}
	return geminiPart{InlineData: &geminiInlineData{
		MimeType: mimeForPath(storagePath),
		Data:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

func (c *Client) invokeGemini(ctx context.Context, apiPath string, payload any, out any) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + apiPath
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func extractText(response geminiGenerateContentResponse) string {
	var b strings.Builder
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(part.Text)
			}
		}
		break
	}
	return strings.TrimSpace(b.String())
}

// buildAnalysisPrompt appends an answer-shape instruction so downstream
// filtering can rely on the response format.
func buildAnalysisPrompt(prompt string, kind domain.PromptKind) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	switch kind {
	case domain.PromptKindBoolean:
		b.WriteString("\n\nAnswer with exactly one word: true or false.")
	case domain.PromptKindKeyword:
		b.WriteString("\n\nAnswer with a comma-separated list of keywords only.")
	case domain.PromptKindDescriptive:
		b.WriteString("\n\nAnswer with a short description.")
	}
	return b.String()
}

func mimeForPath(p string) string {
	if u, err := url.Parse(p); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

var _ domain.AnalysisClient = (*Client)(nil)
