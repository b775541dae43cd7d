package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/intermission-bot/telemetry"
)

// OpenAI talks to the chat completions and image generation endpoints.
type OpenAI struct {
	httpClient *http.Client
	opts       options
}

var _ Generator = (*OpenAI)(nil)

// NewOpenAI constructs a client.
func NewOpenAI(opts ...Option) *OpenAI {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &OpenAI{httpClient: hc, opts: o}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type imageRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Text sends prompt as the system message and returns the trimmed reply.
func (c *OpenAI) Text(ctx context.Context, prompt string) (text string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "generator.Text", attribute.String("ai.model", c.opts.chatModel))
	defer func() { telemetry.EndSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, c.opts.chatTimeout)
	defer cancel()

	var resp chatResponse
	telemetry.TimeFunc(telemetry.GenerationDuration, func() {
		err = c.post(ctx, "text", "/chat/completions", chatRequest{
			Model:       c.opts.chatModel,
			Messages:    []chatMessage{{Role: "system", Content: prompt}},
			Temperature: c.opts.temperature,
		}, &resp)
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", c.fail(&GenerationError{Kind: KindEmpty, Op: "text", Err: errors.New("empty choices")})
	}
	if resp.Choices[0].FinishReason == "content_filter" {
		return "", c.fail(&GenerationError{Kind: KindContentPolicy, Op: "text", Err: errors.New("reply filtered")})
	}
	text = strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", c.fail(&GenerationError{Kind: KindEmpty, Op: "text", Err: errors.New("empty reply")})
	}
	return text, nil
}

// Image generates one image. A hosted URL is preferred; a base64 payload
// is written to the image directory as image_<YYYYMMDD_HHMMSS>.png.
func (c *OpenAI) Image(ctx context.Context, description string) (img Image, err error) {
	ctx, span := telemetry.StartSpan(ctx, "generator.Image", attribute.String("ai.size", c.opts.imageSize))
	defer func() { telemetry.EndSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, c.opts.imageTimeout)
	defer cancel()

	var resp imageResponse
	telemetry.TimeFunc(telemetry.GenerationDuration, func() {
		err = c.post(ctx, "image", "/images/generations", imageRequest{
			Model:  c.opts.imageModel,
			Prompt: description,
			Size:   c.opts.imageSize,
			N:      1,
		}, &resp)
	})
	if err != nil {
		return Image{}, err
	}
	if len(resp.Data) == 0 {
		return Image{}, c.fail(&GenerationError{Kind: KindEmpty, Op: "image", Err: errors.New("no image data returned")})
	}
	d := resp.Data[0]
	if d.URL != "" {
		return Image{URL: d.URL}, nil
	}
	if d.B64JSON == "" {
		return Image{}, c.fail(&GenerationError{Kind: KindEmpty, Op: "image", Err: errors.New("no image data returned")})
	}
	path, err := c.saveImage(d.B64JSON)
	if err != nil {
		return Image{}, c.fail(&GenerationError{Kind: KindUpstream, Op: "image", Err: err})
	}
	return Image{Path: path}, nil
}

func (c *OpenAI) saveImage(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode image payload: %w", err)
	}
	if err := os.MkdirAll(c.opts.imageDir, 0o755); err != nil {
		return "", err
	}
	name := "image_" + c.opts.now().Format("20060102_150405") + ".png"
	path := filepath.Join(c.opts.imageDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *OpenAI) post(ctx context.Context, op, path string, payload, out any) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return c.fail(&GenerationError{Kind: KindUpstream, Op: op, Err: fmt.Errorf("marshal payload: %w", err)})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.opts.baseURL, "/")+path, buf)
	if err != nil {
		return c.fail(&GenerationError{Kind: KindUpstream, Op: op, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.fail(&GenerationError{Kind: transportKind(err), Op: op, Err: err})
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.fail(&GenerationError{Kind: statusKind(resp.StatusCode, data), Op: op, Status: resp.StatusCode, Err: errors.New(apiMessage(data, resp.Status))})
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
		kind := KindUpstream
		if ctx.Err() != nil {
			kind = KindTimeout
		}
		return c.fail(&GenerationError{Kind: kind, Op: op, Err: fmt.Errorf("decode response: %w", err)})
	}
	return nil
}

func (c *OpenAI) fail(ge *GenerationError) error {
	telemetry.RecordGenerationFailure(string(ge.Kind))
	return ge
}

func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUpstream
}

func statusKind(status int, body []byte) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest && bytes.Contains(body, []byte("content_policy")):
		return KindContentPolicy
	case status == http.StatusBadRequest && bytes.Contains(body, []byte("safety")):
		return KindContentPolicy
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return KindTimeout
	default:
		return KindUpstream
	}
}

func apiMessage(body []byte, status string) string {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return status + ": " + s
	}
	return status
}
