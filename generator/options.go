package generator

import (
	"net/http"
	"time"
)

// Option configures an OpenAI client.
type Option func(*options)

type options struct {
	apiKey       string
	baseURL      string
	chatModel    string
	imageModel   string
	imageSize    string
	temperature  float64
	chatTimeout  time.Duration
	imageTimeout time.Duration
	imageDir     string
	httpClient   *http.Client
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		baseURL:      "https://api.openai.com/v1",
		chatModel:    "gpt-4o-mini",
		imageSize:    "1024x1024",
		temperature:  1.2,
		chatTimeout:  30 * time.Second,
		imageTimeout: 60 * time.Second,
		imageDir:     "logs/images",
		now:          time.Now,
	}
}

// WithAPIKey configures the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithModel sets the chat completion model.
func WithModel(model string) Option {
	return func(o *options) {
		if model != "" {
			o.chatModel = model
		}
	}
}

// WithImageModel sets the image model; empty leaves the API default.
func WithImageModel(model string) Option {
	return func(o *options) { o.imageModel = model }
}

// WithImageSize sets the requested image size, e.g. 1024x1024.
func WithImageSize(size string) Option {
	return func(o *options) {
		if size != "" {
			o.imageSize = size
		}
	}
}

// WithTemperature sets the sampling temperature for text.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t }
}

// WithTimeouts sets per-request deadlines for text and image calls.
func WithTimeouts(chat, image time.Duration) Option {
	return func(o *options) {
		if chat > 0 {
			o.chatTimeout = chat
		}
		if image > 0 {
			o.imageTimeout = image
		}
	}
}

// WithImageDir is where base64 image payloads are written.
func WithImageDir(dir string) Option {
	return func(o *options) { o.imageDir = dir }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}
