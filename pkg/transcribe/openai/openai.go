// Package openai transcribes voice notes with the OpenAI audio API.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"wabridge/pkg/config"
	"wabridge/pkg/transcribe"
)

const defaultModel = "whisper-1"

type Client struct {
	client         osdk.Client
	model          string
	language       string
	requestTimeout time.Duration
}

var _ transcribe.Transcriber = (*Client)(nil)

func New(cfg config.TranscriptionConfig) (*Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, errors.New("transcription.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		language:       strings.TrimSpace(cfg.Language),
		requestTimeout: requestTimeout,
	}, nil
}

// Transcribe uploads audio and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, fileName string, mimeType string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := transcribeLogger().With("operation", "transcribe")
	startedAt := time.Now()

	if len(audio) == 0 {
		return "", errors.New("audio is empty")
	}
	log.Debug("provider request started", "model", c.model, "audio_bytes", len(audio), "mime_type", mimeType)

	params := osdk.AudioTranscriptionNewParams{
		File:  osdk.File(bytes.NewReader(audio), uploadName(fileName, mimeType), mimeType),
		Model: osdk.AudioModel(c.model),
	}
	if c.language != "" {
		params.Language = osdk.String(c.language)
	}

	result, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "text_length", len(text))

	return text, nil
}

// uploadName names the upload after the declared content type. Storage keys
// always end in .mp3 while voice notes are usually ogg/opus, and the API
// detects the format from the extension.
func uploadName(fileName, mimeType string) string {
	name := path.Base(strings.TrimSpace(fileName))
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." || name == "/" {
		name = "audio"
	}

	base, _, _ := strings.Cut(mimeType, ";")
	_, sub, _ := strings.Cut(strings.ToLower(strings.TrimSpace(base)), "/")
	switch sub {
	case "":
		return name + ".mp3"
	case "mpeg":
		return name + ".mp3"
	default:
		return name + "." + sub
	}
}

func transcribeLogger() *slog.Logger {
	return slog.Default().With("component", "transcribe.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.TranscriptionConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
