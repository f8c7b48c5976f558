// Package groq is the outbound client for the Groq OpenAI-compatible API:
// note generation, token streaming, patient summaries, and speech-to-text.
package groq

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
	"github.com/medscribe/medscribe/internal/platform/stream"
)

const (
	DefaultBaseURL  = "https://api.groq.com/openai/v1"
	DefaultModel    = "llama-3.3-70b-versatile"
	DefaultSTTModel = "whisper-large-v3"
	DefaultTimeout  = 120 * time.Second

	maxSSELine = 1 << 20
)

// Config holds the client settings.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	STTModel string
	Timeout  time.Duration
}

// Client talks to Groq over resty. Requests are never retried.
type Client struct {
	http     *resty.Client
	model    string
	sttModel string
	hasKey   bool
	logger   zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.STTModel == "" {
		cfg.STTModel = DefaultSTTModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Authorization", "Bearer "+cfg.APIKey)

	return &Client{
		http:     httpClient,
		model:    cfg.Model,
		sttModel: cfg.STTModel,
		hasKey:   cfg.APIKey != "",
		logger:   logger.With().Str("component", "groq").Logger(),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *Client) noteRequest(transcript, template, specialty string, streaming bool) chatRequest {
	return chatRequest{
		Model:       c.model,
		Messages:    noteMessages(transcript, template, specialty),
		Temperature: 0.3,
		MaxTokens:   4096,
		TopP:        0.9,
		Stream:      streaming,
	}
}

func (c *Client) ready() error {
	if !c.hasKey {
		return fmt.Errorf("%w: GROQ_API_KEY is not configured", sentinel.ErrGenerationSource)
	}
	return nil
}

// Generate returns a complete clinical note for the transcript.
func (c *Client) Generate(ctx context.Context, transcript, template, specialty string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	return c.complete(ctx, c.noteRequest(transcript, template, specialty, false))
}

// Summarize rewrites a clinical note in plain language for the patient.
func (c *Client) Summarize(ctx context.Context, note string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	return c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    summaryMessages(note),
		Temperature: 0.5,
		MaxTokens:   1024,
	})
}

func (c *Client) complete(ctx context.Context, body chatRequest) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("%w: %v", sentinel.ErrGenerationSource, err)
	}
	if resp.IsError() {
		return "", c.statusError(resp.StatusCode(), resp.Body())
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("%w: decode completion: %v", sentinel.ErrGenerationSource, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: completion has no choices", sentinel.ErrGenerationSource)
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) statusError(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	c.logger.Warn().Int("status", status).Str("body", snippet).Msg("groq request failed")
	return fmt.Errorf("%w: groq returned status %d", sentinel.ErrGenerationSource, status)
}

// Stream starts a streaming completion and returns a pull source of
// non-empty content deltas. The caller must Close the source.
func (c *Client) Stream(ctx context.Context, transcript, template, specialty string) (stream.Source, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream").
		SetBody(c.noteRequest(transcript, template, specialty, true)).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sentinel.ErrGenerationSource, err)
	}

	body := resp.RawBody()
	if resp.StatusCode() >= 400 {
		data, _ := io.ReadAll(io.LimitReader(body, 4096))
		body.Close()
		return nil, c.statusError(resp.StatusCode(), data)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseSource{body: body, scanner: scanner}, nil
}

// sseSource reads "data: " events from a chat completion stream.
type sseSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseSource) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("%w: decode stream chunk: %v", sentinel.ErrGenerationSource, err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: read stream: %v", sentinel.ErrGenerationSource, err)
	}
	return "", io.EOF
}

func (s *sseSource) Close() error {
	s.done = true
	return s.body.Close()
}

// Segment is a timed slice of a transcription.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the speech-to-text result.
type Transcription struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Transcribe uploads audio for transcription.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (*Transcription, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if audio == nil {
		return nil, errors.New("transcribe: nil audio reader")
	}
	if filename == "" {
		filename = "recording.webm"
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, audio).
		SetFormData(map[string]string{
			"model":           c.sttModel,
			"language":        "en",
			"response_format": "verbose_json",
			"temperature":     "0.0",
		}).
		Post("/audio/transcriptions")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sentinel.ErrGenerationSource, err)
	}
	if resp.IsError() {
		return nil, c.statusError(resp.StatusCode(), resp.Body())
	}

	var out Transcription
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: decode transcription: %v", sentinel.ErrGenerationSource, err)
	}
	if out.Segments == nil {
		out.Segments = []Segment{}
	}
	return &out, nil
}
