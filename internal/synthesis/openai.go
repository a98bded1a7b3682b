package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/reliability"
)

const (
	speechPath        = "/v1/audio/speech"
	defaultOpenAIBase = "https://api.openai.com"
	defaultModel      = "tts-1"
	defaultFormat     = "mp3"
	maxErrorBody      = 64 << 10
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Format is the response_format sent upstream (mp3 or wav).
	Format     string
	HTTPClient *http.Client
}

type OpenAIClient struct {
	apiKey  string
	baseURL string
	model   string
	format  string
	http    *http.Client
	now     func() time.Time
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOpenAIBase
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = defaultFormat
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// Per-call deadlines come from the caller's context.
		hc = &http.Client{}
	}
	return &OpenAIClient{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: base,
		model:   model,
		format:  format,
		http:    hc,
		now:     time.Now,
	}, nil
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *OpenAIClient) Synthesize(ctx context.Context, text string, voice conversion.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, Permanent("input text is empty")
	}
	body, err := json.Marshal(speechRequest{
		Model:          c.model,
		Input:          text,
		Voice:          string(voice),
		ResponseFormat: c.format,
	})
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+speechPath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: "send request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.errorFromResponse(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: "read audio", Err: err}
	}
	if len(audio) == 0 {
		return nil, Transient("empty audio response")
	}
	return audio, nil
}

func (c *OpenAIClient) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var env apiErrorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	if msg == "" {
		msg = resp.Status
	}

	out := &Error{StatusCode: resp.StatusCode, Message: msg}
	switch {
	case reliability.IsRateLimitStatus(resp.StatusCode):
		out.Kind = KindRateLimited
		out.RetryAfter = reliability.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	case reliability.IsRetryableHTTPStatus(resp.StatusCode):
		out.Kind = KindTransient
	default:
		out.Kind = KindPermanent
	}
	return out
}

func (c *OpenAIClient) String() string {
	return fmt.Sprintf("openai(%s, %s)", c.model, c.format)
}
