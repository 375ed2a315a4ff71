// Package transcription calls the Gemini generateContent endpoint to turn a
// recorded answer into raw French text.
package transcription

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"voice-batch-go/internal/apperr"
	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/sanitize"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.5-flash"
	DefaultTimeout = 120 * time.Second

	// Prompt is sent ahead of the audio on every call.
	Prompt = "Transcris l’audio ci-dessous en FRANÇAIS. Le texte doit être brut, sans formatage, sans résumer, et sans ajouter de commentaires comme 'Transcription:'."

	temperature     = 0.1
	maxErrorBodyLen = 300
	placeholderKey  = "xxxxxxx"
	minKeyLen       = 10
)

// Transcriber is what the record processor needs from this package.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type Options struct {
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// RetryInterval is the first backoff interval between retries.
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *logger.Logger
}

type Client struct {
	baseURL       string
	model         string
	apiKey        string
	maxRetries    int
	retryInterval time.Duration
	http          *http.Client
	log           *logger.Logger
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		model:         opts.Model,
		apiKey:        strings.TrimSpace(opts.APIKey),
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		http:          opts.HTTPClient,
		log:           opts.Logger.Component("transcription"),
	}
}

// ValidKey reports whether key looks like a usable API key: non-empty, not
// the template placeholder and at least ten characters.
func ValidKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && !strings.HasPrefix(key, placeholderKey) && len(key) >= minKeyLen
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Transcribe sends the audio and returns the transcript text. Failures are
// classified with apperr: Config for a malformed key, Transient for
// overload/availability problems, Permanent for everything else.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if !ValidKey(c.apiKey) {
		return "", apperr.Config("transcribe", "GEMINI_API_KEY is missing or malformed")
	}
	mimeType = sanitize.MimeType(mimeType)

	body, err := c.encode(audio, mimeType)
	if err != nil {
		return "", apperr.Permanent("transcribe", err, "encode request")
	}

	log := c.log.WithFields(logrus.Fields{
		"model":      c.model,
		"mime_type":  mimeType,
		"audio_size": len(audio),
	})
	log.Info("starting transcription")

	var text string
	attempt := 0
	op := func() error {
		attempt++
		t, err := c.call(ctx, body)
		if err == nil {
			text = t
			return nil
		}
		if apperr.IsTransient(err) && ctx.Err() == nil {
			log.WithField("attempt", attempt).WithError(err).Warn("transient transcription failure")
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	retries := c.maxRetries
	if retries < 0 {
		retries = 0
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)); err != nil {
		return "", err
	}

	log.WithField("chars", len(text)).Info("transcription completed")
	return text, nil
}

func (c *Client) encode(audio []byte, mimeType string) ([]byte, error) {
	var req generateRequest
	req.Contents = []content{{
		Role: "user",
		Parts: []part{
			{Text: Prompt},
			{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(audio)}},
		},
	}}
	req.GenerationConfig.Temperature = temperature
	return json.Marshal(req)
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("key", c.apiKey)
	return fmt.Sprintf("%s/models/%s:generateContent?%s", c.baseURL, url.PathEscape(c.model), q.Encode())
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", apperr.Permanent("transcribe", err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The key travels in the query string; keep it out of messages.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return "", apperr.Transient("transcribe", err, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Transient("transcribe", err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, raw)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperr.Permanent("transcribe", err, "decode response")
	}
	return extractText(out)
}

func classifyStatus(code int, raw []byte) error {
	snippet := string(raw)
	if len(snippet) > maxErrorBodyLen {
		cut := maxErrorBodyLen
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut]
	}
	cause := fmt.Errorf("HTTP %d: %s", code, snippet)

	if code >= 500 || code == http.StatusTooManyRequests {
		return apperr.Transient("transcribe", cause, "upstream unavailable")
	}
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil {
		switch ae.Error.Status {
		case "UNAVAILABLE", "RESOURCE_EXHAUSTED":
			return apperr.Transient("transcribe", cause, "upstream unavailable")
		}
	}
	return apperr.Permanent("transcribe", cause, "request rejected")
}

func extractText(out generateResponse) (string, error) {
	if len(out.Candidates) == 0 {
		if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
			return "", apperr.Permanent("transcribe", nil, "prompt blocked: %s", out.PromptFeedback.BlockReason)
		}
		return "", apperr.Permanent("transcribe", nil, "response has no candidates")
	}

	cand := out.Candidates[0]
	if cand.FinishReason != "" && cand.FinishReason != "STOP" {
		return "", apperr.Permanent("transcribe", nil, "unexpected finish reason: %s", cand.FinishReason)
	}
	if len(cand.Content.Parts) == 0 {
		return "", apperr.Permanent("transcribe", nil, "candidate has no content parts")
	}
	text := cand.Content.Parts[0].Text
	if strings.TrimSpace(text) == "" {
		return "", apperr.Permanent("transcribe", nil, "empty transcript")
	}
	return text, nil
}
