package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/keyring"
	. "github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/store"
)

// ErrNoContent is returned when the stream closes cleanly without producing
// any content. Treated as a transient failure, not a key failure.
var ErrNoContent = errors.New("stream produced no content")

// Client performs streamed chat-completion calls against an OpenAI-compatible
// endpoint. The secret is supplied per call because the rotation engine may
// pick a different key for every attempt.
type Client struct {
	baseURL          string
	model            string
	temperature      float32
	maxTokens        int
	topP             float32
	frequencyPenalty float32
	timeout          time.Duration
}

// NewClient creates a Client from the endpoint configuration.
func NewClient(cfg config.APIConfig) *Client {
	return &Client{
		baseURL:          normalizeBaseURL(cfg.BaseURL),
		model:            cfg.Model,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		topP:             cfg.TopP,
		frequencyPenalty: cfg.FrequencyPenalty,
		timeout:          time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
}

// normalizeBaseURL strips a trailing slash or a full /chat/completions path
// so operators can paste either form.
func normalizeBaseURL(u string) string {
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	return u
}

// Complete runs one streamed chat-completion call and returns the
// concatenated content along with the outcome classification.
//
// The full response is the concatenation of all incremental content fragments
// in arrival order, terminated by the stream's end marker or closure. An
// empty stream with no error classifies as a transient failure.
func (c *Client) Complete(ctx context.Context, secret string, messages []store.Message) (string, keyring.Outcome, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	clientCfg := openai.DefaultConfig(secret)
	if c.baseURL != "" {
		clientCfg.BaseURL = c.baseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	req := openai.ChatCompletionRequest{
		Model:            c.model,
		Messages:         convertMessages(messages),
		Temperature:      c.temperature,
		MaxTokens:        c.maxTokens,
		TopP:             c.topP,
		FrequencyPenalty: c.frequencyPenalty,
		Stream:           true,
	}

	start := time.Now()
	L_debug("llm: request started", "model", c.model, "messages", len(messages))

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		outcome := ClassifyError(err)
		logCallFailure("stream creation failed", err, outcome)
		return "", outcome, err
	}
	defer stream.Close()

	var sb strings.Builder
	chunks := 0
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			outcome := ClassifyError(err)
			logCallFailure("stream recv failed", err, outcome)
			return "", outcome, err
		}

		chunks++
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			sb.WriteString(delta)
		}
	}

	text := sb.String()
	if text == "" {
		L_warn("llm: stream closed without content", "chunks", chunks)
		return "", keyring.OutcomeOtherFailure, ErrNoContent
	}

	L_debug("llm: stream complete",
		"chunks", chunks,
		"textLen", len(text),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return text, keyring.OutcomeSuccess, nil
}

func logCallFailure(msg string, err error, outcome keyring.Outcome) {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) {
		L_error(msg,
			"statusCode", apiErr.HTTPStatusCode,
			"code", apiErr.Code,
			"message", apiErr.Message,
			"outcome", outcome.String(),
		)
	} else if errors.As(err, &reqErr) {
		L_error(msg,
			"statusCode", reqErr.HTTPStatusCode,
			"error", reqErr.Error(),
			"outcome", outcome.String(),
		)
	} else {
		L_error(msg, "error", err, "outcome", outcome.String())
	}
}

func convertMessages(messages []store.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return out
}
