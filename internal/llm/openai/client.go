// Package openai adapts the OpenAI Chat Completions API (and any
// OpenAI-compatible local server) to llm.Provider.
package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"

	"council/internal/llm"
	"council/internal/observability"
)

const pricePerMTokenIn, pricePerMTokenOut = 0.15, 0.60

type Client struct {
	sdk     sdk.Client
	model   string
	local   bool
	baseURL string
}

// New builds a client against the OpenAI API, or against an
// OpenAI-compatible local server when baseURL is non-empty and not the
// public OpenAI endpoint.
func New(apiKey, model, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	local := baseURL != "" && baseURL != "https://api.openai.com/v1"
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	m := strings.TrimSpace(model)
	if m == "" {
		m = "gpt-4o-mini"
	}
	return &Client{sdk: sdk.NewClient(opts...), model: m, local: local, baseURL: baseURL}
}

func (c *Client) Name() string {
	if c.local {
		return "local"
	}
	return "openai"
}

func (c *Client) CostEstimate(opts llm.Options) float64 {
	if c.local {
		return 0
	}
	maxOut := opts.MaxTokens
	if maxOut <= 0 {
		maxOut = 256
	}
	return float64(maxOut) / 1_000_000 * pricePerMTokenOut
}

func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(prompt)},
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.Stop = sdk.ChatCompletionNewParamsStopUnion{OfStringArray: opts.StopSequences}
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()

	if opts.StreamSink != nil {
		return c.generateStreaming(ctx, params, opts, start, log)
	}

	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", dur).Msg("openai_generate_error")
		return llm.Result{}, err
	}
	if len(comp.Choices) == 0 {
		return llm.Result{TotalLatencyMs: dur.Milliseconds()}, nil
	}

	text := comp.Choices[0].Message.Content
	in, out := int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens)
	res := llm.Result{
		Text:           text,
		TokensIn:       in,
		TokensOut:      out,
		CostUSD:        float64(in)/1_000_000*pricePerMTokenIn + float64(out)/1_000_000*pricePerMTokenOut,
		TotalLatencyMs: dur.Milliseconds(),
		Truncated:      string(comp.Choices[0].FinishReason) == "length",
	}
	log.Debug().Str("model", c.model).Dur("duration", dur).Int("tokens_out", out).Msg("openai_generate_ok")
	return res, nil
}

func (c *Client) generateStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts llm.Options, start time.Time, log *zerolog.Logger) (llm.Result, error) {
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var sb strings.Builder
	var firstTokenMs int64
	var promptTokens, completionTokens int
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			promptTokens = int(chunk.Usage.PromptTokens)
			completionTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			if firstTokenMs == 0 {
				firstTokenMs = time.Since(start).Milliseconds()
			}
			sb.WriteString(delta)
			opts.StreamSink <- delta
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("openai_stream_error")
		return llm.Result{}, err
	}
	dur := time.Since(start)
	return llm.Result{
		Text:                sb.String(),
		TokensIn:            promptTokens,
		TokensOut:           completionTokens,
		CostUSD:             float64(promptTokens)/1_000_000*pricePerMTokenIn + float64(completionTokens)/1_000_000*pricePerMTokenOut,
		FirstTokenLatencyMs: firstTokenMs,
		TotalLatencyMs:      dur.Milliseconds(),
	}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:               sdk.ChatModel(c.model),
		Messages:            []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage("ping")},
		MaxCompletionTokens: sdk.Int(1),
	})
	return err
}
