// Package anthropic adapts the Anthropic Messages API to llm.Provider.
package anthropic

import (
	"context"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"council/internal/llm"
	"council/internal/observability"
)

// pricePerMTokenIn and pricePerMTokenOut are USD prices per million tokens.
// CostEstimate uses the output price for BudgetGuard preflight checks;
// actual cost is computed from usage on the response.
const pricePerMTokenIn, pricePerMTokenOut = 3.00, 15.00

type Client struct {
	sdk   sdk.Client
	model string
}

func New(apiKey, model, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(baseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	m := strings.TrimSpace(model)
	if m == "" {
		m = string(sdk.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: sdk.NewClient(opts...), model: m}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) CostEstimate(opts llm.Options) float64 {
	maxOut := opts.MaxTokens
	if maxOut <= 0 {
		maxOut = 256
	}
	return float64(maxOut) / 1_000_000 * pricePerMTokenOut
}

func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 256
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()

	if opts.StreamSink != nil {
		return c.generateStreaming(ctx, params, opts, start, log)
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", dur).Msg("anthropic_generate_error")
		return llm.Result{}, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	res := llm.Result{
		Text:           sb.String(),
		TokensIn:       in,
		TokensOut:      out,
		CostUSD:        float64(in)/1_000_000*pricePerMTokenIn + float64(out)/1_000_000*pricePerMTokenOut,
		TotalLatencyMs: dur.Milliseconds(),
		Truncated:      string(resp.StopReason) == "max_tokens",
	}
	log.Debug().Str("model", c.model).Dur("duration", dur).Int("tokens_out", out).Msg("anthropic_generate_ok")
	return res, nil
}

func (c *Client) generateStreaming(ctx context.Context, params sdk.MessageNewParams, opts llm.Options, start time.Time, log *zerolog.Logger) (llm.Result, error) {
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var sb strings.Builder
	var firstTokenMs int64
	var acc sdk.Message
	for stream.Next() {
		event := stream.Current()
		_ = acc.Accumulate(event)
		if delta, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if td, ok := delta.Delta.AsAny().(sdk.TextDelta); ok && td.Text != "" {
				if firstTokenMs == 0 {
					firstTokenMs = time.Since(start).Milliseconds()
				}
				sb.WriteString(td.Text)
				opts.StreamSink <- td.Text
			}
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("anthropic_stream_error")
		return llm.Result{}, err
	}
	dur := time.Since(start)
	in, out := int(acc.Usage.InputTokens), int(acc.Usage.OutputTokens)
	return llm.Result{
		Text:                sb.String(),
		TokensIn:            in,
		TokensOut:           out,
		CostUSD:             float64(in)/1_000_000*pricePerMTokenIn + float64(out)/1_000_000*pricePerMTokenOut,
		FirstTokenLatencyMs: firstTokenMs,
		TotalLatencyMs:      dur.Milliseconds(),
	}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sdk.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	return err
}
