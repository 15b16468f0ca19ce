// Package google adapts the Gemini API to llm.Provider.
package google

import (
	"context"
	"net/http"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"council/internal/llm"
	"council/internal/observability"
)

const pricePerMTokenIn, pricePerMTokenOut = 0.075, 0.30

type Client struct {
	client *genai.Client
	model  string
}

func New(apiKey, model, baseURL string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	m := strings.TrimSpace(model)
	if m == "" {
		m = "gemini-1.5-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(baseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      strings.TrimSpace(apiKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, err
	}
	return &Client{client: client, model: m}, nil
}

func (c *Client) Name() string { return "google" }

func (c *Client) CostEstimate(opts llm.Options) float64 {
	maxOut := opts.MaxTokens
	if maxOut <= 0 {
		maxOut = 256
	}
	return float64(maxOut) / 1_000_000 * pricePerMTokenOut
}

func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
	cfg := &genai.GenerateContentConfig{}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg.Temperature = &t
	}
	if len(opts.StopSequences) > 0 {
		cfg.StopSequences = opts.StopSequences
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	if opts.StreamSink != nil {
		return c.generateStreaming(ctx, contents, cfg, opts, start)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", dur).Msg("google_generate_error")
		return llm.Result{}, err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Result{}, errBlocked(string(resp.PromptFeedback.BlockReason))
	}

	var sb strings.Builder
	var truncated bool
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
		truncated = resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens
	}

	var in, out int
	if resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	res := llm.Result{
		Text:           sb.String(),
		TokensIn:       in,
		TokensOut:      out,
		CostUSD:        float64(in)/1_000_000*pricePerMTokenIn + float64(out)/1_000_000*pricePerMTokenOut,
		TotalLatencyMs: dur.Milliseconds(),
		Truncated:      truncated,
	}
	log.Debug().Str("model", c.model).Dur("duration", dur).Int("tokens_out", out).Msg("google_generate_ok")
	return res, nil
}

func (c *Client) generateStreaming(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig, opts llm.Options, start time.Time) (llm.Result, error) {
	log := observability.LoggerWithTrace(ctx)
	stream := c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg)

	var sb strings.Builder
	var firstTokenMs int64
	var in, out int
	for resp, err := range stream {
		if err != nil {
			log.Error().Err(err).Str("model", c.model).Msg("google_stream_error")
			return llm.Result{}, err
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			in = int(resp.UsageMetadata.PromptTokenCount)
			out = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" {
				if firstTokenMs == 0 {
					firstTokenMs = time.Since(start).Milliseconds()
				}
				sb.WriteString(part.Text)
				opts.StreamSink <- part.Text
			}
		}
	}
	dur := time.Since(start)
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
	_, err := c.client.Models.GenerateContent(ctx, c.model, []*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)}, &genai.GenerateContentConfig{MaxOutputTokens: 1})
	return err
}

type blockedError string

func (e blockedError) Error() string { return "request blocked by google: " + string(e) }

func errBlocked(reason string) error { return blockedError(reason) }
