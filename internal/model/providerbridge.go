package model

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrStreamingNotSupported is returned by a providerAdapter's Stream method:
// none of the ReachModelAdapter implementations expose an SSE path.
var ErrStreamingNotSupported = errors.New("model: streaming not supported by this adapter")

// ErrAdapterUnavailable is returned from ValidateConfig when the wrapped
// adapter reports itself unavailable (unreachable endpoint, model not loaded).
var ErrAdapterUnavailable = errors.New("model: adapter unavailable")

// providerAdapter satisfies Provider by forwarding to a ReachModelAdapter
// (HostedAdapter, LocalAdapter, SmallModeAdapter). The two adapter shapes
// predate each other in this codebase; rather than rewrite the concrete
// adapters, this bridges GenerationRequest/GenerationResponse onto
// GenerateInput/GenerateOptions/ModelOutput so the Planner's Registry-based
// routing can reach any of them.
type providerAdapter struct {
	underlying ReachModelAdapter
	modelID    string
}

// WrapAdapter returns a Provider backed by adapter, reporting modelID as the
// model name in every GenerationResponse.
func WrapAdapter(adapter ReachModelAdapter, modelID string) Provider {
	return &providerAdapter{underlying: adapter, modelID: modelID}
}

func (p *providerAdapter) Name() string { return p.underlying.Name() }

func (p *providerAdapter) Generate(ctx context.Context, req GenerationRequest) (GenerationResponse, error) {
	input := GenerateInput{Messages: p.withSystemPrompt(req)}
	opts := GenerateOptions{
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Tools:         req.Tools,
		SystemPrompt:  req.SystemPrompt,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		opts.RequireJSON = true
		opts.JSONSchema = req.ResponseFormat.JSONSchema
	}

	out, err := p.underlying.Generate(ctx, input, opts)
	if err != nil {
		return GenerationResponse{}, err
	}

	return GenerationResponse{
		Content:      out.Content,
		ToolCalls:    out.ToolCalls,
		FinishReason: FinishReason(out.FinishReason),
		Usage:        out.Usage,
		Model:        p.modelID,
		Provider:     p.underlying.Name(),
		CreatedAt:    time.Now().Unix(),
		Metadata:     out.Metadata,
	}, nil
}

// withSystemPrompt prepends req.SystemPrompt as a system message, since
// none of the adapters reads GenerateOptions.SystemPrompt; each builds its
// request from Messages only.
func (p *providerAdapter) withSystemPrompt(req GenerationRequest) []Message {
	if req.SystemPrompt == "" {
		return req.Messages
	}
	out := make([]Message, 0, len(req.Messages)+1)
	out = append(out, Message{Role: "system", Content: req.SystemPrompt})
	out = append(out, req.Messages...)
	return out
}

func (p *providerAdapter) Stream(ctx context.Context, req GenerationRequest) (io.ReadCloser, error) {
	return nil, ErrStreamingNotSupported
}

func (p *providerAdapter) GetCapabilities() ProviderCapabilities {
	caps := p.underlying.Capabilities()
	return ProviderCapabilities{
		Streaming:        caps.Streaming,
		ToolCalling:      caps.ToolCalling,
		JSONMode:         caps.SupportsJSON,
		MaxContextTokens: caps.MaxContext,
		MaxOutputTokens:  caps.MaxTokens,
	}
}

func (p *providerAdapter) GetModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: p.modelID, Name: p.modelID, Provider: p.underlying.Name()}}, nil
}

func (p *providerAdapter) ValidateConfig() error {
	if p.underlying.Available(context.Background()) {
		return nil
	}
	return ErrAdapterUnavailable
}
