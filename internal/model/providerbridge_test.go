package model

import (
	"context"
	"errors"
	"testing"
)

type fakeReachAdapter struct {
	name      string
	available bool
	out       *ModelOutput
	err       error
	gotInput  GenerateInput
	gotOpts   GenerateOptions
}

func (f *fakeReachAdapter) Name() string { return f.name }

func (f *fakeReachAdapter) Capabilities() ModelCapabilities {
	return ModelCapabilities{MaxContext: 1000, ToolCalling: true, Streaming: false, SupportsJSON: true}
}

func (f *fakeReachAdapter) Generate(ctx context.Context, input GenerateInput, opts GenerateOptions) (*ModelOutput, error) {
	f.gotInput = input
	f.gotOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeReachAdapter) Available(ctx context.Context) bool { return f.available }

func (f *fakeReachAdapter) Health(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: f.available}
}

func TestWrapAdapterTranslatesRequestAndResponse(t *testing.T) {
	adapter := &fakeReachAdapter{
		name:      "hosted",
		available: true,
		out: &ModelOutput{
			Content:      "hi",
			FinishReason: "stop",
			Usage:        TokenUsage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
		},
	}
	p := WrapAdapter(adapter, "model-x")

	resp, err := p.Generate(context.Background(), GenerationRequest{
		SystemPrompt: "be concise",
		Messages:     []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "hi" {
		t.Errorf("expected content 'hi', got: %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("expected usage to carry through, got: %+v", resp.Usage)
	}
	if resp.Model != "model-x" {
		t.Errorf("expected model id 'model-x', got: %q", resp.Model)
	}

	if len(adapter.gotInput.Messages) != 2 || adapter.gotInput.Messages[0].Role != "system" {
		t.Errorf("expected system prompt prepended as a message, got: %+v", adapter.gotInput.Messages)
	}
}

func TestWrapAdapterPropagatesGenerationError(t *testing.T) {
	adapter := &fakeReachAdapter{name: "hosted", err: errors.New("boom")}
	p := WrapAdapter(adapter, "model-x")

	_, err := p.Generate(context.Background(), GenerationRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected the adapter's error to propagate")
	}
}

func TestValidateConfigReflectsAvailability(t *testing.T) {
	available := &fakeReachAdapter{name: "hosted", available: true}
	if err := WrapAdapter(available, "m").ValidateConfig(); err != nil {
		t.Errorf("expected nil error for an available adapter, got: %v", err)
	}

	unavailable := &fakeReachAdapter{name: "hosted", available: false}
	if err := WrapAdapter(unavailable, "m").ValidateConfig(); err != ErrAdapterUnavailable {
		t.Errorf("expected ErrAdapterUnavailable, got: %v", err)
	}
}

func TestStreamReturnsNotSupported(t *testing.T) {
	p := WrapAdapter(&fakeReachAdapter{name: "hosted"}, "m")
	_, err := p.Stream(context.Background(), GenerationRequest{})
	if err != ErrStreamingNotSupported {
		t.Errorf("expected ErrStreamingNotSupported, got: %v", err)
	}
}
