package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
	"github.com/oogalieboogalie/opencrust/internal/provider"
)

func TestCompleteWithFallbackRetriesOnRetryableError(t *testing.T) {
	primary := &stubProvider{id: "primary", responses: []stubResponse{
		{err: opcerrors.New(opcerrors.KindRetryableProvider, "status=500")},
	}}
	secondary := &stubProvider{id: "secondary", responses: []stubResponse{
		{resp: textResponse("ok from secondary")},
	}}

	resp, idx, err := CompleteWithFallback(context.Background(), []provider.Provider{primary, secondary}, provider.LlmRequest{}, 0)
	if err != nil {
		t.Fatalf("CompleteWithFallback: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected fallback to land on provider index 1, got %d", idx)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "ok from secondary" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("expected exactly one call per provider, got primary=%d secondary=%d", primary.calls, secondary.calls)
	}
}

func TestCompleteWithFallbackFailsFastOnAuthError(t *testing.T) {
	primary := &stubProvider{id: "primary", responses: []stubResponse{
		{err: opcerrors.New(opcerrors.KindAuth, "status=401")},
	}}
	secondary := &stubProvider{id: "secondary", responses: []stubResponse{
		{resp: textResponse("should never be reached")},
	}}

	_, _, err := CompleteWithFallback(context.Background(), []provider.Provider{primary, secondary}, provider.LlmRequest{}, 0)
	if err == nil {
		t.Fatal("expected a non-retryable auth error to surface")
	}
	if secondary.calls != 0 {
		t.Fatalf("expected the second provider never called on a non-retryable error, got %d calls", secondary.calls)
	}
}

func TestCompleteWithFallbackExhaustsChain(t *testing.T) {
	primary := &stubProvider{id: "primary", responses: []stubResponse{
		{err: opcerrors.New(opcerrors.KindRetryableProvider, "status=503")},
	}}
	secondary := &stubProvider{id: "secondary", responses: []stubResponse{
		{err: opcerrors.New(opcerrors.KindRetryableProvider, "status=502")},
	}}

	_, _, err := CompleteWithFallback(context.Background(), []provider.Provider{primary, secondary}, provider.LlmRequest{}, 0)
	if err == nil {
		t.Fatal("expected an error once every provider in the chain has failed")
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("expected each provider tried exactly once, got primary=%d secondary=%d", primary.calls, secondary.calls)
	}
}

func TestProvidersForRequestExplicitOverride(t *testing.T) {
	r := New(nil, nil, nil, Options{DefaultProvider: "a", Fallbacks: []string{"b"}}, zerolog.Nop())
	r.RegisterProvider(&stubProvider{id: "a"})
	r.RegisterProvider(&stubProvider{id: "b"})

	providers, err := r.ProvidersForRequest("b")
	if err != nil {
		t.Fatalf("ProvidersForRequest: %v", err)
	}
	if len(providers) != 1 || providers[0].ProviderID() != "b" {
		t.Fatalf("expected explicit override to return only provider b, got %+v", providers)
	}
}

func TestProvidersForRequestDefaultChainDeduplicates(t *testing.T) {
	r := New(nil, nil, nil, Options{DefaultProvider: "a", Fallbacks: []string{"a", "b"}}, zerolog.Nop())
	r.RegisterProvider(&stubProvider{id: "a"})
	r.RegisterProvider(&stubProvider{id: "b"})

	providers, err := r.ProvidersForRequest("")
	if err != nil {
		t.Fatalf("ProvidersForRequest: %v", err)
	}
	if len(providers) != 2 || providers[0].ProviderID() != "a" || providers[1].ProviderID() != "b" {
		t.Fatalf("expected [a, b] with duplicates removed, got %+v", providers)
	}
}

func TestProvidersForRequestUnknownExplicitID(t *testing.T) {
	r := New(nil, nil, nil, Options{}, zerolog.Nop())
	if _, err := r.ProvidersForRequest("nonexistent"); err == nil {
		t.Fatal("expected an error for an unregistered provider id")
	}
}

func TestBuildSystemPromptUsesBootstrapWhenDNAEmpty(t *testing.T) {
	got := BuildSystemPrompt("", "base prompt", "", "")
	if got != bootstrapSystemPrompt+"\n\nbase prompt" {
		t.Fatalf("unexpected prompt assembly: %q", got)
	}
}

func TestBuildSystemPromptIncludesAllSections(t *testing.T) {
	got := BuildSystemPrompt("dna text", "base", "memory block", "summary block")
	for _, want := range []string{"dna text", "base", "memory block", "summary block"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected prompt to contain %q, got: %s", want, got)
		}
	}
}
