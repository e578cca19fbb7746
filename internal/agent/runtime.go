// Package agent implements the Agent Runtime: the tool-using
// conversation loop that ties the Provider Abstraction, Tool Registry,
// Memory Store, and Session Store together, with provider fallback,
// streaming, context-window compaction, and long-term memory recall.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/memory"
	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
	"github.com/oogalieboogalie/opencrust/internal/provider"
	"github.com/oogalieboogalie/opencrust/internal/store"
	"github.com/oogalieboogalie/opencrust/internal/tools"
)

// MaxToolIterations bounds a single turn's tool-use loop.
const MaxToolIterations = 10

// DefaultRecallLimit is the number of memory entries recalled per turn
// when the caller does not specify one.
const DefaultRecallLimit = 10

// EmbeddingProvider embeds text for memory recall and storage.
type EmbeddingProvider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Options configures a Runtime at construction time.
type Options struct {
	DefaultProvider   string
	Fallbacks         []string
	DNA               string
	BaseSystemPrompt  string
	MaxContextTokens  int
	SummarizeOnCompact bool
	RecallLimit       int
}

// Runtime is the tool-using conversation loop. Provider
// registration, the default provider id, the fallback chain, and DNA
// content are guarded by an RWMutex: readers (every turn) vastly
// outnumber writers (registration, admin edits).
type Runtime struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	defaultID string
	fallbacks []string
	dna       string
	basePrompt string

	maxContextTokens   int
	summarizeOnCompact bool
	recallLimit        int

	tools  *tools.Registry
	mem    *memory.Store
	sess   *store.Store
	embed  EmbeddingProvider
	log    zerolog.Logger
}

func New(sess *store.Store, mem *memory.Store, registry *tools.Registry, opts Options, log zerolog.Logger) *Runtime {
	maxTokens := opts.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = 150_000
	}
	recallLimit := opts.RecallLimit
	if recallLimit <= 0 {
		recallLimit = DefaultRecallLimit
	}
	return &Runtime{
		providers:          map[string]provider.Provider{},
		defaultID:          opts.DefaultProvider,
		fallbacks:          append([]string(nil), opts.Fallbacks...),
		dna:                opts.DNA,
		basePrompt:         opts.BaseSystemPrompt,
		maxContextTokens:   maxTokens,
		summarizeOnCompact: opts.SummarizeOnCompact,
		recallLimit:        recallLimit,
		tools:              registry,
		mem:                mem,
		sess:               sess,
		log:                log.With().Str("component", "agent_runtime").Logger(),
	}
}

// RegisterProvider adds (or replaces) a provider under its ProviderID.
// Providers are immutable after registration and shared by reference;
// only the registry mapping itself is mutated under lock.
func (r *Runtime) RegisterProvider(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ProviderID()] = p
	if r.defaultID == "" {
		r.defaultID = p.ProviderID()
	}
}

func (r *Runtime) SetEmbeddingProvider(e EmbeddingProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embed = e
}

// SetDNA replaces the assistant personalization document at runtime.
func (r *Runtime) SetDNA(dna string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dna = dna
}

// ProvidersForRequest resolves the ordered provider list for a turn: an explicit id returns a single-provider list; otherwise
// [default, ...fallbacks] with order-preserving de-duplication.
func (r *Runtime) ProvidersForRequest(providerID string) ([]provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if providerID != "" {
		p, ok := r.providers[providerID]
		if !ok {
			return nil, opcerrors.New(opcerrors.KindConfigMissing, fmt.Sprintf("unknown provider %q", providerID))
		}
		return []provider.Provider{p}, nil
	}

	ids := append([]string{r.defaultID}, r.fallbacks...)
	seen := map[string]bool{}
	var result []provider.Provider
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		p, ok := r.providers[id]
		if !ok {
			continue
		}
		seen[id] = true
		result = append(result, p)
	}
	if len(result) == 0 {
		return nil, opcerrors.New(opcerrors.KindConfigMissing, "no providers registered")
	}
	return result, nil
}

// CompleteWithFallback calls
// providers[startIndex].Complete; on success return (response, index);
// on a retryable error with a provider remaining, advance and retry; on a
// non-retryable error, or after exhausting the chain, surface the last
// error. The returned index is threaded back in by the caller so a single
// conversation turn sticks with its first successful provider for
// subsequent model calls within the same tool loop.
func CompleteWithFallback(ctx context.Context, providers []provider.Provider, req provider.LlmRequest, startIndex int) (provider.LlmResponse, int, error) {
	var lastErr error
	for i := startIndex; i < len(providers); i++ {
		resp, err := providers[i].Complete(ctx, req)
		if err == nil {
			return resp, i, nil
		}
		lastErr = err
		if !opcerrors.IsRetryable(err) {
			return provider.LlmResponse{}, i, err
		}
		// retryable: fall through to the next provider, if any.
	}
	if lastErr == nil {
		lastErr = opcerrors.New(opcerrors.KindConfigMissing, "no providers available")
	}
	return provider.LlmResponse{}, len(providers) - 1, lastErr
}

// bootstrapSystemPrompt is used in place of DNA when none has been
// written yet: it directs the model to run the onboarding interview and
// persist the result.
const bootstrapSystemPrompt = `You have not yet been personalized. Ask the user four onboarding ` +
	`questions covering name/preferred address, tone preference, primary use cases, and anything ` +
	`else they want you to know, then write the answers as markdown to a file named dna.md using ` +
	`your file-write tool.`

// BuildSystemPrompt assembles the system prompt from its parts, in order:
// DNA (or the bootstrap instruction), the static base prompt, the memory
// recall block, and the rolling summary block.
func BuildSystemPrompt(dna, base, memoryCtx, summary string) string {
	var parts []string
	if strings.TrimSpace(dna) != "" {
		parts = append(parts, dna)
	} else {
		parts = append(parts, bootstrapSystemPrompt)
	}
	if strings.TrimSpace(base) != "" {
		parts = append(parts, base)
	}
	if strings.TrimSpace(memoryCtx) != "" {
		parts = append(parts, "Relevant context from memory:\n"+memoryCtx)
	}
	if strings.TrimSpace(summary) != "" {
		parts = append(parts, "Conversation summary:\n"+summary)
	}
	return strings.Join(parts, "\n\n")
}

func (r *Runtime) snapshotDNAAndBase() (string, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dna, r.basePrompt
}
