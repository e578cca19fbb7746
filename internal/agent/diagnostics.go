package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/xid"

	"github.com/oogalieboogalie/opencrust/internal/provider"
)

// NewTurnID mints a compact, sortable correlation id for a single turn's
// log lines (request id, tool-loop iteration tracing).
func NewTurnID() string { return xid.New().String() }

var (
	encoderCache   = map[string]*tiktoken.Tiktoken{}
	encoderCacheMu sync.RWMutex
)

func encoderFor(model string) (*tiktoken.Tiktoken, error) {
	encoderCacheMu.RLock()
	if enc, ok := encoderCache[model]; ok {
		encoderCacheMu.RUnlock()
		return enc, nil
	}
	encoderCacheMu.RUnlock()

	encoderCacheMu.Lock()
	defer encoderCacheMu.Unlock()
	if enc, ok := encoderCache[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	encoderCache[model] = enc
	return enc, nil
}

// PreciseTokenCount reports a model-accurate token count for diagnostic
// logging alongside the cheap char/4 heuristic EstimateTokens actually
// budgets against. It is never substituted for EstimateTokens in the
// budgeting path: the budget-monotonicity invariant is defined in terms
// of the char/4 estimator, not a vendor tokenizer.
func PreciseTokenCount(msgs []provider.ChatMessage, system, model string) (int, error) {
	enc, err := encoderFor(model)
	if err != nil {
		return 0, err
	}
	total := len(enc.Encode(system, nil, nil))
	for _, m := range msgs {
		for _, b := range m.AsBlocks() {
			if b.Kind == provider.BlockText {
				total += len(enc.Encode(b.Text, nil, nil))
			}
		}
	}
	return total, nil
}
