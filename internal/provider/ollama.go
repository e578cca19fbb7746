package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
)

// OllamaProvider implements Provider over Ollama's /api/chat NDJSON wire
// format. Ollama has no published Go SDK in the retrieval
// pack, so this is a hand-rolled net/http client over its documented
// NDJSON contract — the one provider in this package built directly on
// the standard library (see DESIGN.md for the justification).
type OllamaProvider struct {
	baseURL string
	model   string
	log     zerolog.Logger
	client  *http.Client
}

func NewOllamaProvider(baseURL, model string, log zerolog.Logger) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		log:     log.With().Str("provider", "ollama").Logger(),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (o *OllamaProvider) ProviderID() string      { return "ollama" }
func (o *OllamaProvider) ConfiguredModel() string { return o.model }

func (o *OllamaProvider) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return o.model
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string         `json:"model"`
	Message ollamaMessage  `json:"message"`
	Done    bool           `json:"done"`
}

func toOllamaMessages(system string, msgs []ChatMessage) []ollamaMessage {
	var result []ollamaMessage
	if system != "" {
		result = append(result, ollamaMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		om := ollamaMessage{Role: string(m.Role)}
		for _, b := range m.AsBlocks() {
			switch b.Kind {
			case BlockText:
				om.Content += b.Text
			case BlockImage:
				// Remote URLs are not fetched for Ollama (documented
				// limitation); only already-embedded base64
				// data: URLs are forwarded.
				if strings.HasPrefix(b.ImageURL, "data:") {
					if comma := strings.IndexByte(b.ImageURL, ','); comma >= 0 {
						om.Images = append(om.Images, b.ImageURL[comma+1:])
					}
				}
			case BlockToolResult:
				om.Content += b.ToolResultText
			}
		}
		result = append(result, om)
	}
	return result
}

func (o *OllamaProvider) buildRequest(req LlmRequest, stream bool) ollamaChatRequest {
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	return ollamaChatRequest{
		Model:    o.resolveModel(req.Model),
		Messages: toOllamaMessages(req.System, req.Messages),
		Stream:   stream,
		Options:  options,
	}
}

func (o *OllamaProvider) post(ctx context.Context, body ollamaChatRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, opcerrors.Wrap(opcerrors.KindRetryableProvider, "ollama request failed", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("status=%d: %s", resp.StatusCode, string(data))
		if opcerrors.IsRetryable(err) {
			return nil, opcerrors.Wrap(opcerrors.KindRetryableProvider, "ollama returned an error status", err)
		}
		return nil, opcerrors.Wrap(opcerrors.KindFatalProvider, "ollama returned an error status", err)
	}
	return resp, nil
}

func (o *OllamaProvider) Complete(ctx context.Context, req LlmRequest) (LlmResponse, error) {
	resp, err := o.post(ctx, o.buildRequest(req, false))
	if err != nil {
		return LlmResponse{}, err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return LlmResponse{}, opcerrors.Wrap(opcerrors.KindFatalProvider, "malformed ollama response", err)
	}

	return LlmResponse{
		Content:    []ContentBlock{TextBlock(parsed.Message.Content)},
		Model:      parsed.Model,
		StopReason: "stop",
	}, nil
}

func (o *OllamaProvider) CompleteStream(ctx context.Context, req LlmRequest) (<-chan StreamEvent, error) {
	resp, err := o.post(ctx, o.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				// Invalid UTF-8/JSON frames are dropped, not fatal.
				o.log.Debug().Err(err).Msg("dropping malformed ollama NDJSON frame")
				continue
			}
			if chunk.Message.Content != "" {
				events <- StreamEvent{Kind: EventTextDelta, Text: chunk.Message.Content}
			}
			if chunk.Done {
				events <- StreamEvent{Kind: EventMessageDelta, StopReason: "stop"}
				events <- StreamEvent{Kind: EventMessageStop}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			o.log.Warn().Err(err).Msg("ollama stream read error")
		}
	}()

	return events, nil
}

func (o *OllamaProvider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// AvailableModels uses /api/tags.
func (o *OllamaProvider) AvailableModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, opcerrors.Wrap(opcerrors.KindRetryableProvider, "ollama tags request failed", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, opcerrors.Wrap(opcerrors.KindFatalProvider, "malformed ollama tags response", err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
