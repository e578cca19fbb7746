// Command opencrustd boots the OpenCrust core: the Credential Vault,
// Session Store, Memory Store, registered LLM providers, the Tool
// Registry's built-in schedule tools, the Agent Runtime, and the
// Scheduler poller. Channel adapters (Telegram, Discord, iMessage,
// WhatsApp, web/WebSocket), the HTTP router, and the Google Workspace
// tool surface are out of scope for this binary and are left
// for a surrounding deployment to wire in via RegisterProvider /
// RegisterChannel / Tool Registry registration.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/agent"
	"github.com/oogalieboogalie/opencrust/internal/memory"
	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
	"github.com/oogalieboogalie/opencrust/internal/provider"
	"github.com/oogalieboogalie/opencrust/internal/scheduler"
	"github.com/oogalieboogalie/opencrust/internal/store"
	"github.com/oogalieboogalie/opencrust/internal/tools"
	"github.com/oogalieboogalie/opencrust/internal/vault"
)

func main() {
	console := zerolog.ConsoleWriter{Out: opcerrors.NewRedactingWriter(os.Stdout)}
	log := zerolog.New(console).With().Timestamp().Logger()

	dataDir := os.Getenv("OPENCRUST_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}

	vaultPath := filepath.Join(dataDir, "vault.json")
	v, err := openOrCreateVault(vaultPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open credential vault")
	}

	sessionStore, err := store.Open(filepath.Join(dataDir, "sessions.db"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer sessionStore.Close()

	memoryStore, err := memory.Open(filepath.Join(dataDir, "memory.db"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open memory store")
	}
	defer memoryStore.Close()

	registry := tools.NewRegistry()
	registry.Register(tools.NewScheduleHeartbeatTool(sessionStore))
	registry.Register(tools.NewCancelHeartbeatTool(sessionStore))
	registry.Register(tools.NewListHeartbeatsTool(sessionStore))

	runtime := agent.New(sessionStore, memoryStore, registry, agent.Options{
		DefaultProvider:    os.Getenv("OPENCRUST_DEFAULT_PROVIDER"),
		MaxContextTokens:   150_000,
		SummarizeOnCompact: true,
	}, log)

	registerConfiguredProviders(runtime, v, log)

	sched := scheduler.New(sessionStore, runtime, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	go sched.Run(ctx, stop)

	log.Info().Msg("opencrust core started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	close(stop)
	cancel()
}

func openOrCreateVault(path string, log zerolog.Logger) (*vault.Vault, error) {
	if vault.Exists(path) {
		pass, err := vault.ResolvePassphraseForOpen(path)
		if err != nil {
			return nil, err
		}
		return vault.Open(path, pass, log)
	}
	pass, err := vault.ResolvePassphraseForCreate(path)
	if err != nil {
		return nil, err
	}
	return vault.Create(path, pass, log)
}

// registerConfiguredProviders wires every provider whose credentials are
// present in the vault or environment. Absence of a given
// provider's key is not fatal: the runtime simply has fewer fallback
// targets.
func registerConfiguredProviders(runtime *agent.Runtime, v *vault.Vault, log zerolog.Logger) {
	if key, ok := vaultOrEnv(v, "anthropic_api_key", "ANTHROPIC_API_KEY"); ok {
		runtime.RegisterProvider(provider.NewAnthropicProvider(key, os.Getenv("ANTHROPIC_BASE_URL"), os.Getenv("ANTHROPIC_MODEL"), log))
	}
	if key, ok := vaultOrEnv(v, "openai_api_key", "OPENAI_API_KEY"); ok {
		runtime.RegisterProvider(provider.NewOpenAIProvider(key, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL"), log))
	}
	if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
		runtime.RegisterProvider(provider.NewOllamaProvider(base, os.Getenv("OLLAMA_MODEL"), log))
	}
}

func vaultOrEnv(v *vault.Vault, vaultKey, envVar string) (string, bool) {
	if val, ok := v.Get(vaultKey); ok && val != "" {
		return val, true
	}
	if val := os.Getenv(envVar); val != "" {
		return val, true
	}
	return "", false
}
