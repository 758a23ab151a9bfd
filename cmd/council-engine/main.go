// Command council-engine wires the C1-C8 components into a Service and
// reports readiness, mirroring cmd/example minimalism:
// actually exposing the service over MCP/HTTP is out of scope per
// the design's Non-goals, so this entrypoint stops at construction.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/councilkit/engine/internal/app"
	"github.com/councilkit/engine/internal/budget"
	"github.com/councilkit/engine/internal/cachekit"
	"github.com/councilkit/engine/internal/conversation"
	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/council"
	"github.com/councilkit/engine/internal/jsonrole"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/llmclient"
	"github.com/councilkit/engine/internal/pipeline"
	"github.com/councilkit/engine/internal/pricing"
	"github.com/councilkit/engine/internal/toolruntime"
)

func main() {
	logger := corekit.NewSimpleLogger()

	tp := newTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer provider shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	cfg := corekit.DefaultConfig()
	cfg.LoadFromEnv(logger)

	apiKey := os.Getenv("OPENROUTER_API_KEY")
	baseURL := os.Getenv("OPENROUTER_BASE_URL")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	llm := llmclient.New(baseURL, apiKey, cfg)

	led := newLedger(cfg, logger)
	cache := newCache(cfg)
	convStore := newConversationStore(logger)
	priceRegistry := newPriceRegistry(cfg, logger)

	gate := budget.NewGate(led)
	caller := &jsonrole.Caller{LLM: llm, Ledger: led, Gate: gate, Logger: logger}
	schemas := jsonrole.NewRegistry()

	councilEngine := &council.Engine{
		LLM: llm, Cache: cache, Ledger: led, Gate: gate,
		JSONRole: caller, Schemas: schemas, Logger: logger,
	}
	pipelineEngine := &pipeline.Engine{Ledger: led, Gate: gate, JSONRole: caller, Schemas: schemas, Logger: logger}

	svc := &app.Service{
		Config:         cfg,
		Logger:         logger,
		LLM:            llm,
		Ledger:         led,
		Conversations:  convStore,
		Pricing:        priceRegistry,
		Tools:          toolruntime.New(cfg, led, logger),
		CouncilEngine:  councilEngine,
		PipelineEngine: pipelineEngine,
		CouncilModels:  defaultCouncilModels(),
		PipelineModels: defaultPipelineModels(),
	}
	_ = svc

	logger.Info("council engine ready", map[string]interface{}{
		"tool_names": []string{"council.ask", "council.pipeline"},
	})
}

// newTracerProvider builds a real SDK TracerProvider so corekit.StartSpan
// calls are actually recorded (sampled, with real attributes/events), not
// silently dropped by the global no-op default. No exporter is attached:
// shipping spans to a backend is an exporter-pipeline concern, out of
// scope here.
func newTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
}

func newLedger(cfg *corekit.Config, logger corekit.Logger) ledger.Ledger {
	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			log.Fatalf("ledger: invalid REDIS_URL: %v", err)
		}
		return ledger.NewRedisLedger(redis.NewClient(opts), logger)
	}
	return ledger.NewMemoryLedger()
}

func ttlFromSeconds(secs *int) *time.Duration {
	if secs == nil {
		return nil
	}
	d := time.Duration(*secs) * time.Second
	return &d
}

func newCache(cfg *corekit.Config) cachekit.Store {
	ttl := ttlFromSeconds(cfg.CouncilCacheTTLSeconds)
	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			log.Fatalf("cache: invalid REDIS_URL: %v", err)
		}
		return cachekit.NewRedisStore(redis.NewClient(opts), cfg.CouncilCacheEnabled, ttl)
	}
	return cachekit.NewMemoryStore(cfg.CouncilCacheEnabled, ttl)
}

func newConversationStore(logger corekit.Logger) conversation.Store {
	dir := os.Getenv("CONVERSATION_STORE_DIR")
	if dir == "" {
		return conversation.NewMemoryStore()
	}
	store, err := conversation.NewFileStore(dir)
	if err != nil {
		log.Fatalf("conversation store: %v", err)
	}
	return store
}

func newPriceRegistry(cfg *corekit.Config, logger corekit.Logger) *pricing.Registry {
	book, err := pricing.LoadFromEnv(cfg.PriceBookVersion)
	if err != nil {
		logger.Warn("pricing: falling back to empty book", map[string]interface{}{"error": err.Error()})
		book = pricing.NewBook(cfg.PriceBookVersion, nil)
	}
	if path := os.Getenv("PRICE_BOOK_FILE"); path != "" {
		fileBook, err := pricing.LoadFromFile(path)
		if err != nil {
			logger.Warn("pricing: failed to load PRICE_BOOK_FILE", map[string]interface{}{"error": err.Error()})
		} else {
			book = fileBook
		}
	}
	return pricing.NewRegistry(book)
}

func defaultCouncilModels() app.CouncilModeTable {
	balanced := app.CouncilModeConfig{
		CouncilModels: []string{"openai/gpt-4.1", "anthropic/claude-sonnet-4", "google/gemini-2.5-pro"},
		JudgeModels:   []string{"openai/gpt-4.1", "anthropic/claude-sonnet-4"},
		ChairmanModel: "anthropic/claude-opus-4",
		TitleModel:    "google/gemini-2.5-flash",
	}
	return app.CouncilModeTable{
		Fast:     app.CouncilModeConfig{CouncilModels: []string{"openai/gpt-4.1-mini"}, JudgeModels: []string{"openai/gpt-4.1-mini"}},
		Balanced: balanced,
		Deep:     app.CouncilModeConfig{CouncilModels: append(balanced.CouncilModels, "deepseek/deepseek-r1")},
	}
}

func defaultPipelineModels() pipeline.RoleModelTable {
	balanced := pipeline.ModeModels{Chair: "anthropic/claude-opus-4", Models: []string{"openai/gpt-4.1", "anthropic/claude-sonnet-4"}}
	return pipeline.RoleModelTable{
		Fast:     pipeline.ModeModels{Chair: "openai/gpt-4.1-mini", Models: []string{"openai/gpt-4.1-mini"}},
		Balanced: balanced,
		Deep:     pipeline.ModeModels{Chair: balanced.Chair, Models: append(balanced.Models, "deepseek/deepseek-r1")},
	}
}
