// Package app is the composition root: it builds the shared pipeline
// (stores, limiter, cache, classifier, coordinator) from configuration and
// hosts the entry points for the MCP server and the Slack bot. No business
// logic lives here, only wiring.
package app

import (
	"log"

	"github.com/mark3labs/mcp-go/server"
	"github.com/slack-go/slack"

	"guildwatch/internal/blizzard"
	"guildwatch/internal/bot"
	"guildwatch/internal/cache"
	"guildwatch/internal/classify"
	"guildwatch/internal/config"
	"guildwatch/internal/coordinator"
	"guildwatch/internal/httpx"
	"guildwatch/internal/mcptools"
	"guildwatch/internal/ratelimit"
	"guildwatch/internal/scheduler"
	"guildwatch/internal/shared"
	"guildwatch/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

type runtime struct {
	cfg         config.Config
	coord       *coordinator.Coordinator
	sharedStore *shared.Store
	dataStore   *store.Store
}

func (r *runtime) close() {
	r.sharedStore.Close()
	r.dataStore.Close()
}

// build wires the full pipeline. Both processes run this identically; the
// shared cache store file is what makes them one cluster.
func build() *runtime {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. Region=%s CacheTTL=%s StalenessCeiling=%s RateCapacity=%.0f RefillPerSec=%.1f TrackedGuilds=%d ExternalHTTPTimeout=%s",
		cfg.BlizzardRegion,
		cfg.CacheTTL(),
		cfg.StalenessCeiling(),
		cfg.RateLimitCapacity,
		cfg.RateLimitRefillPerSec,
		len(cfg.TrackedGuilds),
		appliedHTTPTimeout,
	)

	sharedStore, err := shared.Open(cfg.CacheDBPath)
	if err != nil {
		log.Fatalf("Failed to open shared cache store: %v", err)
	}
	log.Printf("Shared cache store at %s", cfg.CacheDBPath)

	dataStore, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)

	limiter := ratelimit.New(sharedStore, cfg.RateLimitCapacity, cfg.RateLimitRefillPerSec)

	fetcher := newBlizzardClient(cfg, limiter)

	var classifier coordinator.Classifier
	if cfg.ClassificationConfigured() {
		provider := classify.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.LLMModel)
		breaker := classify.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown())
		classifier = classify.NewPipeline(provider, dataStore, breaker, cfg.LLMBatchSize, cfg.LLMMaxRetries)
		log.Printf("Classification enabled provider=%s model=%s batch=%d", provider.Name(), provider.Model(), cfg.LLMBatchSize)
	} else {
		log.Println("Classification disabled; all member labels stay pending")
	}

	coord := coordinator.New(coordinator.Options{
		Cache:        cache.New(sharedStore),
		Store:        dataStore,
		Fetcher:      fetcher,
		Classifier:   classifier,
		Limiter:      limiter,
		CredentialID: cfg.BlizzardClientID,
		TTL:          cfg.CacheTTL(),
		StaleCeiling: cfg.StalenessCeiling(),
		DetailLimit:  cfg.MemberDetailLimit,
	})

	return &runtime{cfg: cfg, coord: coord, sharedStore: sharedStore, dataStore: dataStore}
}

func newBlizzardClient(cfg config.Config, limiter *ratelimit.Limiter) *blizzard.Client {
	return blizzard.New(blizzard.Config{
		ClientID:     cfg.BlizzardClientID,
		ClientSecret: cfg.BlizzardClientSecret,
		Region:       cfg.BlizzardRegion,
		Locale:       cfg.BlizzardLocale,
		MaxPages:     cfg.MaxRosterPages,
		HTTPClient:   httpx.Client(),
		Limiter:      limiter,
	})
}

// ServerMain runs the MCP server over stdio. Logs go to stderr so they
// never corrupt the protocol stream on stdout.
func ServerMain() {
	rt := build()
	defer rt.close()

	scheduler.Start(rt.cfg, rt.coord)

	s := server.NewMCPServer(
		"guildwatch",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	analyticsTool := mcptools.NewGuildAnalyticsTool(rt.coord)
	s.AddTool(analyticsTool.Definition(), analyticsTool.Handle)

	memberTool := mcptools.NewMemberDetailTool(rt.coord)
	s.AddTool(memberTool.Definition(), memberTool.Handle)

	statusTool := mcptools.NewPipelineStatusTool(rt.coord)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	log.Println("Starting GuildWatch MCP server (stdio transport)...")
	if err := server.ServeStdio(s); err != nil {
		log.Fatalf("MCP server error: %v", err)
	}
}

// BotMain runs the Slack front end.
func BotMain() {
	rt := build()
	defer rt.close()

	if !rt.cfg.SlackConfigured() {
		log.Fatalf("Slack is not configured: set slack_bot_token and slack_app_token")
	}

	api := slack.New(
		rt.cfg.SlackBotToken,
		slack.OptionAppLevelToken(rt.cfg.SlackAppToken),
	)

	scheduler.Start(rt.cfg, rt.coord)

	log.Println("Starting GuildWatch Slack bot...")
	if err := bot.New(api, rt.coord, rt.cfg.BlizzardRegion).Start(); err != nil {
		log.Fatalf("Slack bot error: %v", err)
	}
}
