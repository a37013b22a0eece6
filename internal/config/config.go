package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 30 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

type Config struct {
	BlizzardClientID     string `yaml:"blizzard_client_id"`
	BlizzardClientSecret string `yaml:"blizzard_client_secret"`
	BlizzardRegion       string `yaml:"blizzard_region"`
	BlizzardLocale       string `yaml:"blizzard_locale"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LLMModel        string `yaml:"llm_model"`
	LLMBatchSize    int    `yaml:"llm_batch_size"`
	LLMMaxRetries   int    `yaml:"llm_max_retries"`

	BreakerThreshold       int `yaml:"breaker_failure_threshold"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`

	SlackBotToken string `yaml:"slack_bot_token"`
	SlackAppToken string `yaml:"slack_app_token"`

	DBPath      string `yaml:"db_path"`
	CacheDBPath string `yaml:"cache_db_path"`

	CacheTTLSeconds         int `yaml:"cache_ttl_seconds"`
	StalenessCeilingSeconds int `yaml:"staleness_ceiling_seconds"`

	RateLimitCapacity     float64 `yaml:"rate_limit_capacity"`
	RateLimitRefillPerSec float64 `yaml:"rate_limit_refill_per_sec"`

	MaxRosterPages    int `yaml:"max_roster_pages"`
	MemberDetailLimit int `yaml:"member_detail_limit"`

	TrackedGuilds   []string `yaml:"tracked_guilds"` // "region/realm/guild-name"
	RefreshSchedule string   `yaml:"refresh_schedule"`

	ExternalHTTPTimeoutSeconds int `yaml:"external_http_timeout_seconds"`
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.BlizzardClientID, "BLIZZARD_CLIENT_ID")
	envOverride(&cfg.BlizzardClientSecret, "BLIZZARD_CLIENT_SECRET")
	envOverride(&cfg.BlizzardRegion, "BLIZZARD_REGION")
	envOverride(&cfg.BlizzardLocale, "BLIZZARD_LOCALE")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideInt(&cfg.LLMBatchSize, "LLM_BATCH_SIZE")
	envOverrideInt(&cfg.LLMMaxRetries, "LLM_MAX_RETRIES")
	envOverrideInt(&cfg.BreakerThreshold, "BREAKER_FAILURE_THRESHOLD")
	envOverrideInt(&cfg.BreakerCooldownSeconds, "BREAKER_COOLDOWN_SECONDS")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAppToken, "SLACK_APP_TOKEN")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.CacheDBPath, "CACHE_DB_PATH")
	envOverrideInt(&cfg.CacheTTLSeconds, "CACHE_TTL_SECONDS")
	envOverrideInt(&cfg.StalenessCeilingSeconds, "STALENESS_CEILING_SECONDS")
	envOverrideFloat(&cfg.RateLimitCapacity, "RATE_LIMIT_CAPACITY")
	envOverrideFloat(&cfg.RateLimitRefillPerSec, "RATE_LIMIT_REFILL_PER_SEC")
	envOverrideInt(&cfg.MaxRosterPages, "MAX_ROSTER_PAGES")
	envOverrideInt(&cfg.MemberDetailLimit, "MEMBER_DETAIL_LIMIT")
	envOverride(&cfg.RefreshSchedule, "REFRESH_SCHEDULE")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")

	if guilds := os.Getenv("TRACKED_GUILDS"); guilds != "" {
		cfg.TrackedGuilds = nil
		for _, g := range strings.Split(guilds, ",") {
			g = strings.TrimSpace(g)
			if g != "" {
				cfg.TrackedGuilds = append(cfg.TrackedGuilds, g)
			}
		}
	}

	// Defaults
	if cfg.BlizzardRegion == "" {
		cfg.BlizzardRegion = "us"
	}
	if cfg.BlizzardLocale == "" {
		cfg.BlizzardLocale = "en_US"
	}
	if cfg.LLMBatchSize == 0 {
		cfg.LLMBatchSize = 25
	}
	if cfg.LLMMaxRetries == 0 {
		cfg.LLMMaxRetries = 3
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerCooldownSeconds == 0 {
		cfg.BreakerCooldownSeconds = 60
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./guildwatch.db"
	}
	if cfg.CacheDBPath == "" {
		cfg.CacheDBPath = "./guildwatch-cache.db"
	}
	if cfg.CacheTTLSeconds == 0 {
		cfg.CacheTTLSeconds = 300
	}
	if cfg.StalenessCeilingSeconds == 0 {
		cfg.StalenessCeilingSeconds = 3600
	}
	if cfg.RateLimitCapacity == 0 {
		cfg.RateLimitCapacity = 100
	}
	if cfg.RateLimitRefillPerSec == 0 {
		cfg.RateLimitRefillPerSec = 10
	}
	if cfg.MaxRosterPages == 0 {
		cfg.MaxRosterPages = 10
	}
	if cfg.MemberDetailLimit == 0 {
		cfg.MemberDetailLimit = 20
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}

	required := map[string]string{
		"blizzard_client_id":     cfg.BlizzardClientID,
		"blizzard_client_secret": cfg.BlizzardClientSecret,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	if cfg.AnthropicAPIKey == "" {
		log.Printf("WARNING: anthropic_api_key is not set. Classification disabled; all labels stay pending.")
	}

	if cfg.CacheTTLSeconds < 1 {
		log.Fatalf("invalid cache_ttl_seconds '%d': must be >= 1", cfg.CacheTTLSeconds)
	}
	if cfg.StalenessCeilingSeconds < cfg.CacheTTLSeconds {
		log.Fatalf("invalid staleness_ceiling_seconds '%d': must be >= cache_ttl_seconds (%d)",
			cfg.StalenessCeilingSeconds, cfg.CacheTTLSeconds)
	}
	if cfg.RateLimitCapacity < 1 {
		log.Fatalf("invalid rate_limit_capacity '%f': must be >= 1", cfg.RateLimitCapacity)
	}
	if cfg.RateLimitRefillPerSec <= 0 {
		log.Fatalf("invalid rate_limit_refill_per_sec '%f': must be > 0", cfg.RateLimitRefillPerSec)
	}
	if cfg.LLMBatchSize < 1 {
		log.Fatalf("invalid llm_batch_size '%d': must be >= 1", cfg.LLMBatchSize)
	}
	if cfg.BreakerThreshold < 1 {
		log.Fatalf("invalid breaker_failure_threshold '%d': must be >= 1", cfg.BreakerThreshold)
	}
	if cfg.MaxRosterPages < 1 {
		log.Fatalf("invalid max_roster_pages '%d': must be >= 1", cfg.MaxRosterPages)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	for _, g := range cfg.TrackedGuilds {
		if _, err := ParseGuildSpec(g); err != nil {
			log.Fatalf("invalid tracked_guilds entry '%s': %v", g, err)
		}
	}

	return cfg
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

func (c Config) ClassificationConfigured() bool {
	return c.AnthropicAPIKey != ""
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) StalenessCeiling() time.Duration {
	return time.Duration(c.StalenessCeilingSeconds) * time.Second
}

func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// GuildSpec is a parsed tracked_guilds entry.
type GuildSpec struct {
	Region string
	Realm  string
	Name   string
}

// ParseGuildSpec splits "region/realm/guild-name". The guild name may
// itself contain slashes only if escaped by the realm boundary, so exactly
// three segments are required.
func ParseGuildSpec(s string) (GuildSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return GuildSpec{}, fmt.Errorf("expected region/realm/guild-name, got %q", s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return GuildSpec{}, fmt.Errorf("empty segment in %q", s)
		}
	}
	return GuildSpec{Region: parts[0], Realm: parts[1], Name: parts[2]}, nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
