// Package config loads the gateway's operator configuration once at
// startup from environment variables. The resulting Config is immutable
// and passed explicitly to every component — no ambient singletons.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every configuration concern for the process.
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Session  SessionDefaults
	Journal  JournalConfig
	Legacy   LegacyConfig
}

// Load reads every section from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionDefaults()
	if err != nil {
		return nil, err
	}

	journal := loadJournalConfig()

	legacy, err := loadLegacyConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Upstream: upstream, Session: session, Journal: journal, Legacy: legacy}, nil
}

// ServerConfig describes the local HTTP bind address.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	host := strings.TrimSpace(os.Getenv("HOST"))
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	return ServerConfig{Addr: host + ":" + port}, nil
}

// UpstreamConfig holds everything needed to dial the dialogue service.
type UpstreamConfig struct {
	BaseURL    string
	AppID      string
	AccessKey  string
	ResourceID string
	AppKey     string
}

func loadUpstreamConfig() (UpstreamConfig, error) {
	cfg := UpstreamConfig{
		BaseURL:    getEnvOrDefault("DOUBAO_REALTIME_BASE_URL", "wss://openspeech.bytedance.com/api/v3/realtime/dialogue"),
		AppID:      strings.TrimSpace(os.Getenv("DOUBAO_APP_ID")),
		AccessKey:  strings.TrimSpace(os.Getenv("DOUBAO_ACCESS_KEY")),
		ResourceID: getEnvOrDefault("DOUBAO_RESOURCE_ID", "volc.speech.dialog"),
		AppKey:     strings.TrimSpace(os.Getenv("DOUBAO_APP_KEY")),
	}
	return cfg, nil
}

// SessionDefaults are the operator-chosen fallbacks applied to any
// session-config field the browser omits (spec §3, §4.2).
type SessionDefaults struct {
	BotName            string
	Speaker            string
	RecvTimeoutSeconds int
	InputModality      string
	InputSampleRate    int
	OutputSampleRate   int
	OutputAudioFormat  string
}

const (
	minRecvTimeoutSeconds = 10
	maxRecvTimeoutSeconds = 120
)

func loadSessionDefaults() (SessionDefaults, error) {
	recvTimeout, err := parseOptionalIntEnv("DOUBAO_RECV_TIMEOUT")
	if err != nil {
		return SessionDefaults{}, err
	}
	timeoutSeconds := 60
	if recvTimeout != nil {
		timeoutSeconds = *recvTimeout
	}
	if timeoutSeconds < minRecvTimeoutSeconds || timeoutSeconds > maxRecvTimeoutSeconds {
		return SessionDefaults{}, fmt.Errorf("DOUBAO_RECV_TIMEOUT must be between %d and %d seconds, got %d",
			minRecvTimeoutSeconds, maxRecvTimeoutSeconds, timeoutSeconds)
	}

	inputMod := getEnvOrDefault("DOUBAO_INPUT_MOD", "audio")
	switch inputMod {
	case "audio", "text", "audio_file":
	default:
		return SessionDefaults{}, fmt.Errorf("invalid DOUBAO_INPUT_MOD value: %q", inputMod)
	}

	inputRate, err := parseOptionalIntEnv("DOUBAO_INPUT_SAMPLE_RATE")
	if err != nil {
		return SessionDefaults{}, err
	}
	inputSampleRate := 16000
	if inputRate != nil {
		inputSampleRate = *inputRate
	}

	outputRate, err := parseOptionalIntEnv("DOUBAO_OUTPUT_SAMPLE_RATE")
	if err != nil {
		return SessionDefaults{}, err
	}
	outputSampleRate := 24000
	if outputRate != nil {
		outputSampleRate = *outputRate
	}

	return SessionDefaults{
		BotName:            getEnvOrDefault("DOUBAO_BOT_NAME", "小助手"),
		Speaker:            getEnvOrDefault("DOUBAO_SPEAKER", "zh_female_vv_uranus_bigtts"),
		RecvTimeoutSeconds: timeoutSeconds,
		InputModality:      inputMod,
		InputSampleRate:    inputSampleRate,
		OutputSampleRate:   outputSampleRate,
		OutputAudioFormat:  getEnvOrDefault("DOUBAO_OUTPUT_AUDIO_FORMAT", "pcm"),
	}, nil
}

// JournalConfig controls on-disk session history.
type JournalConfig struct {
	BaseDir     string
	SaveHistory bool
}

func loadJournalConfig() JournalConfig {
	save, _ := parseBoolEnv("SAVE_HISTORY", true)
	return JournalConfig{
		BaseDir:     getEnvOrDefault("JOURNAL_BASE_DIR", "./data/sessions"),
		SaveHistory: save,
	}
}

// LegacyConfig describes the optional non-realtime single-turn chat
// model used by internal/legacy. Disabled unless a model is named.
type LegacyConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Enabled reports whether enough credentials are present to build a
// chat model.
func (c LegacyConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds the Ark chat model used by the legacy pipeline.
func (c LegacyConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("legacy chat model disabled: set LEGACY_MODEL plus LEGACY_API_KEY or LEGACY_ACCESS_KEY/LEGACY_SECRET_KEY")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}
	return ark.NewChatModel(ctx, cfg)
}

func loadLegacyConfig() (LegacyConfig, error) {
	temperature, err := parseOptionalFloatEnv("LEGACY_TEMPERATURE")
	if err != nil {
		return LegacyConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("LEGACY_MAX_TOKENS")
	if err != nil {
		return LegacyConfig{}, err
	}

	return LegacyConfig{
		APIKey:      strings.TrimSpace(os.Getenv("LEGACY_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("LEGACY_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("LEGACY_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("LEGACY_MODEL")),
		BaseURL:     strings.TrimSpace(os.Getenv("LEGACY_BASE_URL")),
		Region:      getEnvOrDefault("LEGACY_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
