package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultTemperature       = 0.7
	DefaultMaxToolIterations = 20
	DefaultExecTimeout       = 60
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18790
	DefaultBufSize           = 100
	DefaultMemoryQuietGap    = "3m"
	DefaultMemoryTokenBudget = 0.6
	DefaultMemoryDailyFlush  = "03:00"
	DefaultWeComPort         = 9886
	DefaultWeComTimeout      = 15
	DefaultWeComMediaMaxBytes = 80 << 20

	MemoryRetrievalModeClassic  = "classic"
	MemoryRetrievalModeEnhanced = "enhanced"

	DefaultMemoryRetrievalMode            = MemoryRetrievalModeClassic
	DefaultMemoryStrongSignalThreshold    = 0.35
	DefaultMemoryStrongSignalGap          = 0.08
	DefaultMemoryRetrievalCandidateLimit  = 30
	DefaultMemoryRetrievalRerankLimit     = 8

	DefaultMemoryEmbeddingTimeoutMs  = 10000
	DefaultMemoryEmbeddingBatchSize = 16
)

type Config struct {
	Agent         AgentConfig         `json:"agent"`
	Channels      ChannelsConfig      `json:"channels"`
	Provider      ProviderConfig      `json:"provider"`
	Tools         ToolsConfig         `json:"tools"`
	Gateway       GatewayConfig       `json:"gateway"`
	Memory        MemoryConfig        `json:"memory"`
	MCP           MCPConfig           `json:"mcp"`
	TokenTracking TokenTrackingConfig `json:"tokenTracking"`
	AutoCompact   AutoCompactConfig   `json:"autoCompact"`
	Skills        SkillsConfig        `json:"skills"`
}

// MCPConfig names the MCP server commands/URLs the agent runtime should
// connect to, per agentsdk-go's api.Options.MCPServers.
type MCPConfig struct {
	Servers []string `json:"servers,omitempty"`
}

type TokenTrackingConfig struct {
	Enabled bool `json:"enabled"`
}

// AutoCompactConfig mirrors agentsdk-go's api.CompactConfig shape so the
// gateway can build it without importing the SDK package from config.
type AutoCompactConfig struct {
	Enabled       bool `json:"enabled"`
	Threshold     int  `json:"threshold,omitempty"`
	PreserveCount int  `json:"preserveCount,omitempty"`
}

type SkillsConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
}

type MemoryConfig struct {
	Enabled              bool             `json:"enabled"`
	Model                string           `json:"model,omitempty"`
	MaxTokens            int              `json:"maxTokens,omitempty"`
	ModelReasoningEffort string           `json:"modelReasoningEffort,omitempty"`
	DBPath               string           `json:"dbPath,omitempty"`
	Provider             *ProviderConfig  `json:"provider,omitempty"`
	Extraction           ExtractionConfig `json:"extraction"`
	Retrieval            RetrievalConfig  `json:"retrieval"`
	Embedding            EmbeddingConfig  `json:"embedding"`
	Rerank               RerankConfig     `json:"rerank"`
}

type ExtractionConfig struct {
	QuietGap    string  `json:"quietGap,omitempty"`
	TokenBudget float64 `json:"tokenBudget,omitempty"`
	DailyFlush  string  `json:"dailyFlush,omitempty"`
}

// RetrievalConfig tunes Engine.Retrieve's classic-vs-enhanced mode
// selection and its strong-signal/candidate/rerank thresholds.
type RetrievalConfig struct {
	Mode                  string  `json:"mode,omitempty"`
	StrongSignalThreshold float64 `json:"strongSignalThreshold,omitempty"`
	StrongSignalGap       float64 `json:"strongSignalGap,omitempty"`
	CandidateLimit        int     `json:"candidateLimit,omitempty"`
	RerankLimit           int     `json:"rerankLimit,omitempty"`
}

// EmbeddingConfig configures the optional vector-similarity backfill
// used by enhanced retrieval.
type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled"`
	Provider  string `json:"provider,omitempty"` // "api" (default) or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// RerankConfig configures the optional reranker used by enhanced
// retrieval's candidate-scoring stage.
type RerankConfig struct {
	Enabled   bool   `json:"enabled"`
	Provider  string `json:"provider,omitempty"` // "api" (default) or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	TopN      int    `json:"topN,omitempty"`
}

type AgentConfig struct {
	Workspace            string  `json:"workspace"`
	Model                string  `json:"model"`
	MaxTokens            int     `json:"maxTokens"`
	Temperature          float64 `json:"temperature"`
	MaxToolIterations    int     `json:"maxToolIterations"`
	ModelReasoningEffort string  `json:"modelReasoningEffort,omitempty"`
}

// ModelReasoningEffort returns the reasoning effort to apply to the
// memory model, falling back to the agent model's setting when the
// memory config leaves it unset.
func (c *Config) ModelReasoningEffort() string {
	if c.Memory.ModelReasoningEffort != "" {
		return c.Memory.ModelReasoningEffort
	}
	return c.Agent.ModelReasoningEffort
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig  `json:"telegram"`
	Feishu   FeishuConfig    `json:"feishu"`
	WeCom    WeComConfig     `json:"wecom"`
	WhatsApp WhatsAppConfig  `json:"whatsapp"`
	WebUI    WebUIConfig     `json:"webui"`
}

// WeComConfig configures the dual-mode EP (WeCom-shaped) gateway: a
// passive-stream "Bot" channel and an active "Application" channel,
// sharing one envelope codec and account list.
type WeComConfig struct {
	Enabled   bool             `json:"enabled"`
	Port      int              `json:"port,omitempty"`
	AllowFrom []string         `json:"allowFrom"`
	Accounts  []WeComAccount   `json:"accounts"`
	Network   WeComNetworkConfig `json:"network"`
}

// WeComAccount is one registered Bot/Application credential set.
// Multiple accounts may share the webhook port; the callback handler
// picks the first account whose signature verifies (spec.md §4.6).
type WeComAccount struct {
	Name           string `json:"name"`
	Token          string `json:"token"`
	EncodingAESKey string `json:"encodingAesKey"`
	ReceiveID      string `json:"receiveId,omitempty"`

	// Application-channel fields; zero value disables Application-mode
	// failover/DM-fallback for this account (Bot-only account).
	CorpID       string `json:"corpId,omitempty"`
	CorpSecret   string `json:"corpSecret,omitempty"`
	AgentID      int64  `json:"agentId,omitempty"`
	APIBaseURL   string `json:"apiBaseUrl,omitempty"`

	WelcomeText             string `json:"welcomeText,omitempty"`
	StreamPlaceholderContent string `json:"streamPlaceholderContent,omitempty"`
}

func (a WeComAccount) ApplicationEnabled() bool {
	return a.CorpID != "" && a.CorpSecret != "" && a.AgentID != 0
}

type WeComNetworkConfig struct {
	EgressProxyURL  string `json:"egressProxyUrl,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
	MediaMaxBytes   int64  `json:"mediaMaxBytes,omitempty"`
}

type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	StorePath string   `json:"storePath,omitempty"`
	JID       string   `json:"jid,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type FeishuConfig struct {
	Enabled           bool     `json:"enabled"`
	AppID             string   `json:"appId"`
	AppSecret         string   `json:"appSecret"`
	VerificationToken string   `json:"verificationToken"`
	EncryptKey        string   `json:"encryptKey,omitempty"`
	Port              int      `json:"port,omitempty"`
	AllowFrom         []string `json:"allowFrom"`
}

type ToolsConfig struct {
	BraveAPIKey         string `json:"braveApiKey,omitempty"`
	ExecTimeout         int    `json:"execTimeout"`
	RestrictToWorkspace bool   `json:"restrictToWorkspace"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".myclaw", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{
			WeCom: WeComConfig{
				Port: DefaultWeComPort,
				Network: WeComNetworkConfig{
					TimeoutSeconds: DefaultWeComTimeout,
					MediaMaxBytes:  DefaultWeComMediaMaxBytes,
				},
			},
		},
		Tools: ToolsConfig{
			ExecTimeout:         DefaultExecTimeout,
			RestrictToWorkspace: true,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Memory: MemoryConfig{
			Enabled: false,
			Extraction: ExtractionConfig{
				QuietGap:    DefaultMemoryQuietGap,
				TokenBudget: DefaultMemoryTokenBudget,
				DailyFlush:  DefaultMemoryDailyFlush,
			},
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".myclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("MYCLAW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("MYCLAW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("MYCLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if appID := os.Getenv("MYCLAW_FEISHU_APP_ID"); appID != "" {
		cfg.Channels.Feishu.AppID = appID
	}
	if appSecret := os.Getenv("MYCLAW_FEISHU_APP_SECRET"); appSecret != "" {
		cfg.Channels.Feishu.AppSecret = appSecret
	}
	if proxy := os.Getenv("EGRESS_PROXY_URL"); proxy != "" {
		cfg.Channels.WeCom.Network.EgressProxyURL = proxy
	} else if proxy := os.Getenv("WECOM_EGRESS_PROXY_URL"); proxy != "" {
		cfg.Channels.WeCom.Network.EgressProxyURL = proxy
	}
	if cfg.Channels.WeCom.Port == 0 {
		cfg.Channels.WeCom.Port = DefaultWeComPort
	}
	if cfg.Channels.WeCom.Network.TimeoutSeconds == 0 {
		cfg.Channels.WeCom.Network.TimeoutSeconds = DefaultWeComTimeout
	}
	if cfg.Channels.WeCom.Network.MediaMaxBytes == 0 {
		cfg.Channels.WeCom.Network.MediaMaxBytes = DefaultWeComMediaMaxBytes
	}
	if enabled := os.Getenv("MYCLAW_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}
	if model := os.Getenv("MYCLAW_MEMORY_MODEL"); model != "" {
		cfg.Memory.Model = model
	}
	if key := os.Getenv("MYCLAW_MEMORY_API_KEY"); key != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.APIKey = key
	}
	if url := os.Getenv("MYCLAW_MEMORY_BASE_URL"); url != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.BaseURL = url
	}
	if dbPath := os.Getenv("MYCLAW_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if maxTokens := os.Getenv("MYCLAW_MEMORY_MAX_TOKENS"); maxTokens != "" {
		if parsed, err := strconv.Atoi(maxTokens); err == nil {
			cfg.Memory.MaxTokens = parsed
		}
	}
	if quietGap := os.Getenv("MYCLAW_MEMORY_QUIET_GAP"); quietGap != "" {
		cfg.Memory.Extraction.QuietGap = quietGap
	}
	if tokenBudget := os.Getenv("MYCLAW_MEMORY_TOKEN_BUDGET"); tokenBudget != "" {
		if parsed, err := strconv.ParseFloat(tokenBudget, 64); err == nil {
			cfg.Memory.Extraction.TokenBudget = parsed
		}
	}
	if dailyFlush := os.Getenv("MYCLAW_MEMORY_DAILY_FLUSH"); dailyFlush != "" {
		cfg.Memory.Extraction.DailyFlush = dailyFlush
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Memory.Extraction.QuietGap == "" {
		cfg.Memory.Extraction.QuietGap = DefaultMemoryQuietGap
	}
	if cfg.Memory.Extraction.TokenBudget <= 0 {
		cfg.Memory.Extraction.TokenBudget = DefaultMemoryTokenBudget
	}
	if cfg.Memory.Extraction.DailyFlush == "" {
		cfg.Memory.Extraction.DailyFlush = DefaultMemoryDailyFlush
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
