package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/h1v3-io/agentdesk/internal/executor"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// Defaults.
const (
	DefaultDatabasePath    = "agentdesk.db"
	DefaultPollInterval    = 2.0
	DefaultReconcileEvery  = 30.0
	DefaultReconcileGrace  = 120.0
	DefaultAnthropicModel  = "claude-3-5-sonnet-20241022"
	DefaultOpenAIModel     = "gpt-4o"
	DefaultMaxTokens       = 4096
	DefaultAPIHost         = "0.0.0.0"
	DefaultAPIPort         = 8080
	DefaultAPIPrefix       = "/api"
	DefaultLogBufferSize   = 2000
	sqliteURLPrefix        = "sqlite://"
	defaultCORSOriginsList = "http://localhost:5173,http://localhost:3000"
)

// Seconds is a duration written as (fractional) seconds in config files and
// the environment.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config is the top-level agentdesk configuration.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Executor   ExecutorConfig   `json:"executor"`
	Providers  ProvidersConfig  `json:"providers"`
	Prompts    PromptsConfig    `json:"prompts"`
	Tools      ToolsConfig      `json:"tools"`
	API        APIConfig        `json:"api"`
	Connectors ConnectorConfig  `json:"connectors"`
	Log        LogConfig        `json:"log"`
	Agents     []protocol.Agent `json:"agents"`
	// AgentsFile names a JSON file of agents to seed when Agents is empty.
	AgentsFile string `json:"agents_file,omitempty"`
}

// agentsFile is the structure of an agents file.
type agentsFile struct {
	Agents []protocol.Agent `json:"agents"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ExecutorConfig holds dispatcher and executor settings.
type ExecutorConfig struct {
	Type           string  `json:"type"` // "anthropic_api" (default) or "openai_stream"
	PollInterval   Seconds `json:"poll_interval"`
	ReconcileEvery Seconds `json:"reconcile_every"`
	ReconcileGrace Seconds `json:"reconcile_grace"`
}

// ProvidersConfig holds LLM provider settings per backend.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url,omitempty"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// PromptsConfig locates the prompt sources.
type PromptsConfig struct {
	SkillsDir        string `json:"skills_dir,omitempty"`
	SystemPromptFile string `json:"system_prompt_file,omitempty"`
}

// ToolsConfig holds tool-level settings.
type ToolsConfig struct {
	WorkspaceDir string `json:"workspace_dir,omitempty"`
	// PerTicketWorkspace gives each ticket its own subdirectory.
	PerTicketWorkspace bool                   `json:"per_ticket_workspace,omitempty"`
	BraveAPIKey        string                 `json:"brave_api_key,omitempty"`
	PolicyFile         string                 `json:"policy_file,omitempty"` // rego module
	MCPServers         []tool.MCPServerConfig `json:"mcp_servers,omitempty"`
	// AllowPrivateNetwork lets the web tools reach internal addresses.
	AllowPrivateNetwork bool `json:"allow_private_network,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Prefix      string   `json:"prefix"`
	Key         string   `json:"api_key,omitempty"`
	CORSOrigins []string `json:"cors_origins"`
}

// ConnectorConfig holds settings for external chat platforms.
type ConnectorConfig struct {
	// DefaultAgent works tickets opened from chats that name no agent.
	DefaultAgent string             `json:"default_agent,omitempty"`
	Telegram     *TelegramConfig    `json:"telegram,omitempty"`
	Slack        *SlackConfig       `json:"slack,omitempty"`
	Webhooks     map[string]Webhook `json:"webhooks,omitempty"`
	Notify       []NotifyTarget     `json:"notify,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	AllowFrom []int64 `json:"allow_from,omitempty"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	BotToken string   `json:"bot_token"`
	AppToken string   `json:"app_token"`
	Channels []string `json:"channels,omitempty"`
	// ThreadPerMessage opens a thread, and so a ticket, per top-level message.
	ThreadPerMessage bool `json:"thread_per_message,omitempty"`
}

// Webhook is one named inbound webhook endpoint.
type Webhook struct {
	Secret      string `json:"secret,omitempty"`       // HMAC-SHA256 signing secret
	BearerToken string `json:"bearer_token,omitempty"` // alternative to Secret
	Agent       string `json:"agent,omitempty"`
	// Raw accepts arbitrary JSON bodies, such as GitHub events.
	Raw    bool           `json:"raw,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

// NotifyTarget sends an agent's ticket notices to a chat when the ticket
// did not come from one.
type NotifyTarget struct {
	Agent   string `json:"agent"` // id or name
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `json:"level,omitempty"`
	BufferSize int    `json:"buffer_size,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Executor: ExecutorConfig{
			Type:           string(executor.KindAnthropic),
			PollInterval:   DefaultPollInterval,
			ReconcileEvery: DefaultReconcileEvery,
			ReconcileGrace: DefaultReconcileGrace,
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{Model: DefaultAnthropicModel, MaxTokens: DefaultMaxTokens},
			OpenAI:    ProviderConfig{Model: DefaultOpenAIModel, MaxTokens: DefaultMaxTokens},
		},
		API: APIConfig{
			Host:        DefaultAPIHost,
			Port:        DefaultAPIPort,
			Prefix:      DefaultAPIPrefix,
			CORSOrigins: splitList(defaultCORSOriginsList),
		},
		Log: LogConfig{Level: "info", BufferSize: DefaultLogBufferSize},
	}
}

// Load reads a configuration file over the defaults. The file is JSON with
// comments and trailing commas allowed. Load does not validate; callers
// apply the environment first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.AgentsFile != "" && len(cfg.Agents) == 0 {
		af, err := loadAgentsFile(filepath.Dir(path), cfg.AgentsFile)
		if err != nil {
			return nil, err
		}
		cfg.Agents = af.Agents
	}
	return cfg, nil
}

// loadAgentsFile reads an agents file. Relative paths are resolved against
// the config file's directory.
func loadAgentsFile(configDir, name string) (*agentsFile, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(configDir, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read agents file %s: %w", path, err)
	}
	var af agentsFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &af); err != nil {
		return nil, fmt.Errorf("config: parse agents file %s: %w", path, err)
	}
	return &af, nil
}

// ApplyEnv overlays environment variables. Unset variables leave the
// current value alone; malformed numbers are reported together.
func (c *Config) ApplyEnv() error {
	var errs []string
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		path, ok := strings.CutPrefix(v, sqliteURLPrefix)
		if !ok {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: only %s URLs are supported", sqliteURLPrefix))
		} else {
			c.Database.Path = path
		}
	}
	setStr("DATABASE_PATH", &c.Database.Path)

	setStr("EXECUTOR_TYPE", &c.Executor.Type)
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SCHEDULER_INTERVAL: invalid number %q", v))
		} else {
			c.Executor.PollInterval = Seconds(f)
		}
	}

	setStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	setStr("ANTHROPIC_MODEL", &c.Providers.Anthropic.Model)
	setStr("ANTHROPIC_BASE_URL", &c.Providers.Anthropic.BaseURL)
	setStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	setStr("OPENAI_MODEL", &c.Providers.OpenAI.Model)
	setStr("OPENAI_BASE_URL", &c.Providers.OpenAI.BaseURL)

	setStr("API_HOST", &c.API.Host)
	setInt("API_PORT", &c.API.Port)
	setStr("API_PREFIX", &c.API.Prefix)
	setStr("API_KEY", &c.API.Key)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.API.CORSOrigins = splitList(v)
	}

	setStr("SKILLS_DIR", &c.Prompts.SkillsDir)
	setStr("SYSTEM_PROMPT_FILE", &c.Prompts.SystemPromptFile)
	setStr("WORKSPACE_DIR", &c.Tools.WorkspaceDir)
	if v := os.Getenv("PER_TICKET_WORKSPACE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PER_TICKET_WORKSPACE: invalid boolean %q", v))
		} else {
			c.Tools.PerTicketWorkspace = b
		}
	}
	setStr("BRAVE_API_KEY", &c.Tools.BraveAPIKey)
	setStr("TOOL_POLICY_FILE", &c.Tools.PolicyFile)

	setStr("DEFAULT_AGENT", &c.Connectors.DefaultAgent)
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		if c.Connectors.Telegram == nil {
			c.Connectors.Telegram = &TelegramConfig{}
		}
		c.Connectors.Telegram.Token = token
	}
	if ids := os.Getenv("TELEGRAM_ALLOW_FROM"); ids != "" && c.Connectors.Telegram != nil {
		parsed, err := parseInt64List(ids)
		if err != nil {
			errs = append(errs, fmt.Sprintf("TELEGRAM_ALLOW_FROM: %v", err))
		} else {
			c.Connectors.Telegram.AllowFrom = parsed
		}
	}
	if bot, app := os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_APP_TOKEN"); bot != "" || app != "" {
		if c.Connectors.Slack == nil {
			c.Connectors.Slack = &SlackConfig{}
		}
		setStr("SLACK_BOT_TOKEN", &c.Connectors.Slack.BotToken)
		setStr("SLACK_APP_TOKEN", &c.Connectors.Slack.AppToken)
	}

	setStr("LOG_LEVEL", &c.Log.Level)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks for required fields and collects every problem.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	kind, err := executor.ParseKind(c.Executor.Type)
	if err != nil {
		errs = append(errs, fmt.Sprintf("executor.type: %v", err))
	}
	switch kind {
	case executor.KindAnthropic:
		errs = append(errs, c.Providers.Anthropic.problems("providers.anthropic")...)
	case executor.KindOpenAIStream:
		errs = append(errs, c.Providers.OpenAI.problems("providers.openai")...)
	}
	if c.Executor.PollInterval <= 0 {
		errs = append(errs, "executor.poll_interval must be positive")
	}
	if c.Executor.ReconcileEvery < 0 || c.Executor.ReconcileGrace < 0 {
		errs = append(errs, "executor.reconcile_every and reconcile_grace must not be negative")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d is out of range", c.API.Port))
	}

	names := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].name is required", i))
			continue
		}
		if names[a.Name] {
			errs = append(errs, fmt.Sprintf("agents[%d].name %q is duplicated", i, a.Name))
		}
		names[a.Name] = true
	}

	for i, srv := range c.Tools.MCPServers {
		switch {
		case srv.Name == "":
			errs = append(errs, fmt.Sprintf("tools.mcp_servers[%d].name is required", i))
		case srv.Transport == "http" && srv.URL == "":
			errs = append(errs, fmt.Sprintf("tools.mcp_servers[%d].url is required for http", i))
		case srv.Transport != "http" && srv.Command == "":
			errs = append(errs, fmt.Sprintf("tools.mcp_servers[%d].command is required for stdio", i))
		}
	}

	cc := c.Connectors
	if cc.Telegram != nil && cc.Telegram.Token == "" {
		errs = append(errs, "connectors.telegram.token is required")
	}
	if cc.Slack != nil && (cc.Slack.BotToken == "" || cc.Slack.AppToken == "") {
		errs = append(errs, "connectors.slack.bot_token and app_token are required")
	}
	for name, wh := range cc.Webhooks {
		if wh.Secret == "" && wh.BearerToken == "" {
			errs = append(errs, fmt.Sprintf("connectors.webhooks.%s needs a secret or bearer_token", name))
		}
	}
	for i, n := range cc.Notify {
		if n.Agent == "" || n.Channel == "" || n.ChatID == "" {
			errs = append(errs, fmt.Sprintf("connectors.notify[%d] needs agent, channel and chat_id", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (p ProviderConfig) problems(path string) []string {
	var errs []string
	if p.APIKey == "" {
		errs = append(errs, path+".api_key is required")
	}
	if p.Model == "" {
		errs = append(errs, path+".model is required")
	}
	if p.MaxTokens < 0 {
		errs = append(errs, path+".max_tokens must not be negative")
	}
	return errs
}

// Configured reports whether the provider has credentials.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
