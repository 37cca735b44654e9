package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const logPrefix = "[config]"

const DefaultSystemPrompt = "You are {name}. Use the following examples to understand {name}'s personality, " +
	"tone, and style. Write EXACTLY like {name}. Do not sanitize or filter the personality; " +
	"be as authentic as possible to the provided messages. " +
	"Respond to the current conversation while maintaining a consistent personality. " +
	"Do not cut off mid-sentence. You must finish your sentences! " +
	"Use newlines to create line breaks between messages. " +
	"To react to the message you are replying to, include [react: EMOJI] anywhere in your reply.\n" +
	"{custom_emojis}" +
	"{memories}" +
	"Example messages from {name}:\n" +
	"{examples}"

// Config is the bot-wide configuration sourced from .env / environment
// variables. Numeric values out of range are reset to their defaults with a
// warning rather than failing startup.
type Config struct {
	// Platform
	APIBase     string
	GatewayURL  string
	Token       string
	AdminUserIDs    []int64
	AdminOnlyUpload bool

	// Active backend
	ActiveBackend string

	// Ollama
	OllamaModel string
	OllamaHost  string

	// OpenAI / OpenAI-compatible
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	// Gemini
	GeminiAPIKey string
	GeminiModel  string

	// Anthropic
	AnthropicAPIKey string
	AnthropicModel  string

	// Generation settings
	LLMTemperature float64
	LLMMaxTokens   int

	// Behaviour
	PersonaName         string
	ReplyProbability    float64
	ReactionProbability float64
	DebounceDelay       float64 // seconds
	ConversationExpiry  float64 // seconds
	SampleSize          int
	MaxContextMessages  int
	SystemPromptTemplate string

	// Tools
	EnableWebSearch bool
	EnableMemory    bool

	// Spontaneous scheduler
	SpontaneousChannels []int64
	SchedulerMinHours   float64
	SchedulerMaxHours   float64
	SpontaneousFeedURL  string

	// Infrastructure
	DataDir  string
	ProxyURL string

	mu      sync.Mutex
	envPath string
}

// Load reads .env (when present) and the process environment.
func Load(envPath string) (*Config, error) {
	if strings.TrimSpace(envPath) == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	cfg := &Config{
		APIBase:    getString("API_BASE", ""),
		GatewayURL: getString("GATEWAY_URL", ""),
		Token:      getString("PLATFORM_TOKEN", ""),

		AdminOnlyUpload: getBool("ADMIN_ONLY_UPLOAD", true),

		ActiveBackend: strings.ToLower(getString("ACTIVE_BACKEND", "markov")),

		OllamaModel: getString("OLLAMA_MODEL", "llama3"),
		OllamaHost:  getString("OLLAMA_HOST", "http://localhost:11434"),

		OpenAIAPIKey:  getString("OPENAI_API_KEY", ""),
		OpenAIModel:   getString("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getString("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		GeminiAPIKey: getString("GEMINI_API_KEY", ""),
		GeminiModel:  getString("GEMINI_MODEL", "gemini-2.0-flash"),

		AnthropicAPIKey: getString("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getString("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

		LLMTemperature: getFloat("LLM_TEMPERATURE", 1.0),
		LLMMaxTokens:   getInt("LLM_MAX_TOKENS", 1024),

		PersonaName:          getString("PERSONA_NAME", "faithful"),
		ReplyProbability:     getFloat("REPLY_PROBABILITY", 0.02),
		ReactionProbability:  getFloat("REACTION_PROBABILITY", 0.05),
		DebounceDelay:        getFloat("DEBOUNCE_DELAY", 3.0),
		ConversationExpiry:   getFloat("CONVERSATION_EXPIRY", 300.0),
		SampleSize:           getInt("SAMPLE_SIZE", 300),
		MaxContextMessages:   getInt("MAX_CONTEXT_MESSAGES", 20),
		SystemPromptTemplate: getString("SYSTEM_PROMPT_TEMPLATE", DefaultSystemPrompt),

		EnableWebSearch: getBool("ENABLE_WEB_SEARCH", false),
		EnableMemory:    getBool("ENABLE_MEMORY", false),

		SchedulerMinHours:  getFloat("SCHEDULER_MIN_HOURS", 12),
		SchedulerMaxHours:  getFloat("SCHEDULER_MAX_HOURS", 24),
		SpontaneousFeedURL: getString("SPONTANEOUS_FEED_URL", ""),

		DataDir:  getString("DATA_DIR", "data"),
		ProxyURL: getString("PROXY_URL", ""),

		envPath: envPath,
	}

	cfg.AdminUserIDs = parseIDList(getString("ADMIN_USER_IDS", getString("ADMIN_USER_ID", "")))
	cfg.SpontaneousChannels = parseIDList(getString("SPONTANEOUS_CHANNELS", ""))

	cfg.validate()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	return cfg, nil
}

func (c *Config) validate() {
	c.DebounceDelay = clamp(c.DebounceDelay, 0, 60, "DEBOUNCE_DELAY", 3.0)
	c.ReplyProbability = clamp(c.ReplyProbability, 0, 1, "REPLY_PROBABILITY", 0.02)
	c.ReactionProbability = clamp(c.ReactionProbability, 0, 1, "REACTION_PROBABILITY", 0.05)
	c.LLMTemperature = clamp(c.LLMTemperature, 0, 2, "LLM_TEMPERATURE", 1.0)

	if c.SampleSize < 1 {
		log.Printf("%s SAMPLE_SIZE must be at least 1, resetting to 300", logPrefix)
		c.SampleSize = 300
	}
	if c.MaxContextMessages < 0 {
		log.Printf("%s MAX_CONTEXT_MESSAGES cannot be negative, resetting to 20", logPrefix)
		c.MaxContextMessages = 20
	}
	if c.LLMMaxTokens < 1 {
		log.Printf("%s LLM_MAX_TOKENS must be at least 1, resetting to 1024", logPrefix)
		c.LLMMaxTokens = 1024
	}
	if c.SchedulerMinHours <= 0 {
		c.SchedulerMinHours = 12
	}
	if c.SchedulerMaxHours < c.SchedulerMinHours {
		log.Printf("%s SCHEDULER_MAX_HOURS below min, resetting to %g", logPrefix, c.SchedulerMinHours)
		c.SchedulerMaxHours = c.SchedulerMinHours
	}
}

// Settings is a point-in-time copy of the values admins can change at
// runtime. Readers on other goroutines take a snapshot instead of touching
// Config fields that UpdateEnv may be rewriting.
type Settings struct {
	ActiveBackend string

	OllamaModel    string
	OllamaHost     string
	OpenAIModel    string
	OpenAIBaseURL  string
	GeminiModel    string
	AnthropicModel string

	PersonaName    string
	LLMTemperature float64
	LLMMaxTokens   int

	ReplyProbability    float64
	ReactionProbability float64
	DebounceDelay       float64
	ConversationExpiry  float64
	SampleSize          int
	MaxContextMessages  int
}

// Snapshot copies the runtime-settable values under the same lock UpdateEnv
// writes them with.
func (c *Config) Snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Settings{
		ActiveBackend: c.ActiveBackend,

		OllamaModel:    c.OllamaModel,
		OllamaHost:     c.OllamaHost,
		OpenAIModel:    c.OpenAIModel,
		OpenAIBaseURL:  c.OpenAIBaseURL,
		GeminiModel:    c.GeminiModel,
		AnthropicModel: c.AnthropicModel,

		PersonaName:    c.PersonaName,
		LLMTemperature: c.LLMTemperature,
		LLMMaxTokens:   c.LLMMaxTokens,

		ReplyProbability:    c.ReplyProbability,
		ReactionProbability: c.ReactionProbability,
		DebounceDelay:       c.DebounceDelay,
		ConversationExpiry:  c.ConversationExpiry,
		SampleSize:          c.SampleSize,
		MaxContextMessages:  c.MaxContextMessages,
	}
}

// IsAdmin reports whether the user id is in the admin set.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// settableKeys maps the env keys admins may change at runtime to the field
// applying the value in memory. Changes are re-validated afterwards.
var settableKeys = map[string]func(c *Config, v string) error{
	"ACTIVE_BACKEND":       func(c *Config, v string) error { c.ActiveBackend = strings.ToLower(v); return nil },
	"OLLAMA_MODEL":         func(c *Config, v string) error { c.OllamaModel = v; return nil },
	"OLLAMA_HOST":          func(c *Config, v string) error { c.OllamaHost = v; return nil },
	"OPENAI_MODEL":         func(c *Config, v string) error { c.OpenAIModel = v; return nil },
	"OPENAI_BASE_URL":      func(c *Config, v string) error { c.OpenAIBaseURL = v; return nil },
	"GEMINI_MODEL":         func(c *Config, v string) error { c.GeminiModel = v; return nil },
	"ANTHROPIC_MODEL":      func(c *Config, v string) error { c.AnthropicModel = v; return nil },
	"PERSONA_NAME":         func(c *Config, v string) error { c.PersonaName = v; return nil },
	"LLM_TEMPERATURE":      setFloatField(func(c *Config, f float64) { c.LLMTemperature = f }),
	"LLM_MAX_TOKENS":       setIntField(func(c *Config, n int) { c.LLMMaxTokens = n }),
	"REPLY_PROBABILITY":    setFloatField(func(c *Config, f float64) { c.ReplyProbability = f }),
	"REACTION_PROBABILITY": setFloatField(func(c *Config, f float64) { c.ReactionProbability = f }),
	"DEBOUNCE_DELAY":       setFloatField(func(c *Config, f float64) { c.DebounceDelay = f }),
	"CONVERSATION_EXPIRY":  setFloatField(func(c *Config, f float64) { c.ConversationExpiry = f }),
	"SAMPLE_SIZE":          setIntField(func(c *Config, n int) { c.SampleSize = n }),
	"MAX_CONTEXT_MESSAGES": setIntField(func(c *Config, n int) { c.MaxContextMessages = n }),
}

// UpdateEnv persists key=value to the .env file and applies it in memory.
// Unknown keys are rejected so admins get explicit feedback on typos.
func (c *Config) UpdateEnv(key, value string) error {
	key = strings.ToUpper(strings.TrimSpace(key))
	apply, ok := settableKeys[key]
	if !ok {
		return fmt.Errorf("unknown or read-only config key %q", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := godotenv.Read(c.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", c.envPath, err)
		}
		env = map[string]string{}
	}
	env[key] = value
	if err := godotenv.Write(env, c.envPath); err != nil {
		return fmt.Errorf("write %s: %w", c.envPath, err)
	}

	if err := apply(c, value); err != nil {
		return err
	}
	c.validate()
	return nil
}

func setFloatField(set func(*Config, float64)) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", v)
		}
		set(c, f)
		return nil
	}
}

func setIntField(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		set(c, n)
		return nil
	}
}

func clamp(value, lo, hi float64, name string, def float64) float64 {
	if lo <= value && value <= hi {
		return value
	}
	log.Printf("%s %s=%.4g out of range [%.4g, %.4g], resetting to %.4g", logPrefix, name, value, lo, hi, def)
	return def
}

func getString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("%s %s=%q is not a number, using %g", logPrefix, key, v, def)
		return def
	}
	return f
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("%s %s=%q is not an integer, using %d", logPrefix, key, v, def)
		return def
	}
	return n
}

func parseIDList(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("%s skipping malformed id %q", logPrefix, part)
			continue
		}
		out = append(out, id)
	}
	return out
}
