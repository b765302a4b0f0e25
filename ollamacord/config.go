//nolint:lll // struct tags can't be split
package ollamacord

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix    = "OLLAMACORD_ENV_PREFIX"
	DefaultEnvPrefix      = "OC"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "ollamacord.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultOllamaURL                  = "http://localhost:11434"
	DefaultOllamaAPIMode              = ollamaAPIModeNative
	DefaultOllamaChatModel            = "llama2"
	DefaultOllamaSummaryModel         = "llama2"
	DefaultOllamaToolTimeout          = 10 * time.Second
	DefaultOllamaChatTimeout          = 30 * time.Second
	DefaultOllamaStreamTimeout        = 5 * time.Minute
	DefaultOllamaSummaryTimeout       = 30 * time.Second
	DefaultOllamaHealthCheckInterval  = time.Minute
	DefaultOllamaMaxRequestsPerSecond = 10
	DefaultOllamaLogLevel             = slog.LevelInfo

	DefaultRedisHost          = "localhost"
	DefaultRedisPort          = 6379
	DefaultRedisDB            = 0
	DefaultRedisDialTimeout   = 5 * time.Second
	DefaultWikiCacheDuration  = 1800 * time.Second
	DefaultWikiBaseURL        = "https://oldschool.runescape.wiki"
	DefaultWikiUserAgent      = "ollamacord/1.0 (+https://github.com/GethosTheWalrus/ollamacord)"
	DefaultWikiSearchRetries  = 3
	DefaultWikiFetchTimeout   = 30 * time.Second
	DefaultWikiLogLevel       = slog.LevelInfo
	DefaultMemoryMaxLength    = 20
	DefaultWorkerIdleTimeout  = 2 * time.Minute
	DefaultRetentionPeriod    = 30 * 24 * time.Hour
	DefaultRetentionInterval  = time.Hour
	DefaultDiscordAPIBaseURL  = "https://discord.com/api/v10"
	DefaultDiscordGatewayHost = "discord.com"

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordLogLevel   = slog.LevelWarn
	discordMaxMessageLength  = 2000
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultUITLSMinVersion   = tls.VersionTLS12
	DefaultQueueSleepEmpty   = 2 * time.Second
	DefaultQueueSleepPaused  = 5 * time.Second
	DefaultQueueSize         = 100
	DefaultQueueMaxAge       = 10 * time.Minute
	DefaultAPISessionMaxAge  = 6 * time.Hour
	DefaultAPICORSCredential = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo
	defaultListenNetwork         = "tcp"

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Queue holds the configuration for the Query queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// Ollama configures the LLM backend
	Ollama *OllamaConfig `yaml:"ollama" mapstructure:"ollama" json:"ollama"`

	// Redis configures the optional wiki page cache
	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// Wiki configures the OSRS wiki tool
	Wiki *WikiConfig `yaml:"wiki" mapstructure:"wiki" json:"wiki"`

	// Memory configures per-conversation history
	Memory *MemoryConfig `yaml:"memory" mapstructure:"memory" json:"memory"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets how often RuntimeConfig is reloaded from the
	// database. 0 disables periodic reloads.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// RetentionPeriod is how long Query and OllamaRequest records are kept.
	// 0 keeps them forever.
	RetentionPeriod time.Duration `yaml:"retention_period" mapstructure:"retention_period" json:"retention_period"`

	// RetentionInterval is how often old records are pruned.
	RetentionInterval time.Duration `yaml:"retention_interval" mapstructure:"retention_interval" json:"retention_interval"`

	// WorkerIdleTimeout is how long a conversation worker waits for new
	// queries before stopping.
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout" json:"worker_idle_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the capacity and behavior of the Query queue.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Maximum age of a query that will be returned from the queue. Queries
	// older than this will be discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// Sleep for this duration when the queue is empty, before checking again
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`

	// Sleep for this duration when the bot is paused, before checking again
	SleepPaused time.Duration `yaml:"sleep_paused" mapstructure:"sleep_paused" json:"sleep_paused"`
}

func validateQueueConfig(field reflect.Value) any {
	if value, ok := field.Interface().(QueueConfig); ok {
		if value.Size < 0 {
			return "size must be >= 0"
		}
		if value.MaxAge < 0 {
			return "max_age must be >= 0"
		}
		if value.SleepEmpty < 0 {
			return "sleep_empty must be >= 0"
		}
		if value.SleepPaused < 0 {
			return "sleep_paused must be >= 0"
		}
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If both this and NotificationChannelID are set, the bot sends this
	// message to that channel whenever it connects to the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Channel ID used for startup notifications
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// NetworkTest runs a DNS lookup and an authenticated REST request
	// against discord each time the gateway connects, and logs the result.
	NetworkTest bool `yaml:"network_test" mapstructure:"network_test" json:"network_test"`

	// APIBaseURL is the discord REST base URL used by the network test
	APIBaseURL string `yaml:"api_base_url" mapstructure:"api_base_url" json:"api_base_url" binding:"omitempty,url"`

	httpClient *http.Client
}

// OllamaConfig configures the Ollama server connection and models.
type OllamaConfig struct {
	// Base URL of the Ollama server
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// APIMode selects the Ollama API flavor: 'native' uses /api/chat,
	// 'openai' uses the OpenAI-compatible /v1/chat/completions endpoint.
	APIMode string `yaml:"api_mode" mapstructure:"api_mode" json:"api_mode" binding:"oneof=native openai"`

	// APIKey is sent as a bearer token in 'openai' mode, for servers
	// behind an authenticating proxy
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// Model used to answer questions and select tools
	ChatModel string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required"`

	// Model used to summarize conversation history and wiki content
	SummaryModel string `yaml:"summary_model" mapstructure:"summary_model" json:"summary_model" binding:"required"`

	// Model options passed through on every request (ex: temperature)
	Options map[string]any `yaml:"options" mapstructure:"options" json:"options"`

	ToolTimeout    time.Duration `yaml:"tool_timeout" mapstructure:"tool_timeout" json:"tool_timeout" binding:"min=1s"`
	ChatTimeout    time.Duration `yaml:"chat_timeout" mapstructure:"chat_timeout" json:"chat_timeout" binding:"min=1s"`
	StreamTimeout  time.Duration `yaml:"stream_timeout" mapstructure:"stream_timeout" json:"stream_timeout" binding:"min=1s"`
	SummaryTimeout time.Duration `yaml:"summary_timeout" mapstructure:"summary_timeout" json:"summary_timeout" binding:"min=1s"`

	// How often the scheduler checks whether Ollama is reachable
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval" json:"health_check_interval"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RedisConfig configures the wiki page cache
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Host     string `yaml:"host" mapstructure:"host" json:"host" binding:"required_if=Enabled true"`
	Port     int    `yaml:"port" mapstructure:"port" json:"port" binding:"required_if=Enabled true,min=0,max=65535"`
	DB       int    `yaml:"db" mapstructure:"db" json:"db" binding:"min=0"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`

	// How long fetched wiki pages stay cached
	CacheDuration time.Duration `yaml:"cache_duration" mapstructure:"cache_duration" json:"cache_duration"`

	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout" json:"dial_timeout"`
}

// WikiConfig configures the OSRS wiki tool
type WikiConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Base URL of the MediaWiki site. api.php is resolved against it.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required_if=Enabled true,omitempty,url"`

	UserAgent string `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent"`

	// Number of times a lookup is retried with an LLM-suggested
	// alternative term before giving up
	SearchRetries int `yaml:"search_retries" mapstructure:"search_retries" json:"search_retries" binding:"min=0"`

	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout" json:"fetch_timeout" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// MemoryConfig configures conversation history.
type MemoryConfig struct {
	// Maximum number of messages kept per conversation. Older messages
	// are folded into a summary. 0 keeps only the summary.
	MaxLength int `yaml:"max_length" mapstructure:"max_length" json:"max_length" binding:"min=0"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. Plain HTTP is served when no
	// certificate is configured.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true,omitempty,min=10m,max=24h"`

	// Enables pprof routes, and sets the session cookie's SameSite
	// attribute to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSCredential,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		RetentionPeriod:       DefaultRetentionPeriod,
		RetentionInterval:     DefaultRetentionInterval,
		WorkerIdleTimeout:     DefaultWorkerIdleTimeout,
		Queue: &QueueConfig{
			Size:        DefaultQueueSize,
			MaxAge:      DefaultQueueMaxAge,
			SleepEmpty:  DefaultQueueSleepEmpty,
			SleepPaused: DefaultQueueSleepPaused,
		},
		Ollama: &OllamaConfig{
			URL:                 DefaultOllamaURL,
			APIMode:             DefaultOllamaAPIMode,
			ChatModel:           DefaultOllamaChatModel,
			SummaryModel:        DefaultOllamaSummaryModel,
			ToolTimeout:         DefaultOllamaToolTimeout,
			ChatTimeout:         DefaultOllamaChatTimeout,
			StreamTimeout:       DefaultOllamaStreamTimeout,
			SummaryTimeout:      DefaultOllamaSummaryTimeout,
			HealthCheckInterval: DefaultOllamaHealthCheckInterval,
			LogLevel:            newLevelVar(DefaultOllamaLogLevel),
		},
		Redis: &RedisConfig{
			Host:          DefaultRedisHost,
			Port:          DefaultRedisPort,
			DB:            DefaultRedisDB,
			CacheDuration: DefaultWikiCacheDuration,
			DialTimeout:   DefaultRedisDialTimeout,
		},
		Wiki: &WikiConfig{
			Enabled:       true,
			BaseURL:       DefaultWikiBaseURL,
			UserAgent:     DefaultWikiUserAgent,
			SearchRetries: DefaultWikiSearchRetries,
			FetchTimeout:  DefaultWikiFetchTimeout,
			LogLevel:      newLevelVar(DefaultWikiLogLevel),
		},
		Memory: &MemoryConfig{
			MaxLength: DefaultMemoryMaxLength,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			NetworkTest:       true,
			APIBaseURL:        DefaultDiscordAPIBaseURL,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
