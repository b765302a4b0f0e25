package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/GethosTheWalrus/ollamacord/ollamacord"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = ollamacord.DefaultConfig()
	configFile string
)

// plainEnvBindings maps config keys to unprefixed environment variables,
// checked after the prefixed name
var plainEnvBindings = map[string]string{
	"discord.token":        "DISCORD_TOKEN",
	"ollama.url":           "OLLAMA_URL",
	"ollama.chat_model":    "OLLAMA_CHAT_MODEL",
	"ollama.summary_model": "OLLAMA_SUMMARY_MODEL",
	"redis.enabled":        "REDIS_ENABLED",
	"redis.host":           "REDIS_HOST",
	"redis.port":           "REDIS_PORT",
	"redis.db":             "REDIS_DB",
	"redis.password":       "REDIS_PASSWORD",
	"redis.cache_duration": "WIKI_CACHE_DURATION",
	"wiki.search_retries":  "WIKI_SEARCH_RETRIES",
	"memory.max_length":    "MEMORY_MAX_LENGTH",
}

// sliceKeys hold space-separated lists when set from the environment
var sliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:          "ollamacord [flags]",
	Short:        "Discord bot that answers questions with a local Ollama model",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

func loadConfig(c *ollamacord.Config) error {
	return viper.Unmarshal(c, viper.DecodeHook(configDecodeHook()))
}

func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		SecondsToDurationHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// SecondsToDurationHookFunc decodes bare integers (ex: WIKI_CACHE_DURATION=1800)
// into a time.Duration of that many seconds. Anything else is left for
// mapstructure.StringToTimeDurationHookFunc.
func SecondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(data.(string)), 10, 64)
		if err != nil {
			return data, nil
		}
		return time.Duration(seconds) * time.Second, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envPrefix() string {
	prefix := os.Getenv(ollamacord.EnvvarSetEnvPrefix)
	if prefix == "" {
		prefix = ollamacord.DefaultEnvPrefix
	}
	return prefix
}

func setDefaults() {
	viper.SetDefault("database", ollamacord.DefaultDatabase)
	viper.SetDefault("database_type", ollamacord.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		ollamacord.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		ollamacord.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", ollamacord.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", ollamacord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", ollamacord.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", ollamacord.DefaultRuntimeConfigTTL)
	viper.SetDefault("retention_period", ollamacord.DefaultRetentionPeriod)
	viper.SetDefault("retention_interval", ollamacord.DefaultRetentionInterval)
	viper.SetDefault("worker_idle_timeout", ollamacord.DefaultWorkerIdleTimeout)

	viper.SetDefault("queue.size", ollamacord.DefaultQueueSize)
	viper.SetDefault("queue.max_age", ollamacord.DefaultQueueMaxAge)
	viper.SetDefault("queue.sleep_empty", ollamacord.DefaultQueueSleepEmpty)
	viper.SetDefault("queue.sleep_paused", ollamacord.DefaultQueueSleepPaused)

	// Ollama
	viper.SetDefault("ollama.url", ollamacord.DefaultOllamaURL)
	viper.SetDefault("ollama.api_mode", ollamacord.DefaultOllamaAPIMode)
	viper.SetDefault("ollama.api_key", "")
	viper.SetDefault("ollama.chat_model", ollamacord.DefaultOllamaChatModel)
	viper.SetDefault("ollama.summary_model", ollamacord.DefaultOllamaSummaryModel)
	viper.SetDefault("ollama.tool_timeout", ollamacord.DefaultOllamaToolTimeout)
	viper.SetDefault("ollama.chat_timeout", ollamacord.DefaultOllamaChatTimeout)
	viper.SetDefault("ollama.stream_timeout", ollamacord.DefaultOllamaStreamTimeout)
	viper.SetDefault("ollama.summary_timeout", ollamacord.DefaultOllamaSummaryTimeout)
	viper.SetDefault(
		"ollama.health_check_interval",
		ollamacord.DefaultOllamaHealthCheckInterval,
	)
	viper.SetDefault("ollama.log_level", ollamacord.DefaultOllamaLogLevel.String())

	// Redis page cache
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", ollamacord.DefaultRedisHost)
	viper.SetDefault("redis.port", ollamacord.DefaultRedisPort)
	viper.SetDefault("redis.db", ollamacord.DefaultRedisDB)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.cache_duration", ollamacord.DefaultWikiCacheDuration)
	viper.SetDefault("redis.dial_timeout", ollamacord.DefaultRedisDialTimeout)

	// OSRS wiki
	viper.SetDefault("wiki.enabled", true)
	viper.SetDefault("wiki.base_url", ollamacord.DefaultWikiBaseURL)
	viper.SetDefault("wiki.user_agent", ollamacord.DefaultWikiUserAgent)
	viper.SetDefault("wiki.search_retries", ollamacord.DefaultWikiSearchRetries)
	viper.SetDefault("wiki.fetch_timeout", ollamacord.DefaultWikiFetchTimeout)
	viper.SetDefault("wiki.log_level", ollamacord.DefaultWikiLogLevel.String())

	viper.SetDefault("memory.max_length", ollamacord.DefaultMemoryMaxLength)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.log_level", ollamacord.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		ollamacord.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", ollamacord.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.network_test", true)
	viper.SetDefault("discord.api_base_url", ollamacord.DefaultDiscordAPIBaseURL)

	// API
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", ollamacord.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", ollamacord.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", ollamacord.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", ollamacord.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", ollamacord.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", ollamacord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", ollamacord.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", ollamacord.DefaultUITLSMinVersion)

	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", ollamacord.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", ollamacord.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", ollamacord.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", ollamacord.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", ollamacord.DefaultAPICORSCredential)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults()

	prefix := envPrefix()
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, plain := range plainEnvBindings {
		prefixed := strings.ToUpper(prefix + "_" + strings.ReplaceAll(key, ".", "_"))
		if err := viper.BindEnv(key, prefixed, plain); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	// Space-separated strings from the environment become slices
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load",
	)
}
