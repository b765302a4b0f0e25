package ollamacord

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

const (
	DefaultCommandPrefix       = "!ai"
	DefaultMaxQueryLength      = 2000
	DefaultDiscordCustomStatus = "Ask me anything with !ai"
	DefaultStreamEditInterval  = 2 * time.Second
	DefaultUserQueryWindow     = time.Hour
	DefaultSystemPrompt        = "You are a helpful assistant that can use tools to gather information. " +
		"When responding to questions about Old School RuneScape, use the provided wiki " +
		"information to give accurate and detailed answers. If the wiki information is " +
		"provided, prioritize using that information in your response."
	DefaultTooLongMessage       = "I can only respond to prompts with no more than %d characters"
	DefaultUnavailableMessage   = "Sorry, I'm having trouble processing your request right now. Please try again later."
	DefaultEmptyResponseMessage = "I wasn't able to come up with a response to that."
	DefaultRateLimitMessage     = "You've reached your question limit, try again"
	DefaultErrorMessageFormat   = "I encountered an error while responding to you: ```%s```"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running, and which persist across restarts (e.g. being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// new queries are ignored and queued queries wait.
	Paused bool `json:"paused" gorm:"not null"`

	// Opens a discord gateway websocket connection.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// CommandPrefix is the first word of a message addressed to the bot
	CommandPrefix string `json:"command_prefix" gorm:"type:string;default:!ai" binding:"min=1,max=32,excludesall= "`

	// MaxQueryLength is the longest query (in characters) the bot will answer
	MaxQueryLength int `json:"max_query_length" gorm:"default:2000" binding:"min=1,max=4000"`

	// ToolsEnabled allows the model to use tools (ex: wiki lookups)
	ToolsEnabled bool `json:"tools_enabled" gorm:"not null"`

	// IgnoreBots ignores messages from other bot users
	IgnoreBots bool `json:"ignore_bots" gorm:"not null"`

	// RecoverPanic recovers and logs panics while answering a query,
	// rather than crashing
	RecoverPanic bool `json:"recover_panic" gorm:"not null"`

	// StreamEditInterval is the minimum time between edits of the reply
	// while an answer is streaming. 0 only edits once the answer is complete.
	StreamEditInterval Duration `json:"stream_edit_interval" gorm:"type:string"`

	// UserQueryLimit is the maximum number of queries per user within
	// UserQueryWindow. 0 disables the limit.
	UserQueryLimit int `json:"user_query_limit" gorm:"not null;default:0" binding:"min=0"`

	UserQueryWindow Duration `json:"user_query_window" gorm:"type:string"`

	// SystemPrompt is sent as the first message of every chat request
	SystemPrompt string `json:"system_prompt" gorm:"type:string"`

	// TooLongMessage is the reply to queries over MaxQueryLength. The
	// first tooLongPlaceholder is replaced with the limit.
	TooLongMessage string `json:"too_long_message" gorm:"type:string"`

	// UnavailableMessage is the reply when Ollama can't be reached
	UnavailableMessage string `json:"unavailable_message" gorm:"type:string"`

	// EmptyResponseMessage is the reply when the model returns nothing
	EmptyResponseMessage string `json:"empty_response_message" gorm:"type:string"`

	// RateLimitMessage is the reply when a user reaches UserQueryLimit,
	// followed by when they may ask again
	RateLimitMessage string `json:"rate_limit_message" gorm:"type:string"`

	// OllamaMaxRequestsPerSecond limits requests made to Ollama
	OllamaMaxRequestsPerSecond int `gorm:"default:10" json:"ollama_max_requests_per_second" binding:"min=1"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	OllamaLogLevel    DBLogLevel `gorm:"default:INFO;type:string;check:ollama_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"ollama_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	WikiLogLevel      DBLogLevel `gorm:"default:INFO;type:string;check:wiki_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"wiki_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// tooLongPlaceholder marks where the query length limit goes in
// TooLongMessage
const tooLongPlaceholder = "%d"

// tooLongMessage returns the reply to a query over MaxQueryLength
func (c RuntimeConfig) tooLongMessage() string {
	return strings.Replace(
		c.TooLongMessage,
		tooLongPlaceholder,
		strconv.Itoa(c.MaxQueryLength),
		1,
	)
}

// DefaultRuntimeConfig returns the RuntimeConfig created on first startup
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled:      true,
		DiscordCustomStatus:        DefaultDiscordCustomStatus,
		CommandPrefix:              DefaultCommandPrefix,
		MaxQueryLength:             DefaultMaxQueryLength,
		ToolsEnabled:               true,
		IgnoreBots:                 true,
		StreamEditInterval:         Duration{DefaultStreamEditInterval},
		UserQueryWindow:            Duration{DefaultUserQueryWindow},
		SystemPrompt:               DefaultSystemPrompt,
		TooLongMessage:             DefaultTooLongMessage,
		UnavailableMessage:         DefaultUnavailableMessage,
		EmptyResponseMessage:       DefaultEmptyResponseMessage,
		RateLimitMessage:           DefaultRateLimitMessage,
		OllamaMaxRequestsPerSecond: DefaultOllamaMaxRequestsPerSecond,
		LogLevel:                   DBLogLevelInfo,
		OllamaLogLevel:             DBLogLevelInfo,
		WikiLogLevel:               DBLogLevelInfo,
		DiscordLogLevel:            DBLogLevelWarn,
		DiscordGoLogLevel:          DBLogLevelWarn,
		DatabaseLogLevel:           DBLogLevelInfo,
		APILogLevel:                DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is the payload for updating RuntimeConfig through
// the API. Any non-nil field is updated. JSON names match column names.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`

	CommandPrefix      *string   `json:"command_prefix,omitempty" binding:"omitnil,min=1,max=32,excludesall= "`
	MaxQueryLength     *int      `json:"max_query_length,omitempty" binding:"omitnil,min=1,max=4000"`
	ToolsEnabled       *bool     `json:"tools_enabled,omitempty"`
	IgnoreBots         *bool     `json:"ignore_bots,omitempty"`
	StreamEditInterval *Duration `json:"stream_edit_interval,omitempty"`
	UserQueryLimit     *int      `json:"user_query_limit,omitempty" binding:"omitnil,min=0"`
	UserQueryWindow    *Duration `json:"user_query_window,omitempty"`

	SystemPrompt         *string `json:"system_prompt,omitempty"`
	TooLongMessage       *string `json:"too_long_message,omitempty" binding:"omitnil,min=1,max=1000"`
	UnavailableMessage   *string `json:"unavailable_message,omitempty" binding:"omitnil,min=1,max=1000"`
	EmptyResponseMessage *string `json:"empty_response_message,omitempty" binding:"omitnil,min=1,max=1000"`
	RateLimitMessage     *string `json:"rate_limit_message,omitempty" binding:"omitnil,min=1,max=1000"`

	OllamaMaxRequestsPerSecond *int `json:"ollama_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=1000"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OllamaLogLevel    *DBLogLevel `json:"ollama_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	WikiLogLevel      *DBLogLevel `json:"wiki_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func validateRuntimeConfigUpdate(field reflect.Value) any {
	value, ok := field.Interface().(RuntimeConfigUpdate)
	if !ok {
		return nil
	}
	if value.StreamEditInterval != nil {
		d := value.StreamEditInterval.Duration
		if d != 0 && d < 500*time.Millisecond {
			return "stream_edit_interval must be 0 or at least 500ms"
		}
	}
	if value.UserQueryWindow != nil && value.UserQueryWindow.Duration < time.Minute {
		return "user_query_window must be at least 1m"
	}
	if value.TooLongMessage != nil &&
		strings.Count(*value.TooLongMessage, tooLongPlaceholder) != 1 {
		return fmt.Sprintf("too_long_message must contain %s exactly once", tooLongPlaceholder)
	}
	return nil
}

// runtimeConfigValueChanged reports whether updateVal (a pointer field
// from RuntimeConfigUpdate) is set, and differs from currentVal.
func runtimeConfigValueChanged(currentVal, updateVal any) bool {
	newValRef := reflect.ValueOf(updateVal)
	if newValRef.Kind() != reflect.Ptr || newValRef.IsNil() {
		return false
	}
	return !reflect.DeepEqual(currentVal, newValRef.Elem().Interface())
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
