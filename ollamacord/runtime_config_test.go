package ollamacord

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestDefaultRuntimeConfig_Valid(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))
	assert.Equal(t, "!ai", cfg.CommandPrefix)
	assert.True(t, cfg.IgnoreBots)
	assert.Equal(
		t,
		"I can only respond to prompts with no more than 2000 characters",
		cfg.tooLongMessage(),
	)
}

func TestRuntimeConfig_TooLongMessage(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	cfg.MaxQueryLength = 500

	cfg.TooLongMessage = "Keep it under %d characters, 100% please"
	assert.Equal(t, "Keep it under 500 characters, 100% please", cfg.tooLongMessage())

	// stored messages without the placeholder are sent as-is
	cfg.TooLongMessage = "That's too long"
	assert.Equal(t, "That's too long", cfg.tooLongMessage())

	cfg.TooLongMessage = "%s %d %v"
	assert.Equal(t, "%s 500 %v", cfg.tooLongMessage())
}

func TestValidateRuntimeConfigUpdate(t *testing.T) {
	tests := []struct {
		name   string
		update RuntimeConfigUpdate
		valid  bool
	}{
		{name: "empty", valid: true},
		{
			name:   "stream edits disabled",
			update: RuntimeConfigUpdate{StreamEditInterval: &Duration{}},
			valid:  true,
		},
		{
			name:   "stream edit interval",
			update: RuntimeConfigUpdate{StreamEditInterval: &Duration{time.Second}},
			valid:  true,
		},
		{
			name:   "stream edit interval too short",
			update: RuntimeConfigUpdate{StreamEditInterval: &Duration{100 * time.Millisecond}},
		},
		{
			name:   "query window",
			update: RuntimeConfigUpdate{UserQueryWindow: &Duration{time.Minute}},
			valid:  true,
		},
		{
			name:   "query window too short",
			update: RuntimeConfigUpdate{UserQueryWindow: &Duration{30 * time.Second}},
		},
		{
			name:   "too long message",
			update: RuntimeConfigUpdate{TooLongMessage: ptr("Keep it under %d characters, 100% please")},
			valid:  true,
		},
		{
			name:   "too long message without limit",
			update: RuntimeConfigUpdate{TooLongMessage: ptr("That's too long")},
		},
		{
			name:   "too long message with two limits",
			update: RuntimeConfigUpdate{TooLongMessage: ptr("%d is the limit, %d!")},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				msg := validateRuntimeConfigUpdate(reflect.ValueOf(tc.update))
				if tc.valid {
					assert.Nil(t, msg)
				} else {
					assert.NotNil(t, msg)
				}
			},
		)
	}

	// other types are ignored
	assert.Nil(t, validateRuntimeConfigUpdate(reflect.ValueOf(DefaultRuntimeConfig())))
}

func TestRuntimeConfigUpdate_Binding(t *testing.T) {
	require.NoError(
		t,
		structValidator.Struct(
			RuntimeConfigUpdate{
				CommandPrefix:  ptr("!ask"),
				MaxQueryLength: ptr(100),
				LogLevel:       ptr(DBLogLevelDebug),
			},
		),
	)

	for name, update := range map[string]RuntimeConfigUpdate{
		"empty prefix":        {CommandPrefix: ptr("")},
		"query length":        {MaxQueryLength: ptr(0)},
		"negative limit":      {UserQueryLimit: ptr(-1)},
		"empty message":       {UnavailableMessage: ptr("")},
		"requests per second": {OllamaMaxRequestsPerSecond: ptr(0)},
		"log level":           {APILogLevel: ptr(DBLogLevel("TRACE"))},
	} {
		assert.Error(t, structValidator.Struct(update), name)
	}
}

func TestRuntimeConfigValueChanged(t *testing.T) {
	assert.False(t, runtimeConfigValueChanged("!ai", (*string)(nil)))
	assert.False(t, runtimeConfigValueChanged("!ai", ptr("!ai")))
	assert.True(t, runtimeConfigValueChanged("!ai", ptr("!ask")))
	assert.True(t, runtimeConfigValueChanged(false, ptr(true)))
	assert.False(
		t,
		runtimeConfigValueChanged(Duration{time.Second}, &Duration{time.Second}),
	)
	assert.True(
		t,
		runtimeConfigValueChanged(DBLogLevelInfo, ptr(DBLogLevelDebug)),
	)
	// non-pointers are never treated as updates
	assert.False(t, runtimeConfigValueChanged("!ai", "!ask"))
}

func TestRuntimeConfigChanges(t *testing.T) {
	current := DefaultRuntimeConfig()

	assert.Empty(t, runtimeConfigChanges(current, RuntimeConfigUpdate{}))

	changes := runtimeConfigChanges(
		current,
		RuntimeConfigUpdate{
			CommandPrefix:      ptr(current.CommandPrefix),
			MaxQueryLength:     ptr(500),
			IgnoreBots:         ptr(false),
			StreamEditInterval: &Duration{0},
			WikiLogLevel:       ptr(DBLogLevelError),
		},
	)
	assert.Equal(
		t,
		map[string]any{
			"max_query_length":     500,
			"ignore_bots":          false,
			"stream_edit_interval": Duration{0},
			"wiki_log_level":       DBLogLevelError,
		},
		changes,
	)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.Scan("1m30s"))
	assert.Equal(t, 90*time.Second, d.Duration)
	require.NoError(t, d.Scan([]byte("2s")))
	assert.Equal(t, 2*time.Second, d.Duration)
	assert.Error(t, d.Scan(42))
	assert.Error(t, d.Scan("soon"))

	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "2s", v)

	data, err := json.Marshal(struct {
		D Duration `json:"d"`
	}{D: Duration{time.Minute}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d": "1m0s"}`, string(data))

	var decoded struct {
		D *Duration `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d": "250ms"}`), &decoded))
	require.NotNil(t, decoded.D)
	assert.Equal(t, 250*time.Millisecond, decoded.D.Duration)
	assert.Error(t, json.Unmarshal([]byte(`{"d": "later"}`), &decoded))
}

func TestDBLogLevel(t *testing.T) {
	var l DBLogLevel
	require.NoError(t, l.Set("debug"))
	assert.Equal(t, DBLogLevelDebug, l)
	assert.Equal(t, slog.LevelDebug, l.Level())

	require.NoError(t, l.Scan([]byte("WARN")))
	assert.Equal(t, DBLogLevelWarn, l)
	assert.Error(t, l.Scan(3))
	assert.Error(t, l.Set("INFO+2"))
	assert.Error(t, l.Set("TRACE"))
	assert.Equal(t, DBLogLevelWarn, l)

	v, err := l.Value()
	require.NoError(t, err)
	assert.Equal(t, "WARN", v)

	data, err := json.Marshal(DBLogLevelError)
	require.NoError(t, err)
	assert.Equal(t, `"ERROR"`, string(data))
	require.NoError(t, json.Unmarshal([]byte(`"info"`), &l))
	assert.Equal(t, DBLogLevelInfo, l)
	assert.Error(t, json.Unmarshal([]byte(`"loud"`), &l))

	assert.Equal(t, slog.LevelInfo, DBLogLevel("bogus").Level())
}
