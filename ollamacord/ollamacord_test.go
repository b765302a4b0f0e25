package ollamacord

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(id string, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: "channel-1",
		GuildID:   "guild-1",
		Content:   content,
		Author: &discordgo.User{
			ID:       "user-1",
			Username: "alice",
		},
	}
}

func countQueries(t testing.TB, bot *Ollamacord) int64 {
	t.Helper()
	var count int64
	require.NoError(t, bot.db.Model(&Query{}).Count(&count).Error)
	return count
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestHandleDiscordMessage_Accepted(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	ctx := context.Background()

	bot.handleDiscordMessage(ctx, newTestMessage("msg-1", "!ai   what is 2+2? "))

	assert.Equal(t, []string{reactionThinking}, session.Reactions("msg-1"))
	assert.Empty(t, session.Replies())
	assert.Equal(t, 1, bot.queue.Len())

	q := waitForQueryState(t, bot.db, "msg-1", QueryStateQueued)
	assert.Equal(t, "what is 2+2?", q.Prompt)
	assert.Equal(t, "guild-1", q.ConversationID)
	assert.Equal(t, "user-1", q.UserID)
	assert.Equal(t, "alice", q.Username)

	entries := bot.memory.Entries(ctx, "guild-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "what is 2+2?", entries[0].Content)
	assert.Equal(t, roleUser, entries[0].Role)
	assert.Equal(t, "alice", entries[0].Source)
}

func TestHandleDiscordMessage_Ignored(t *testing.T) {
	tests := []struct {
		name    string
		message func() *discordgo.Message
		setup   func(bot *Ollamacord)
	}{
		{
			name:    "no prefix",
			message: func() *discordgo.Message { return newTestMessage("msg-1", "hello there") },
		},
		{
			name:    "prefix without space",
			message: func() *discordgo.Message { return newTestMessage("msg-1", "!aiwhat") },
		},
		{
			name:    "prefix only",
			message: func() *discordgo.Message { return newTestMessage("msg-1", "!ai  ") },
		},
		{
			name: "bot author",
			message: func() *discordgo.Message {
				m := newTestMessage("msg-1", "!ai hello")
				m.Author.Bot = true
				return m
			},
		},
		{
			name:    "own message",
			message: func() *discordgo.Message { return newTestMessage("msg-1", "!ai hello") },
			setup: func(bot *Ollamacord) {
				bot.discord.setUserID("user-1")
			},
		},
		{
			name: "no author",
			message: func() *discordgo.Message {
				m := newTestMessage("msg-1", "!ai hello")
				m.Author = nil
				return m
			},
		},
		{
			name:    "paused",
			message: func() *discordgo.Message { return newTestMessage("msg-1", "!ai hello") },
			setup: func(bot *Ollamacord) {
				bot.paused.Store(true)
			},
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, session := newTestOllamacord(t, nil)
				if tc.setup != nil {
					tc.setup(bot)
				}
				bot.handleDiscordMessage(context.Background(), tc.message())

				assert.Empty(t, session.Reactions("msg-1"))
				assert.Empty(t, session.Replies())
				assert.Zero(t, bot.queue.Len())
				assert.Zero(t, countQueries(t, bot))
			},
		)
	}
}

func TestHandleDiscordMessage_DroppedFromQueue(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	ctx := context.Background()

	bot.handleDiscordMessage(ctx, newTestMessage("msg-1", "!ai first"))
	bot.handleDiscordMessage(ctx, newTestMessage("msg-2", "!ai second"))
	assert.Equal(t, []string{reactionThinking}, session.Reactions("msg-1"))

	assert.Equal(t, 2, bot.queue.Clear(ctx))
	for _, id := range []string{"msg-1", "msg-2"} {
		assert.Equal(t, []string{reactionFailed}, session.Reactions(id))
		waitForQueryState(t, bot.db, id, QueryStateAborted)
	}
}

func TestHandleDiscordMessage_BotsAllowed(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	bot.runtimeConfig.IgnoreBots = false

	m := newTestMessage("msg-1", "!ai hello")
	m.Author.Bot = true
	bot.handleDiscordMessage(context.Background(), m)

	assert.Equal(t, []string{reactionThinking}, session.Reactions("msg-1"))
	assert.Equal(t, 1, bot.queue.Len())
}

func TestHandleDiscordMessage_CustomPrefix(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	bot.runtimeConfig.CommandPrefix = "!ask"

	bot.handleDiscordMessage(context.Background(), newTestMessage("msg-1", "!ai hello"))
	assert.Zero(t, bot.queue.Len())

	bot.handleDiscordMessage(context.Background(), newTestMessage("msg-2", "!ask hello"))
	assert.Equal(t, []string{reactionThinking}, session.Reactions("msg-2"))
	assert.Equal(t, 1, bot.queue.Len())
}

func TestHandleDiscordMessage_TooLong(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	bot.runtimeConfig.MaxQueryLength = 10

	// exactly at the limit is fine
	bot.handleDiscordMessage(context.Background(), newTestMessage("msg-1", "!ai 0123456789"))
	assert.Equal(t, 1, bot.queue.Len())

	bot.handleDiscordMessage(context.Background(), newTestMessage("msg-2", "!ai 0123456789a"))
	assert.Equal(t, 1, bot.queue.Len())
	assert.Equal(t, []string{reactionTooLong}, session.Reactions("msg-2"))

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "I can only respond to prompts with no more than 10 characters", replies[0].Content)
	require.NotNil(t, replies[0].Reference)
	assert.Equal(t, "msg-2", replies[0].Reference.MessageID)

	q := waitForQueryState(t, bot.db, "msg-2", QueryStateRejected)
	require.NotNil(t, q.Response)
	assert.Equal(t, replies[0].Content, *q.Response)
	assert.NotNil(t, q.FinishedAt)

	// rejected queries aren't added to the conversation history
	entries := bot.memory.Entries(context.Background(), "guild-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "0123456789", entries[0].Content)
}

func TestHandleDiscordMessage_RateLimited(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	bot.runtimeConfig.UserQueryLimit = 1
	bot.runtimeConfig.UserQueryWindow = Duration{time.Hour}
	ctx := context.Background()

	bot.handleDiscordMessage(ctx, newTestMessage("msg-1", "!ai first"))
	assert.Equal(t, []string{reactionThinking}, session.Reactions("msg-1"))

	bot.handleDiscordMessage(ctx, newTestMessage("msg-2", "!ai second"))
	assert.Equal(t, []string{reactionRateLimited}, session.Reactions("msg-2"))
	assert.Equal(t, 1, bot.queue.Len())

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.True(
		t,
		strings.HasPrefix(replies[0].Content, DefaultRateLimitMessage+" "),
		replies[0].Content,
	)
	assert.Contains(t, replies[0].Content, "from now")
	waitForQueryState(t, bot.db, "msg-2", QueryStateRateLimited)

	// another user isn't limited
	other := newTestMessage("msg-3", "!ai third")
	other.Author = &discordgo.User{ID: "user-2", Username: "bob"}
	bot.handleDiscordMessage(ctx, other)
	assert.Equal(t, []string{reactionThinking}, session.Reactions("msg-3"))
	assert.Equal(t, 2, bot.queue.Len())
}

func TestUserQueryAvailable(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	ctx := context.Background()
	now := time.Now()
	cfg := bot.RuntimeConfig()
	cfg.UserQueryLimit = 2
	cfg.UserQueryWindow = Duration{time.Hour}

	for i, state := range []QueryState{QueryStateCompleted, QueryStateRejected, QueryStateAborted} {
		q := newQueueTestQuery(fmt.Sprintf("msg-%d", i), now.Add(-10*time.Minute))
		q.State = state
		_, err := bot.writeDB.Create(ctx, q)
		require.NoError(t, err)
	}

	// rejected and aborted queries don't count
	_, ok, err := bot.userQueryAvailable(ctx, "user-1", cfg, now)
	require.NoError(t, err)
	assert.True(t, ok)

	q := newQueueTestQuery("msg-failed", now.Add(-5*time.Minute))
	q.State = QueryStateFailed
	_, err = bot.writeDB.Create(ctx, q)
	require.NoError(t, err)

	availableAt, ok, err := bot.userQueryAvailable(ctx, "user-1", cfg, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.WithinDuration(t, now.Add(50*time.Minute), availableAt, time.Second)

	_, ok, err = bot.userQueryAvailable(ctx, "user-2", cfg, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun(t *testing.T) {
	ollama := newFakeOllama(t, nil)
	bot, session := newTestOllamacord(t, ollama)
	startTestOllamacord(t, bot)

	session.mu.Lock()
	assert.Equal(t, 1, session.opened)
	assert.Equal(t, 4, session.handlers)
	require.NotNil(t, session.identify)
	assert.Equal(t, bot.config.Discord.GatewayIntents, session.identify.Intents)
	session.mu.Unlock()

	assert.True(t, bot.ollama.Available())

	bot.handleDiscordMessage(context.Background(), newTestMessage("msg-1", "!ai what is the answer?"))
	q := waitForQueryState(t, bot.db, "msg-1", QueryStateCompleted)
	require.NotNil(t, q.Response)
	assert.Contains(t, *q.Response, fakeOllamaAnswer)

	assert.Eventually(
		t,
		func() bool {
			return session.EverReacted("msg-1", reactionSuccess)
		},
		5*time.Second,
		10*time.Millisecond,
	)
	assert.NotContains(t, session.Reactions("msg-1"), reactionThinking)

	entries := bot.memory.Entries(context.Background(), "guild-1")
	require.Len(t, entries, 2)
	assert.Equal(t, roleBot, entries[1].Role)
	assert.Equal(t, sourceBot, entries[1].Source)
}

func TestRun_PausedQueriesWait(t *testing.T) {
	ollama := newFakeOllama(t, nil)
	bot, _ := newTestOllamacord(t, ollama)
	startTestOllamacord(t, bot)
	ctx := context.Background()

	require.True(t, bot.Pause(ctx))
	require.NoError(t, bot.queue.Push(ctx, newQueueTestQuery("msg-1", time.Now())))

	// several queue polls while paused
	time.Sleep(10 * bot.config.Queue.SleepPaused)
	var q Query
	require.NoError(t, bot.db.Where("message_id = ?", "msg-1").Last(&q).Error)
	assert.Equal(t, QueryStateQueued, q.State)
	assert.Empty(t, ollama.Requests())

	require.True(t, bot.Resume(ctx))
	waitForQueryState(t, bot.db, "msg-1", QueryStateCompleted)
}

func TestPauseResume(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	ctx := context.Background()

	require.True(t, bot.Pause(ctx))
	assert.False(t, bot.Pause(ctx))
	assert.True(t, bot.paused.Load())
	assert.Equal(t, []string{string(discordgo.StatusDoNotDisturb)}, session.Statuses())

	var saved RuntimeConfig
	require.NoError(t, bot.db.Last(&saved).Error)
	assert.True(t, saved.Paused)
	assert.True(t, bot.RuntimeConfig().Paused)

	require.True(t, bot.Resume(ctx))
	assert.False(t, bot.Resume(ctx))
	assert.False(t, bot.paused.Load())
	assert.Equal(
		t,
		[]string{string(discordgo.StatusDoNotDisturb), DefaultDiscordCustomStatus},
		session.Statuses(),
	)

	require.NoError(t, bot.db.Last(&saved).Error)
	assert.False(t, saved.Paused)
}

func TestUpdateRuntimeConfig(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	ctx := context.Background()

	maxLength := 100
	status := "answering questions"
	prefix := "!ai"
	updated, err := bot.UpdateRuntimeConfig(
		ctx,
		RuntimeConfigUpdate{
			MaxQueryLength:      &maxLength,
			DiscordCustomStatus: &status,
			CommandPrefix:       &prefix,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 100, updated.MaxQueryLength)
	assert.Equal(t, status, updated.DiscordCustomStatus)
	assert.Equal(t, updated, bot.RuntimeConfig())
	assert.Equal(t, []string{status}, session.Statuses())

	var saved RuntimeConfig
	require.NoError(t, bot.db.Last(&saved).Error)
	assert.Equal(t, 100, saved.MaxQueryLength)
	assert.Equal(t, status, saved.DiscordCustomStatus)

	// nothing changed
	unchanged, err := bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{MaxQueryLength: &maxLength})
	require.NoError(t, err)
	assert.Equal(t, updated, unchanged)
}

func TestUpdateRuntimeConfig_Gateway(t *testing.T) {
	bot, session := newTestOllamacord(t, nil)
	ctx := context.Background()

	disabled := false
	_, err := bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{DiscordGatewayEnabled: &disabled})
	require.NoError(t, err)
	session.mu.Lock()
	assert.Equal(t, 1, session.closed)
	session.mu.Unlock()

	enabled := true
	_, err = bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{DiscordGatewayEnabled: &enabled})
	require.NoError(t, err)
	session.mu.Lock()
	assert.Equal(t, 1, session.opened)
	require.NotNil(t, session.identify)
	assert.Equal(t, DefaultDiscordCustomStatus, session.identify.Presence.Status)
	session.mu.Unlock()
}

func TestUpdateRuntimeConfig_LogLevels(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	level := DBLogLevelDebug
	rps := 3
	_, err := bot.UpdateRuntimeConfig(
		context.Background(),
		RuntimeConfigUpdate{OllamaLogLevel: &level, OllamaMaxRequestsPerSecond: &rps},
	)
	require.NoError(t, err)
	assert.Equal(t, level.Level(), bot.config.Ollama.LogLevel.Level())
	assert.Equal(t, 3, bot.RuntimeConfig().OllamaMaxRequestsPerSecond)
}

func TestRefreshRuntimeConfig(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	ctx := context.Background()

	id := bot.RuntimeConfig().ID
	require.NoError(
		t,
		bot.db.Model(&RuntimeConfig{}).
			Where("id = ?", id).
			Updates(map[string]any{"command_prefix": "!ask", "paused": true}).Error,
	)

	bot.refreshRuntimeConfig(ctx, true)
	assert.Equal(t, "!ask", bot.RuntimeConfig().CommandPrefix)
	assert.True(t, bot.paused.Load())
}

func TestClearHistory(t *testing.T) {
	bot, _ := newTestOllamacord(t, nil)
	ctx := context.Background()
	bot.memory.Add(ctx, "guild-1", roleUser, "hello", "alice")
	bot.memory.Add(ctx, "guild-1", roleBot, "hi", sourceBot)

	deleted, err := bot.ClearHistory(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Empty(t, bot.memory.Entries(ctx, "guild-1"))
}
