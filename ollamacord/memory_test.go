package ollamacord

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSummary = "the user asked a question"

func newTestMemory(t testing.TB, fake *fakeOllama, maxLength int, withDB bool) *ConversationMemory {
	t.Helper()
	var llm *Ollama
	if fake != nil {
		llm = newTestOllama(t, fake, ollamaAPIModeNative)
	}
	m := NewConversationMemory(&MemoryConfig{MaxLength: maxLength}, llm, newTestLogger(t))
	if withDB {
		m.writeDB = NewDatabase(setupTestDB(t), newTestLogger(t), false)
	}
	return m
}

func historyContents(entries []HistoryEntry) []string {
	contents := make([]string, 0, len(entries))
	for _, e := range entries {
		contents = append(contents, e.Content)
	}
	return contents
}

func TestConversationMemory_Add(t *testing.T) {
	t.Parallel()
	fake := newFakeOllama(t, nil)
	m := newTestMemory(t, fake, 2, true)
	ctx := context.Background()

	m.Add(ctx, "guild-1", roleUser, "first", "alice")
	m.Add(ctx, "guild-1", roleBot, "second", sourceBot)
	assert.Equal(t, []string{"first", "second"}, historyContents(m.Entries(ctx, "guild-1")))
	assert.Empty(t, fake.Requests())

	// the oldest message is folded into a new summary
	m.Add(ctx, "guild-1", roleUser, "third", "alice")
	entries := m.Entries(ctx, "guild-1")
	assert.Equal(
		t,
		[]string{previousSummaryPrefix + testSummary, "second", "third"},
		historyContents(entries),
	)
	assert.True(t, entries[0].IsSummary)
	assert.Equal(t, summaryRole, entries[0].Role)

	requests := fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultOllamaSummaryModel, requests[0].Model)
	assert.Contains(t, lastMessage(requests[0]), "Create a 150-word summary of this message:")
	assert.Contains(t, lastMessage(requests[0]), `"content": "first"`)

	// and later ones update it
	m.Add(ctx, "guild-1", roleBot, "fourth", sourceBot)
	requests = fake.Requests()
	require.Len(t, requests, 2)
	prompt := lastMessage(requests[1])
	assert.Contains(t, prompt, "include the rolled-off message")
	assert.Contains(t, prompt, "Current summary: "+previousSummaryPrefix+testSummary)
	assert.Contains(t, prompt, `"content": "second"`)

	// other conversations are separate
	assert.Empty(t, m.Entries(ctx, "guild-2"))

	var saved []HistoryEntry
	require.NoError(t, m.writeDB.DB().Order("id").Find(&saved).Error)
	assert.Equal(
		t,
		[]string{previousSummaryPrefix + testSummary, "third", "fourth"},
		historyContents(saved),
	)
}

func TestConversationMemory_SummaryOnly(t *testing.T) {
	t.Parallel()
	fake := newFakeOllama(t, nil)
	m := newTestMemory(t, fake, 0, false)
	ctx := context.Background()

	m.Add(ctx, "guild-1", roleUser, "hello", "alice")
	m.Add(ctx, "guild-1", roleBot, "hi there", sourceBot)

	entries := m.Entries(ctx, "guild-1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsSummary)
	assert.Equal(t, summaryPrefix+testSummary, entries[0].Content)

	requests := fake.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, lastMessage(requests[1]), "include the new message")
}

func TestConversationMemory_Unavailable(t *testing.T) {
	t.Parallel()
	fake := newFakeOllama(t, nil)
	m := newTestMemory(t, fake, 1, true)
	m.llm.available.Store(false)
	ctx := context.Background()

	m.Add(ctx, "guild-1", roleUser, "first", "alice")
	m.Add(ctx, "guild-1", roleUser, "second", "alice")

	// the evicted message is dropped without a summary
	assert.Equal(t, []string{"second"}, historyContents(m.Entries(ctx, "guild-1")))
	assert.Empty(t, fake.Requests())

	var count int64
	require.NoError(t, m.writeDB.DB().Model(&HistoryEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestConversationMemory_Reload(t *testing.T) {
	t.Parallel()
	fake := newFakeOllama(t, nil)
	m := newTestMemory(t, fake, 2, true)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		m.Add(ctx, "guild-1", roleUser, content, "alice")
	}
	want := historyContents(m.Entries(ctx, "guild-1"))

	m.Forget("guild-1")
	assert.Equal(t, want, historyContents(m.Entries(ctx, "guild-1")))

	// a new memory with a smaller window only keeps the newest messages
	reloaded := NewConversationMemory(&MemoryConfig{MaxLength: 1}, m.llm, newTestLogger(t))
	reloaded.writeDB = m.writeDB
	assert.Equal(
		t,
		[]string{previousSummaryPrefix + testSummary, "three"},
		historyContents(reloaded.Entries(ctx, "guild-1")),
	)
}

func TestConversationMemory_Clear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, withDB := range []bool{true, false} {
		fake := newFakeOllama(t, nil)
		m := newTestMemory(t, fake, 2, withDB)
		for _, content := range []string{"one", "two", "three"} {
			m.Add(ctx, "guild-1", roleUser, content, "alice")
		}
		m.Add(ctx, "guild-2", roleUser, "elsewhere", "bob")

		deleted, err := m.Clear(ctx, "guild-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted)
		assert.Empty(t, m.Entries(ctx, "guild-1"))
		assert.Equal(t, []string{"elsewhere"}, historyContents(m.Entries(ctx, "guild-2")))

		deleted, err = m.Clear(ctx, "guild-1")
		require.NoError(t, err)
		assert.Zero(t, deleted)
	}
}

func TestConversationMemory_Render(t *testing.T) {
	t.Parallel()
	fake := newFakeOllama(t, nil)
	m := newTestMemory(t, fake, 1, false)
	ctx := context.Background()

	assert.Equal(t, "", m.Render(ctx, "guild-1"))

	m.Add(ctx, "guild-1", roleUser, "hello", "alice")
	assert.Regexp(
		t,
		regexp.MustCompile(`^\[\d{4}-\d\d-\d\dT\d\d:\d\d:\d\dZ\] alice \(user\): hello$`),
		m.Render(ctx, "guild-1"),
	)

	m.Add(ctx, "guild-1", roleBot, "hi there", sourceBot)
	assert.Regexp(
		t,
		regexp.MustCompile(
			`^`+regexp.QuoteMeta(previousSummaryPrefix+testSummary)+
				`\n\[[^\]]+\] Ollama \(bot\): hi there$`,
		),
		m.Render(ctx, "guild-1"),
	)
}
