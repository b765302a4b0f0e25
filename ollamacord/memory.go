package ollamacord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	summaryRole   = "system"
	summarySource = "summary"

	summaryPrefix         = "Conversation summary: "
	previousSummaryPrefix = "Previous conversation summary: "
)

const createSummaryPrompt = `Create a 150-word summary of this message:

%s

Summary:`

const updateSummaryPrompt = `Update this conversation summary to include the %s. Keep the total summary under 150 words:

Current summary: %s

New message to add: %s

Updated summary:`

var columnHistoryConversationID = "conversation_id"

// HistoryEntry is a message in a conversation's history, or the
// conversation's rolling summary
type HistoryEntry struct {
	ModelUintID
	ModelUnixTime

	ConversationID string    `json:"conversation_id" gorm:"index;not null"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	IsSummary      bool      `json:"is_summary"`
}

func (h HistoryEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(h.ID)),
		slog.String("conversation_id", h.ConversationID),
		slog.String("role", h.Role),
		slog.String("source", h.Source),
		slog.Bool("is_summary", h.IsSummary),
	)
}

// historyMessage is the form of an entry shown to the summary model
type historyMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (h HistoryEntry) message() historyMessage {
	return historyMessage{
		Role:      h.Role,
		Content:   h.Content,
		Source:    h.Source,
		Timestamp: h.Timestamp.UTC().Format(time.RFC3339),
	}
}

type conversationHistory struct {
	mu      sync.Mutex
	loaded  bool
	entries []*HistoryEntry
	summary *HistoryEntry
}

// ConversationMemory keeps a window of recent messages for each
// conversation. Messages that fall out of the window are folded into a
// summary by the summary model.
type ConversationMemory struct {
	maxLength int
	llm       *Ollama
	writeDB   DBI
	logger    *slog.Logger

	conversations map[string]*conversationHistory
	mu            sync.Mutex
}

func NewConversationMemory(
	config *MemoryConfig,
	llm *Ollama,
	logger *slog.Logger,
) *ConversationMemory {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationMemory{
		maxLength:     config.MaxLength,
		llm:           llm,
		logger:        logger,
		conversations: map[string]*conversationHistory{},
	}
}

func (m *ConversationMemory) history(conversationID string) *conversationHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.conversations[conversationID]
	if !ok {
		h = &conversationHistory{}
		m.conversations[conversationID] = h
	}
	return h
}

// load reads a conversation's saved history, the first time it's used.
// The caller must hold h.mu.
func (m *ConversationMemory) load(
	ctx context.Context,
	conversationID string,
	h *conversationHistory,
) {
	if h.loaded {
		return
	}
	h.loaded = true
	if m.writeDB == nil {
		return
	}

	var saved []*HistoryEntry
	if err := m.writeDB.DB().WithContext(ctx).
		Where(columnHistoryConversationID+" = ?", conversationID).
		Order("id").
		Find(&saved).Error; err != nil {
		m.logger.ErrorContext(
			ctx,
			"error loading conversation history",
			"conversation_id", conversationID,
			tint.Err(err),
		)
		return
	}

	for _, e := range saved {
		if e.IsSummary {
			h.summary = e
			continue
		}
		h.entries = append(h.entries, e)
	}
	if m.maxLength > 0 && len(h.entries) > m.maxLength {
		h.entries = h.entries[len(h.entries)-m.maxLength:]
	}
	m.logger.DebugContext(
		ctx,
		"loaded conversation history",
		"conversation_id", conversationID,
		"entries", len(h.entries),
		"has_summary", h.summary != nil,
	)
}

// Add records a message in a conversation's history
func (m *ConversationMemory) Add(
	ctx context.Context,
	conversationID string,
	role string,
	content string,
	source string,
) {
	logger := loggerOrDefault(ctx, m.logger).With("conversation_id", conversationID)
	h := m.history(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	m.load(ctx, conversationID, h)

	entry := &HistoryEntry{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Source:         source,
		Timestamp:      time.Now().UTC(),
	}

	if m.maxLength == 0 {
		summary, err := m.fold(ctx, h.summary, entry, "new message")
		if err != nil {
			logger.ErrorContext(ctx, "error updating conversation summary", tint.Err(err))
			return
		}
		m.setSummary(ctx, conversationID, h, summaryPrefix+summary)
		return
	}

	for len(h.entries) >= m.maxLength {
		evicted := h.entries[0]
		h.entries = h.entries[1:]
		summary, err := m.fold(ctx, h.summary, evicted, "rolled-off message")
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error updating conversation summary, dropping oldest message",
				tint.Err(err),
			)
		} else {
			m.setSummary(ctx, conversationID, h, previousSummaryPrefix+summary)
		}
		m.deleteEntry(ctx, evicted)
	}

	h.entries = append(h.entries, entry)
	if m.writeDB != nil {
		if _, err := m.writeDB.Create(ctx, entry); err != nil {
			logger.ErrorContext(ctx, "error saving history entry", tint.Err(err))
		}
	}
}

// fold asks the summary model to fold entry into the current summary,
// or to summarize entry alone if there's no summary yet
func (m *ConversationMemory) fold(
	ctx context.Context,
	current *HistoryEntry,
	entry *HistoryEntry,
	description string,
) (string, error) {
	if m.llm == nil || !m.llm.Available() {
		return "", ErrOllamaUnavailable
	}
	data, err := json.MarshalIndent(entry.message(), "", "  ")
	if err != nil {
		return "", err
	}

	var prompt string
	if current == nil {
		prompt = fmt.Sprintf(createSummaryPrompt, data)
	} else {
		prompt = fmt.Sprintf(updateSummaryPrompt, description, current.Content, data)
	}
	summary, err := m.llm.Chat(
		ctx,
		purposeMemorySummary,
		m.llm.SummaryModel(),
		[]ChatMessage{{Role: RoleUser, Content: prompt}},
	)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

func (m *ConversationMemory) setSummary(
	ctx context.Context,
	conversationID string,
	h *conversationHistory,
	content string,
) {
	if h.summary == nil {
		h.summary = &HistoryEntry{
			ConversationID: conversationID,
			Role:           summaryRole,
			Source:         summarySource,
			IsSummary:      true,
		}
	}
	h.summary.Content = content
	h.summary.Timestamp = time.Now().UTC()
	if m.writeDB == nil {
		return
	}
	if _, err := m.writeDB.Save(ctx, h.summary); err != nil {
		loggerOrDefault(ctx, m.logger).ErrorContext(
			ctx,
			"error saving conversation summary",
			"conversation_id", conversationID,
			tint.Err(err),
		)
	}
}

func (m *ConversationMemory) deleteEntry(ctx context.Context, entry *HistoryEntry) {
	if m.writeDB == nil || entry.ID == 0 {
		return
	}
	if _, err := m.writeDB.Delete(ctx, entry); err != nil {
		loggerOrDefault(ctx, m.logger).ErrorContext(
			ctx,
			"error deleting history entry",
			"entry", entry,
			tint.Err(err),
		)
	}
}

// Render formats a conversation's history for a prompt: the summary,
// if any, followed by one line per message
func (m *ConversationMemory) Render(ctx context.Context, conversationID string) string {
	entries := m.Entries(ctx, conversationID)
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsSummary {
			lines = append(lines, e.Content)
			continue
		}
		lines = append(
			lines,
			fmt.Sprintf(
				"[%s] %s (%s): %s",
				e.Timestamp.UTC().Format(time.RFC3339),
				e.Source,
				e.Role,
				e.Content,
			),
		)
	}
	return strings.Join(lines, "\n")
}

// Entries returns a copy of a conversation's history, summary first
func (m *ConversationMemory) Entries(ctx context.Context, conversationID string) []HistoryEntry {
	h := m.history(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	m.load(ctx, conversationID, h)

	entries := make([]HistoryEntry, 0, len(h.entries)+1)
	if h.summary != nil {
		entries = append(entries, *h.summary)
	}
	for _, e := range h.entries {
		entries = append(entries, *e)
	}
	return entries
}

// Forget drops the in-memory copy of a conversation's history. It's
// reloaded from the database on next use.
func (m *ConversationMemory) Forget(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, conversationID)
}

// Clear deletes a conversation's history, returning the number of
// entries removed
func (m *ConversationMemory) Clear(ctx context.Context, conversationID string) (int64, error) {
	h := m.history(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()

	var deleted int64
	if m.writeDB != nil {
		n, err := m.writeDB.Delete(
			ctx,
			&HistoryEntry{},
			columnHistoryConversationID+" = ?",
			conversationID,
		)
		if err != nil {
			return 0, err
		}
		deleted = n
	} else {
		deleted = int64(len(h.entries))
		if h.summary != nil {
			deleted++
		}
	}
	h.entries = nil
	h.summary = nil
	m.Forget(conversationID)
	return deleted, nil
}
