package ollamacord

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	QueryStateReceived    QueryState = "received"
	QueryStateQueued      QueryState = "queued"
	QueryStateInProgress  QueryState = "in_progress"
	QueryStateCompleted   QueryState = "completed"
	QueryStateFailed      QueryState = "failed"
	QueryStateExpired     QueryState = "expired"
	QueryStateAborted     QueryState = "aborted"
	QueryStateRejected    QueryState = "rejected"
	QueryStateRateLimited QueryState = "rate_limited"
)

const (
	QueryStepEnqueue        QueryStep = "enqueue"
	QueryStepThinking       QueryStep = "thinking"
	QueryStepSelectingTools QueryStep = "selecting_tools"
	QueryStepUsingTools     QueryStep = "using_tools"
	QueryStepAskingOllama   QueryStep = "asking_ollama"
	QueryStepResponding     QueryStep = "responding"
)

const (
	reactionThinking    = "🤔"
	reactionSuccess     = "✅"
	reactionToolsUsed   = "🔨"
	reactionFailed      = "❌"
	reactionTooLong     = "📏"
	reactionRateLimited = "⏳"

	thinkingMessage = "*Thinking...*"

	roleUser   = "user"
	roleBot    = "bot"
	sourceBot  = "Ollama"
	promptTmpl = "Refer to this conversation history, but do not directly mention it: %s " +
		"Respond to this prompt in fewer than %d characters: %s."
	referencesHeader = "\n\n**References:**\n"
)

var allQueryStates = []QueryState{
	QueryStateReceived,
	QueryStateQueued,
	QueryStateInProgress,
	QueryStateCompleted,
	QueryStateFailed,
	QueryStateExpired,
	QueryStateAborted,
	QueryStateRejected,
	QueryStateRateLimited,
}

var (
	ErrQueryTooOld = errors.New("query too old")

	errNoToolResults = errors.New("no tool results")
)

var (
	columnQueryState          = "state"
	columnQueryStep           = "step"
	columnQueryResponse       = "response"
	columnQueryError          = "error"
	columnQueryStartedAt      = "started_at"
	columnQueryFinishedAt     = "finished_at"
	columnQueryReplyMessageID = "reply_message_id"
	columnQueryTools          = "tools"
	columnQueryReferences     = "references"
	columnQueryUserID         = "user_id"
	columnQueryCreatedAt      = "created_at"
	columnQueryConversationID = "conversation_id"
)

// QueryState is the current or final processing state of a Query
type QueryState string

// IsFinal returns true if a Query in this state won't be processed
// any further
func (s QueryState) IsFinal() bool {
	switch s {
	case QueryStateCompleted, QueryStateFailed, QueryStateExpired,
		QueryStateAborted, QueryStateRejected, QueryStateRateLimited:
		return true
	default:
		return false
	}
}

// countsTowardLimit reports whether a Query in this state counts toward
// a user's query limit
func (s QueryState) countsTowardLimit() bool {
	switch s {
	case QueryStateReceived, QueryStateQueued, QueryStateInProgress,
		QueryStateCompleted, QueryStateFailed:
		return true
	default:
		return false
	}
}

func (s QueryState) String() string {
	return string(s)
}

// QueryStep is the step a Query is currently on while being answered
type QueryStep string

func (s QueryStep) String() string {
	return string(s)
}

// StringList is a list of strings stored as a JSON array
type StringList []string

func (l *StringList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	return string(data), err
}

func (StringList) GormDataType() string {
	return "string"
}

// Query is a question asked by a discord user with the command prefix,
// and the answer given
type Query struct {
	ModelUintID
	ModelUnixTime

	// ConversationID is the guild ID, or 'dm:<channel ID>' for direct messages
	ConversationID string `json:"conversation_id" gorm:"index;not null"`

	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id" gorm:"not null"`

	// MessageID is the ID of the discord message containing the query
	MessageID string `json:"message_id" gorm:"index"`

	// ReplyMessageID is the ID of the bot's reply
	ReplyMessageID string `json:"reply_message_id"`

	UserID   string `json:"user_id" gorm:"index;not null"`
	Username string `json:"username"`

	// Prompt is the question, without the command prefix
	Prompt string `json:"prompt"`

	// Response is the final text sent to the user
	Response *string `json:"response"`

	// Tools used to answer the query
	Tools StringList `json:"tools"`

	// References appended to the response
	References StringList `json:"references"`

	State QueryState `json:"state" gorm:"index"`
	Step  QueryStep  `json:"step"`
	Error *string    `json:"error"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`

	// heap index
	index int
}

func (q Query) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(q.ID)),
		slog.String(columnQueryConversationID, q.ConversationID),
		slog.String("channel_id", q.ChannelID),
		slog.String("message_id", q.MessageID),
		slog.String(columnQueryUserID, q.UserID),
		slog.String("username", q.Username),
		slog.String(columnQueryState, q.State.String()),
		slog.String(columnQueryStep, q.Step.String()),
	)
}

// Age returns how long ago the Query was created
func (q Query) Age() time.Duration {
	return time.Since(time.UnixMilli(q.CreatedAt))
}

func (q Query) messageReference() *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: q.MessageID,
		ChannelID: q.ChannelID,
		GuildID:   q.GuildID,
	}
}

// newQuery returns a Query for the given message and prompt
func newQuery(m *discordgo.Message, prompt string) *Query {
	q := &Query{
		ConversationID: conversationKey(m),
		GuildID:        m.GuildID,
		ChannelID:      m.ChannelID,
		MessageID:      m.ID,
		Prompt:         prompt,
		State:          QueryStateReceived,
	}
	if m.Author != nil {
		q.UserID = m.Author.ID
		q.Username = m.Author.Username
	}
	return q
}

// conversationKey returns the key used for conversation memory. Messages
// in a guild share the guild's memory, and each DM channel has its own.
func conversationKey(m *discordgo.Message) string {
	if m.GuildID == "" {
		return "dm:" + m.ChannelID
	}
	return m.GuildID
}

// parseCommand returns the query following prefix in content. The
// prefix must be the first space-separated token.
func parseCommand(content string, prefix string) (string, bool) {
	tokens := strings.Split(content, " ")
	if len(tokens) == 0 || tokens[0] != prefix {
		return "", false
	}
	query := strings.TrimSpace(strings.Join(tokens[1:], " "))
	return query, query != ""
}

// buildChatMessages returns the messages sent to the model to answer a query
func buildChatMessages(
	systemPrompt string,
	toolContext string,
	history string,
	query string,
) []ChatMessage {
	messages := make([]ChatMessage, 0, 3)
	if systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	}
	if toolContext != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: toolContext})
	}
	messages = append(
		messages,
		ChatMessage{
			Role:    RoleUser,
			Content: fmt.Sprintf(promptTmpl, history, discordMaxMessageLength, query),
		},
	)
	return messages
}

// formatAnswer appends the references block to answer, shortening the
// answer so the whole message fits within limit. If the references alone
// don't fit, they're dropped.
func formatAnswer(answer string, references []string, limit int) string {
	if len(references) == 0 {
		return shortenString(answer, limit)
	}
	var sb strings.Builder
	sb.WriteString(referencesHeader)
	for _, ref := range references {
		sb.WriteString("• ")
		sb.WriteString(ref)
		sb.WriteString("\n")
	}
	refBlock := sb.String()
	available := limit - len([]rune(refBlock))
	if available <= 0 {
		return shortenString(answer, limit)
	}
	return shortenString(answer, available) + refBlock
}

// queryRun holds the state of a Query while it's being answered
type queryRun struct {
	o      *Ollamacord
	q      *Query
	cfg    RuntimeConfig
	logger *slog.Logger

	reply *discordgo.Message

	// tool reactions currently on the user's message
	toolReactions []string
	references    map[string]struct{}
	tools         []string
}

// answerQuery answers q, replying to the user in discord and recording
// the outcome.
func (o *Ollamacord) answerQuery(ctx context.Context, q *Query) {
	logger := loggerOrDefault(ctx, o.logger).With("query", q)
	ctx = WithLogger(WithQueryID(ctx, q.ID), logger)

	startedAt := time.Now().UTC()
	q.StartedAt = &startedAt
	q.State = QueryStateInProgress
	q.Step = QueryStepThinking
	if _, err := o.writeDB.Updates(
		ctx, q, map[string]any{
			columnQueryState:     QueryStateInProgress,
			columnQueryStep:      QueryStepThinking,
			columnQueryStartedAt: &startedAt,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating query state", tint.Err(err))
	}

	run := &queryRun{
		o:          o,
		q:          q,
		cfg:        o.RuntimeConfig(),
		logger:     logger,
		references: map[string]struct{}{},
	}
	if err := run.execute(ctx); err != nil {
		logger.ErrorContext(ctx, "error answering query", tint.Err(err))
		run.fail(ctx, err)
		return
	}
	logger.InfoContext(
		ctx,
		"answered query",
		"duration", time.Since(startedAt),
		"tools", run.tools,
	)
}

func (r *queryRun) execute(ctx context.Context) error {
	o := r.o
	q := r.q
	session := o.discord.session

	reply, err := session.ChannelMessageSendReply(
		q.ChannelID,
		thinkingMessage,
		q.messageReference(),
	)
	if err != nil {
		return fmt.Errorf("error sending reply: %w", err)
	}
	r.reply = reply
	q.ReplyMessageID = reply.ID

	var selected []Tool
	if r.cfg.ToolsEnabled && o.tools != nil {
		r.setStep(ctx, QueryStepSelectingTools)
		selected = o.tools.Select(ctx, o.ollama, q.Prompt)
	}

	var lookups []toolLookup
	if len(selected) > 0 {
		r.setStep(ctx, QueryStepUsingTools)
		lookups = r.useTools(ctx, selected)
	}

	r.setStep(ctx, QueryStepAskingOllama)
	messages := buildChatMessages(
		r.cfg.SystemPrompt,
		buildToolContext(lookups),
		o.memory.Render(ctx, q.ConversationID),
		q.Prompt,
	)
	answer, err := r.stream(ctx, messages)
	switch {
	case errors.Is(err, ErrOllamaUnavailable):
		r.logger.WarnContext(ctx, "ollama unavailable, sending unavailable message")
		answer = r.cfg.UnavailableMessage
	case err != nil:
		return err
	}
	if strings.TrimSpace(answer) == "" {
		answer = r.cfg.EmptyResponseMessage
	}

	r.setStep(ctx, QueryStepResponding)
	references := make([]string, 0, len(r.references))
	for ref := range r.references {
		references = append(references, ref)
	}
	slices.Sort(references)
	final := formatAnswer(strings.TrimSpace(answer), references, discordMaxMessageLength)

	if _, err = session.ChannelMessageEdit(q.ChannelID, reply.ID, final); err != nil {
		return fmt.Errorf("error editing reply: %w", err)
	}

	r.removeReaction(ctx, reactionThinking)
	r.addReaction(ctx, reactionSuccess)
	if len(r.toolReactions) > 0 {
		r.addReaction(ctx, reactionToolsUsed)
	}

	o.memory.Add(ctx, q.ConversationID, roleBot, final, sourceBot)

	finishedAt := time.Now().UTC()
	q.State = QueryStateCompleted
	q.Response = &final
	q.FinishedAt = &finishedAt
	q.Tools = r.tools
	q.References = references
	if _, err = o.writeDB.Updates(
		ctx, q, map[string]any{
			columnQueryState:          QueryStateCompleted,
			columnQueryStep:           "",
			columnQueryResponse:       &final,
			columnQueryFinishedAt:     &finishedAt,
			columnQueryReplyMessageID: reply.ID,
			columnQueryTools:          q.Tools,
			columnQueryReferences:     q.References,
		},
	); err != nil {
		r.logger.ErrorContext(ctx, "error saving completed query", tint.Err(err))
	}
	return nil
}

// stream asks the model for an answer. If StreamEditInterval is set, the
// reply is edited with the partial answer at most once per interval.
func (r *queryRun) stream(ctx context.Context, messages []ChatMessage) (string, error) {
	interval := r.cfg.StreamEditInterval.Duration
	lastEdit := time.Now()

	return r.o.ollama.ChatStream(
		ctx,
		purposeAnswer,
		r.o.ollama.ChatModel(),
		messages,
		func(partial string) {
			if interval <= 0 || r.reply == nil || time.Since(lastEdit) < interval {
				return
			}
			lastEdit = time.Now()
			content := shortenString(strings.TrimSpace(partial), discordMaxMessageLength)
			if content == "" {
				return
			}
			if _, err := r.o.discord.session.ChannelMessageEdit(
				r.q.ChannelID,
				r.reply.ID,
				content,
			); err != nil {
				r.logger.WarnContext(ctx, "error editing reply with partial answer", tint.Err(err))
			}
		},
	)
}

// useTools runs each selected tool, returning the successful lookups.
// A tool's reaction is removed if it fails.
func (r *queryRun) useTools(ctx context.Context, tools []Tool) []toolLookup {
	lookups := make([]toolLookup, 0, len(tools))
	for _, tool := range tools {
		logger := r.logger.With("tool", tool.Name())
		reaction := tool.Reaction()
		if reaction != "" {
			r.addReaction(ctx, reaction)
			r.toolReactions = append(r.toolReactions, reaction)
		}

		lookup, err := r.lookup(ctx, tool)
		if err != nil {
			logger.ErrorContext(ctx, "error using tool", tint.Err(err))
			if reaction != "" {
				r.removeReaction(ctx, reaction)
				r.toolReactions = slices.DeleteFunc(
					r.toolReactions,
					func(s string) bool { return s == reaction },
				)
			}
			continue
		}
		logger.InfoContext(ctx, "tool lookup succeeded", "term", lookup.Term, "type", lookup.Result.Type)
		lookups = append(lookups, lookup)
		r.tools = append(r.tools, tool.Name())
	}
	return lookups
}

func (r *queryRun) lookup(ctx context.Context, tool Tool) (toolLookup, error) {
	term, urls, err := tool.ExtractSearchTerm(ctx, r.q.Prompt)
	if err != nil {
		r.logger.WarnContext(ctx, "unable to extract search term", tint.Err(err))
		term = ""
	}
	if len(urls) > 0 {
		r.addReferences(urls)
		if r.reply != nil {
			content := fmt.Sprintf("%s\n*%s*", thinkingMessage, tool.SearchMessage(term))
			if _, editErr := r.o.discord.session.ChannelMessageEdit(
				r.q.ChannelID,
				r.reply.ID,
				shortenString(content, discordMaxMessageLength),
			); editErr != nil {
				r.logger.WarnContext(ctx, "error editing reply with search message", tint.Err(editErr))
			}
		}
	}

	if term != "" {
		result, lookupErr := tool.Lookup(ctx, term)
		if lookupErr != nil {
			return toolLookup{}, lookupErr
		}
		if result.Type == ToolResultError {
			return toolLookup{}, fmt.Errorf("%s: %s", tool.Name(), result.Content)
		}
		r.addReferences(result.References)
		return toolLookup{Tool: tool, Term: term, Result: result}, nil
	}

	for _, candidate := range candidateSearchTerms(r.q.Prompt) {
		if ctx.Err() != nil {
			return toolLookup{}, ctx.Err()
		}
		result, lookupErr := tool.Lookup(ctx, candidate)
		if lookupErr != nil {
			r.logger.WarnContext(ctx, "candidate lookup failed", "term", candidate, tint.Err(lookupErr))
			continue
		}
		if result.Type == ToolResultError {
			r.logger.InfoContext(ctx, "no result for candidate", "term", candidate)
			continue
		}
		r.addReferences(result.References)
		return toolLookup{Tool: tool, Term: candidate, Result: result}, nil
	}
	return toolLookup{}, errNoToolResults
}

func (r *queryRun) addReferences(refs []string) {
	for _, ref := range refs {
		if ref != "" {
			r.references[ref] = struct{}{}
		}
	}
}

func (r *queryRun) setStep(ctx context.Context, step QueryStep) {
	r.q.Step = step
	if _, err := r.o.writeDB.Update(ctx, r.q, columnQueryStep, step); err != nil {
		r.logger.WarnContext(ctx, "error updating query step", tint.Err(err))
	}
}

func (r *queryRun) addReaction(ctx context.Context, emoji string) {
	if err := r.o.discord.session.MessageReactionAdd(
		r.q.ChannelID,
		r.q.MessageID,
		emoji,
	); err != nil {
		r.logger.WarnContext(ctx, "error adding reaction", "emoji", emoji, tint.Err(err))
	}
}

func (r *queryRun) removeReaction(ctx context.Context, emoji string) {
	if err := r.o.discord.session.MessageReactionRemove(
		r.q.ChannelID,
		r.q.MessageID,
		emoji,
		discordSelfUserID,
	); err != nil {
		r.logger.WarnContext(ctx, "error removing reaction", "emoji", emoji, tint.Err(err))
	}
}

// fail removes the in-progress reactions, reacts with a failure emoji and
// replies to the user with the error.
func (r *queryRun) fail(ctx context.Context, cause error) {
	for _, reaction := range r.toolReactions {
		r.removeReaction(ctx, reaction)
	}
	r.toolReactions = nil
	r.removeReaction(ctx, reactionThinking)
	r.addReaction(ctx, reactionFailed)

	errMsg := cause.Error()
	content := fmt.Sprintf(DefaultErrorMessageFormat, errMsg)
	if len([]rune(content)) > discordMaxMessageLength {
		overhead := len([]rune(content)) - len([]rune(errMsg))
		content = fmt.Sprintf(
			DefaultErrorMessageFormat,
			truncate(errMsg, discordMaxMessageLength-overhead),
		)
	}
	if _, err := r.o.discord.session.ChannelMessageSendReply(
		r.q.ChannelID,
		content,
		r.q.messageReference(),
	); err != nil {
		r.logger.ErrorContext(ctx, "error sending error reply", tint.Err(err))
	}

	finishedAt := time.Now().UTC()
	r.q.State = QueryStateFailed
	r.q.Error = &errMsg
	r.q.FinishedAt = &finishedAt
	if _, err := r.o.writeDB.Updates(
		ctx, r.q, map[string]any{
			columnQueryState:      QueryStateFailed,
			columnQueryError:      &errMsg,
			columnQueryFinishedAt: &finishedAt,
		},
	); err != nil {
		r.logger.ErrorContext(ctx, "error saving failed query", tint.Err(err))
	}
}
