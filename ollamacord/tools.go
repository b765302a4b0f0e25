package ollamacord

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/lmittmann/tint"
)

const (
	ToolResultContent        ToolResultType = "content"
	ToolResultDisambiguation ToolResultType = "disambiguation"
	ToolResultError          ToolResultType = "error"

	toolContextHeader       = "Here is some relevant information from the OSRS Wiki:\n"
	toolContextContentLimit = 500
	toolSelectionNone       = "none"
)

const toolSelectionPrompt = `Given this query: "%s"

Available tools:
%s

Determine which tools, if any, would be helpful in answering this query.
Return ONLY a comma-separated list of tool names, or "none" if no tools are needed.
Do not include any explanation or additional text.

Examples:
Query: "What are the stats for the Abyssal whip?"
Tools: osrs_wiki

Query: "What's the weather like today?"
Tools: none

Query: "How do I complete Dragon Slayer and what items do I need?"
Tools: osrs_wiki
`

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolAlreadyExists = errors.New("tool already registered")
)

// words skipped when guessing search terms from a query
var commonWords = map[string]struct{}{
	"what": {}, "where": {}, "when": {}, "why": {}, "how": {}, "is": {},
	"are": {}, "the": {}, "a": {}, "an": {}, "for": {}, "to": {}, "in": {},
	"on": {}, "at": {}, "with": {},
}

// ToolResultType describes the kind of ToolResult returned by a lookup
type ToolResultType string

// ToolResult is the outcome of a tool lookup
type ToolResult struct {
	Type          ToolResultType `json:"type"`
	Content       string         `json:"content"`
	References    []string       `json:"references"`
	SearchMessage string         `json:"search_message"`
}

// Tool is an external information source the bot can consult before
// answering a query
type Tool interface {
	// Name is the identifier the model uses to select the tool
	Name() string

	// Description is shown to the model during tool selection
	Description() string

	// Reaction is added to the user's message while the tool is in use
	Reaction() string

	// Source names where the tool's information comes from
	Source() string

	// Matches reports whether any of the tool's trigger patterns match
	// the query. Used when the model can't select tools.
	Matches(query string) bool

	// ExtractSearchTerm determines what to look up for the query. It
	// returns the term (which may be empty) and any page URLs found
	// for it.
	ExtractSearchTerm(ctx context.Context, query string) (string, []string, error)

	// Lookup retrieves information for term
	Lookup(ctx context.Context, term string) (ToolResult, error)

	// SearchMessage is shown to the user while term is looked up
	SearchMessage(term string) string
}

// ToolRegistry holds the available tools, in registration order
type ToolRegistry struct {
	tools []Tool
	mu    sync.RWMutex
}

func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ToolRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tools {
		if existing.Name() == t.Name() {
			return fmt.Errorf("%w: %s", ErrToolAlreadyExists, t.Name())
		}
	}
	r.tools = append(r.tools, t)
	return nil
}

func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Tool(nil), r.tools...)
}

func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name())
	}
	return names
}

// Select returns the tools that should be used to answer query. The
// chat model is asked first; if it fails or is unavailable, tools are
// selected by their trigger patterns.
func (r *ToolRegistry) Select(ctx context.Context, llm *Ollama, query string) []Tool {
	logger := loggerOrDefault(ctx, nil)
	tools := r.Tools()
	if len(tools) == 0 {
		return nil
	}

	if llm != nil && llm.Available() {
		selected, err := r.selectWithModel(ctx, llm, query)
		if err == nil {
			logger.InfoContext(ctx, "model selected tools", "tools", toolNames(selected))
			return selected
		}
		logger.ErrorContext(
			ctx,
			"error selecting tools, falling back to pattern matching",
			tint.Err(err),
		)
	} else {
		logger.WarnContext(ctx, "ollama unavailable, selecting tools by pattern")
	}

	selected := make([]Tool, 0, len(tools))
	lowered := strings.ToLower(query)
	for _, t := range tools {
		if t.Matches(lowered) {
			selected = append(selected, t)
		}
	}
	logger.InfoContext(ctx, "pattern selected tools", "tools", toolNames(selected))
	return selected
}

func (r *ToolRegistry) selectWithModel(
	ctx context.Context,
	llm *Ollama,
	query string,
) ([]Tool, error) {
	tools := r.Tools()
	descriptions := make([]string, 0, len(tools))
	for _, t := range tools {
		descriptions = append(descriptions, fmt.Sprintf("- %s: %s", t.Name(), t.Description()))
	}
	prompt := fmt.Sprintf(toolSelectionPrompt, query, strings.Join(descriptions, "\n"))

	answer, err := llm.Chat(
		ctx,
		purposeToolSelection,
		llm.ChatModel(),
		[]ChatMessage{{Role: RoleUser, Content: prompt}},
	)
	if err != nil {
		return nil, err
	}
	return r.parseSelection(ctx, answer), nil
}

// parseSelection maps the model's comma-separated answer to registered
// tools. Unknown names are dropped.
func (r *ToolRegistry) parseSelection(ctx context.Context, answer string) []Tool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	answer = strings.TrimPrefix(answer, "tools:")
	answer = strings.TrimSpace(answer)
	if answer == "" || answer == toolSelectionNone {
		return nil
	}

	var selected []Tool
	seen := map[string]struct{}{}
	for _, name := range strings.Split(answer, ",") {
		name = strings.Trim(strings.TrimSpace(name), `"'`+"`")
		if name == "" || name == toolSelectionNone {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		t, err := r.Get(name)
		if err != nil {
			loggerOrDefault(ctx, nil).WarnContext(ctx, "model selected unknown tool", "tool", name)
			continue
		}
		selected = append(selected, t)
	}
	return selected
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}
	return names
}

// candidateSearchTerms guesses search terms from a query: adjacent word
// pairs first, then single words, skipping common words and anything
// three characters or shorter.
func candidateSearchTerms(query string) []string {
	words := strings.Fields(query)
	var terms []string

	for i := 0; i < len(words)-1; i++ {
		term := strings.Trim(words[i]+" "+words[i+1], "?.,!")
		if utf8.RuneCountInString(term) <= 3 || containsCommonWord(term) {
			continue
		}
		terms = append(terms, term)
	}

	for _, word := range words {
		word = strings.Trim(word, "?.,!")
		if utf8.RuneCountInString(word) <= 3 {
			continue
		}
		if _, ok := commonWords[strings.ToLower(word)]; ok {
			continue
		}
		terms = append(terms, word)
	}
	return terms
}

func containsCommonWord(term string) bool {
	for _, w := range strings.Fields(term) {
		if _, ok := commonWords[strings.ToLower(w)]; ok {
			return true
		}
	}
	return false
}

// toolLookup is a successful lookup made while answering a query
type toolLookup struct {
	Tool   Tool
	Term   string
	Result ToolResult
}

// buildToolContext formats lookups as an extra system message for the
// model. Disambiguation results are included so the model can ask the
// user to be more specific. Each result's content is cut to
// toolContextContentLimit characters.
func buildToolContext(lookups []toolLookup) string {
	if len(lookups) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(toolContextHeader)
	for _, l := range lookups {
		fmt.Fprintf(
			&sb,
			"\nFor %s:\n%s...\n",
			l.Term,
			truncate(l.Result.Content, toolContextContentLimit),
		)
	}
	return sb.String()
}

// compilePatterns compiles each pattern, case-insensitively
func compilePatterns(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile("(?i)"+p))
	}
	return compiled
}
