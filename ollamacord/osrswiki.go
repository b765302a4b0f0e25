package ollamacord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
)

const (
	osrsWikiToolName    = "osrs_wiki"
	osrsWikiReaction    = "🔍"
	osrsWikiSource      = "OSRS wiki"
	osrsWikiDescription = "Use this tool to look up information about Old School RuneScape " +
		"items, quests, or other game content."

	wikiOpenSearchLimit    = 20
	wikiMinParagraphLength = 20
	wikiSummaryWordLimit   = 200
	wikiChunkWordLimit     = 4000
	wikiDisambigLinkLimit  = 5

	wikiConnectErrorMessage = "Sorry, I'm having trouble connecting to the OSRS Wiki right now. " +
		"Please try again later."
	wikiPageErrorMessage = "Sorry, I couldn't access the OSRS Wiki page for '%s'. " +
		"Please try again later."
	wikiNotFoundMessage = "Sorry, I couldn't find any information about '%s' in the OSRS Wiki " +
		"after %d attempts."
	wikiDisambigMessage = "Multiple pages found for '%s'. Please be more specific. " +
		"Possible pages: %s"
	wikiRetryMessage   = "No results found. Trying '%s' instead..."
	wikiNoContent      = "No content found"
	wikiRelatedHeader  = "\n\nRelated Links:\n"
	wikiInfoboxHeader  = "\nInfobox Information:\n"
	wikiDisambigPhrase = "may refer to"
)

const wikiSearchTermPrompt = `Given this query about Old School RuneScape: "%s"
Extract the most specific and relevant search term that would be used to look up information on the OSRS Wiki.
The search term should be the name of an item, quest, monster, location, or other game content.
Return ONLY the search term, nothing else.

Examples:
Query: "How do I get the Rogue outfit?"
Search term: "Rogue outfit"

Query: "What is the best way to train Agility?"
Search term: "Agility training"

Query: "Where can I find the Abyssal demon?"
Search term: "Abyssal demon"
`

const wikiChoicePrompt = `You are helping to find the most relevant OSRS Wiki page for a search term.

Original search term: "%s"

Possible matches from the OSRS Wiki:
%s

Instructions:
1. Choose the most relevant match for the original search term
2. Consider the context of Old School RuneScape
3. If none seem relevant, return the original term
4. Return ONLY the exact match from the list, nothing else

Your choice:`

const wikiRetryPrompt = `The search term "%s" didn't yield any results on the OSRS Wiki.
Please suggest a different, more specific search term that might work better.
Consider:
1. Using the exact name of an item, quest, monster, or location
2. Removing any level requirements or specific details
3. Using more general terms

Return ONLY the new search term, nothing else.

Examples:
Original: "slayer master at level 40"
Better: "Slayer master"

Original: "how to get rune platebody"
Better: "Rune platebody"

Original: "best way to train agility at level 30"
Better: "Agility training"
`

const wikiChunkSummaryPrompt = `Summarize this section of OSRS Wiki content in 800 words or fewer, focusing on the most important information:

%s

Summary:`

const wikiFinalSummaryPrompt = `Create a final summary of these OSRS Wiki content summaries in 200 words or fewer:

%s

Final Summary:`

var ErrNoSuggestions = errors.New("no search suggestions")

var osrsWikiTriggers = []string{
	`osrs|runescape|rs3|rs\s+wiki`,
	`item|quest|skill|monster|boss`,
	`stats|requirements|location|guide`,
	`price|value|cost|gp`,
	`drop|loot|reward`,
}

// wikiSection maps a keyword found in an h2 heading to the title used
// when the section's text is added to the extracted content
type wikiSection struct {
	keyword string
	title   string
}

// sections extracted from wiki pages, in order. When the same title
// appears more than once, only the first is used.
var wikiSections = []wikiSection{
	// location, drops, combat
	{"location", "Location Information"},
	{"drops", "Drops Information"},
	{"combat", "Combat Information"},

	// quests
	{"requirements", "Requirements"},
	{"rewards", "Rewards"},
	{"walkthrough", "Walkthrough"},
	{"details", "Details"},
	{"required for", "Required for completing"},

	// items
	{"creation", "Creation"},
	{"money making", "Money Making"},
	{"products", "Products"},
	{"uses", "Uses"},
	{"item sources", "Item Sources"},
	{"combat stats", "Combat Stats"},
	{"cost", "Cost"},
	{"materials", "Materials"},
	{"skill requirements", "Skill Requirements"},
	{"grand exchange", "Grand Exchange"},
	{"advanced data", "Advanced Data"},

	// npcs and bosses
	{"strategy", "Strategy"},
	{"mechanics", "Mechanics"},
	{"combat info", "Combat Info"},
	{"slayer info", "Slayer Info"},
	{"aggressive stats", "Aggressive Stats"},
	{"defence", "Defence"},
	{"immunities", "Immunities"},
	{"drops", "Drops"},
	{"changes", "Changes"},
	{"gallery", "Gallery"},
	{"trivia", "Trivia"},
	{"references", "References"},

	// shopkeepers
	{"stock", "Stock"},
	{"dialogue", "Dialogue"},
	{"involvement in quests", "Involvement in Quests"},
	{"involvement in events", "Involvement in Events"},
	{"shop", "Shop"},
	{"services", "Services"},
	{"repair", "Repair"},
	{"trade", "Trade"},
	{"options", "Options"},
	{"examine", "Examine"},
	{"notes", "Notes"},

	// slayer masters
	{"slayer masters", "Slayer Masters"},
	{"slayer points", "Slayer Points"},
	{"combat level", "Combat Level"},
	{"slayer level", "Slayer Level"},
	{"task list", "Task List"},
	{"location", "Location"},
	{"teleport", "Teleport"},
	{"equipment", "Equipment"},
}

// hostResolver resolves hostnames. [net.Resolver] implements it.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// OSRSWiki is a [Tool] that looks up pages on the Old School RuneScape wiki
type OSRSWiki struct {
	config   *WikiConfig
	client   *resty.Client
	llm      *Ollama
	cache    PageCache
	logger   *slog.Logger
	resolver hostResolver
	triggers []*regexp.Regexp
}

func NewOSRSWiki(
	config *WikiConfig,
	httpClient *http.Client,
	llm *Ollama,
	cache PageCache,
	logger *slog.Logger,
) *OSRSWiki {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cache == nil {
		cache = nopPageCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.NewWithClient(httpClient).
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetHeader("User-Agent", config.UserAgent).
		SetTimeout(config.FetchTimeout)
	return &OSRSWiki{
		config:   config,
		client:   client,
		llm:      llm,
		cache:    cache,
		logger:   logger,
		resolver: net.DefaultResolver,
		triggers: compilePatterns(osrsWikiTriggers...),
	}
}

func (w *OSRSWiki) Name() string        { return osrsWikiToolName }
func (w *OSRSWiki) Description() string { return osrsWikiDescription }
func (w *OSRSWiki) Reaction() string    { return osrsWikiReaction }
func (w *OSRSWiki) Source() string      { return osrsWikiSource }

func (w *OSRSWiki) SearchMessage(term string) string {
	return fmt.Sprintf("Searching the OSRS wiki for %s...", term)
}

func (w *OSRSWiki) Matches(query string) bool {
	for _, re := range w.triggers {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

func (w *OSRSWiki) llmAvailable() bool {
	return w.llm != nil && w.llm.Available()
}

// ask sends a single-message prompt to the chat model, returning the
// answer with surrounding quotes removed
func (w *OSRSWiki) ask(
	ctx context.Context,
	purpose OllamaRequestPurpose,
	prompt string,
) (string, error) {
	if !w.llmAvailable() {
		return "", ErrOllamaUnavailable
	}
	answer, err := w.llm.Chat(
		ctx,
		purpose,
		w.llm.ChatModel(),
		[]ChatMessage{{Role: RoleUser, Content: prompt}},
	)
	if err != nil {
		return "", err
	}
	return stripQuotes(answer), nil
}

func stripQuotes(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
}

// ExtractSearchTerm asks the model which wiki page query is about, then
// validates the answer with the wiki's search API
func (w *OSRSWiki) ExtractSearchTerm(ctx context.Context, query string) (string, []string, error) {
	logger := loggerOrDefault(ctx, w.logger)
	answer, err := w.ask(ctx, purposeSearchTerm, fmt.Sprintf(wikiSearchTermPrompt, query))
	if err != nil {
		return "", nil, fmt.Errorf("error extracting search term: %w", err)
	}
	term := stripQuotes(strings.TrimPrefix(answer, "Search term:"))
	if term == "" {
		return "", nil, nil
	}
	logger.InfoContext(ctx, "model extracted search term", "term", term)

	validated, urls := w.validateSearchTerm(ctx, term)
	if validated != term {
		logger.InfoContext(ctx, "search term validated", "term", term, "validated", validated)
	}
	return validated, urls, nil
}

// openSearch queries the wiki's opensearch API, returning the suggested
// page titles and their URLs
func (w *OSRSWiki) openSearch(ctx context.Context, term string) ([]string, []string, error) {
	resp, err := w.client.R().
		SetContext(ctx).
		SetQueryParams(
			map[string]string{
				"action": "opensearch",
				"search": term,
				"format": "json",
				"limit":  strconv.Itoa(wikiOpenSearchLimit),
			},
		).
		Get("/api.php")
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, nil, fmt.Errorf("opensearch returned status %d", resp.StatusCode())
	}

	// [term, [titles], [descriptions], [urls]]
	var data []json.RawMessage
	if err = json.Unmarshal(resp.Body(), &data); err != nil {
		return nil, nil, fmt.Errorf("error decoding opensearch response: %w", err)
	}
	if len(data) < 4 {
		return nil, nil, ErrNoSuggestions
	}
	var suggestions, urls []string
	if err = json.Unmarshal(data[1], &suggestions); err != nil {
		return nil, nil, fmt.Errorf("error decoding suggestions: %w", err)
	}
	if err = json.Unmarshal(data[3], &urls); err != nil {
		return nil, nil, fmt.Errorf("error decoding urls: %w", err)
	}
	if len(suggestions) == 0 || len(urls) < len(suggestions) {
		return nil, nil, ErrNoSuggestions
	}
	return suggestions, urls, nil
}

// validateSearchTerm maps term to a wiki page. If the search fails or
// has no suggestions, term is returned with no URLs.
func (w *OSRSWiki) validateSearchTerm(ctx context.Context, term string) (string, []string) {
	logger := loggerOrDefault(ctx, w.logger).With("term", term)
	start := time.Now()
	suggestions, urls, err := w.openSearch(ctx, term)
	if err != nil {
		logger.WarnContext(ctx, "opensearch failed", tint.Err(err))
		return term, nil
	}
	logger.InfoContext(
		ctx,
		"opensearch results",
		"suggestions", len(suggestions),
		"duration", time.Since(start),
	)

	if len(suggestions) == 1 {
		return suggestions[0], []string{urls[0]}
	}

	idx, err := w.chooseSuggestion(ctx, term, suggestions)
	if err != nil {
		logger.WarnContext(ctx, "model choice failed, falling back to string matching", tint.Err(err))
		idx = matchSuggestion(term, suggestions)
	}
	return suggestions[idx], []string{urls[idx]}
}

// chooseSuggestion asks the model to pick one of suggestions, by name or
// by its 1-based position in the list
func (w *OSRSWiki) chooseSuggestion(
	ctx context.Context,
	term string,
	suggestions []string,
) (int, error) {
	lines := make([]string, 0, len(suggestions))
	for i, s := range suggestions {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, s))
	}
	answer, err := w.ask(
		ctx,
		purposeSearchChoice,
		fmt.Sprintf(wikiChoicePrompt, term, strings.Join(lines, "\n")),
	)
	if err != nil {
		return 0, err
	}
	if idx := slices.Index(suggestions, answer); idx >= 0 {
		return idx, nil
	}
	if n, convErr := strconv.Atoi(answer); convErr == nil && n >= 1 && n <= len(suggestions) {
		return n - 1, nil
	}
	return 0, fmt.Errorf("model chose %q, which isn't a suggestion", answer)
}

// matchSuggestion picks the suggestion matching term exactly, then
// case-insensitively, then containing it. The first suggestion is used
// if none match.
func matchSuggestion(term string, suggestions []string) int {
	if idx := slices.Index(suggestions, term); idx >= 0 {
		return idx
	}
	lower := strings.ToLower(term)
	for i, s := range suggestions {
		if strings.ToLower(s) == lower {
			return i
		}
	}
	for i, s := range suggestions {
		if strings.Contains(strings.ToLower(s), lower) {
			return i
		}
	}
	return 0
}

// Lookup fetches the wiki page for term. If no page is found, the model
// is asked for an alternative term, up to [WikiConfig.SearchRetries] times.
// Failures the user should see are returned as ToolResultError results.
func (w *OSRSWiki) Lookup(ctx context.Context, term string) (ToolResult, error) {
	logger := loggerOrDefault(ctx, w.logger).With("tool", osrsWikiToolName)
	ctx = WithLogger(ctx, logger)
	start := time.Now()

	if !w.llmAvailable() {
		logger.ErrorContext(ctx, "ollama unavailable, skipping wiki lookup")
		return ToolResult{
			Type:          ToolResultError,
			Content:       DefaultUnavailableMessage,
			SearchMessage: fmt.Sprintf("Error searching the OSRS wiki for '%s'...", term),
		}, nil
	}

	var searchMessages []string
	attempts := 0
	for attempt := 0; attempt <= w.config.SearchRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return ToolResult{}, err
		}
		attempts++
		validated, urls := w.validateSearchTerm(ctx, term)
		if len(urls) > 0 {
			result := w.fetchPage(ctx, validated, urls[0], searchMessages)
			logger.InfoContext(
				ctx,
				"wiki lookup finished",
				"term", validated,
				"type", result.Type,
				"duration", time.Since(start),
			)
			return result, nil
		}

		logger.WarnContext(
			ctx,
			"no wiki page found",
			"term", term,
			"attempt", attempt+1,
			"max_attempts", w.config.SearchRetries+1,
		)
		if attempt == w.config.SearchRetries {
			break
		}
		newTerm, err := w.ask(ctx, purposeSearchRetry, fmt.Sprintf(wikiRetryPrompt, term))
		if err != nil || newTerm == "" {
			logger.ErrorContext(ctx, "error generating new search term", tint.Err(err))
			break
		}
		searchMessages = append(
			searchMessages,
			fmt.Sprintf("Searching the OSRS wiki for '%s'...", term),
			fmt.Sprintf(wikiRetryMessage, newTerm),
		)
		term = newTerm
	}

	return ToolResult{
		Type:          ToolResultError,
		Content:       fmt.Sprintf(wikiNotFoundMessage, term, attempts),
		SearchMessage: w.searchMessage(term, searchMessages),
	}, nil
}

func (w *OSRSWiki) searchMessage(term string, messages []string) string {
	if len(messages) > 0 {
		return strings.Join(messages, "\n")
	}
	return fmt.Sprintf("Searching the OSRS wiki for '%s'...", term)
}

// fetchPage returns the extracted content of the page at pageURL,
// from the cache if present
func (w *OSRSWiki) fetchPage(
	ctx context.Context,
	term string,
	pageURL string,
	searchMessages []string,
) ToolResult {
	logger := loggerOrDefault(ctx, w.logger).With("url", pageURL)
	errResult := func(content string) ToolResult {
		return ToolResult{
			Type:          ToolResultError,
			Content:       content,
			SearchMessage: w.searchMessage(term, searchMessages),
		}
	}

	if cached, ok := w.cache.Get(ctx, pageURL); ok {
		logger.InfoContext(ctx, "retrieved page from cache")
		return *cached
	}

	if err := w.checkDNS(ctx); err != nil {
		logger.ErrorContext(ctx, "wiki DNS resolution failed", tint.Err(err))
		return errResult(wikiConnectErrorMessage)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.config.FetchTimeout)
	defer cancel()
	fetchStart := time.Now()
	resp, err := w.client.R().SetContext(fetchCtx).Get(pageURL)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching wiki page", tint.Err(err))
		return errResult(wikiConnectErrorMessage)
	}
	if resp.StatusCode() != http.StatusOK {
		logger.ErrorContext(ctx, "unexpected status from wiki", "status", resp.StatusCode())
		return errResult(fmt.Sprintf(wikiPageErrorMessage, term))
	}
	logger.InfoContext(ctx, "fetched wiki page", "duration", time.Since(fetchStart))

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		logger.ErrorContext(ctx, "error parsing wiki page", tint.Err(err))
		return errResult("Sorry, something went wrong while processing your request. Please try again later.")
	}

	if isDisambiguation(doc) {
		if links := disambiguationLinks(doc, term); len(links) > 0 {
			logger.InfoContext(ctx, "wiki page is a disambiguation page", "links", len(links))
			return ToolResult{
				Type:          ToolResultDisambiguation,
				Content:       fmt.Sprintf(wikiDisambigMessage, term, strings.Join(links, ", ")),
				References:    []string{pageURL},
				SearchMessage: w.searchMessage(term, searchMessages),
			}
		}
	}

	content, related := w.extractContent(ctx, doc)
	if len(related) > 0 {
		var sb strings.Builder
		sb.WriteString(content)
		sb.WriteString(wikiRelatedHeader)
		for i, link := range related {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("• ")
			sb.WriteString(link)
		}
		content = sb.String()
	}

	result := ToolResult{
		Type:          ToolResultContent,
		Content:       content,
		References:    []string{pageURL},
		SearchMessage: w.searchMessage(term, searchMessages),
	}
	if err = w.cache.Set(ctx, pageURL, result); err != nil {
		logger.WarnContext(ctx, "error caching wiki page", tint.Err(err))
	}
	return result
}

func (w *OSRSWiki) checkDNS(ctx context.Context) error {
	u, err := url.Parse(w.config.BaseURL)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("no host in base url %q", w.config.BaseURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	start := time.Now()
	addrs, err := w.resolver.LookupHost(ctx, host)
	if err != nil {
		return err
	}
	loggerOrDefault(ctx, w.logger).DebugContext(
		ctx,
		"resolved wiki host",
		"host", host,
		"addrs", addrs,
		"duration", time.Since(start),
	)
	return nil
}

// isDisambiguation reports whether doc is a disambiguation page: its
// first paragraph says the title "may refer to" other pages, it's in the
// disambiguation category, or it has a disambiguation box.
func isDisambiguation(doc *goquery.Document) bool {
	main := doc.Find("div.mw-parser-output").First()
	var firstParagraph string
	main.Find("p").EachWithBreak(
		func(_ int, p *goquery.Selection) bool {
			firstParagraph = cleanText(p.Text())
			return firstParagraph == ""
		},
	)
	if strings.Contains(strings.ToLower(firstParagraph), wikiDisambigPhrase) {
		return true
	}
	if doc.Find(`a[href*="Category:Disambiguation_pages"]`).Length() > 0 {
		return true
	}
	return doc.Find(".disambig, #disambig, .disambigbox").Length() > 0
}

// disambiguationLinks returns up to wikiDisambigLinkLimit page names
// linked from the page's content, excluding term itself
func disambiguationLinks(doc *goquery.Document, term string) []string {
	main := doc.Find("div.mw-parser-output").First()
	var links []string
	seen := map[string]struct{}{}
	main.Find("a[href]").EachWithBreak(
		func(_ int, a *goquery.Selection) bool {
			name, ok := wikiPageName(a.AttrOr("href", ""))
			if !ok || strings.HasPrefix(name, "Category:") || strings.EqualFold(name, term) {
				return true
			}
			if _, dup := seen[name]; dup {
				return true
			}
			seen[name] = struct{}{}
			links = append(links, name)
			return len(links) < wikiDisambigLinkLimit
		},
	)
	return links
}

// wikiPageName returns the decoded page name for a '/w/' link. Special
// pages and files are excluded.
func wikiPageName(href string) (string, bool) {
	if !strings.HasPrefix(href, "/w/") || strings.HasPrefix(href, "/w/Special:") {
		return "", false
	}
	href, _, _ = strings.Cut(href, "#")
	name := href[strings.LastIndex(href, "/")+1:]
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	name = strings.ReplaceAll(name, "_", " ")
	if name == "" || strings.HasPrefix(name, "File:") {
		return "", false
	}
	return name, true
}

// extractContent returns the useful text of a wiki page, summarized if
// long, and the sorted names of pages it links to
func (w *OSRSWiki) extractContent(ctx context.Context, doc *goquery.Document) (string, []string) {
	main := doc.Find("div.mw-parser-output").First()
	if main.Length() == 0 {
		return wikiNoContent, nil
	}

	related := map[string]struct{}{}
	collectLinks := func(s *goquery.Selection) {
		s.Find("a[href]").Each(
			func(_ int, a *goquery.Selection) {
				if name, ok := wikiPageName(a.AttrOr("href", "")); ok {
					related[name] = struct{}{}
				}
			},
		)
	}

	// the infobox is a table, so it's read before tables are removed
	var infobox []string
	doc.Find("table.infobox").First().Find("tr").Each(
		func(_ int, row *goquery.Selection) {
			label := cleanText(row.Find("th").First().Text())
			value := cleanText(row.Find("td").First().Text())
			if label != "" && value != "" {
				infobox = append(infobox, label+": "+value)
			}
			collectLinks(row)
		},
	)

	main.Find("script, style, table").Remove()
	main.Find("div").Not(".mw-heading").Remove()

	var content []string
	main.Find("p").Each(
		func(_ int, p *goquery.Selection) {
			collectLinks(p)
			if text := cleanText(p.Text()); len(text) > wikiMinParagraphLength {
				content = append(content, text)
			}
		},
	)
	if len(infobox) > 0 {
		content = append(content, wikiInfoboxHeader+strings.Join(infobox, "\n"))
	}
	content = append(content, extractSections(main)...)

	links := make([]string, 0, len(related))
	for name := range related {
		links = append(links, name)
	}
	slices.Sort(links)

	if wordCount(strings.Join(content, " ")) > wikiSummaryWordLimit {
		return w.summarize(ctx, content), links
	}
	return strings.Join(content, "\n"), links
}

// extractSections returns the paragraphs under each h2 heading named in
// wikiSections, prefixed with the section's title
func extractSections(main *goquery.Selection) []string {
	headings := main.Find("h2")
	var sections []string
	seen := map[string]struct{}{}
	for _, section := range wikiSections {
		if _, ok := seen[section.title]; ok {
			continue
		}
		heading := headings.FilterFunction(
			func(_ int, h *goquery.Selection) bool {
				return strings.Contains(strings.ToLower(h.Text()), section.keyword)
			},
		).First()
		if heading.Length() == 0 {
			continue
		}
		seen[section.title] = struct{}{}

		// newer MediaWiki versions wrap headings in div.mw-heading
		anchor := heading
		if parent := heading.Parent(); parent.HasClass("mw-heading") {
			anchor = parent
		}

		var paragraphs []string
		anchor.NextAll().EachWithBreak(
			func(_ int, s *goquery.Selection) bool {
				if goquery.NodeName(s) == "h2" || s.Find("h2").Length() > 0 {
					return false
				}
				if goquery.NodeName(s) == "p" {
					if text := cleanText(s.Text()); text != "" {
						paragraphs = append(paragraphs, text)
					}
				}
				return true
			},
		)
		if len(paragraphs) > 0 {
			sections = append(
				sections,
				fmt.Sprintf("\n%s:\n%s", section.title, strings.Join(paragraphs, "\n")),
			)
		}
	}
	return sections
}

// chunkContent groups content into chunks of at most maxWords words.
// Section headers always start a new chunk.
func chunkContent(content []string, maxWords int) []string {
	var chunks []string
	var current []string
	count := 0
	for _, item := range content {
		if strings.HasPrefix(item, "\n") && strings.Contains(item, ":") && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
			count = 0
		}
		words := wordCount(item)
		if count+words > maxWords && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
			count = 0
		}
		current = append(current, item)
		count += words
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}

// summarize condenses long content with the summary model. If that
// fails, the first wikiSummaryWordLimit words are used.
func (w *OSRSWiki) summarize(ctx context.Context, content []string) string {
	logger := loggerOrDefault(ctx, w.logger)
	summary, err := w.summarizeChunks(ctx, content)
	if err != nil {
		logger.ErrorContext(ctx, "error summarizing wiki content", tint.Err(err))
		return truncateWords(strings.Join(content, " "), wikiSummaryWordLimit) + "..."
	}
	return summary
}

func (w *OSRSWiki) summarizeChunks(ctx context.Context, content []string) (string, error) {
	chunks := chunkContent(content, wikiChunkWordLimit)
	summaries := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if !w.llmAvailable() {
			return "", ErrOllamaUnavailable
		}
		s, err := w.llm.Chat(
			ctx,
			purposeWikiSummary,
			w.llm.SummaryModel(),
			[]ChatMessage{{Role: RoleUser, Content: fmt.Sprintf(wikiChunkSummaryPrompt, chunk)}},
		)
		if err != nil {
			return "", err
		}
		summaries = append(summaries, s)
	}

	combined := strings.Join(summaries, "\n\n")
	if wordCount(combined) <= wikiSummaryWordLimit {
		return combined, nil
	}
	return w.llm.Chat(
		ctx,
		purposeWikiSummary,
		w.llm.SummaryModel(),
		[]ChatMessage{{Role: RoleUser, Content: fmt.Sprintf(wikiFinalSummaryPrompt, combined)}},
	)
}
