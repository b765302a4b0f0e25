package ollamacord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWhipPage = `<!DOCTYPE html>
<html><head><title>Abyssal whip</title><script>var x = 1;</script></head>
<body><div id="content"><div class="mw-parser-output">
<table class="infobox">
<tr><th>Released</th><td>4 January 2005</td></tr>
<tr><th>Members</th><td><a href="/w/Members">Yes</a></td></tr>
<tr><th>Tradeable</th><td></td></tr>
</table>
<p>The <a href="/w/Abyssal_whip">abyssal whip</a> is a one-handed melee weapon that requires 70 Attack to wield.</p>
<p>Short.</p>
<div class="mw-heading mw-heading2"><h2>Drops</h2></div>
<p>It is dropped by <a href="/w/Abyssal_demon">abyssal demons</a> in the Slayer Tower.</p>
<div class="navbox"><a href="/w/Navbox_link">navbox</a></div>
<h2>Trivia</h2>
<p>The whip was once the most popular weapon in the game.</p>
<p><a href="/w/File:Abyssal_whip.png">image</a> <a href="/w/Special:WhatLinksHere">links</a></p>
</div></div></body></html>`

const testWhipDisambigPage = `<!DOCTYPE html>
<html><body><div class="mw-parser-output">
<p><b>Whip</b> may refer to:</p>
<ul>
<li><a href="/w/Abyssal_whip">Abyssal whip</a></li>
<li><a href="/w/Volcanic_abyssal_whip">Volcanic abyssal whip</a></li>
<li><a href="/w/Abyssal_whip#Trivia">Abyssal whip trivia</a></li>
<li><a href="/w/Frozen_abyssal_whip">Frozen abyssal whip</a></li>
<li><a href="/w/Whip">Whip</a></li>
<li><a href="/w/File:Whip.png">file</a></li>
</ul>
<a href="/w/Category:Disambiguation_pages">Disambiguation pages</a>
</div></body></html>`

// fakeWiki serves the opensearch API and wiki pages
type fakeWiki struct {
	server *httptest.Server

	// search term -> page titles
	search map[string][]string

	// page path (ex: '/w/Abyssal_whip') -> HTML
	pages map[string]string

	pageRequests   atomic.Int64
	searchRequests atomic.Int64
}

func newFakeWiki(t testing.TB) *fakeWiki {
	t.Helper()
	f := &fakeWiki{
		search: map[string][]string{
			"abyssal whip":  {"Abyssal whip"},
			"whip":          {"Whip", "Abyssal whip", "Volcanic abyssal whip"},
			"abyssal demon": {"Abyssal demon"},
			"broken page":   {"Broken page"},
		},
		pages: map[string]string{
			"/w/Abyssal_whip": testWhipPage,
			"/w/Whip":         testWhipDisambigPage,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/api.php", func(w http.ResponseWriter, r *http.Request) {
			f.searchRequests.Add(1)
			q := r.URL.Query()
			if q.Get("action") != "opensearch" || q.Get("format") != "json" {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			term := q.Get("search")
			titles := f.search[strings.ToLower(term)]
			urls := make([]string, 0, len(titles))
			descs := make([]string, 0, len(titles))
			for _, title := range titles {
				urls = append(urls, f.server.URL+"/w/"+strings.ReplaceAll(title, " ", "_"))
				descs = append(descs, "")
			}
			if titles == nil {
				titles = []string{}
			}
			writeTestJSON(w, http.StatusOK, []any{term, titles, descs, urls})
		},
	)
	mux.HandleFunc(
		"/w/", func(w http.ResponseWriter, r *http.Request) {
			f.pageRequests.Add(1)
			page, ok := f.pages[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprint(w, page)
		},
	)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeWiki) pageURL(title string) string {
	return f.server.URL + "/w/" + strings.ReplaceAll(title, " ", "_")
}

// wikiFakeOllamaResponse answers the wiki tool's prompts: the search
// term prompt with "Abyssal whip", suggestion choices with "2", and
// retries with retryTerm
func wikiFakeOllamaResponse(retryTerm string) func(ChatRequest) string {
	return func(req ChatRequest) string {
		last := lastMessage(req)
		switch {
		case strings.Contains(last, "Extract the most specific"):
			return `"Abyssal whip"`
		case strings.Contains(last, "Possible matches"):
			return "2"
		case strings.Contains(last, "didn't yield any results"):
			return retryTerm
		case strings.Contains(last, "Summary:"):
			return "a short summary"
		default:
			return defaultFakeOllamaResponse(req)
		}
	}
}

func newTestWiki(t testing.TB, wiki *fakeWiki, llm *fakeOllama, cache PageCache) *OSRSWiki {
	t.Helper()
	cfg := DefaultConfig().Wiki
	cfg.BaseURL = wiki.server.URL
	cfg.SearchRetries = 2
	return NewOSRSWiki(cfg, nil, newTestOllama(t, llm, ollamaAPIModeNative), cache, newTestLogger(t))
}

func TestOSRSWiki_ToolInfo(t *testing.T) {
	t.Parallel()
	w := NewOSRSWiki(DefaultConfig().Wiki, nil, nil, nil, nil)
	assert.Equal(t, "osrs_wiki", w.Name())
	assert.Equal(t, "🔍", w.Reaction())
	assert.NotEmpty(t, w.Description())
	assert.Equal(t, "Searching the OSRS wiki for Abyssal whip...", w.SearchMessage("Abyssal whip"))

	assert.True(t, w.Matches("what are the stats for the abyssal whip"))
	assert.True(t, w.Matches("How do I start the Dragon Slayer QUEST?"))
	assert.True(t, w.Matches("what does zulrah drop"))
	assert.False(t, w.Matches("what's the weather like today"))
}

func TestOSRSWiki_ExtractSearchTerm(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, wikiFakeOllamaResponse(""))
	w := newTestWiki(t, wiki, llm, nil)

	term, urls, err := w.ExtractSearchTerm(context.Background(), "what is an abyssal whip?")
	require.NoError(t, err)
	assert.Equal(t, "Abyssal whip", term)
	assert.Equal(t, []string{wiki.pageURL("Abyssal whip")}, urls)

	requests := llm.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, lastMessage(requests[0]), `Given this query about Old School RuneScape: "what is an abyssal whip?"`)
}

func TestOSRSWiki_ExtractSearchTerm_Unavailable(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, nil)
	w := newTestWiki(t, wiki, llm, nil)
	w.llm.available.Store(false)

	_, _, err := w.ExtractSearchTerm(context.Background(), "what is an abyssal whip?")
	assert.ErrorIs(t, err, ErrOllamaUnavailable)
}

func TestOSRSWiki_ValidateSearchTerm(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	ctx := context.Background()

	t.Run(
		"model chooses by number", func(t *testing.T) {
			t.Parallel()
			llm := newFakeOllama(t, wikiFakeOllamaResponse(""))
			w := newTestWiki(t, wiki, llm, nil)
			term, urls := w.validateSearchTerm(ctx, "whip")
			assert.Equal(t, "Abyssal whip", term)
			assert.Equal(t, []string{wiki.pageURL("Abyssal whip")}, urls)
		},
	)

	t.Run(
		"model chooses by name", func(t *testing.T) {
			t.Parallel()
			llm := newFakeOllama(
				t, func(ChatRequest) string {
					return "Volcanic abyssal whip"
				},
			)
			w := newTestWiki(t, wiki, llm, nil)
			term, _ := w.validateSearchTerm(ctx, "whip")
			assert.Equal(t, "Volcanic abyssal whip", term)
		},
	)

	t.Run(
		"string match when model answer is invalid", func(t *testing.T) {
			t.Parallel()
			llm := newFakeOllama(
				t, func(ChatRequest) string {
					return "Dragon scimitar"
				},
			)
			w := newTestWiki(t, wiki, llm, nil)
			term, _ := w.validateSearchTerm(ctx, "whip")
			assert.Equal(t, "Whip", term)
		},
	)

	t.Run(
		"no suggestions", func(t *testing.T) {
			t.Parallel()
			llm := newFakeOllama(t, nil)
			w := newTestWiki(t, wiki, llm, nil)
			term, urls := w.validateSearchTerm(ctx, "zzzz")
			assert.Equal(t, "zzzz", term)
			assert.Empty(t, urls)
			assert.Empty(t, llm.Requests())
		},
	)
}

func TestMatchSuggestion(t *testing.T) {
	t.Parallel()
	suggestions := []string{"Whip", "Abyssal whip", "Volcanic abyssal whip"}
	assert.Equal(t, 1, matchSuggestion("Abyssal whip", suggestions))
	assert.Equal(t, 1, matchSuggestion("abyssal WHIP", suggestions))
	assert.Equal(t, 2, matchSuggestion("volcanic", suggestions))
	assert.Equal(t, 0, matchSuggestion("dragon", suggestions))
}

func TestOSRSWiki_Lookup(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, wikiFakeOllamaResponse(""))
	w := newTestWiki(t, wiki, llm, nil)

	result, err := w.Lookup(context.Background(), "Abyssal whip")
	require.NoError(t, err)
	assert.Equal(t, ToolResultContent, result.Type)
	assert.Equal(t, []string{wiki.pageURL("Abyssal whip")}, result.References)
	assert.Equal(t, "Searching the OSRS wiki for 'Abyssal whip'...", result.SearchMessage)

	content := result.Content
	assert.Contains(t, content, "The abyssal whip is a one-handed melee weapon that requires 70 Attack to wield.")
	assert.NotContains(t, content, "Short.")
	assert.Contains(t, content, "\nInfobox Information:\nReleased: 4 January 2005\nMembers: Yes")
	assert.NotContains(t, content, "Tradeable")
	assert.Contains(t, content, "\nDrops Information:\nIt is dropped by abyssal demons in the Slayer Tower.")
	assert.Contains(t, content, "\nTrivia:\nThe whip was once the most popular weapon in the game.")
	assert.NotContains(t, content, "navbox")
	assert.NotContains(t, content, "var x")
	assert.True(
		t,
		strings.HasSuffix(content, "\n\nRelated Links:\n• Abyssal demon\n• Abyssal whip\n• Members"),
		content,
	)
}

func TestOSRSWiki_Lookup_Disambiguation(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(
		t, func(req ChatRequest) string {
			// choose "Whip" from the suggestions
			return "1"
		},
	)
	w := newTestWiki(t, wiki, llm, nil)

	result, err := w.Lookup(context.Background(), "whip")
	require.NoError(t, err)
	assert.Equal(t, ToolResultDisambiguation, result.Type)
	assert.Equal(
		t,
		"Multiple pages found for 'Whip'. Please be more specific. "+
			"Possible pages: Abyssal whip, Volcanic abyssal whip, Frozen abyssal whip",
		result.Content,
	)
	assert.Equal(t, []string{wiki.pageURL("Whip")}, result.References)
}

func TestOSRSWiki_Lookup_Retry(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, wikiFakeOllamaResponse("Abyssal whip"))
	w := newTestWiki(t, wiki, llm, nil)

	result, err := w.Lookup(context.Background(), "the green whip thing")
	require.NoError(t, err)
	assert.Equal(t, ToolResultContent, result.Type)
	assert.Equal(
		t,
		"Searching the OSRS wiki for 'the green whip thing'...\n"+
			"No results found. Trying 'Abyssal whip' instead...",
		result.SearchMessage,
	)
	assert.Equal(t, int64(2), wiki.searchRequests.Load())
}

func TestOSRSWiki_Lookup_NotFound(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, wikiFakeOllamaResponse("still nothing"))
	w := newTestWiki(t, wiki, llm, nil)

	result, err := w.Lookup(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, ToolResultError, result.Type)
	assert.Equal(
		t,
		"Sorry, I couldn't find any information about 'still nothing' in the OSRS Wiki after 3 attempts.",
		result.Content,
	)
	assert.Equal(t, int64(3), wiki.searchRequests.Load())
	assert.Zero(t, wiki.pageRequests.Load())
}

func TestOSRSWiki_Lookup_Unavailable(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, nil)
	w := newTestWiki(t, wiki, llm, nil)
	w.llm.available.Store(false)

	result, err := w.Lookup(context.Background(), "Abyssal whip")
	require.NoError(t, err)
	assert.Equal(t, ToolResultError, result.Type)
	assert.Equal(t, DefaultUnavailableMessage, result.Content)
	assert.Zero(t, wiki.searchRequests.Load())
}

func TestOSRSWiki_Lookup_PageError(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, nil)
	w := newTestWiki(t, wiki, llm, nil)

	result, err := w.Lookup(context.Background(), "broken page")
	require.NoError(t, err)
	assert.Equal(t, ToolResultError, result.Type)
	assert.Equal(
		t,
		"Sorry, I couldn't access the OSRS Wiki page for 'Broken page'. Please try again later.",
		result.Content,
	)
}

func TestOSRSWiki_FetchPage_Cached(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, nil)
	cache, _ := newTestRedisCache(t)
	w := newTestWiki(t, wiki, llm, cache)
	ctx := context.Background()

	first := w.fetchPage(ctx, "Abyssal whip", wiki.pageURL("Abyssal whip"), nil)
	require.Equal(t, ToolResultContent, first.Type)
	second := w.fetchPage(ctx, "Abyssal whip", wiki.pageURL("Abyssal whip"), nil)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), wiki.pageRequests.Load())
}

func TestOSRSWiki_FetchPage_DNSFailure(t *testing.T) {
	t.Parallel()
	wiki := newFakeWiki(t)
	llm := newFakeOllama(t, nil)
	w := newTestWiki(t, wiki, llm, nil)
	w.config.BaseURL = "https://oldschool.runescape.wiki"
	w.resolver = stubResolver{err: errors.New("no such host")}

	result := w.fetchPage(context.Background(), "Abyssal whip", wiki.pageURL("Abyssal whip"), nil)
	assert.Equal(t, ToolResultError, result.Type)
	assert.Equal(t, wikiConnectErrorMessage, result.Content)
	assert.Zero(t, wiki.pageRequests.Load())
}

func TestOSRSWiki_ExtractContent_Summarized(t *testing.T) {
	t.Parallel()
	llm := newFakeOllama(t, wikiFakeOllamaResponse(""))
	cfg := DefaultConfig().Wiki
	w := NewOSRSWiki(cfg, nil, newTestOllama(t, llm, ollamaAPIModeNative), nil, newTestLogger(t))

	long := strings.Repeat("Lorem ipsum dolor sit amet consectetur. ", 60)
	doc, err := goquery.NewDocumentFromReader(
		strings.NewReader(`<div class="mw-parser-output"><p>` + long + `</p></div>`),
	)
	require.NoError(t, err)

	content, links := w.extractContent(context.Background(), doc)
	assert.Equal(t, "a short summary", content)
	assert.Empty(t, links)

	requests := llm.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultOllamaSummaryModel, requests[0].Model)
}

func TestOSRSWiki_ExtractContent_SummaryFallback(t *testing.T) {
	t.Parallel()
	llm := newFakeOllama(t, nil)
	llm.SetStatus(http.StatusInternalServerError)
	w := NewOSRSWiki(DefaultConfig().Wiki, nil, newTestOllama(t, llm, ollamaAPIModeNative), nil, newTestLogger(t))

	long := strings.Repeat("word ", 300)
	doc, err := goquery.NewDocumentFromReader(
		strings.NewReader(`<div class="mw-parser-output"><p>` + long + `</p></div>`),
	)
	require.NoError(t, err)

	content, _ := w.extractContent(context.Background(), doc)
	assert.Equal(t, wikiSummaryWordLimit, wordCount(strings.TrimSuffix(content, "...")))
	assert.True(t, strings.HasSuffix(content, "..."))
}

func TestOSRSWiki_ExtractContent_NoContent(t *testing.T) {
	t.Parallel()
	w := NewOSRSWiki(DefaultConfig().Wiki, nil, nil, nil, newTestLogger(t))
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<html><body><p>hi</p></body></html>`))
	require.NoError(t, err)
	content, links := w.extractContent(context.Background(), doc)
	assert.Equal(t, wikiNoContent, content)
	assert.Nil(t, links)
}

func TestIsDisambiguation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		html string
		want bool
	}{
		{name: "phrase", html: `<div class="mw-parser-output"><p>Whip may refer to:</p></div>`, want: true},
		{
			name: "category",
			html: `<div class="mw-parser-output"><p>A list.</p><a href="/w/Category:Disambiguation_pages">c</a></div>`,
			want: true,
		},
		{name: "box", html: `<div class="mw-parser-output"><p>A list.</p><div class="disambigbox"></div></div>`, want: true},
		{name: "article", html: testWhipPage, want: false},
		{
			name: "phrase after first paragraph",
			html: `<div class="mw-parser-output"><p></p><p>A weapon.</p><p>It may refer to things.</p></div>`,
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				doc, err := goquery.NewDocumentFromReader(strings.NewReader(tc.html))
				require.NoError(t, err)
				assert.Equal(t, tc.want, isDisambiguation(doc))
			},
		)
	}
}

func TestWikiPageName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		href string
		name string
		ok   bool
	}{
		{href: "/w/Abyssal_whip", name: "Abyssal whip", ok: true},
		{href: "/w/Abyssal_whip#Trivia", name: "Abyssal whip", ok: true},
		{href: "/w/Zamorak%27s_grapes", name: "Zamorak's grapes", ok: true},
		{href: "/w/Special:Search", ok: false},
		{href: "/w/File:Whip.png", ok: false},
		{href: "https://example.com/w/Abyssal_whip", ok: false},
		{href: "/w/", ok: false},
	}
	for _, tc := range tests {
		name, ok := wikiPageName(tc.href)
		assert.Equal(t, tc.ok, ok, tc.href)
		assert.Equal(t, tc.name, name, tc.href)
	}
}

func TestChunkContent(t *testing.T) {
	t.Parallel()
	content := []string{
		"one two three",
		"four five",
		"\nDrops:\nsix seven",
		"eight nine ten eleven",
	}
	assert.Equal(
		t,
		[]string{
			"one two three\nfour five",
			"\nDrops:\nsix seven",
			"eight nine ten eleven",
		},
		chunkContent(content, 5),
	)
	assert.Empty(t, chunkContent(nil, 5))
}

func TestStripQuotes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Abyssal whip", stripQuotes(` "Abyssal whip" `))
	assert.Equal(t, "Abyssal whip", stripQuotes(`'Abyssal whip'`))
	assert.Equal(t, "", stripQuotes(`""`))
}
