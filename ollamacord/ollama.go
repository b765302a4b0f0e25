package ollamacord

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	ollamaAPIModeNative = "native"
	ollamaAPIModeOpenAI = "openai"

	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	ollamaStreamMaxLineSize = 1024 * 1024
	ollamaErrorBodyLimit    = 4096
)

// OllamaRequestPurpose identifies why a request was made to the model,
// which determines its timeout
type OllamaRequestPurpose string

const (
	purposeAnswer        OllamaRequestPurpose = "answer"
	purposeToolSelection OllamaRequestPurpose = "tool_selection"
	purposeSearchTerm    OllamaRequestPurpose = "search_term"
	purposeSearchChoice  OllamaRequestPurpose = "search_choice"
	purposeSearchRetry   OllamaRequestPurpose = "search_retry"
	purposeMemorySummary OllamaRequestPurpose = "memory_summary"
	purposeWikiSummary   OllamaRequestPurpose = "wiki_summary"
)

var ErrOllamaUnavailable = errors.New("ollama is unavailable")

// ChatMessage is a single message in a chat request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a POST to /api/chat
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ChatResponse is a response from /api/chat. When streaming, one is
// received per line, and the last has Done set.
type ChatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       time.Time   `json:"created_at"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	TotalDuration   int64       `json:"total_duration,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

type ollamaVersionResponse struct {
	Version string `json:"version"`
}

// OllamaClient is implemented by clients for each Ollama API flavor
type OllamaClient interface {
	// Chat sends a non-streaming chat request
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatStream sends a streaming chat request, calling fn with each
	// chunk received. The returned ChatResponse holds the full message.
	ChatStream(
		ctx context.Context,
		req ChatRequest,
		fn func(ChatResponse) error,
	) (ChatResponse, error)

	// Version returns the server version
	Version(ctx context.Context) (string, error)
}

// nativeOllamaClient uses Ollama's own /api endpoints
type nativeOllamaClient struct {
	client *resty.Client
}

func newNativeOllamaClient(config *OllamaConfig, httpClient *http.Client) *nativeOllamaClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client := resty.NewWithClient(httpClient).
		SetBaseURL(strings.TrimRight(config.URL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &nativeOllamaClient{client: client}
}

func (c *nativeOllamaClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	var result ChatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&ollamaErrorResponse{}).
		Post("/api/chat")
	if err != nil {
		return result, err
	}
	if resp.IsError() {
		return result, ollamaStatusError(resp.StatusCode(), resp.Error())
	}
	if result.Error != "" {
		return result, errors.New(result.Error)
	}
	return result, nil
}

func (c *nativeOllamaClient) ChatStream(
	ctx context.Context,
	req ChatRequest,
	fn func(ChatResponse) error,
) (ChatResponse, error) {
	req.Stream = true
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/api/chat")
	if err != nil {
		return ChatResponse{}, err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(body, ollamaErrorBodyLimit))
		var errResp ollamaErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return ChatResponse{}, ollamaStatusError(resp.StatusCode(), &errResp)
		}
		return ChatResponse{}, fmt.Errorf(
			"ollama returned status %d: %s",
			resp.StatusCode(),
			strings.TrimSpace(string(data)),
		)
	}
	return readChatStream(body, fn)
}

// readChatStream reads newline-delimited ChatResponse objects from r
// until one has Done set.
func readChatStream(r io.Reader, fn func(ChatResponse) error) (ChatResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), ollamaStreamMaxLineSize)

	var content strings.Builder
	var final ChatResponse
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var chunk ChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return final, fmt.Errorf("error decoding stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return final, errors.New(chunk.Error)
		}
		content.WriteString(chunk.Message.Content)
		if fn != nil {
			if err := fn(chunk); err != nil {
				return final, err
			}
		}
		final = chunk
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return final, err
	}
	final.Message = ChatMessage{Role: RoleAssistant, Content: content.String()}
	return final, nil
}

func (c *nativeOllamaClient) Version(ctx context.Context) (string, error) {
	var result ollamaVersionResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/version")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode())
	}
	return result.Version, nil
}

func ollamaStatusError(status int, errResp any) error {
	if e, ok := errResp.(*ollamaErrorResponse); ok && e != nil && e.Error != "" {
		return fmt.Errorf("ollama returned status %d: %s", status, e.Error)
	}
	return fmt.Errorf("ollama returned status %d", status)
}

// openAICompatClient uses Ollama's OpenAI-compatible /v1 endpoints
type openAICompatClient struct {
	client *openai.Client
}

func newOpenAICompatClient(config *OllamaConfig, httpClient *http.Client) *openAICompatClient {
	clientCfg := openai.DefaultConfig(config.APIKey)
	clientCfg.BaseURL = strings.TrimRight(config.URL, "/") + "/v1"
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return &openAICompatClient{client: openai.NewClientWithConfig(clientCfg)}
}

func (c *openAICompatClient) completionRequest(req ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: m.Role, Content: m.Content},
		)
	}
	creq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   req.Stream,
	}
	if v, ok := optionFloat(req.Options, "temperature"); ok {
		creq.Temperature = float32(v)
	}
	if v, ok := optionFloat(req.Options, "top_p"); ok {
		creq.TopP = float32(v)
	}
	if v, ok := optionFloat(req.Options, "num_predict"); ok && v > 0 {
		creq.MaxTokens = int(v)
	}
	if v, ok := optionFloat(req.Options, "seed"); ok {
		seed := int(v)
		creq.Seed = &seed
	}
	return creq
}

func optionFloat(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func (c *openAICompatClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	resp, err := c.client.CreateChatCompletion(ctx, c.completionRequest(req))
	if err != nil {
		return ChatResponse{}, err
	}
	result := ChatResponse{
		Model:           resp.Model,
		CreatedAt:       time.Unix(resp.Created, 0).UTC(),
		Done:            true,
		PromptEvalCount: resp.Usage.PromptTokens,
		EvalCount:       resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		result.Message = ChatMessage{
			Role:    resp.Choices[0].Message.Role,
			Content: resp.Choices[0].Message.Content,
		}
		result.DoneReason = string(resp.Choices[0].FinishReason)
	}
	return result, nil
}

func (c *openAICompatClient) ChatStream(
	ctx context.Context,
	req ChatRequest,
	fn func(ChatResponse) error,
) (ChatResponse, error) {
	req.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, c.completionRequest(req))
	if err != nil {
		return ChatResponse{}, err
	}
	defer stream.Close()

	var content strings.Builder
	final := ChatResponse{Model: req.Model}
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return final, recvErr
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		content.WriteString(delta)
		resp := ChatResponse{
			Model:      chunk.Model,
			CreatedAt:  time.Unix(chunk.Created, 0).UTC(),
			Message:    ChatMessage{Role: RoleAssistant, Content: delta},
			DoneReason: string(chunk.Choices[0].FinishReason),
		}
		if fn != nil {
			if err = fn(resp); err != nil {
				return final, err
			}
		}
		final = resp
	}
	final.Done = true
	final.Message = ChatMessage{Role: RoleAssistant, Content: content.String()}
	return final, nil
}

func (c *openAICompatClient) Version(ctx context.Context) (string, error) {
	models, err := c.client.ListModels(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("openai-compatible (%d models)", len(models.Models)), nil
}

// OllamaRequest is a DB model logging each request made to the model
type OllamaRequest struct {
	ModelUintID
	ModelUnixTime

	QueryID *uint  `json:"query_id" gorm:"index"`
	Purpose string `json:"purpose" gorm:"index"`
	Model   string `json:"model"`
	Stream  bool   `json:"stream"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody  string `json:"request_payload" gorm:"type:string"`
	ResponseBody string `json:"response_payload" gorm:"type:string"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	Error string `json:"error" gorm:"type:string"`
}

// Ollama wraps an OllamaClient, applying rate limits and per-purpose
// timeouts, tracking server availability, and logging each request.
type Ollama struct {
	client         OllamaClient
	config         *OllamaConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	writeDB        DBI

	available atomic.Bool

	// version reported by the last successful probe
	version string

	mu sync.RWMutex
}

func newOllama(
	config *OllamaConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *Ollama {
	o := &Ollama{
		config:         config,
		logger:         logger,
		requestLimiter: rate.NewLimiter(rate.Limit(DefaultOllamaMaxRequestsPerSecond), 1),
	}
	switch config.APIMode {
	case ollamaAPIModeOpenAI:
		o.client = newOpenAICompatClient(config, httpClient)
	default:
		o.client = newNativeOllamaClient(config, httpClient)
	}
	// optimistic until the first probe says otherwise
	o.available.Store(true)
	return o
}

func (o *Ollama) ChatModel() string {
	return o.config.ChatModel
}

func (o *Ollama) SummaryModel() string {
	return o.config.SummaryModel
}

// Available reports whether the server was reachable as of the last
// probe or request
func (o *Ollama) Available() bool {
	return o.available.Load()
}

func (o *Ollama) Version() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

func (o *Ollama) setAvailable(ctx context.Context, available bool, cause error) {
	prev := o.available.Swap(available)
	if prev == available {
		return
	}
	if available {
		o.logger.InfoContext(ctx, "ollama is available")
	} else {
		o.logger.ErrorContext(ctx, "ollama is unavailable", tint.Err(cause))
	}
}

// SetMaxRequestsPerSecond updates the request rate limit
func (o *Ollama) SetMaxRequestsPerSecond(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestLimiter.SetLimit(rate.Limit(n))
}

func (o *Ollama) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// Probe checks whether the server is reachable, updating availability
func (o *Ollama) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.ToolTimeout)
	defer cancel()

	version, err := o.client.Version(ctx)
	if err != nil {
		o.setAvailable(ctx, false, err)
		return fmt.Errorf("%w: %w", ErrOllamaUnavailable, err)
	}
	o.mu.Lock()
	o.version = version
	o.mu.Unlock()
	o.setAvailable(ctx, true, nil)
	o.logger.DebugContext(ctx, "ollama probe succeeded", "version", version)
	return nil
}

func (o *Ollama) timeout(purpose OllamaRequestPurpose) time.Duration {
	switch purpose {
	case purposeAnswer:
		return o.config.StreamTimeout
	case purposeMemorySummary, purposeWikiSummary:
		return o.config.SummaryTimeout
	case purposeToolSelection, purposeSearchTerm, purposeSearchChoice, purposeSearchRetry:
		return o.config.ToolTimeout
	default:
		return o.config.ChatTimeout
	}
}

// Chat sends messages to the given model and returns the trimmed response
// content. ErrOllamaUnavailable is returned without making a request if
// the server is known to be unreachable.
func (o *Ollama) Chat(
	ctx context.Context,
	purpose OllamaRequestPurpose,
	model string,
	messages []ChatMessage,
) (string, error) {
	if !o.Available() {
		return "", ErrOllamaUnavailable
	}
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout(purpose))
	defer cancel()

	req := ChatRequest{Model: model, Messages: messages, Options: o.config.Options}
	log := o.newRequestLog(ctx, purpose, req)
	resp, err := o.client.Chat(ctx, req)
	o.finishRequestLog(ctx, log, resp, err)
	if err != nil {
		o.checkConnectionError(ctx, err)
		return "", fmt.Errorf("ollama %s request failed: %w", purpose, err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// ChatStream streams a response for messages from the given model. fn
// is called with the accumulated content after each chunk.
func (o *Ollama) ChatStream(
	ctx context.Context,
	purpose OllamaRequestPurpose,
	model string,
	messages []ChatMessage,
	fn func(partial string),
) (string, error) {
	if !o.Available() {
		return "", ErrOllamaUnavailable
	}
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout(purpose))
	defer cancel()

	req := ChatRequest{Model: model, Messages: messages, Stream: true, Options: o.config.Options}
	log := o.newRequestLog(ctx, purpose, req)

	var partial strings.Builder
	resp, err := o.client.ChatStream(
		ctx, req, func(chunk ChatResponse) error {
			partial.WriteString(chunk.Message.Content)
			if fn != nil {
				fn(partial.String())
			}
			return nil
		},
	)
	o.finishRequestLog(ctx, log, resp, err)
	if err != nil {
		o.checkConnectionError(ctx, err)
		return "", fmt.Errorf("ollama %s request failed: %w", purpose, err)
	}
	return resp.Message.Content, nil
}

// checkConnectionError marks the server unavailable if err means it
// couldn't be reached at all
func (o *Ollama) checkConnectionError(ctx context.Context, err error) {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		o.setAvailable(ctx, false, err)
	}
}

func (o *Ollama) newRequestLog(
	ctx context.Context,
	purpose OllamaRequestPurpose,
	req ChatRequest,
) *OllamaRequest {
	log := &OllamaRequest{
		Purpose:        string(purpose),
		Model:          req.Model,
		Stream:         req.Stream,
		RequestStarted: time.Now().UnixMilli(),
	}
	if queryID, ok := ContextQueryID(ctx); ok {
		log.QueryID = &queryID
	}
	if data, err := json.Marshal(req); err == nil {
		log.RequestBody = string(data)
	}
	return log
}

func (o *Ollama) finishRequestLog(
	ctx context.Context,
	log *OllamaRequest,
	resp ChatResponse,
	err error,
) {
	log.RequestEnded = time.Now().UnixMilli()
	log.ResponseBody = resp.Message.Content
	log.PromptTokens = resp.PromptEvalCount
	log.CompletionTokens = resp.EvalCount
	if err != nil {
		log.Error = err.Error()
	}

	logger := loggerOrDefault(ctx, o.logger)
	logger.DebugContext(
		ctx,
		"ollama request finished",
		"purpose", log.Purpose,
		"model", log.Model,
		"duration", time.Duration(log.RequestEnded-log.RequestStarted)*time.Millisecond,
		tint.Err(err),
	)

	if o.writeDB == nil {
		return
	}
	// the request context may already be canceled or timed out
	if _, dbErr := o.writeDB.Create(context.WithoutCancel(ctx), log); dbErr != nil {
		logger.ErrorContext(ctx, "error saving ollama request", tint.Err(dbErr))
	}
}
