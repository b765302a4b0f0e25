package ollamacord

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathHealthCheck = "/healthz"
	apiPathSetup       = "/setup"
	apiPathLogin       = "/login"
	apiPathLogout      = "/logout"
	apiPathStatus      = "/status"
	apiPathPause       = "/pause"
	apiPathResume      = "/resume"
	apiPathQuit        = "/quit"
	apiPathConfig      = "/config"
	apiPathQueries     = "/queries"
	apiPathQuery       = "/queries/:id"
	apiPathHistory     = "/history/:conversation_id"
	apiPathCache       = "/cache"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultQueryListLimit = 25

	apiHealthCheckTimeout = 5 * time.Second
	apiStopSignalTimeout  = 30 * time.Second
)

var structValidator = validator.New()

// Sort is the order in which records are listed
type Sort string

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API serves the admin HTTP API
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter

	// request counts by "<method> <path>"
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	logger   *slog.Logger
	handlers *APIHandlers
}

// newAPI configures the gin engine, middleware, routes and HTTP server.
// Nothing is served until Serve is called.
func newAPI(o *Ollamacord, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config is required")
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              componentLogger(config.LogLevel, "api"),
	}
	handlers := NewAPIHandlers(o, config, api.logger)
	api.handlers = handlers
	api.store = handlers.store

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	public := r.Group(apiPrefix)
	public.GET(apiPathHealthCheck, handlers.healthCheck)
	public.GET(apiPathSetup, handlers.setupStatus)
	public.POST(apiPathSetup, handlers.adminSetup)
	public.POST(apiPathLogin, handlers.loginHandler(api.loginRequestLimiter))

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(o, handlers.store))

	protected.POST(apiPathLogout, handlers.logoutHandler)
	protected.GET(apiPathStatus, handlers.status)
	protected.POST(apiPathPause, handlers.botPause)
	protected.POST(apiPathResume, handlers.botResume)
	protected.POST(apiPathQuit, handlers.botQuit)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.GET(apiPathQueries, handlers.getQueries)
	protected.GET(apiPathQuery, handlers.getQuery)
	protected.GET(apiPathHistory, handlers.getHistory)
	protected.DELETE(apiPathHistory, handlers.clearHistory)
	protected.DELETE(apiPathCache, handlers.clearCache)

	if config.Development {
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}
	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down. TLS is used when a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(
		ctx,
		"serving api",
		"addr", a.listener.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	return a.httpServer.Serve(a.listener)
}

// closeListener closes the listener, if Serve was started, for when
// startup fails before the server is shut down
func (a *API) closeListener(ctx context.Context) {
	if a == nil || a.listener == nil {
		return
	}
	if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.WarnContext(ctx, "error closing listener", tint.Err(err))
	}
}

// RequestMetrics returns a copy of the request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers implements the API endpoints
type APIHandlers struct {
	o      *Ollamacord
	config *APIConfig
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session cookie store. Without a configured
// secret, a random key is generated and sessions won't persist across
// restarts.
func NewAPIHandlers(o *Ollamacord, config *APIConfig, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(config))
	return &APIHandlers{o: o, config: config, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   config.SSL.Enabled() || config.Development,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) setupRequired() bool {
	cfg := h.o.RuntimeConfig()
	return cfg.AdminUsername == "" || cfg.AdminPassword == ""
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.setupRequired()})
}

// adminSetup sets the admin credentials. It's only allowed while no
// credentials exist.
//
// Responses:
//   - 201 Created: credentials set
//   - 400 Bad Request: invalid payload
//   - 403 Forbidden: credentials were already set
//   - 503 Service Unavailable: the bot hasn't finished starting
func (h *APIHandlers) adminSetup(c *gin.Context) {
	logger := ginContextLogger(c)

	h.o.cfgMu.Lock()
	defer h.o.cfgMu.Unlock()

	current := h.o.runtimeConfig
	if current == nil || h.o.writeDB == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	if current.AdminUsername != "" && current.AdminPassword != "" {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	if _, err = h.o.writeDB.Updates(
		c.Request.Context(),
		current,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	current.AdminUsername = payload.Username
	current.AdminPassword = password
	logger.Info("admin credentials set", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the given credentials against the admin
// credentials and, if they match, starts a session. Attempts are
// limited to one per second.
func (h *APIHandlers) loginHandler(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !limiter.Allow() {
			logger.Warn("login rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		var login userLogin
		if err := c.ShouldBindJSON(&login); err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}

		cfg := h.o.RuntimeConfig()
		if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
			logger.Warn("admin username and password not set")
			c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if login.Username != cfg.AdminUsername {
			logger.Warn("invalid login attempt", "username", login.Username)
			c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		valid, err := VerifyPassword(cfg.AdminPassword, login.Password)
		if err != nil {
			logger.Error("error verifying password", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if !valid {
			logger.Warn("invalid login attempt", "username", login.Username)
			c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := h.store.New(c.Request, sessionVarName)
		if session == nil {
			logger.Error("error creating session", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		// an error here means the existing cookie couldn't be decoded,
		// and a new session is returned anyway
		if err != nil {
			logger.Warn("discarding invalid session", tint.Err(err))
		}
		opts := sessionOptions(h.config).ToGorillaOptions()
		session.Options = opts
		session.Values[sessionVarField] = login.Username
		if err = session.Save(c.Request, c.Writer); err != nil {
			logger.Error("error saving session", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		logger.Info("logged in", "username", login.Username)
		c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
	}
}

// logoutHandler clears the username from the session
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// healthCheck probes Ollama and redis concurrently. It responds with
// 503 if either can't be reached.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), apiHealthCheckTimeout)
	defer cancel()

	resp := healthCheckResponse{
		Paused:                  h.o.paused.Load(),
		QueueSize:               h.o.queue.Len(),
		DiscordGatewayConnected: h.o.discord.connected.Load(),
		Redis:                   "disabled",
	}

	g := &errgroup.Group{}
	g.Go(
		func() error {
			if err := h.o.ollama.Probe(ctx); err != nil {
				return fmt.Errorf("ollama: %w", err)
			}
			return nil
		},
	)
	if h.o.config.Redis.Enabled {
		resp.Redis = "ok"
		g.Go(
			func() error {
				if err := h.o.cache.Ping(ctx); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				return nil
			},
		)
	}
	err := g.Wait()

	resp.OllamaAvailable = h.o.ollama.Available()
	resp.OllamaVersion = h.o.ollama.Version()
	if err != nil {
		ginContextLogger(c).Warn("health check failed", tint.Err(err))
		resp.Error = err.Error()
		if h.o.config.Redis.Enabled && resp.OllamaAvailable {
			resp.Redis = "unavailable"
		}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// status reports the bot's current state and counters
func (h *APIHandlers) status(c *gin.Context) {
	o := h.o
	resp := statusResponse{
		Version:                 Version,
		CommitSHA:               CommitSHA,
		BuildTime:               BuildTime,
		GoVersion:               runtime.Version(),
		Goroutines:              runtime.NumGoroutine(),
		Paused:                  o.paused.Load(),
		QueueSize:               o.queue.Len(),
		WorkersRunning:          o.workersRunning.Load(),
		QueriesInProgress:       o.queriesInProgress.Load(),
		DiscordGatewayConnected: o.discord.connected.Load(),
		DiscordConnects:         o.discord.metricConnects.Load(),
		DiscordDisconnects:      o.discord.metricDisconnects.Load(),
		MessagesHandled:         o.discord.metricMessagesHandled.Load(),
		OllamaAvailable:         o.ollama.Available(),
		OllamaVersion:           o.ollama.Version(),
		ChatModel:               o.ollama.ChatModel(),
	}
	if !o.startedAt.IsZero() {
		startedAt := o.startedAt.UTC()
		resp.StartedAt = &startedAt
		resp.Uptime = time.Since(o.startedAt).Round(time.Second).String()
		resp.Started = humanize.Time(o.startedAt)
	}
	if o.api != nil {
		resp.RequestMetrics = o.api.RequestMetrics()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if h.o.Pause(c.Request.Context()) {
		ginReplyMessage(c, "bot paused")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if h.o.Resume(c.Request.Context()) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// botQuit sends a stop signal, which triggers a graceful shutdown
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), apiStopSignalTimeout)
	defer cancel()

	var sent bool
	if h.o.dbNotifier != nil {
		sent = h.o.dbNotifier.Stop(ctx)
	} else {
		select {
		case h.o.signalStop <- struct{}{}:
			sent = true
		case <-ctx.Done():
		}
	}
	if !sent {
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "quitting"})
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.RuntimeConfig())
}

// updateRuntimeConfig applies the fields set in the request body to the
// runtime config, responding with the updated config
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if msg := validateRuntimeConfigUpdate(reflect.ValueOf(update)); msg != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: fmt.Sprint(msg)})
		return
	}
	if h.o.writeDB == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}

	updated, err := h.o.UpdateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	c.JSON(http.StatusOK, updated)
}

// getQueries lists Query records, newest first by default, optionally
// filtered by state, user or conversation
func (h *APIHandlers) getQueries(c *gin.Context) {
	var params queryListParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if params.Limit == 0 {
		params.Limit = defaultQueryListLimit
	}
	if params.Order == "" {
		params.Order = Descending
	}

	stmt := h.o.db.WithContext(c.Request.Context()).
		Limit(params.Limit).
		Offset(params.Offset)
	if params.Order == Ascending {
		stmt = stmt.Order("id asc")
	} else {
		stmt = stmt.Order("id desc")
	}
	if params.State != "" {
		stmt = stmt.Where(columnQueryState+" = ?", params.State)
	}
	if params.UserID != "" {
		stmt = stmt.Where(columnQueryUserID+" = ?", params.UserID)
	}
	if params.ConversationID != "" {
		stmt = stmt.Where(columnQueryConversationID+" = ?", params.ConversationID)
	}

	queries := []Query{}
	if err := stmt.Find(&queries).Error; err != nil {
		ginContextLogger(c).Error("error getting queries", tint.Err(err))
		ginReplyError(c, "error getting queries")
		return
	}
	c.JSON(http.StatusOK, queries)
}

// getQuery returns a Query along with the Ollama requests made to
// answer it
func (h *APIHandlers) getQuery(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	var q Query
	if err = h.o.db.WithContext(ctx).First(&q, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "query not found"})
			return
		}
		logger.Error("error getting query", tint.Err(err))
		ginReplyError(c, "error getting query")
		return
	}

	requests := []OllamaRequest{}
	if err = h.o.db.WithContext(ctx).
		Where("query_id = ?", q.ID).
		Order("id asc").
		Find(&requests).Error; err != nil {
		logger.Error("error getting ollama requests", tint.Err(err))
		ginReplyError(c, "error getting ollama requests")
		return
	}
	c.JSON(http.StatusOK, queryDetail{Query: q, OllamaRequests: requests})
}

func (h *APIHandlers) getHistory(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	c.JSON(http.StatusOK, h.o.memory.Entries(c.Request.Context(), conversationID))
}

func (h *APIHandlers) clearHistory(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	deleted, err := h.o.ClearHistory(c.Request.Context(), conversationID)
	if err != nil {
		ginContextLogger(c).Error(
			"error clearing history",
			"conversation_id", conversationID,
			tint.Err(err),
		)
		ginReplyError(c, "error clearing history")
		return
	}
	c.JSON(http.StatusOK, deletedResponse{Deleted: deleted})
}

// clearCache removes all cached wiki pages
func (h *APIHandlers) clearCache(c *gin.Context) {
	deleted, err := h.o.cache.Clear(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error clearing cache", tint.Err(err))
		ginReplyError(c, "error clearing cache")
		return
	}
	c.JSON(http.StatusOK, deletedResponse{Deleted: deleted})
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	QueueSize               int    `json:"queue_size"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	OllamaAvailable         bool   `json:"ollama_available"`
	OllamaVersion           string `json:"ollama_version,omitempty"`
	Redis                   string `json:"redis"`
	Error                   string `json:"error,omitempty"`
}

type statusResponse struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit_sha"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	Started    string     `json:"started,omitempty"`
	Uptime     string     `json:"uptime,omitempty"`
	Goroutines int        `json:"goroutines"`

	Paused            bool  `json:"paused"`
	QueueSize         int   `json:"queue_size"`
	WorkersRunning    int64 `json:"workers_running"`
	QueriesInProgress int64 `json:"queries_in_progress"`

	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
	DiscordConnects         int64 `json:"discord_connects"`
	DiscordDisconnects      int64 `json:"discord_disconnects"`
	MessagesHandled         int64 `json:"messages_handled"`

	OllamaAvailable bool   `json:"ollama_available"`
	OllamaVersion   string `json:"ollama_version,omitempty"`
	ChatModel       string `json:"chat_model"`

	RequestMetrics map[string]int `json:"request_metrics,omitempty"`
}

type queryListParams struct {
	Limit          int        `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset         int        `form:"offset" binding:"omitempty,min=0"`
	Order          Sort       `form:"order" binding:"omitempty,oneof=asc desc"`
	State          QueryState `form:"state"`
	UserID         string     `form:"user_id"`
	ConversationID string     `form:"conversation_id"`
}

type queryDetail struct {
	Query          Query           `json:"query"`
	OllamaRequests []OllamaRequest `json:"ollama_requests"`
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells clients whether admin credentials still need to
// be set with POST /api/setup
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware aborts with 401 unless the request has a session with
// a username. No request is authenticated until admin credentials are
// set.
func authMiddleware(o *Ollamacord, store CookieStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		cfg := o.RuntimeConfig()
		if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("invalid session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, _ := session.Values[sessionVarField].(string)
		if username == "" || username != cfg.AdminUsername {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, returned in
// the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating one with the
// request details if it doesn't exist yet
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// status and duration
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // registers the custom validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateQueueConfig, QueueConfig{})
}
