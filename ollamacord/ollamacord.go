package ollamacord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/GethosTheWalrus/ollamacord/ollamacord.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	runtimeConfigRefreshTimeout  = 30 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
	dependencyCheckTimeout       = 10 * time.Second
)

// Ollamacord is the bot. It reads `!ai` queries from discord, queues
// them, and answers each one with Ollama, optionally consulting tools
// like the OSRS wiki first.
type Ollamacord struct {
	config *Config

	// read connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. With SQLite,
	// writes are serialized.
	writeDB DBI

	dbNotifier DBNotifier

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	ollama  *Ollama
	tools   *ToolRegistry
	wiki    *OSRSWiki
	cache   PageCache
	memory  *ConversationMemory
	queue   *QueryQueue
	api     *API

	scheduler gocron.Scheduler

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting up
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// While paused, new queries are ignored and queued queries wait
	paused atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// conversation ID -> worker
	workers  map[string]*conversationWorker
	workerMu sync.Mutex

	// context for conversation workers. It's separate from the runtime
	// context so in-flight queries can finish during shutdown.
	workersCtx    context.Context
	workersCancel context.CancelFunc

	workersRunning    atomic.Int64
	queriesInProgress atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
}

// New validates the given configuration and builds each of the bot's
// components. The database isn't opened until Run is called.
func New(config *Config) (*Ollamacord, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	o := &Ollamacord{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		workers:                       map[string]*conversationWorker{},
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	o.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	o.logger = slog.New(o.logHandler)
	slog.SetDefault(o.logger)

	config.Discord.httpClient = config.HTTPClient
	o.discord = newDiscord(config.Discord)
	o.discord.logger = componentLogger(config.Discord.LogLevel, "discord")
	o.discord.o = o

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	o.ollama = newOllama(
		config.Ollama,
		config.HTTPClient,
		componentLogger(config.Ollama.LogLevel, "ollama"),
	)

	if config.Redis.Enabled {
		o.cache = newRedisPageCache(config.Redis, o.logger.With(loggerNameKey, "redis"))
	} else {
		o.cache = nopPageCache{}
	}

	var tools []Tool
	if config.Wiki.Enabled {
		o.wiki = NewOSRSWiki(
			config.Wiki,
			config.HTTPClient,
			o.ollama,
			o.cache,
			componentLogger(config.Wiki.LogLevel, "osrs_wiki"),
		)
		tools = append(tools, o.wiki)
	}
	registry, err := NewToolRegistry(tools...)
	errs = append(errs, err)
	o.tools = registry

	o.memory = NewConversationMemory(
		config.Memory,
		o.ollama,
		o.logger.With(loggerNameKey, "memory"),
	)

	o.queue = NewQueryQueue(config.Queue, o.logger.With(loggerNameKey, "queue"))
	o.queue.onDrop = o.queryDropped

	api, err := newAPI(o, config.API)
	errs = append(errs, err)
	o.api = api

	return o, errors.Join(errs...)
}

func componentLogger(level slog.Leveler, name string) *slog.Logger {
	return slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     level,
				AddSource: true,
			},
		),
	).With(loggerNameKey, name)
}

func (o *Ollamacord) ValidateConfig() error {
	return structValidator.Struct(o.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (o *Ollamacord) RuntimeConfig() RuntimeConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	if o.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *o.runtimeConfig
}

// Run starts the bot, blocking until ctx is canceled or a stop signal
// is received, at which point it shuts down gracefully.
func (o *Ollamacord) Run(ctx context.Context) error {
	// prevents concurrent runs
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.startedAt = time.Now()
	logger := o.logger

	if err := o.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(o)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	o.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", o.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-o.signalStop:
			o.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			o.logger.Warn("context canceled")
		}
	}()

	if o.config.API.Enabled {
		go func() {
			httpErr := o.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				o.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, o.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- o.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			o.api.closeListener(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	o.workersCtx, o.workersCancel = context.WithCancel(
		WithLogger(context.WithoutCancel(ctx), logger),
	)
	defer o.workersCancel()

	scheduler, err := o.newScheduler(ctx)
	if err != nil {
		return fmt.Errorf("error creating scheduler: %w", err)
	}
	o.scheduler = scheduler
	o.scheduler.Start()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		o.watchQueue(ctx)
	}()

	if discErr := o.initDiscordSession(ctx, runtimeWG); discErr != nil {
		o.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err = o.discordInit(ctx, o.RuntimeConfig()); err != nil {
		return err
	}

	o.startRuntimeConfigRefresher(ctx, runtimeWG)

	for _, channel := range []string{
		o.dbNotifier.RuntimeConfigChannelName(),
		o.dbNotifier.HistoryChannelName(),
		o.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := o.dbNotifier.Listen(ctx, ch); e != nil {
				o.logger.ErrorContext(ctx, "error listening for notifications", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	select {
	case o.signalReady <- struct{}{}:
		o.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return o.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads (or creates) the runtime config, and
// checks that Ollama and redis are reachable. Unreachable dependencies
// are logged, not fatal: queries are answered with the unavailable
// message until Ollama comes back.
func (o *Ollamacord) initRun(ctx context.Context) error {
	o.logger.Debug("initializing DB...")
	if err := o.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	o.logger.Debug("finished initializing DB")

	var botState RuntimeConfig
	getStateErr := o.db.WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := o.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
		o.logger.InfoContext(ctx, "created default runtime config")
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		o.logger.WarnContext(ctx, "admin credentials not set, run 'ollamacord init' or POST /api/setup")
	}

	o.paused.Store(botState.Paused)
	o.cfgMu.Lock()
	o.runtimeConfig = &botState
	o.cfgMu.Unlock()
	o.setRuntimeLevels(botState)

	o.checkDependencies(ctx)
	return nil
}

// checkDependencies probes Ollama and the page cache concurrently,
// logging any that can't be reached
func (o *Ollamacord) checkDependencies(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, dependencyCheckTimeout)
	defer cancel()

	g := &errgroup.Group{}
	g.Go(
		func() error {
			if err := o.ollama.Probe(checkCtx); err != nil {
				o.logger.WarnContext(ctx, "ollama not reachable at startup", "url", o.config.Ollama.URL, tint.Err(err))
				return nil
			}
			o.logger.InfoContext(ctx, "connected to ollama", "version", o.ollama.Version())
			return nil
		},
	)
	g.Go(
		func() error {
			if !o.config.Redis.Enabled {
				return nil
			}
			if err := o.cache.Ping(checkCtx); err != nil {
				o.logger.WarnContext(ctx, "redis not reachable at startup", tint.Err(err))
				return nil
			}
			o.logger.InfoContext(ctx, "connected to redis")
			return nil
		},
	)
	_ = g.Wait()
}

// initDB opens the database connection, applies connection settings
// and migrates all models
func (o *Ollamacord) initDB(ctx context.Context) error {
	if o.db == nil {
		handler := tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     o.config.DatabaseLogLevel,
				AddSource: true,
			},
		)
		gormLogger := newGORMLogger(handler, o.config.DatabaseSlowThreshold)
		db, err := getDB(o.config.DatabaseType, o.config.Database, gormLogger)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		o.db = db
	}

	o.writeDB = NewDatabase(o.db, o.logger, o.config.DatabaseType == dbTypePostgres)
	o.queue.db = o.writeDB
	o.ollama.writeDB = o.writeDB
	o.memory.writeDB = o.writeDB

	if err := configureDB(ctx, o.db, o.config.DatabaseType); err != nil {
		return err
	}
	o.logger.Debug("migrating database...")
	return migrateDB(ctx, o.db)
}

// discordInit opens the discord websocket connection, if the gateway
// is enabled
func (o *Ollamacord) discordInit(ctx context.Context, runtimeCfg RuntimeConfig) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		o.logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	o.logger.InfoContext(ctx, "connecting to discord")
	if err := o.discord.session.Open(); err != nil {
		o.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !o.paused.Load() {
		go func() {
			if statusErr := o.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				o.logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// initDiscordSession creates the discord session (if one isn't already
// set) and registers the gateway event handlers
func (o *Ollamacord) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := o.discord.logger.With(loggerNameKey, "discord_session")

	if o.discord.session == nil {
		disc, err := o.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		o.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range o.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	o.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  o.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(o.RuntimeConfig()),
		},
	)

	o.discord.discordgoRemoveHandlerFuncs = []func(){
		o.discord.session.AddHandler(o.discord.handlerConnect(ctx)),
		o.discord.session.AddHandler(o.discord.handlerDisconnect()),
		o.discord.session.AddHandler(o.discord.handlerReady()),
		o.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if ctx.Err() != nil {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					o.handleDiscordMessage(ctx, m.Message)
				}()
			},
		),
	}
	return nil
}

// handleDiscordMessage checks whether m is a query addressed to the bot
// and, if it's acceptable, queues it
func (o *Ollamacord) handleDiscordMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil {
		return
	}
	o.discord.metricMessagesHandled.Add(1)

	author := messageAuthor(m)
	if author == nil {
		return
	}
	if botID := o.discord.UserID(); botID != "" && author.ID == botID {
		return
	}

	cfg := o.RuntimeConfig()
	if author.Bot && cfg.IgnoreBots {
		return
	}

	prompt, ok := parseCommand(m.Content, cfg.CommandPrefix)
	if !ok {
		return
	}

	logger := loggerOrDefault(ctx, o.logger).With(
		slog.Group(
			"message",
			"id", m.ID,
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
			"user_id", author.ID,
			"username", author.Username,
		),
	)
	ctx = WithLogger(ctx, logger)

	if o.paused.Load() {
		logger.InfoContext(ctx, "paused, ignoring query")
		return
	}

	q := newQuery(m, prompt)
	q.UserID = author.ID
	q.Username = author.Username
	q.CreatedAt = time.Now().UnixMilli()

	if n := len([]rune(prompt)); n > cfg.MaxQueryLength {
		logger.WarnContext(ctx, "query too long", "length", n, "max_length", cfg.MaxQueryLength)
		o.rejectQuery(ctx, q, QueryStateRejected, reactionTooLong, cfg.tooLongMessage())
		return
	}

	if cfg.UserQueryLimit > 0 {
		availableAt, allowed, err := o.userQueryAvailable(ctx, q.UserID, cfg, time.Now())
		if err != nil {
			logger.ErrorContext(ctx, "error checking user query limit", tint.Err(err))
		} else if !allowed {
			logger.WarnContext(ctx, "user reached query limit", "available_at", availableAt)
			o.rejectQuery(
				ctx,
				q,
				QueryStateRateLimited,
				reactionRateLimited,
				fmt.Sprintf("%s %s", cfg.RateLimitMessage, humanize.Time(availableAt)),
			)
			return
		}
	}

	o.memory.Add(ctx, q.ConversationID, roleUser, prompt, author.Username)
	o.react(ctx, q, reactionThinking)

	if err := o.queue.Push(ctx, q); err != nil {
		logger.ErrorContext(ctx, "error queueing query", tint.Err(err))
		o.queryDropped(ctx, q, q.State)
	}
}

// queryDropped swaps the thinking reaction on the user's message for
// the failed one, for a query that won't be answered
func (o *Ollamacord) queryDropped(ctx context.Context, q *Query, state QueryState) {
	if o.discord == nil || o.discord.session == nil {
		return
	}
	logger := loggerOrDefault(ctx, o.logger)
	logger.InfoContext(ctx, "query dropped", "query_id", q.ID, "state", state)
	if err := o.discord.session.MessageReactionRemove(
		q.ChannelID, q.MessageID, reactionThinking, discordSelfUserID,
	); err != nil {
		logger.WarnContext(ctx, "error removing reaction", tint.Err(err))
	}
	o.react(ctx, q, reactionFailed)
}

// rejectQuery records q in its final state, reacts to the user's message
// and replies with reason
func (o *Ollamacord) rejectQuery(
	ctx context.Context,
	q *Query,
	state QueryState,
	reaction string,
	reason string,
) {
	logger := loggerOrDefault(ctx, o.logger)
	finishedAt := time.Now().UTC()
	q.State = state
	q.Response = &reason
	q.FinishedAt = &finishedAt
	if _, err := o.writeDB.Create(ctx, q); err != nil {
		logger.ErrorContext(ctx, "error saving rejected query", tint.Err(err))
	}

	o.react(ctx, q, reaction)
	if _, err := o.discord.session.ChannelMessageSendReply(
		q.ChannelID,
		shortenString(reason, discordMaxMessageLength),
		q.messageReference(),
	); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

func (o *Ollamacord) react(ctx context.Context, q *Query, emoji string) {
	if err := o.discord.session.MessageReactionAdd(q.ChannelID, q.MessageID, emoji); err != nil {
		loggerOrDefault(ctx, o.logger).WarnContext(ctx, "error adding reaction", "emoji", emoji, tint.Err(err))
	}
}

// userQueryAvailable returns when the user may next ask a query, and
// whether that's now
func (o *Ollamacord) userQueryAvailable(
	ctx context.Context,
	userID string,
	cfg RuntimeConfig,
	now time.Time,
) (time.Time, bool, error) {
	window := cfg.UserQueryWindow.Duration
	var counted []QueryState
	for _, s := range allQueryStates {
		if s.countsTowardLimit() {
			counted = append(counted, s)
		}
	}

	var createdAt []int64
	if err := o.db.WithContext(ctx).
		Model(&Query{}).
		Where(
			columnQueryUserID+" = ? AND "+columnQueryCreatedAt+" >= ? AND "+columnQueryState+" IN ?",
			userID,
			now.Add(-window).UnixMilli(),
			counted,
		).
		Pluck(columnQueryCreatedAt, &createdAt).Error; err != nil {
		return now, true, err
	}

	requests := make([]time.Time, 0, len(createdAt))
	for _, ts := range createdAt {
		requests = append(requests, time.UnixMilli(ts))
	}
	availableAt, ok := nextRequestAvailable(requests, cfg.UserQueryLimit, window, now)
	return availableAt, ok, nil
}

// watchQueue pops queries from the queue and dispatches each to its
// conversation's worker, until ctx is canceled
func (o *Ollamacord) watchQueue(ctx context.Context) {
	defer func() {
		o.logger.InfoContext(ctx, "queue watcher stopped", "queue_size", o.queue.Len())
	}()

	for ctx.Err() == nil {
		if o.paused.Load() {
			o.logger.DebugContext(ctx, "currently paused, sleeping")
			sleepCtx(ctx, o.config.Queue.SleepPaused)
			continue
		}

		q := o.queue.Pop(ctx)
		if q == nil {
			o.logger.DebugContext(
				ctx,
				"no pending queries, sleeping",
				"sleep_duration", o.config.Queue.SleepEmpty,
			)
			sleepCtx(ctx, o.config.Queue.SleepEmpty)
			continue
		}
		o.dispatchQuery(ctx, q)
	}
}

// sleepCtx sleeps for d, or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (o *Ollamacord) workerCtx(ctx context.Context) context.Context {
	if o.workersCtx != nil {
		return o.workersCtx
	}
	return ctx
}

// startRuntimeConfigRefresher handles runtime config refresh signals,
// sent by the scheduler when the config's TTL elapses, and by the
// notifier when another instance changes it.
func (o *Ollamacord) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-o.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				o.refreshRuntimeConfig(refreshCtx, forceRefresh)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database, if
// force is set or it was updated more recently than the TTL
func (o *Ollamacord) refreshRuntimeConfig(ctx context.Context, force bool) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	var refreshConfig RuntimeConfig
	if err := o.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		o.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if !force && o.runtimeConfig != nil && refreshConfig.UpdatedAt == o.runtimeConfig.UpdatedAt {
		o.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	o.logger.InfoContext(
		ctx,
		fmt.Sprintf("runtime config last updated: %s ago, refreshing", lastUpdated.Round(time.Second)),
	)
	o.unsafeRefreshRuntimeConfig(ctx, &refreshConfig)
}

// unsafeRefreshRuntimeConfig applies a new runtime config without
// locking cfgMu: it opens or closes the discord gateway, updates the
// bot's presence, and applies log levels and limits.
func (o *Ollamacord) unsafeRefreshRuntimeConfig(ctx context.Context, updated *RuntimeConfig) {
	previous := o.runtimeConfig
	if previous == nil {
		d := DefaultRuntimeConfig()
		previous = &d
	}
	session := o.discord.session

	if session != nil {
		switch {
		case previous.DiscordGatewayEnabled && !updated.DiscordGatewayEnabled:
			if err := session.Close(); err != nil {
				o.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
			}
		case previous.DiscordGatewayEnabled && updated.DiscordGatewayEnabled:
			switch {
			case updated.Paused != previous.Paused:
				status := getDiscordPresenceStatusUpdate(*updated)
				if err := session.UpdateStatusComplex(
					discordgo.UpdateStatusData{AFK: status.AFK, Status: status.Status},
				); err != nil {
					o.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
				}
			case updated.DiscordCustomStatus != previous.DiscordCustomStatus && !updated.Paused:
				if err := session.UpdateCustomStatus(updated.DiscordCustomStatus); err != nil {
					o.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
				}
			}
		case updated.DiscordGatewayEnabled:
			session.SetIdentify(
				discordgo.Identify{
					Intents:  o.config.Discord.GatewayIntents,
					Presence: getDiscordPresenceStatusUpdate(*updated),
				},
			)
			if err := session.Open(); err != nil {
				o.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
			}
		}
	}

	o.runtimeConfig = updated
	o.paused.Store(updated.Paused)
	o.setRuntimeLevels(*updated)
	o.logger.InfoContext(ctx, "refreshed runtime config")
}

// setRuntimeLevels applies the log levels and request limits from the
// given runtime config
func (o *Ollamacord) setRuntimeLevels(state RuntimeConfig) {
	o.config.LogLevel.Set(state.LogLevel.Level())
	o.config.Ollama.LogLevel.Set(state.OllamaLogLevel.Level())
	o.config.Wiki.LogLevel.Set(state.WikiLogLevel.Level())
	o.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	o.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	o.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	o.config.API.LogLevel.Set(state.APILogLevel.Level())
	o.ollama.SetMaxRequestsPerSecond(state.OllamaMaxRequestsPerSecond)
}

// UpdateRuntimeConfig saves the changed fields of update, applies the
// new config and notifies any other instances
func (o *Ollamacord) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	o.cfgMu.Lock()
	current := DefaultRuntimeConfig()
	if o.runtimeConfig != nil {
		current = *o.runtimeConfig
	}

	updates := runtimeConfigChanges(current, update)
	if len(updates) == 0 {
		o.cfgMu.Unlock()
		return current, nil
	}
	o.logger.InfoContext(ctx, "updating runtime config", "columns", strings.Join(mapKeys(updates), ","))

	if _, err := o.writeDB.Updates(ctx, &current, updates); err != nil {
		o.cfgMu.Unlock()
		return current, fmt.Errorf("error saving runtime config: %w", err)
	}

	var refreshed RuntimeConfig
	if err := o.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		o.cfgMu.Unlock()
		return current, fmt.Errorf("error reloading runtime config: %w", err)
	}
	o.unsafeRefreshRuntimeConfig(ctx, &refreshed)
	o.cfgMu.Unlock()

	if o.dbNotifier != nil && o.config.DatabaseType == dbTypePostgres {
		o.dbNotifier.ReloadRuntimeConfig(ctx)
	}
	return refreshed, nil
}

// runtimeConfigChanges maps the column name of each field set in update
// to its new value, skipping fields that match current
func runtimeConfigChanges(current RuntimeConfig, update RuntimeConfigUpdate) map[string]any {
	updates := map[string]any{}
	cv := reflect.ValueOf(current)
	uv := reflect.ValueOf(update)
	ut := uv.Type()
	for i := 0; i < ut.NumField(); i++ {
		field := ut.Field(i)
		column, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		currentField := cv.FieldByName(field.Name)
		if column == "" || !currentField.IsValid() {
			continue
		}
		updateVal := uv.Field(i).Interface()
		if runtimeConfigValueChanged(currentField.Interface(), updateVal) {
			updates[column] = uv.Field(i).Elem().Interface()
		}
	}
	return updates
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Pause stops new queries from being accepted, and queued queries from
// being answered. It returns false if the bot was already paused.
func (o *Ollamacord) Pause(ctx context.Context) bool {
	prev := o.paused.Swap(true)
	if prev {
		return false
	}
	o.logger.InfoContext(ctx, "bot paused")

	if o.discord.session != nil {
		if err := o.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); err != nil {
			o.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
		}
	}
	o.setPersistedPause(ctx, true)
	return true
}

// Resume resumes query processing. It returns a bool indicating whether
// the bot was paused at the time the function was called.
func (o *Ollamacord) Resume(ctx context.Context) bool {
	prev := o.paused.Swap(false)
	if !prev {
		o.logger.WarnContext(ctx, "bot not paused")
		return false
	}
	o.logger.InfoContext(ctx, "bot resumed")

	if o.discord.session != nil {
		if err := o.discord.session.UpdateCustomStatus(o.RuntimeConfig().DiscordCustomStatus); err != nil {
			o.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
		}
	}
	o.setPersistedPause(ctx, false)
	return true
}

func (o *Ollamacord) setPersistedPause(ctx context.Context, paused bool) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	if o.runtimeConfig == nil || o.runtimeConfig.Paused == paused {
		return
	}
	if _, err := o.writeDB.Update(
		ctx,
		o.runtimeConfig,
		columnRuntimeConfigPaused,
		paused,
	); err != nil {
		o.logger.ErrorContext(ctx, "unable to save paused state", tint.Err(err))
		return
	}
	o.runtimeConfig.Paused = paused
}

// ClearHistory deletes a conversation's history, and tells other
// instances to drop their copy of it
func (o *Ollamacord) ClearHistory(ctx context.Context, conversationID string) (int64, error) {
	deleted, err := o.memory.Clear(ctx, conversationID)
	if err != nil {
		return deleted, err
	}
	if o.dbNotifier != nil {
		o.dbNotifier.HistoryCleared(ctx, conversationID)
	}
	return deleted, nil
}

// shutdown stops accepting queries, lets in-flight queries finish, and
// closes connections. If that takes longer than ShutdownTimeout,
// everything is closed immediately and an error is returned.
func (o *Ollamacord) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	o.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := o.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		o.logger.Warn("immediate shutdown")
		o.forceClose()
		return fmt.Errorf("shutdown timeout is 0, closed immediately")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	o.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// message handlers and the queue watcher
		runtimeWG.Wait()

		if o.scheduler != nil {
			if err := o.scheduler.Shutdown(); err != nil {
				o.logger.ErrorContext(ctx, "error stopping scheduler", tint.Err(err))
			}
		}

		flushed := o.queue.Clear(closeCtx)
		o.logger.InfoContext(ctx, "purged query queue", "count", flushed)

		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			o.stopWorkers(closeCtx)
			if o.workersCancel != nil {
				o.workersCancel()
			}
		}()

		if o.api != nil && o.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				o.logger.InfoContext(ctx, "stopping http server")
				_ = o.api.httpServer.Shutdown(closeCtx)
				o.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if o.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				o.logger.InfoContext(ctx, "closing discord session")
				_ = o.discord.session.Close()
				for _, h := range o.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				o.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Wait()
		o.closeCache()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			o.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			o.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline).Round(time.Second)),
				"queries_in_progress", o.queriesInProgress.Load(),
			)
		case <-closeCtx.Done():
			o.logger.Warn("workers did not stop in time, forcing close")
			o.forceClose()
			return fmt.Errorf("workers did not stop in time")
		}
	}
}

func (o *Ollamacord) forceClose() {
	if o.workersCancel != nil {
		o.workersCancel()
	}
	if o.api != nil && o.api.httpServer != nil {
		go func() {
			_ = o.api.httpServer.Close()
		}()
	}
	o.closeCache()
}

func (o *Ollamacord) closeCache() {
	if c, ok := o.cache.(io.Closer); ok {
		if err := c.Close(); err != nil {
			o.logger.Error("error closing cache", tint.Err(err))
		}
	}
}
