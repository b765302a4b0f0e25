package ollamacord

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite                              = "sqlite"
	dbTypePostgres                            = "postgres"
	postgresNotifyChannelRuntimeConfigUpdated = "ollamacord_reload_runtime_config"
	postgresNotifyChannelHistoryCleared       = "ollamacord_history_cleared"
	postgresNotifyChannelStop                 = "ollamacord_stop"
	recordSeparator                           = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
	dbListenRetryInterval = 5 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update, and soft deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// migrationModels lists every model managed by AutoMigrate
func migrationModels() []any {
	return []any{
		&RuntimeConfig{},
		&Query{},
		&OllamaRequest{},
		&HistoryEntry{},
	}
}

// database wraps a gorm connection. When concurrent writes are disabled
// (SQLite), writes are serialized with a mutex. Every operation gets
// dbOperationTimeout applied if the given context has no deadline.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI backed by the given gorm connection.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// lock acquires the write lock (if writes aren't concurrent) and applies
// the default operation timeout. The returned func releases both.
func (d *database) lock(ctx context.Context) (context.Context, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (int64, error) {
	ctx, unlock := d.lock(ctx)
	defer unlock()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	ctx, unlock := d.lock(ctx)
	defer unlock()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	ctx, unlock := d.lock(ctx)
	defer unlock()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (int64, error) {
	ctx, unlock := d.lock(ctx)
	defer unlock()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (int64, error) {
	ctx, unlock := d.lock(ctx)
	defer unlock()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (int64, error) {
	ctx, unlock := d.lock(ctx)
	defer unlock()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

// Delete permanently deletes matching records, bypassing soft deletes.
func (d *database) Delete(ctx context.Context, value any, conds ...any) (int64, error) {
	ctx, unlock := d.lock(ctx)
	defer unlock()

	rv := d.db.WithContext(ctx).Unscoped().Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// Duration is a wrapper for time.Duration that implements
// SQL Scanner and Valuer interfaces for GORM.
type Duration struct {
	time.Duration
}

func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
}

func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Duration) parse(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	return d.parse(strings.Trim(s, `"`))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`%q`, d.String())), nil
}

func (Duration) GormDataType() string {
	return "string"
}

// DBI defines the write operations used by the bot. [database] implements
// it for real databases, and tests may substitute their own.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// CreateDB opens the database, applies connection settings and migrates
// all models. It's used by the `init` command, outside a running bot.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	dbLogger := slog.New(handler)
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
	if err != nil {
		return db, err
	}
	if err = configureDB(ctx, db, databaseType); err != nil {
		return db, err
	}
	return db, migrateDB(ctx, db)
}

// getDB opens a gorm connection for the given database type, creating
// the parent directory of a SQLite database file if needed.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureDB limits SQLite to a single connection and applies pragmas
func configureDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(migrationModels()...); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing migration: %w", err)
	}
	return nil
}

// DBNotifier notifies bot instances sharing a database of changes made
// by another instance.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig tells bot instances to reload their runtime
	// configuration from the DB
	ReloadRuntimeConfig(context.Context) bool

	HistoryChannelName() string

	// HistoryCleared tells bot instances to drop their in-memory copy of
	// a conversation's history
	HistoryCleared(ctx context.Context, conversationID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier, used to ignore
	// notifications sent by this instance.
	ID() string

	// Listen blocks, handling notifications on the given channel until
	// the context is canceled.
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(o *Ollamacord) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(loggerNameKey, "db_notifier")
	switch o.config.DatabaseType {
	case dbTypeSQLite:
		return &localNotifier{logger: log, o: o, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, o: o, notifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// localNotifier is used with SQLite, where only a single instance can
// use the database. Notifications are delivered in-process.
type localNotifier struct {
	logger   *slog.Logger
	o        *Ollamacord
	notifyID string
}

func (l *localNotifier) Listen(_ context.Context, channel string) error {
	l.logger.Debug("listener called", "channel", channel)
	return nil
}

func (*localNotifier) RuntimeConfigChannelName() string { return "" }
func (*localNotifier) HistoryChannelName() string       { return "" }
func (*localNotifier) StopChannelName() string          { return "" }

func (l *localNotifier) ID() string {
	return l.notifyID
}

func (l *localNotifier) Stop(ctx context.Context) bool {
	l.logger.Info("notifying stop signal")
	select {
	case l.o.signalStop <- struct{}{}:
		return true
	case <-ctx.Done():
		l.logger.Warn("timeout sending stop signal")
		return false
	}
}

func (l *localNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	select {
	case l.o.triggerRuntimeConfigRefreshCh <- true:
		return true
	case <-ctx.Done():
		l.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
}

// HistoryCleared is a no-op: the single instance already cleared its
// own copy.
func (*localNotifier) HistoryCleared(context.Context, string) bool {
	return true
}

// postgresNotifier uses LISTEN/NOTIFY, so multiple bot instances can
// share one database.
type postgresNotifier struct {
	o        *Ollamacord
	logger   *slog.Logger
	notifyID string
}

func (*postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (*postgresNotifier) HistoryChannelName() string {
	return postgresNotifyChannelHistoryCleared
}

func (*postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	if err := p.o.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error; err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.ID())
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.ID())
}

func (p *postgresNotifier) HistoryCleared(ctx context.Context, conversationID string) bool {
	return p.notify(
		ctx,
		p.HistoryChannelName(),
		newHistoryClearedNotification(p.ID(), conversationID),
	)
}

func parseHistoryClearedNotification(s string) (notifierID, conversationID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newHistoryClearedNotification(notifierID string, conversationID string) string {
	return strings.Join([]string{notifierID, conversationID}, recordSeparator)
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.o.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(dbListenRetryInterval)
			continue
		}
		p.handleNotification(ctx, logger, channel, notification.Payload)
	}
	return nil
}

func (p *postgresNotifier) handleNotification(
	ctx context.Context,
	logger *slog.Logger,
	channel string,
	payload string,
) {
	if payload == p.ID() {
		logger.DebugContext(ctx, "received notification from self, ignoring")
		return
	}

	switch channel {
	case p.RuntimeConfigChannelName():
		logger.InfoContext(ctx, "received notification for runtime config update")
		select {
		case p.o.triggerRuntimeConfigRefreshCh <- true:
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn("timed out sending config refresh signal")
		}
	case p.HistoryChannelName():
		notifierID, conversationID := parseHistoryClearedNotification(payload)
		if notifierID == p.ID() {
			return
		}
		logger.InfoContext(ctx, "received history cleared notification", "conversation_id", conversationID)
		p.o.memory.Forget(conversationID)
	case p.StopChannelName():
		logger.InfoContext(ctx, "received stop signal via NOTIFY")
		select {
		case p.o.signalStop <- struct{}{}:
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn("timed out forwarding stop signal")
		}
	default:
		logger.Warn("received unknown notification")
	}
}
