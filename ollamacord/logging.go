package ollamacord

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc returns a function suitable for discordgo.Logger,
// which forwards discordgo's printf-style log calls to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

var (
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
)

// DBLogLevel is a log level persisted in RuntimeConfig. It's stored as
// its string form ("DEBUG", "INFO", "WARN" or "ERROR").
type DBLogLevel string

func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.Set(string(v))
	case string:
		return l.Set(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var levelString string
	if err := json.Unmarshal(data, &levelString); err != nil {
		return err
	}
	return l.Set(levelString)
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Set parses s as a slog level name. Offsets like "INFO+2" are rejected,
// only the four named levels are accepted.
func (l *DBLogLevel) Set(s string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("unknown log level: %s", s)
	}
	switch level {
	case slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError:
		*l = DBLogLevel(level.String())
		return nil
	default:
		return fmt.Errorf("unknown log level: %s", s)
	}
}

// Level returns the slog.Level, falling back to slog.LevelInfo for
// unrecognized values.
func (l DBLogLevel) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l)); err != nil {
		slog.Default().Error(fmt.Sprintf("unknown log level '%s'", string(l)))
		return slog.LevelInfo
	}
	return level
}

// gormStructuredLogger implements gorm's logger.Interface on top of slog.
// SQL statements are logged at debug, and statements slower than
// SlowThreshold are logged at warn.
type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, levels are controlled by the handler's LevelVar.
func (g *gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	slow := g.SlowThreshold > 0 && elapsed > g.SlowThreshold

	level := slog.LevelDebug
	msg := "sql completed"
	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		level = slog.LevelError
		msg = "sql error"
	case slow:
		level = slog.LevelWarn
		msg = "slow sql"
	}
	if !g.logger.Enabled(ctx, level) {
		return
	}

	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	g.logger.Log(
		ctx,
		level,
		msg,
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"rows", rows,
		"sql", s,
		tint.Err(err),
	)
}

// gocronLogger adapts slog to gocron.Logger
type gocronLogger struct {
	logger *slog.Logger
}

func newGocronLogger(l *slog.Logger) gocron.Logger {
	return &gocronLogger{logger: l.With(loggerNameKey, "scheduler")}
}

func (l *gocronLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, schedulerLogArgs(args)...)
}

func (l *gocronLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, schedulerLogArgs(args)...)
}

func (l *gocronLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, schedulerLogArgs(args)...)
}

func (l *gocronLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, schedulerLogArgs(args)...)
}

// schedulerLogArgs swaps gocron's "error" key/value pairs for tint.Err,
// so scheduler errors render like the rest of the bot's errors.
func schedulerLogArgs(args []any) []any {
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			out = append(out, args[i])
			break
		}
		key, val := args[i], args[i+1]
		if fmt.Sprint(key) == "error" {
			if err, ok := val.(error); ok {
				out = append(out, tint.Err(err))
				continue
			}
		}
		out = append(out, key, val)
	}
	return out
}
