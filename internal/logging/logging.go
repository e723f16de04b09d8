// Package logging configures the bot's logrus logger. Every component gets a
// *logrus.Entry; lines carry an "event" field so they can be filtered.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/config"
)

const serviceName = "metered-bot"

// Fields is a shorthand alias for structured log fields.
type Fields = logrus.Fields

var (
	baseLogger *logrus.Entry

	fieldMap = logrus.FieldMap{
		logrus.FieldKeyTime:  "ts",
		logrus.FieldKeyMsg:   "msg",
		logrus.FieldKeyLevel: "level",
	}
)

// Context holds the per-update identifiers attached to log lines. Zero values
// are left out.
type Context struct {
	UserID    int64
	ChatID    int64
	AccountID int64
	UpdateID  int64
	Module    string
	Event     string
}

func (c Context) fields() Fields {
	out := Fields{}
	for key, id := range map[string]int64{
		"user_id":    c.UserID,
		"chat_id":    c.ChatID,
		"account_id": c.AccountID,
		"update_id":  c.UpdateID,
	} {
		if id != 0 {
			out[key] = id
		}
	}
	if module := strings.TrimSpace(c.Module); module != "" {
		out["module"] = module
	}
	if event := strings.TrimSpace(c.Event); event != "" {
		out["event"] = event
	}
	return out
}

// Setup builds the process logger from cfg and makes it the base for Logger.
func Setup(cfg config.Config) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	baseLogger = newBase(cfg.AppEnv, level)
	return baseLogger, nil
}

func newBase(appEnv string, level logrus.Level) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatterForEnv(appEnv))
	logger.AddHook(levelCounter{})

	return logger.WithFields(Fields{
		"service": serviceName,
		"env":     appEnv,
	})
}

// Logger returns the base logger. Before Setup it is a production default so
// early boot errors still come out as JSON.
func Logger() *logrus.Entry {
	if baseLogger == nil {
		baseLogger = newBase(config.DefaultAppEnv, logrus.InfoLevel)
	}
	return baseLogger
}

// Enrich attaches the non-zero fields of ctx to entry, or to the base logger
// when entry is nil.
func Enrich(entry *logrus.Entry, ctx Context) *logrus.Entry {
	if entry == nil {
		entry = Logger()
	}
	return entry.WithFields(ctx.fields())
}

// Info logs on the base logger.
func Info(msg string, fields Fields) {
	Logger().WithFields(fields).Info(msg)
}

// Error logs on the base logger.
func Error(msg string, fields Fields) {
	Logger().WithFields(fields).Error(msg)
}

func formatterForEnv(appEnv string) logrus.Formatter {
	if appEnv == config.EnvDevelopment {
		return &logrus.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        time.RFC3339Nano,
			FieldMap:               fieldMap,
			DisableLevelTruncation: true,
		}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        fieldMap,
	}
}
