package logging

import (
	"io"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Init 根据配置或环境变量初始化日志级别与格式
// level 字符串支持：DEBUG / INFO / WARN / ERROR（不区分大小写），默认 INFO。
func Init(level, format string) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		std.SetLevel(logrus.DebugLevel)
	case "WARN", "WARNING":
		std.SetLevel(logrus.WarnLevel)
	case "ERROR":
		std.SetLevel(logrus.ErrorLevel)
	default:
		std.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(format, "json") {
		std.SetFormatter(&logrus.JSONFormatter{})
	} else {
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects all log output, mostly for tests.
func SetOutput(w io.Writer) { std.SetOutput(w) }

func Debugf(format string, args ...any) { std.Debugf(format, args...) }

func Infof(format string, args ...any) { std.Infof(format, args...) }

func Warnf(format string, args ...any) { std.Warnf(format, args...) }

// Errorf 在任何级别下都会输出（除非级别高于 ERROR），用于错误日志。
func Errorf(format string, args ...any) { std.Errorf(format, args...) }

// WithFields returns an entry carrying structured key/values.
func WithFields(fields map[string]any) *logrus.Entry {
	return std.WithFields(logrus.Fields(fields))
}

// CronLogger adapts the package logger to cron.Logger.
func CronLogger() cron.Logger { return cronLogger{} }

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	std.WithFields(pairs(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	std.WithFields(pairs(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func pairs(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}
