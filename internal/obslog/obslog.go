package obslog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 전역 로거. 초기화 전에는 Nop.
var current atomic.Pointer[zap.Logger]

func init() { current.Store(zap.NewNop()) }

// L는 전역 로거를 반환.
func L() *zap.Logger { return current.Load() }

// Set replaces the global logger; tests use it with zaptest/observer loggers.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// Or returns l when non-nil, otherwise the global logger.
func Or(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return L()
}

// Settings는 LOG_* 환경변수에서 읽은 출력 설정.
type Settings struct {
	Level   zapcore.Level
	Format  string // legacy | json | console
	Console bool
	File    string // 빈 값이면 파일 출력 안 함
	Caller  bool
	Service string
}

// SettingsFromEnv parses LOG_LEVEL, LOG_FORMAT, LOG_TO_CONSOLE, LOG_TO_FILE,
// LOG_FILE, LOG_CALLER and LOG_SERVICE.
func SettingsFromEnv() Settings {
	s := Settings{
		Level:   parseLevel(os.Getenv("LOG_LEVEL")),
		Format:  normalizeFormat(os.Getenv("LOG_FORMAT")),
		Console: envBool("LOG_TO_CONSOLE", true),
		Caller:  envBool("LOG_CALLER", false),
		Service: strings.TrimSpace(os.Getenv("LOG_SERVICE")),
	}
	if s.Service == "" {
		s.Service = "authbridge"
	}
	if envBool("LOG_TO_FILE", false) {
		s.File = strings.TrimSpace(os.Getenv("LOG_FILE"))
		if s.File == "" {
			s.File = filepath.Join("logs", s.Service+".log")
		}
	}
	// legacy 포맷은 항상 호출 위치를 찍는다
	if s.Format == "legacy" {
		s.Caller = true
	}
	return s
}

// Build creates a logger from s without installing it.
func Build(s Settings) (*zap.Logger, error) {
	var sinks []io.Writer
	if s.Console {
		sinks = append(sinks, os.Stdout)
	}
	if s.File != "" {
		if dir := filepath.Dir(s.File); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(s.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sinks = append(sinks, f)
	}

	enc := newEncoder(s.Format)
	if len(sinks) == 0 {
		sinks = append(sinks, os.Stdout)
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	cores := make([]zapcore.Core, 0, len(sinks))
	for _, w := range sinks {
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(w), s.Level))
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if s.Caller {
		opts = append(opts, zap.AddCaller())
	}
	l := zap.New(zapcore.NewTee(cores...), opts...)
	if s.Service != "" {
		l = l.With(zap.String("service", s.Service))
	}
	return l, nil
}

// InitFromEnv는 환경설정으로 zap 로거를 만들어 전역으로 설치.
func InitFromEnv() error {
	l, err := Build(SettingsFromEnv())
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Sync flushes buffered entries; call before exit.
func Sync() { _ = L().Sync() }

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	switch format {
	case "json":
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	case "console":
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	default:
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.ConsoleSeparator = " | "
		return zapcore.NewConsoleEncoder(cfg)
	}
}

func normalizeFormat(v string) string {
	switch f := strings.ToLower(strings.TrimSpace(v)); f {
	case "json", "console":
		return f
	default:
		return "legacy"
	}
}

func parseLevel(v string) zapcore.Level {
	var lvl zapcore.Level
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "warning":
		return zapcore.WarnLevel
	case "":
		return zapcore.InfoLevel
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(v)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}
