package logger

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	FatalLevel = zapcore.FatalLevel
)

// Logger 对zap的简单封装，保留格式化输出接口
type Logger struct {
	l     *zap.Logger
	s     *zap.SugaredLogger
	level zap.AtomicLevel
}

var std atomic.Pointer[Logger]

func init() {
	std.Store(New(os.Stderr, InfoLevel))
}

// New 创建日志实例
// 参数：
//   - out：日志输出（文件、轮转写入器或标准输出）
//   - level：最低输出级别
func New(out io.Writer, level Level, opts ...zap.Option) *Logger {
	if out == nil {
		out = os.Stderr
	}
	al := zap.NewAtomicLevelAt(level)

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(out),
		al,
	)
	opts = append([]zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}, opts...)
	l := zap.New(core, opts...)
	return &Logger{l: l, s: l.Sugar(), level: al}
}

// NewProductionRotateByTime 按天轮转的日志文件，保留7天
func NewProductionRotateByTime(filename string) io.Writer {
	w, err := rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		panic(err)
	}
	return w
}

// NewProductionRotateBySize 按大小轮转的日志文件（100MB）
func NewProductionRotateBySize(filename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 7,
		LocalTime:  true,
		Compress:   true,
	}
}

// Default 返回全局日志实例
func Default() *Logger {
	return std.Load()
}

// ReplaceDefault 替换全局日志实例
func ReplaceDefault(l *Logger) {
	if l != nil {
		std.Store(l)
	}
}

// SetLevel 设置全局日志级别
func SetLevel(level Level) {
	Default().SetLevel(level)
}

// Sync 刷新缓冲的日志
func Sync() error {
	return Default().Sync()
}

// With 返回附带固定字段的子日志实例（如连接ID）
func With(kv ...interface{}) *Logger {
	return Default().With(kv...)
}

func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level) }
func (l *Logger) Level() Level         { return l.level.Level() }
func (l *Logger) Sync() error          { return l.l.Sync() }

func (l *Logger) With(kv ...interface{}) *Logger {
	s := l.s.With(kv...)
	return &Logger{l: s.Desugar(), s: s, level: l.level}
}

func (l *Logger) Debug(args ...interface{})                 { l.s.Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.s.Info(args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.s.Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.s.Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.s.Fatalf(format, args...) }

func Debug(args ...interface{})                 { Default().s.Debug(args...) }
func Debugf(format string, args ...interface{}) { Default().s.Debugf(format, args...) }
func Info(args ...interface{})                  { Default().s.Info(args...) }
func Infof(format string, args ...interface{})  { Default().s.Infof(format, args...) }
func Warn(args ...interface{})                  { Default().s.Warn(args...) }
func Warnf(format string, args ...interface{})  { Default().s.Warnf(format, args...) }
func Error(args ...interface{})                 { Default().s.Error(args...) }
func Errorf(format string, args ...interface{}) { Default().s.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { Default().s.Fatalf(format, args...) }
