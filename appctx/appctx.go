// Package appctx 进程级上下文：日志、粘性错误与 panic 钩子。
// 由 main 显式创建并传入各组件的构造函数，同步核心不依赖任何全局变量。
package appctx

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"tickarena/config"
)

type Context struct {
	Log *zap.SugaredLogger

	mu      sync.Mutex
	err     error
	closers []func() error
	sinks   []func() error
	closed  bool
}

// New 初始化 zap 日志写入滚动文件（lumberjack），可选同时输出到 stderr
func New(cfg config.Log) (*Context, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if cfg.Level == "" {
		level, err = zapcore.InfoLevel, nil
	}
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)

	c := &Context{}
	var cores []zapcore.Core
	if cfg.File != "" {
		// 文件滚动策略：MaxSize MB 每文件，保留 MaxBackups 个备份
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(lj), level))
		c.sinks = append(c.sinks, lj.Close)
	}
	if cfg.Stderr || cfg.File == "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	c.Log = logger.Sugar()
	return c, nil
}

// Nop 丢弃所有日志，供测试与未显式配置的组件使用
func Nop() *Context {
	return &Context{Log: zap.NewNop().Sugar()}
}

// FromLogger 用现成的 logger 构造上下文（测试中配合 zaptest/observer）
func FromLogger(l *zap.Logger) *Context {
	return &Context{Log: l.Sugar()}
}

// Fail 记录第一个致命错误，之后的调用被忽略
func (c *Context) Fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
		c.Log.Errorw("fatal error recorded", "error", err)
	}
}

// Err 返回粘性错误
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Recover 在协程入口 defer 调用：记录 panic 与堆栈并转为粘性错误
func (c *Context) Recover(where string) {
	if r := recover(); r != nil {
		c.Log.Errorw("panic recovered", "where", where, "panic", r, "stack", string(debug.Stack()))
		c.Fail(fmt.Errorf("panic in %s: %v", where, r))
	}
}

// OnClose 注册关闭时执行的清理函数，按注册的逆序执行
func (c *Context) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Close 同步日志缓冲并执行清理
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	_ = c.Log.Sync()
	// 日志文件最后关闭
	for _, fn := range c.sinks {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
