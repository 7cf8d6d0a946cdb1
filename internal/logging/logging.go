// Package logging provides categorized structured logging for SecondMind.
// Each subsystem logs through a named child logger; output goes to a shared
// file under <memory root>/logs/ plus the console when debug mode is on.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryLLM          Category = "llm"
	CategoryStore        Category = "store"
	CategoryIndex        Category = "index"
	CategoryLocator      Category = "locator"
	CategoryMemory       Category = "memory"
	CategoryRetrieval    Category = "retrieval"
	CategoryJudge        Category = "judge"
	CategoryContext      Category = "context"
	CategoryPrompt       Category = "prompt"
	CategoryCode         Category = "code"
	CategoryOrchestrator Category = "orchestrator"
	CategoryReflexor     Category = "reflexor"
	CategoryConsolidator Category = "consolidator"
	CategoryAudit        Category = "audit"
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize configures the process-wide logger. memoryRoot may be empty for
// console-only logging (tests). Safe to call more than once; the last call wins.
func Initialize(memoryRoot string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if memoryRoot != "" {
		logsDir := filepath.Join(memoryRoot, "logs")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logsDir, "secondmind.log"),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}
	if debug || memoryRoot == "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), level))
	}

	root = zap.New(zapcore.NewTee(cores...))
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the sugared logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	if root == nil {
		root = zap.NewNop()
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}
