package mock

import "orderfabric/internal/core"

// Logger is a no-op core.ILogger for tests.
type Logger struct{}

// NewLogger creates a no-op logger.
func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Debug(msg string, fields ...interface{})        {}
func (l *Logger) Info(msg string, fields ...interface{})         {}
func (l *Logger) Warn(msg string, fields ...interface{})         {}
func (l *Logger) Error(msg string, fields ...interface{})        {}
func (l *Logger) Fatal(msg string, fields ...interface{})        {}
func (l *Logger) WithField(string, interface{}) core.ILogger     { return l }
func (l *Logger) WithFields(map[string]interface{}) core.ILogger { return l }
