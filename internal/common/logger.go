package common

// NullLogger discards all log messages.
type NullLogger struct{}

// NewNullLogger creates a logger that discards all messages.
func NewNullLogger() Logger { return NullLogger{} }

func (NullLogger) Debug(msg string, fields ...interface{}) {}
func (NullLogger) Info(msg string, fields ...interface{})  {}
func (NullLogger) Warn(msg string, fields ...interface{})  {}
func (NullLogger) Error(msg string, fields ...interface{}) {}
