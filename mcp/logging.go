package mcp

// LoggingLevel is a syslog severity.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

var loggingLevels = map[LoggingLevel]int{
	LoggingLevelDebug:     0,
	LoggingLevelInfo:      1,
	LoggingLevelNotice:    2,
	LoggingLevelWarning:   3,
	LoggingLevelError:     4,
	LoggingLevelCritical:  5,
	LoggingLevelAlert:     6,
	LoggingLevelEmergency: 7,
}

// IsValidLoggingLevel reports whether level is one of the eight severities.
func IsValidLoggingLevel(level LoggingLevel) bool {
	_, ok := loggingLevels[level]
	return ok
}

// AtLeast reports whether l is as severe as min. Unknown levels are never.
func (l LoggingLevel) AtLeast(min LoggingLevel) bool {
	a, ok1 := loggingLevels[l]
	b, ok2 := loggingLevels[min]
	return ok1 && ok2 && a >= b
}

type SetLevelRequest struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageNotification is the params of notifications/message.
type LoggingMessageNotification struct {
	Level  LoggingLevel `json:"level"`
	Data   any          `json:"data"`
	Logger string       `json:"logger,omitzero"`
}
