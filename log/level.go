package log

import (
	"errors"
	"strings"
)

var (
	// LogLevelMapping is a mapping for LogLevel enum
	LogLevelMapping = map[string]LogLevel{
		ERROR.String():   ERROR,
		WARNING.String(): WARNING,
		INFO.String():    INFO,
		DEBUG.String():   DEBUG,
		SILENT.String():  SILENT,
	}
)

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
	SILENT
)

type LogLevel int

// ParseLevel is the lookup behind UnmarshalYAML; it accepts any case.
func ParseLevel(s string) (LogLevel, error) {
	level, exist := LogLevelMapping[strings.ToLower(strings.TrimSpace(s))]
	if !exist {
		return INFO, errors.New("invalid log level " + s)
	}
	return level, nil
}

// UnmarshalYAML unserialize LogLevel with yaml
func (l *LogLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var tp string
	if err := unmarshal(&tp); err != nil {
		return err
	}
	level, err := ParseLevel(tp)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// MarshalYAML serialize LogLevel with yaml
func (l LogLevel) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

func (l LogLevel) String() string {
	switch l {
	case INFO:
		return "info"
	case WARNING:
		return "warning"
	case ERROR:
		return "error"
	case DEBUG:
		return "debug"
	case SILENT:
		return "silent"
	default:
		return "unknown"
	}
}
