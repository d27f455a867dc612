package model

import (
	"fmt"
	"strings"
)

// LogLevel orders log severities, most severe first.
type LogLevel uint8

const (
	LevelFatal LogLevel = iota + 1
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"", "fatal", "error", "warn", "info", "debug", "trace"}

func (l LogLevel) String() string {
	if int(l) < len(levelNames) && l > 0 {
		return levelNames[l]
	}
	return fmt.Sprintf("LogLevel(%d)", uint8(l))
}

// MarshalText encodes the level by name.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText, in any case,
// plus "warning".
func (l *LogLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseLogLevel(string(b))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// ParseLogLevel parses a level name.
func ParseLogLevel(s string) (LogLevel, error) {
	s = strings.ToLower(s)
	if s == "warning" {
		return LevelWarn, nil
	}
	for i, name := range levelNames {
		if i > 0 && name == s {
			return LogLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// LogEntry is one log record. TimeMs is on the process clock and Target
// names the emitting module.
type LogEntry struct {
	TimeMs float64  `json:"time_ms"`
	Level  LogLevel `json:"level"`
	Target string   `json:"target"`
	Msg    string   `json:"msg"`
}

// Matches reports whether every needle occurs in the entry's target or
// message. Needles must already be lower case.
func (e LogEntry) Matches(needles []string) bool {
	target, msg := strings.ToLower(e.Target), strings.ToLower(e.Msg)
	for _, n := range needles {
		if !strings.Contains(target, n) && !strings.Contains(msg, n) {
			return false
		}
	}
	return true
}

// AtLeast reports whether the entry is as severe as threshold. A zero
// threshold accepts everything.
func (e LogEntry) AtLeast(threshold LogLevel) bool {
	return threshold == 0 || e.Level <= threshold
}

// SearchNeedles splits a search string on spaces into lower case needles.
func SearchNeedles(search string) []string {
	var out []string
	for _, part := range strings.Split(search, " ") {
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
