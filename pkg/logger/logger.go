// Package logger provides the component-tagged, field-annotated logging used
// throughout picoclaw. No third-party structured-logging library appears in
// the example corpus, so this stays on the standard library's log package.
package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[level]string{
	levelDebug: "DEBUG",
	levelInfo:  "INFO",
	levelWarn:  "WARN",
	levelError: "ERROR",
}

var (
	mu        sync.Mutex
	minLevel  = levelInfo
	std       = log.New(os.Stderr, "", log.LstdFlags)
	envLoaded bool
)

func loadLevelFromEnv() {
	mu.Lock()
	defer mu.Unlock()
	if envLoaded {
		return
	}
	envLoaded = true
	switch strings.ToUpper(strings.TrimSpace(os.Getenv("PICOCLAW_LOG_LEVEL"))) {
	case "DEBUG":
		minLevel = levelDebug
	case "WARN":
		minLevel = levelWarn
	case "ERROR":
		minLevel = levelError
	case "INFO", "":
		minLevel = levelInfo
	}
}

// SetLevel overrides the minimum log level programmatically (mainly for tests).
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	envLoaded = true
	switch strings.ToUpper(name) {
	case "DEBUG":
		minLevel = levelDebug
	case "WARN":
		minLevel = levelWarn
	case "ERROR":
		minLevel = levelError
	default:
		minLevel = levelInfo
	}
}

func logf(lv level, component, msg string, fields map[string]interface{}) {
	loadLevelFromEnv()
	mu.Lock()
	active := lv >= minLevel
	mu.Unlock()
	if !active {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] [%s] %s", levelNames[lv], component, msg))
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	std.Println(sb.String())
}

func DebugCF(component, msg string, fields map[string]interface{}) { logf(levelDebug, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]interface{})  { logf(levelInfo, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]interface{})  { logf(levelWarn, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]interface{}) { logf(levelError, component, msg, fields) }

// InfoC logs without structured fields.
func InfoC(component, msg string) { logf(levelInfo, component, msg, nil) }

// WarnC logs a warning without structured fields.
func WarnC(component, msg string) { logf(levelWarn, component, msg, nil) }

// ErrorC logs an error without structured fields.
func ErrorC(component, msg string) { logf(levelError, component, msg, nil) }
