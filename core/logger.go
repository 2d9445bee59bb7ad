package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger writes structured log lines to an io.Writer.
// Format is JSON when running in Kubernetes (or when explicitly
// configured) and human-readable text otherwise.
//
// Configuration priority:
//  1. Explicit options (highest)
//  2. Environment variables (ORCHESTRATOR_LOG_LEVEL, ORCHESTRATOR_LOG_FORMAT)
//  3. Auto-detection (K8s environment)
type ProductionLogger struct {
	mu      sync.Mutex
	level   int
	format  string
	service string
	output  io.Writer
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// NewProductionLogger creates a logger for the named service.
func NewProductionLogger(service string) *ProductionLogger {
	level := levelInfo
	switch strings.ToLower(os.Getenv("ORCHESTRATOR_LOG_LEVEL")) {
	case "debug":
		level = levelDebug
	case "warn", "warning":
		level = levelWarn
	case "error":
		level = levelError
	}

	format := strings.ToLower(os.Getenv("ORCHESTRATOR_LOG_FORMAT"))
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}

	return &ProductionLogger{
		level:   level,
		format:  format,
		service: service,
		output:  os.Stdout,
	}
}

// SetOutput redirects log output, primarily for tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *ProductionLogger) log(level int, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+4)
		for k, v := range fields {
			entry[k] = v
		}
		entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
		entry["level"] = name
		entry["service"] = l.service
		entry["message"] = msg

		data, err := json.Marshal(entry)
		if err != nil {
			// Fall back to a plain line rather than dropping the event
			fmt.Fprintf(l.output, "%s %s %s (marshal error: %v)\n", name, l.service, msg, err)
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(time.Now().Format("15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(name)
	sb.WriteString("] ")
	sb.WriteString(msg)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
	}
	fmt.Fprintln(l.output, sb.String())
}
