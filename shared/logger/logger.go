// Copyright 2025 Nooterra
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelOrder = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger writes structured JSON log lines to stdout. LOG_LEVEL filters
// entries below the configured severity.
type Logger struct {
	Component string
	Container string
	minLevel  LogLevel
}

// LogEntry is one structured line. Workflow, node and agent ids ride in
// Fields so log aggregation can slice by them.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Component string         `json:"component"`
	Container string         `json:"container"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
func New(component string) *Logger {
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}
	minLevel := INFO
	if v := LogLevel(strings.ToUpper(os.Getenv("LOG_LEVEL"))); v != "" {
		if _, ok := levelOrder[v]; ok {
			minLevel = v
		}
	}
	return &Logger{
		Component: component,
		Container: container,
		minLevel:  minLevel,
	}
}

// Log writes one entry to stdout unless filtered by level.
func (l *Logger) Log(level LogLevel, message string, fields map[string]any) {
	if levelOrder[level] < levelOrder[l.minLevel] {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Container: l.Container,
		Message:   message,
		Fields:    fields,
	}
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(message string, fields map[string]any) {
	l.Log(INFO, message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]any) {
	l.Log(ERROR, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]any) {
	l.Log(WARN, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]any) {
	l.Log(DEBUG, message, fields)
}

// ErrWith attaches an error to a field map, allocating one when needed.
func ErrWith(fields map[string]any, err error) map[string]any {
	if fields == nil {
		fields = make(map[string]any)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	return fields
}
