package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelColors = map[LogLevel][]color.Attribute{
	DEBUG: {color.FgCyan},
	INFO:  {color.FgGreen},
	WARN:  {color.FgYellow},
	ERROR: {color.FgRed},
	FATAL: {color.FgRed, color.Bold},
}

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// Options controls where a Logger writes.
type Options struct {
	Dir      string
	Prefix   string
	MinLevel LogLevel
	Terminal io.Writer
	NoFile   bool
}

type Logger struct {
	mu       sync.Mutex
	terminal io.Writer
	file     *os.File
	minLevel LogLevel
	exit     func(int)
}

// NewLogger writes coloured lines to stdout and JSON lines to logs/order-service-<date>.log.
func NewLogger() *Logger {
	return New(Options{Dir: "logs", Prefix: "order-service", MinLevel: DEBUG, Terminal: os.Stdout})
}

// NewNop returns a logger that drops everything. Used by tests.
func NewNop() *Logger {
	return &Logger{terminal: io.Discard, minLevel: DEBUG, exit: os.Exit}
}

func New(opts Options) *Logger {
	l := &Logger{terminal: opts.Terminal, minLevel: opts.MinLevel, exit: os.Exit}
	if l.terminal == nil {
		l.terminal = io.Discard
	}
	if opts.NoFile {
		return l
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		log.Fatal("Failed to create logs directory:", err)
	}
	name := filepath.Join(opts.Dir, fmt.Sprintf("%s-%s.log", opts.Prefix, time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatal("Failed to create log file:", err)
	}
	l.file = f

	l.Info("LOGGER", fmt.Sprintf("Log file: %s", name))
	return l
}

func (l *Logger) log(level LogLevel, category, message string) {
	if level < l.minLevel {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Level:     levelNames[level],
		Category:  strings.ToUpper(category),
		Message:   message,
		File:      file,
		Line:      line,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprint(l.terminal, l.formatTerminal(level, entry))
	if l.file != nil {
		b, _ := json.Marshal(entry)
		l.file.Write(append(b, '\n'))
	}
}

func (l *Logger) formatTerminal(level LogLevel, entry LogEntry) string {
	attrs := levelColors[level]
	levelStr := color.New(attrs...).Sprintf("%-5s", entry.Level)
	categoryStr := color.New(append(attrs, color.Bold)...).Sprintf("[%-10s]", entry.Category)
	timeStr := color.New(color.FgBlue).Sprint(entry.Timestamp[11:19])

	if entry.File == "" || entry.Line == 0 {
		return fmt.Sprintf("%s %s %s %s\n", timeStr, levelStr, categoryStr, entry.Message)
	}
	where := color.New(color.FgMagenta).Sprintf(" (%s:%d)", entry.File, entry.Line)
	return fmt.Sprintf("%s %s %s %s%s\n", timeStr, levelStr, categoryStr, entry.Message, where)
}

func (l *Logger) Debug(category, message string) {
	l.log(DEBUG, category, message)
}

func (l *Logger) Info(category, message string) {
	l.log(INFO, category, message)
}

func (l *Logger) Warn(category, message string) {
	l.log(WARN, category, message)
}

func (l *Logger) Error(category, message string) {
	l.log(ERROR, category, message)
}

func (l *Logger) Fatal(category, message string) {
	l.log(FATAL, category, message)
	l.exit(1)
}

// Component helpers

func (l *Logger) LogOrder(action, orderID, message string) {
	l.log(INFO, "ORDER", fmt.Sprintf("[%s] %s - %s", action, orderID, message))
}

func (l *Logger) LogPayment(action, gatewayOrderID, message string) {
	l.log(INFO, "PAYMENT", fmt.Sprintf("[%s] %s - %s", action, gatewayOrderID, message))
}

func (l *Logger) LogAPI(method, path string, status int, duration time.Duration) {
	l.log(INFO, "API", fmt.Sprintf("%s %s - %d (%s)", method, path, status, duration))
}

func (l *Logger) LogKafka(action, topic, message string) {
	l.log(INFO, "KAFKA", fmt.Sprintf("[%s] %s - %s", action, topic, message))
}

func (l *Logger) LogDatabase(operation, table, message string) {
	l.log(DEBUG, "DATABASE", fmt.Sprintf("[%s] %s - %s", operation, table, message))
}

func (l *Logger) LogSecurity(event, message string) {
	l.log(WARN, "SECURITY", fmt.Sprintf("[%s] %s", event, message))
}

func (l *Logger) Close() {
	if l.file != nil {
		l.Info("LOGGER", "Closing log file")
		l.file.Close()
	}
}
