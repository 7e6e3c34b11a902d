// Package logging wires the standard library's slog onto a logfmt writer
// that also republishes every record onto a pubsub broker, so subscribers
// such as the terminal status dashboard can tail logs live.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"maxrelay/internal/pubsub"

	"github.com/go-logfmt/logfmt"
)

// LogMessage is one decoded log record, kept around for the live log feed.
type LogMessage struct {
	ID         string
	Time       time.Time
	Level      string
	Message    string
	Attributes []Attr
}

type Attr struct {
	Key   string
	Value string
}

type logData struct {
	mu       sync.Mutex
	messages []LogMessage
	*pubsub.Broker[LogMessage]
}

func (l *logData) add(ctx context.Context, msg LogMessage) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	if len(l.messages) > maxRetained {
		l.messages = l.messages[len(l.messages)-maxRetained:]
	}
	l.mu.Unlock()
	_ = l.Publish(ctx, pubsub.CreatedEvent, msg)
}

func (l *logData) list() []LogMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

const maxRetained = 2000

var defaultLogData = &logData{
	messages: make([]LogMessage, 0),
	Broker:   pubsub.NewBroker[LogMessage](),
}

// writer is an io.Writer suitable for slog.NewTextHandler: it mirrors every
// write to stdout and decodes the logfmt record into the live feed.
type writer struct{}

func NewWriter() *writer { return &writer{} }

func (w *writer) Write(p []byte) (int, error) {
	if _, err := os.Stdout.Write(p); err != nil {
		return 0, fmt.Errorf("writing to stdout: %w", err)
	}

	d := logfmt.NewDecoder(bytes.NewReader(p))
	for d.ScanRecord() {
		msg := LogMessage{
			ID:   fmt.Sprintf("%d", time.Now().UnixNano()),
			Time: time.Now(),
		}
		for d.ScanKeyval() {
			switch string(d.Key()) {
			case "time":
				if parsed, err := time.Parse(time.RFC3339, string(d.Value())); err == nil {
					msg.Time = parsed
				}
			case "level":
				msg.Level = strings.ToLower(string(d.Value()))
			case "msg":
				msg.Message = string(d.Value())
			default:
				msg.Attributes = append(msg.Attributes, Attr{
					Key:   string(d.Key()),
					Value: string(d.Value()),
				})
			}
		}
		defaultLogData.add(context.Background(), msg)
	}
	if d.Err() != nil {
		// logfmt couldn't decode this write (e.g. a multi-line panic dump);
		// it was still mirrored to stdout above, so don't fail the caller.
		return len(p), nil
	}
	return len(p), nil
}

// Subscribe returns a live feed of decoded log records.
func Subscribe(ctx context.Context) <-chan pubsub.Event[LogMessage] {
	return defaultLogData.Subscribe(ctx)
}

// Recent returns up to maxRetained most recently recorded log records.
func Recent() []LogMessage {
	return defaultLogData.list()
}
