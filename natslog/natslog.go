// Package natslog provides a compact colored console slog.Handler for use
// with the client and the fakenats tool. It renders one line per record:
// timestamp, level, message, then key=value attributes.
package natslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

// Handler is a console slog.Handler with colored levels.
type Handler struct {
	lock   *sync.Mutex
	writer io.Writer
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

// NewHandler returns a Handler writing formatted records at or above the
// given level to writer.
func NewHandler(writer io.Writer, level slog.Level) *Handler {
	return &Handler{
		lock:   new(sync.Mutex),
		writer: writer,
		level:  level,
	}
}

// Enabled implements slog.Handler.
func (handler *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= handler.level
}

// Handle implements slog.Handler.
func (handler *Handler) Handle(_ context.Context, record slog.Record) error {
	level := record.Level.String()
	switch {
	case record.Level >= slog.LevelError:
		level = color.RedString(level)
	case record.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case record.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	line := fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(record.Time.Format("2006-01-02T15:04:05")),
		level,
		record.Message,
	)

	for _, attr := range handler.attrs {
		line += color.CyanString(fmt.Sprintf(" %s=%v", attr.Key, attr.Value))
	}
	record.Attrs(func(attr slog.Attr) bool {
		line += color.CyanString(fmt.Sprintf(" %s=%v", handler.attrKey(attr.Key), attr.Value))
		return true
	})
	line += "\n"

	handler.lock.Lock()
	defer handler.lock.Unlock()
	_, err := io.WriteString(handler.writer, line)
	return err
}

func (handler *Handler) attrKey(key string) string {
	if handler.group == "" {
		return key
	}
	return handler.group + "." + key
}

// WithAttrs implements slog.Handler. Keys are qualified with the open group
// at the time of the call, so later WithGroup calls do not retroactively
// rename inherited attributes.
func (handler *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(handler.attrs)+len(attrs))
	merged = append(merged, handler.attrs...)
	for _, attr := range attrs {
		merged = append(merged, slog.Attr{Key: handler.attrKey(attr.Key), Value: attr.Value})
	}
	return &Handler{
		lock:   handler.lock,
		writer: handler.writer,
		level:  handler.level,
		attrs:  merged,
		group:  handler.group,
	}
}

// WithGroup implements slog.Handler.
func (handler *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return handler
	}
	group := name
	if handler.group != "" {
		group = handler.group + "." + name
	}
	return &Handler{
		lock:   handler.lock,
		writer: handler.writer,
		level:  handler.level,
		attrs:  handler.attrs,
		group:  group,
	}
}

// New returns a slog.Logger backed by a Handler.
func New(writer io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewHandler(writer, level))
}
