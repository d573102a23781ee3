package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the execution context, bus message and
// operation carried by ctx.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(contextDataKey{}).(*ContextData); ok {
		r.AddAttrs(slog.Group("ctx",
			slog.String("id", cd.ContextID),
			slog.String("session_id", cd.SessionID),
			slog.String("user_id", cd.UserID),
		))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("msg",
			slog.String("id", md.ID),
			slog.String("type", md.Type),
			slog.String("from", md.From),
		))
	}

	if od, ok := ctx.Value(opDataKey{}).(*OpData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("name", od.Name),
			slog.String("id", od.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type contextDataKey struct{}

// ContextData identifies the execution context a log line belongs to.
type ContextData struct {
	ContextID string
	SessionID string
	UserID    string
}

func WithContextData(ctx context.Context, data *ContextData) context.Context {
	return context.WithValue(ctx, contextDataKey{}, data)
}

type messageDataKey struct{}

// MessageData describes the bus message being handled.
type MessageData struct {
	ID   string
	Type string
	From string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}

type opDataKey struct{}

type OpData struct {
	Name string
	ID   string
}

func WithOpData(ctx context.Context, data *OpData) context.Context {
	return context.WithValue(ctx, opDataKey{}, data)
}
