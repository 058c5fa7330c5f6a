package logcontext

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

var fieldsKey ctxKey

// AppendCtx returns a context carrying attr in addition to any attrs already
// attached; the logging handler picks them up on every record.
func AppendCtx(parent context.Context, attr slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if attrs, ok := parent.Value(fieldsKey).([]slog.Attr); ok {
		merged := make([]slog.Attr, 0, len(attrs)+1)
		merged = append(merged, attrs...)
		merged = append(merged, attr)
		return context.WithValue(parent, fieldsKey, merged)
	}

	return context.WithValue(parent, fieldsKey, []slog.Attr{attr})
}

func Attrs(ctx context.Context) []slog.Attr {
	if attrs, ok := ctx.Value(fieldsKey).([]slog.Attr); ok {
		return attrs
	}
	return nil
}
