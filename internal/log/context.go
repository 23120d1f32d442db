// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	pathKey  ctxKey = "path"
	groupKey ctxKey = "group_id"
	ownerKey ctxKey = "owner"
)

// ContextWithPath stores the file path being worked on in the context.
func ContextWithPath(ctx context.Context, path string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, pathKey, path)
}

// ContextWithGroup stores the group id in the context.
func ContextWithGroup(ctx context.Context, groupID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, groupKey, groupID)
}

// ContextWithOwner stores the lease owner identity in the context.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ownerKey, owner)
}

// PathFromContext extracts the file path from context if present.
func PathFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(pathKey).(string); ok {
		return v
	}
	return ""
}

// GroupFromContext extracts the group id from context if present.
func GroupFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(groupKey).(string); ok {
		return v
	}
	return ""
}

// OwnerFromContext extracts the lease owner identity from context if present.
func OwnerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if p := PathFromContext(ctx); p != "" {
		builder = builder.Str(FieldPath, p)
		added = true
	}
	if g := GroupFromContext(ctx); g != "" {
		builder = builder.Str(FieldGroup, g)
		added = true
	}
	if o := OwnerFromContext(ctx); o != "" {
		builder = builder.Str(FieldOwner, o)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger annotated with the component name
// and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := FromContext(ctx)
	return WithContext(ctx, l.With().Str(FieldComponent, component).Logger())
}

// FromContext returns a logger from the context, or the base logger if absent.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		l := Base()
		return &l
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		b := Base()
		return &b
	}
	return l
}
