// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextWithPath(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		path string
		want string
	}{
		{name: "nil context", ctx: nil, path: "/media/a.mkv", want: "/media/a.mkv"},
		{name: "background context", ctx: context.Background(), path: "/media/b.mkv", want: "/media/b.mkv"},
		{name: "empty path", ctx: context.Background(), path: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithPath(tt.ctx, tt.path)
			if got := PathFromContext(ctx); got != tt.want {
				t.Errorf("PathFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPathFromContextMissing(t *testing.T) {
	if got := PathFromContext(context.Background()); got != "" {
		t.Errorf("PathFromContext(empty ctx) = %q, want empty", got)
	}
	if got := PathFromContext(nil); got != "" {
		t.Errorf("PathFromContext(nil) = %q, want empty", got)
	}
}

func TestWithContextEnrichment(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithPath(context.Background(), "/media/c.mkv")
	ctx = ContextWithGroup(ctx, "ab12cd34/c")
	ctx = ContextWithOwner(ctx, "host-1-abc")

	enriched := WithContext(ctx, logger)
	enriched.Info().Msg("work")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldPath] != "/media/c.mkv" {
		t.Errorf("path = %v", entry[FieldPath])
	}
	if entry[FieldGroup] != "ab12cd34/c" {
		t.Errorf("group_id = %v", entry[FieldGroup])
	}
	if entry[FieldOwner] != "host-1-abc" {
		t.Errorf("owner = %v", entry[FieldOwner])
	}
}

func TestWithContextNoFieldsReturnsSame(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	enriched := WithContext(context.Background(), logger)
	enriched.Info().Msg("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if _, ok := entry[FieldPath]; ok {
		t.Error("unexpected path field on unenriched logger")
	}
}

func TestFromContextFallsBackToBase(t *testing.T) {
	l := FromContext(context.Background())
	if l == nil {
		t.Fatal("FromContext returned nil")
	}
	l2 := FromContext(nil)
	if l2 == nil {
		t.Fatal("FromContext(nil) returned nil")
	}
}
