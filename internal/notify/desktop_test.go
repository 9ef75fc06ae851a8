package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/msageha/signoff/internal/events"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		got := escapeAppleScript(tt.input)
		if got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDesktop_BuildsScript(t *testing.T) {
	var gotName string
	var gotArgs []string
	d := &Desktop{run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return nil, nil
	}}

	err := d.Notify(context.Background(), events.Event{
		Type:      events.EventRequestStatusChanged,
		RequestID: `apr_1700000000_0a1b2c3d`,
		Status:    "approved",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotName != "osascript" || len(gotArgs) != 2 || gotArgs[0] != "-e" {
		t.Fatalf("unexpected command %s %v", gotName, gotArgs)
	}
	if !strings.Contains(gotArgs[1], `with title "Approval approved"`) {
		t.Errorf("script missing title: %s", gotArgs[1])
	}
}

func TestDesktop_ReportsFailure(t *testing.T) {
	d := &Desktop{run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte("no GUI session\n"), errors.New("exit status 1")
	}}
	err := d.Notify(context.Background(), events.Event{Type: events.EventCommentAdded})
	if err == nil || !strings.Contains(err.Error(), "no GUI session") {
		t.Errorf("err = %v, want osascript output included", err)
	}
}

func TestDesktop_NoRunnerIsNoop(t *testing.T) {
	if err := (&Desktop{}).Notify(context.Background(), events.Event{}); err != nil {
		t.Errorf("Notify without runner: %v", err)
	}
}
