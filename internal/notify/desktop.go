package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/signoff/internal/events"
)

// Desktop shows a macOS notification via osascript. On other platforms it is a no-op.
type Desktop struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	if runtime.GOOS != "darwin" {
		return &Desktop{}
	}
	return &Desktop{run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}}
}

func (d *Desktop) Name() string { return "desktop" }

func (d *Desktop) Notify(ctx context.Context, e events.Event) error {
	if d.run == nil {
		return nil
	}
	title, message := describe(e)
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	if out, err := d.run(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// describe renders a one-line title and body for an event.
func describe(e events.Event) (string, string) {
	switch e.Type {
	case events.EventRequestCreated:
		return "Approval requested", fmt.Sprintf("%s created %s", e.Actor, e.RequestID)
	case events.EventStepDecided:
		return "Approval step decided", fmt.Sprintf("%s %s step %d of %s", e.Actor, e.StepStatus, e.StepNumber, e.RequestID)
	case events.EventRequestStatusChanged:
		return "Approval " + e.Status, fmt.Sprintf("%s is now %s", e.RequestID, e.Status)
	case events.EventCommentAdded:
		return "New comment", fmt.Sprintf("%s commented on %s", e.Actor, e.RequestID)
	default:
		return "signoff", fmt.Sprintf("%s on %s", e.Type, e.RequestID)
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
