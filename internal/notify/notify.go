// Package notify delivers integration health alerts to humans.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Alert kinds.
const (
	KindAuth     = "auth"
	KindFailing  = "failing"
	KindOrphaned = "orphaned"
)

// Alert describes one health problem of an integration.
type Alert struct {
	Integration string
	Kind        string
	Message     string
	At          time.Time
}

// Title is a one-line summary used as a message heading.
func (a Alert) Title() string {
	switch a.Kind {
	case KindAuth:
		return fmt.Sprintf("Coupler: %s credentials rejected", a.Integration)
	case KindOrphaned:
		return fmt.Sprintf("Coupler: %s has orphaned links", a.Integration)
	default:
		return fmt.Sprintf("Coupler: %s sync failing", a.Integration)
	}
}

// Color is the hex accent used by chat notifiers.
func (a Alert) Color() string {
	if a.Kind == KindAuth {
		return "#d93f0b"
	}
	return "#fbca04"
}

// Notifier sends alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Command runs a shell command template per alert, e.g.
// "notify-send '{{.Title}}' '{{.Message}}'".
type Command struct {
	Template string
}

func (c Command) Notify(ctx context.Context, a Alert) error {
	if c.Template == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", expand(c.Template, a))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify: command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// expand replaces placeholders in the command template with alert values.
func expand(command string, a Alert) string {
	r := strings.NewReplacer(
		"{{.Title}}", a.Title(),
		"{{.Message}}", a.Message,
		"{{.Integration}}", a.Integration,
		"{{.Kind}}", a.Kind,
	)
	return r.Replace(command)
}

// Logged wraps a notifier so delivery failures are logged instead of returned.
// Alerts are best-effort and must never fail a sync cycle.
type Logged struct {
	Next   Notifier
	Logger *slog.Logger
}

func (l Logged) Notify(ctx context.Context, a Alert) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("integration alert", "integration", a.Integration, "kind", a.Kind, "message", a.Message)
	if l.Next == nil {
		return nil
	}
	if err := l.Next.Notify(ctx, a); err != nil {
		logger.Error("alert delivery failed", "integration", a.Integration, "error", err)
	}
	return nil
}
