// Package notify raises best-effort, human-readable notifications for
// applied updates. A missing or denied notifier never affects syncing.
package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/connectpng/roadmon/internal/envelope"
)

// Permission mirrors the states a user-facing notification capability can be in.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission converts s into a Permission. Empty means default.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case "":
		return PermissionDefault, nil
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	default:
		return "", fmt.Errorf("unknown notification permission %q", s)
	}
}

// Notifier surfaces an applied update to a person.
type Notifier interface {
	Notify(env *envelope.UpdateEnvelope) error
}

// Message is a rendered notification.
type Message struct {
	Title string
	Body  string
}

// Summary returns the notification for env. ok is false for entity types
// that are not announced (user records).
func Summary(env *envelope.UpdateEnvelope) (msg Message, ok bool) {
	return envelope.Visit[summary](env.EntityType, summarizer{env: env}).result()
}

type summary struct {
	msg Message
	ok  bool
}

func (s summary) result() (Message, bool) { return s.msg, s.ok }

type summarizer struct {
	env *envelope.UpdateEnvelope
}

func (s summarizer) Project() summary {
	name := field(s.env.Payload, "name", "title")
	if name == "" {
		name = s.env.EntityID()
	}
	body := fmt.Sprintf("%s was %s", name, pastTense(s.env.Action))
	if p := field(s.env.Payload, "progress"); p != "" {
		body += fmt.Sprintf(" (progress %s%%)", p)
	}
	return summary{msg: Message{Title: "Project Update", Body: body}, ok: true}
}

func (s summarizer) GPS() summary {
	body := fmt.Sprintf("GPS entry %s", pastTense(s.env.Action))
	lat, lng := field(s.env.Payload, "lat", "latitude"), field(s.env.Payload, "lng", "longitude")
	if lat != "" && lng != "" {
		body += fmt.Sprintf(" at %s, %s", lat, lng)
	}
	if p := field(s.env.Payload, "projectId", "project"); p != "" {
		body += fmt.Sprintf(" for project %s", p)
	}
	return summary{msg: Message{Title: "GPS Update", Body: body}, ok: true}
}

func (s summarizer) Financial() summary {
	body := fmt.Sprintf("Financial entry %s", pastTense(s.env.Action))
	if amt := field(s.env.Payload, "amount"); amt != "" {
		body += fmt.Sprintf(": PGK %s", amt)
	}
	return summary{msg: Message{Title: "Financial Update", Body: body}, ok: true}
}

func (s summarizer) User() summary {
	return summary{}
}

func pastTense(a envelope.Action) string {
	switch a {
	case envelope.ActionCreate:
		return "created"
	case envelope.ActionUpdate:
		return "updated"
	case envelope.ActionDelete:
		return "deleted"
	}
	return string(a)
}

// field returns the first non-empty payload value among keys, formatted.
func field(p envelope.Payload, keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// Terminal writes styled notifications to a terminal.
type Terminal struct {
	mu         sync.Mutex
	out        io.Writer
	permission Permission
	title      lipgloss.Style
	body       lipgloss.Style
}

// NewTerminal returns a notifier writing to out. Styles degrade to plain
// text when the environment reports no colour support.
func NewTerminal(out io.Writer, permission Permission) *Terminal {
	r := lipgloss.NewRenderer(out)
	r.SetColorProfile(termenv.EnvColorProfile())

	return &Terminal{
		out:        out,
		permission: permission,
		title:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("#E4A11B")),
		body:       r.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
	}
}

// SetPermission changes whether notifications are shown.
func (t *Terminal) SetPermission(p Permission) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permission = p
}

// Permission returns the current permission.
func (t *Terminal) Permission() Permission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permission
}

// Notify implements Notifier. Without a granted permission it does nothing.
func (t *Terminal) Notify(env *envelope.UpdateEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.permission != PermissionGranted {
		return nil
	}

	msg, ok := Summary(env)
	if !ok {
		return nil
	}

	_, err := fmt.Fprintf(t.out, "%s %s\n", t.title.Render(msg.Title), t.body.Render(msg.Body))
	return err
}
