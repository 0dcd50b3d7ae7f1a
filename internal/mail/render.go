// ABOUTME: Renders mail kinds from embedded markdown templates
// ABOUTME: Produces a subject, a plain-text body and a goldmark HTML body

package mail

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/yuin/goldmark"
)

//go:embed templates/*.md
var templateFS embed.FS

// Rendered is a mail ready for a Sender.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// Renderer holds parsed templates keyed by kind. Each template file starts
// with a "Subject: ..." line followed by a blank line and the markdown body.
type Renderer struct {
	subjects map[Kind]*template.Template
	bodies   map[Kind]*template.Template
	md       goldmark.Markdown
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		subjects: make(map[Kind]*template.Template),
		bodies:   make(map[Kind]*template.Template),
		md:       goldmark.New(),
	}

	for _, kind := range []Kind{KindBookingConfirmed, KindReservationPlaced, KindEscalation} {
		raw, err := templateFS.ReadFile("templates/" + string(kind) + ".md")
		if err != nil {
			return nil, fmt.Errorf("reading template %s: %w", kind, err)
		}
		subjectLine, body, ok := strings.Cut(string(raw), "\n\n")
		if !ok || !strings.HasPrefix(subjectLine, "Subject: ") {
			return nil, fmt.Errorf("template %s: missing subject header", kind)
		}

		subject, err := template.New(string(kind) + "-subject").Option("missingkey=zero").
			Parse(strings.TrimPrefix(subjectLine, "Subject: "))
		if err != nil {
			return nil, fmt.Errorf("parsing subject %s: %w", kind, err)
		}
		tmpl, err := template.New(string(kind)).Option("missingkey=zero").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parsing body %s: %w", kind, err)
		}
		r.subjects[kind] = subject
		r.bodies[kind] = tmpl
	}
	return r, nil
}

// Render fills the template for m.Kind with m.Data.
func (r *Renderer) Render(m Mail) (*Rendered, error) {
	subject, ok := r.subjects[m.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown mail kind %q", m.Kind)
	}
	data := m.Data
	if data == nil {
		data = map[string]string{}
	}

	var subj, text, html bytes.Buffer
	if err := subject.Execute(&subj, data); err != nil {
		return nil, fmt.Errorf("rendering subject: %w", err)
	}
	if err := r.bodies[m.Kind].Execute(&text, data); err != nil {
		return nil, fmt.Errorf("rendering body: %w", err)
	}
	if err := r.md.Convert(text.Bytes(), &html); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}

	return &Rendered{
		Subject: strings.TrimSpace(subj.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
