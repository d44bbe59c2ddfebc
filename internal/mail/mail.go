// Package mail delivers rendered notification messages.
//
// A Mailer receives a recipient, a subject, a template name and a flat
// string context. Templates are embedded; every template has a plain-text
// body (<name>.txt.tmpl) and may have an HTML alternative (<name>.html.tmpl).
// Site-specific variants are registered as "<base>.<site>" and chosen with
// Templates.Select.
package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/rs/zerolog/log"
)

// Mailer sends one message. A nil error means the message was accepted for
// delivery.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, template string, data map[string]string) error
}

// ErrUnknownTemplate is returned when no template is registered under a name.
var ErrUnknownTemplate = errors.New("unknown mail template")

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	textSuffix = ".txt.tmpl"
	htmlSuffix = ".html.tmpl"
)

// Templates is the set of registered mail templates.
type Templates struct {
	text map[string]*texttemplate.Template
	html map[string]*htmltemplate.Template
}

// LoadTemplates parses the embedded templates.
func LoadTemplates() (*Templates, error) {
	return ParseTemplates(templateFS, "templates")
}

// ParseTemplates parses every *.txt.tmpl / *.html.tmpl file in dir of fsys.
func ParseTemplates(fsys fs.FS, dir string) (*Templates, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	t := &Templates{
		text: map[string]*texttemplate.Template{},
		html: map[string]*htmltemplate.Template{},
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		raw, err := fs.ReadFile(fsys, dir+"/"+file)
		if err != nil {
			return nil, err
		}
		switch {
		case strings.HasSuffix(file, textSuffix):
			name := strings.TrimSuffix(file, textSuffix)
			tpl, err := texttemplate.New(name).Option("missingkey=zero").Parse(string(raw))
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", file, err)
			}
			t.text[name] = tpl
		case strings.HasSuffix(file, htmlSuffix):
			name := strings.TrimSuffix(file, htmlSuffix)
			tpl, err := htmltemplate.New(name).Option("missingkey=zero").Parse(string(raw))
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", file, err)
			}
			t.html[name] = tpl
		}
	}
	return t, nil
}

// Has reports whether a plain-text template is registered under name.
func (t *Templates) Has(name string) bool {
	_, ok := t.text[name]
	return ok
}

// Names lists the registered template names in sorted order.
func (t *Templates) Names() []string {
	out := make([]string, 0, len(t.text))
	for n := range t.text {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Select returns "<base>.<site>" when such a template exists and base
// otherwise.
func (t *Templates) Select(base, site string) string {
	if site = strings.ToLower(strings.TrimSpace(site)); site != "" {
		if name := base + "." + site; t.Has(name) {
			return name
		}
	}
	return base
}

// Render executes the named template. html is empty when the template has no
// HTML alternative.
func (t *Templates) Render(name string, data map[string]string) (text, html string, err error) {
	tt, ok := t.text[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := tt.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}
	text = buf.String()

	if ht, ok := t.html[name]; ok {
		buf.Reset()
		if err := ht.Execute(&buf, data); err != nil {
			return "", "", fmt.Errorf("render %s html: %w", name, err)
		}
		html = buf.String()
	}
	return text, html, nil
}

// LogMailer renders messages and writes them to the log instead of sending
// them. It is used when SMTP is not configured.
type LogMailer struct {
	Templates *Templates
}

// Send implements Mailer.
func (m *LogMailer) Send(_ context.Context, recipient, subject, template string, data map[string]string) error {
	text, _, err := m.Templates.Render(template, data)
	if err != nil {
		return err
	}
	log.Info().
		Str("to", recipient).
		Str("subject", subject).
		Str("template", template).
		Msg("mail (not sent: smtp disabled)")
	log.Debug().Str("to", recipient).Msg(text)
	return nil
}
