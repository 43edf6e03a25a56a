// Package mail renders and sends the summary and notification emails.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"path/filepath"
	"sync"

	"analytify/internal/config"
)

//go:embed templates/*.gohtml
var templatesFS embed.FS

const (
	Summary      = "summary.gohtml"
	TokenFailure = "token_failure.gohtml"

	// ContentType is the content type of every message body
	ContentType = "text/html; charset=UTF-8"
)

// Message is one outbound email to a single recipient
type Message struct {
	To      config.Recipient
	Subject string
	HTML    string
}

// Sender delivers a message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Templates holds the parsed email templates
type Templates struct {
	templates map[string]*template.Template
}

// LoadTemplates parses every embedded template
func LoadTemplates() (*Templates, error) {
	templateDir := "templates"
	dirEntries, err := templatesFS.ReadDir(templateDir)
	if err != nil {
		return nil, fmt.Errorf("error reading template directory: %w", err)
	}

	t := &Templates{templates: make(map[string]*template.Template)}
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		tmpl, err := template.ParseFS(templatesFS, filepath.Join(templateDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("error parsing template '%s': %w", entry.Name(), err)
		}
		t.templates[entry.Name()] = tmpl
	}
	return t, nil
}

var (
	defaultOnce      sync.Once
	defaultTemplates *Templates
	defaultErr       error
)

// DefaultTemplates returns the embedded templates, parsed once
func DefaultTemplates() (*Templates, error) {
	defaultOnce.Do(func() {
		defaultTemplates, defaultErr = LoadTemplates()
	})
	return defaultTemplates, defaultErr
}

// Render executes the named template with data
func (t *Templates) Render(name string, data interface{}) (string, error) {
	tmpl, ok := t.templates[name]
	if !ok {
		return "", fmt.Errorf("template not found: %v", name)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("error executing template: %w", err)
	}
	return body.String(), nil
}

// Recorder is a Sender that keeps messages in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message

	// Err, when set, is returned for recipients it matches ("" matches all)
	Err    error
	ErrFor string
}

// Send records msg, or fails when configured to
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil && (r.ErrFor == "" || r.ErrFor == msg.To.Email) {
		return r.Err
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns the recorded messages
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
