package view

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/localhub/localhub/web"
)

// Engine renders email templates.
type Engine struct {
	templates *template.Template
}

// EmailData contains values shared across email templates.
type EmailData struct {
	Subject   string
	Name      string
	Link      string
	ExpiresAt time.Time
	ChangedAt time.Time
}

// NewEngine parses the embedded templates.
func NewEngine() (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.UTC().Format("02 Jan 2006 15:04 MST")
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/email/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// Render executes a named template into a string.
func (e *Engine) Render(name string, data EmailData) (string, error) {
	if e == nil {
		return "", fmt.Errorf("template engine not initialised")
	}
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
