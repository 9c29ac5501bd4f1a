package mailer

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"unicode"
)

// Template names an email layout.
type Template string

const (
	TemplateOrderConfirmation Template = "order_confirmation"
	TemplateOrderStatusUpdate Template = "order_status_update"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// Rendered is a multipart body.
type Rendered struct {
	HTML string
	Text string
}

// Renderer renders the embedded templates. It is safe for concurrent use.
type Renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

func NewRenderer() (*Renderer, error) {
	funcs := map[string]any{"title": Title}

	html, err := htmltemplate.New("html").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	text, err := texttemplate.New("text").Funcs(funcs).ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	return &Renderer{html: html, text: text}, nil
}

func (r *Renderer) Render(t Template, data any) (Rendered, error) {
	h := r.html.Lookup(string(t) + ".html")
	x := r.text.Lookup(string(t) + ".txt")
	if h == nil || x == nil {
		return Rendered{}, fmt.Errorf("unknown template %q", t)
	}

	var hb, tb bytes.Buffer
	if err := h.Execute(&hb, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s html: %w", t, err)
	}
	if err := x.Execute(&tb, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s text: %w", t, err)
	}
	return Rendered{HTML: hb.String(), Text: tb.String()}, nil
}

// Title upper-cases the first letter of each word and lower-cases the rest.
func Title(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		rs := []rune(strings.ToLower(w))
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}
