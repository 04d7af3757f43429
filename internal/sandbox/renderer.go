package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/AltairaLabs/mobius/internal/protocol"
)

// RenderMode selects how much of the page machinery is emitted
type RenderMode int

const (
	// RenderBare emits the document only
	RenderBare RenderMode = iota
	// RenderIncludeForm wraps fields in a form that posts back
	RenderIncludeForm
	// RenderIncludeFormAndStripScript is for clients without script
	RenderIncludeFormAndStripScript
)

// ClientState describes the client a page is rendered for
type ClientState struct {
	ClientID          int `json:"clientID"`
	IncomingMessageID int `json:"incomingMessageID"`
}

// SessionState describes the session a page is rendered from
type SessionState struct {
	SessionID         string `json:"sessionID"`
	LocalChannelCount int    `json:"localChannelCount"`
}

// KeyValue is one rendered document value
type KeyValue struct {
	Key   string
	Value any
}

// FieldState is one rendered form field
type FieldState struct {
	Name  string
	Label string
	Value string
}

// DocumentState is a snapshot of a session's document
type DocumentState struct {
	Title  string
	Values []KeyValue
	Fields []FieldState
}

// RenderOptions are supplied by the host for each render
type RenderOptions struct {
	Mode        RenderMode  `json:"mode"`
	Client      ClientState `json:"client"`
	ClientURL   string      `json:"clientURL"`
	NoScriptURL string      `json:"noScriptURL,omitempty"`
	// Bootstrap embeds the replay state so the client can resume the session
	Bootstrap bool `json:"bootstrap,omitempty"`
}

// RenderRequest is everything a renderer receives
type RenderRequest struct {
	Mode        RenderMode
	Client      ClientState
	Session     SessionState
	ClientURL   string
	NoScriptURL string
	Document    DocumentState
	Bootstrap   *protocol.BootstrapData
}

// Renderer turns session state into markup
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// TemplateRenderer renders pages with html/template
type TemplateRenderer struct {
	tmpl *template.Template
}

const defaultPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Document.Title}}</title>
{{- if .NoScriptURL}}
<noscript><meta http-equiv="refresh" content="0; url={{.NoScriptURL}}"></noscript>
{{- end}}
</head>
<body>
{{- range .Document.Values}}
<div data-key="{{.Key}}">{{.Value}}</div>
{{- end}}
{{- if .IncludeForm}}
<form method="POST">
<input type="hidden" name="sessionID" value="{{.Session.SessionID}}">
{{- if .Client.ClientID}}
<input type="hidden" name="clientID" value="{{.Client.ClientID}}">
{{- end}}
<input type="hidden" name="messageID" value="{{.Client.IncomingMessageID}}">
<input type="hidden" name="postback" value="form">
{{- range .Document.Fields}}
<label>{{.Label}} <input name="{{.Name}}" value="{{.Value}}"></label>
{{- end}}
<button type="submit">Submit</button>
</form>
{{- else}}
{{- range .Document.Fields}}
<label>{{.Label}} <input name="{{.Name}}" value="{{.Value}}"></label>
{{- end}}
{{- end}}
{{- if .BootstrapJSON}}
<script type="application/json" id="mobius-bootstrap">{{.BootstrapJSON}}</script>
{{- end}}
{{- if .IncludeScript}}
<script src="{{.ClientURL}}"></script>
{{- end}}
</body>
</html>
`

// NewTemplateRenderer parses page, or the built-in page when empty
func NewTemplateRenderer(page string) (*TemplateRenderer, error) {
	if page == "" {
		page = defaultPage
	}
	tmpl, err := template.New("page").Parse(page)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page template: %w", err)
	}
	return &TemplateRenderer{tmpl: tmpl}, nil
}

type pageData struct {
	RenderRequest
	IncludeForm   bool
	IncludeScript bool
	BootstrapJSON template.JS
}

// Render executes the template
func (r *TemplateRenderer) Render(ctx context.Context, req RenderRequest) (string, error) {
	data := pageData{
		RenderRequest: req,
		IncludeForm:   req.Mode != RenderBare,
		IncludeScript: req.Mode != RenderIncludeFormAndStripScript,
	}
	if req.Bootstrap != nil && data.IncludeScript {
		encoded, err := EncodeBootstrap(*req.Bootstrap)
		if err != nil {
			return "", err
		}
		data.BootstrapJSON = template.JS(encoded)
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render page: %w", err)
	}
	return buf.String(), nil
}

// EncodeBootstrap serializes bootstrap data. encoding/json escapes <, > and
// the line separators, so the result is safe inside a script tag.
func EncodeBootstrap(b protocol.BootstrapData) (string, error) {
	plain := b
	plain.Events = make(protocol.Stream, len(b.Events))
	for i := range b.Events {
		plain.Events[i] = protocol.Plain(b.Events[i])
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("failed to encode bootstrap: %w", err)
	}
	return string(data), nil
}
