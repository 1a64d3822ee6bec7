// Copyright 2024-2026 Aiku AI

// Package relayfmt renders canonical messages for the destination platform.
// Rendering is pure: the same input always yields the same output and no I/O
// happens here.
package relayfmt

import (
	"bytes"
	"html"
	"strings"
	"text/template"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt/mattermostfmt"
)

// DefaultDisplaynameTemplate renders the author's username.
const DefaultDisplaynameTemplate = "{{.Username}}"

// Message is the formatter input: a canonical message and its author.
type Message struct {
	AuthorID   string
	AuthorName string
	Content    string
}

// DisplaynameParams are the fields available to the display name template.
type DisplaynameParams struct {
	ID       string
	Username string
	Platform string
}

// Rendered is the platform-specific output. Text is Mattermost markdown or
// the Matrix plain body; HTML is only set for Matrix.
type Rendered struct {
	Text string
	HTML string
}

// Formatter renders relayed messages with a configurable display name.
type Formatter struct {
	displayname *template.Template
}

// New parses the display name template. An empty template uses the username.
func New(displaynameTemplate string) (*Formatter, error) {
	if displaynameTemplate == "" {
		displaynameTemplate = DefaultDisplaynameTemplate
	}
	tmpl, err := template.New("displayname").Option("missingkey=zero").Parse(displaynameTemplate)
	if err != nil {
		return nil, err
	}
	return &Formatter{displayname: tmpl}, nil
}

var defaultFormatter, _ = New(DefaultDisplaynameTemplate)

// Render formats msg with the default display name template.
func Render(msg Message, origin database.Platform, direction database.Direction) *Rendered {
	return defaultFormatter.Render(msg, origin, direction)
}

// Render formats msg for the platform opposite to origin. The output names the
// author and the origin platform and carries a marker for the channel direction.
func (f *Formatter) Render(msg Message, origin database.Platform, direction database.Direction) *Rendered {
	name := f.FormatDisplayname(DisplaynameParams{
		ID:       msg.AuthorID,
		Username: msg.AuthorName,
		Platform: origin.DisplayName(),
	})
	via := "via " + origin.DisplayName() + " " + DirectionMarker(direction)

	switch origin.Other() {
	case database.PlatformMattermost:
		return &Rendered{
			Text: "**" + EscapeMarkdown(name) + "** _(" + via + ")_\n" + EscapeMarkdown(msg.Content),
		}
	case database.PlatformMatrix:
		body, _ := mattermostfmt.ToHTML(msg.Content)
		sep := "<br/>"
		if isBlock(body) {
			sep = ""
		}
		return &Rendered{
			Text: name + " (" + via + "): " + msg.Content,
			HTML: "<strong>" + html.EscapeString(name) + "</strong> <em>(" + via + ")</em>" + sep + body,
		}
	default:
		return &Rendered{Text: msg.Content}
	}
}

// FormatDisplayname executes the display name template, falling back to the
// username and then the id when the result is empty.
func (f *Formatter) FormatDisplayname(params DisplaynameParams) string {
	var buf bytes.Buffer
	if f.displayname != nil && f.displayname.Execute(&buf, params) == nil {
		if name := strings.TrimSpace(buf.String()); name != "" {
			return name
		}
	}
	if params.Username != "" {
		return params.Username
	}
	return params.ID
}

// DirectionMarker shows whether replies in the channel are relayed back.
func DirectionMarker(direction database.Direction) string {
	if direction == database.DirectionOneWay {
		return "→"
	}
	return "⇄"
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`~`, `\~`,
	`[`, `\[`,
	`]`, `\]`,
	`(`, `\(`,
	`)`, `\)`,
	`#`, `\#`,
	`>`, `\>`,
	`|`, `\|`,
	`<`, `&lt;`,
)

var mentionEscaper = strings.NewReplacer(
	"@channel", "@\u200bchannel",
	"@all", "@\u200ball",
	"@here", "@\u200bhere",
)

// EscapeMarkdown escapes Mattermost markdown control characters and defuses
// channel-wide mentions so relayed text is shown literally.
func EscapeMarkdown(text string) string {
	escaped := markdownEscaper.Replace(text)
	escaped = mentionEscaper.Replace(escaped)
	// Leading list markers and ordered list numbers only matter at line start.
	lines := strings.Split(escaped, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "+ ") {
			lines[i] = `\` + line
		} else if idx := strings.Index(line, ". "); idx > 0 && isDigits(line[:idx]) {
			lines[i] = line[:idx] + `\` + line[idx:]
		}
	}
	return strings.Join(lines, "\n")
}

var blockTags = []string{"<p>", "<ul>", "<ol>", "<h", "<blockquote>", "<pre>"}

func isBlock(body string) bool {
	for _, tag := range blockTags {
		if strings.HasPrefix(body, tag) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
