// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to the HTML subset
// Matrix clients render. All user text is HTML-escaped before any markup is
// produced.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])[_*]([^_*\s][^_*]*?)[_*]($|[^\w*])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
)

type codeBlock struct {
	lang    string
	content string
}

// HasFormatting reports whether text contains any markdown this package converts.
func HasFormatting(text string) bool {
	if boldRe.MatchString(text) ||
		italicRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		codeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if headingRe.MatchString(line) || blockquoteRe.MatchString(line) ||
			ulRe.MatchString(line) || olRe.MatchString(line) {
			return true
		}
	}
	return false
}

// ToHTML converts a Mattermost message to HTML. The second return value is
// false when the message has no formatting, in which case the HTML is just
// the escaped text with line breaks.
func ToHTML(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	if !HasFormatting(text) {
		return strings.ReplaceAll(html.EscapeString(text), "\n", "<br/>"), false
	}

	// Code blocks are swapped out first so nothing inside them is converted.
	var blocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		blocks = append(blocks, codeBlock{lang: parts[1], content: parts[2]})
		return placeholder(len(blocks) - 1)
	})

	var out []string
	var listTag string
	var listItems []string
	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		out = append(out, "<"+listTag+">"+strings.Join(listItems, "")+"</"+listTag+">")
		listItems = nil
		listTag = ""
	}
	addItem := func(tag, item string) {
		if listTag != tag {
			flushList()
			listTag = tag
		}
		listItems = append(listItems, "<li>"+inline(item)+"</li>")
	}

	for _, line := range strings.Split(processed, "\n") {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flushList()
			out = append(out, "<blockquote>"+inline(m[1])+"</blockquote>")
		} else if m := headingRe.FindStringSubmatch(line); m != nil {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+lvl+">"+inline(m[2])+"</h"+lvl+">")
		} else if m := ulRe.FindStringSubmatch(line); m != nil {
			addItem("ul", m[1])
		} else if m := olRe.FindStringSubmatch(line); m != nil {
			addItem("ol", m[1])
		} else {
			flushList()
			out = append(out, inline(line))
		}
	}
	flushList()

	formatted := strings.Join(out, "\n")
	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}
	for i, cb := range blocks {
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + html.EscapeString(cb.content) + `</code></pre>`
		} else {
			replacement = `<pre><code>` + html.EscapeString(cb.content) + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder(i), replacement, 1)
	}

	return formatted, true
}

func placeholder(i int) string {
	return "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
}

// inline escapes one line and converts inline markup.
func inline(line string) string {
	escaped := html.EscapeString(line)
	escaped = codeRe.ReplaceAllString(escaped, "<code>$1</code>")
	escaped = boldRe.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = italicRe.ReplaceAllString(escaped, "$1<em>$2</em>$3")
	escaped = strikeRe.ReplaceAllString(escaped, "<del>$1</del>")
	return linkRe.ReplaceAllStringFunc(escaped, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		// Unsafe schemes such as javascript: are rendered as plain text.
		return label
	})
}
