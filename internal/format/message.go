// Package format renders iMessage content as email bodies.
package format

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const stampLayout = "Jan 2, 2006 at 3:04 PM"

// Entry is one message as it appears in an email body.
type Entry struct {
	Sender string
	Time   time.Time
	Text   string
}

// Text renders the plain-text alternative.
func Text(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, %s\n\n", e.Sender, e.Time.Format(stampLayout))
	b.WriteString(normalizeNewlines(e.Text))
	b.WriteString("\n")
	return b.String()
}

// HTML renders the HTML alternative. Message text is always emitted as text
// nodes, so markup in a message is escaped rather than interpreted. Newlines
// become <br> and http(s) URLs become links.
func HTML(e Entry) ([]byte, error) {
	doc := &html.Node{Type: html.DocumentNode}
	root := element(atom.Html)
	doc.AppendChild(root)

	head := element(atom.Head)
	head.AppendChild(element(atom.Meta, html.Attribute{Key: "charset", Val: "utf-8"}))
	root.AppendChild(head)

	body := element(atom.Body)
	root.AppendChild(body)

	meta := element(atom.P, html.Attribute{Key: "style", Val: "color:#6e6e73;font-size:12px;margin:0 0 8px"})
	sender := element(atom.Strong)
	sender.AppendChild(text(e.Sender))
	meta.AppendChild(sender)
	meta.AppendChild(text(" · " + e.Time.Format(stampLayout)))
	body.AppendChild(meta)

	msg := element(atom.Div, html.Attribute{Key: "style", Val: "font-size:15px;line-height:1.4"})
	appendLines(msg, normalizeNewlines(e.Text))
	body.AppendChild(msg)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("html.Render failed: %w", err)
	}
	return buf.Bytes(), nil
}

func appendLines(parent *html.Node, s string) {
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			parent.AppendChild(element(atom.Br))
		}
		appendLinkified(parent, line)
	}
}

func appendLinkified(parent *html.Node, line string) {
	for line != "" {
		start := indexURL(line)
		if start < 0 {
			parent.AppendChild(text(line))
			return
		}
		if start > 0 {
			parent.AppendChild(text(line[:start]))
		}

		end := start + strings.IndexAny(line[start:]+" ", " \t")
		url := strings.TrimRight(line[start:end], ".,;:!?)")
		end = start + len(url)

		a := element(atom.A, html.Attribute{Key: "href", Val: url})
		a.AppendChild(text(url))
		parent.AppendChild(a)
		line = line[end:]
	}
}

func indexURL(s string) int {
	i := strings.Index(s, "http://")
	if j := strings.Index(s, "https://"); j >= 0 && (i < 0 || j < i) {
		i = j
	}
	return i
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: a,
		Data:     a.String(),
		Attr:     attrs,
	}
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
