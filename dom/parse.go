package dom

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Parse reads an HTML document. Comments and doctypes are dropped.
func Parse(r io.Reader, hostname string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	d := &Document{
		nodes:     make(map[mutation.NodeID]*node),
		hostname:  hostname,
		collapsed: true,
		visible:   true,
	}
	d.doc = d.newNode(host.KindDocument, "", "")
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := d.convert(c); n != nil {
			d.doc.appendChild(n)
		}
	}
	d.doc.walk(func(n *node) bool {
		if d.body == nil && n.kind == host.KindElement && n.tag == "body" {
			d.body = n
		}
		return d.body == nil
	})
	if d.body == nil {
		return nil, fmt.Errorf("dom: parse: document has no body")
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(markup, hostname string) (*Document, error) {
	return Parse(strings.NewReader(markup), hostname)
}

// convert copies an x/net/html subtree into d. Caller holds d.mu or owns d.
func (d *Document) convert(hn *html.Node) *node {
	var n *node
	switch hn.Type {
	case html.ElementNode:
		n = d.newNode(host.KindElement, strings.ToLower(hn.Data), "")
		for _, a := range hn.Attr {
			if a.Namespace != "" {
				continue
			}
			n.attrs = append(n.attrs, html.Attribute{Key: a.Key, Val: a.Val})
		}
	case html.TextNode:
		return d.newNode(host.KindText, "", hn.Data)
	default:
		return nil
	}
	for c := hn.FirstChild; c != nil; c = c.NextSibling {
		if cn := d.convert(c); cn != nil {
			n.appendChild(cn)
		}
	}
	return n
}

func toHTML(n *node) *html.Node {
	hn := &html.Node{}
	switch n.kind {
	case host.KindText:
		hn.Type = html.TextNode
		hn.Data = n.data
		return hn
	case host.KindDocument:
		hn.Type = html.DocumentNode
	default:
		hn.Type = html.ElementNode
		hn.Data = n.tag
		hn.Attr = append([]html.Attribute(nil), n.attrs...)
	}
	for c := n.first; c != nil; c = c.next {
		hn.AppendChild(toHTML(c))
	}
	return hn
}

// Render writes the whole document as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	hn := toHTML(d.doc)
	d.mu.Unlock()
	if _, err := io.WriteString(w, "<!DOCTYPE html>"); err != nil {
		return err
	}
	return html.Render(w, hn)
}

// HTML returns the outer HTML of id, or "" when id is unknown.
func (d *Document) HTML(id mutation.NodeID) string {
	d.mu.Lock()
	n := d.get(id)
	if n == nil {
		d.mu.Unlock()
		return ""
	}
	hn := toHTML(n)
	d.mu.Unlock()
	var b bytes.Buffer
	if err := html.Render(&b, hn); err != nil {
		return ""
	}
	return b.String()
}

// InnerHTML returns the serialised children of id.
func (d *Document) InnerHTML(id mutation.NodeID) string {
	d.mu.Lock()
	n := d.get(id)
	if n == nil {
		d.mu.Unlock()
		return ""
	}
	var parts []*html.Node
	for c := n.first; c != nil; c = c.next {
		parts = append(parts, toHTML(c))
	}
	d.mu.Unlock()
	var b bytes.Buffer
	for _, p := range parts {
		if err := html.Render(&b, p); err != nil {
			return ""
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
