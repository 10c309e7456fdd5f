package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

// maxNameLen bounds one accessible name in snapshot text.
const maxNameLen = 120

// AccessibilityText renders page HTML as indented "role name" lines, roughly
// what an accessibility tree exposes. Hidden and non-rendered content is left
// out, so two snapshots differ only when something a user perceives changed.
func AccessibilityText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return ""
	}
	var b strings.Builder
	renderNode(&b, doc, 0)
	return strings.TrimRight(b.String(), "\n")
}

func renderNode(b *strings.Builder, n *html.Node, depth int) {
	switch n.Type {
	case html.TextNode:
		if text := collapse(n.Data); text != "" {
			writeLine(b, depth, "text", text)
		}
		return
	case html.ElementNode:
		if isHidden(n) {
			return
		}
		if role := roleOf(n); role != "" {
			name := accessibleName(n)
			writeLine(b, depth, role, name)
			// A container named by its own text has nothing left to render below it.
			if leafRoles[role] || (name != "" && !containerWithChildren(n) && name == textContent(n)) {
				return
			}
			depth++
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(b, c, depth)
	}
}

func writeLine(b *strings.Builder, depth int, role, name string) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(role)
	if name != "" {
		b.WriteByte(' ')
		b.WriteString(truncateName(name))
	}
	b.WriteByte('\n')
}

// leafRoles name their content; their children are not rendered separately.
var leafRoles = map[string]bool{
	"link": true, "button": true, "heading": true, "textbox": true, "checkbox": true,
	"radio": true, "combobox": true, "img": true, "option": true, "tab": true,
	"menuitem": true, "switch": true, "searchbox": true, "slider": true,
}

var landmarkRoles = map[atom.Atom]string{
	atom.Nav:      "navigation",
	atom.Main:     "main",
	atom.Header:   "banner",
	atom.Footer:   "contentinfo",
	atom.Aside:    "complementary",
	atom.Form:     "form",
	atom.Dialog:   "dialog",
	atom.Ul:       "list",
	atom.Ol:       "list",
	atom.Li:       "listitem",
	atom.Table:    "table",
	atom.Tr:       "row",
	atom.Th:       "columnheader",
	atom.Td:       "cell",
	atom.Label:    "label",
	atom.Fieldset: "group",
}

func roleOf(n *html.Node) string {
	if role := strings.TrimSpace(attr(n, "role")); role != "" && role != "presentation" && role != "none" {
		return strings.Fields(role)[0]
	}
	switch n.DataAtom {
	case atom.A:
		if hasAttr(n, "href") {
			return "link"
		}
	case atom.Button:
		return "button"
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return "heading"
	case atom.Img:
		if alt, ok := attrOK(n, "alt"); ok && strings.TrimSpace(alt) == "" {
			return "" // decorative
		}
		return "img"
	case atom.Textarea:
		return "textbox"
	case atom.Select:
		return "combobox"
	case atom.Option:
		return "option"
	case atom.Input:
		return inputRole(strings.ToLower(attr(n, "type")))
	}
	return landmarkRoles[n.DataAtom]
}

func inputRole(typ string) string {
	switch typ {
	case "hidden":
		return ""
	case "submit", "button", "reset", "image":
		return "button"
	case "checkbox":
		return "checkbox"
	case "radio":
		return "radio"
	case "range":
		return "slider"
	case "search":
		return "searchbox"
	}
	return "textbox"
}

// accessibleName follows the usual precedence: aria-label, alt, the element's
// own text, then title and placeholder.
func accessibleName(n *html.Node) string {
	if v := strings.TrimSpace(attr(n, "aria-label")); v != "" {
		return v
	}
	switch n.DataAtom {
	case atom.Img:
		if v := strings.TrimSpace(attr(n, "alt")); v != "" {
			return v
		}
	case atom.Input:
		typ := strings.ToLower(attr(n, "type"))
		if typ == "submit" || typ == "button" || typ == "reset" {
			if v := strings.TrimSpace(attr(n, "value")); v != "" {
				return v
			}
		}
		if typ == "image" {
			if v := strings.TrimSpace(attr(n, "alt")); v != "" {
				return v
			}
		}
	case atom.Select, atom.Textarea, atom.Ul, atom.Ol, atom.Table, atom.Form, atom.Nav, atom.Main,
		atom.Header, atom.Footer, atom.Aside, atom.Dialog, atom.Tr, atom.Fieldset:
		// Containers are named by attributes only; their text is rendered below them.
		return firstNonEmpty(attr(n, "title"), attr(n, "placeholder"))
	}
	if leafRoles[roleOf(n)] || n.DataAtom == atom.Li || n.DataAtom == atom.Td || n.DataAtom == atom.Th || n.DataAtom == atom.Label {
		if text := textContent(n); text != "" && !containerWithChildren(n) {
			return text
		}
	}
	return firstNonEmpty(attr(n, "title"), attr(n, "placeholder"))
}

// containerWithChildren reports whether n holds elements that render their own lines.
func containerWithChildren(n *html.Node) bool {
	if leafRoles[roleOf(n)] {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && !isHidden(c) && roleOf(c) != "" {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode && isHidden(c) {
			return
		}
		if c.Type == html.TextNode {
			if t := collapse(c.Data); t != "" {
				parts = append(parts, t)
			}
		}
		if c.Type == html.ElementNode && c.DataAtom == atom.Img {
			if alt := strings.TrimSpace(attr(c, "alt")); alt != "" {
				parts = append(parts, alt)
			}
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return strings.Join(parts, " ")
}

var nonRendered = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Head: true, atom.Meta: true, atom.Link: true, atom.Svg: false,
}

func isHidden(n *html.Node) bool {
	if nonRendered[n.DataAtom] {
		return true
	}
	if hasAttr(n, "hidden") || strings.EqualFold(attr(n, "aria-hidden"), "true") {
		return true
	}
	if n.DataAtom == atom.Input && strings.EqualFold(attr(n, "type"), "hidden") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// -- Accessibility findings --

// AccessibilityIssues runs static checks over page HTML: images without alt
// text, unnamed buttons and links, unlabelled form fields and missing document
// language or title.
func AccessibilityIssues(src string) []schemas.AccessibilitySignal {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil
	}

	labelled := make(map[string]bool)
	var title string
	var lang string
	var walkLabels func(*html.Node)
	walkLabels = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Label:
				if id := attr(n, "for"); id != "" {
					labelled[id] = true
				}
			case atom.Title:
				title = textContent(n)
			case atom.Html:
				lang = strings.TrimSpace(attr(n, "lang"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkLabels(c)
		}
	}
	walkLabels(doc)

	var issues []schemas.AccessibilitySignal
	add := func(rule string, n *html.Node, msg string) {
		issues = append(issues, schemas.AccessibilitySignal{Rule: rule, Element: describeElement(n), Message: msg})
	}

	var walk func(n *html.Node, inLabel bool)
	walk = func(n *html.Node, inLabel bool) {
		if n.Type == html.ElementNode {
			if isHidden(n) {
				return
			}
			switch n.DataAtom {
			case atom.Img:
				if !hasAttr(n, "alt") && attr(n, "aria-label") == "" && !strings.EqualFold(attr(n, "role"), "presentation") {
					add("image-alt", n, "Image has no alt attribute")
				}
			case atom.A:
				if hasAttr(n, "href") && accessibleName(n) == "" {
					add("link-name", n, "Link has no discernible text")
				}
			case atom.Button:
				if accessibleName(n) == "" {
					add("button-name", n, "Button has no discernible text")
				}
			case atom.Input, atom.Textarea, atom.Select:
				if needsLabel(n) && !inLabel && !labelled[attr(n, "id")] &&
					attr(n, "aria-label") == "" && attr(n, "aria-labelledby") == "" && attr(n, "title") == "" {
					add("label", n, "Form field has no associated label")
				}
			case atom.Label:
				inLabel = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLabel)
		}
	}
	walk(doc, false)

	if strings.TrimSpace(title) == "" {
		issues = append(issues, schemas.AccessibilitySignal{Rule: "document-title", Element: "html", Message: "Document has no title"})
	}
	if lang == "" {
		issues = append(issues, schemas.AccessibilitySignal{Rule: "html-lang", Element: "html", Message: "Document has no lang attribute"})
	}
	return issues
}

func needsLabel(n *html.Node) bool {
	if n.DataAtom != atom.Input {
		return true
	}
	switch strings.ToLower(attr(n, "type")) {
	case "hidden", "submit", "button", "reset", "image":
		return false
	}
	return true
}

// describeElement renders a short CSS-like locator for reports.
func describeElement(n *html.Node) string {
	desc := n.Data
	if id := attr(n, "id"); id != "" {
		return desc + "#" + id
	}
	if name := attr(n, "name"); name != "" {
		return fmt.Sprintf("%s[name=%q]", desc, name)
	}
	if class := strings.Fields(attr(n, "class")); len(class) > 0 {
		desc += "." + class[0]
	}
	if src := attr(n, "src"); src != "" {
		return fmt.Sprintf("%s[src=%q]", desc, src)
	}
	if href := attr(n, "href"); href != "" {
		return fmt.Sprintf("%s[href=%q]", desc, href)
	}
	return desc
}

// -- Node helpers --

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attrOK(n, key)
	return ok
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateName(s string) string {
	r := []rune(s)
	if len(r) <= maxNameLen {
		return s
	}
	return string(r[:maxNameLen]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
