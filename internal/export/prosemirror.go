package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Node is one node of a ProseMirror document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs"`
	Content []Node         `json:"content"`
	Text    string         `json:"text"`
	Marks   []Mark         `json:"marks"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs"`
}

// ContentToHTML renders bloq content. JSON ProseMirror documents are
// rendered node by node; anything else is treated as plain text with one
// paragraph per line.
func ContentToHTML(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "{") {
		var doc Node
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil && doc.Type != "" {
			return renderNode(doc)
		}
	}

	var b strings.Builder
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(line))
		}
	}
	return b.String()
}

func renderNode(n Node) string {
	switch n.Type {
	case "doc":
		return renderChildren(n)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderChildren(n))
	case "heading":
		level := intAttr(n.Attrs, "level", 2)
		if level < 1 || level > 6 {
			level = 2
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderChildren(n), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderChildren(n))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderChildren(n))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderChildren(n))
	case "taskList":
		return fmt.Sprintf("<ul class=\"tasks\">\n%s</ul>\n", renderChildren(n))
	case "taskItem":
		box := "&#9744;"
		if checked, _ := n.Attrs["checked"].(bool); checked {
			box = "&#9745;"
		}
		return fmt.Sprintf("<li>%s %s</li>\n", box, renderChildren(n))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderChildren(n))
	case "codeBlock":
		var raw strings.Builder
		for _, child := range n.Content {
			raw.WriteString(child.Text)
		}
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(raw.String()))
	case "text":
		return renderText(n.Text, n.Marks)
	case "hardBreak":
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	case "image":
		src, _ := n.Attrs["src"].(string)
		alt, _ := n.Attrs["alt"].(string)
		return fmt.Sprintf("<img src=\"%s\" alt=\"%s\">\n", html.EscapeString(src), html.EscapeString(alt))
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", renderChildren(n))
	case "tableRow":
		return fmt.Sprintf("<tr>\n%s</tr>\n", renderChildren(n))
	case "tableCell":
		return fmt.Sprintf("<td>%s</td>\n", renderChildren(n))
	case "tableHeader":
		return fmt.Sprintf("<th>%s</th>\n", renderChildren(n))
	default:
		return renderChildren(n)
	}
}

func renderChildren(n Node) string {
	var b strings.Builder
	for _, child := range n.Content {
		b.WriteString(renderNode(child))
	}
	return b.String()
}

// renderText wraps escaped text in its marks, first mark outermost.
func renderText(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "highlight":
			out = "<mark>" + out + "</mark>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") {
				href = ""
			}
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}

func intAttr(attrs map[string]any, key string, fallback int) int {
	if v, ok := attrs[key].(float64); ok {
		return int(v)
	}
	return fallback
}
