package providers

import (
	"strings"

	"golang.org/x/net/html"
)

// Facebook reads the numeric confirmation code out of the mt_text table
// cell in confirmation mails.
type Facebook struct{}

func (Facebook) Process(from, to, subject, body string) string {
	doc := parseHTML(body)
	if doc == nil {
		return ""
	}

	container := findNode(doc, func(n *html.Node) bool {
		return hasClass(n, "mt_text")
	})
	if container == nil {
		return ""
	}

	cell := findNode(container, func(n *html.Node) bool {
		return n.Data == "td"
	})
	// The class may sit on the td itself.
	if cell == nil && container.Data == "td" {
		cell = container
	}

	return strings.TrimSpace(innerText(cell))
}
