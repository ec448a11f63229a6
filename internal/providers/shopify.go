package providers

import (
	"strings"

	"golang.org/x/net/html"
)

// Shopify returns the first link in the mail, which is the confirmation
// link in account mails.
type Shopify struct{}

func (Shopify) Process(from, to, subject, body string) string {
	doc := parseHTML(body)
	if doc == nil {
		return ""
	}

	anchor := findNode(doc, func(n *html.Node) bool {
		return n.Data == "a"
	})
	if anchor == nil {
		return ""
	}

	if href := attrValue(anchor, "href"); href != "" {
		return href
	}
	return strings.TrimSpace(innerText(anchor))
}
