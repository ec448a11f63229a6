// Package providers extracts verification codes from mails sent by known
// platforms. Each provider knows the shape of one sender's mails; the
// registry routes on the sender's domain.
package providers

import (
	"strings"

	"golang.org/x/net/html"
)

// Provider inspects one incoming mail and returns the verification code it
// carries, or an empty string when it finds none.
type Provider interface {
	Process(from, to, subject, body string) string
}

var registry = map[string]Provider{
	"netlify.com":      Netlify{},
	"facebookmail.com": Facebook{},
	"shopify.com":      Shopify{},
	"twitter.com":      Twitter{},
}

// ExtractCode routes a mail to the provider registered for the sender's
// domain. Unknown senders yield an empty code.
func ExtractCode(from, to, subject, body string) string {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return ""
	}

	provider, ok := registry[strings.ToLower(from[at+1:])]
	if !ok {
		return ""
	}
	return provider.Process(from, to, subject, body)
}

// parseHTML returns the document root, nil on a parse failure.
func parseHTML(body string) *html.Node {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}
	return doc
}

// findNode walks the tree depth-first and returns the first node the
// predicate accepts.
func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// innerText concatenates the text nodes under n.
func innerText(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}

	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(innerText(c))
	}
	return sb.String()
}
