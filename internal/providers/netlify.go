package providers

import (
	"regexp"
	"strings"
)

var netlifyTokenRe = regexp.MustCompile(`verify_token=(.*?)&`)

// Netlify pulls the verify_token query parameter out of the confirmation
// link in address-verification mails.
type Netlify struct{}

func (Netlify) Process(from, to, subject, body string) string {
	if !strings.Contains(subject, "verify your email") {
		return ""
	}

	match := netlifyTokenRe.FindStringSubmatch(body)
	if match == nil {
		return ""
	}
	return match[1]
}
