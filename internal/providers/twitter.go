package providers

import "strings"

const twitterSubjectSuffix = " is your Twitter verification code"

// Twitter carries the code in the subject line itself.
type Twitter struct{}

func (Twitter) Process(from, to, subject, body string) string {
	if !strings.Contains(subject, twitterSubjectSuffix) {
		return ""
	}
	return strings.TrimSpace(strings.Replace(subject, twitterSubjectSuffix, "", 1))
}
