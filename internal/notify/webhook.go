// Package notify pings an external endpoint whenever a mail with an
// extracted verification code lands in the store.
package notify

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Notifier announces newly stored mails to an interested consumer.
type Notifier interface {
	EmailStored(emailID int64)
}

// WebhookNotifier issues GET <url>?id=<emailID> per stored mail. With a
// secret configured, requests carry a short-lived HS256 bearer token.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier returns nil when no endpoint is configured, so callers
// can test against a plain nil check.
func NewWebhookNotifier(endpoint, secret string) *WebhookNotifier {
	if endpoint == "" {
		return nil
	}
	return &WebhookNotifier{
		url:    endpoint,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// EmailStored fires the webhook. Failures are logged and swallowed; a dead
// consumer must not block mail processing.
func (w *WebhookNotifier) EmailStored(emailID int64) {
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s?id=%s", w.url, url.QueryEscape(fmt.Sprintf("%d", emailID))), nil)
	if err != nil {
		log.Printf("Webhook request build failed: %v", err)
		return
	}

	if w.secret != "" {
		token, err := w.signToken(emailID)
		if err != nil {
			log.Printf("Webhook token signing failed: %v", err)
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		log.Printf("Webhook call failed for email %d: %v", emailID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("Webhook for email %d returned status %d", emailID, resp.StatusCode)
	}
}

func (w *WebhookNotifier) signToken(emailID int64) (string, error) {
	claims := jwt.MapClaims{
		"sub": fmt.Sprintf("%d", emailID),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(w.secret))
}
