// Package process routes accepted mail: submissions from managed domains
// are stored locally or relayed out, incoming mail is scanned for
// verification codes and stored.
package process

import (
	"fmt"
	"log"
	"strings"

	"pbmail/internal/mailparse"
	"pbmail/internal/notify"
	"pbmail/internal/providers"
	"pbmail/internal/relay"
	"pbmail/internal/storage"
)

// Envelope is one accepted SMTP transaction.
type Envelope struct {
	// From is the envelope sender (MAIL FROM).
	From string
	// Recipients is the envelope recipient set (RCPT TO).
	Recipients []string
	// Username is the authenticated submitter, empty for unauthenticated
	// inbound connections.
	Username string
	// Raw is the message as received, dot-unstuffed.
	Raw []byte
}

// Handler wires the routing decision to storage, relay and notification.
type Handler struct {
	store    storage.Store
	sender   relay.Sender
	notifier notify.Notifier
}

func NewHandler(store storage.Store, sender relay.Sender, notifier notify.Notifier) *Handler {
	return &Handler{store: store, sender: sender, notifier: notifier}
}

// ProcessEmail routes one accepted transaction:
//   - sender in a managed domain: require submit permission, store managed
//     recipients directly, relay the rest and keep a Sent copy;
//   - external sender: store mail for managed recipients after running the
//     verification-code providers, drop the rest.
func (h *Handler) ProcessEmail(env *Envelope) error {
	msg, err := mailparse.Parse(env.Raw)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	fromDomainID, err := h.store.FindDomainID(env.From)
	if err != nil {
		return err
	}

	if fromDomainID != 0 {
		return h.processSubmission(env, msg)
	}
	return h.processIncoming(env, msg)
}

func (h *Handler) processSubmission(env *Envelope, msg *mailparse.Message) error {
	allowed, err := h.store.CheckUserPermission(env.Username, env.From)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("user %s may not send as %s", env.Username, env.From)
	}

	var external []string
	for _, rcpt := range env.Recipients {
		managed, err := h.store.FindDomainID(rcpt)
		if err != nil {
			return err
		}
		if managed != 0 {
			if err := h.storeMail(env.From, rcpt, msg, "", storage.FolderInbox,
				[]string{storage.FlagRecent}); err != nil {
				return err
			}
			continue
		}
		external = append(external, rcpt)
	}

	if len(external) == 0 {
		return nil
	}

	if err := h.relayExternal(env, msg, external); err != nil {
		return err
	}

	// One Sent copy per transaction, addressed to the primary recipient.
	return h.storeMail(env.From, external[0], msg, "", storage.FolderSent,
		[]string{storage.FlagSeen})
}

func (h *Handler) relayExternal(env *Envelope, msg *mailparse.Message, external []string) error {
	if h.sender == nil {
		return fmt.Errorf("no relay configured for external recipient %s", external[0])
	}

	fromName := ""
	if froms := msg.AddressList("From"); len(froms) > 0 {
		fromName = froms[0].Name
	}

	headerTo := addressEmails(msg.AddressList("To"))
	headerCc := addressEmails(msg.AddressList("Cc"))

	out := &relay.OutgoingMail{
		From:       env.From,
		FromName:   fromName,
		To:         headerTo,
		Cc:         headerCc,
		Bcc:        bccRecipients(external, headerTo, headerCc),
		Subject:    msg.Subject(),
		HTMLBody:   htmlBody(msg),
		InReplyTo:  msg.InReplyTo(),
		References: msg.References(),
		EnvelopeTo: external,
	}

	if _, err := h.sender.Send(out); err != nil {
		return err
	}
	return nil
}

func (h *Handler) processIncoming(env *Envelope, msg *mailparse.Message) error {
	subject := msg.Subject()
	body := htmlBody(msg)

	for _, rcpt := range env.Recipients {
		managed, err := h.store.FindDomainID(rcpt)
		if err != nil {
			return err
		}
		if managed == 0 {
			// Not an open relay.
			log.Printf("Dropping recipient %s outside managed domains", rcpt)
			continue
		}

		code := providers.ExtractCode(env.From, rcpt, subject, body)
		if err := h.storeMail(env.From, rcpt, msg, code, storage.FolderInbox,
			[]string{storage.FlagRecent}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) storeMail(from, to string, msg *mailparse.Message, code, folder string, flags []string) error {
	id, err := h.store.StoreEmail(&storage.Email{
		From:     from,
		To:       to,
		Subject:  msg.Subject(),
		Body:     msg.Body(),
		Code:     code,
		Folder:   folder,
		Flags:    flags,
		RawEmail: msg.Raw(),
	})
	if err != nil {
		return err
	}

	if h.notifier != nil {
		h.notifier.EmailStored(id)
	}
	return nil
}

// bccRecipients is the envelope recipients that appear in neither the To
// nor the Cc header.
func bccRecipients(recipients, headerTo, headerCc []string) []string {
	named := map[string]bool{}
	for _, addr := range append(append([]string{}, headerTo...), headerCc...) {
		named[strings.ToLower(addr)] = true
	}

	var bcc []string
	for _, rcpt := range recipients {
		if !named[strings.ToLower(rcpt)] {
			bcc = append(bcc, rcpt)
		}
	}
	return bcc
}

// htmlBody prefers the HTML part, which is what the code providers parse.
func htmlBody(msg *mailparse.Message) string {
	if body := msg.HTMLBody(); body != "" {
		return body
	}
	return msg.TextBody()
}

func addressEmails(addrs []mailparse.Address) []string {
	var emails []string
	for _, a := range addrs {
		emails = append(emails, strings.ToLower(a.Email))
	}
	return emails
}
