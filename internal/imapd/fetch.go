package imapd

import (
	"fmt"
	"strings"

	"pbmail/internal/mailparse"
	"pbmail/internal/storage"
	"pbmail/internal/textproto"
)

// fetchAttr is one requested fetch attribute, with the section qualifier
// for BODY/BODY.PEEK.
type fetchAttr struct {
	name    string
	section string
	fields  []string
}

// parseFetchAttrs decomposes a parenthesized attribute list. UID mode
// always reports the UID, requested or not.
func parseFetchAttrs(items []textproto.Item, isUID bool) []fetchAttr {
	var attrs []fetchAttr
	if isUID {
		attrs = append(attrs, fetchAttr{name: "uid"})
	}

	for i := 0; i < len(items); i++ {
		if items[i].IsList() {
			continue
		}

		name := strings.ToLower(items[i].Atom)
		if name == "uid" && isUID {
			continue
		}

		attr := fetchAttr{name: name}
		if name == "body" || name == "body.peek" {
			if i+1 < len(items) && items[i+1].IsList() {
				attr.section, attr.fields = parseBodySection(items[i+1].List)
				i++
			}
		}
		attrs = append(attrs, attr)
	}
	return attrs
}

// parseBodySection reads the bracketed section of BODY[...]: empty, HEADER
// or HEADER.FIELDS (A B ...).
func parseBodySection(items []textproto.Item) (string, []string) {
	if len(items) == 0 {
		return "", nil
	}

	section := strings.ToLower(items[0].Atom)
	if section != "header" && section != "header.fields" {
		return "", nil
	}

	var fields []string
	if section == "header.fields" && len(items) > 1 && items[1].IsList() {
		for _, f := range items[1].List {
			if !f.IsList() {
				fields = append(fields, f.Atom)
			}
		}
	}
	return section, fields
}

// sendFetch emits one untagged FETCH response per resolved message. A
// non-peek BODY fetch clears the Recent flag as a side effect.
func (s *session) sendFetch(seqStr, attrStr string, isUID bool) error {
	attrs := parseFetchAttrs(textproto.ParenthesizedList(attrStr), isUID)

	msgSeqNums, err := s.createSequenceSet(seqStr, isUID)
	if err != nil {
		return err
	}

	for _, seqNum := range msgSeqNums {
		mailID, err := s.store.MsgIDBySeq(s.state.UserID, seqNum, s.state.SelectedFolder)
		if err != nil || mailID == 0 {
			continue
		}
		mail, err := s.store.MailByID(s.state.UserID, mailID)
		if err != nil || mail == nil {
			continue
		}
		flags, err := s.store.FlagsByID(mailID)
		if err != nil {
			continue
		}

		var output []string
		hasFlags := false
		clearRecent := false
		bodyOutput := ""

		for _, attr := range attrs {
			switch attr.name {
			case "flags":
				hasFlags = true
			case "uid":
				output = append(output, fmt.Sprintf("UID %d", mailID))
			case "rfc822.size":
				output = append(output, fmt.Sprintf("RFC822.SIZE %d", mail.Size()))
			case "body", "body.peek":
				bodyOutput = renderBody(mail, attr)
				if attr.name == "body" {
					clearRecent = true
				}
			}
		}

		if hasFlags {
			output = append(output, "FLAGS ("+strings.Join(flags, " ")+")")
		}
		if bodyOutput != "" {
			output = append(output, bodyOutput)
		}

		s.sendData(fmt.Sprintf("* %d FETCH (%s)", seqNum, strings.Join(output, " ")))

		if clearRecent && storage.HasFlag(flags, storage.FlagRecent) {
			if err := s.store.SetFlagsByID(mailID,
				storage.RemoveFlag(flags, storage.FlagRecent)); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderBody(mail *mailparse.Message, attr fetchAttr) string {
	label := ""
	content := ""

	switch attr.section {
	case "header":
		label = "HEADER"
		content = mail.HeaderBlock()
	case "header.fields":
		label = "HEADER"
		var sb strings.Builder
		for _, field := range attr.fields {
			if val := mail.HeaderGet(field); val != "" {
				sb.WriteString(field + ": " + val + textproto.Delimiter)
			}
		}
		content = sb.String()
	default:
		content = string(mail.Raw())
	}

	content += textproto.Delimiter
	return fmt.Sprintf("BODY[%s] {%d}%s%s", label, len(content), textproto.Delimiter, content)
}
