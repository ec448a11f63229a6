package imapd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pbmail/internal/mailparse"
	"pbmail/internal/storage"
	"pbmail/internal/textproto"
)

// The search grammar compiles into an immutable expression tree that is
// evaluated per message with a pure recursive walk.

type searchNode interface {
	eval(m *searchMessage) bool
}

type andNode struct{ left, right searchNode }
type orNode struct{ left, right searchNode }
type notNode struct{ child searchNode }

// leafNode is one predicate key with its consumed arguments.
type leafNode struct {
	key  string
	args []string
}

func (n andNode) eval(m *searchMessage) bool { return n.left.eval(m) && n.right.eval(m) }
func (n orNode) eval(m *searchMessage) bool  { return n.left.eval(m) || n.right.eval(m) }
func (n notNode) eval(m *searchMessage) bool { return !n.child.eval(m) }

// searchMessage is the per-message evaluation context.
type searchMessage struct {
	mail   *mailparse.Message
	seqNum int
	uid    int64
	flags  []string
}

// oneArgKeys consume exactly one following token.
var oneArgKeys = map[string]bool{
	"bcc": true, "before": true, "body": true, "cc": true, "from": true,
	"keyword": true, "larger": true, "on": true, "sentbefore": true,
	"senton": true, "sentsince": true, "since": true, "smaller": true,
	"subject": true, "text": true, "to": true, "uid": true, "unkeyword": true,
}

// zeroArgKeys stand alone.
var zeroArgKeys = map[string]bool{
	"all": true, "answered": true, "deleted": true, "draft": true,
	"flagged": true, "new": true, "old": true, "recent": true, "seen": true,
	"unanswered": true, "undeleted": true, "undraft": true,
	"unflagged": true, "unseen": true,
}

// compileSearch turns a token list into an expression tree, inserting the
// implicit AND between consecutive key groups.
func compileSearch(items []textproto.Item) (searchNode, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("empty search criteria")
	}

	root, pos, err := compileOne(items, 0)
	if err != nil {
		return nil, err
	}

	for pos < len(items) {
		if !items[pos].IsList() {
			switch strings.ToLower(items[pos].Atom) {
			case "and":
				// An explicit AND between keys is the same as the
				// implicit one.
				pos++
				continue
			case "or":
				// Infix form ("1 OR 2"): the alternative follows the
				// operator and joins the tree built so far.
				next, newPos, err := compileOne(items, pos+1)
				if err != nil {
					return nil, err
				}
				root = orNode{left: root, right: next}
				pos = newPos
				continue
			}
		}

		next, newPos, err := compileOne(items, pos)
		if err != nil {
			return nil, err
		}
		root = andNode{left: root, right: next}
		pos = newPos
	}

	return root, nil
}

// compileOne consumes one key group starting at pos and returns the node
// and the position after it.
func compileOne(items []textproto.Item, pos int) (searchNode, int, error) {
	if pos >= len(items) {
		return nil, pos, fmt.Errorf("search key expected")
	}

	item := items[pos]
	if item.IsList() {
		node, err := compileSearch(item.List)
		if err != nil {
			return nil, pos, err
		}
		return node, pos + 1, nil
	}

	key := strings.ToLower(item.Atom)
	switch {
	case key == "or":
		left, p, err := compileOne(items, pos+1)
		if err != nil {
			return nil, pos, err
		}
		right, p2, err := compileOne(items, p)
		if err != nil {
			return nil, pos, err
		}
		return orNode{left: left, right: right}, p2, nil

	case key == "not":
		child, p, err := compileOne(items, pos+1)
		if err != nil {
			return nil, pos, err
		}
		return notNode{child: child}, p, nil

	case key == "header":
		if pos+2 >= len(items) {
			return nil, pos, fmt.Errorf("HEADER takes two arguments")
		}
		return leafNode{key: key, args: []string{
			textproto.Unquote(items[pos+1].Atom),
			textproto.Unquote(items[pos+2].Atom),
		}}, pos + 3, nil

	case oneArgKeys[key]:
		if pos+1 >= len(items) {
			return nil, pos, fmt.Errorf("%s takes one argument", strings.ToUpper(key))
		}
		return leafNode{key: key, args: []string{
			textproto.Unquote(items[pos+1].Atom),
		}}, pos + 2, nil

	default:
		// Zero-arg keys, bare sequence numbers and unknown keys all
		// become leaves; unknown keys evaluate to false.
		return leafNode{key: key}, pos + 1, nil
	}
}

func (n leafNode) eval(m *searchMessage) bool {
	arg := ""
	if len(n.args) > 0 {
		arg = n.args[0]
	}

	switch n.key {
	case "all":
		return true

	case "answered":
		return storage.HasFlag(m.flags, storage.FlagAnswered)
	case "unanswered":
		return !storage.HasFlag(m.flags, storage.FlagAnswered)
	case "deleted":
		return storage.HasFlag(m.flags, storage.FlagDeleted)
	case "undeleted":
		return !storage.HasFlag(m.flags, storage.FlagDeleted)
	case "draft":
		return storage.HasFlag(m.flags, storage.FlagDraft)
	case "undraft":
		return !storage.HasFlag(m.flags, storage.FlagDraft)
	case "flagged":
		return storage.HasFlag(m.flags, storage.FlagFlagged)
	case "unflagged":
		return !storage.HasFlag(m.flags, storage.FlagFlagged)
	case "seen":
		return storage.HasFlag(m.flags, storage.FlagSeen)
	case "unseen":
		return !storage.HasFlag(m.flags, storage.FlagSeen)
	case "recent":
		return storage.HasFlag(m.flags, storage.FlagRecent)
	case "new":
		return storage.HasFlag(m.flags, storage.FlagRecent) &&
			!storage.HasFlag(m.flags, storage.FlagSeen)
	case "old":
		return !storage.HasFlag(m.flags, storage.FlagRecent)

	case "bcc", "cc", "from", "to":
		return matchAddress(m.mail, n.key, arg)

	case "body", "text":
		return strings.Contains(strings.ToLower(m.mail.Body()), strings.ToLower(arg))

	case "subject":
		return strings.Contains(strings.ToLower(m.mail.Subject()), strings.ToLower(arg))

	case "header":
		if len(n.args) < 2 {
			return false
		}
		val := m.mail.HeaderGet(n.args[0])
		return val != "" && strings.Contains(strings.ToLower(val), strings.ToLower(n.args[1]))

	case "larger":
		limit, err := strconv.Atoi(arg)
		return err == nil && len(m.mail.Body()) > limit
	case "smaller":
		limit, err := strconv.Atoi(arg)
		return err == nil && len(m.mail.Body()) < limit

	case "on":
		checkDate, msgDate, ok := searchDates(m.mail, arg)
		return ok && sameDay(msgDate, checkDate)
	case "sentbefore":
		checkDate, msgDate, ok := searchDates(m.mail, arg)
		return ok && msgDate.Before(checkDate)
	case "senton":
		checkDate, msgDate, ok := searchDates(m.mail, arg)
		return ok && msgDate.Equal(checkDate)
	case "sentsince":
		checkDate, msgDate, ok := searchDates(m.mail, arg)
		return ok && !msgDate.Before(checkDate)

	case "before", "since", "keyword", "unkeyword":
		// Accepted by the grammar but never matching.
		return false

	case "uid":
		id, err := strconv.ParseInt(arg, 10, 64)
		return err == nil && id == m.uid

	default:
		if seq, err := strconv.Atoi(n.key); err == nil {
			return seq == m.seqNum
		}
		return false
	}
}

// matchAddress substring-matches against the first address in the named
// header.
func matchAddress(mail *mailparse.Message, field, search string) bool {
	addrs := mail.AddressList(field)
	if len(addrs) == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(addrs[0].Email), strings.ToLower(search))
}

var searchDateFormats = []string{
	"2-Jan-2006",
	"02-Jan-2006",
	"2006-01-02",
}

// searchDates parses the key argument and the message Date header. A
// missing or unparsable Date header makes the predicate false.
func searchDates(mail *mailparse.Message, arg string) (checkDate, msgDate time.Time, ok bool) {
	msgDate, hasDate := mail.Date()
	if !hasDate {
		return time.Time{}, time.Time{}, false
	}

	for _, format := range searchDateFormats {
		if parsed, err := time.Parse(format, arg); err == nil {
			return parsed, msgDate, true
		}
	}
	return time.Time{}, time.Time{}, false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

const searchBatchSize = 30

// searchRaw runs the compiled criteria over the selected folder and emits
// the matching ids in untagged SEARCH lines, batched.
func (s *session) searchRaw(criteriaStr string, isUID bool) error {
	items := textproto.ParenthesizedList(criteriaStr)
	root, err := compileSearch(items)
	if err != nil {
		return err
	}

	msgSeqNums, err := s.createSequenceSet("*", false)
	if err != nil {
		return err
	}

	var ids []int
	for _, seqNum := range msgSeqNums {
		mail, err := s.store.MailBySeq(s.state.UserID, seqNum, s.state.SelectedFolder)
		if err != nil || mail == nil {
			continue
		}

		uid, err := s.store.MsgIDBySeq(s.state.UserID, seqNum, s.state.SelectedFolder)
		if err != nil {
			continue
		}
		flags, err := s.store.FlagsByID(uid)
		if err != nil {
			continue
		}

		if root.eval(&searchMessage{mail: mail, seqNum: seqNum, uid: uid, flags: flags}) {
			if isUID {
				ids = append(ids, int(uid))
			} else {
				ids = append(ids, seqNum)
			}
		}
	}

	sort.Ints(ids)

	for len(ids) > 0 {
		batch := ids
		if len(batch) > searchBatchSize {
			batch = batch[:searchBatchSize]
		}
		ids = ids[len(batch):]

		parts := make([]string, len(batch))
		for i, id := range batch {
			parts[i] = strconv.Itoa(id)
		}
		s.sendData("* SEARCH " + strings.Join(parts, " "))
	}
	return nil
}
