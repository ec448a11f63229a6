package imapd

import (
	"sort"
	"strconv"
	"strings"
)

// createSequenceSet resolves a sequence-set string ("2", "1:5", "3:*",
// "1,4:6") against the selected folder into ascending sequence numbers.
//
// In UID mode the bounds are UIDs, and UID order is not assumed to match
// sequence order, so every range resolves through a scan that checks each
// message's UID for membership.
func (s *session) createSequenceSet(setStr string, isUID bool) ([]int, error) {
	setStr = strings.TrimSpace(setStr)

	var msgSeqNums []int
	for _, seqItem := range strings.Split(setStr, ",") {
		seqItem = strings.TrimSpace(seqItem)

		count, err := s.store.CountMailsByFolder(s.state.UserID, s.state.SelectedFolder, nil)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, nil
		}

		var seqMin, seqMax int
		seqAll := false

		items := strings.SplitN(seqItem, ":", 2)
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}

		if len(items) == 2 {
			seqMin, _ = strconv.Atoi(items[0])
			if items[1] == "*" {
				if isUID {
					// The highest UID need not belong to the last
					// sequence number.
					for seq := 1; seq <= count; seq++ {
						uid, err := s.store.MsgIDBySeq(s.state.UserID, seq, s.state.SelectedFolder)
						if err != nil {
							return nil, err
						}
						if int(uid) > seqMax {
							seqMax = int(uid)
						}
					}
				} else {
					seqMax = count
				}
			} else {
				seqMax, _ = strconv.Atoi(items[1])
			}
		} else {
			switch {
			case isUID && items[0] == "*":
				seqAll = true
			case items[0] == "*":
				seqMin = 1
				seqMax = count
			default:
				seqMin, _ = strconv.Atoi(items[0])
				seqMax = seqMin
			}
		}

		if seqMin > seqMax {
			seqMin, seqMax = seqMax, seqMin
		}

		seqLen := seqMax + 1 - seqMin

		var nums []int
		if isUID {
			if seqLen >= 1 || seqAll {
				for seq := 1; seq <= count; seq++ {
					uid, err := s.store.MsgIDBySeq(s.state.UserID, seq, s.state.SelectedFolder)
					if err != nil {
						return nil, err
					}
					if seqAll || (int(uid) >= seqMin && int(uid) <= seqMax) {
						nums = append(nums, seq)
					}
					if len(nums) >= seqLen && !seqAll {
						break
					}
				}
			}
		} else {
			switch {
			case seqLen == 1:
				if seqMin > 0 && seqMin <= count {
					nums = append(nums, seqMin)
				}
			case seqLen >= 2:
				for seq := seqMin; seq <= seqMax && seq <= count; seq++ {
					if seq >= 1 {
						nums = append(nums, seq)
					}
				}
			}
		}

		msgSeqNums = append(msgSeqNums, nums...)
	}

	sort.Ints(msgSeqNums)
	return msgSeqNums, nil
}
