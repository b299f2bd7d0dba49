package history

import "github.com/leonletto/tghistory/internal/types"

// FilterBySender returns the messages sent by user, in their original order.
func FilterBySender(h History, user types.User) History {
	return FilterBySenderFunc(h, user, nil)
}

// FilterBySenderFunc is FilterBySender with a per-message callback reporting
// whether each examined message matched.
func FilterBySenderFunc(h History, user types.User, examined func(matched bool)) History {
	out := make(History, 0)
	for _, msg := range h {
		matched := msg.From.ID == user.ID
		if matched {
			out = append(out, msg)
		}
		if examined != nil {
			examined(matched)
		}
	}
	return out
}
