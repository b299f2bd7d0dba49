package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is an opaque backend identifier.
// telegram-cli emits ids either as JSON numbers (legacy builds) or as
// strings (peer ids such as "$0100000012ab..."), so both are accepted.
type ID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as a string.
func (id ID) String() string {
	return string(id)
}

// DialogKind is the type of a conversation.
type DialogKind int

const (
	KindUnknown DialogKind = iota
	KindUser
	KindChat
	KindSupergroup
	KindEncryptedChat
	KindGeoChat
)

// ParseDialogKind maps a telegram-cli peer_type onto a DialogKind.
func ParseDialogKind(peerType string) DialogKind {
	switch peerType {
	case "user":
		return KindUser
	case "chat":
		return KindChat
	case "channel":
		return KindSupergroup
	case "encr_chat":
		return KindEncryptedChat
	case "geo_chat":
		return KindGeoChat
	default:
		return KindUnknown
	}
}

// Code returns the one-letter code shown in the dialog menu.
func (k DialogKind) Code() string {
	switch k {
	case KindUser:
		return "U"
	case KindChat:
		return "C"
	case KindSupergroup:
		return "S"
	case KindEncryptedChat:
		return "E"
	case KindGeoChat:
		return "G"
	default:
		return "?"
	}
}

func (k DialogKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindChat:
		return "chat"
	case KindSupergroup:
		return "supergroup"
	case KindEncryptedChat:
		return "encrypted_chat"
	case KindGeoChat:
		return "geo_chat"
	default:
		return "unknown"
	}
}

// Dialog is a conversation snapshot returned by the backend.
type Dialog struct {
	ID          ID
	DisplayName string
	Kind        DialogKind
}

// User identifies an account. Users are compared by ID only.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username,omitempty"`
}

// Message is a single history entry.
// Payload holds the complete backend record; it is what gets written to disk.
type Message struct {
	ID      ID
	From    User
	Payload json.RawMessage
}

// messageHeader is the subset of a backend message record we interpret.
type messageHeader struct {
	ID   ID   `json:"id"`
	From User `json:"from"`
}

// UnmarshalJSON decodes the id and sender and keeps the raw record.
func (m *Message) UnmarshalJSON(data []byte) error {
	var h messageHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	m.ID = h.ID
	m.From = h.From
	m.Payload = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the raw backend record when present.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Payload) > 0 {
		return m.Payload, nil
	}
	return json.Marshal(messageHeader{ID: m.ID, From: m.From})
}

// PageResult is the outcome of one history page request: either a page of
// messages or the end-of-history marker.
type PageResult struct {
	Messages []Message
	End      bool
}

// Page wraps a page of messages, delivered newest-first.
func Page(msgs []Message) PageResult {
	return PageResult{Messages: msgs}
}

// EndOfHistory marks that the requested offset is past the available history.
func EndOfHistory() PageResult {
	return PageResult{End: true}
}

// DeleteScope controls who a deletion applies to.
type DeleteScope int

const (
	// ScopeForMe deletes the message only for the authenticated user.
	ScopeForMe DeleteScope = iota
	// ScopeForEveryone revokes the message for all participants.
	ScopeForEveryone
)

func (s DeleteScope) String() string {
	if s == ScopeForEveryone {
		return "for_everyone"
	}
	return "for_me"
}

// DeletePolicy decides what happens to the remaining deletions after one fails.
type DeletePolicy string

const (
	// DeleteAbort stops at the first failed delete request.
	DeleteAbort DeletePolicy = "abort"
	// DeleteContinue attempts every delete request regardless of failures.
	DeleteContinue DeletePolicy = "continue"
)

// ParseDeletePolicy validates a policy name. Empty means DeleteAbort.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(s) {
	case "", DeleteAbort:
		return DeleteAbort, nil
	case DeleteContinue:
		return DeleteContinue, nil
	default:
		return "", fmt.Errorf("invalid delete policy %q (want %q or %q)", s, DeleteAbort, DeleteContinue)
	}
}
