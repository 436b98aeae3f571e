package relay

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	TypeJoin     = "join"
	TypeUserList = "userlist"
)

// Message is an inbound channel message: either Join or Opaque.
type Message interface {
	isMessage()
}

// Join announces the sender's display name. An empty Username means the join
// carried no usable name (missing, empty or not a string).
type Join struct {
	Username string
}

// Opaque is any message whose type is not "join". Raw is the message exactly
// as received and is what gets forwarded.
type Opaque struct {
	Type string
	Raw  []byte
}

func (Join) isMessage()   {}
func (Opaque) isMessage() {}

// ParseMessage decodes the envelope of an inbound message.
//
// Only the "type" field (and "username" for joins) is looked at; everything
// else is left untouched in Opaque.Raw. Inbound "userlist" messages are not
// special and parse as Opaque.
//
// Raw is relayed as a text frame, so it must be valid UTF-8.
func ParseMessage(raw []byte) (Message, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrMalformedMessage)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	// `null` decodes into a nil map without error.
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	// `null` decodes into a nil pointer without error.
	var typ *string
	if err := json.Unmarshal(rawType, &typ); err != nil || typ == nil {
		return nil, fmt.Errorf("%w: type is not a string", ErrMalformedMessage)
	}

	if *typ != TypeJoin {
		return Opaque{Type: *typ, Raw: raw}, nil
	}

	var username string
	if rawName, ok := fields["username"]; ok {
		if err := json.Unmarshal(rawName, &username); err != nil {
			username = ""
		}
	}
	return Join{Username: username}, nil
}

type userListMessage struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// EncodeUserList builds the presence message sent to every participant.
func EncodeUserList(users []string) []byte {
	if users == nil {
		users = []string{}
	}
	b, err := json.Marshal(userListMessage{Type: TypeUserList, Users: users})
	if err != nil {
		// Marshalling a struct of strings cannot fail.
		panic(err)
	}
	return b
}
