package schema

import (
	"fmt"
	"strings"
)

// Journal key layout
//
//	o:<hash>               operation record (json)
//	s:<session>:<seq>      hash of the seq-th submission of a session
//	c:<session>            submission counter of a session
//
// seq is zero padded so prefix iteration returns submissions in order.

func OperationKey(hash string) []byte {
	return []byte(fmt.Sprintf("o:%s", strings.ToLower(hash)))
}

func SessionEntryKey(session string, seq uint64) []byte {
	return []byte(fmt.Sprintf("s:%s:%08d", session, seq))
}

func SessionPrefix(session string) []byte {
	return []byte(fmt.Sprintf("s:%s:", session))
}

// AllSessionsPrefix matches every session entry key.
func AllSessionsPrefix() string {
	return "s:"
}

func SessionCounterKey(session string) []byte {
	return []byte(fmt.Sprintf("c:%s", session))
}

// SessionFromEntryKey extracts the session id out of an s: key.
func SessionFromEntryKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "s" {
		return "", false
	}
	return parts[1], true
}

func AllOperationsPrefix() []byte {
	return []byte("o:")
}
