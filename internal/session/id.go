// Package session provides the SessionId type that replaces ad-hoc
// string-splitting of session ids with a typed ID{PageID, Seq} that
// serializes to the same wire form but never requires re-parsing inside
// the core.
package session

import (
	"fmt"
	"strconv"
	"strings"
)

const separator = "-session-"

// ID identifies one logical per-client channel multiplexed over a page's
// debugger binding. It serializes to
// "<pageId>-session-<monotonic>" so the page id is recoverable
// from the wire form without a routing-table lookup.
type ID struct {
	PageID string
	Seq uint64
}

// String renders the canonical wire form.
func (id ID) String() string {
	return fmt.Sprintf("%s%s%d", id.PageID, separator, id.Seq)
}

// PageIDOf extracts the page id from a session id's wire form without
// requiring a parsed ID. The gateway does not call it: requests carrying a
// sessionId are routed only through the multiplexer's session table, and a
// sessionId missing from that table is rejected as not found.
func PageIDOf(wire string) (string, bool) {
	idx := strings.LastIndex(wire, separator)
	if idx < 0 {
		return "", false
	}
	return wire[:idx], true
}

// Parse parses the canonical wire form back into an ID.
func Parse(wire string) (ID, bool) {
	idx := strings.LastIndex(wire, separator)
	if idx < 0 {
		return ID{}, false
	}
	seqStr := wire[idx+len(separator):]
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return ID{}, false
	}
	return ID{PageID: wire[:idx], Seq: seq}, true
}
