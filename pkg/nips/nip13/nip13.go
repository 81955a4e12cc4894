// Package nip13 measures proof of work committed in event ids.
package nip13

import (
	"encoding/hex"
	"math/bits"
	"strconv"

	"github.com/paul/grapevine/pkg/event"
)

// Difficulty counts the leading zero bits of a hex id. An undecodable id
// has difficulty 0.
func Difficulty(id string) int {
	b, err := hex.DecodeString(id)
	if err != nil {
		return 0
	}
	zeros := 0
	for _, c := range b {
		if c == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(c)
		break
	}
	return zeros
}

// Committed returns the target difficulty declared in the nonce tag, or 0.
func Committed(evt *event.Event) int {
	tag, ok := evt.Tags.Find("nonce")
	if !ok || len(tag) < 3 {
		return 0
	}
	n, err := strconv.Atoi(tag[2])
	if err != nil {
		return 0
	}
	return n
}

// Check reports whether evt carries at least min bits of work. When the
// author committed to a target, the lower of the target and the actual
// difficulty counts, so lucky ids cannot overstate effort.
func Check(evt *event.Event, min int) bool {
	if min <= 0 {
		return true
	}
	d := Difficulty(evt.ID)
	if c := Committed(evt); c > 0 && c < d {
		d = c
	}
	return d >= min
}
