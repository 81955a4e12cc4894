// Package nip61 reads cashu nutzap events.
package nip61

import (
	"strconv"

	"github.com/paul/grapevine/pkg/event"
	"github.com/tidwall/gjson"
)

// Target returns the nutzapped event id, if any.
func Target(nutzap *event.Event) (string, bool) {
	if nutzap == nil || nutzap.Kind != event.KindNutzap {
		return "", false
	}
	return nutzap.Tags.Value("e")
}

// Amount sums the amounts of the cashu proofs carried in proof tags. A
// nutzap without proofs falls back to its amount tags.
func Amount(nutzap *event.Event) int64 {
	if nutzap == nil || nutzap.Kind != event.KindNutzap {
		return 0
	}
	var total int64
	proofs := nutzap.Tags.Values("proof")
	for _, p := range proofs {
		if gjson.Valid(p) {
			total += gjson.Get(p, "amount").Int()
		}
	}
	if len(proofs) > 0 {
		return total
	}
	for _, v := range nutzap.Tags.Values("amount") {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			total += n
		}
	}
	return total
}
