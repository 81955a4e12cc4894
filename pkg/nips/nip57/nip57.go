// Package nip57 reads lightning zap receipts.
package nip57

import (
	"strconv"

	"github.com/paul/grapevine/pkg/event"
	"github.com/tidwall/gjson"
)

// Target returns the zapped event id, if the zap targets an event.
func Target(receipt *event.Event) (string, bool) {
	if receipt == nil || receipt.Kind != event.KindZapReceipt {
		return "", false
	}
	return receipt.Tags.Value("e")
}

// Recipient returns the zapped pubkey.
func Recipient(receipt *event.Event) (string, bool) {
	if receipt == nil || receipt.Kind != event.KindZapReceipt {
		return "", false
	}
	return receipt.Tags.Value("p")
}

// AmountMsats returns the zapped amount in millisats. The receipt's own
// amount tag wins; otherwise the embedded zap request's amount tag is used.
func AmountMsats(receipt *event.Event) uint64 {
	if receipt == nil || receipt.Kind != event.KindZapReceipt {
		return 0
	}
	if v, ok := receipt.Tags.Value("amount"); ok {
		if amt, err := strconv.ParseUint(v, 10, 64); err == nil {
			return amt
		}
	}
	desc, ok := receipt.Tags.Value("description")
	if !ok || !gjson.Valid(desc) {
		return 0
	}
	var amount uint64
	gjson.Get(desc, "tags").ForEach(func(_, tag gjson.Result) bool {
		if tag.Get("0").String() == "amount" {
			amount, _ = strconv.ParseUint(tag.Get("1").String(), 10, 64)
			return false
		}
		return true
	})
	return amount
}

// AmountSats is AmountMsats rounded down to whole sats.
func AmountSats(receipt *event.Event) int64 {
	return int64(AmountMsats(receipt) / 1000)
}

// Sender returns the pubkey that requested the zap, read from the embedded
// zap request. The uppercase P tag is used when the request is absent.
func Sender(receipt *event.Event) (string, bool) {
	if receipt == nil || receipt.Kind != event.KindZapReceipt {
		return "", false
	}
	if desc, ok := receipt.Tags.Value("description"); ok && gjson.Valid(desc) {
		if pk := gjson.Get(desc, "pubkey").String(); pk != "" {
			return pk, true
		}
	}
	return receipt.Tags.Value("P")
}
