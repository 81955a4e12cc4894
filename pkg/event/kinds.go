package event

const (
	KindProfile         = 0
	KindNote            = 1
	KindFollowList      = 3
	KindDeletion        = 5
	KindRepost          = 6
	KindReaction        = 7
	KindGenericRepost   = 16
	KindComment         = 1111
	KindNutzap          = 9321
	KindZapRequest      = 9734
	KindZapReceipt      = 9735
	KindMuteList        = 10000
	KindAuth            = 22242
	KindModerationGrant = 30382
)

// IsRepostKind reports whether k is a NIP-18 repost kind.
func IsRepostKind(k int) bool {
	return k == KindRepost || k == KindGenericRepost
}
