package protocol

// Event kinds used by nostrlink.
const (
	KindMetadata     = 0
	KindContacts     = 3
	KindRelayList    = 10002
	KindNostrConnect = 24133 // NIP-46 request/response, always NIP-44 encrypted
)

// Tag names.
const (
	TagPubKey = "p"
	TagEvent  = "e"
)
