package lock

// Test hooks.
var (
	EncodeRecord    = encodeRecord
	DecodeRecord    = decodeRecord
	LedgerEntryPath = ledgerEntryPath
)
