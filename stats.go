package siamese

// Stats are the encoder's monotonic counters. MemoryUsed is filled in from
// the arena when the snapshot is taken.
type Stats struct {
	OriginalCount   uint64
	OriginalBytes   uint64
	RecoveryCount   uint64
	RecoveryBytes   uint64
	RetransmitCount uint64
	RetransmitBytes uint64
	AckCount        uint64
	AckBytes        uint64
	MemoryUsed      uint64
}
