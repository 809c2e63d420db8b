// Package primitives holds the small value types shared by the lock manager,
// the write-ahead log, and the recovery manager: log sequence numbers and the
// page/partition numbers the external buffer and disk managers traffic in.
package primitives

// LSN (Log Sequence Number) uniquely identifies each log record. It is
// monotonically increasing; LSN 0 is reserved for the master record.
type LSN uint64

// PartNum identifies a partition managed by the disk space manager. Partition
// 0 is reserved for the log itself.
type PartNum uint64

// PageNum identifies a page within a partition.
type PageNum uint64

// Sentinel values for invalid/unset identifiers.
const (
	// InvalidLSN marks the absence of a previous/undo-next record.
	InvalidLSN LSN = 0

	// MasterLSN is the fixed LSN of the master record.
	MasterLSN LSN = 0

	// LogPartition is the disk-space-manager partition reserved for the log.
	LogPartition PartNum = 0
)
