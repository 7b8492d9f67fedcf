package wal

// ============================================================================
// Checksum
// CRC32-IEEE over the identifying fields and payload of an event
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the checksum of an event. Timestamp is left out
// so re-encoding a record never changes it.
func CalculateChecksum(seq uint64, eventType EventType, jobID string, payload []byte) uint32 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	h := crc32.NewIEEE()
	h.Write(seqBuf[:])
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum reports whether the event's stored checksum matches its content.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Seq, event.Type, string(event.JobID), event.Payload)
}
