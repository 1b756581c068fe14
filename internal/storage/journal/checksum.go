package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum computes the CRC32-IEEE checksum over the identifying
// fields of an event. Timestamp and Millis are excluded.
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(e.RunID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(string(e.Stage))
	b.WriteByte('|')
	b.WriteString(e.Item)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.Records))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether the stored checksum matches
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
