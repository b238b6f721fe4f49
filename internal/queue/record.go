package queue

import (
	"encoding/binary"
	"hash/crc32"
)

// Entry encoding: varint(publishedAtMs) | payload | crc32c(payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeEntry(publishedAtMs int64, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(publishedAtMs))
	out = append(out, payload...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(payload, castagnoli))
}

func decodeEntry(b []byte) (publishedAtMs int64, payload []byte, ok bool) {
	ts, n := binary.Uvarint(b)
	if n <= 0 || len(b) < n+4 {
		return 0, nil, false
	}
	payload = b[n : len(b)-4]
	if crc32.Checksum(payload, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return 0, nil, false
	}
	return int64(ts), append([]byte(nil), payload...), true
}
