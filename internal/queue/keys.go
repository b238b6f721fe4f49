package queue

import (
	"encoding/binary"
	"fmt"
)

// Key layout, all under q/{stream}/:
//
//	meta                      last assigned sequence (8 bytes BE)
//	e/{seq BE}                encoded entry
//	groups/{group}            group marker
//	g/{group}/cursor          last delivered sequence (8 bytes BE)
//	g/{group}/pel/{seq BE}    pending entry (JSON)
//	g/{group}/cons/{id}       consumer registration (JSON)

func streamPrefix(stream string) string { return fmt.Sprintf("q/%s/", stream) }

func metaKey(stream string) []byte { return []byte(streamPrefix(stream) + "meta") }

func entryPrefix(stream string) []byte { return []byte(streamPrefix(stream) + "e/") }

func entryKey(stream string, seq uint64) []byte { return appendSeq(entryPrefix(stream), seq) }

func groupsPrefix(stream string) []byte { return []byte(streamPrefix(stream) + "groups/") }

func groupMarkerKey(stream, group string) []byte {
	return []byte(streamPrefix(stream) + "groups/" + group)
}

func groupPrefix(stream, group string) string {
	return streamPrefix(stream) + "g/" + group + "/"
}

func cursorKey(stream, group string) []byte { return []byte(groupPrefix(stream, group) + "cursor") }

func pelPrefix(stream, group string) []byte { return []byte(groupPrefix(stream, group) + "pel/") }

func pelKey(stream, group string, seq uint64) []byte {
	return appendSeq(pelPrefix(stream, group), seq)
}

func consumerPrefix(stream, group string) []byte {
	return []byte(groupPrefix(stream, group) + "cons/")
}

func consumerKey(stream, group, consumer string) []byte {
	return []byte(groupPrefix(stream, group) + "cons/" + consumer)
}

func appendSeq(prefix []byte, seq uint64) []byte {
	out := make([]byte, len(prefix)+8)
	copy(out, prefix)
	binary.BigEndian.PutUint64(out[len(prefix):], seq)
	return out
}

// seqFromKey decodes the trailing big-endian sequence of an entry or PEL key.
func seqFromKey(k []byte) uint64 {
	if len(k) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
