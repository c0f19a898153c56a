package kv

import "encoding/binary"

// Key layout:
//
//	evt:<seq>            JSON record, seq as 8 big-endian bytes
//	path:<path>          seq of the path's latest record
//	mv:<seq>             source path of a directory rename whose
//	                     renamed_to record has this seq
//	meta:last_sequence   8 big-endian bytes
//	meta:schema_version  string
const (
	eventPrefix = "evt:"
	pathPrefix  = "path:"
	movePrefix  = "mv:"

	metaLastSequence  = "meta:last_sequence"
	metaSchemaVersion = "meta:schema_version"
)

func encodeSequence(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), seq)
}

func decodeSequence(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// sequenceKey returns prefix followed by the big-endian sequence. Keys
// sort in sequence order.
func sequenceKey(prefix string, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint64(key, seq)
}

func pathKey(path string) []byte {
	key := make([]byte, 0, len(pathPrefix)+len(path))
	key = append(key, pathPrefix...)
	return append(key, path...)
}
