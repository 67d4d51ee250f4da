package chunkstore

import (
	"fmt"
	"hash/fnv"
)

// Key prefixes for the two record families.
const (
	chunkPrefix   = "chk"
	derivedPrefix = "drv"
)

// pathHash keys records by a stable hash so paths containing separators
// cannot break key parsing. Values carry the full path and scans verify it,
// which guards against hash collisions.
func pathHash(path string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return fmt.Sprintf("%016x", h.Sum64())
}

// chunkKey orders the chunks of one file by index; the fixed-width index
// makes lexicographic key order equal chunk order.
func chunkKey(path string, index int) []byte {
	return []byte(fmt.Sprintf("%s:%s:%08d", chunkPrefix, pathHash(path), index))
}

func chunkPathPrefix(path string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", chunkPrefix, pathHash(path)))
}

func derivedKey(path string, kind DerivedKind, id string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s", derivedPrefix, pathHash(path), kind, id))
}

func derivedPathPrefix(path string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", derivedPrefix, pathHash(path)))
}
