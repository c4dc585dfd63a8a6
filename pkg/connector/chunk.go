package connector

import (
	"encoding/base64"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/teslamotors/keyexchange/internal/authentication"
)

// ChunkEncode returns the standard (padded) base64 encoding of b split into pieces of chunkSize
// characters. The last piece may be shorter. If chunkSize <= 0, the entire encoding is yielded as
// a single piece. An empty b yields nothing.
//
// The returned sequence can be iterated any number of times.
func ChunkEncode(b []byte, chunkSize int) iter.Seq[string] {
	encoded := base64.StdEncoding.EncodeToString(b)
	return func(yield func(string) bool) {
		size := chunkSize
		if size <= 0 {
			size = len(encoded)
		}
		for start := 0; start < len(encoded); start += size {
			end := min(start+size, len(encoded))
			if !yield(encoded[start:end]) {
				return
			}
		}
	}
}

// ChunkDecode concatenates chunks and decodes the result. Malformed base64 returns a
// FaultMalformedInput error.
func ChunkDecode(chunks iter.Seq[string]) ([]byte, error) {
	var sb strings.Builder
	for chunk := range chunks {
		sb.WriteString(chunk)
	}
	decoded, err := base64.StdEncoding.DecodeString(sb.String())
	if err != nil {
		return nil, &authentication.Error{
			Fault: authentication.FaultMalformedInput,
			Info:  fmt.Sprintf("bad base64: %s", err),
		}
	}
	return decoded, nil
}

// ChunkDecodeStrings is ChunkDecode for a slice of chunks.
func ChunkDecodeStrings(chunks []string) ([]byte, error) {
	return ChunkDecode(slices.Values(chunks))
}

// EncodedLen returns the number of base64 characters needed to encode n bytes. A receiver
// reassembling a SignedMessage is done after EncodedLen(authentication.SignedMessageSize)
// characters.
func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}
