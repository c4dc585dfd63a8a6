package dispatcher

import (
	"strings"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/pkg/connector"
)

// messageLength is the number of base64 characters in a complete SignedMessage.
var messageLength = connector.EncodedLen(authentication.SignedMessageSize)

// assembler reassembles chunked SignedMessages, keeping one buffer per wire key.
type assembler struct {
	buffers map[string]*strings.Builder
}

func newAssembler() *assembler {
	return &assembler{buffers: make(map[string]*strings.Builder)}
}

// add appends chunk to the message under key. Once the message is complete, add returns the
// decoded bytes and resets the buffer for key.
func (a *assembler) add(key, chunk string) (message []byte, complete bool, err error) {
	buf, ok := a.buffers[key]
	if !ok {
		buf = &strings.Builder{}
		a.buffers[key] = buf
	}
	if buf.Len()+len(chunk) > messageLength {
		delete(a.buffers, key)
		return nil, false, &authentication.Error{
			Fault: authentication.FaultMalformedInput,
			Info:  key + " exceeds maximum message length",
		}
	}
	buf.WriteString(chunk)
	if buf.Len() < messageLength {
		return nil, false, nil
	}
	delete(a.buffers, key)
	message, err = connector.ChunkDecodeStrings([]string{buf.String()})
	if err != nil {
		return nil, false, err
	}
	return message, true, nil
}

// pending returns true if a partial message is buffered under key.
func (a *assembler) pending(key string) bool {
	buf, ok := a.buffers[key]
	return ok && buf.Len() > 0
}

func (a *assembler) reset() {
	clear(a.buffers)
}
