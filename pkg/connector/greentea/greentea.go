// Package greentea carries events over a byte stream as lines of the form
//
//	{{key;value}}
//
// Lines that do not match the format are ignored, so the stream may be shared with other console
// output. A stream carries a single handshake session at a time.
package greentea

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/connector"
)

// MaxLineLength caps the length of lines read from the stream.
const MaxLineLength = 4096

// Connection implements connector.Connector over an io.ReadWriteCloser.
type Connection struct {
	stream    io.ReadWriteCloser
	inbox     chan connector.Event
	session   string
	chunkSize int
	writeLock sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// New starts reading events from stream. Events are tagged with session.
func New(stream io.ReadWriteCloser, session string, chunkSize int) *Connection {
	c := &Connection{
		stream:    stream,
		inbox:     make(chan connector.Event, connector.BufferSize),
		session:   session,
		chunkSize: chunkSize,
		done:      make(chan struct{}),
	}
	go c.listen()
	return c
}

// Open opens a serial device node (or any file that supports reads and writes).
func Open(path string, chunkSize int) (*Connection, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return New(f, path, chunkSize), nil
}

// stdio closes only its input, which ends the listen loop. Output stays open for other writers.
type stdio struct {
	io.ReadCloser
	io.Writer
}

// Stdio returns a Connection that reads from standard input and writes to standard output.
//
// Closing the Connection closes standard input. If stdin is a terminal or other blocking file,
// the pending read (and so the Receive channel) only finishes once the next line arrives.
func Stdio(chunkSize int) *Connection {
	return New(stdio{os.Stdin, os.Stdout}, "stdio", chunkSize)
}

// ParseLine extracts the key and value from a {{key;value}} line.
func ParseLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	start := strings.Index(line, "{{")
	end := strings.LastIndex(line, "}}")
	if start < 0 || end < start+2 {
		return "", "", false
	}
	key, value, ok = strings.Cut(line[start+2:end], ";")
	if !ok || key == "" {
		return "", "", false
	}
	return key, value, true
}

// FormatLine renders key and value as a line, including the trailing newline.
func FormatLine(key, value string) string {
	return fmt.Sprintf("{{%s;%s}}\n", key, value)
}

func (c *Connection) listen() {
	defer close(c.inbox)
	scanner := bufio.NewScanner(c.stream)
	scanner.Buffer(make([]byte, 0, 256), MaxLineLength)
	for scanner.Scan() {
		key, value, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		log.Debug("[%s] RX %s=%s", c.session, key, value)
		select {
		case c.inbox <- connector.Event{Session: c.session, Key: key, Value: value}:
		case <-c.done:
			return
		}
	}
	select {
	case <-c.done:
		return
	default:
	}
	if err := scanner.Err(); err != nil {
		log.Warning("[%s] Read failed: %s", c.session, err)
	}
}

func (c *Connection) Receive() <-chan connector.Event {
	return c.inbox
}

func (c *Connection) ChunkSize() int {
	return c.chunkSize
}

// Send writes event as a single line. The event's Session is not transmitted.
func (c *Connection) Send(ctx context.Context, event connector.Event) error {
	if strings.ContainsAny(event.Key, ";\n") || strings.Contains(event.Value, "\n") {
		return fmt.Errorf("event %q cannot be represented on the wire", event.Key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return connector.ErrClosed
	default:
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	log.Debug("[%s] TX %s=%s", c.session, event.Key, event.Value)
	_, err := io.WriteString(c.stream, FormatLine(event.Key, event.Value))
	return err
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.stream.Close(); err != nil {
			log.Warning("[%s] Close failed: %s", c.session, err)
		}
	})
}
