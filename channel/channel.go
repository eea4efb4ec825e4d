// Package channel implements the length-prefixed batch framing shared by
// the resolver protocol and the publisher/subscriber data protocol.
package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/wire"
)

var (
	ErrBadMagic            = errors.New("peer is not speaking this protocol")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrFrameTooLarge       = errors.New("malformed data: frame too large")
	ErrClosed              = errors.New("channel closed")
)

const (
	flagSnappy    = 1 << 0
	flagHeartbeat = 1 << 1
)

// Frames larger than this are treated as malformed rather than buffered.
const maxFrameSize = 512 << 20

// Bodies below this size are not worth compressing.
const compressThreshold = 512

// Channel frames batches of Pack messages over a byte stream. One frame
// is a u32 body length, a u8 flag byte and the body: the concatenated
// encodings of the batched messages, snappy compressed when flagged.
// Reads tolerate partial delivery; messages decode in order as soon as
// the frame body is in.
type Channel struct {
	conn   net.Conn
	r      *bufio.Reader
	rbatch *Batch

	writeLock sync.Mutex
	wbuf      []byte

	compress bool
}

func New(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64<<10),
	}
}

// NewCompressed enables snappy compression of outgoing frame bodies over
// the threshold. Either side may compress independently.
func NewCompressed(conn net.Conn) *Channel {
	c := New(conn)
	c.compress = true
	return c
}

func (c *Channel) Conn() net.Conn {
	return c.conn
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

// Handshake exchanges magic and version with the peer. Both sides send
// first then read, so the exchange cannot deadlock. A version 2 peer and
// a version 3 peer cannot decode each other; the mismatch is fatal for
// the connection.
func (c *Channel) Handshake(timeout time.Duration) error {
	if timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}
	var hello [6]byte
	binary.BigEndian.PutUint32(hello[0:4], api.ProtocolMagic)
	binary.BigEndian.PutUint16(hello[4:6], api.ProtocolVersion)
	if _, err := c.conn.Write(hello[:]); err != nil {
		return err
	}
	var peer [6]byte
	if _, err := io.ReadFull(c.r, peer[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(peer[0:4]) != api.ProtocolMagic {
		return ErrBadMagic
	}
	if binary.BigEndian.Uint16(peer[4:6]) != api.ProtocolVersion {
		return ErrIncompatibleVersion
	}
	return nil
}

// SendBatch writes all messages as one frame. Coalescing many logical
// messages into one frame amortizes syscall and encryption overhead.
func (c *Channel) SendBatch(msgs ...wire.Pack) error {
	if len(msgs) == 0 {
		return nil
	}
	total := 0
	for _, m := range msgs {
		total += m.EncodedLen()
	}
	e := wire.NewEncoder(total)
	for _, m := range msgs {
		m.Encode(e)
	}
	return c.sendFrame(e.Bytes(), 0)
}

// SendHeartbeat writes an empty heartbeat frame.
func (c *Channel) SendHeartbeat() error {
	return c.sendFrame(nil, flagHeartbeat)
}

func (c *Channel) sendFrame(body []byte, flags byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if c.compress && len(body) >= compressThreshold {
		compressed := snappy.Encode(nil, body)
		if len(compressed) < len(body) {
			body = compressed
			flags |= flagSnappy
		}
	}
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}
	c.wbuf = c.wbuf[:0]
	c.wbuf = binary.BigEndian.AppendUint32(c.wbuf, uint32(len(body)))
	c.wbuf = append(c.wbuf, flags)
	c.wbuf = append(c.wbuf, body...)
	_, err := c.conn.Write(c.wbuf)
	return err
}

// Batch iterates the messages of one received frame in order. Plain
// frames decode incrementally off the stream: each message is usable as
// soon as its own bytes arrive, a large batch never has to be fully
// buffered first. Compressed frames are the exception, a snappy block
// only decodes whole.
type Batch struct {
	r         *bufio.Reader
	remaining int    // frame bytes not yet pulled off the stream
	buf       []byte // received, not yet decoded
	off       int
	d         *wire.Decoder // compressed frames decode from here instead
	heartbeat bool
}

func (b *Batch) IsHeartbeat() bool {
	return b.heartbeat
}

// Next decodes the next message of the batch into msg. It returns false
// with a nil error when the batch is exhausted.
func (b *Batch) Next(msg wire.Pack) (bool, error) {
	if b.heartbeat {
		return false, nil
	}
	if b.d != nil {
		if b.d.Remaining() == 0 {
			return false, nil
		}
		if err := msg.Decode(b.d); err != nil {
			return false, err
		}
		return true, nil
	}
	for {
		if b.off == len(b.buf) && b.remaining == 0 {
			return false, nil
		}
		avail := b.buf[b.off:]
		d := wire.NewDecoder(avail)
		err := msg.Decode(d)
		if err == nil {
			b.off += len(avail) - d.Remaining()
			b.buf = b.buf[b.off:]
			b.off = 0
			return true, nil
		}
		// with frame bytes still in flight a short or overlong read just
		// means the message is not complete yet; with the frame fully
		// buffered it is malformed
		if b.remaining == 0 || (err != wire.ErrShortBuffer && err != wire.ErrLengthMismatch) {
			return false, err
		}
		if err := b.fill(); err != nil {
			return false, err
		}
	}
}

// fill pulls more frame bytes into the decode buffer: everything the
// reader already holds, or a single blocking byte when it holds nothing.
func (b *Batch) fill() error {
	want := b.r.Buffered()
	if want == 0 {
		want = 1
	}
	if want > b.remaining {
		want = b.remaining
	}
	chunk := make([]byte, want)
	n, err := b.r.Read(chunk)
	if n > 0 {
		b.buf = append(b.buf, chunk[:n]...)
		b.remaining -= n
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// discard drains the frame bytes an abandoned batch left on the stream.
func (b *Batch) discard() error {
	b.buf, b.off = nil, 0
	if b.remaining > 0 {
		if _, err := io.CopyN(io.Discard, b.r, int64(b.remaining)); err != nil {
			return err
		}
		b.remaining = 0
	}
	return nil
}

// ReadBatch blocks for the next frame header. A malformed header fails
// the read so the caller resets the connection. Leftovers of a previous
// half-read batch are discarded first; one reader goroutine per channel.
func (c *Channel) ReadBatch() (*Batch, error) {
	if c.rbatch != nil {
		if err := c.rbatch.discard(); err != nil {
			return nil, err
		}
		c.rbatch = nil
	}
	var header [5]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	flags := header[4]
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if flags&flagHeartbeat != 0 {
		if length > 0 {
			if _, err := io.CopyN(io.Discard, c.r, int64(length)); err != nil {
				return nil, err
			}
		}
		return &Batch{heartbeat: true}, nil
	}
	if flags&flagSnappy != 0 {
		body := make([]byte, length)
		if _, err := io.ReadFull(c.r, body); err != nil {
			return nil, err
		}
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, err
		}
		return &Batch{d: wire.NewDecoder(decoded)}, nil
	}
	b := &Batch{r: c.r, remaining: int(length)}
	c.rbatch = b
	return b, nil
}
