// Package wire is the framing codec of the catalog transfer protocol.
//
// Control messages travel as one ASCII datagram "<TAG> <payload>". File
// content travels as raw datagrams of at most MaxPayload bytes with no
// header at all: the Nth datagram of a streaming phase is packet N. This
// relies on the transport keeping send order for datagrams exchanged on one
// dedicated channel within one streaming phase. A transport without that
// guarantee needs explicit sequence numbers in every packet.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"udpxfer/internal/catalog"
)

// Tag identifies a control message.
type Tag string

const (
	TagReady Tag = "READY"
	TagSizes Tag = "SIZES"
	TagSend  Tag = "SEND"
	TagNum   Tag = "NUM"
	TagHash  Tag = "HASH"
	TagOK    Tag = "OK"
	TagError Tag = "ERROR"
)

func (t Tag) Valid() bool {
	switch t {
	case TagReady, TagSizes, TagSend, TagNum, TagHash, TagOK, TagError:
		return true
	}
	return false
}

const (
	// DefaultMaxPayload keeps a packet plus IP/UDP headers under the
	// 576-byte minimum reassembly size.
	DefaultMaxPayload = 548
	// MaxDatagram is the largest UDP payload over IPv4.
	MaxDatagram = 65507
	// ContactByte is the whole first-contact datagram.
	ContactByte byte = 0x01

	catalogSep = ";"
)

var (
	ErrUnknownTag = errors.New("unknown tag")
	ErrMalformed  = errors.New("malformed payload")
	ErrTooLarge   = errors.New("message exceeds datagram size")
)

// Message is one control message.
type Message struct {
	Tag     Tag
	Payload string
}

func Msg(tag Tag, payload string) Message { return Message{Tag: tag, Payload: payload} }

func IntMsg(tag Tag, n int64) Message { return Message{Tag: tag, Payload: strconv.FormatInt(n, 10)} }

func (m Message) String() string {
	if m.Payload == "" {
		return string(m.Tag)
	}
	return string(m.Tag) + " " + m.Payload
}

// Int parses the payload of SEND and NUM.
func (m Message) Int() (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(m.Payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s payload %q", ErrMalformed, m.Tag, m.Payload)
	}
	return n, nil
}

// Encode renders m as a datagram.
func Encode(m Message) ([]byte, error) {
	if !m.Tag.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, string(m.Tag))
	}
	b := []byte(m.String())
	if len(b) > MaxDatagram {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, m.Tag, len(b))
	}
	return b, nil
}

// Decode splits a datagram on its first space. Trailing NUL bytes are
// dropped since fixed-buffer peers pad their messages with them.
func Decode(b []byte) (Message, error) {
	s := string(bytes.TrimRight(b, "\x00"))
	tag, payload, _ := strings.Cut(s, " ")
	m := Message{Tag: Tag(tag), Payload: payload}
	if !m.Tag.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTag, truncate(tag, 16))
	}
	return m, nil
}

// Expect decodes b and checks its tag.
func Expect(b []byte, want Tag) (Message, error) {
	m, err := Decode(b)
	if err != nil {
		return Message{}, err
	}
	if m.Tag != want {
		return m, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, want, m.Tag)
	}
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// CATALOG
// ─────────────────────────────────────────────────────────────────────────────

// EncodeCatalog builds the READY and SIZES messages for s.
func EncodeCatalog(s catalog.Snapshot) (ready, sizes Message) {
	names := s.Names()
	sz := make([]string, 0, s.Len())
	for _, n := range s.Sizes() {
		sz = append(sz, strconv.FormatUint(n, 10))
	}
	return Msg(TagReady, strings.Join(names, catalogSep)), Msg(TagSizes, strings.Join(sz, catalogSep))
}

// DecodeCatalog parses the READY and SIZES payloads back into a snapshot.
func DecodeCatalog(ready, sizes Message) (catalog.Snapshot, error) {
	if ready.Tag != TagReady || sizes.Tag != TagSizes {
		return catalog.Snapshot{}, fmt.Errorf("%w: expected READY/SIZES, got %s/%s", ErrMalformed, ready.Tag, sizes.Tag)
	}
	names := splitList(ready.Payload)
	rawSizes := splitList(sizes.Payload)
	if len(names) != len(rawSizes) {
		return catalog.Snapshot{}, fmt.Errorf("%w: %d names, %d sizes", ErrMalformed, len(names), len(rawSizes))
	}
	files := make([]catalog.FileDescriptor, len(names))
	for i, name := range names {
		n, err := strconv.ParseUint(strings.TrimSpace(rawSizes[i]), 10, 64)
		if err != nil {
			return catalog.Snapshot{}, fmt.Errorf("%w: size %q", ErrMalformed, rawSizes[i])
		}
		files[i] = catalog.FileDescriptor{Name: name, Size: n}
	}
	return catalog.NewSnapshot(files), nil
}

func splitList(payload string) []string {
	if payload == "" {
		return nil
	}
	return strings.Split(payload, catalogSep)
}

// ─────────────────────────────────────────────────────────────────────────────
// PACKETS
// ─────────────────────────────────────────────────────────────────────────────

// PacketCount is ceil(size / maxPayload); an empty file has no packets.
func PacketCount(size uint64, maxPayload int) int {
	mp := uint64(maxPayload)
	return int((size + mp - 1) / mp)
}

// PacketLen is the length of the 1-based packet index: maxPayload for
// every packet but the last, which carries the exact remainder.
func PacketLen(index int, size uint64, maxPayload int) int {
	count := PacketCount(size, maxPayload)
	if index < 1 || index > count {
		return 0
	}
	if index < count {
		return maxPayload
	}
	return int(size - uint64(count-1)*uint64(maxPayload))
}

// ─────────────────────────────────────────────────────────────────────────────
// STREAM FRAMING
// ─────────────────────────────────────────────────────────────────────────────

// WriteLine writes m as one newline-terminated line.
func WriteLine(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// ReadLine reads one newline-terminated control message.
func ReadLine(r *bufio.Reader) (Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Message{}, err
	}
	return Decode([]byte(strings.TrimRight(line, "\r\n")))
}
