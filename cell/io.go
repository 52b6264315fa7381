package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire field tags (TLV). Each Cell field maps to a small integer tag;
// only the tags permitted for a Cell's Type may appear.
const (
	tagPayload   uint8 = 1
	tagIV        uint8 = 2
	tagSalt      uint8 = 3
	tagSignature uint8 = 4
	tagIPAddr    uint8 = 5
	tagPort      uint8 = 6
)

// MaxCellLen bounds the total encoded length of one Cell (header +
// frame length prefix excluded) that a decoder will accept. Longer
// frames are MalformedCell and MUST cause the connection to be closed.
const MaxCellLen = 1 << 20

// ErrMalformedCell is returned (wrapped) for any cell that fails to
// parse: unknown tag, a tag not permitted for the cell's Type, a
// duplicate tag, or a declared length exceeding MaxCellLen.
var ErrMalformedCell = errors.New("cell: malformed cell")

// allowedTags lists which TLV tags may appear for each Cell Type.
// Decode rejects any tag not present in the cell's own list.
var allowedTags = map[Type]map[uint8]bool{
	TypeAddCon:       {tagPayload: true},
	TypeConnectResp:  {tagPayload: true, tagSalt: true, tagSignature: true},
	TypeRelayConnect: {tagPayload: true, tagIPAddr: true, tagPort: true, tagIV: true},
	TypeRelay:        {tagPayload: true, tagIPAddr: true, tagPort: true, tagIV: true},
	TypeReq:          {tagPayload: true},
	TypeContinue:     {tagPayload: true, tagIV: true},
	TypeFinished:     {tagPayload: true, tagIV: true},
	TypeFailed:       {tagPayload: true, tagIV: true},
	TypeGiveDirect:   {tagPayload: true, tagIV: true, tagSalt: true, tagSignature: true},
	TypeGetDirect:    {tagPayload: true},
}

// Encode serializes c as: 1-byte Type, followed by TLV fields
// (tag(1) length(uint32 BE) value) for each non-empty field allowed
// for c.Type. It returns ErrMalformedCell if c carries a field not
// permitted for its Type.
func Encode(c Cell) ([]byte, error) {
	allowed, ok := allowedTags[c.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cell type %d", ErrMalformedCell, c.Type)
	}

	buf := make([]byte, 0, 32+len(c.Payload))
	buf = append(buf, byte(c.Type))

	writeField := func(tag uint8, value []byte) error {
		if len(value) == 0 {
			return nil
		}
		if !allowed[tag] {
			return fmt.Errorf("%w: field tag %d not permitted for %s", ErrMalformedCell, tag, c.Type)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
		buf = append(buf, tag)
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, value...)
		return nil
	}

	if err := writeField(tagPayload, c.Payload); err != nil {
		return nil, err
	}
	if err := writeField(tagIV, c.IV); err != nil {
		return nil, err
	}
	if err := writeField(tagSalt, c.Salt); err != nil {
		return nil, err
	}
	if err := writeField(tagSignature, c.Signature); err != nil {
		return nil, err
	}
	if err := writeField(tagIPAddr, []byte(c.IPAddr)); err != nil {
		return nil, err
	}
	if c.Port != 0 {
		if !allowed[tagPort] {
			return nil, fmt.Errorf("%w: field tag %d not permitted for %s", ErrMalformedCell, tagPort, c.Type)
		}
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], c.Port)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 2)
		buf = append(buf, tagPort)
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, portBuf[:]...)
	}

	if len(buf) > MaxCellLen {
		return nil, fmt.Errorf("%w: encoded cell %d bytes exceeds maximum %d", ErrMalformedCell, len(buf), MaxCellLen)
	}
	return buf, nil
}

// Decode parses a Cell from exactly buf (no trailing bytes permitted).
func Decode(buf []byte) (Cell, error) {
	if len(buf) == 0 {
		return Cell{}, fmt.Errorf("%w: empty cell", ErrMalformedCell)
	}
	if len(buf) > MaxCellLen {
		return Cell{}, fmt.Errorf("%w: cell %d bytes exceeds maximum %d", ErrMalformedCell, len(buf), MaxCellLen)
	}

	c := Cell{Type: Type(buf[0])}
	allowed, ok := allowedTags[c.Type]
	if !ok {
		return Cell{}, fmt.Errorf("%w: unknown cell type %d", ErrMalformedCell, buf[0])
	}

	seen := make(map[uint8]bool)
	rest := buf[1:]
	for len(rest) > 0 {
		if len(rest) < 5 {
			return Cell{}, fmt.Errorf("%w: truncated field header", ErrMalformedCell)
		}
		tag := rest[0]
		fieldLen := binary.BigEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if uint64(fieldLen) > uint64(len(rest)) {
			return Cell{}, fmt.Errorf("%w: declared field length %d exceeds remaining %d", ErrMalformedCell, fieldLen, len(rest))
		}
		if fieldLen > MaxCellLen {
			return Cell{}, fmt.Errorf("%w: field length %d exceeds maximum %d", ErrMalformedCell, fieldLen, MaxCellLen)
		}
		if !allowed[tag] {
			return Cell{}, fmt.Errorf("%w: field tag %d not permitted for %s", ErrMalformedCell, tag, c.Type)
		}
		if seen[tag] {
			return Cell{}, fmt.Errorf("%w: duplicate field tag %d", ErrMalformedCell, tag)
		}
		seen[tag] = true

		value := rest[:fieldLen]
		rest = rest[fieldLen:]

		switch tag {
		case tagPayload:
			c.Payload = append([]byte(nil), value...)
		case tagIV:
			c.IV = append([]byte(nil), value...)
		case tagSalt:
			c.Salt = append([]byte(nil), value...)
		case tagSignature:
			c.Signature = append([]byte(nil), value...)
		case tagIPAddr:
			c.IPAddr = string(value)
		case tagPort:
			if fieldLen != 2 {
				return Cell{}, fmt.Errorf("%w: port field must be 2 bytes, got %d", ErrMalformedCell, fieldLen)
			}
			c.Port = binary.BigEndian.Uint16(value)
		}
	}

	return c, nil
}

// Frame encodes c and prefixes it with the same 4-byte big-endian
// length WriteCell writes to a stream. Onion-routed cells embed one
// cell's framed wire bytes inside another's Payload (the forwarding
// relay never parses them, only the next hop down does), so callers
// building those nested cells need the framed form without an
// io.Writer to hand.
func Frame(c Cell) ([]byte, error) {
	body, err := Encode(c)
	if err != nil {
		return nil, err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	return append(lenBuf[:], body...), nil
}

// Unframe is the inverse of Frame: buf must contain exactly one frame
// (a 4-byte length prefix followed by exactly that many bytes).
func Unframe(buf []byte) (Cell, error) {
	if len(buf) < 4 {
		return Cell{}, fmt.Errorf("%w: truncated frame length", ErrMalformedCell)
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	if uint64(n) != uint64(len(buf)-4) {
		return Cell{}, fmt.Errorf("%w: frame length %d does not match body length %d", ErrMalformedCell, n, len(buf)-4)
	}
	return Decode(buf[4:])
}

// Reader reads length-framed Cells from a stream.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadCell reads one 4-byte-length-prefixed, TLV-encoded Cell.
func (cr *Reader) ReadCell() (Cell, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
		return Cell{}, fmt.Errorf("read cell length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxCellLen {
		return Cell{}, fmt.Errorf("%w: declared frame length %d exceeds maximum %d", ErrMalformedCell, n, MaxCellLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(cr.r, body); err != nil {
		return Cell{}, fmt.Errorf("read cell body: %w", err)
	}
	c, err := Decode(body)
	if err != nil {
		return Cell{}, err
	}
	return c, nil
}

// ReadRawRSABlock reads exactly n bytes unframed — used for the single
// unframed message in the protocol: a new upstream's first datagram to
// a relay, which is raw RSA-OAEP ciphertext.
func (cr *Reader) ReadRawRSABlock(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(cr.r, buf); err != nil {
		return nil, fmt.Errorf("read raw RSA block: %w", err)
	}
	return buf, nil
}

// Writer writes length-framed Cells to a stream.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteCell encodes and writes c, length-prefixed.
func (cw *Writer) WriteCell(c Cell) error {
	body, err := Encode(c)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := cw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write cell length: %w", err)
	}
	if _, err := cw.w.Write(body); err != nil {
		return fmt.Errorf("write cell body: %w", err)
	}
	return nil
}

// WriteRaw writes buf unframed — the counterpart to ReadRawRSABlock.
func (cw *Writer) WriteRaw(buf []byte) error {
	_, err := cw.w.Write(buf)
	return err
}
