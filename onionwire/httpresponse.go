// Package onionwire defines the small wire records carried inside cell
// payloads that are not cells themselves: the serialized HTTP response
// the exit relay sends back and the originator deserializes. Like the
// cell codec, this is an explicit tagged binary schema rather than an
// opaque object-graph encoding.
package onionwire

import (
	"encoding/binary"
	"fmt"
	"net/http"
)

// MaxResponseBody bounds how much of a destination server's response
// body the exit relay will read and forward.
const MaxResponseBody = 16 << 20

// HTTPResponse is the record exchanged as the payload of REQ's
// FINISHED/CONTINUE reply chain.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// EncodeHTTPResponse serializes r as: status(4) headerBlockLen(4)
// headerBlock body. The header block is a sequence of
// keyLen(2) key valLen(4) val records, one per (key, value) pair
// (a header with N values produces N records sharing the key).
func EncodeHTTPResponse(r HTTPResponse) ([]byte, error) {
	var headerBlock []byte
	for key, values := range r.Header {
		for _, v := range values {
			if len(key) > 0xFFFF {
				return nil, fmt.Errorf("header key too long: %d bytes", len(key))
			}
			var keyLen [2]byte
			binary.BigEndian.PutUint16(keyLen[:], uint16(len(key)))
			headerBlock = append(headerBlock, keyLen[:]...)
			headerBlock = append(headerBlock, key...)

			var valLen [4]byte
			binary.BigEndian.PutUint32(valLen[:], uint32(len(v)))
			headerBlock = append(headerBlock, valLen[:]...)
			headerBlock = append(headerBlock, v...)
		}
	}

	buf := make([]byte, 0, 8+len(headerBlock)+len(r.Body))
	var statusBuf [4]byte
	binary.BigEndian.PutUint32(statusBuf[:], uint32(r.StatusCode))
	buf = append(buf, statusBuf[:]...)

	var headerLenBuf [4]byte
	binary.BigEndian.PutUint32(headerLenBuf[:], uint32(len(headerBlock)))
	buf = append(buf, headerLenBuf[:]...)
	buf = append(buf, headerBlock...)
	buf = append(buf, r.Body...)
	return buf, nil
}

// DecodeHTTPResponse is the inverse of EncodeHTTPResponse.
func DecodeHTTPResponse(buf []byte) (HTTPResponse, error) {
	if len(buf) < 8 {
		return HTTPResponse{}, fmt.Errorf("onionwire: truncated response: missing header")
	}
	status := binary.BigEndian.Uint32(buf[0:4])
	headerLen := binary.BigEndian.Uint32(buf[4:8])
	rest := buf[8:]
	if uint64(headerLen) > uint64(len(rest)) {
		return HTTPResponse{}, fmt.Errorf("onionwire: declared header block length %d exceeds remaining %d", headerLen, len(rest))
	}
	headerBlock := rest[:headerLen]
	body := rest[headerLen:]

	header := make(http.Header)
	for len(headerBlock) > 0 {
		if len(headerBlock) < 2 {
			return HTTPResponse{}, fmt.Errorf("onionwire: truncated header key length")
		}
		keyLen := binary.BigEndian.Uint16(headerBlock[0:2])
		headerBlock = headerBlock[2:]
		if len(headerBlock) < int(keyLen) {
			return HTTPResponse{}, fmt.Errorf("onionwire: truncated header key")
		}
		key := string(headerBlock[:keyLen])
		headerBlock = headerBlock[keyLen:]

		if len(headerBlock) < 4 {
			return HTTPResponse{}, fmt.Errorf("onionwire: truncated header value length")
		}
		valLen := binary.BigEndian.Uint32(headerBlock[0:4])
		headerBlock = headerBlock[4:]
		if uint64(len(headerBlock)) < uint64(valLen) {
			return HTTPResponse{}, fmt.Errorf("onionwire: truncated header value")
		}
		val := string(headerBlock[:valLen])
		headerBlock = headerBlock[valLen:]

		header.Add(key, val)
	}

	return HTTPResponse{
		StatusCode: int(status),
		Header:     header,
		Body:       append([]byte(nil), body...),
	}, nil
}
