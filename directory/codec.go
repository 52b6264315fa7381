package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/daphne/relaykey"
)

// encodeEntries serializes a list of entries into the GET_DIRECT reply
// payload: repeated records of ipLen(2) ip port(2) keyLen(4) keyPEM.
// Like the Cell codec, this is an explicit length-prefixed schema, not
// an object graph.
func encodeEntries(entries []Entry) []byte {
	buf := make([]byte, 0, 64*len(entries))
	for _, e := range entries {
		ip := []byte(e.IPAddr)
		keyPEM := relaykey.PublicKeyPEM(e.PublicKey)

		var ipLen [2]byte
		binary.BigEndian.PutUint16(ipLen[:], uint16(len(ip)))
		buf = append(buf, ipLen[:]...)
		buf = append(buf, ip...)

		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], e.Port)
		buf = append(buf, portBuf[:]...)

		var keyLen [4]byte
		binary.BigEndian.PutUint32(keyLen[:], uint32(len(keyPEM)))
		buf = append(buf, keyLen[:]...)
		buf = append(buf, keyPEM...)
	}
	return buf
}

// decodeEntries is the inverse of encodeEntries.
func decodeEntries(buf []byte) ([]Entry, error) {
	var entries []Entry
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, fmt.Errorf("truncated entry: missing ip length")
		}
		ipLen := binary.BigEndian.Uint16(buf[0:2])
		buf = buf[2:]
		if len(buf) < int(ipLen) {
			return nil, fmt.Errorf("truncated entry: ip shorter than declared")
		}
		ip := string(buf[:ipLen])
		buf = buf[ipLen:]

		if len(buf) < 2 {
			return nil, fmt.Errorf("truncated entry: missing port")
		}
		port := binary.BigEndian.Uint16(buf[0:2])
		buf = buf[2:]

		if len(buf) < 4 {
			return nil, fmt.Errorf("truncated entry: missing key length")
		}
		keyLen := binary.BigEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if uint64(len(buf)) < uint64(keyLen) {
			return nil, fmt.Errorf("truncated entry: key shorter than declared")
		}
		keyPEM := buf[:keyLen]
		buf = buf[keyLen:]

		pub, err := relaykey.ParsePublicKeyPEM(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse entry public key: %w", err)
		}
		entries = append(entries, Entry{IPAddr: ip, Port: port, PublicKey: pub})
	}
	return entries, nil
}
