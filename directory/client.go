package directory

import (
	"crypto/rsa"
	"fmt"
	"net"
	"time"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/relaykey"
	"github.com/cvsouth/daphne/xcrypto"
)

// Client queries a directory Service for the current relay list.
type Client struct {
	// DialTimeout bounds the connection to the directory; zero means a
	// 5-second default.
	DialTimeout time.Duration
}

// List dials addr, sends GET_DIRECT, reads one reply cell, and returns
// the decoded entries. The connection is closed before returning.
func (c *Client) List(addr string) ([]Entry, error) {
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout())
	if err != nil {
		return nil, fmt.Errorf("dial directory %s: %w", addr, err)
	}
	defer conn.Close()

	writer := cell.NewWriter(conn)
	if err := writer.WriteCell(cell.Cell{Type: cell.TypeGetDirect}); err != nil {
		return nil, fmt.Errorf("send GET_DIRECT: %w", err)
	}

	reader := cell.NewReader(conn)
	reply, err := reader.ReadCell()
	if err != nil {
		return nil, fmt.Errorf("read GET_DIRECT reply: %w", err)
	}
	if reply.Type != cell.TypeGetDirect {
		return nil, fmt.Errorf("unexpected reply type %s", reply.Type)
	}

	entries, err := decodeEntries(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode relay list: %w", err)
	}
	return entries, nil
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 5 * time.Second
}

// Register dials addr and sends a GIVE_DIRECT registration: payload is
// the PEM-encoded public key, iv carries the 2-byte big-endian
// listening port, salt is a fresh NonceLen-byte nonce, and signature is
// the RSA-PSS signature of that nonce under priv (proof of possession).
// The returned connection must be kept open for the registration to
// remain live; closing it (or letting a liveness read fail) causes the
// directory to drop the entry.
func Register(addr string, priv *rsa.PrivateKey, port uint16) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial directory %s: %w", addr, err)
	}

	nonce, err := xcrypto.NewSalt(NonceLen)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate registration nonce: %w", err)
	}
	sig, err := xcrypto.RSASign(priv, nonce)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sign registration nonce: %w", err)
	}

	c := cell.Cell{
		Type:      cell.TypeGiveDirect,
		Payload:   relaykey.PublicKeyPEM(&priv.PublicKey),
		IV:        []byte{byte(port >> 8), byte(port)},
		Salt:      nonce,
		Signature: sig,
	}
	writer := cell.NewWriter(conn)
	if err := writer.WriteCell(c); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send GIVE_DIRECT: %w", err)
	}
	return conn, nil
}
