// Package originator builds and drives an onion circuit: it performs
// the ADD_CON handshake with the entry relay, extends the circuit hop
// by hop via onion-wrapped RELAY_CONNECT cells, and sends onion-wrapped
// REQ requests down the finished circuit, peeling the layered reply
// back into a single HTTP response.
package originator

import (
	"crypto/ecdh"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/directory"
	"github.com/cvsouth/daphne/onionwire"
	"github.com/cvsouth/daphne/xcrypto"
)

// DialTimeout bounds connecting to the entry relay.
const DialTimeout = 5 * time.Second

// ExtendTimeout bounds waiting for a CONNECT_RESP (or FAILED) reply
// while extending the circuit by one hop.
const ExtendTimeout = 10 * time.Second

// RequestTimeout bounds waiting for each reply frame of a REQ.
const RequestTimeout = 30 * time.Second

// Hop is one relay already folded into a circuit: its identity, the
// session key derived with it, and the ephemeral keypair used to
// derive that key (kept only so SessionKey's derivation is
// reconstructable for debugging; not otherwise read again).
type Hop struct {
	PublicKey  *rsa.PublicKey
	ECDHEPriv  *ecdh.PrivateKey
	SessionKey [32]byte
	IPAddr     string
	Port       uint16
}

// Circuit is a built chain of hops, reachable through a single socket
// to the entry relay. Only the entry relay is ever dialed directly;
// every other hop is reached by onion-wrapping through hops already in
// the circuit.
type Circuit struct {
	Hops []*Hop

	conn   net.Conn
	reader *cell.Reader
	writer *cell.Writer
}

// BuildCircuit dials descriptors[0], performs ADD_CON with it, then
// extends through the remaining descriptors in order. Construction
// aborts on the first failure (a relay refusing to extend, or a
// CONNECT_RESP signature that fails to verify) without retrying the
// failing relay; the caller is expected to pick a different descriptor
// set and try again.
func BuildCircuit(descriptors []directory.Entry, log *slog.Logger) (*Circuit, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("originator: cannot build a circuit with zero hops")
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", descriptors[0].IPAddr, descriptors[0].Port), DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial entry relay: %w", err)
	}

	c := &Circuit{conn: conn, reader: cell.NewReader(conn), writer: cell.NewWriter(conn)}

	hop0, err := bootstrapEntry(conn, descriptors[0])
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bootstrap entry relay: %w", err)
	}
	c.Hops = append(c.Hops, hop0)
	if log != nil {
		log.Debug("originator: circuit entry established", "addr", descriptors[0].IPAddr, "port", descriptors[0].Port)
	}

	for i := 1; i < len(descriptors); i++ {
		if err := c.extend(descriptors[i]); err != nil {
			c.Teardown()
			return nil, fmt.Errorf("extend circuit to hop %d: %w", i, err)
		}
		if log != nil {
			log.Debug("originator: circuit extended", "hop", i, "addr", descriptors[i].IPAddr, "port", descriptors[i].Port)
		}
	}

	return c, nil
}

// bootstrapEntry performs the unwrapped ADD_CON/CONNECT_RESP exchange
// directly against the entry relay — the one hop never reached through
// onion-wrapping, since there is nothing upstream of it yet.
func bootstrapEntry(conn net.Conn, desc directory.Entry) (*Hop, error) {
	kp, err := xcrypto.ECDHENew()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	addCon := cell.Cell{Type: cell.TypeAddCon, Payload: xcrypto.ECDHPublicKeyPEM(kp.Pub)}
	plaintext, err := cell.Encode(addCon)
	if err != nil {
		return nil, fmt.Errorf("encode ADD_CON: %w", err)
	}
	rsaBlock, err := xcrypto.RSAEncrypt(desc.PublicKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("rsa-wrap ADD_CON: %w", err)
	}
	if _, err := conn.Write(rsaBlock); err != nil {
		return nil, fmt.Errorf("send ADD_CON: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(ExtendTimeout))
	resp, err := cell.NewReader(conn).ReadCell()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read CONNECT_RESP: %w", err)
	}
	if resp.Type != cell.TypeConnectResp {
		return nil, fmt.Errorf("expected CONNECT_RESP, got %s", resp.Type)
	}
	if err := xcrypto.RSAVerify(desc.PublicKey, resp.Signature, resp.Salt); err != nil {
		return nil, fmt.Errorf("verify CONNECT_RESP signature: %w", err)
	}
	peerPub, err := xcrypto.ParseECDHPublicKeyPEM(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("parse relay ECDHE key: %w", err)
	}
	key, err := xcrypto.ECDHEDerive(kp.Priv, peerPub, resp.Salt)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return &Hop{
		PublicKey:  desc.PublicKey,
		ECDHEPriv:  kp.Priv,
		SessionKey: key,
		IPAddr:     desc.IPAddr,
		Port:       desc.Port,
	}, nil
}

// Teardown closes the socket to the entry relay. Every other hop's
// connection is owned and closed by the relay that dialed it.
func (c *Circuit) Teardown() error {
	return c.conn.Close()
}

func (c *Circuit) sessionKeys() [][32]byte {
	keys := make([][32]byte, len(c.Hops))
	for i, h := range c.Hops {
		keys[i] = h.SessionKey
	}
	return keys
}
