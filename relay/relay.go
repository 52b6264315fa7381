// Package relay implements one hop of an onion circuit: it terminates
// an upstream client connection, performs the ADD_CON key exchange,
// extends the circuit downstream on RELAY_CONNECT, forwards traffic on
// RELAY, and performs the outbound HTTP fetch when it is the exit.
package relay

import (
	"bufio"
	"crypto/ecdh"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/directory"
	"github.com/cvsouth/daphne/internal/onionerr"
	"github.com/cvsouth/daphne/xcrypto"
)

// ChunkBytes bounds the size of a single CONTINUE/FINISHED payload
// chunk the exit relay emits when streaming an HTTP response back.
const ChunkBytes = 4096

// HandshakeTimeout bounds how long a relay waits for a cell from a
// freshly accepted upstream connection.
const HandshakeTimeout = 300 * time.Millisecond

// DownstreamTimeout bounds a read from a freshly dialed downstream hop.
const DownstreamTimeout = 5 * time.Second

// ExitTimeout bounds the exit relay's outbound HTTP GET.
const ExitTimeout = 30 * time.Second

type phase int

const (
	phaseInit phase = iota
	phaseEstablished
	phaseExtended
	phaseClosed
)

// clientState is the per-upstream-connection state a relay keeps
// between accepting ADD_CON and the connection closing.
type clientState struct {
	mu           sync.Mutex
	phase        phase
	sessionKey   [32]byte
	ecdhePriv    *ecdh.PrivateKey
	bounceConn   net.Conn
	bounceReader *cell.Reader
	nextAddr     string
	nextPort     uint16
}

// Node is one relay: it owns a long-term RSA identity, a directory
// registration, and a table of live upstream clients.
type Node struct {
	Key  *rsa.PrivateKey
	log  *slog.Logger

	mu      sync.Mutex
	clients map[net.Conn]*clientState
}

// NewNode constructs a Node around an already-loaded relay identity.
func NewNode(key *rsa.PrivateKey, log *slog.Logger) *Node {
	return &Node{
		Key:     key,
		log:     log,
		clients: make(map[net.Conn]*clientState),
	}
}

// RegisterWithDirectory sends a GIVE_DIRECT registration for this
// relay's own (ip is inferred by the directory from the socket source)
// listening port, and keeps the registration connection open for the
// lifetime of conn (callers should hold it until shutdown).
func (n *Node) RegisterWithDirectory(directoryAddr string, listenPort uint16) (net.Conn, error) {
	conn, err := directory.Register(directoryAddr, n.Key, listenPort)
	if err != nil {
		return nil, fmt.Errorf("register with directory: %w", err)
	}
	return conn, nil
}

// Serve accepts upstream connections on ln until it errors (e.g. on
// Close). Each connection is handled in its own goroutine; the client
// table is the only state shared across goroutines and is protected by
// n.mu.
func (n *Node) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("relay accept: %w", err)
		}
		go n.handleConn(conn)
	}
}

func (n *Node) addClient(conn net.Conn, cs *clientState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[conn] = cs
}

func (n *Node) removeClient(conn net.Conn) {
	n.mu.Lock()
	cs, ok := n.clients[conn]
	delete(n.clients, conn)
	n.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	cs.phase = phaseClosed
	bounce := cs.bounceConn
	cs.mu.Unlock()
	if bounce != nil {
		bounce.Close()
	}
}

func (n *Node) handleConn(conn net.Conn) {
	defer conn.Close()
	defer n.removeClient(conn)

	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	reader := bufio.NewReader(conn)
	rsaBlock, err := cell.NewReader(reader).ReadRawRSABlock(n.Key.Size())
	if err != nil {
		n.log.Debug("relay: ADD_CON read failed", "error", onionerr.Wrap(onionerr.Network, err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	cs, err := n.handleADDCON(conn, rsaBlock)
	if err != nil {
		n.log.Debug("relay: ADD_CON handshake failed", "error", err)
		return
	}
	n.addClient(conn, cs)

	cellReader := cell.NewReader(reader)
	cellWriter := cell.NewWriter(conn)
	for {
		outer, err := cellReader.ReadCell()
		if err != nil {
			return
		}
		if err := n.handleCell(cs, cellWriter, outer); err != nil {
			n.log.Debug("relay: client cell handling failed", "error", err)
			return
		}
	}
}

// handleADDCON implements the ADD_CON handshake: rsaBlock decrypts to
// an ADD_CON cell carrying the initiator's ephemeral ECDHE public key.
// The relay replies with CONNECT_RESP and stores the derived session
// key against this connection.
func (n *Node) handleADDCON(conn net.Conn, rsaBlock []byte) (*clientState, error) {
	plaintext, err := xcrypto.RSADecrypt(n.Key, rsaBlock)
	if err != nil {
		return nil, onionerr.Wrap(onionerr.Crypto, fmt.Errorf("decrypt ADD_CON: %w", err))
	}
	inner, err := cell.Decode(plaintext)
	if err != nil {
		return nil, onionerr.Wrap(onionerr.Protocol, fmt.Errorf("decode ADD_CON: %w", err))
	}
	if inner.Type != cell.TypeAddCon {
		return nil, onionerr.Wrap(onionerr.Protocol, fmt.Errorf("expected ADD_CON, got %s", inner.Type))
	}

	peerPub, err := xcrypto.ParseECDHPublicKeyPEM(inner.Payload)
	if err != nil {
		return nil, onionerr.Wrap(onionerr.Crypto, fmt.Errorf("parse initiator ECDHE key: %w", err))
	}

	kp, err := xcrypto.ECDHENew()
	if err != nil {
		return nil, onionerr.Wrap(onionerr.Crypto, fmt.Errorf("generate ECDHE keypair: %w", err))
	}
	salt, err := xcrypto.NewSalt(32)
	if err != nil {
		return nil, onionerr.Wrap(onionerr.Crypto, fmt.Errorf("generate salt: %w", err))
	}
	sessionKey, err := xcrypto.ECDHEDerive(kp.Priv, peerPub, salt)
	if err != nil {
		return nil, onionerr.Wrap(onionerr.Crypto, fmt.Errorf("derive session key: %w", err))
	}

	sig, err := xcrypto.RSASign(n.Key, salt)
	if err != nil {
		return nil, onionerr.Wrap(onionerr.Crypto, fmt.Errorf("sign CONNECT_RESP salt: %w", err))
	}

	resp := cell.Cell{
		Type:      cell.TypeConnectResp,
		Payload:   xcrypto.ECDHPublicKeyPEM(kp.Pub),
		Salt:      salt,
		Signature: sig,
	}
	if err := cell.NewWriter(conn).WriteCell(resp); err != nil {
		return nil, onionerr.Wrap(onionerr.Network, fmt.Errorf("send CONNECT_RESP: %w", err))
	}

	return &clientState{
		phase:      phaseEstablished,
		sessionKey: sessionKey,
		ecdhePriv:  kp.Priv,
	}, nil
}

// handleCell decrypts the outer cell under cs's session key, dispatches
// to the appropriate handler based on the inner cell's type, and
// enforces the phase transitions.
func (n *Node) handleCell(cs *clientState, w *cell.Writer, outer cell.Cell) error {
	inner, err := decryptInner(cs, outer)
	if err != nil {
		return onionerr.Wrap(onionerr.Crypto, err)
	}

	switch inner.Type {
	case cell.TypeRelayConnect:
		return n.handleRelayConnect(cs, w, inner)
	case cell.TypeRelay:
		return n.handleRelay(cs, w, inner)
	case cell.TypeReq:
		return n.handleREQ(cs, w, inner)
	default:
		return onionerr.Wrap(onionerr.Protocol, fmt.Errorf("unexpected inner cell type %s", inner.Type))
	}
}

func decryptInner(cs *clientState, outer cell.Cell) (cell.Cell, error) {
	cs.mu.Lock()
	key := cs.sessionKey
	cs.mu.Unlock()

	plaintext, err := xcrypto.AESDecrypt(key, outer.Payload, outer.IV)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("decrypt outer cell: %w", err)
	}
	inner, err := cell.Decode(plaintext)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("decode inner cell: %w", err)
	}
	return inner, nil
}

func encryptReply(cs *clientState, c cell.Cell) (cell.Cell, error) {
	cs.mu.Lock()
	key := cs.sessionKey
	cs.mu.Unlock()

	plain, err := cell.Encode(c)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("encode reply cell: %w", err)
	}
	ciphertext, iv, err := xcrypto.AESEncrypt(key, plain)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("encrypt reply cell: %w", err)
	}
	return cell.Cell{Type: c.Type, Payload: ciphertext, IV: iv}, nil
}

// handleRelayConnect extends the circuit: it dials (inner.IPAddr,
// inner.Port), forwards inner.Payload verbatim as the downstream's
// first-contact bytes, and awaits one response frame.
func (n *Node) handleRelayConnect(cs *clientState, w *cell.Writer, inner cell.Cell) error {
	downstream, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", inner.IPAddr, inner.Port), DownstreamTimeout)
	if err != nil {
		return sendFailed(cs, w, "CONNECTIONREFUSED")
	}

	if _, err := downstream.Write(inner.Payload); err != nil {
		downstream.Close()
		return sendFailed(cs, w, "CONNECTIONREFUSED")
	}

	downstream.SetReadDeadline(time.Now().Add(DownstreamTimeout))
	buf := make([]byte, cell.MaxCellLen)
	nRead, err := downstream.Read(buf)
	downstream.SetReadDeadline(time.Time{})
	if err != nil || nRead == 0 {
		downstream.Close()
		return sendFailed(cs, w, "")
	}

	cs.mu.Lock()
	cs.bounceConn = downstream
	cs.bounceReader = cell.NewReader(bufio.NewReader(downstream))
	cs.nextAddr = inner.IPAddr
	cs.nextPort = inner.Port
	cs.phase = phaseExtended
	cs.mu.Unlock()

	reply, err := encryptReply(cs, cell.Cell{Type: cell.TypeFinished, Payload: buf[:nRead]})
	if err != nil {
		return err
	}
	return w.WriteCell(reply)
}

// handleRelay forwards inner.Payload to the client's bounce connection
// and relays the downstream reply back upstream one cell at a time —
// the downstream side may be a relay answering a further RELAY_CONNECT
// wrapped inside this RELAY (one FINISHED/FAILED reply) or an exit
// streaming a chunked REQ response (any number of CONTINUE cells
// followed by one FINISHED) — until a FINISHED or FAILED cell
// terminates the loop.
func (n *Node) handleRelay(cs *clientState, w *cell.Writer, inner cell.Cell) error {
	cs.mu.Lock()
	bounce := cs.bounceConn
	bounceReader := cs.bounceReader
	cs.mu.Unlock()
	if bounce == nil {
		// A relay without a bounce connection silently drops RELAY cells.
		return nil
	}

	if _, err := bounce.Write(inner.Payload); err != nil {
		return sendFailed(cs, w, "")
	}

	for {
		frame, err := bounceReader.ReadCell()
		if err != nil {
			reply, encErr := encryptReply(cs, cell.Cell{Type: cell.TypeFinished})
			if encErr != nil {
				return encErr
			}
			return w.WriteCell(reply)
		}

		// frame is the downstream hop's own wire cell, still encrypted
		// under keys this relay does not hold. It is nested whole
		// (Frame preserves Type, Payload and IV together) inside this
		// hop's own reply so the originator can peel it one layer at a
		// time; re-using frame.Type as the reply's own type lets the
		// next hop up decide whether to keep looping without having to
		// decrypt anything itself.
		framed, err := cell.Frame(frame)
		if err != nil {
			return fmt.Errorf("frame downstream reply: %w", err)
		}
		reply, err := encryptReply(cs, cell.Cell{Type: frame.Type, Payload: framed})
		if err != nil {
			return err
		}
		if err := w.WriteCell(reply); err != nil {
			return err
		}
		if frame.Type == cell.TypeFinished || frame.Type == cell.TypeFailed {
			return nil
		}
	}
}

func sendFailed(cs *clientState, w *cell.Writer, reason string) error {
	var payload []byte
	if reason != "" {
		payload = []byte(reason)
	}
	reply, err := encryptReply(cs, cell.Cell{Type: cell.TypeFailed, Payload: payload})
	if err != nil {
		return err
	}
	return w.WriteCell(reply)
}
