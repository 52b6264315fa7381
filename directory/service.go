package directory

import (
	"bufio"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/internal/onionerr"
	"github.com/cvsouth/daphne/relaykey"
	"github.com/cvsouth/daphne/xcrypto"
)

// NonceLen is the size of the proof-of-possession nonce a registering
// relay signs.
const NonceLen = 128

// Service is the directory: it accepts relay registrations and answers
// relay-list queries. The registered-entries slice is behind mu; each
// accepted connection is handled in its own goroutine, the Go-idiomatic
// rendering of the reference single-threaded readiness loop.
type Service struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries []*Entry
	sockets map[*Entry]net.Conn
}

// NewService constructs an empty Service. Call Serve to start accepting
// connections.
func NewService(log *slog.Logger) *Service {
	return &Service{
		log:     log,
		sockets: make(map[*Entry]net.Conn),
	}
}

// Serve accepts connections on ln until it errors (e.g. on Close).
func (s *Service) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("directory accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Service) handleConn(conn net.Conn) {
	reader := cell.NewReader(bufio.NewReader(conn))
	c, err := reader.ReadCell()
	if err != nil {
		s.log.Debug("directory: malformed connection, dropping", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	switch c.Type {
	case cell.TypeGiveDirect:
		s.handleGiveDirect(conn, c)
	case cell.TypeGetDirect:
		s.handleGetDirect(conn)
	default:
		s.log.Debug("directory: unexpected cell type, dropping", "type", c.Type)
		conn.Close()
	}
}

func (s *Service) handleGiveDirect(conn net.Conn, c cell.Cell) {
	pub, err := relaykey.ParsePublicKeyPEM(c.Payload)
	if err != nil {
		s.log.Debug("directory: GIVE_DIRECT with unparseable key, dropping", "error", err)
		conn.Close()
		return
	}
	if len(c.IV) != 2 {
		s.log.Debug("directory: GIVE_DIRECT missing port")
		conn.Close()
		return
	}
	port := uint16(c.IV[0])<<8 | uint16(c.IV[1])

	if len(c.Salt) != NonceLen {
		s.log.Debug("directory: GIVE_DIRECT nonce has wrong length", "length", len(c.Salt))
		conn.Close()
		return
	}
	if err := xcrypto.RSAVerify(pub, c.Signature, c.Salt); err != nil {
		s.log.Debug("directory: GIVE_DIRECT signature failed, dropping", "error", onionerr.Wrap(onionerr.Crypto, err))
		conn.Close()
		return
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	entry := s.register(host, port, pub)
	s.setSocket(entry, conn)
	s.log.Info("directory: relay registered", "ip", host, "port", port)

	// Liveness: hold the socket open and block on a read. When the peer
	// closes or a read fails, the entry is dropped from both the
	// registered list and the socket map.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			s.drop(entry)
			s.log.Info("directory: relay deregistered", "ip", host, "port", port)
			conn.Close()
			return
		}
	}
}

func (s *Service) handleGetDirect(conn net.Conn) {
	defer conn.Close()
	s.mu.RLock()
	entries := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		entries[i] = *e
	}
	s.mu.RUnlock()

	reply := cell.Cell{Type: cell.TypeGetDirect, Payload: encodeEntries(entries)}
	writer := cell.NewWriter(conn)
	if err := writer.WriteCell(reply); err != nil {
		s.log.Debug("directory: GET_DIRECT reply failed", "error", err)
	}
}

// register idempotently records an entry for (ip,port,key) and returns
// it. Entries are heap-allocated individually so that growing the
// registered list never invalidates a pointer returned earlier.
func (s *Service) register(ip string, port uint16, pub *rsa.PublicKey) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.IPAddr == ip && e.Port == port && e.PublicKey.Equal(pub) {
			return e
		}
	}
	entry := &Entry{IPAddr: ip, Port: port, PublicKey: pub}
	s.entries = append(s.entries, entry)
	return entry
}

func (s *Service) setSocket(entry *Entry, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[entry] = conn
}

func (s *Service) drop(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e == entry {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	delete(s.sockets, entry)
}
