package directory

import (
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/relaykey"
	"github.com/cvsouth/daphne/xcrypto"
)

func mustPublicKeyPEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	return relaykey.PublicKeyPEM(&key.PublicKey)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func startTestService(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := NewService(testLogger())
	go svc.Serve(ln)
	return ln.Addr().String(), func() { ln.Close() }
}

func testRelayKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestRegisterThenListRoundTrip(t *testing.T) {
	addr, stop := startTestService(t)
	defer stop()

	key := testRelayKey(t)
	conn, err := Register(addr, key, 9001)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	client := &Client{}
	entries, err := client.List(addr)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Port != 9001 {
		t.Fatalf("expected port 9001, got %d", entries[0].Port)
	}
	if !entries[0].PublicKey.Equal(&key.PublicKey) {
		t.Fatal("returned entry public key does not match registered key")
	}
}

func TestDeregistrationOnSocketClose(t *testing.T) {
	addr, stop := startTestService(t)
	defer stop()

	key := testRelayKey(t)
	conn, err := Register(addr, key, 9002)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	client := &Client{}
	entries, err := client.List(addr)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected entry to be dropped after disconnect, got %d entries", len(entries))
	}
}

// TestBadSignatureNeverAppears exercises the scenario where a GIVE_DIRECT
// with an invalid signature must never appear in a subsequent GET_DIRECT
// reply.
func TestBadSignatureNeverAppears(t *testing.T) {
	addr, stop := startTestService(t)
	defer stop()

	key := testRelayKey(t)
	otherKey := testRelayKey(t)

	nonce, err := xcrypto.NewSalt(NonceLen)
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	// Sign with a different key than the one advertised, producing a
	// signature that fails verification under the advertised key.
	badSig, err := xcrypto.RSASign(otherKey, nonce)
	if err != nil {
		t.Fatalf("RSASign: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pubPEM := mustPublicKeyPEM(t, key)

	c := cell.Cell{
		Type:      cell.TypeGiveDirect,
		Payload:   pubPEM,
		IV:        []byte{0x23, 0x29},
		Salt:      nonce,
		Signature: badSig,
	}
	writer := cell.NewWriter(conn)
	if err := writer.WriteCell(c); err != nil {
		t.Fatalf("WriteCell: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	client := &Client{}
	entries, err := client.List(addr)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries from bad-signature registration, got %d", len(entries))
	}
}

func TestIdempotentDuplicateRegistration(t *testing.T) {
	addr, stop := startTestService(t)
	defer stop()

	key := testRelayKey(t)
	conn1, err := Register(addr, key, 9003)
	if err != nil {
		t.Fatalf("Register 1: %v", err)
	}
	defer conn1.Close()
	time.Sleep(30 * time.Millisecond)

	conn2, err := Register(addr, key, 9003)
	if err != nil {
		t.Fatalf("Register 2: %v", err)
	}
	defer conn2.Close()
	time.Sleep(30 * time.Millisecond)

	client := &Client{}
	entries, err := client.List(addr)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected duplicate registration to be idempotent, got %d entries", len(entries))
	}
}
