package relay

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cvsouth/daphne/cell"
	"github.com/cvsouth/daphne/onionwire"
	"github.com/cvsouth/daphne/xcrypto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRelayKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate relay key: %v", err)
	}
	return key
}

func startRelay(t *testing.T) (addr string, key *rsa.PrivateKey, stop func()) {
	t.Helper()
	key = testRelayKey(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	node := NewNode(key, discardLogger())
	go node.Serve(ln)
	return ln.Addr().String(), key, func() { ln.Close() }
}

// clientHandshake performs the ADD_CON step of the protocol against a
// relay at addr and returns the session key and the connection.
func clientHandshake(t *testing.T, addr string, relayPub *rsa.PublicKey) ([32]byte, net.Conn) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}

	kp, err := xcrypto.ECDHENew()
	if err != nil {
		t.Fatalf("ECDHENew: %v", err)
	}
	addCon := cell.Cell{Type: cell.TypeAddCon, Payload: xcrypto.ECDHPublicKeyPEM(kp.Pub)}
	plaintext, err := cell.Encode(addCon)
	if err != nil {
		t.Fatalf("encode ADD_CON: %v", err)
	}
	rsaBlock, err := xcrypto.RSAEncrypt(relayPub, plaintext)
	if err != nil {
		t.Fatalf("RSAEncrypt: %v", err)
	}
	if _, err := conn.Write(rsaBlock); err != nil {
		t.Fatalf("write ADD_CON: %v", err)
	}

	reader := cell.NewReader(conn)
	resp, err := reader.ReadCell()
	if err != nil {
		t.Fatalf("read CONNECT_RESP: %v", err)
	}
	if resp.Type != cell.TypeConnectResp {
		t.Fatalf("expected CONNECT_RESP, got %s", resp.Type)
	}
	if err := xcrypto.RSAVerify(relayPub, resp.Signature, resp.Salt); err != nil {
		t.Fatalf("RSAVerify CONNECT_RESP: %v", err)
	}
	relayPubECDH, err := xcrypto.ParseECDHPublicKeyPEM(resp.Payload)
	if err != nil {
		t.Fatalf("parse relay ECDHE pub: %v", err)
	}
	key, err := xcrypto.ECDHEDerive(kp.Priv, relayPubECDH, resp.Salt)
	if err != nil {
		t.Fatalf("ECDHEDerive: %v", err)
	}
	return key, conn
}

func sendEncrypted(t *testing.T, conn net.Conn, key [32]byte, inner cell.Cell) {
	t.Helper()
	plain, err := cell.Encode(inner)
	if err != nil {
		t.Fatalf("encode inner cell: %v", err)
	}
	ciphertext, iv, err := xcrypto.AESEncrypt(key, plain)
	if err != nil {
		t.Fatalf("AESEncrypt: %v", err)
	}
	// The outer (AES-wrapped) cell's own type is never read by the
	// relay's decrypt path, only the peeled inner cell's is — but it
	// must itself be a type whose wire encoding permits an IV field.
	// TypeReq does not, so a REQ being wrapped is carried as RELAY.
	outerType := inner.Type
	if outerType == cell.TypeReq {
		outerType = cell.TypeRelay
	}
	outer := cell.Cell{Type: outerType, Payload: ciphertext, IV: iv}
	if err := cell.NewWriter(conn).WriteCell(outer); err != nil {
		t.Fatalf("write encrypted cell: %v", err)
	}
}

func readDecrypted(t *testing.T, conn net.Conn, key [32]byte) cell.Cell {
	t.Helper()
	outer, err := cell.NewReader(conn).ReadCell()
	if err != nil {
		t.Fatalf("read reply cell: %v", err)
	}
	plain, err := xcrypto.AESDecrypt(key, outer.Payload, outer.IV)
	if err != nil {
		t.Fatalf("AESDecrypt: %v", err)
	}
	inner, err := cell.Decode(plain)
	if err != nil {
		t.Fatalf("decode inner reply: %v", err)
	}
	return inner
}

func TestADDCONHandshakeDerivesSharedKey(t *testing.T) {
	addr, key, stop := startRelay(t)
	defer stop()

	sessionKey, conn := clientHandshake(t, addr, &key.PublicKey)
	defer conn.Close()

	var zero [32]byte
	if sessionKey == zero {
		t.Fatal("derived session key is all zeroes")
	}
}

func TestRequestAgainstExitRelay(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello from destination"))
	}))
	defer backend.Close()

	addr, key, stop := startRelay(t)
	defer stop()

	sessionKey, conn := clientHandshake(t, addr, &key.PublicKey)
	defer conn.Close()

	sendEncrypted(t, conn, sessionKey, cell.Cell{Type: cell.TypeReq, Payload: []byte(backend.URL)})
	reply := readDecrypted(t, conn, sessionKey)
	if reply.Type != cell.TypeFinished {
		t.Fatalf("expected FINISHED, got %s", reply.Type)
	}
	resp, err := onionwire.DecodeHTTPResponse(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeHTTPResponse: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code %d", resp.StatusCode)
	}
	if string(resp.Body) != "hello from destination" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if got := resp.Header.Get("X-Test"); got != "yes" {
		t.Fatalf("expected X-Test header to round-trip, got %q", got)
	}
}

func TestRequestAgainstUnreachableExitFails(t *testing.T) {
	addr, key, stop := startRelay(t)
	defer stop()

	sessionKey, conn := clientHandshake(t, addr, &key.PublicKey)
	defer conn.Close()

	sendEncrypted(t, conn, sessionKey, cell.Cell{Type: cell.TypeReq, Payload: []byte("http://127.0.0.1:1/")})
	reply := readDecrypted(t, conn, sessionKey)
	if reply.Type != cell.TypeFailed {
		t.Fatalf("expected FAILED, got %s", reply.Type)
	}
	if string(reply.Payload) != "ERROR" {
		t.Fatalf("expected ERROR tag, got %q", reply.Payload)
	}
}

func TestRelayConnectExtendsToEchoServer(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	addr, key, stop := startRelay(t)
	defer stop()

	sessionKey, conn := clientHandshake(t, addr, &key.PublicKey)
	defer conn.Close()

	echoHost, echoPortStr, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatalf("split echo addr: %v", err)
	}
	echoPort, err := strconv.Atoi(echoPortStr)
	if err != nil {
		t.Fatalf("parse echo port: %v", err)
	}

	sendEncrypted(t, conn, sessionKey, cell.Cell{
		Type:    cell.TypeRelayConnect,
		IPAddr:  echoHost,
		Port:    uint16(echoPort),
		Payload: []byte("hello downstream"),
	})
	reply := readDecrypted(t, conn, sessionKey)
	if reply.Type != cell.TypeFinished {
		t.Fatalf("expected FINISHED, got %s: %s", reply.Type, reply.Payload)
	}
	if string(reply.Payload) != "hello downstream" {
		t.Fatalf("expected echoed bytes, got %q", reply.Payload)
	}
}

func TestRelayConnectRefusedConnection(t *testing.T) {
	addr, key, stop := startRelay(t)
	defer stop()

	sessionKey, conn := clientHandshake(t, addr, &key.PublicKey)
	defer conn.Close()

	sendEncrypted(t, conn, sessionKey, cell.Cell{
		Type:    cell.TypeRelayConnect,
		IPAddr:  "127.0.0.1",
		Port:    1,
		Payload: []byte("x"),
	})
	reply := readDecrypted(t, conn, sessionKey)
	if reply.Type != cell.TypeFailed {
		t.Fatalf("expected FAILED, got %s", reply.Type)
	}
	if string(reply.Payload) != "CONNECTIONREFUSED" {
		t.Fatalf("expected CONNECTIONREFUSED tag, got %q", reply.Payload)
	}
}

func TestRelayWithoutBounceConnIsSilentlyDropped(t *testing.T) {
	addr, key, stop := startRelay(t)
	defer stop()

	sessionKey, conn := clientHandshake(t, addr, &key.PublicKey)
	defer conn.Close()

	sendEncrypted(t, conn, sessionKey, cell.Cell{Type: cell.TypeRelay, Payload: []byte("nobody listens")})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := cell.NewReader(conn).ReadCell()
	if err == nil {
		t.Fatal("expected read timeout: RELAY without a bounce connection must not reply")
	}
}
