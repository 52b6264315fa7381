package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/cvsouth/daphne/directory"
	"github.com/cvsouth/daphne/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startDirectory brings up a directory.Service and returns its address.
func startDirectory(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen directory: %v", err)
	}
	svc := directory.NewService(discardLogger())
	go svc.Serve(ln)
	return ln.Addr().String(), func() { ln.Close() }
}

// startRelay brings up a relay.Node registered with dirAddr.
func startRelay(t *testing.T, dirAddr string) (stop func()) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate relay key: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen relay: %v", err)
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split relay addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse relay port: %v", err)
	}

	node := relay.NewNode(key, discardLogger())
	regConn, err := node.RegisterWithDirectory(dirAddr, uint16(port))
	if err != nil {
		t.Fatalf("register with directory: %v", err)
	}
	go node.Serve(ln)
	return func() {
		regConn.Close()
		ln.Close()
	}
}

func startGateway(t *testing.T, dirAddr string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen gateway: %v", err)
	}
	srv := &Server{DirectoryAddr: dirAddr, Log: discardLogger()}
	server := &http.Server{Handler: http.HandlerFunc(srv.handle)}
	go server.Serve(ln)
	return ln.Addr().String(), func() { server.Close() }
}

func TestGatewayHappyPathThreeHops(t *testing.T) {
	dirAddr, stopDir := startDirectory(t)
	defer stopDir()
	for i := 0; i < 3; i++ {
		defer startRelay(t, dirAddr)()
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	}))
	defer backend.Close()

	gwAddr, stopGW := startGateway(t, dirAddr)
	defer stopGW()

	resp, err := http.Get("http://" + gwAddr + "/?url=" + backend.URL + "/hello&count=3")
	if err != nil {
		t.Fatalf("GET gateway: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "hi" {
		t.Fatalf("expected body %q, got %q", "hi", body)
	}
}

func TestGatewayMissingURLReturns404(t *testing.T) {
	dirAddr, stopDir := startDirectory(t)
	defer stopDir()
	gwAddr, stopGW := startGateway(t, dirAddr)
	defer stopGW()

	resp, err := http.Get("http://" + gwAddr + "/")
	if err != nil {
		t.Fatalf("GET gateway: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGatewayTooFewRelaysReturns404(t *testing.T) {
	dirAddr, stopDir := startDirectory(t)
	defer stopDir()
	defer startRelay(t, dirAddr)()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	}))
	defer backend.Close()

	gwAddr, stopGW := startGateway(t, dirAddr)
	defer stopGW()

	resp, err := http.Get("http://" + gwAddr + "/?url=" + backend.URL + "&count=3")
	if err != nil {
		t.Fatalf("GET gateway: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when fewer relays are registered than requested, got %d", resp.StatusCode)
	}
}

func TestGatewayUnreachableDestinationReturns404(t *testing.T) {
	dirAddr, stopDir := startDirectory(t)
	defer stopDir()
	for i := 0; i < 3; i++ {
		defer startRelay(t, dirAddr)()
	}
	gwAddr, stopGW := startGateway(t, dirAddr)
	defer stopGW()

	resp, err := http.Get("http://" + gwAddr + "/?url=http://127.0.0.1:1/&count=3")
	if err != nil {
		t.Fatalf("GET gateway: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unreachable destination, got %d", resp.StatusCode)
	}
}

// TestGatewayTwoConcurrentRequestsUseIndependentCircuits exercises
// spec.md §8 scenario 6: two simultaneous requests against the same
// relay set must each complete correctly on their own circuit.
func TestGatewayTwoConcurrentRequestsUseIndependentCircuits(t *testing.T) {
	dirAddr, stopDir := startDirectory(t)
	defer stopDir()
	for i := 0; i < 3; i++ {
		defer startRelay(t, dirAddr)()
	}

	backendA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response-a"))
	}))
	defer backendA.Close()
	backendB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response-b"))
	}))
	defer backendB.Close()

	gwAddr, stopGW := startGateway(t, dirAddr)
	defer stopGW()

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := http.Get("http://" + gwAddr + "/?url=" + backendA.URL + "&count=3")
		if err != nil {
			errs[0] = err
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		results[0] = string(body)
	}()
	go func() {
		defer wg.Done()
		resp, err := http.Get("http://" + gwAddr + "/?url=" + backendB.URL + "&count=3")
		if err != nil {
			errs[1] = err
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		results[1] = string(body)
	}()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("concurrent requests failed: %v / %v", errs[0], errs[1])
	}
	if results[0] != "response-a" {
		t.Fatalf("expected response-a, got %q", results[0])
	}
	if results[1] != "response-b" {
		t.Fatalf("expected response-b, got %q", results[1])
	}
}
