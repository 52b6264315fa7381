// Package gateway exposes a plain local HTTP server that converts a
// user's GET request into an onion circuit build plus one REQ: the
// user never talks to a relay directly, only to this process.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/cvsouth/daphne/directory"
	"github.com/cvsouth/daphne/originator"
)

// DefaultHopCount is how many relays a circuit uses when the request
// omits count.
const DefaultHopCount = 3

// DirectoryTimeout bounds dialing the directory for the GET_DIRECT
// query used to pick hops; the reply read itself has no deadline.
const DirectoryTimeout = 5 * time.Second

// Server is the gateway: a net/http.Server whose single handler parses
// url/count/order, builds a circuit over descriptors fetched from
// DirectoryAddr, issues one Request, and writes the result back.
type Server struct {
	Addr          string
	DirectoryAddr string
	Log           *slog.Logger

	httpServer *http.Server
}

// ListenAndServe starts the gateway's HTTP listener; it blocks until
// the server is closed or a fatal error occurs.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.Addr,
		Handler: http.HandlerFunc(s.handle),
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Close shuts the gateway's HTTP listener down gracefully.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handle implements spec.md §4.6: any failure at any step collapses to
// a 404 with an empty body, never a 5xx or a propagated error message —
// the gateway is the one place in the system that turns every failure
// mode (bad URL, dead relay, signature mismatch, exit-side HTTP error)
// into one indistinguishable outcome, by design (spec.md §7).
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	count := s.hopCount(r.URL.Query().Get("count"))
	random := r.URL.Query().Get("order") == "random"

	descriptors, err := s.pickDescriptors(count, random)
	if err != nil {
		s.Log.Debug("gateway: descriptor selection failed", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	circ, err := originator.BuildCircuit(descriptors, s.Log)
	if err != nil {
		s.Log.Debug("gateway: circuit build failed", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer circ.Teardown()

	resp, err := circ.Request(url)
	if err != nil {
		s.Log.Debug("gateway: request failed", "url", url, "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (s *Server) hopCount(raw string) int {
	if raw == "" {
		return DefaultHopCount
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultHopCount
	}
	return n
}

// pickDescriptors lists the directory's current relays and selects
// count of them: the natural registration order, or a Fisher–Yates
// sample via math/rand/v2 when random is set.
func (s *Server) pickDescriptors(count int, random bool) ([]directory.Entry, error) {
	client := directory.Client{DialTimeout: DirectoryTimeout}
	entries, err := client.List(s.DirectoryAddr)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	if len(entries) < count {
		return nil, fmt.Errorf("directory has %d relays, need %d", len(entries), count)
	}

	if random {
		shuffled := append([]directory.Entry(nil), entries...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled[:count], nil
	}
	return entries[:count], nil
}
