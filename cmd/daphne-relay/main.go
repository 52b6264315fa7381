// Command daphne-relay runs one onion-routing hop: it loads (or
// generates) its RSA identity, registers with a directory, and accepts
// circuits from originators.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cvsouth/daphne/internal/logging"
	"github.com/cvsouth/daphne/relay"
	"github.com/cvsouth/daphne/relaykey"
)

func main() {
	fs := flag.NewFlagSet("daphne-relay", flag.ExitOnError)
	port := fs.Uint("port", 0, "TCP port to listen on (required)")
	keyFile := fs.String("keyfile", "", "path to this relay's PEM identity key (generated if absent)")
	directoryAddr := fs.String("directory", "127.0.0.1:50000", "address of the directory service")
	logPath := fs.String("logfile", "daphne-relay-debug.log", "path to the debug log file")
	fs.Parse(os.Args[1:])

	if *port == 0 {
		fmt.Fprintln(os.Stderr, "daphne-relay: -port is required")
		os.Exit(1)
	}
	path := *keyFile
	if path == "" {
		path = fmt.Sprintf("%s/relay-%d.pem", relaykey.DefaultDir(), *port)
	}

	logger, logFile, err := logging.New(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daphne-relay: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	key, err := relaykey.LoadOrGenerate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daphne-relay: load identity key: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daphne-relay: listen %s: %v\n", addr, err)
		os.Exit(1)
	}

	node := relay.NewNode(key, logger)
	regConn, err := node.RegisterWithDirectory(*directoryAddr, uint16(*port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "daphne-relay: register with directory: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		ln.Close()
		regConn.Close()
	}()

	fmt.Printf("=== Daphne Relay ===\nIdentity: %s\nListening on %s, registered with %s\n", path, addr, *directoryAddr)
	if err := node.Serve(ln); err != nil {
		logger.Info("relay stopped", "error", err)
	}
}
