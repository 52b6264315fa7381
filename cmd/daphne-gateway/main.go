// Command daphne-gateway runs the local HTTP-to-circuit bridge: it
// accepts plain GET requests and serves each one over its own freshly
// built onion circuit.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cvsouth/daphne/gateway"
	"github.com/cvsouth/daphne/internal/logging"
)

func main() {
	fs := flag.NewFlagSet("daphne-gateway", flag.ExitOnError)
	port := fs.Uint("port", 27182, "local TCP port to listen on")
	directoryAddr := fs.String("directory", "127.0.0.1:50000", "address of the directory service")
	logPath := fs.String("logfile", "daphne-gateway-debug.log", "path to the debug log file")
	fs.Parse(os.Args[1:])

	logger, logFile, err := logging.New(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daphne-gateway: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	srv := &gateway.Server{
		Addr:          fmt.Sprintf(":%d", *port),
		DirectoryAddr: *directoryAddr,
		Log:           logger,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		srv.Close()
	}()

	fmt.Printf("=== Daphne Gateway ===\nListening on %s, directory at %s\n", srv.Addr, *directoryAddr)
	fmt.Println("Use: curl 'http://127.0.0.1:27182/?url=http://example.com'")
	if err := srv.ListenAndServe(); err != nil {
		logger.Info("gateway stopped", "error", err)
	}
}
