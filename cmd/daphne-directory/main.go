// Command daphne-directory runs the registry of live relays: relays
// register against it (GIVE_DIRECT) and the gateway queries it
// (GET_DIRECT) when picking a circuit's hops.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cvsouth/daphne/directory"
	"github.com/cvsouth/daphne/internal/logging"
)

func main() {
	fs := flag.NewFlagSet("daphne-directory", flag.ExitOnError)
	port := fs.Uint("port", 50000, "TCP port to listen on")
	logPath := fs.String("logfile", "daphne-directory-debug.log", "path to the debug log file")
	fs.Parse(os.Args[1:])

	logger, logFile, err := logging.New(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daphne-directory: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daphne-directory: listen %s: %v\n", addr, err)
		os.Exit(1)
	}

	svc := directory.NewService(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		ln.Close()
	}()

	fmt.Printf("=== Daphne Directory ===\nListening on %s\n", addr)
	if err := svc.Serve(ln); err != nil {
		logger.Info("directory stopped", "error", err)
	}
}
