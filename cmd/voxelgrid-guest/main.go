// Command voxelgrid-guest is the guest agent. In stdio mode it is started by
// the process backend and serves one host over stdin and stdout. In vsock mode
// it runs as init inside a Firecracker microVM and serves the host over vsock.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o voxelgrid-guest ./cmd/voxelgrid-guest
package main

import (
	"flag"
	"log"
	"os"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/voxelgrid/internal/backend/firecracker"
	"github.com/seantiz/voxelgrid/internal/guest"
	"github.com/seantiz/voxelgrid/internal/stream"
)

func main() {
	mode := flag.String("mode", "vsock", "transport to serve the host on: stdio or vsock")
	port := flag.Uint("port", uint(fc.DefaultVsockPort), "vsock port to listen on")
	flag.Parse()

	// stdout carries frames in stdio mode.
	log.SetOutput(os.Stderr)
	log.SetPrefix("voxelgrid-guest: ")

	switch *mode {
	case "stdio":
		if err := guest.ServeConn(stream.Join(os.Stdin, os.Stdout)); err != nil {
			log.Fatalf("serve: %v", err)
		}
	case "vsock":
		guest.SetupInit()

		l, err := vsock.Listen(uint32(*port), nil)
		if err != nil {
			log.Fatalf("vsock listen on port %d: %v", *port, err)
		}
		defer l.Close()

		log.Printf("listening on vsock port %d", *port)

		if err := guest.New(l).Serve(); err != nil {
			log.Fatalf("serve: %v", err)
		}
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}
