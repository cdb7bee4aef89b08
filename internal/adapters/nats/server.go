// Package nats implements the job pipeline on NATS JetStream: a work-queue
// stream per queue for delivery, a key-value bucket as result backend and a
// core subject for revoke broadcasts.
package nats

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ServerOptions configures the embedded broker.
type ServerOptions struct {
	Host string
	// Port -1 picks a random free port.
	Port int
	// StoreDir holds JetStream data. Empty gets a private temp directory
	// that Shutdown removes.
	StoreDir string
}

// EmbeddedServer runs a JetStream-enabled NATS server in process for
// single-host deployments and tests.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
	storeDir  string
	tempDir   bool
}

// NewEmbeddedServer starts the server and waits until it accepts connections.
func NewEmbeddedServer(opts ServerOptions) (*EmbeddedServer, error) {
	es := &EmbeddedServer{storeDir: opts.StoreDir}
	if es.storeDir == "" {
		dir, err := os.MkdirTemp("", "lighthouse-nats-*")
		if err != nil {
			return nil, fmt.Errorf("create NATS store dir: %w", err)
		}
		es.storeDir, es.tempDir = dir, true
	}

	ns, err := server.NewServer(&server.Options{
		ServerName: "lighthouse",
		Host:       opts.Host,
		Port:       opts.Port,
		JetStream:  true,
		StoreDir:   es.storeDir,
		NoSigs:     true,
		MaxPayload: 8 * 1024 * 1024,
	})
	if err != nil {
		es.removeTemp()
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		es.removeTemp()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}
	es.server, es.clientURL = ns, ns.ClientURL()
	return es, nil
}

func (s *EmbeddedServer) ClientURL() string { return s.clientURL }

func (s *EmbeddedServer) StoreDir() string { return s.storeDir }

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
	s.removeTemp()
}

func (s *EmbeddedServer) removeTemp() {
	if s.tempDir {
		_ = os.RemoveAll(s.storeDir)
	}
}
