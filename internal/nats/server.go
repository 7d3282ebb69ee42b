// Package nats manages the embedded NATS server and the JetStream
// stream that holds the durable run history. The server is in-process
// only; no network ports are opened.
package nats

import (
	"errors"
	"time"

	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StartEmbedded starts an embedded NATS server with JetStream enabled
// using the specified data directory for file-based storage.
func StartEmbedded(dataDir string) (*server.Server, error) {
	logger.Debug("Starting embedded NATS server with data dir: %s", dataDir)

	opts := &server.Options{
		JetStream:  true,
		StoreDir:   dataDir,
		DontListen: true, // In-process only
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, errors.New("nats server failed to start within timeout")
	}

	logger.Debug("NATS server ready for connections")
	return ns, nil
}

// ConnectInProcess creates an in-process connection to the embedded
// server; it uses no network ports.
func ConnectInProcess(ns *server.Server) (*nats.Conn, error) {
	conn, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CreateJetStream creates a JetStream context from a NATS connection.
func CreateJetStream(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// Shutdown drains the connection and stops the server, bounding each
// step with a timeout so shutdown can never hang.
func Shutdown(nc *nats.Conn, ns *server.Server) error {
	if nc != nil {
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- nc.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				logger.Warn("NATS drain failed, forcing close: %v", err)
				nc.Close()
			}
		case <-time.After(2 * time.Second):
			logger.Warn("NATS drain timed out after 2s, forcing close")
			nc.Close()
		}
	}

	if ns != nil {
		ns.Shutdown()

		shutdownDone := make(chan struct{})
		go func() {
			ns.WaitForShutdown()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			logger.Debug("NATS server shut down cleanly")
		case <-time.After(5 * time.Second):
			return errors.New("NATS server shutdown timed out")
		}
	}

	return nil
}
