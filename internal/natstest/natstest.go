// Package natstest runs an in-process NATS server with JetStream for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Start launches an embedded JetStream server on a random port and returns it
// with a connected client. Both are shut down via t.Cleanup, and the store
// directory lives under t.TempDir.
func Start(t testing.TB) (*server.Server, *nats.Conn) {
	t.Helper()

	ns := StartServer(t)

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		t.Fatalf("Failed to connect to embedded NATS server: %v", err)
	}
	t.Cleanup(nc.Close)

	return ns, nc
}

// StartServer launches the embedded server without a client connection.
func StartServer(t testing.TB) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("Failed to create embedded NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("Embedded NATS server not ready within timeout")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns
}

// JetStream returns a JetStream context for nc.
func JetStream(t testing.TB, nc *nats.Conn) jetstream.JetStream {
	t.Helper()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("Failed to get JetStream context: %v", err)
	}
	return js
}

// KeyValue creates an in-memory KV bucket.
func KeyValue(t testing.TB, nc *nats.Conn, bucket string) jetstream.KeyValue {
	t.Helper()

	kv, err := JetStream(t, nc).CreateKeyValue(t.Context(), jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.MemoryStorage,
		Replicas: 1,
	})
	if err != nil {
		t.Fatalf("Failed to create KV bucket %s: %v", bucket, err)
	}
	return kv
}
