package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	server "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"

	"copilot-gateway/internal/auth"
)

// NATS keeps the record in a JetStream key-value bucket.
type NATS struct {
	kv  nats.KeyValue
	key string
}

// NewNATS opens bucket on nc, creating it when missing.
func NewNATS(nc *nats.Conn, bucket, key string) (*NATS, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "copilot gateway token record",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %q: %w", bucket, err)
	}
	return &NATS{kv: kv, key: key}, nil
}

func (n *NATS) Get(context.Context) (*auth.Token, error) {
	entry, err := n.kv.Get(n.key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", n.key, err)
	}

	var tok auth.Token
	if err := json.Unmarshal(entry.Value(), &tok); err != nil {
		return nil, fmt.Errorf("decode kv token: %w", err)
	}
	return &tok, nil
}

func (n *NATS) Set(_ context.Context, tok auth.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if _, err := n.kv.Put(n.key, data); err != nil {
		return fmt.Errorf("kv put %q: %w", n.key, err)
	}
	return nil
}

// EmbeddedServer is an in-process JetStream server that accepts no network
// clients.
type EmbeddedServer struct{ ns *server.Server }

// NewEmbeddedServer starts JetStream with file storage under storeDir.
func NewEmbeddedServer(storeDir string) (*EmbeddedServer, error) {
	ns, err := server.NewServer(&server.Options{
		DontListen: true,
		JetStream:  true,
		StoreDir:   storeDir,
	})
	if err != nil {
		return nil, err
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}
	return &EmbeddedServer{ns: ns}, nil
}

// Connect opens an in-process client connection.
func (s *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(s.ns.ClientURL(), nats.InProcessServer(s.ns))
}

func (s *EmbeddedServer) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
