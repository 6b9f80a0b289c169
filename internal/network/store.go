package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store reads network topology from etcd and watches for changes pushed by
// the GIS/config service.
type Store struct {
	cli *clientv3.Client
	key string
}

// NewStore creates a topology store over an existing etcd client. key is
// the full key holding the topology JSON document.
func NewStore(cli *clientv3.Client, key string) *Store {
	return &Store{cli: cli, key: key}
}

// Load fetches and validates the current topology.
func (s *Store) Load(ctx context.Context) (*Topology, error) {
	resp, err := s.cli.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("topology key %q not found", s.key)
	}
	return decodeTopology(resp.Kvs[0].Value)
}

// Watch streams topology replacements until ctx is cancelled. Invalid
// documents are logged and skipped so a bad config push cannot take the
// control loop down.
func (s *Store) Watch(ctx context.Context) <-chan *Topology {
	out := make(chan *Topology)
	go func() {
		defer close(out)
		for resp := range s.cli.Watch(ctx, s.key) {
			if err := resp.Err(); err != nil {
				slog.Error("topology watch error", "err", err)
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				topo, err := decodeTopology(ev.Kv.Value)
				if err != nil {
					slog.Error("rejecting topology update", "err", err)
					continue
				}
				select {
				case out <- topo:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func decodeTopology(raw []byte) (*Topology, error) {
	var topo Topology
	if err := json.Unmarshal(raw, &topo); err != nil {
		return nil, fmt.Errorf("failed to decode topology: %w", err)
	}
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return &topo, nil
}
