package source

import (
	"context"
	"fmt"

	"github.com/fxd0h/jetsonscope/internal/parser"
	"github.com/fxd0h/jetsonscope/internal/protocol"
)

// SnapshotSource produces snapshots that are already parsed, skipping
// the text stage entirely.
type SnapshotSource interface {
	Name() string
	PollSnapshot(ctx context.Context) (*parser.Snapshot, error)
	Close() error
}

// RelaySource fetches snapshots from another daemon's socket. It lets
// an unprivileged instance (or one running in a container) serve data
// collected by a privileged instance on the host.
type RelaySource struct {
	path   string
	client *protocol.Client
}

// NewRelay builds a relay against the upstream socket at path.
func NewRelay(path string) *RelaySource {
	return &RelaySource{path: path, client: protocol.NewClient(path, protocol.EncodingJSON)}
}

func (r *RelaySource) Name() string { return "socket" }

func (r *RelaySource) Close() error { return nil }

// PollSnapshot asks the upstream daemon for its current stats.
func (r *RelaySource) PollSnapshot(ctx context.Context) (*parser.Snapshot, error) {
	payload, err := r.client.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", r.path, err)
	}
	if payload.Data == nil {
		return nil, fmt.Errorf("relay %s: upstream has no snapshot", r.path)
	}
	return payload.Data, nil
}
