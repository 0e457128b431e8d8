package tunnel

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is returned when the tunnel admin does not answer in time
var ErrTimeout = errors.New("tunnel admin timeout")

// AdminError is a failure reported by the tunnel admin itself
type AdminError struct {
	Op      string
	Message string
}

func (e *AdminError) Error() string {
	return fmt.Sprintf("tunnel admin %s: %s", e.Op, e.Message)
}

// Connection is one tunnel known to the admin
type Connection struct {
	ID       int
	Key      string // remote public key
	Outgoing bool
}

// Allow describes a tunnel to open for a remote key
type Allow struct {
	Key     string
	Address string // IPv4 handed to the remote end
	Prefix  int    // route prefix advertised to the remote end
}

// Admin is the remote service that owns the live tunnels. It knows nothing
// about accounts, only connections.
type Admin interface {
	ListConnections(ctx context.Context) ([]int, error)
	ShowConnection(ctx context.Context, id int) (Connection, error)
	AllowConnection(ctx context.Context, allow Allow) (int, error)
	RemoveConnection(ctx context.Context, id int) error
}
