package gateway

import (
	"context"
	"errors"
)

// ErrUnreachable marks gateway failures so callers can record a distinct
// error reason on the session ("capacity found but unreachable").
var ErrUnreachable = errors.New("gateway unreachable")

type ConnectionRequest struct {
	SessionID   string
	UserID      string
	Address     string
	Credentials string
}

// Broker registers remote-access routes with the external gateway. The
// returned connection info is an opaque blob handed to the client as-is.
type Broker interface {
	CreateConnection(ctx context.Context, req ConnectionRequest) ([]byte, error)
	DeleteConnection(ctx context.Context, sessionID string) error
}
