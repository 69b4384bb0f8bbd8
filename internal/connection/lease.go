package connection

import (
	"context"
	"sync"

	"github.com/rileyhilliard/rdev/internal/errors"
)

// Lease is one holder's reference on a shared connection. Release it
// exactly once when done; extra calls are ignored.
type Lease struct {
	pool *Pool
	conn *SharedConnection
	once sync.Once
}

// Connection returns the leased connection.
func (l *Lease) Connection() *SharedConnection {
	return l.conn
}

// SocketPath returns the control socket if the master is already running.
func (l *Lease) SocketPath() (string, bool) {
	s := l.conn.SocketPath()
	return s, s != ""
}

// Wait blocks until the master is connected and returns its socket, or
// returns the connection error if it failed first.
func (l *Lease) Wait(ctx context.Context) (string, error) {
	select {
	case <-l.conn.Disconnected():
		return "", l.failure()
	default:
	}

	select {
	case <-l.conn.Connected():
		if s, ok := l.SocketPath(); ok {
			return s, nil
		}
		return "", l.failure()
	case <-l.conn.Disconnected():
		return "", l.failure()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *Lease) failure() error {
	res := l.conn.Result()
	if res.OK() {
		return errors.New(errors.ErrSSH,
			"Shared connection to "+l.conn.Params().String()+" was closed",
			"Retry the command")
	}
	return ConnectError(l.conn.Params(), res.ErrorString)
}

// Release drops the reference. The call blocks until the pool processed it,
// so the count is never decremented after the connection started tearing
// down for another reason.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.conn)
	})
}
