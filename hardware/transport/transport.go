// Package transport is byte stream to the instrument serial server.
//
// Contract:
// - Connect failure is ConnectError, no retries
// - Write sends all bytes or fails, never truncates silently
// - ReadExact returns exactly n bytes or fails, short stream is io.ErrUnexpectedEOF
// - Write/ReadExact after Close fail with ErrClosed
// - no framing knowledge, that belongs to device drivers
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
)

var ErrClosed = errors.New("transport closed")

type Config struct {
	Host string
	Port int
	// Zero means no timeout.
	ConnectTimeout time.Duration
	// Zero means ReadExact may block forever on silent instrument.
	ReadTimeout time.Duration
}

func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

type Transporter interface {
	Connect(ctx context.Context, config Config) error
	Close() error
	Write(b []byte) error
	ReadExact(n int) ([]byte, error)
}

type ConnectError struct {
	Addr string
	Err  error
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("transport connect addr=%s err=%v", e.Addr, e.Err)
}

func IsConnectError(err error) bool {
	_, ok := errors.Cause(err).(ConnectError)
	return ok
}

func IsClosed(err error) bool { return errors.Cause(err) == ErrClosed }
