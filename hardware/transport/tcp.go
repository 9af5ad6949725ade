package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/flowbridge/helpers"
	"github.com/temoto/flowbridge/log2"
)

// Tcp talks to RS-232/485 serial server (Moxa NPort and similar) in TCP server mode.
type Tcp struct {
	Log *log2.Log

	lk          sync.Mutex
	conn        net.Conn
	r           io.Reader
	w           io.Writer
	closed      bool
	readTimeout time.Duration
	rxCounter   helpers.Counter
	txCounter   helpers.Counter
}

var _ Transporter = &Tcp{}

// NewTcp counters are optional, nil is fine.
func NewTcp(log *log2.Log, rx, tx helpers.Counter) *Tcp {
	return &Tcp{Log: log, rxCounter: rx, txCounter: tx}
}

func (self *Tcp) Connect(ctx context.Context, config Config) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.closed {
		return ErrClosed
	}
	if self.conn != nil {
		return errors.Errorf("transport already connected addr=%s", self.conn.RemoteAddr())
	}

	addr := config.Addr()
	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Trace(ConnectError{Addr: addr, Err: err})
	}
	self.Log.Debugf("transport connected addr=%s local=%s", addr, conn.LocalAddr())
	self.conn = conn
	self.r = helpers.NewStatReader(conn, self.rxCounter)
	self.w = helpers.NewStatWriter(conn, self.txCounter)
	self.readTimeout = config.ReadTimeout
	return nil
}

func (self *Tcp) Close() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.closed {
		return nil
	}
	self.closed = true
	if self.conn == nil {
		return nil
	}
	err := self.conn.Close()
	self.Log.Debugf("transport closed err=%v", err)
	return errors.Annotate(err, "transport close")
}

func (self *Tcp) Write(b []byte) error {
	_, _, w, err := self.get()
	if err != nil {
		return err
	}
	if err = helpers.WriteAll(w, b); err != nil {
		return self.wrapErr(err, "transport write")
	}
	return nil
}

func (self *Tcp) ReadExact(n int) ([]byte, error) {
	conn, r, _, err := self.get()
	if err != nil {
		return nil, err
	}
	if self.readTimeout > 0 {
		if err = conn.SetReadDeadline(time.Now().Add(self.readTimeout)); err != nil {
			return nil, self.wrapErr(err, "transport set read deadline")
		}
	}
	buf := make([]byte, n)
	got, err := helpers.ReadExact(r, buf)
	if err != nil {
		return buf[:got], self.wrapErr(err, "transport read")
	}
	return buf, nil
}

func (self *Tcp) get() (net.Conn, io.Reader, io.Writer, error) {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.closed {
		return nil, nil, nil, ErrClosed
	}
	if self.conn == nil {
		return nil, nil, nil, errors.Annotate(ErrClosed, "transport not connected")
	}
	return self.conn, self.r, self.w, nil
}

// Close() from other goroutine unblocks pending read with "use of closed connection".
// Report that as ErrClosed.
func (self *Tcp) wrapErr(err error, tag string) error {
	self.lk.Lock()
	closed := self.closed
	self.lk.Unlock()
	if closed {
		return errors.Annotate(ErrClosed, tag)
	}
	return errors.Annotate(err, tag)
}
