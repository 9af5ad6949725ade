package transport

// Public API to easy create instrument stubs to test your code.
import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/flowbridge/helpers"
)

// Mock is in-memory Transporter.
// Replies are queued by Respond(), one reply per expected write is typical usage.
// Reads see all queued bytes as single stream, empty stream is peer close.
type Mock struct {
	// Chunk limits bytes per underlying read, simulates TCP segmentation. Zero means no limit.
	Chunk int
	// ReadDelay is slept before every underlying read, widens race windows in tests.
	ReadDelay  time.Duration
	ConnectErr error
	WriteErr   error
	// OnWrite, if set, is called after each successful write, e.g. to Respond() on query.
	OnWrite func(m *Mock, b []byte)

	lk        sync.Mutex
	connected bool
	closed    bool
	closes    int
	pending   bytes.Buffer
	written   [][]byte
	ops       []string
}

var _ Transporter = &Mock{}

func NewMock() *Mock { return &Mock{} }

// NewMockResponder replies with frame to every write equal to request.
func NewMockResponder(request, reply []byte) *Mock {
	m := NewMock()
	m.OnWrite = func(m *Mock, b []byte) {
		if bytes.Equal(b, request) {
			m.Respond(reply)
		}
	}
	return m
}

func (self *Mock) Respond(b []byte) {
	self.lk.Lock()
	self.pending.Write(b)
	self.lk.Unlock()
}

func (self *Mock) Connect(ctx context.Context, config Config) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.ops = append(self.ops, "connect:"+config.Addr())
	if self.ConnectErr != nil {
		return errors.Trace(ConnectError{Addr: config.Addr(), Err: self.ConnectErr})
	}
	if self.closed {
		return ErrClosed
	}
	self.connected = true
	return nil
}

func (self *Mock) Close() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.ops = append(self.ops, "close")
	self.closes++
	self.closed = true
	return nil
}

func (self *Mock) Write(b []byte) error {
	self.lk.Lock()
	if err := self.check(); err != nil {
		self.lk.Unlock()
		return err
	}
	if self.WriteErr != nil {
		self.lk.Unlock()
		return errors.Annotate(self.WriteErr, "transport write")
	}
	bcopy := append([]byte(nil), b...)
	self.written = append(self.written, bcopy)
	self.ops = append(self.ops, fmt.Sprintf("write:%q", b))
	onWrite := self.OnWrite
	self.lk.Unlock()

	if onWrite != nil {
		onWrite(self, bcopy)
	}
	return nil
}

func (self *Mock) ReadExact(n int) ([]byte, error) {
	self.lk.Lock()
	err := self.check()
	self.lk.Unlock()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	got, err := helpers.ReadExact(mockReader{self}, buf)

	self.lk.Lock()
	defer self.lk.Unlock()
	if err != nil {
		self.ops = append(self.ops, fmt.Sprintf("read:%d/%d", got, n))
		return buf[:got], errors.Annotate(err, "transport read")
	}
	self.ops = append(self.ops, fmt.Sprintf("read:%d", n))
	return buf, nil
}

// Ops returns log of operations in order: connect:addr, write:"quoted", read:n, close.
func (self *Mock) Ops() []string {
	self.lk.Lock()
	defer self.lk.Unlock()
	return append([]string(nil), self.ops...)
}

func (self *Mock) Written() [][]byte {
	self.lk.Lock()
	defer self.lk.Unlock()
	return append([][]byte(nil), self.written...)
}

func (self *Mock) Closes() int {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.closes
}

func (self *Mock) check() error {
	if self.closed {
		return ErrClosed
	}
	if !self.connected {
		return errors.Annotate(ErrClosed, "transport not connected")
	}
	return nil
}

type mockReader struct{ m *Mock }

func (r mockReader) Read(p []byte) (int, error) {
	if r.m.ReadDelay != 0 {
		time.Sleep(r.m.ReadDelay)
	}
	if r.m.Chunk > 0 && len(p) > r.m.Chunk {
		p = p[:r.m.Chunk]
	}
	r.m.lk.Lock()
	defer r.m.lk.Unlock()
	if r.m.closed {
		return 0, ErrClosed
	}
	if r.m.pending.Len() == 0 {
		return 0, io.EOF
	}
	return r.m.pending.Read(p)
}
