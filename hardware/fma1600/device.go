package fma1600

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/flowbridge/hardware/transport"
	"github.com/temoto/flowbridge/log2"
)

const modName string = "fma1600"

var ErrInvalidState = errors.New("fma1600 invalid state")

type State uint32

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Device is session with one instrument.
// Tare and Poll from different goroutines are serialized,
// at most one transaction is in flight because protocol can't resync misaligned reply.
type Device struct {
	Log *log2.Log

	config transport.Config
	io     transport.Transporter

	lk    sync.Mutex // state, io lifecycle
	txlk  sync.Mutex // write+read exchange
	state State
}

func NewDevice(io transport.Transporter, config transport.Config, log *log2.Log) *Device {
	return &Device{
		Log:    log,
		config: config,
		io:     io,
	}
}

func (self *Device) State() State {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.state
}

func IsInvalidState(err error) bool { return errors.Cause(err) == ErrInvalidState }

// Start connects transport. On error state stays Created, caller may try again.
func (self *Device) Start(ctx context.Context) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.state != StateCreated {
		return errors.Annotatef(ErrInvalidState, "%s start state=%s", modName, self.state)
	}
	if err := self.io.Connect(ctx, self.config); err != nil {
		return errors.Annotatef(err, "%s start", modName)
	}
	self.state = StateStarted
	self.Log.Debugf("%s started addr=%s", modName, self.config.Addr())
	return nil
}

// Stop is idempotent. Does not wait for in-flight transaction,
// closed transport makes it fail with transport.ErrClosed.
func (self *Device) Stop() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	prev := self.state
	self.state = StateStopped
	if prev != StateStarted {
		return nil
	}
	self.Log.Debugf("%s stop", modName)
	return errors.Annotatef(self.io.Close(), "%s stop", modName)
}

func (self *Device) Tare() error {
	self.txlk.Lock()
	defer self.txlk.Unlock()
	if err := self.requireStarted("tare"); err != nil {
		return err
	}
	self.Log.Debugf("%s tare > %q", modName, TareCommand)
	return errors.Annotatef(self.io.Write(TareCommand), "%s tare", modName)
}

func (self *Device) Poll() (Reading, error) {
	r, err := self.PollReply()
	if err != nil {
		return Reading{}, err
	}
	return r.Reading(), nil
}

// PollReply is Poll without unit conversion.
func (self *Device) PollReply() (Reply, error) {
	self.txlk.Lock()
	defer self.txlk.Unlock()
	if err := self.requireStarted("poll"); err != nil {
		return Reply{}, err
	}
	if err := self.io.Write(QueryCommand); err != nil {
		return Reply{}, errors.Annotatef(err, "%s poll", modName)
	}
	frame, err := self.io.ReadExact(ReplyLen)
	self.Log.Debugf("%s poll > %q < %q err=%v", modName, QueryCommand, frame, err)
	if err != nil {
		return Reply{}, errors.Annotatef(err, "%s poll", modName)
	}
	reply, err := ParseReply(frame)
	return reply, errors.Annotatef(err, "%s poll", modName)
}

func (self *Device) requireStarted(tag string) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.state != StateStarted {
		return errors.Annotatef(ErrInvalidState, "%s %s state=%s", modName, tag, self.state)
	}
	return nil
}
