package bridge

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/flowbridge/log2"
)

type Command uint8

const (
	CommandInvalid Command = iota
	CommandTare
	CommandDisconnect
)

func (c Command) String() string {
	switch c {
	case CommandTare:
		return "tare"
	case CommandDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

func ParseCommand(topics Topics, topic string) (Command, bool) {
	switch topic {
	case topics.Tare():
		return CommandTare, true
	case topics.Disconnect():
		return CommandDisconnect, true
	}
	return CommandInvalid, false
}

// TarePolicy decides which payload on Tare topic triggers tare.
type TarePolicy string

const (
	// Any message on Tare topic.
	TareAny TarePolicy = "any"
	// Only payload "1", surrounding whitespace ignored.
	TareOne TarePolicy = "one"
)

func ParseTarePolicy(s string) (TarePolicy, error) {
	switch TarePolicy(s) {
	case "", TareAny:
		return TareAny, nil
	case TareOne:
		return TareOne, nil
	}
	return "", errors.NotValidf("tare_policy=%q, valid: any, one", s)
}

func (p TarePolicy) accept(payload []byte) bool {
	if p == TareOne {
		return bytes.Equal(bytes.TrimSpace(payload), []byte("1"))
	}
	return true
}

// Dispatcher runs on bus delivery goroutine, concurrently with poll loop.
// Instrument serializes transactions, so tare may wait for in-flight poll.
type Dispatcher struct {
	Log        *log2.Log
	Topics     Topics
	Instrument Instrument
	Bus        Bus
	Policy     TarePolicy
	Stat       *Stat

	disconnected uint32
}

// Dispatch is bus message callback. After disconnect command all messages are ignored.
func (self *Dispatcher) Dispatch(topic string, payload []byte) {
	if atomic.LoadUint32(&self.disconnected) != 0 {
		self.Log.Debugf("dispatch ignore after disconnect topic=%s payload=%q", topic, payload)
		return
	}
	cmd, ok := ParseCommand(self.Topics, topic)
	if !ok {
		self.Log.Errorf("dispatch unexpected topic=%s payload=%q", topic, payload)
		return
	}
	self.Log.Infof("dispatch command=%s topic=%s payload=%q", cmd, topic, payload)
	if self.Stat != nil {
		self.Stat.Commands.WithLabelValues(cmd.String()).Inc()
	}

	switch cmd {
	case CommandTare:
		if !self.Policy.accept(payload) {
			self.Log.Infof("dispatch tare ignored policy=%s payload=%q", self.Policy, payload)
			return
		}
		if err := self.tare(); err != nil {
			self.Log.Error(errors.Annotate(err, "dispatch tare"))
		}

	case CommandDisconnect:
		if !atomic.CompareAndSwapUint32(&self.disconnected, 0, 1) {
			return
		}
		self.Bus.Disconnect()
		self.Log.Infof("bus disconnected by command")
	}
}

func (self *Dispatcher) Disconnected() bool { return atomic.LoadUint32(&self.disconnected) != 0 }

func (self *Dispatcher) tare() error {
	err := self.Instrument.Tare()
	if self.Stat != nil {
		self.Stat.Tares.Inc()
		if err != nil {
			self.Stat.TareErrors.Inc()
		}
	}
	return err
}
