package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/temoto/flowbridge/hardware/fma1600"
)

type fakeInstrument struct {
	lk       sync.Mutex
	readings []fma1600.Reading
	// failAt is 1-based poll number that fails, 0 never.
	failAt  int
	tareErr error
	polls   int
	tares   int
	stops   int
}

var _ Instrument = &fakeInstrument{}

func (self *fakeInstrument) Start(context.Context) error { return nil }

func (self *fakeInstrument) Poll() (fma1600.Reading, error) {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.polls++
	if self.failAt != 0 && self.polls == self.failAt {
		return fma1600.Reading{}, fmt.Errorf("instrument poll=%d failed", self.polls)
	}
	if len(self.readings) == 0 {
		return fma1600.Reading{Pressure: float64(self.polls)}, nil
	}
	return self.readings[(self.polls-1)%len(self.readings)], nil
}

func (self *fakeInstrument) Tare() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.tares++
	return self.tareErr
}

func (self *fakeInstrument) Stop() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.stops++
	return nil
}

func (self *fakeInstrument) counts() (polls, tares, stops int) {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.polls, self.tares, self.stops
}

type fakeBus struct {
	lk  sync.Mutex
	pub []MockMsg
	// errFor decides publish outcome, nil is success.
	errFor      func(n int, topic string) error
	disconnects int
}

var _ Bus = &fakeBus{}

func (self *fakeBus) Publish(topic string, retain bool, payload []byte) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.pub = append(self.pub, MockMsg{T: topic, P: payload, R: retain})
	if self.errFor != nil {
		return self.errFor(len(self.pub), topic)
	}
	return nil
}

func (self *fakeBus) Disconnect() {
	self.lk.Lock()
	self.disconnects++
	self.lk.Unlock()
}

func (self *fakeBus) published() []MockMsg {
	self.lk.Lock()
	defer self.lk.Unlock()
	return append([]MockMsg(nil), self.pub...)
}

func (self *fakeBus) topics() []string {
	ms := self.published()
	ts := make([]string, len(ms))
	for i, m := range ms {
		ts[i] = m.T
	}
	return ts
}
