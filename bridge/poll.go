package bridge

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/flowbridge/helpers"
	"github.com/temoto/flowbridge/log2"
)

const DefaultPollCount = 10

type PollLoop struct {
	Log        *log2.Log
	Topics     Topics
	Instrument Instrument
	Bus        Bus
	Stat       *Stat
	// Count 0 is DefaultPollCount, negative runs until StopCh.
	Count    int
	Interval time.Duration
	// StopCh interrupts sleep between iterations, nil is never.
	StopCh <-chan struct{}

	// sleep returns false if interrupted, tests replace it.
	sleep func(d time.Duration, stopCh <-chan struct{}) bool
}

// Run returns poll error, nil if loop ended by count, stop or lost bus connection.
// Bus session disconnect and instrument stop happen exactly once before return.
func (self *PollLoop) Run() error {
	count := self.Count
	if count == 0 {
		count = DefaultPollCount
	}
	sleep := self.sleep
	if sleep == nil {
		sleep = sleepStop
	}

	err := self.loop(count, sleep)

	self.Bus.Disconnect()
	errStop := self.Instrument.Stop()
	if errStop != nil {
		errStop = errors.Annotate(errStop, "poll loop cleanup")
	}
	self.Log.Infof("poll loop stopped")
	return helpers.FoldErrors([]error{err, errStop})
}

func (self *PollLoop) loop(count int, sleep func(time.Duration, <-chan struct{}) bool) error {
	for i := 1; count < 0 || i <= count; i++ {
		if i > 1 && !sleep(self.Interval, self.StopCh) {
			self.Log.Infof("poll loop interrupted before iteration=%d", i)
			return nil
		}

		r, err := self.Instrument.Poll()
		if self.Stat != nil {
			self.Stat.Polls.Inc()
		}
		if err != nil {
			if self.Stat != nil {
				self.Stat.PollErrors.Inc()
			}
			return errors.Annotatef(err, "poll iteration=%d", i)
		}
		self.Log.Debugf("poll iteration=%d pressure=%g temperature=%g flow=%g", i, r.Pressure, r.Temperature, r.Flow)
		if self.Stat != nil {
			self.Stat.observe(r)
		}

		messages, err := readingMessages(self.Topics, r)
		if err != nil {
			return errors.Trace(err)
		}
		var last error
		for _, m := range messages {
			last = self.publish(m)
		}
		if IsNoConnection(last) {
			self.Log.Infof("poll loop bus not connected, stop after iteration=%d", i)
			return nil
		}
	}
	return nil
}

func (self *PollLoop) publish(m message) error {
	err := self.Bus.Publish(m.topic, false, m.payload)
	if self.Stat != nil {
		self.Stat.Publishes.Inc()
		if err != nil {
			self.Stat.PublishErrors.Inc()
		}
	}
	if err != nil && !IsNoConnection(err) {
		self.Log.Error(errors.Annotatef(err, "publish topic=%s", m.topic))
	}
	return err
}

func sleepStop(d time.Duration, stopCh <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	}
}
