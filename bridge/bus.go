package bridge

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/flowbridge/hardware/fma1600"
)

// ErrNoConnection is publish outcome when bus session is not connected.
var ErrNoConnection = errors.New("bus not connected")

func IsNoConnection(err error) bool { return errors.Cause(err) == ErrNoConnection }

// Bus is what poll loop and dispatcher need from message bus session.
type Bus interface {
	Publish(topic string, retain bool, payload []byte) error
	// Disconnect is idempotent.
	Disconnect()
}

// Instrument is session with measuring device, see fma1600.Device.
type Instrument interface {
	Start(ctx context.Context) error
	Tare() error
	Poll() (fma1600.Reading, error)
	Stop() error
}

var _ Instrument = &fma1600.Device{}
