package bridge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/flowbridge/broker"
	"github.com/temoto/flowbridge/log2"
)

func newTestBus(t testing.TB) (*MqttBus, *MqttMock) {
	mock := NewMqttMock()
	bus := NewMqttBus(MqttOptions{
		Log:       log2.NewTest(t, log2.LDebug),
		Topics:    testTopics,
		Host:      "broker",
		Port:      1883,
		Username:  "user",
		Password:  "secret",
		Keepalive: 20 * time.Second,
		NewClient: mock.MockNew,
	})
	return bus, mock
}

func TestMqttBusOptions(t *testing.T) {
	t.Parallel()
	_, mock := newTestBus(t)
	opt := mock.Opt
	require.NotNil(t, opt)
	require.Len(t, opt.Servers, 1)
	assert.Equal(t, "tcp://broker:1883", opt.Servers[0].String())
	assert.Equal(t, DefaultClientId, opt.ClientID)
	assert.Equal(t, "user", opt.Username)
	assert.Equal(t, "secret", opt.Password)
	assert.True(t, opt.WillEnabled)
	assert.Equal(t, "Omega/Info/Status", opt.WillTopic)
	assert.Equal(t, []byte(StatusOffline), opt.WillPayload)
	assert.True(t, opt.WillRetained)
}

func TestMqttBusConnect(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	got := make(chan string, 4)
	require.NoError(t, bus.Connect(context.Background(), func(topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}))

	pub := mock.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, "Omega/Info/Status", pub[0].T)
	assert.Equal(t, StatusOnline, string(pub[0].P))
	assert.True(t, pub[0].R)
	assert.Equal(t, []string{"Omega/Tare", "Omega/Disconnect"}, mock.Subscribed())

	mock.TestPublish(t, "Omega/Tare", []byte("1"))
	mock.TestPublish(t, "Omega/Disconnect", []byte(""))
	assert.Equal(t, "Omega/Tare=1", <-got)
	assert.Equal(t, "Omega/Disconnect=", <-got)
}

func TestMqttBusDisconnectFromHandler(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	handled := make(chan struct{})
	require.NoError(t, bus.Connect(context.Background(), func(topic string, payload []byte) {
		bus.Disconnect()
		close(handled)
	}))
	mock.TestPublish(t, "Omega/Disconnect", nil)
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
	assert.Equal(t, 1, mock.Disconnects())
}

func TestMqttBusDisconnectNeverConnected(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	bus.Disconnect()
	assert.Equal(t, 0, mock.Disconnects())
}

func TestMqttBusConnectError(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	mock.ConnectErr = fmt.Errorf("connection refused")
	err := bus.Connect(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp://broker:1883")
	assert.Empty(t, mock.Published())
}

func TestMqttBusPublish(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	require.NoError(t, bus.Connect(context.Background(), nil))
	require.NoError(t, bus.Publish("Omega/Data/Flow", false, []byte(`{"Value":0,"Unit":"nlpm"}`)))
	pub := mock.Published()
	require.Len(t, pub, 2)
	assert.Equal(t, "Omega/Data/Flow", pub[1].T)
	assert.False(t, pub[1].R)

	mock.PublishErr = func(string) error { return fmt.Errorf("write timeout") }
	err := bus.Publish("Omega/Data/Flow", false, nil)
	require.Error(t, err)
	assert.False(t, IsNoConnection(err))
}

func TestMqttBusNotConnected(t *testing.T) {
	t.Parallel()
	bus, _ := newTestBus(t)
	// never connected, paho reports ErrNotConnected
	err := bus.Publish("Omega/Data/All", false, nil)
	assert.True(t, IsNoConnection(err), "err=%v", err)
}

func TestMqttBusDisconnect(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	require.NoError(t, bus.Connect(context.Background(), nil))
	bus.Disconnect()
	bus.Disconnect()
	assert.Equal(t, 1, mock.Disconnects())
	err := bus.Publish("Omega/Data/All", false, nil)
	assert.True(t, IsNoConnection(err), "err=%v", err)
	assert.Equal(t, ErrNoConnection, errors.Cause(err))
}

func TestMqttBusPublishLinkDown(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	require.NoError(t, bus.Connect(context.Background(), nil))
	mock.SetLinkDown(true)
	err := bus.Publish("Omega/Data/Flow", false, nil)
	assert.True(t, IsNoConnection(err), "err=%v", err)
	assert.Contains(t, err.Error(), "topic=Omega/Data/Flow")
	assert.Len(t, mock.Published(), 1) // only Online

	mock.SetLinkDown(false)
	require.NoError(t, bus.Publish("Omega/Data/Flow", false, nil))
}

func TestPollLoopStopsOnLinkDown(t *testing.T) {
	t.Parallel()
	bus, mock := newTestBus(t)
	require.NoError(t, bus.Connect(context.Background(), nil))
	mock.SetLinkDown(true)
	inst := &fakeInstrument{}
	loop, _ := newTestLoop(t, inst, bus, -1)
	require.NoError(t, loop.Run())
	polls, _, stops := inst.counts()
	assert.Equal(t, 1, polls)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, mock.Disconnects())
}

func TestMqttBusBrokerGone(t *testing.T) {
	t.Cleanup(func() { SetPahoLog(nil, false) })
	srv := broker.NewServer(broker.Options{Log: log2.NewTest(t, log2.LInfo)})
	require.NoError(t, srv.Listen(context.Background(), []string{"tcp://127.0.0.1:0"}))
	host, port, err := net.SplitHostPort(srv.Addrs()[0])
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	bus := NewMqttBus(MqttOptions{
		Log:            log2.NewTest(t, log2.LDebug),
		Topics:         testTopics,
		Host:           host,
		Port:           p,
		NetworkTimeout: 2 * time.Second,
	})
	require.NoError(t, bus.Connect(context.Background(), nil))
	defer bus.Disconnect()
	require.NoError(t, bus.Publish("Omega/Data/Flow", false, []byte("{}")))

	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool {
		return IsNoConnection(bus.Publish("Omega/Data/Flow", false, []byte("{}")))
	}, 5*time.Second, 20*time.Millisecond)
}
