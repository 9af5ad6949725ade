package bridge

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-memory paho client: records publishes, delivers TestPublish to subscribers.
type MqttMock struct {
	Opt        *mqtt.ClientOptions
	ConnectErr error
	// PublishErr, when set, decides publish outcome per topic.
	PublishErr func(topic string) error
	lk          sync.Mutex
	connected   bool
	linkDown    bool
	pub         []MockMsg
	subs        []MockSub
	disconnects int
}
type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{subs: make([]MockSub, 0, 16)}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.lk.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.lk.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			sub.Handler(self, MockMsg{T: topic, P: payload})
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

// SetLinkDown simulates auto reconnect in progress: IsConnected stays true,
// IsConnectionOpen is false and publish completes without delivery.
func (self *MqttMock) SetLinkDown(down bool) {
	self.lk.Lock()
	self.linkDown = down
	self.lk.Unlock()
}

func (self *MqttMock) Published() []MockMsg {
	self.lk.Lock()
	defer self.lk.Unlock()
	return append([]MockMsg(nil), self.pub...)
}

func (self *MqttMock) Subscribed() []string {
	self.lk.Lock()
	defer self.lk.Unlock()
	ss := make([]string, len(self.subs))
	for i, s := range self.subs {
		ss[i] = s.Pattern
	}
	return ss
}

func (self *MqttMock) Disconnects() int {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.disconnects
}

func (self *MqttMock) Disconnect(uint) {
	self.lk.Lock()
	self.connected = false
	self.disconnects++
	self.lk.Unlock()
}

func (self *MqttMock) IsConnected() bool {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.connected
}
func (self *MqttMock) IsConnectionOpen() bool {
	self.lk.Lock()
	defer self.lk.Unlock()
	return self.connected && !self.linkDown
}

func (self *MqttMock) Connect() mqtt.Token {
	if self.ConnectErr != nil {
		return mockToken{self.ConnectErr}
	}
	self.lk.Lock()
	self.connected = true
	self.lk.Unlock()
	if self.Opt != nil && self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
	return mockToken{nil}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	var p []byte
	switch x := payload.(type) {
	case []byte:
		p = x
	case string:
		p = []byte(x)
	default:
		panic("mqtt mock unsupported payload type")
	}
	self.lk.Lock()
	defer self.lk.Unlock()
	if !self.connected {
		return mockToken{mqtt.ErrNotConnected}
	}
	if self.linkDown {
		return mockToken{nil}
	}
	if self.PublishErr != nil {
		if err := self.PublishErr(topic); err != nil {
			return mockToken{err}
		}
	}
	self.pub = append(self.pub, MockMsg{T: topic, P: p, R: retain})
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.lk.Lock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	self.lk.Unlock()
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }

type MockMsg struct {
	T string
	P []byte
	R bool
}

func (msg MockMsg) Ack()              {}
func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return 0 }
func (msg MockMsg) Retained() bool    { return msg.R }
func (msg MockMsg) Topic() string     { return msg.T }
