package bridge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/flowbridge/log2"
)

const (
	DefaultClientId       = "OMEGAREADER"
	DefaultKeepalive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	disconnectQuiesce     = 250 // ms
)

type MqttOptions struct {
	Log            *log2.Log
	Topics         Topics
	Host           string
	Port           int
	ClientId       string
	Username       string
	Password       string
	Keepalive      time.Duration
	NetworkTimeout time.Duration

	// NewClient is mqtt.NewClient unless replaced in tests.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

func (o *MqttOptions) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// MqttBus is paho client session:
// - last will Offline (retained) on status topic
// - on every (re)connect publish Online (retained) and subscribe command topics
// - explicit Disconnect is final, later publishes fail with ErrNoConnection
type MqttBus struct {
	log       *log2.Log
	topics    Topics
	m         mqtt.Client
	mopt      *mqtt.ClientOptions
	timeout   time.Duration
	onMessage func(topic string, payload []byte)

	// closed after first onConnect finished publish and subscribe
	ready     chan struct{}
	readyOnce sync.Once
	// inbound messages are handled off paho goroutines, Disconnect from handler is safe
	inbox chan inbound
	done  chan struct{}

	lk           sync.Mutex
	connected    bool
	disconnected bool
}

type inbound struct {
	topic   string
	payload []byte
}

var _ Bus = &MqttBus{}

// SetPahoLog routes paho internal logging, which is package global.
func SetPahoLog(log *log2.Log, debug bool) {
	mqtt.CRITICAL = log
	mqtt.ERROR = log
	mqtt.WARN = log
	if debug {
		mqtt.DEBUG = log
	}
}

func NewMqttBus(opt MqttOptions) *MqttBus {
	if opt.ClientId == "" {
		opt.ClientId = DefaultClientId
	}
	if opt.Keepalive == 0 {
		opt.Keepalive = DefaultKeepalive
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.NewClient == nil {
		opt.NewClient = mqtt.NewClient
	}
	self := &MqttBus{
		log:     opt.Log,
		topics:  opt.Topics,
		timeout: opt.NetworkTimeout,
		ready:   make(chan struct{}),
		inbox:   make(chan inbound, 16),
		done:    make(chan struct{}),
	}

	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("mqtt unexpected message topic=%s payload=%q", msg.Topic(), msg.Payload())
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL()).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientId).
		SetConnectTimeout(opt.NetworkTimeout).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(opt.Keepalive).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost).
		SetPassword(opt.Password).
		SetPingTimeout(opt.NetworkTimeout).
		SetUsername(opt.Username).
		SetWill(self.topics.Status(), StatusOffline, 0, true).
		SetWriteTimeout(opt.NetworkTimeout)
	self.m = opt.NewClient(self.mopt)
	return self
}

// Connect blocks until broker accepts session, Online status is published and
// command topics are subscribed. onMessage receives command topic messages in order,
// on single goroutine owned by bus.
func (self *MqttBus) Connect(ctx context.Context, onMessage func(topic string, payload []byte)) error {
	self.lk.Lock()
	self.onMessage = onMessage
	self.lk.Unlock()

	broker := self.mopt.Servers[0].String()
	self.log.Debugf("mqtt connect broker=%s client=%s", broker, self.mopt.ClientID)
	if err := self.tokenWait(ctx, self.m.Connect(), "connect"); err != nil {
		return errors.Annotatef(err, "mqtt broker=%s", broker)
	}
	self.lk.Lock()
	self.connected = true
	self.lk.Unlock()
	go self.deliverLoop()

	select {
	case <-self.ready:
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "mqtt broker=%s wait subscribe", broker)
	case <-time.After(self.timeout):
		return errors.Timeoutf("mqtt broker=%s wait subscribe", broker)
	}
	self.log.Infof("mqtt connected broker=%s", broker)
	return nil
}

func (self *MqttBus) Publish(topic string, retain bool, payload []byte) error {
	self.lk.Lock()
	disconnected := self.disconnected
	self.lk.Unlock()
	if disconnected {
		return ErrNoConnection
	}
	// with auto reconnect paho reports connected and drops qos0 silently while link is down
	if !self.m.IsConnectionOpen() {
		return errors.Annotatef(ErrNoConnection, "publish topic=%s", topic)
	}

	err := self.tokenWait(context.Background(), self.m.Publish(topic, 0, retain, payload), "publish:"+topic)
	if errors.Cause(err) == mqtt.ErrNotConnected {
		return errors.Annotatef(ErrNoConnection, "publish topic=%s", topic)
	}
	return err
}

func (self *MqttBus) Disconnect() {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.disconnected {
		return
	}
	self.disconnected = true
	close(self.done)
	if self.connected {
		self.m.Disconnect(disconnectQuiesce)
	}
	self.log.Debugf("mqtt disconnected")
}

func (self *MqttBus) onConnect(c mqtt.Client) {
	self.log.Debugf("mqtt on connect")
	status := self.topics.Status()
	if err := self.tokenWait(context.Background(), c.Publish(status, 0, true, StatusOnline), "publish:"+status); err != nil {
		self.log.Error(err)
	}
	for _, topic := range []string{self.topics.Tare(), self.topics.Disconnect()} {
		if err := self.tokenWait(context.Background(), c.Subscribe(topic, 0, self.onSubscribed), "subscribe:"+topic); err != nil {
			self.log.Error(err)
			continue
		}
		self.log.Infof("mqtt subscribed topic=%s", topic)
	}
	self.readyOnce.Do(func() { close(self.ready) })
}

func (self *MqttBus) onConnectionLost(_ mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
}

func (self *MqttBus) onSubscribed(_ mqtt.Client, msg mqtt.Message) {
	select {
	case self.inbox <- inbound{topic: msg.Topic(), payload: msg.Payload()}:
	case <-self.done:
	}
}

func (self *MqttBus) deliverLoop() {
	for {
		select {
		case m := <-self.inbox:
			self.lk.Lock()
			f := self.onMessage
			self.lk.Unlock()
			if f != nil {
				f(m.topic, m.payload)
			}
		case <-self.done:
			return
		}
	}
}

func (self *MqttBus) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	wait := self.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < wait {
			wait = d
		}
	}
	if !t.WaitTimeout(wait) {
		return errors.Timeoutf("mqtt %s wait=%v", tag, wait)
	}
	if err := t.Error(); err != nil {
		return errors.Annotate(err, fmt.Sprintf("mqtt %s", tag))
	}
	return nil
}
