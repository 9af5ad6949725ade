package broker

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/flowbridge/helpers"
	"github.com/temoto/flowbridge/log2"
)

// Server side client connection state.
type client struct {
	id       string
	username string
	log      *log2.Log

	connmu sync.RWMutex
	conn   transport.Conn
	sendmu sync.Mutex

	err helpers.AtomicError

	clean  uint32
	willmu sync.Mutex
	will   *packet.Message

	submu sync.Mutex
	subs  map[string]*subscription
}

func newClient(conn transport.Conn, log *log2.Log, pkt *packet.Connect) *client {
	c := &client{
		conn:     conn,
		id:       pkt.ClientID,
		username: pkt.Username,
		log:      log,
		subs:     make(map[string]*subscription),
	}
	if pkt.Will != nil {
		c.will = pkt.Will.Copy()
	}
	return c
}

func (c *client) receive() (packet.Generic, error) {
	conn := c.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	c.log.Debugf("mqtt recv addr=%s id=%s pkt=%s err=%v", addrString(conn.RemoteAddr()), c.id, PacketString(pkt), err)
	switch {
	case err == nil:
		return pkt, nil
	case err == io.EOF:
		_ = c.die(err)
		return nil, err
	case isClosedConn(err):
		return nil, ErrClosing
	}
	_ = c.die(err)
	return nil, err
}

func (c *client) send(pkt packet.Generic) error {
	conn := c.getConn()
	if conn == nil {
		return ErrClosing
	}
	c.log.Debugf("mqtt send id=%s pkt=%s", c.id, PacketString(pkt))
	c.sendmu.Lock()
	err := conn.Send(pkt, false)
	c.sendmu.Unlock()
	if err != nil {
		if isClosedConn(err) {
			return ErrClosing
		}
		return c.die(errors.Annotatef(err, "clientid=%s", c.id))
	}
	return nil
}

// deliver sends message at most once.
func (c *client) deliver(msg *packet.Message) error {
	pub := packet.NewPublish()
	pub.Message = *msg
	pub.Message.QOS = packet.QOSAtMostOnce
	return c.send(pub)
}

// die closes connection once and returns first reason.
func (c *client) die(e error) error {
	if first, set := c.err.StoreOnce(e); set {
		return first
	}
	c.log.Debugf("mqtt die id=%s e=%v", c.id, e)
	c.connmu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connmu.Unlock()
	return e
}

func (c *client) getConn() transport.Conn {
	c.connmu.RLock()
	conn := c.conn
	c.connmu.RUnlock()
	return conn
}

func (c *client) remoteAddr() net.Addr {
	if conn := c.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// addSub returns replaced subscription with same pattern or nil.
func (c *client) addSub(sub *subscription) *subscription {
	c.submu.Lock()
	ex := c.subs[sub.pattern]
	c.subs[sub.pattern] = sub
	c.submu.Unlock()
	return ex
}

func (c *client) removeSub(pattern string) *subscription {
	c.submu.Lock()
	sub := c.subs[pattern]
	delete(c.subs, pattern)
	c.submu.Unlock()
	return sub
}

func (c *client) takeSubs() []*subscription {
	c.submu.Lock()
	ss := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		ss = append(ss, sub)
	}
	c.subs = make(map[string]*subscription)
	c.submu.Unlock()
	return ss
}

// onDisconnect marks clean session end, will is discarded.
func (c *client) onDisconnect() {
	atomic.StoreUint32(&c.clean, 1)
	c.willmu.Lock()
	c.will = nil
	c.willmu.Unlock()
}

func (c *client) getWill() (m *packet.Message, clean bool) {
	c.willmu.Lock()
	if c.will != nil {
		m = c.will.Copy()
	}
	c.willmu.Unlock()
	return m, atomic.LoadUint32(&c.clean) == 1
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

// PacketString shows PUBLISH payload as text.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%q", m.Topic, m.QOS, m.Retain, m.Payload)
}
