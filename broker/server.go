// Package broker is small embedded MQTT 3.1.1 server for bench setups without
// site broker and for end-to-end tests of the bridge.
// Delivery is at most once, inbound QoS 1 publishes are acknowledged.
package broker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/flowbridge/helpers"
	"github.com/temoto/flowbridge/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	defaultReadLimit      = 1 << 20
)

var (
	ErrSameClient     = fmt.Errorf("clientid overtake")
	ErrClosing        = fmt.Errorf("server is closing")
	ErrNotAuthorized  = fmt.Errorf("not authorized")
	ErrUnexpectedPkt  = fmt.Errorf("unexpected packet")
	ErrUnsupportedQOS = fmt.Errorf("qos2 not supported")
)

type Options struct {
	Log *log2.Log
	// Users maps username to password, empty allows anonymous.
	Users          map[string]string
	NetworkTimeout time.Duration
	ReadLimit      int64
	// OnPublish observes every accepted inbound message.
	OnPublish func(*packet.Message)
}

type subscription struct {
	pattern string
	client  *client
}

type Server struct {
	sync.Mutex

	opt     Options
	log     *log2.Log
	alive   *alive.Alive
	listens map[string]*transport.NetServer

	clients struct {
		sync.RWMutex
		m map[string]*client
	}
	retain *topic.Tree // *packet.Message
	subs   *topic.Tree // *subscription
}

func NewServer(opt Options) *Server {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = defaultReadLimit
	}
	s := &Server{
		opt:     opt,
		log:     opt.Log,
		alive:   alive.NewAlive(),
		listens: make(map[string]*transport.NetServer),
		retain:  topic.NewStandardTree(),
		subs:    topic.NewStandardTree(),
	}
	s.clients.m = make(map[string]*client)
	return s
}

// Listen accepts urls like tcp://host:port, port 0 picks free one, see Addrs.
func (s *Server) Listen(ctx context.Context, urls []string) error {
	s.Lock()
	defer s.Unlock()

	errs := make([]error, 0)
	for _, u := range urls {
		ns, err := listen(u)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", u))
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.log.Infof("mqtt broker listen url=%s addr=%s", u, ns.Addr())
		s.listens[u] = ns
		go s.acceptLoop(ns, u)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) Addrs() []string {
	s.Lock()
	defer s.Unlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.clients.RLocker(), func() {
		for _, c := range s.clients.m {
			_ = c.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

// Publish stores retained message and delivers to matching subscribers.
func (s *Server) Publish(msg *packet.Message) error {
	s.log.Debugf("mqtt broker publish %s", MessageString(msg))
	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	uniq := make(map[*client]struct{})
	errs := make([]error, 0)
	for _, x := range s.subs.Match(msg.Topic) {
		c := x.(*subscription).client
		if _, ok := uniq[c]; ok {
			continue
		}
		uniq[c] = struct{}{}
		out := msg.Copy()
		// retain flag is only for messages replayed on subscribe
		out.Retain = false
		if err := c.deliver(out); err != nil && errors.Cause(err) != ErrClosing {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func listen(rawurl string) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(rawurl)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	switch u.Scheme {
	case "tcp", "unix":
		l, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.NotSupportedf("listen scheme=%s", u.Scheme)
}

func (s *Server) acceptLoop(ns *transport.NetServer, u string) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "mqtt accept listen=%s", u))
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn)
	}
}

func (s *Server) onAccept(conn transport.Conn) (*client, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Annotatef(ErrUnexpectedPkt, "expected CONNECT pkt=%s", PacketString(pkt))
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Annotate(ErrNotAuthorized, "empty clientid")
	}
	if !s.authorize(pktConnect.Username, pktConnect.Password) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Annotatef(ErrNotAuthorized, "username=%s", pktConnect.Username)
	}
	s.log.Debugf("mqtt CONNECT addr=%s client=%s username=%s keepalive=%d",
		addrString(conn.RemoteAddr()), pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > s.opt.NetworkTimeout {
		keepalive = s.opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err := conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newClient(conn, s.log, pktConnect), nil
}

func (s *Server) authorize(username, password string) bool {
	if len(s.opt.Users) == 0 {
		return true
	}
	secret, ok := s.opt.Users[username]
	return ok && secret == password
}

func (s *Server) processConn(conn transport.Conn) {
	defer s.alive.Done()

	addr := addrString(conn.RemoteAddr())
	conn.SetReadLimit(s.opt.ReadLimit)
	conn.SetReadTimeout(s.opt.NetworkTimeout)
	c, err := s.onAccept(conn)
	if err != nil {
		s.log.Infof("mqtt onAccept addr=%s err=%v", addr, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.clients, func() {
		if ex, ok := s.clients.m[c.id]; ok {
			s.log.Infof("mqtt client overtake id=%s ex=%s new=%s", c.id, addrString(ex.remoteAddr()), addr)
			_ = ex.die(ErrSameClient)
		}
		s.clients.m[c.id] = c
	})

	for s.alive.IsRunning() {
		pkt, err := c.receive()
		if err != nil {
			break
		}
		if err = s.processPacket(c, pkt); err != nil {
			_ = c.die(err)
			break
		}
	}
	_ = c.die(ErrClosing)

	for _, sub := range c.takeSubs() {
		s.subs.Remove(sub.pattern, sub)
	}
	helpers.WithLock(&s.clients, func() {
		if ex := s.clients.m[c.id]; ex == c {
			delete(s.clients.m, c.id)
		}
	})
	if will, clean := c.getWill(); !clean && will != nil && s.alive.IsRunning() {
		s.log.Debugf("mqtt id=%s will=%s", c.id, MessageString(will))
		if err := s.Publish(will); err != nil {
			s.log.Error(errors.Annotatef(err, "mqtt will id=%s", c.id))
		}
	}
}

func (s *Server) processPacket(c *client, pkt packet.Generic) error {
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		return c.send(packet.NewPingresp())

	case *packet.Publish:
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
		case packet.QOSAtLeastOnce:
			ack := packet.NewPuback()
			ack.ID = pt.ID
			if err := c.send(ack); err != nil {
				return err
			}
		default:
			return ErrUnsupportedQOS
		}
		msg := pt.Message.Copy()
		if s.opt.OnPublish != nil {
			s.opt.OnPublish(msg)
		}
		if err := s.Publish(msg); err != nil {
			s.log.Error(errors.Annotatef(err, "mqtt publish from=%s", c.id))
		}
		return nil

	case *packet.Subscribe:
		if len(pt.Subscriptions) == 0 {
			return fmt.Errorf("subscribe request with empty sub list")
		}
		suback := packet.NewSuback()
		suback.ID = pt.ID
		suback.ReturnCodes = make([]packet.QOS, 0, len(pt.Subscriptions))
		var replay []*packet.Message
		for _, sub := range pt.Subscriptions {
			x := &subscription{pattern: sub.Topic, client: c}
			if ex := c.addSub(x); ex != nil {
				s.subs.Remove(ex.pattern, ex)
			}
			s.subs.Add(sub.Topic, x)
			suback.ReturnCodes = append(suback.ReturnCodes, packet.QOSAtMostOnce)
			for _, v := range s.retain.Search(sub.Topic) {
				replay = append(replay, v.(*packet.Message))
			}
		}
		if err := c.send(suback); err != nil {
			return errors.Annotate(err, "suback")
		}
		for _, m := range replay {
			if err := c.deliver(m); err != nil {
				return errors.Annotate(err, "retained replay")
			}
		}
		return nil

	case *packet.Unsubscribe:
		for _, p := range pt.Topics {
			if sub := c.removeSub(p); sub != nil {
				s.subs.Remove(p, sub)
			}
		}
		ack := packet.NewUnsuback()
		ack.ID = pt.ID
		return c.send(ack)

	case *packet.Disconnect:
		c.onDisconnect()
		return ErrClosing

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		return ErrUnsupportedQOS
	}
	return errors.Annotatef(ErrUnexpectedPkt, "pkt=%s", PacketString(pkt))
}
