// Package dbus implements the D-Bus wire protocol and connection
// runtime. It can be used to talk to system services (via the "system
// bus"), to services within the user's session (via the "session bus")
// or to a single peer over a private socket.
package dbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/busline/go-dbus/metrics"
)

type StandardBus int

const (
	SessionBus StandardBus = iota
	SystemBus
)

const (
	BUS_DAEMON_NAME  = "org.freedesktop.DBus"
	BUS_DAEMON_PATH  = ObjectPath("/org/freedesktop/DBus")
	BUS_DAEMON_IFACE = "org.freedesktop.DBus"
)

// Config collects the tunables of a connection.
type Config struct {
	authenticators  []Authenticator
	inboundQueue    int
	callTimeout     time.Duration
	negotiateUnixFD bool
}

// DefaultInboundQueueSize bounds the per-subscriber queue of unsolicited
// inbound messages.
const DefaultInboundQueueSize = 64

type Option func(*Config)

// WithAuthenticators overrides the client mechanism list.
func WithAuthenticators(auths ...Authenticator) Option {
	return func(c *Config) { c.authenticators = auths }
}

// WithInboundQueueSize bounds each subscriber's queue of unsolicited
// messages.
func WithInboundQueueSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.inboundQueue = n
		}
	}
}

// WithCallTimeout sets a default deadline for method calls.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) { c.callTimeout = d }
}

// WithoutUnixFD skips fd-support negotiation even on capable sockets.
func WithoutUnixFD() Option {
	return func(c *Config) { c.negotiateUnixFD = false }
}

// Connection is an authenticated D-Bus connection. The handle is safe
// for concurrent use; all methods may be called from any goroutine.
type Connection struct {
	// UniqueName is the connection-scoped name assigned by the bus,
	// empty on peer-to-peer connections.
	UniqueName string

	sock      Socket
	guid      string
	canPassFD bool
	conf      Config
	busProxy  *MessageBus

	lastSerial uint32

	writeMu sync.Mutex

	handlerMutex      sync.Mutex // covers the next three
	methodCallReplies map[uint32]chan *Message
	signalMatchRules  signalWatchSet
	subscribers       []*Subscription

	objectsMu sync.Mutex
	objects   *ObjectServer

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Connect returns a connection to the message bus identified by busType
// and performs the Hello call to obtain a unique name.
func Connect(busType StandardBus, opts ...Option) (*Connection, error) {
	var address string
	switch busType {
	case SessionBus:
		address = SessionBusAddress()
	case SystemBus:
		address = SystemBusAddress()
	default:
		return nil, errors.New("dbus: unknown bus")
	}
	if address == "" {
		return nil, errors.New("dbus: bus address not set")
	}
	return ConnectAddress(address, opts...)
}

// ConnectAddress connects to a bus at the given address.
func ConnectAddress(address string, opts ...Option) (*Connection, error) {
	sock, addr, err := DialAddress(address)
	if err != nil {
		return nil, err
	}
	conn, err := NewConnection(sock, opts...)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if guid := addr.GUID(); guid != "" && guid != conn.guid {
		conn.Close()
		return nil, &HandshakeError{Detail: "server guid does not match the address"}
	}
	if err := conn.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// NewConnection authenticates the client side of an established socket
// and starts the reader. No Hello is issued; use this for peer-to-peer
// connections.
func NewConnection(sock Socket, opts ...Option) (*Connection, error) {
	conf := defaultConfig(opts)
	res, err := ClientHandshake(sock, conf.authenticators, conf.negotiateUnixFD)
	if err != nil {
		return nil, err
	}
	return newConnection(sock, conf, res), nil
}

// NewServerConnection authenticates the server side of an established
// socket and starts the reader.
func NewServerConnection(sock Socket, hs ServerHandshakeConfig, opts ...Option) (*Connection, error) {
	conf := defaultConfig(opts)
	res, err := ServerHandshake(sock, hs)
	if err != nil {
		return nil, err
	}
	return newConnection(sock, conf, res), nil
}

func defaultConfig(opts []Option) Config {
	conf := Config{
		inboundQueue:    DefaultInboundQueueSize,
		negotiateUnixFD: true,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	return conf
}

func newConnection(sock Socket, conf Config, res *HandshakeResult) *Connection {
	c := &Connection{
		sock:              sock,
		guid:              res.GUID,
		canPassFD:         res.CanPassFD,
		conf:              conf,
		methodCallReplies: make(map[uint32]chan *Message),
		signalMatchRules:  make(signalWatchSet),
		closed:            make(chan struct{}),
	}
	c.busProxy = &MessageBus{c.Object(BUS_DAEMON_NAME, BUS_DAEMON_PATH)}
	go c.receiveLoop(res.Readahead)
	return c
}

func (p *Connection) hello() error {
	name, err := p.busProxy.Hello()
	if err != nil {
		return err
	}
	p.UniqueName = name
	return nil
}

// GUID returns the server guid learned during the handshake.
func (p *Connection) GUID() string { return p.guid }

// SupportsUnixFDs reports whether fd passing was negotiated.
func (p *Connection) SupportsUnixFDs() bool { return p.canPassFD }

// PeerCredentials exposes the transport's view of the peer.
func (p *Connection) PeerCredentials() Credentials { return p.sock.PeerCredentials() }

// BusDaemon returns the proxy for the org.freedesktop.DBus daemon.
func (p *Connection) BusDaemon() *MessageBus { return p.busProxy }

func (p *Connection) nextSerial() uint32 {
	for {
		s := atomic.AddUint32(&p.lastSerial, 1)
		if s != 0 {
			return s
		}
	}
}

// Send transmits msg without waiting for a reply. A serial is assigned
// unless the message already carries one.
func (p *Connection) Send(msg *Message) error {
	if msg.Serial() == 0 {
		msg.setSerial(p.nextSerial())
	}
	return p.writeMessage(msg)
}

func (p *Connection) writeMessage(msg *Message) error {
	data, fds, err := msg.Marshal(binary.LittleEndian)
	if err != nil {
		return err
	}
	if len(fds) > 0 && !p.canPassFD {
		return ErrFdUnsupported
	}
	select {
	case <-p.closed:
		return p.closeError()
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	for len(data) > 0 {
		n, err := p.sock.Write(data, fds)
		if n > 0 {
			// A partial write still transmits the descriptors.
			fds = nil
			data = data[n:]
		}
		if err != nil {
			p.closeWith(err)
			return err
		}
	}
	metrics.MessagesSent.Inc()
	return nil
}

// SendWithReply transmits a method call and waits for the matching
// reply. A configured call timeout applies.
func (p *Connection) SendWithReply(msg *Message) (*Message, error) {
	return p.SendWithReplyContext(context.Background(), msg)
}

// SendWithReplyContext is SendWithReply bounded by ctx. Cancelling ctx
// abandons the call: its reply slot is removed and a late reply is
// discarded.
func (p *Connection) SendWithReplyContext(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Type != TypeMethodCall {
		return nil, FormatError("only method calls have replies")
	}
	if p.conf.callTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.conf.callTimeout)
			defer cancel()
		}
	}
	serial := p.nextSerial()
	msg.setSerial(serial)

	replyChan := make(chan *Message, 1)
	p.handlerMutex.Lock()
	p.methodCallReplies[serial] = replyChan
	p.handlerMutex.Unlock()

	if err := p.writeMessage(msg); err != nil {
		p.removeReplySlot(serial)
		return nil, err
	}

	select {
	case reply := <-replyChan:
		return reply, nil
	case <-ctx.Done():
		p.removeReplySlot(serial)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimedOut
		}
		return nil, ctx.Err()
	case <-p.closed:
		p.removeReplySlot(serial)
		return nil, p.closeError()
	}
}

func (p *Connection) removeReplySlot(serial uint32) {
	p.handlerMutex.Lock()
	delete(p.methodCallReplies, serial)
	p.handlerMutex.Unlock()
}

// receiveLoop reads frames off the socket and routes them. Codec and
// framing errors on inbound data are fatal for the connection.
func (p *Connection) receiveLoop(readahead []byte) {
	buf := append([]byte(nil), readahead...)
	var fdQueue []int
	rd := make([]byte, 4096)

	for {
		for {
			msg, consumed, fdsTaken, err := nextFrame(buf, fdQueue)
			if err != nil {
				logger.WithError(err).Warn("dbus: failed to read message")
				p.closeWith(ErrDisconnected)
				closeFds(fdQueue)
				return
			}
			if msg == nil {
				break
			}
			buf = buf[consumed:]
			fdQueue = fdQueue[fdsTaken:]
			metrics.MessagesReceived.Inc()
			p.dispatchMessage(msg)
		}

		n, fds, err := p.sock.Read(rd)
		if n > 0 {
			buf = append(buf, rd[:n]...)
		}
		fdQueue = append(fdQueue, fds...)
		if err != nil {
			if err != io.EOF {
				logger.WithError(err).Warn("dbus: read failed")
			}
			p.closeWith(ErrDisconnected)
			closeFds(fdQueue)
			return
		}
	}
}

// nextFrame cuts one complete message out of buf, if present. It returns
// the parsed message, the bytes consumed and how many descriptors of
// fdQueue the message took ownership of.
func nextFrame(buf []byte, fdQueue []int) (*Message, int, int, error) {
	if len(buf) < 16 {
		return nil, 0, 0, nil
	}
	total, err := frameSize(buf[:16])
	if err != nil {
		return nil, 0, 0, err
	}
	if len(buf) < total {
		return nil, 0, 0, nil
	}
	frame := append([]byte(nil), buf[:total]...)
	msg, err := UnmarshalMessage(frame, fdQueue)
	if err != nil {
		return nil, 0, 0, err
	}
	return msg, total, len(msg.Fds), nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func (p *Connection) dispatchMessage(msg *Message) {
	switch msg.Type {
	case TypeMethodReturn, TypeError:
		p.handlerMutex.Lock()
		replyChan, ok := p.methodCallReplies[msg.ReplySerial()]
		if ok {
			delete(p.methodCallReplies, msg.ReplySerial())
		}
		p.handlerMutex.Unlock()
		if ok {
			replyChan <- msg
		} else {
			logger.WithField("reply_serial", msg.ReplySerial()).
				Debug("dbus: dropping reply without a pending call")
			closeFds(msg.Fds)
		}
	case TypeMethodCall:
		p.objectsMu.Lock()
		server := p.objects
		p.objectsMu.Unlock()
		if server != nil {
			server.dispatch(msg)
			return
		}
		if msg.Flags&FlagNoReplyExpected == 0 {
			reply := NewErrorMessage(msg, errNameUnknownObject,
				"no object exported at "+string(msg.Path))
			if err := p.Send(reply); err != nil {
				logger.WithError(err).Warn("dbus: failed to send error reply")
			}
		}
		p.broadcast(msg)
	case TypeSignal:
		p.handlerMutex.Lock()
		watches := p.signalMatchRules.FindMatches(msg)
		p.handlerMutex.Unlock()
		for _, watch := range watches {
			watch.deliver(msg)
		}
		p.broadcast(msg)
	}
}

// broadcast queues msg for every subscriber. The reader never blocks
// here: a full subscriber queue drops its oldest message instead.
func (p *Connection) broadcast(msg *Message) {
	p.handlerMutex.Lock()
	subs := append([]*Subscription(nil), p.subscribers...)
	p.handlerMutex.Unlock()
	for _, sub := range subs {
		sub.push(msg)
	}
}

// Close tears down the connection. Every outstanding call fails with
// ErrClosed and subscribers see end-of-stream.
func (p *Connection) Close() error {
	p.closeWith(ErrClosed)
	return nil
}

func (p *Connection) closeError() error {
	if p.closeErr != nil {
		return p.closeErr
	}
	return ErrClosed
}

func (p *Connection) closeWith(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		close(p.closed)
		p.sock.Close()

		p.handlerMutex.Lock()
		subs := p.subscribers
		p.subscribers = nil
		p.methodCallReplies = make(map[uint32]chan *Message)
		p.handlerMutex.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

// Closed reports whether the connection has shut down, and why.
func (p *Connection) Closed() (bool, error) {
	select {
	case <-p.closed:
		return true, p.closeError()
	default:
		return false, nil
	}
}

// Object returns a proxy for the object identified by the given
// destination and path.
func (p *Connection) Object(dest string, path ObjectPath) *ObjectProxy {
	return &ObjectProxy{bus: p, destination: dest, path: path}
}

// Objects returns the connection's object server, creating it on first
// use.
func (p *Connection) Objects() *ObjectServer {
	p.objectsMu.Lock()
	defer p.objectsMu.Unlock()
	if p.objects == nil {
		p.objects = newObjectServer(p)
	}
	return p.objects
}

// Subscription is a bounded queue of unsolicited inbound messages
// (signals and calls no handler claimed). A slow subscriber loses its
// oldest messages; the drop count is surfaced by Next.
type Subscription struct {
	conn    *Connection
	mu      sync.Mutex
	queue   []*Message
	limit   int
	dropped uint64
	ready   chan struct{}
	done    bool
}

// Subscribe registers a new inbound subscriber.
func (p *Connection) Subscribe() *Subscription {
	sub := &Subscription{
		conn:  p,
		limit: p.conf.inboundQueue,
		ready: make(chan struct{}, 1),
	}
	p.handlerMutex.Lock()
	p.subscribers = append(p.subscribers, sub)
	p.handlerMutex.Unlock()
	return sub
}

func (s *Subscription) push(msg *Message) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
		metrics.InboundDropped.Inc()
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued message and the number of messages
// dropped since the previous read. It blocks until a message arrives,
// ctx is cancelled or the connection shuts down.
func (s *Subscription) Next(ctx context.Context) (*Message, uint64, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			dropped := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return msg, dropped, nil
		}
		done := s.done
		s.mu.Unlock()
		if done {
			return nil, 0, s.conn.closeError()
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-s.conn.closed:
			return nil, 0, s.conn.closeError()
		}
	}
}

// Cancel removes the subscription.
func (s *Subscription) Cancel() {
	c := s.conn
	c.handlerMutex.Lock()
	for i, other := range c.subscribers {
		if other == s {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
	c.handlerMutex.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
