package dbus

import (
	"sort"
	"strings"
	"sync"

	"github.com/busline/go-dbus/metrics"
)

// MethodContext is handed to method handlers. It carries the owning
// connection and the inbound call.
type MethodContext struct {
	Conn    *Connection
	Message *Message
	Path    ObjectPath
}

// MethodHandler implements one interface member. It returns the reply
// body or a D-Bus error to send back.
type MethodHandler func(ctx *MethodContext, args []interface{}) ([]interface{}, *Error)

// Method describes a callable interface member.
type Method struct {
	// In and Out are the body signatures of the call and the reply.
	In  Signature
	Out Signature
	// Exclusive methods take the interface write lock; others run
	// under the read lock and may execute concurrently.
	Exclusive bool
	// Async methods run on their own goroutine so the connection
	// reader is not blocked while they work.
	Async   bool
	Handler MethodHandler
}

// Property describes an exposed property. A nil Set makes it read-only.
type Property struct {
	Sig Signature
	Get func() (interface{}, *Error)
	Set func(interface{}) *Error
}

// SignalSpec declares a signal an interface may emit, for introspection.
type SignalSpec struct {
	Name string
	Sig  Signature
}

// Interface is a named set of members served at one or more paths.
type Interface struct {
	Name string

	mu         sync.RWMutex
	methods    map[string]*Method
	properties map[string]*Property
	signals    []SignalSpec
}

// NewInterface creates an empty interface. The name must be well formed.
func NewInterface(name string) (*Interface, error) {
	if err := ValidateInterfaceName(name); err != nil {
		return nil, err
	}
	return &Interface{
		Name:       name,
		methods:    make(map[string]*Method),
		properties: make(map[string]*Property),
	}, nil
}

// AddMethod registers a member. It replaces an existing member of the
// same name.
func (iface *Interface) AddMethod(name string, m *Method) error {
	if err := ValidateMemberName(name); err != nil {
		return err
	}
	if _, err := ParseSignature(string(m.In)); err != nil {
		return err
	}
	if _, err := ParseSignature(string(m.Out)); err != nil {
		return err
	}
	iface.mu.Lock()
	iface.methods[name] = m
	iface.mu.Unlock()
	return nil
}

// AddProperty registers a property.
func (iface *Interface) AddProperty(name string, p *Property) error {
	if err := ValidateMemberName(name); err != nil {
		return err
	}
	iface.mu.Lock()
	iface.properties[name] = p
	iface.mu.Unlock()
	return nil
}

// AddSignal declares a signal for introspection.
func (iface *Interface) AddSignal(name string, sig Signature) error {
	if err := ValidateMemberName(name); err != nil {
		return err
	}
	iface.mu.Lock()
	iface.signals = append(iface.signals, SignalSpec{Name: name, Sig: sig})
	iface.mu.Unlock()
	return nil
}

func (iface *Interface) method(name string) *Method {
	iface.mu.RLock()
	defer iface.mu.RUnlock()
	return iface.methods[name]
}

type objectNode struct {
	children   map[string]*objectNode
	interfaces map[string]*Interface
}

func newObjectNode() *objectNode {
	return &objectNode{
		children:   make(map[string]*objectNode),
		interfaces: make(map[string]*Interface),
	}
}

// ObjectServer dispatches inbound method calls to registered interface
// instances, indexed by object path.
type ObjectServer struct {
	conn *Connection

	mu   sync.RWMutex
	root *objectNode
}

func newObjectServer(conn *Connection) *ObjectServer {
	return &ObjectServer{conn: conn, root: newObjectNode()}
}

func splitPath(path ObjectPath) []string {
	if path == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(string(path), "/"), "/")
}

// RegisterAt exports iface at path. It returns false when an interface
// of the same name is already exported there.
func (s *ObjectServer) RegisterAt(path ObjectPath, iface *Interface) bool {
	if !path.IsValid() || iface == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.root
	for _, seg := range splitPath(path) {
		child, ok := node.children[seg]
		if !ok {
			child = newObjectNode()
			node.children[seg] = child
		}
		node = child
	}
	if _, ok := node.interfaces[iface.Name]; ok {
		return false
	}
	node.interfaces[iface.Name] = iface
	return true
}

// RemoveAt withdraws the named interface from path. Empty nodes are
// pruned.
func (s *ObjectServer) RemoveAt(path ObjectPath, ifaceName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := splitPath(path)
	nodes := []*objectNode{s.root}
	node := s.root
	for _, seg := range segs {
		child, ok := node.children[seg]
		if !ok {
			return false
		}
		node = child
		nodes = append(nodes, node)
	}
	if _, ok := node.interfaces[ifaceName]; !ok {
		return false
	}
	delete(node.interfaces, ifaceName)
	for i := len(nodes) - 1; i > 0; i-- {
		n := nodes[i]
		if len(n.interfaces) == 0 && len(n.children) == 0 {
			delete(nodes[i-1].children, segs[i-1])
		}
	}
	return true
}

func (s *ObjectServer) lookup(path ObjectPath) *objectNode {
	node := s.root
	for _, seg := range splitPath(path) {
		child, ok := node.children[seg]
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

// Emit sends a signal from path.
func (s *ObjectServer) Emit(path ObjectPath, iface, member string, args ...interface{}) error {
	if err := ValidateInterfaceName(iface); err != nil {
		return err
	}
	if err := ValidateMemberName(member); err != nil {
		return err
	}
	if !path.IsValid() {
		return &NameError{Kind: "object path", Value: string(path)}
	}
	msg := NewSignalMessage(path, iface, member)
	if err := msg.AppendArgs(args...); err != nil {
		return err
	}
	return s.conn.Send(msg)
}

// dispatch routes one inbound method call. It runs on the connection
// reader; handlers marked Async move to their own goroutine.
func (s *ObjectServer) dispatch(msg *Message) {
	reply := func(r *Message, err *Error) {
		if msg.Flags&FlagNoReplyExpected != 0 {
			return
		}
		if err != nil {
			metrics.DispatchErrors.Inc()
			text := ""
			if len(err.Body) > 0 {
				text, _ = err.Body[0].(string)
			}
			r = NewErrorMessage(msg, err.Name, text)
		}
		if sendErr := s.conn.Send(r); sendErr != nil {
			logger.WithError(sendErr).Warn("dbus: failed to send reply")
		}
	}

	s.mu.RLock()
	node := s.lookup(msg.Path)
	s.mu.RUnlock()
	if node == nil {
		reply(nil, newError(errNameUnknownObject, "no object exported at "+string(msg.Path)))
		return
	}

	// The standard interfaces are served at every exported node.
	if handled := s.dispatchStandard(node, msg, reply); handled {
		return
	}

	iface, method := s.resolveMember(node, msg)
	if iface == nil {
		reply(nil, newError(errNameUnknownInterface, "unknown interface "+msg.Iface))
		return
	}
	if method == nil {
		reply(nil, newError(errNameUnknownMethod, "unknown method "+msg.Member))
		return
	}

	if msg.Sig != method.In {
		reply(nil, newError(errNameInvalidArgs, "expected signature "+string(method.In)+", got "+string(msg.Sig)))
		return
	}
	args, err := msg.AllArgs()
	if err != nil {
		reply(nil, newError(errNameInvalidArgs, err.Error()))
		return
	}

	run := func() {
		if method.Exclusive {
			iface.mu.Lock()
			defer iface.mu.Unlock()
		} else {
			iface.mu.RLock()
			defer iface.mu.RUnlock()
		}
		ctx := &MethodContext{Conn: s.conn, Message: msg, Path: msg.Path}
		out, callErr := method.Handler(ctx, args)
		if callErr != nil {
			reply(nil, callErr)
			return
		}
		r := NewMethodReturnMessage(msg)
		if err := r.AppendArgs(out...); err != nil {
			reply(nil, newError(errNameFailed, err.Error()))
			return
		}
		if r.Sig != method.Out {
			reply(nil, newError(errNameFailed, "handler returned signature "+string(r.Sig)))
			return
		}
		reply(r, nil)
	}
	if method.Async {
		go run()
	} else {
		run()
	}
}

// resolveMember picks the interface and method for a call. Calls without
// an interface header match any interface implementing the member.
func (s *ObjectServer) resolveMember(node *objectNode, msg *Message) (*Interface, *Method) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if msg.Iface != "" {
		iface, ok := node.interfaces[msg.Iface]
		if !ok {
			return nil, nil
		}
		return iface, iface.method(msg.Member)
	}
	names := make([]string, 0, len(node.interfaces))
	for name := range node.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		iface := node.interfaces[name]
		if m := iface.method(msg.Member); m != nil {
			return iface, m
		}
	}
	// Report the member as unknown on some interface rather than the
	// whole object.
	if len(node.interfaces) > 0 {
		for _, iface := range node.interfaces {
			return iface, nil
		}
	}
	return nil, nil
}
