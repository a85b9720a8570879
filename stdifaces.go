package dbus

import (
	"os"
	"sort"
	"strings"
)

// The standard org.freedesktop.DBus.* interfaces are auto-attached to
// every exported node and implemented against the same dispatch
// contract as user interfaces.
const (
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

// managedObjectsLimit bounds the breadth-first walk of GetManagedObjects.
const managedObjectsLimit = 4096

func (s *ObjectServer) dispatchStandard(node *objectNode, msg *Message, reply func(*Message, *Error)) bool {
	iface := msg.Iface
	if iface == "" {
		// Bare members of the ubiquitous interfaces still resolve.
		switch msg.Member {
		case "Ping", "GetMachineId":
			iface = ifacePeer
		case "Introspect":
			iface = ifaceIntrospectable
		default:
			return false
		}
	}

	switch iface {
	case ifacePeer:
		switch msg.Member {
		case "Ping":
			reply(NewMethodReturnMessage(msg), nil)
		case "GetMachineId":
			r := NewMethodReturnMessage(msg)
			r.AppendArgs(machineID(s.conn.guid))
			reply(r, nil)
		default:
			reply(nil, newError(errNameUnknownMethod, "unknown method "+msg.Member))
		}
		return true
	case ifaceIntrospectable:
		if msg.Member != "Introspect" {
			reply(nil, newError(errNameUnknownMethod, "unknown method "+msg.Member))
			return true
		}
		r := NewMethodReturnMessage(msg)
		r.AppendArgs(s.introspect(msg.Path))
		reply(r, nil)
		return true
	case ifaceProperties:
		s.dispatchProperties(node, msg, reply)
		return true
	case ifaceObjectManager:
		if msg.Member != "GetManagedObjects" {
			reply(nil, newError(errNameUnknownMethod, "unknown method "+msg.Member))
			return true
		}
		r := NewMethodReturnMessage(msg)
		r.AppendArgs(s.managedObjects(msg.Path))
		reply(r, nil)
		return true
	}
	return false
}

func machineID(fallback string) string {
	for _, path := range []string{"/var/lib/dbus/machine-id", "/etc/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return fallback
}

func (s *ObjectServer) dispatchProperties(node *objectNode, msg *Message, reply func(*Message, *Error)) {
	fail := func(name, text string) { reply(nil, newError(name, text)) }

	findInterface := func(name string) *Interface {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return node.interfaces[name]
	}

	switch msg.Member {
	case "Get":
		if msg.Sig != "ss" {
			fail(errNameInvalidArgs, "expected signature ss")
			return
		}
		var ifaceName, propName string
		if err := msg.GetArgs(&ifaceName, &propName); err != nil {
			fail(errNameInvalidArgs, err.Error())
			return
		}
		iface := findInterface(ifaceName)
		if iface == nil {
			fail(errNameUnknownInterface, "unknown interface "+ifaceName)
			return
		}
		iface.mu.RLock()
		prop := iface.properties[propName]
		iface.mu.RUnlock()
		if prop == nil || prop.Get == nil {
			fail(errNameUnknownProperty, "unknown property "+propName)
			return
		}
		value, callErr := prop.Get()
		if callErr != nil {
			reply(nil, callErr)
			return
		}
		r := NewMethodReturnMessage(msg)
		r.AppendArgs(MakeVariantWithSignature(value, prop.Sig))
		reply(r, nil)
	case "Set":
		if msg.Sig != "ssv" {
			fail(errNameInvalidArgs, "expected signature ssv")
			return
		}
		var ifaceName, propName string
		var value Variant
		if err := msg.GetArgs(&ifaceName, &propName, &value); err != nil {
			fail(errNameInvalidArgs, err.Error())
			return
		}
		iface := findInterface(ifaceName)
		if iface == nil {
			fail(errNameUnknownInterface, "unknown interface "+ifaceName)
			return
		}
		iface.mu.RLock()
		prop := iface.properties[propName]
		iface.mu.RUnlock()
		if prop == nil {
			fail(errNameUnknownProperty, "unknown property "+propName)
			return
		}
		if prop.Set == nil {
			fail(errNamePropertyReadOnly, propName+" is read-only")
			return
		}
		if sig, err := value.Signature(); err != nil || sig != prop.Sig {
			fail(errNameInvalidArgs, "property "+propName+" has signature "+string(prop.Sig))
			return
		}
		if callErr := prop.Set(value.Value); callErr != nil {
			reply(nil, callErr)
			return
		}
		reply(NewMethodReturnMessage(msg), nil)
	case "GetAll":
		if msg.Sig != "s" {
			fail(errNameInvalidArgs, "expected signature s")
			return
		}
		var ifaceName string
		if err := msg.GetArgs(&ifaceName); err != nil {
			fail(errNameInvalidArgs, err.Error())
			return
		}
		iface := findInterface(ifaceName)
		if iface == nil {
			fail(errNameUnknownInterface, "unknown interface "+ifaceName)
			return
		}
		props, callErr := allProperties(iface)
		if callErr != nil {
			reply(nil, callErr)
			return
		}
		r := NewMethodReturnMessage(msg)
		r.AppendArgs(props)
		reply(r, nil)
	default:
		fail(errNameUnknownMethod, "unknown method "+msg.Member)
	}
}

func allProperties(iface *Interface) (map[string]Variant, *Error) {
	iface.mu.RLock()
	names := make([]string, 0, len(iface.properties))
	for name := range iface.properties {
		names = append(names, name)
	}
	iface.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]Variant, len(names))
	for _, name := range names {
		iface.mu.RLock()
		prop := iface.properties[name]
		iface.mu.RUnlock()
		if prop == nil || prop.Get == nil {
			continue
		}
		value, err := prop.Get()
		if err != nil {
			return nil, err
		}
		out[name] = MakeVariantWithSignature(value, prop.Sig)
	}
	return out, nil
}

// managedObjects walks the sub-tree below path breadth first and
// collects every exported interface's properties.
func (s *ObjectServer) managedObjects(path ObjectPath) map[ObjectPath]map[string]map[string]Variant {
	s.mu.RLock()
	type item struct {
		path ObjectPath
		node *objectNode
	}
	start := s.lookup(path)
	out := make(map[ObjectPath]map[string]map[string]Variant)
	if start == nil {
		s.mu.RUnlock()
		return out
	}
	queue := []item{{path: path, node: start}}
	var visited int
	type flat struct {
		path   ObjectPath
		ifaces map[string]*Interface
	}
	var snapshot []flat
	for len(queue) > 0 && visited < managedObjectsLimit {
		it := queue[0]
		queue = queue[1:]
		visited++
		if it.path != path && len(it.node.interfaces) > 0 {
			ifaces := make(map[string]*Interface, len(it.node.interfaces))
			for name, iface := range it.node.interfaces {
				ifaces[name] = iface
			}
			snapshot = append(snapshot, flat{path: it.path, ifaces: ifaces})
		}
		names := make([]string, 0, len(it.node.children))
		for name := range it.node.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			childPath := it.path
			if childPath == "/" {
				childPath = ObjectPath("/" + name)
			} else {
				childPath = ObjectPath(string(it.path) + "/" + name)
			}
			queue = append(queue, item{path: childPath, node: it.node.children[name]})
		}
	}
	s.mu.RUnlock()

	// Property getters run outside the tree lock.
	for _, entry := range snapshot {
		ifaceProps := make(map[string]map[string]Variant, len(entry.ifaces))
		for name, iface := range entry.ifaces {
			props, err := allProperties(iface)
			if err != nil {
				props = map[string]Variant{}
			}
			ifaceProps[name] = props
		}
		out[entry.path] = ifaceProps
	}
	return out
}
