package dbus

import "context"

// ObjectProxy represents a remote object on the bus. It simplifies
// constructing method calls and acts as a basis for D-Bus interface
// client stubs.
type ObjectProxy struct {
	bus         *Connection
	destination string
	path        ObjectPath
}

func (o *ObjectProxy) ObjectPath() ObjectPath { return o.path }

// Call invokes the given method on the remote object.
//
// On success the reply message is returned; its arguments unpack with
// GetArgs. A D-Bus level error comes back as *Error, transport failures
// as plain errors.
func (o *ObjectProxy) Call(iface, method string, args ...interface{}) (*Message, error) {
	return o.CallContext(context.Background(), iface, method, args...)
}

// CallContext is Call bounded by ctx.
func (o *ObjectProxy) CallContext(ctx context.Context, iface, method string, args ...interface{}) (*Message, error) {
	msg := NewMethodCallMessage(o.destination, o.path, iface, method)
	if err := msg.AppendArgs(args...); err != nil {
		return nil, err
	}
	reply, err := o.bus.SendWithReplyContext(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, reply.AsError()
	}
	return reply, nil
}

func (o *ObjectProxy) WatchSignal(iface, member string) (*SignalWatch, error) {
	return o.bus.WatchSignal(&MatchRule{
		Type:      TypeSignal,
		Sender:    o.destination,
		Path:      o.path,
		Interface: iface,
		Member:    member,
	})
}

// Introspectable wraps the org.freedesktop.DBus.Introspectable interface
// of a remote object.
type Introspectable struct {
	*ObjectProxy
}

func (o *Introspectable) Introspect() (data string, err error) {
	reply, err := o.Call("org.freedesktop.DBus.Introspectable", "Introspect")
	if err != nil {
		return
	}
	err = reply.GetArgs(&data)
	return
}

// Properties wraps the org.freedesktop.DBus.Properties interface of a
// remote object.
type Properties struct {
	*ObjectProxy
}

func (o *Properties) Get(interfaceName, propertyName string) (value interface{}, err error) {
	reply, err := o.Call("org.freedesktop.DBus.Properties", "Get", interfaceName, propertyName)
	if err != nil {
		return
	}
	var variant Variant
	if err = reply.GetArgs(&variant); err != nil {
		return
	}
	value = variant.Value
	return
}

func (o *Properties) Set(interfaceName, propertyName string, value interface{}) (err error) {
	_, err = o.Call("org.freedesktop.DBus.Properties", "Set", interfaceName, propertyName, MakeVariant(value))
	return
}

func (o *Properties) GetAll(interfaceName string) (props map[string]Variant, err error) {
	reply, err := o.Call("org.freedesktop.DBus.Properties", "GetAll", interfaceName)
	if err != nil {
		return
	}
	err = reply.GetArgs(&props)
	return
}

// MessageBus is a client stub for the org.freedesktop.DBus daemon
// interface.
type MessageBus struct {
	*ObjectProxy
}

func (o *MessageBus) Hello() (uniqueName string, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "Hello")
	if err != nil {
		return
	}
	err = reply.GetArgs(&uniqueName)
	return
}

func (o *MessageBus) RequestName(name string, flags uint32) (result uint32, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "RequestName", name, flags)
	if err != nil {
		return
	}
	err = reply.GetArgs(&result)
	return
}

func (o *MessageBus) ReleaseName(name string) (result uint32, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "ReleaseName", name)
	if err != nil {
		return
	}
	err = reply.GetArgs(&result)
	return
}

func (o *MessageBus) ListNames() (names []string, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "ListNames")
	if err != nil {
		return
	}
	err = reply.GetArgs(&names)
	return
}

func (o *MessageBus) ListActivatableNames() (names []string, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "ListActivatableNames")
	if err != nil {
		return
	}
	err = reply.GetArgs(&names)
	return
}

func (o *MessageBus) NameHasOwner(name string) (hasOwner bool, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "NameHasOwner", name)
	if err != nil {
		return
	}
	err = reply.GetArgs(&hasOwner)
	return
}

func (o *MessageBus) GetNameOwner(name string) (owner string, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "GetNameOwner", name)
	if err != nil {
		return
	}
	err = reply.GetArgs(&owner)
	return
}

func (o *MessageBus) GetConnectionUnixUser(busName string) (user uint32, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "GetConnectionUnixUser", busName)
	if err != nil {
		return
	}
	err = reply.GetArgs(&user)
	return
}

func (o *MessageBus) GetConnectionUnixProcessID(busName string) (process uint32, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "GetConnectionUnixProcessID", busName)
	if err != nil {
		return
	}
	err = reply.GetArgs(&process)
	return
}

func (o *MessageBus) AddMatch(rule string) (err error) {
	_, err = o.Call(BUS_DAEMON_IFACE, "AddMatch", rule)
	return
}

func (o *MessageBus) RemoveMatch(rule string) (err error) {
	_, err = o.Call(BUS_DAEMON_IFACE, "RemoveMatch", rule)
	return
}

func (o *MessageBus) GetId() (busId string, err error) {
	reply, err := o.Call(BUS_DAEMON_IFACE, "GetId")
	if err != nil {
		return
	}
	err = reply.GetArgs(&busId)
	return
}
