package dbus

import (
	"bytes"
	"encoding/xml"
	"sort"
	"strings"
)

const introspectDocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// Introspection document model, used both to parse remote introspection
// data and to render the object server's own.
type annotationData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type argData struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

type methodData struct {
	Name       string           `xml:"name,attr"`
	Arg        []argData        `xml:"arg"`
	Annotation []annotationData `xml:"annotation"`
}

type signalData struct {
	Name string    `xml:"name,attr"`
	Arg  []argData `xml:"arg"`
}

type propertyData struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

type interfaceData struct {
	Name     string         `xml:"name,attr"`
	Method   []methodData   `xml:"method"`
	Signal   []signalData   `xml:"signal"`
	Property []propertyData `xml:"property"`
}

type introspectNode struct {
	XMLName   xml.Name         `xml:"node"`
	Name      string           `xml:"name,attr,omitempty"`
	Interface []interfaceData  `xml:"interface"`
	Node      []introspectNode `xml:"node"`
}

// Introspect gives read access to a parsed introspection document.
type Introspect interface {
	GetInterfaceData(name string) InterfaceData
	ChildNames() []string
}

type InterfaceData interface {
	GetMethodData(name string) MethodData
	GetSignalData(name string) SignalData
	GetName() string
}

type MethodData interface {
	GetName() string
	GetInSignature() string
	GetOutSignature() string
}

type SignalData interface {
	GetName() string
	GetSignature() string
}

// NewIntrospect parses an introspection XML document.
func NewIntrospect(xmlIntro string) (Introspect, error) {
	node := new(introspectNode)
	if err := xml.Unmarshal([]byte(xmlIntro), node); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *introspectNode) GetInterfaceData(name string) InterfaceData {
	for _, v := range p.Interface {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p *introspectNode) ChildNames() []string {
	names := make([]string, 0, len(p.Node))
	for _, child := range p.Node {
		names = append(names, child.Name)
	}
	return names
}

func (p interfaceData) GetMethodData(name string) MethodData {
	for _, v := range p.Method {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p interfaceData) GetSignalData(name string) SignalData {
	for _, v := range p.Signal {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p interfaceData) GetName() string { return p.Name }

func (p methodData) GetInSignature() (sig string) {
	for _, v := range p.Arg {
		if strings.EqualFold(v.Direction, "in") {
			sig += v.Type
		}
	}
	return
}

func (p methodData) GetOutSignature() (sig string) {
	for _, v := range p.Arg {
		if strings.EqualFold(v.Direction, "out") {
			sig += v.Type
		}
	}
	return
}

func (p methodData) GetName() string { return p.Name }

func (p signalData) GetSignature() (sig string) {
	for _, v := range p.Arg {
		sig += v.Type
	}
	return
}

func (p signalData) GetName() string { return p.Name }

// introspect renders the introspection document for the node at path.
func (s *ObjectServer) introspect(path ObjectPath) string {
	s.mu.RLock()
	node := s.lookup(path)
	doc := introspectNode{}
	if node != nil {
		names := make([]string, 0, len(node.interfaces))
		for name := range node.interfaces {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			doc.Interface = append(doc.Interface, describeInterface(node.interfaces[name]))
		}
		doc.Interface = append(doc.Interface, standardInterfaceData()...)

		children := make([]string, 0, len(node.children))
		for name := range node.children {
			children = append(children, name)
		}
		sort.Strings(children)
		for _, name := range children {
			doc.Node = append(doc.Node, introspectNode{Name: name})
		}
	}
	s.mu.RUnlock()

	var buf bytes.Buffer
	buf.WriteString(introspectDocType)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		logger.WithError(err).Warn("dbus: failed to render introspection data")
		return ""
	}
	buf.WriteString("\n")
	return buf.String()
}

func describeInterface(iface *Interface) interfaceData {
	iface.mu.RLock()
	defer iface.mu.RUnlock()

	data := interfaceData{Name: iface.Name}
	methodNames := make([]string, 0, len(iface.methods))
	for name := range iface.methods {
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		m := iface.methods[name]
		md := methodData{Name: name}
		for _, one := range m.In.split() {
			md.Arg = append(md.Arg, argData{Type: string(one), Direction: "in"})
		}
		for _, one := range m.Out.split() {
			md.Arg = append(md.Arg, argData{Type: string(one), Direction: "out"})
		}
		data.Method = append(data.Method, md)
	}

	propNames := make([]string, 0, len(iface.properties))
	for name := range iface.properties {
		propNames = append(propNames, name)
	}
	sort.Strings(propNames)
	for _, name := range propNames {
		prop := iface.properties[name]
		access := "read"
		if prop.Get == nil {
			access = "write"
		} else if prop.Set != nil {
			access = "readwrite"
		}
		data.Property = append(data.Property, propertyData{
			Name:   name,
			Type:   string(prop.Sig),
			Access: access,
		})
	}

	for _, sig := range iface.signals {
		sd := signalData{Name: sig.Name}
		for _, one := range sig.Sig.split() {
			sd.Arg = append(sd.Arg, argData{Type: string(one)})
		}
		data.Signal = append(data.Signal, sd)
	}
	return data
}

func standardInterfaceData() []interfaceData {
	return []interfaceData{
		{
			Name: ifacePeer,
			Method: []methodData{
				{Name: "Ping"},
				{Name: "GetMachineId", Arg: []argData{{Name: "machine_uuid", Type: "s", Direction: "out"}}},
			},
		},
		{
			Name: ifaceIntrospectable,
			Method: []methodData{
				{Name: "Introspect", Arg: []argData{{Name: "xml_data", Type: "s", Direction: "out"}}},
			},
		},
		{
			Name: ifaceProperties,
			Method: []methodData{
				{Name: "Get", Arg: []argData{
					{Name: "interface_name", Type: "s", Direction: "in"},
					{Name: "property_name", Type: "s", Direction: "in"},
					{Name: "value", Type: "v", Direction: "out"},
				}},
				{Name: "GetAll", Arg: []argData{
					{Name: "interface_name", Type: "s", Direction: "in"},
					{Name: "properties", Type: "a{sv}", Direction: "out"},
				}},
				{Name: "Set", Arg: []argData{
					{Name: "interface_name", Type: "s", Direction: "in"},
					{Name: "property_name", Type: "s", Direction: "in"},
					{Name: "value", Type: "v", Direction: "in"},
				}},
			},
		},
		{
			Name: ifaceObjectManager,
			Method: []methodData{
				{Name: "GetManagedObjects", Arg: []argData{
					{Name: "objpath_interfaces_and_properties", Type: "a{oa{sa{sv}}}", Direction: "out"},
				}},
			},
		},
	}
}
