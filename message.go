package dbus

import (
	"encoding/binary"
	"reflect"
)

// See the D-Bus specification for the message format:
// https://dbus.freedesktop.org/doc/dbus-specification.html#message-protocol
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

var messageTypeString = map[MessageType]string{
	TypeInvalid:      "invalid",
	TypeMethodCall:   "method_call",
	TypeMethodReturn: "method_return",
	TypeError:        "error",
	TypeSignal:       "signal",
}

func (t MessageType) String() string { return messageTypeString[t] }

type MessageFlag uint8

const (
	FlagNoReplyExpected MessageFlag = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFds     = 9
)

const protocolVersion = 1

// Message is a single D-Bus message: fixed header, header fields and body.
type Message struct {
	Type     MessageType
	Flags    MessageFlag
	Protocol byte

	Path      ObjectPath
	Iface     string
	Member    string
	ErrorName string
	Dest      string
	Sender    string
	Sig       Signature

	// Params holds the body values of an outbound message.
	Params []interface{}
	// Fds is the file descriptor table: borrowed from the caller on
	// outbound messages, owned by the message on inbound ones.
	Fds []int

	serial      uint32
	replySerial uint32

	// Inbound messages keep the raw body so arguments decode straight
	// into caller-typed pointers.
	body  []byte
	order binary.ByteOrder
}

// NewMethodCallMessage creates a method call message.
func NewMethodCallMessage(dest string, path ObjectPath, iface string, member string) *Message {
	return &Message{
		Type:     TypeMethodCall,
		Protocol: protocolVersion,
		Dest:     dest,
		Path:     path,
		Iface:    iface,
		Member:   member,
	}
}

// NewMethodReturnMessage creates a reply to the given method call.
func NewMethodReturnMessage(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Protocol:    protocolVersion,
		Dest:        call.Sender,
		replySerial: call.serial,
	}
}

// NewErrorMessage creates an error reply to the given method call.
func NewErrorMessage(call *Message, name, message string) *Message {
	msg := &Message{
		Type:        TypeError,
		Protocol:    protocolVersion,
		Dest:        call.Sender,
		ErrorName:   name,
		replySerial: call.serial,
	}
	if message != "" {
		msg.AppendArgs(message)
	}
	return msg
}

// NewSignalMessage creates a signal message.
func NewSignalMessage(path ObjectPath, iface string, member string) *Message {
	return &Message{
		Type:     TypeSignal,
		Protocol: protocolVersion,
		Path:     path,
		Iface:    iface,
		Member:   member,
	}
}

func (p *Message) Serial() uint32      { return p.serial }
func (p *Message) ReplySerial() uint32 { return p.replySerial }

func (p *Message) setSerial(serial uint32) { p.serial = serial }

// AppendArgs adds values to the message body, extending the body
// signature to match.
func (p *Message) AppendArgs(args ...interface{}) error {
	sig, err := SignatureOfValues(args...)
	if err != nil {
		return err
	}
	p.Sig += sig
	p.Params = append(p.Params, args...)
	return nil
}

// GetArgs decodes the message body into the given pointers.
func (p *Message) GetArgs(args ...interface{}) error {
	if p.body != nil {
		n, err := Decode(EncodeContext{Order: p.order}, p.Sig, p.body, p.Fds, args...)
		if err != nil {
			return err
		}
		if n != len(p.body) {
			return InvalidMessageError("body length does not match its signature")
		}
		return nil
	}
	if len(args) != len(p.Params) {
		return FormatError("argument count does not match message body")
	}
	for i, arg := range args {
		v := reflect.ValueOf(arg)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			return FormatError("decode targets must be non-nil pointers")
		}
		if err := store(v.Elem(), p.Params[i]); err != nil {
			return err
		}
	}
	return nil
}

// AllArgs decodes the whole body into its dynamic form.
func (p *Message) AllArgs() ([]interface{}, error) {
	if p.body == nil {
		return p.Params, nil
	}
	out, n, err := decodeDynamic(EncodeContext{Order: p.order}, p.Sig, p.body, p.Fds)
	if err == nil && n != len(p.body) {
		return nil, InvalidMessageError("body length does not match its signature")
	}
	return out, err
}

// AsError converts an error message into an *Error.
func (p *Message) AsError() error {
	if p.Type != TypeError {
		return nil
	}
	body, err := p.AllArgs()
	if err != nil {
		return err
	}
	return &Error{Name: p.ErrorName, Body: body}
}

type headerField struct {
	Code  byte
	Value Variant
}

// validate checks the required-field set for the message type.
func (p *Message) validate() error {
	switch p.Type {
	case TypeMethodCall:
		if p.Path == "" {
			return &MissingHeaderError{Field: "path"}
		}
		if p.Member == "" {
			return &MissingHeaderError{Field: "member"}
		}
	case TypeMethodReturn:
		if p.replySerial == 0 {
			return &MissingHeaderError{Field: "reply-serial"}
		}
	case TypeError:
		if p.ErrorName == "" {
			return &MissingHeaderError{Field: "error-name"}
		}
		if p.replySerial == 0 {
			return &MissingHeaderError{Field: "reply-serial"}
		}
	case TypeSignal:
		if p.Path == "" {
			return &MissingHeaderError{Field: "path"}
		}
		if p.Iface == "" {
			return &MissingHeaderError{Field: "interface"}
		}
		if p.Member == "" {
			return &MissingHeaderError{Field: "member"}
		}
	default:
		return InvalidMessageError("unknown message type")
	}
	return nil
}

func (p *Message) headerFields(fdCount int) []headerField {
	var fields []headerField
	add := func(code byte, v Variant) {
		fields = append(fields, headerField{Code: code, Value: v})
	}
	if p.Path != "" {
		add(fieldPath, MakeVariant(p.Path))
	}
	if p.Iface != "" {
		add(fieldInterface, MakeVariant(p.Iface))
	}
	if p.Member != "" {
		add(fieldMember, MakeVariant(p.Member))
	}
	if p.ErrorName != "" {
		add(fieldErrorName, MakeVariant(p.ErrorName))
	}
	if p.replySerial != 0 {
		add(fieldReplySerial, MakeVariant(p.replySerial))
	}
	if p.Dest != "" {
		add(fieldDestination, MakeVariant(p.Dest))
	}
	if p.Sender != "" {
		add(fieldSender, MakeVariant(p.Sender))
	}
	if p.Sig != "" {
		add(fieldSignature, MakeVariant(p.Sig))
	}
	if fdCount > 0 {
		add(fieldUnixFds, MakeVariant(uint32(fdCount)))
	}
	return fields
}

// Marshal encodes the complete frame in the given byte order and returns
// the bytes plus the fd table to transmit alongside. The caller keeps
// ownership of the descriptors until the transport reports them sent.
func (p *Message) Marshal(order binary.ByteOrder) ([]byte, []int, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}
	if p.serial == 0 {
		return nil, nil, InvalidMessageError("serial must not be zero")
	}
	if order == nil {
		order = binary.LittleEndian
	}

	body, fds, err := marshalBody(order, p.Sig, p.Params)
	if err != nil {
		return nil, nil, err
	}

	fields := p.headerFields(len(fds))
	if len(fields) > maxHeaderField {
		return nil, nil, ErrTooManyFields
	}
	fieldBytes, _, err := Encode(EncodeContext{Order: order, Offset: 12}, "a(yv)", fields)
	if err != nil {
		return nil, nil, err
	}

	var endianFlag byte = 'l'
	if order == binary.BigEndian {
		endianFlag = 'B'
	}
	buf := make([]byte, 0, alignUp(12+len(fieldBytes), 8)+len(body))
	buf = append(buf, endianFlag, byte(p.Type), byte(p.Flags), protocolVersion)
	var word [4]byte
	order.PutUint32(word[:], uint32(len(body)))
	buf = append(buf, word[:]...)
	order.PutUint32(word[:], p.serial)
	buf = append(buf, word[:]...)
	buf = append(buf, fieldBytes...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, body...)

	if len(buf) > maxMessageSize {
		return nil, nil, ErrMessageTooLarge
	}
	return buf, fds, nil
}

// frameSize inspects the first 16 bytes of a frame and returns the total
// frame length.
func frameSize(head []byte) (int, error) {
	order, err := frameOrder(head[0])
	if err != nil {
		return 0, err
	}
	bodyLen := int(order.Uint32(head[4:8]))
	fieldsLen := int(order.Uint32(head[12:16]))
	total := alignUp(16+fieldsLen, 8) + bodyLen
	if total > maxMessageSize {
		return 0, ErrMessageTooLarge
	}
	return total, nil
}

func frameOrder(flag byte) (binary.ByteOrder, error) {
	switch flag {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	}
	return nil, InvalidMessageError("unknown endianness flag")
}

// UnmarshalMessage parses a complete frame. fds holds descriptors received
// out of band; the message takes ownership of the first unix-fd-count of
// them and leaves any others to the caller.
func UnmarshalMessage(frame []byte, fds []int) (*Message, error) {
	if len(frame) < 16 {
		return nil, ErrTruncated
	}
	order, err := frameOrder(frame[0])
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Type:     MessageType(frame[1]),
		Flags:    MessageFlag(frame[2]),
		Protocol: frame[3],
		order:    order,
	}
	if msg.Protocol != protocolVersion {
		return nil, InvalidMessageError("unsupported protocol version")
	}
	if msg.Type == TypeInvalid || msg.Type > TypeSignal {
		return nil, InvalidMessageError("unknown message type")
	}
	bodyLen := int(order.Uint32(frame[4:8]))
	msg.serial = order.Uint32(frame[8:12])
	if msg.serial == 0 {
		return nil, InvalidMessageError("serial must not be zero")
	}
	fieldsLen := int(order.Uint32(frame[12:16]))
	bodyStart := alignUp(16+fieldsLen, 8)
	if len(frame) != bodyStart+bodyLen {
		return nil, ErrTruncated
	}

	var fields []headerField
	if _, err := Decode(EncodeContext{Order: order, Offset: 12}, "a(yv)", frame[12:16+fieldsLen], nil, &fields); err != nil {
		return nil, err
	}
	if len(fields) > maxHeaderField {
		return nil, ErrTooManyFields
	}
	for _, pad := range frame[16+fieldsLen : bodyStart] {
		if pad != 0 {
			return nil, ErrPaddingNotZero
		}
	}

	var fdCount uint32
	haveFdCount := false
	for _, field := range fields {
		switch field.Code {
		case fieldPath:
			if path, ok := field.Value.Value.(ObjectPath); ok {
				msg.Path = path
			}
		case fieldInterface:
			msg.Iface, _ = field.Value.Value.(string)
		case fieldMember:
			msg.Member, _ = field.Value.Value.(string)
		case fieldErrorName:
			msg.ErrorName, _ = field.Value.Value.(string)
		case fieldReplySerial:
			msg.replySerial, _ = field.Value.Value.(uint32)
		case fieldDestination:
			msg.Dest, _ = field.Value.Value.(string)
		case fieldSender:
			msg.Sender, _ = field.Value.Value.(string)
		case fieldSignature:
			if sig, ok := field.Value.Value.(Signature); ok {
				msg.Sig = sig
			}
		case fieldUnixFds:
			fdCount, _ = field.Value.Value.(uint32)
			haveFdCount = true
		}
	}

	if err := msg.validate(); err != nil {
		return nil, err
	}
	if bodyLen > 0 && msg.Sig == "" {
		return nil, &MissingHeaderError{Field: "body-signature"}
	}
	if !haveFdCount && len(fds) > 0 {
		return nil, &MissingHeaderError{Field: "unix-fd-count"}
	}
	if int(fdCount) > len(fds) {
		return nil, InvalidMessageError("unix-fd-count exceeds descriptors received")
	}

	msg.body = frame[bodyStart:]
	// The message owns exactly the descriptors its header declares;
	// surplus entries stay with the caller.
	msg.Fds = fds[:fdCount]
	return msg, nil
}
