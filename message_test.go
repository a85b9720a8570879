package dbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testMessage = []byte{
	'l', // Byte order
	1,   // Message type
	0,   // Flags
	1,   // Protocol
	8, 0, 0, 0, // Body length
	1, 0, 0, 0, // Serial
	127, 0, 0, 0, // Header fields array length
	1, 1, 'o', 0, // Path, type OBJECT_PATH
	21, 0, 0, 0, '/', 'o', 'r', 'g', '/', 'f', 'r', 'e', 'e', 'd', 'e', 's', 'k', 't', 'o', 'p', '/', 'D', 'B', 'u', 's', 0,
	0, 0,
	2, 1, 's', 0, // Interface, type STRING
	20, 0, 0, 0, 'o', 'r', 'g', '.', 'f', 'r', 'e', 'e', 'd', 'e', 's', 'k', 't', 'o', 'p', '.', 'D', 'B', 'u', 's', 0,
	0, 0, 0,
	3, 1, 's', 0, // Member, type STRING
	12, 0, 0, 0, 'N', 'a', 'm', 'e', 'H', 'a', 's', 'O', 'w', 'n', 'e', 'r', 0,
	0, 0, 0,
	6, 1, 's', 0, // Destination, type STRING
	20, 0, 0, 0, 'o', 'r', 'g', '.', 'f', 'r', 'e', 'e', 'd', 'e', 's', 'k', 't', 'o', 'p', '.', 'D', 'B', 'u', 's', 0,
	0, 0, 0,
	8, 1, 'g', 0, // Signature, type SIGNATURE
	1, 's', 0,
	0,
	// Message body
	3, 0, 0, 0,
	'x', 'y', 'z', 0}

func TestUnmarshalMessage(t *testing.T) {
	msg, err := UnmarshalMessage(testMessage, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeMethodCall {
		t.Error("type:", msg.Type)
	}
	if msg.Path != "/org/freedesktop/DBus" {
		t.Error("path:", msg.Path)
	}
	if msg.Dest != "org.freedesktop.DBus" {
		t.Error("dest:", msg.Dest)
	}
	if msg.Iface != "org.freedesktop.DBus" {
		t.Error("iface:", msg.Iface)
	}
	if msg.Member != "NameHasOwner" {
		t.Error("member:", msg.Member)
	}
	if msg.Sig != "s" {
		t.Error("signature:", msg.Sig)
	}
	if msg.Serial() != 1 {
		t.Error("serial:", msg.Serial())
	}
	args, err := msg.AllArgs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]interface{}{"xyz"}, args); diff != "" {
		t.Errorf("args differ:\n%s", diff)
	}
}

func TestMarshalMessage(t *testing.T) {
	msg := NewMethodCallMessage("org.freedesktop.DBus",
		"/org/freedesktop/DBus", "org.freedesktop.DBus", "NameHasOwner")
	if err := msg.AppendArgs("xyz"); err != nil {
		t.Fatal(err)
	}
	msg.setSerial(1)

	buf, fds, err := msg.Marshal(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if len(fds) != 0 {
		t.Errorf("fds = %v", fds)
	}
	if !bytes.Equal(buf, testMessage) {
		t.Errorf("got  % x\nwant % x", buf, testMessage)
	}
}

// A method call frame with no body round trips through marshal and
// unmarshal with every field intact.
func TestMessageRoundTrip(t *testing.T) {
	msg := NewMethodCallMessage("", "/a", "a.b", "M")
	msg.setSerial(7)
	buf, _, err := msg.Marshal(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	total, err := frameSize(buf[:16])
	if err != nil {
		t.Fatal(err)
	}
	if total != len(buf) {
		t.Fatalf("frameSize = %d, len = %d", total, len(buf))
	}

	parsed, err := UnmarshalMessage(buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Path != "/a" || parsed.Iface != "a.b" || parsed.Member != "M" {
		t.Errorf("parsed %+v", parsed)
	}
	if parsed.Serial() != 7 {
		t.Errorf("serial = %d", parsed.Serial())
	}
	if parsed.Sig != "" {
		t.Errorf("signature = %q", parsed.Sig)
	}
}

func TestMessageRoundTripBigEndian(t *testing.T) {
	msg := NewSignalMessage("/a", "a.b", "Changed")
	msg.AppendArgs(uint32(0xCAFE))
	msg.setSerial(9)
	buf, _, err := msg.Marshal(binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != 'B' {
		t.Fatalf("endian flag = %c", buf[0])
	}
	parsed, err := UnmarshalMessage(buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	var v uint32
	if err := parsed.GetArgs(&v); err != nil {
		t.Fatal(err)
	}
	if v != 0xCAFE {
		t.Fatalf("arg = %#x", v)
	}
}

func TestMessageValidation(t *testing.T) {
	cases := []*Message{
		{Type: TypeMethodCall, Protocol: 1, Member: "M"},                  // no path
		{Type: TypeMethodCall, Protocol: 1, Path: "/a"},                   // no member
		{Type: TypeMethodReturn, Protocol: 1},                            // no reply serial
		{Type: TypeError, Protocol: 1, replySerial: 4},                   // no error name
		{Type: TypeSignal, Protocol: 1, Path: "/a", Member: "M"},         // no interface
		{Type: TypeSignal, Protocol: 1, Iface: "a.b", Member: "M"},       // no path
	}
	for i, msg := range cases {
		msg.setSerial(1)
		if _, _, err := msg.Marshal(binary.LittleEndian); err == nil {
			t.Errorf("case %d: expected a missing-header error", i)
		}
	}

	good := NewMethodCallMessage("", "/a", "", "M")
	if _, _, err := good.Marshal(binary.LittleEndian); err == nil {
		t.Error("expected an error for serial 0")
	}
}

func TestUnmarshalRejectsBadFrames(t *testing.T) {
	msg := NewMethodCallMessage("", "/a", "a.b", "M")
	msg.setSerial(1)
	buf, _, _ := msg.Marshal(binary.LittleEndian)

	bad := append([]byte(nil), buf...)
	bad[0] = 'x'
	if _, err := UnmarshalMessage(bad, nil); err == nil {
		t.Error("bad endian flag accepted")
	}

	bad = append([]byte(nil), buf...)
	bad[3] = 2
	if _, err := UnmarshalMessage(bad, nil); err == nil {
		t.Error("bad protocol version accepted")
	}

	bad = append([]byte(nil), buf...)
	bad[1] = 9
	if _, err := UnmarshalMessage(bad, nil); err == nil {
		t.Error("bad message type accepted")
	}

	if _, err := UnmarshalMessage(buf[:10], nil); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated frame error = %v", err)
	}
}

func TestFrameSizeLimit(t *testing.T) {
	head := make([]byte, 16)
	head[0] = 'l'
	binary.LittleEndian.PutUint32(head[4:], uint32(maxMessageSize))
	if _, err := frameSize(head); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("error = %v, want ErrMessageTooLarge", err)
	}
}

func TestNewErrorMessage(t *testing.T) {
	call := NewMethodCallMessage("", "/a", "a.b", "M")
	call.setSerial(3)
	call.Sender = ":1.7"
	reply := NewErrorMessage(call, "org.freedesktop.DBus.Error.Failed", "boom")
	reply.setSerial(4)
	buf, _, err := reply.Marshal(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := UnmarshalMessage(buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ReplySerial() != 3 || parsed.Dest != ":1.7" {
		t.Fatalf("parsed %+v", parsed)
	}
	dbusErr, ok := parsed.AsError().(*Error)
	if !ok {
		t.Fatalf("AsError = %T", parsed.AsError())
	}
	if dbusErr.Name != "org.freedesktop.DBus.Error.Failed" {
		t.Errorf("name = %s", dbusErr.Name)
	}
}
