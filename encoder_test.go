package dbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustEncode(t *testing.T, ctx EncodeContext, sig Signature, args ...interface{}) []byte {
	t.Helper()
	data, _, err := Encode(ctx, sig, args...)
	if err != nil {
		t.Fatalf("Encode(%q): %v", sig, err)
	}
	return data
}

func TestEncodeBasics(t *testing.T) {
	ctx := EncodeContext{}
	cases := []struct {
		sig  Signature
		arg  interface{}
		want []byte
	}{
		{"y", byte(42), []byte{42}},
		{"b", true, []byte{1, 0, 0, 0}},
		{"b", false, []byte{0, 0, 0, 0}},
		{"n", int16(42), []byte{42, 0}},
		{"q", uint16(42), []byte{42, 0}},
		{"i", int32(42), []byte{42, 0, 0, 0}},
		{"u", uint32(42), []byte{42, 0, 0, 0}},
		{"x", int64(42), []byte{42, 0, 0, 0, 0, 0, 0, 0}},
		{"t", uint64(42), []byte{42, 0, 0, 0, 0, 0, 0, 0}},
		{"d", float64(42), []byte{0, 0, 0, 0, 0, 0, 69, 64}},
		{"s", "hello", []byte{5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o', 0}},
		{"g", Signature("s"), []byte{1, 's', 0}},
		{"ai", []int32{42, 420}, []byte{8, 0, 0, 0, 42, 0, 0, 0, 164, 1, 0, 0}},
	}
	for _, tc := range cases {
		got := mustEncode(t, ctx, tc.sig, tc.arg)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("Encode(%q, %v) = % x, want % x", tc.sig, tc.arg, got, tc.want)
		}
	}
}

// The offset shifts alignment only: a uint32 at offset 1 needs three
// bytes of zero padding first.
func TestEncodeAtOffset(t *testing.T) {
	got := mustEncode(t, EncodeContext{}, "u", uint32(0x11223344))
	if want := []byte{0x44, 0x33, 0x22, 0x11}; !bytes.Equal(got, want) {
		t.Fatalf("offset 0: got % x, want % x", got, want)
	}
	got = mustEncode(t, EncodeContext{Offset: 1}, "u", uint32(0x11223344))
	if want := []byte{0, 0, 0, 0x44, 0x33, 0x22, 0x11}; !bytes.Equal(got, want) {
		t.Fatalf("offset 1: got % x, want % x", got, want)
	}
}

func TestEncodeBigEndian(t *testing.T) {
	got := mustEncode(t, EncodeContext{Order: binary.BigEndian}, "u", uint32(0x11223344))
	if want := []byte{0x11, 0x22, 0x33, 0x44}; !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestEncodeString(t *testing.T) {
	got := mustEncode(t, EncodeContext{}, "s", "foo")
	want := []byte{3, 0, 0, 0, 'f', 'o', 'o', 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestEncodeVariantByte(t *testing.T) {
	got := mustEncode(t, EncodeContext{}, "v", MakeVariant(byte(0xAB)))
	want := []byte{1, 'y', 0, 0xAB}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

// An empty array of an 8-aligned element type still pads to the element
// alignment after the length word.
func TestEncodeEmptyUint64Array(t *testing.T) {
	got := mustEncode(t, EncodeContext{}, "at", []uint64{})
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestEncodeDict(t *testing.T) {
	got := mustEncode(t, EncodeContext{}, "a{sb}", map[string]bool{"true": true})
	want := []byte{
		16, 0, 0, 0, // array content length
		0, 0, 0, 0, // padding to 8
		4, 0, 0, 0, 't', 'r', 'u', 'e', 0, // "true"
		0, 0, 0, // padding to 4
		1, 0, 0, 0, // true
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestEncodeStruct(t *testing.T) {
	type sample struct {
		One int32
		Two string
	}
	got := mustEncode(t, EncodeContext{}, "(is)", sample{42, "hello"})
	want := []byte{
		42, 0, 0, 0,
		5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o', 0,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestEncodeAlignmentSequence(t *testing.T) {
	got := mustEncode(t, EncodeContext{}, "ynbix",
		byte(42), int16(42), true, int32(42), int64(42))
	want := []byte{
		42,          // byte
		0,           // padding to 2
		42, 0,       // int16
		1, 0, 0, 0,  // bool
		42, 0, 0, 0, // int32
		0, 0, 0, 0,  // padding to 8
		42, 0, 0, 0, 0, 0, 0, 0, // int64
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

// Map encoding sorts keys, so output is deterministic.
func TestEncodeDeterministic(t *testing.T) {
	m := map[string]int32{"a": 1, "b": 2, "c": 3, "d": 4}
	first := mustEncode(t, EncodeContext{}, "a{si}", m)
	for i := 0; i < 16; i++ {
		if diff := cmp.Diff(first, mustEncode(t, EncodeContext{}, "a{si}", m)); diff != "" {
			t.Fatalf("encoding not deterministic:\n%s", diff)
		}
	}
}

func TestEncodeFdIndices(t *testing.T) {
	data, fds, err := Encode(EncodeContext{}, "hh", UnixFD(7), UnixFD(9))
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0, 0, 0, 0, 1, 0, 0, 0}; !bytes.Equal(data, want) {
		t.Fatalf("got % x, want % x", data, want)
	}
	if len(fds) != 2 || fds[0] != 7 || fds[1] != 9 {
		t.Fatalf("fd table = %v", fds)
	}
}

func TestEncodeErrors(t *testing.T) {
	cases := []struct {
		sig  Signature
		arg  interface{}
		want error
	}{
		{"s", "interior\x00nul", ErrStringInteriorNul},
		{"s", string([]byte{0xff, 0xfe}), ErrStringNotUTF8},
	}
	for _, tc := range cases {
		_, _, err := Encode(EncodeContext{}, tc.sig, tc.arg)
		if !errors.Is(err, tc.want) {
			t.Errorf("Encode(%q) error = %v, want %v", tc.sig, err, tc.want)
		}
	}
	if _, _, err := Encode(EncodeContext{}, "u", "not a number"); err == nil {
		t.Error("expected a signature mismatch error")
	}
	if _, _, err := Encode(EncodeContext{}, "o", "not-a-path"); err == nil {
		t.Error("expected an invalid path error")
	}
}

// Every padding byte the encoder emits is zero.
func TestEncodePaddingIsZero(t *testing.T) {
	type padded struct {
		A byte
		B uint64
		C string
		D uint64
	}
	data := mustEncode(t, EncodeContext{Offset: 3}, "(ytst)", padded{1, 2, "x", 3})
	n, err := Decode(EncodeContext{Offset: 3}, "(ytst)", data, nil, &padded{})
	if err != nil {
		t.Fatalf("decode rejected encoder output: %v", err)
	}
	if n != len(data) {
		t.Fatalf("decode consumed %d of %d bytes", n, len(data))
	}
}
