package dbus

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Round trip every sample value through both wire formats at several
// starting offsets.
func TestRoundTrip(t *testing.T) {
	type inner struct {
		Num  uint32
		Name string
	}
	samples := []struct {
		sig Signature
		val interface{}
	}{
		{"y", byte(0xAB)},
		{"b", true},
		{"n", int16(-2)},
		{"q", uint16(2)},
		{"i", int32(-70000)},
		{"u", uint32(0x11223344)},
		{"x", int64(-1 << 40)},
		{"t", uint64(1 << 60)},
		{"d", 3.25},
		{"s", "hello world"},
		{"s", ""},
		{"o", ObjectPath("/org/freedesktop/DBus")},
		{"g", Signature("a{sv}")},
		{"ai", []int32{1, 2, 3}},
		{"at", []uint64{}},
		{"as", []string{"a", "bc", ""}},
		{"aai", [][]int32{{1}, {2, 3}}},
		{"a{sb}", map[string]bool{"on": true, "off": false}},
		{"a{uu}", map[uint32]uint32{1: 2, 3: 4}},
		{"(us)", inner{42, "x"}},
		{"a(us)", []inner{{1, "a"}, {2, "b"}}},
		{"v", MakeVariant(int32(7))},
		{"v", MakeVariant("text")},
	}
	formats := []Format{FormatClassic, FormatCompact}
	for _, format := range formats {
		for _, offset := range []int{0, 1, 3, 7} {
			ctx := EncodeContext{Format: format, Offset: offset}
			for _, tc := range samples {
				data, fds, err := Encode(ctx, tc.sig, tc.val)
				if err != nil {
					t.Errorf("format %d offset %d: Encode(%q): %v", format, offset, tc.sig, err)
					continue
				}
				target := reflect.New(reflect.TypeOf(tc.val))
				n, err := Decode(ctx, tc.sig, data, fds, target.Interface())
				if err != nil {
					t.Errorf("format %d offset %d: Decode(%q): %v", format, offset, tc.sig, err)
					continue
				}
				if n != len(data) {
					t.Errorf("format %d offset %d: Decode(%q) consumed %d of %d",
						format, offset, tc.sig, n, len(data))
				}
				got := target.Elem().Interface()
				opts := []cmp.Option{
					cmp.AllowUnexported(Variant{}),
					cmpopts.EquateEmpty(),
				}
				if diff := cmp.Diff(tc.val, got, opts...); diff != "" {
					t.Errorf("format %d offset %d: round trip of %q differs:\n%s",
						format, offset, tc.sig, diff)
				}
			}
		}
	}
}

func TestDecodeDynamic(t *testing.T) {
	data := mustEncode(t, EncodeContext{}, "v", MakeVariant([]string{"x", "y"}))
	var v Variant
	if _, err := Decode(EncodeContext{}, "v", data, nil, &v); err != nil {
		t.Fatal(err)
	}
	got, ok := v.Value.([]interface{})
	if !ok || len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("variant value = %#v", v.Value)
	}
	if sig, _ := v.Signature(); sig != "as" {
		t.Fatalf("variant signature = %q", sig)
	}
}

func TestDecodeRejectsNonZeroPadding(t *testing.T) {
	data := mustEncode(t, EncodeContext{}, "yu", byte(1), uint32(2))
	data[1] = 0xFF // corrupt a padding byte
	var b byte
	var u uint32
	if _, err := Decode(EncodeContext{}, "yu", data, nil, &b, &u); !errors.Is(err, ErrPaddingNotZero) {
		t.Fatalf("error = %v, want ErrPaddingNotZero", err)
	}
}

func TestDecodeRejectsBadBoolean(t *testing.T) {
	var b bool
	if _, err := Decode(EncodeContext{}, "b", []byte{2, 0, 0, 0}, nil, &b); !errors.Is(err, ErrInvalidBoolean) {
		t.Fatalf("error = %v, want ErrInvalidBoolean", err)
	}
}

func TestDecodeRejectsMissingNul(t *testing.T) {
	var s string
	data := []byte{3, 0, 0, 0, 'f', 'o', 'o', 7}
	if _, err := Decode(EncodeContext{}, "s", data, nil, &s); !errors.Is(err, ErrMissingNul) {
		t.Fatalf("error = %v, want ErrMissingNul", err)
	}
}

func TestDecodeRejectsBadUTF8(t *testing.T) {
	var s string
	data := []byte{2, 0, 0, 0, 0xff, 0xfe, 0}
	if _, err := Decode(EncodeContext{}, "s", data, nil, &s); !errors.Is(err, ErrStringNotUTF8) {
		t.Fatalf("error = %v, want ErrStringNotUTF8", err)
	}
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	var u uint32
	if _, err := Decode(EncodeContext{}, "u", []byte{1, 2}, nil, &u); !errors.Is(err, ErrTruncated) {
		t.Fatalf("error = %v, want ErrTruncated", err)
	}
}

func TestDecodeRejectsBadArrayLength(t *testing.T) {
	// Array of uint32 whose byte length is not a multiple of four.
	data := []byte{3, 0, 0, 0, 1, 2, 3}
	var out []uint32
	if _, err := Decode(EncodeContext{}, "au", data, nil, &out); err == nil {
		t.Fatal("expected an error for a misaligned array length")
	}
}

func TestDecodeFdResolution(t *testing.T) {
	data, table, err := Encode(EncodeContext{}, "h", UnixFD(5))
	if err != nil {
		t.Fatal(err)
	}
	var fd UnixFD
	if _, err := Decode(EncodeContext{}, "h", data, []int{31}, &fd); err != nil {
		t.Fatal(err)
	}
	if fd != 31 {
		t.Fatalf("fd = %d, want 31", fd)
	}
	if table[0] != 5 {
		t.Fatalf("fd table = %v", table)
	}

	// An index past the table is rejected.
	var bad UnixFD
	if _, err := Decode(EncodeContext{}, "h", []byte{9, 0, 0, 0}, []int{31}, &bad); !errors.Is(err, ErrUnknownFd) {
		t.Fatalf("error = %v, want ErrUnknownFd", err)
	}

	// Without a table the raw index is surfaced.
	var idx UnixFDIndex
	if _, err := Decode(EncodeContext{}, "h", data, nil, &idx); err != nil {
		t.Fatal(err)
	}
	if idx != 0 {
		t.Fatalf("index = %d, want 0", idx)
	}
}

func TestDecodeIntoStruct(t *testing.T) {
	type reply struct {
		Code uint32
		Text string
	}
	data := mustEncode(t, EncodeContext{}, "(us)", reply{200, "ok"})
	var out reply
	if _, err := Decode(EncodeContext{}, "(us)", data, nil, &out); err != nil {
		t.Fatal(err)
	}
	if out.Code != 200 || out.Text != "ok" {
		t.Fatalf("decoded %+v", out)
	}
}
