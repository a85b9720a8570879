package dbus

import (
	"encoding/binary"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"
)

// Format selects one of the two wire encodings.
type Format int

const (
	// FormatClassic is the aligned, length-prefixed D-Bus encoding.
	FormatClassic Format = iota
	// FormatCompact is the packed encoding with trailing framing offsets.
	FormatCompact
)

// EncodeContext carries the parameters shared by all encode calls: the
// wire format, the byte order and the byte offset the output starts at
// (used only for alignment computation).
type EncodeContext struct {
	Format Format
	Order  binary.ByteOrder
	Offset int
}

// Encode serializes args against sig and returns the produced bytes
// together with the table of file descriptors referenced by the output.
// The caller keeps ownership of the descriptors until the bytes have been
// handed to the transport.
func Encode(ctx EncodeContext, sig Signature, args ...interface{}) ([]byte, []int, error) {
	if _, err := ParseSignature(string(sig)); err != nil {
		return nil, nil, err
	}
	if ctx.Order == nil {
		ctx.Order = binary.LittleEndian
	}
	if ctx.Format == FormatCompact {
		return encodeCompact(ctx, sig, args...)
	}
	enc := newEncoderAtOffset(ctx.Order, ctx.Offset)
	sigs := sig.split()
	if len(sigs) != len(args) {
		return nil, nil, FormatError("signature " + string(sig) + " does not match argument count")
	}
	for i, arg := range args {
		if err := enc.encode(sigs[i], reflect.ValueOf(arg), 0); err != nil {
			return nil, nil, err
		}
	}
	return enc.buf, enc.fds, nil
}

type encoder struct {
	buf   []byte
	order binary.ByteOrder
	start int
	fds   []int
}

func newEncoderAtOffset(order binary.ByteOrder, offset int) *encoder {
	return &encoder{order: order, start: offset}
}

// pos is the running cursor used for alignment: the starting offset plus
// everything written so far.
func (e *encoder) pos() int { return e.start + len(e.buf) }

func (e *encoder) align(n int) {
	for e.pos()%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeUint16(v uint16) {
	var b [2]byte
	e.order.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeUint32(v uint32) {
	var b [4]byte
	e.order.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeUint64(v uint64) {
	var b [8]byte
	e.order.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func checkString(s string) error {
	if !utf8.ValidString(s) {
		return ErrStringNotUTF8
	}
	if strings.IndexByte(s, 0) != -1 {
		return ErrStringInteriorNul
	}
	return nil
}

// writeString writes a 4-byte length, the bytes and a nul terminator.
func (e *encoder) writeString(s string) error {
	if err := checkString(s); err != nil {
		return err
	}
	e.align(4)
	e.writeUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.writeByte(0)
	return nil
}

// writeSignature is like writeString with a single-byte length.
func (e *encoder) writeSignature(s Signature) error {
	if len(s) > maxSignatureLen {
		return sigErr(string(s), 0, "longer than 255 bytes")
	}
	e.writeByte(byte(len(s)))
	e.buf = append(e.buf, s...)
	e.writeByte(0)
	return nil
}

// appendFd records fd in the table and returns its in-band index.
func (e *encoder) appendFd(fd int) (uint32, error) {
	if len(e.fds) >= maxMessageFds {
		return 0, ErrFdTableOverflow
	}
	e.fds = append(e.fds, fd)
	return uint32(len(e.fds) - 1), nil
}

const maxContainerNesting = 64

// encode writes one complete value of type sig.
func (e *encoder) encode(sig Signature, v reflect.Value, depth int) error {
	if depth > maxContainerNesting {
		return FormatError("container nesting too deep")
	}
	if !v.IsValid() {
		return FormatError("cannot encode an untyped nil as " + string(sig))
	}
	for v.Kind() == reflect.Ptr || (v.Kind() == reflect.Interface && sig[0] != 'v') {
		if v.IsNil() {
			return FormatError("cannot encode nil value")
		}
		v = v.Elem()
	}

	switch sig[0] {
	case 'y':
		if v.Kind() != reflect.Uint8 {
			return typeMismatch(sig, v)
		}
		e.writeByte(byte(v.Uint()))
	case 'b':
		if v.Kind() != reflect.Bool {
			return typeMismatch(sig, v)
		}
		e.align(4)
		if v.Bool() {
			e.writeUint32(1)
		} else {
			e.writeUint32(0)
		}
	case 'n':
		if v.Kind() != reflect.Int16 {
			return typeMismatch(sig, v)
		}
		e.align(2)
		e.writeUint16(uint16(v.Int()))
	case 'q':
		if v.Kind() != reflect.Uint16 {
			return typeMismatch(sig, v)
		}
		e.align(2)
		e.writeUint16(uint16(v.Uint()))
	case 'i':
		if v.Kind() != reflect.Int32 {
			return typeMismatch(sig, v)
		}
		e.align(4)
		e.writeUint32(uint32(v.Int()))
	case 'u':
		if v.Kind() != reflect.Uint32 {
			return typeMismatch(sig, v)
		}
		e.align(4)
		e.writeUint32(uint32(v.Uint()))
	case 'x':
		if v.Kind() != reflect.Int64 {
			return typeMismatch(sig, v)
		}
		e.align(8)
		e.writeUint64(uint64(v.Int()))
	case 't':
		if v.Kind() != reflect.Uint64 {
			return typeMismatch(sig, v)
		}
		e.align(8)
		e.writeUint64(v.Uint())
	case 'd':
		if v.Kind() != reflect.Float64 {
			return typeMismatch(sig, v)
		}
		e.align(8)
		e.writeUint64(math.Float64bits(v.Float()))
	case 'h':
		switch v.Type() {
		case typeUnixFD:
			idx, err := e.appendFd(int(v.Int()))
			if err != nil {
				return err
			}
			e.align(4)
			e.writeUint32(idx)
		case typeUnixFDIndex:
			e.align(4)
			e.writeUint32(uint32(v.Uint()))
		default:
			return typeMismatch(sig, v)
		}
	case 's':
		if v.Kind() != reflect.String {
			return typeMismatch(sig, v)
		}
		return e.writeString(v.String())
	case 'o':
		if v.Kind() != reflect.String {
			return typeMismatch(sig, v)
		}
		path := ObjectPath(v.String())
		if !path.IsValid() {
			return FormatError("invalid object path " + v.String())
		}
		return e.writeString(string(path))
	case 'g':
		if v.Kind() != reflect.String {
			return typeMismatch(sig, v)
		}
		if _, err := ParseSignature(v.String()); err != nil {
			return err
		}
		return e.writeSignature(Signature(v.String()))
	case 'v':
		return e.encodeVariant(v, depth)
	case 'a':
		return e.encodeArray(sig, v, depth)
	case '(':
		return e.encodeStruct(sig, v, depth)
	case 'm':
		return FormatError("maybe types need the compact format")
	default:
		return FormatError("unhandled type code " + string(sig[0]))
	}
	return nil
}

func (e *encoder) encodeVariant(v reflect.Value, depth int) error {
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	var variant Variant
	if v.Type() == typeVariant {
		variant = v.Interface().(Variant)
	} else {
		variant = MakeVariant(v.Interface())
	}
	sig, err := variant.Signature()
	if err != nil {
		return err
	}
	if err := e.writeSignature(sig); err != nil {
		return err
	}
	return e.encode(sig, reflect.ValueOf(variant.Value), depth+1)
}

func (e *encoder) encodeArray(sig Signature, v reflect.Value, depth int) error {
	e.align(4)
	lenOff := len(e.buf)
	e.writeUint32(0) // backpatched below
	// Empty arrays still pad to the element alignment.
	if sig[1] == '{' {
		return e.encodeDict(sig, v, lenOff, depth)
	}
	elemSig := Signature(sig[1:])
	e.align(elemSig.Alignment())
	contentStart := len(e.buf)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return typeMismatch(sig, v)
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encode(elemSig, v.Index(i), depth+1); err != nil {
			return err
		}
	}
	return e.patchArrayLen(lenOff, contentStart)
}

func (e *encoder) encodeDict(sig Signature, v reflect.Value, lenOff, depth int) error {
	e.align(8)
	contentStart := len(e.buf)
	keySig := Signature(sig[2:3])
	valSig := Signature(sig[3 : len(sig)-1])
	switch v.Kind() {
	case reflect.Map:
		keys := v.MapKeys()
		sortMapKeys(keys)
		for _, key := range keys {
			e.align(8)
			if err := e.encode(keySig, key, depth+2); err != nil {
				return err
			}
			if err := e.encode(valSig, v.MapIndex(key), depth+2); err != nil {
				return err
			}
		}
	default:
		return typeMismatch(sig, v)
	}
	return e.patchArrayLen(lenOff, contentStart)
}

// patchArrayLen fills the length word at lenOff with the number of bytes
// written since contentStart.
func (e *encoder) patchArrayLen(lenOff, contentStart int) error {
	n := len(e.buf) - contentStart
	if n > maxArraySize {
		return ErrArrayTooLarge
	}
	e.order.PutUint32(e.buf[lenOff:lenOff+4], uint32(n))
	return nil
}

func (e *encoder) encodeStruct(sig Signature, v reflect.Value, depth int) error {
	e.align(8)
	fieldSigs := Signature(sig[1 : len(sig)-1]).split()
	switch v.Kind() {
	case reflect.Struct:
		if v.Type() == typeVariant || v.Type() == typeMaybe {
			return typeMismatch(sig, v)
		}
		i := 0
		for f := 0; f < v.NumField(); f++ {
			field := v.Type().Field(f)
			if field.PkgPath != "" || field.Tag.Get("dbus") == "-" {
				continue
			}
			if i >= len(fieldSigs) {
				return typeMismatch(sig, v)
			}
			if err := e.encode(fieldSigs[i], v.Field(f), depth+1); err != nil {
				return err
			}
			i++
		}
		if i != len(fieldSigs) {
			return typeMismatch(sig, v)
		}
	case reflect.Slice:
		// A []interface{} may stand in for a struct value.
		if v.Type().Elem() != typeBlankInterface || v.Len() != len(fieldSigs) {
			return typeMismatch(sig, v)
		}
		for i := 0; i < v.Len(); i++ {
			if err := e.encode(fieldSigs[i], v.Index(i), depth+1); err != nil {
				return err
			}
		}
	default:
		return typeMismatch(sig, v)
	}
	return nil
}

func typeMismatch(sig Signature, v reflect.Value) error {
	return FormatError("cannot encode " + v.Type().String() + " as " + string(sig))
}

// sortMapKeys orders keys so encoding a map is deterministic.
func sortMapKeys(keys []reflect.Value) {
	if len(keys) < 2 {
		return
	}
	switch keys[0].Kind() {
	case reflect.Int16, reflect.Int32, reflect.Int64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Int() < keys[j].Int() })
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Uint() < keys[j].Uint() })
	case reflect.Float64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Float() < keys[j].Float() })
	case reflect.String:
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	case reflect.Bool:
		sort.Slice(keys, func(i, j int) bool { return !keys[i].Bool() && keys[j].Bool() })
	}
}

// marshalBody encodes a message body at offset 0 in the classic format.
func marshalBody(order binary.ByteOrder, sig Signature, args []interface{}) ([]byte, []int, error) {
	return Encode(EncodeContext{Order: order}, sig, args...)
}
