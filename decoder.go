package dbus

import (
	"encoding/binary"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"
)

// Decode deserializes data against sig into the given pointers and
// returns the number of bytes consumed. Values decoded into an
// interface{} target take their default dynamic form; "h" items resolve
// through fds into UnixFD values (the decoder shares ownership of those
// descriptors with the caller).
func Decode(ctx EncodeContext, sig Signature, data []byte, fds []int, args ...interface{}) (int, error) {
	if _, err := ParseSignature(string(sig)); err != nil {
		return 0, err
	}
	if ctx.Order == nil {
		ctx.Order = binary.LittleEndian
	}
	if ctx.Format == FormatCompact {
		return decodeCompact(ctx, sig, data, fds, args...)
	}
	sigs := sig.split()
	if len(sigs) != len(args) {
		return 0, FormatError("signature " + string(sig) + " does not match argument count")
	}
	d := &decoder{data: data, order: ctx.Order, start: ctx.Offset, fds: fds}
	for i, arg := range args {
		v := reflect.ValueOf(arg)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			return 0, FormatError("decode targets must be non-nil pointers")
		}
		if err := d.decode(sigs[i], v.Elem(), 0); err != nil {
			return 0, err
		}
	}
	return d.pos, nil
}

// decodeDynamic deserializes each complete type of sig into its default
// dynamic form.
func decodeDynamic(ctx EncodeContext, sig Signature, data []byte, fds []int) ([]interface{}, int, error) {
	sigs := sig.split()
	out := make([]interface{}, len(sigs))
	ptrs := make([]interface{}, len(sigs))
	for i := range out {
		ptrs[i] = &out[i]
	}
	n, err := Decode(ctx, sig, data, fds, ptrs...)
	if err != nil {
		return nil, 0, err
	}
	return out, n, nil
}

type decoder struct {
	data  []byte
	order binary.ByteOrder
	start int
	pos   int
	fds   []int
}

// align consumes padding up to a multiple of n, rejecting non-zero bytes.
func (d *decoder) align(n int) error {
	for (d.start+d.pos)%n != 0 {
		if d.pos >= len(d.data) {
			return ErrTruncated
		}
		if d.data[d.pos] != 0 {
			return ErrPaddingNotZero
		}
		d.pos++
	}
	return nil
}

func (d *decoder) need(n int) error {
	if len(d.data)-d.pos < n {
		return ErrTruncated
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := d.order.Uint16(d.data[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) readUint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := d.order.Uint32(d.data[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) readUint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := d.order.Uint64(d.data[d.pos:])
	d.pos += 8
	return v, nil
}

// readStringBody consumes length content bytes plus the nul terminator.
func (d *decoder) readStringBody(length int) (string, error) {
	if err := d.need(length + 1); err != nil {
		return "", err
	}
	s := string(d.data[d.pos : d.pos+length])
	if d.data[d.pos+length] != 0 {
		return "", ErrMissingNul
	}
	d.pos += length + 1
	if strings.IndexByte(s, 0) != -1 {
		return "", ErrStringInteriorNul
	}
	if !utf8.ValidString(s) {
		return "", ErrStringNotUTF8
	}
	return s, nil
}

func (d *decoder) readString() (string, error) {
	length, err := d.readUint32()
	if err != nil {
		return "", err
	}
	return d.readStringBody(int(length))
}

func (d *decoder) readSignature() (Signature, error) {
	length, err := d.readByte()
	if err != nil {
		return "", err
	}
	s, err := d.readStringBody(int(length))
	if err != nil {
		return "", err
	}
	return ParseSignature(s)
}

// store assigns x to target, which must either be an empty interface or
// have a matching kind.
func store(target reflect.Value, x interface{}) error {
	v := reflect.ValueOf(x)
	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		target.Set(v)
		return nil
	}
	if v.Type() == target.Type() {
		target.Set(v)
		return nil
	}
	if v.Type().ConvertibleTo(target.Type()) && v.Kind() == target.Kind() {
		target.Set(v.Convert(target.Type()))
		return nil
	}
	return FormatError("cannot decode " + v.Type().String() + " into " + target.Type().String())
}

// decode reads one complete value of type sig into target.
func (d *decoder) decode(sig Signature, target reflect.Value, depth int) error {
	if depth > maxContainerNesting {
		return InvalidMessageError("container nesting too deep")
	}
	if target.Kind() == reflect.Ptr {
		if target.IsNil() {
			target.Set(reflect.New(target.Type().Elem()))
		}
		target = target.Elem()
	}

	switch sig[0] {
	case 'y':
		b, err := d.readByte()
		if err != nil {
			return err
		}
		return store(target, b)
	case 'b':
		u, err := d.readUint32()
		if err != nil {
			return err
		}
		if u > 1 {
			return ErrInvalidBoolean
		}
		return store(target, u == 1)
	case 'n':
		u, err := d.readUint16()
		if err != nil {
			return err
		}
		return store(target, int16(u))
	case 'q':
		u, err := d.readUint16()
		if err != nil {
			return err
		}
		return store(target, u)
	case 'i':
		u, err := d.readUint32()
		if err != nil {
			return err
		}
		return store(target, int32(u))
	case 'u':
		u, err := d.readUint32()
		if err != nil {
			return err
		}
		return store(target, u)
	case 'x':
		u, err := d.readUint64()
		if err != nil {
			return err
		}
		return store(target, int64(u))
	case 't':
		u, err := d.readUint64()
		if err != nil {
			return err
		}
		return store(target, u)
	case 'd':
		u, err := d.readUint64()
		if err != nil {
			return err
		}
		return store(target, math.Float64frombits(u))
	case 'h':
		idx, err := d.readUint32()
		if err != nil {
			return err
		}
		if d.fds == nil {
			return store(target, UnixFDIndex(idx))
		}
		if int(idx) >= len(d.fds) {
			return ErrUnknownFd
		}
		return store(target, UnixFD(d.fds[idx]))
	case 's':
		s, err := d.readString()
		if err != nil {
			return err
		}
		return store(target, s)
	case 'o':
		s, err := d.readString()
		if err != nil {
			return err
		}
		path := ObjectPath(s)
		if !path.IsValid() {
			return InvalidMessageError("invalid object path " + s)
		}
		return store(target, path)
	case 'g':
		s, err := d.readSignature()
		if err != nil {
			return err
		}
		return store(target, s)
	case 'v':
		return d.decodeVariant(target, depth)
	case 'a':
		return d.decodeArray(sig, target, depth)
	case '(':
		return d.decodeStruct(sig, target, depth)
	case 'm':
		return InvalidMessageError("maybe types need the compact format")
	}
	return InvalidMessageError("unhandled type code " + string(sig[0]))
}

func (d *decoder) decodeVariant(target reflect.Value, depth int) error {
	sig, err := d.readSignature()
	if err != nil {
		return err
	}
	if len(sig.split()) != 1 {
		return InvalidMessageError("variant signature must hold one complete type")
	}
	var value interface{}
	if err := d.decode(sig, reflect.ValueOf(&value).Elem(), depth+1); err != nil {
		return err
	}
	return store(target, Variant{sig: sig, Value: value})
}

func (d *decoder) decodeArray(sig Signature, target reflect.Value, depth int) error {
	length, err := d.readUint32()
	if err != nil {
		return err
	}
	if length > maxArraySize {
		return ErrArrayTooLarge
	}
	if sig[1] == '{' {
		return d.decodeDict(sig, target, int(length), depth)
	}
	elemSig := Signature(sig[1:])
	if err := d.align(elemSig.Alignment()); err != nil {
		return err
	}
	if size, ok := elemSig.fixedSize(); ok && elemSig[0] != '(' {
		if int(length)%size != 0 {
			return InvalidMessageError("array length is not a multiple of the element size")
		}
	}
	end := d.pos + int(length)
	if end > len(d.data) {
		return ErrTruncated
	}

	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		var out []interface{}
		for d.pos < end {
			var elem interface{}
			if err := d.decode(elemSig, reflect.ValueOf(&elem).Elem(), depth+1); err != nil {
				return err
			}
			out = append(out, elem)
		}
		if d.pos != end {
			return InvalidMessageError("array content overran its declared length")
		}
		target.Set(reflect.ValueOf(out))
		return nil
	}
	if target.Kind() != reflect.Slice {
		return FormatError("cannot decode array into " + target.Type().String())
	}
	slice := reflect.MakeSlice(target.Type(), 0, 0)
	for d.pos < end {
		elem := reflect.New(target.Type().Elem()).Elem()
		if err := d.decode(elemSig, elem, depth+1); err != nil {
			return err
		}
		slice = reflect.Append(slice, elem)
	}
	if d.pos != end {
		return InvalidMessageError("array content overran its declared length")
	}
	target.Set(slice)
	return nil
}

func (d *decoder) decodeDict(sig Signature, target reflect.Value, length, depth int) error {
	keySig := Signature(sig[2:3])
	valSig := Signature(sig[3 : len(sig)-1])
	if err := d.align(8); err != nil {
		return err
	}
	end := d.pos + length
	if end > len(d.data) {
		return ErrTruncated
	}

	mapType := target.Type()
	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		mapType = reflect.MapOf(basicGoType(keySig[0]), typeBlankInterface)
	} else if target.Kind() != reflect.Map {
		return FormatError("cannot decode dict into " + target.Type().String())
	}
	m := reflect.MakeMap(mapType)
	for d.pos < end {
		if err := d.align(8); err != nil {
			return err
		}
		key := reflect.New(mapType.Key()).Elem()
		if err := d.decode(keySig, key, depth+2); err != nil {
			return err
		}
		val := reflect.New(mapType.Elem()).Elem()
		if err := d.decode(valSig, val, depth+2); err != nil {
			return err
		}
		m.SetMapIndex(key, val)
	}
	if d.pos != end {
		return InvalidMessageError("dict content overran its declared length")
	}
	target.Set(m)
	return nil
}

func (d *decoder) decodeStruct(sig Signature, target reflect.Value, depth int) error {
	if err := d.align(8); err != nil {
		return err
	}
	fieldSigs := Signature(sig[1 : len(sig)-1]).split()

	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		out := make([]interface{}, len(fieldSigs))
		for i := range fieldSigs {
			if err := d.decode(fieldSigs[i], reflect.ValueOf(&out[i]).Elem(), depth+1); err != nil {
				return err
			}
		}
		target.Set(reflect.ValueOf(out))
		return nil
	}
	if target.Kind() != reflect.Struct {
		return FormatError("cannot decode struct into " + target.Type().String())
	}
	i := 0
	for f := 0; f < target.NumField(); f++ {
		field := target.Type().Field(f)
		if field.PkgPath != "" || field.Tag.Get("dbus") == "-" {
			continue
		}
		if i >= len(fieldSigs) {
			return FormatError("struct " + target.Type().String() + " has too many fields for " + string(sig))
		}
		if err := d.decode(fieldSigs[i], target.Field(f), depth+1); err != nil {
			return err
		}
		i++
	}
	if i != len(fieldSigs) {
		return FormatError("struct " + target.Type().String() + " has too few fields for " + string(sig))
	}
	return nil
}

// basicGoType maps a basic type code to its default Go representation.
func basicGoType(code byte) reflect.Type {
	switch code {
	case 'y':
		return reflect.TypeOf(byte(0))
	case 'b':
		return reflect.TypeOf(false)
	case 'n':
		return reflect.TypeOf(int16(0))
	case 'q':
		return reflect.TypeOf(uint16(0))
	case 'i':
		return reflect.TypeOf(int32(0))
	case 'u':
		return reflect.TypeOf(uint32(0))
	case 'x':
		return reflect.TypeOf(int64(0))
	case 't':
		return reflect.TypeOf(uint64(0))
	case 'd':
		return reflect.TypeOf(float64(0))
	case 's':
		return reflect.TypeOf("")
	case 'o':
		return typeObjectPath
	case 'g':
		return typeSignature
	case 'h':
		return typeUnixFD
	}
	return typeBlankInterface
}
