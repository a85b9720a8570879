package dbus

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"
)

// The compact format packs values without length prefixes. Variable-width
// elements inside a container are located through a table of framing
// offsets appended to the container; each offset points to the byte just
// past its element, relative to the container start. The offset width (1,
// 2, 4 or 8 bytes) is the smallest one whose range covers the container's
// total serialized size, so the decoder can rederive it from the size
// alone.

// gvAlignment is the compact-format alignment of the head type of sig.
func gvAlignment(sig Signature) int {
	switch sig[0] {
	case 'y', 's', 'o', 'g':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h':
		return 4
	case 'x', 't', 'd', 'v':
		return 8
	case 'a':
		if sig[1] == '{' {
			return gvStructAlignment(Signature(sig[2 : len(sig)-1]))
		}
		return gvAlignment(sig[1:])
	case 'm':
		return gvAlignment(sig[1:])
	case '(':
		return gvStructAlignment(Signature(sig[1 : len(sig)-1]))
	}
	return 1
}

func gvStructAlignment(fields Signature) int {
	algn := 1
	for _, f := range fields.split() {
		if a := gvAlignment(f); a > algn {
			algn = a
		}
	}
	return algn
}

// gvFixedSize returns the serialized size of sig in the compact format if
// it does not depend on the value.
func gvFixedSize(sig Signature) (int, bool) {
	switch sig[0] {
	case 'y':
		return 1, true
	case 'n', 'q':
		return 2, true
	case 'b', 'i', 'u', 'h':
		return 4, true
	case 'x', 't', 'd':
		return 8, true
	case '(', '{':
		inner := Signature(sig[1 : len(sig)-1])
		size := 0
		for _, f := range inner.split() {
			fs, ok := gvFixedSize(f)
			if !ok {
				return 0, false
			}
			size = alignUp(size, gvAlignment(f)) + fs
		}
		return alignUp(size, gvStructAlignment(inner)), true
	}
	return 0, false
}

// offsetSizeFor picks the offset width for a container whose content
// (without the table) is contentLen bytes and which needs k offsets.
func offsetSizeFor(contentLen, k int) int {
	for _, z := range []int{1, 2, 4, 8} {
		total := contentLen + k*z
		if uint64(total) <= offsetMax(z) {
			return z
		}
	}
	return 8
}

// offsetSizeOf rederives the offset width from a container's total size.
func offsetSizeOf(total int) int {
	switch {
	case uint64(total) <= offsetMax(1):
		return 1
	case uint64(total) <= offsetMax(2):
		return 2
	case uint64(total) <= offsetMax(4):
		return 4
	}
	return 8
}

func offsetMax(z int) uint64 {
	switch z {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	}
	return math.MaxUint64
}

type gvEncoder struct {
	enc encoder
}

func encodeCompact(ctx EncodeContext, sig Signature, args ...interface{}) ([]byte, []int, error) {
	g := &gvEncoder{encoder{order: ctx.Order, start: ctx.Offset}}
	sigs := sig.split()
	if len(sigs) != len(args) {
		return nil, nil, FormatError("signature " + string(sig) + " does not match argument count")
	}
	if len(sigs) == 1 {
		if err := g.encodeValue(sigs[0], reflect.ValueOf(args[0]), 0); err != nil {
			return nil, nil, err
		}
		return g.enc.buf, g.enc.fds, nil
	}
	// Multiple top-level types serialize like the fields of a struct.
	if err := g.encodeFields(sigs, func(i int) (reflect.Value, error) {
		return reflect.ValueOf(args[i]), nil
	}, 0, 0); err != nil {
		return nil, nil, err
	}
	return g.enc.buf, g.enc.fds, nil
}

func (g *gvEncoder) encodeValue(sig Signature, v reflect.Value, depth int) error {
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
	e := &g.enc
	e.align(gvAlignment(sig))

	switch sig[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h':
		// Fixed-width primitives share the classic layout.
		return e.encode(sig, v, depth)
	case 's', 'o', 'g':
		if v.Kind() != reflect.String {
			return typeMismatch(sig, v)
		}
		s := v.String()
		if err := checkString(s); err != nil {
			return err
		}
		if sig[0] == 'o' && !ObjectPath(s).IsValid() {
			return FormatError("invalid object path " + s)
		}
		e.buf = append(e.buf, s...)
		e.writeByte(0)
		return nil
	case 'v':
		return g.encodeVariant(v, depth)
	case 'm':
		return g.encodeMaybe(sig, v, depth)
	case 'a':
		return g.encodeArray(sig, v, depth)
	case '(':
		fieldSigs := Signature(sig[1 : len(sig)-1]).split()
		return g.encodeStructValue(fieldSigs, v, depth)
	}
	return FormatError("unhandled type code " + string(sig[0]))
}

// encodeFields writes a field sequence and its framing-offset table.
// field(i) yields the i-th value.
func (g *gvEncoder) encodeFields(sigs []Signature, field func(int) (reflect.Value, error), containerStart, depth int) error {
	e := &g.enc
	var ends []int
	for i, fsig := range sigs {
		v, err := field(i)
		if err != nil {
			return err
		}
		if err := g.encodeValue(fsig, v, depth+1); err != nil {
			return err
		}
		if _, fixed := gvFixedSize(fsig); !fixed {
			ends = append(ends, len(e.buf)-containerStart)
		}
	}
	return g.appendOffsets(containerStart, ends)
}

func (g *gvEncoder) appendOffsets(containerStart int, ends []int) error {
	e := &g.enc
	if len(ends) == 0 {
		return nil
	}
	contentLen := len(e.buf) - containerStart
	z := offsetSizeFor(contentLen, len(ends))
	for _, end := range ends {
		switch z {
		case 1:
			e.writeByte(byte(end))
		case 2:
			e.writeUint16(uint16(end))
		case 4:
			e.writeUint32(uint32(end))
		default:
			e.writeUint64(uint64(end))
		}
	}
	return nil
}

func (g *gvEncoder) encodeStructValue(fieldSigs []Signature, v reflect.Value, depth int) error {
	e := &g.enc
	inner := Signature(joinSignatures(fieldSigs))
	e.align(gvStructAlignment(inner))
	containerStart := len(e.buf)
	// Fixed-size structs occupy their full aligned size on the wire.
	padToFixed := func(err error) error {
		if err != nil {
			return err
		}
		if size, fixed := gvFixedSize(Signature("(" + inner + ")")); fixed {
			for len(e.buf)-containerStart < size {
				e.writeByte(0)
			}
		}
		return nil
	}
	switch v.Kind() {
	case reflect.Struct:
		var fields []reflect.Value
		for f := 0; f < v.NumField(); f++ {
			sf := v.Type().Field(f)
			if sf.PkgPath != "" || sf.Tag.Get("dbus") == "-" {
				continue
			}
			fields = append(fields, v.Field(f))
		}
		if len(fields) != len(fieldSigs) {
			return typeMismatch("("+inner+")", v)
		}
		return padToFixed(g.encodeFields(fieldSigs, func(i int) (reflect.Value, error) {
			return fields[i], nil
		}, containerStart, depth))
	case reflect.Slice:
		if v.Type().Elem() != typeBlankInterface || v.Len() != len(fieldSigs) {
			return typeMismatch("("+inner+")", v)
		}
		return padToFixed(g.encodeFields(fieldSigs, func(i int) (reflect.Value, error) {
			return v.Index(i), nil
		}, containerStart, depth))
	}
	return typeMismatch("("+inner+")", v)
}

func (g *gvEncoder) encodeArray(sig Signature, v reflect.Value, depth int) error {
	e := &g.enc
	containerStart := len(e.buf)
	if sig[1] == '{' {
		return g.encodeDict(sig, v, containerStart, depth)
	}
	elemSig := Signature(sig[1:])
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return typeMismatch(sig, v)
	}
	_, fixed := gvFixedSize(elemSig)
	var ends []int
	for i := 0; i < v.Len(); i++ {
		if err := g.encodeValue(elemSig, v.Index(i), depth+1); err != nil {
			return err
		}
		if !fixed {
			ends = append(ends, len(e.buf)-containerStart)
		}
	}
	return g.appendOffsets(containerStart, ends)
}

func (g *gvEncoder) encodeDict(sig Signature, v reflect.Value, containerStart, depth int) error {
	e := &g.enc
	if v.Kind() != reflect.Map {
		return typeMismatch(sig, v)
	}
	keySig := Signature(sig[2:3])
	valSig := Signature(sig[3 : len(sig)-1])
	entrySigs := []Signature{keySig, valSig}
	entrySize, entryFixed := gvFixedSize("(" + keySig + valSig + ")")
	keys := v.MapKeys()
	sortMapKeys(keys)
	var ends []int
	for _, key := range keys {
		e.align(gvStructAlignment(keySig + valSig))
		entryStart := len(e.buf)
		err := g.encodeFields(entrySigs, func(i int) (reflect.Value, error) {
			if i == 0 {
				return key, nil
			}
			return v.MapIndex(key), nil
		}, entryStart, depth+1)
		if err != nil {
			return err
		}
		if entryFixed {
			for len(e.buf)-entryStart < entrySize {
				e.writeByte(0)
			}
		} else {
			ends = append(ends, len(e.buf)-containerStart)
		}
	}
	return g.appendOffsets(containerStart, ends)
}

func (g *gvEncoder) encodeVariant(v reflect.Value, depth int) error {
	e := &g.enc
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
	if err := g.encodeValue(sig, reflect.ValueOf(variant.Value), depth+1); err != nil {
		return err
	}
	e.writeByte(0)
	e.buf = append(e.buf, sig...)
	return nil
}

func (g *gvEncoder) encodeMaybe(sig Signature, v reflect.Value, depth int) error {
	e := &g.enc
	childSig := Signature(sig[1:])
	m, ok := v.Interface().(Maybe)
	if !ok {
		return typeMismatch(sig, v)
	}
	if m.Value == nil {
		return nil // Nothing is zero bytes
	}
	if err := g.encodeValue(childSig, reflect.ValueOf(m.Value), depth+1); err != nil {
		return err
	}
	if _, fixed := gvFixedSize(childSig); fixed {
		e.writeByte(0)
	}
	return nil
}

func joinSignatures(sigs []Signature) string {
	var b bytes.Buffer
	for _, s := range sigs {
		b.WriteString(string(s))
	}
	return b.String()
}

// --- decoding ---

type gvDecoder struct {
	data  []byte
	order binary.ByteOrder
	start int
	fds   []int
}

func decodeCompact(ctx EncodeContext, sig Signature, data []byte, fds []int, args ...interface{}) (int, error) {
	d := &gvDecoder{data: data, order: ctx.Order, start: ctx.Offset, fds: fds}
	sigs := sig.split()
	if len(sigs) != len(args) {
		return 0, FormatError("signature " + string(sig) + " does not match argument count")
	}
	targets := make([]reflect.Value, len(args))
	for i, arg := range args {
		v := reflect.ValueOf(arg)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			return 0, FormatError("decode targets must be non-nil pointers")
		}
		targets[i] = v.Elem()
	}
	if len(sigs) == 1 {
		// Leading alignment padding sits outside the value's region.
		lo, err := d.alignCheck(0, gvAlignment(sigs[0]))
		if err != nil {
			return 0, err
		}
		if err := d.decodeValue(sigs[0], lo, len(data), targets[0], 0); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	if err := d.decodeFields(sigs, 0, len(data), targets, 0); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (d *gvDecoder) alignCheck(pos, n int) (int, error) {
	for (d.start+pos)%n != 0 {
		if pos >= len(d.data) {
			return 0, ErrTruncated
		}
		if d.data[pos] != 0 {
			return 0, ErrPaddingNotZero
		}
		pos++
	}
	return pos, nil
}

func (d *gvDecoder) readOffset(pos, z int) int {
	switch z {
	case 1:
		return int(d.data[pos])
	case 2:
		return int(d.order.Uint16(d.data[pos:]))
	case 4:
		return int(d.order.Uint32(d.data[pos:]))
	}
	return int(d.order.Uint64(d.data[pos:]))
}

// decodeValue decodes the value occupying [lo, hi) into target.
func (d *gvDecoder) decodeValue(sig Signature, lo, hi int, target reflect.Value, depth int) error {
	if depth > maxContainerNesting {
		return InvalidMessageError("container nesting too deep")
	}
	if hi > len(d.data) || lo > hi {
		return ErrTruncated
	}
	if target.Kind() == reflect.Ptr {
		if target.IsNil() {
			target.Set(reflect.New(target.Type().Elem()))
		}
		target = target.Elem()
	}

	switch sig[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h':
		size, _ := gvFixedSize(sig)
		if hi-lo != size {
			return InvalidMessageError("fixed value has wrong size")
		}
		sub := &decoder{data: d.data[:hi], order: d.order, start: d.start, pos: lo, fds: d.fds}
		return sub.decode(sig, target, depth)
	case 's', 'o', 'g':
		if hi == lo {
			return ErrMissingNul
		}
		if d.data[hi-1] != 0 {
			return ErrMissingNul
		}
		s := string(d.data[lo : hi-1])
		if err := checkString(s); err != nil {
			return err
		}
		switch sig[0] {
		case 'o':
			path := ObjectPath(s)
			if !path.IsValid() {
				return InvalidMessageError("invalid object path " + s)
			}
			return store(target, path)
		case 'g':
			parsed, err := ParseSignature(s)
			if err != nil {
				return err
			}
			return store(target, parsed)
		}
		return store(target, s)
	case 'v':
		return d.decodeVariant(lo, hi, target, depth)
	case 'm':
		return d.decodeMaybe(sig, lo, hi, target, depth)
	case 'a':
		return d.decodeArray(sig, lo, hi, target, depth)
	case '(':
		fieldSigs := Signature(sig[1 : len(sig)-1]).split()
		if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
			out := make([]interface{}, len(fieldSigs))
			targets := make([]reflect.Value, len(fieldSigs))
			for i := range out {
				targets[i] = reflect.ValueOf(&out[i]).Elem()
			}
			if err := d.decodeFields(fieldSigs, lo, hi, targets, depth); err != nil {
				return err
			}
			target.Set(reflect.ValueOf(out))
			return nil
		}
		if target.Kind() != reflect.Struct {
			return FormatError("cannot decode struct into " + target.Type().String())
		}
		var targets []reflect.Value
		for f := 0; f < target.NumField(); f++ {
			sf := target.Type().Field(f)
			if sf.PkgPath != "" || sf.Tag.Get("dbus") == "-" {
				continue
			}
			targets = append(targets, target.Field(f))
		}
		if len(targets) != len(fieldSigs) {
			return FormatError("struct " + target.Type().String() + " does not match " + string(sig))
		}
		return d.decodeFields(fieldSigs, lo, hi, targets, depth)
	}
	return InvalidMessageError("unhandled type code " + string(sig[0]))
}

// decodeFields decodes a struct-like field sequence from [lo, hi).
func (d *gvDecoder) decodeFields(sigs []Signature, lo, hi int, targets []reflect.Value, depth int) error {
	variable := 0
	for _, s := range sigs {
		if _, fixed := gvFixedSize(s); !fixed {
			variable++
		}
	}
	contentEnd := hi
	z := 0
	tablePos := hi
	if variable > 0 {
		z = offsetSizeOf(hi - lo)
		tablePos = hi - variable*z
		if tablePos < lo {
			return ErrTruncated
		}
		contentEnd = tablePos
	}
	cur := lo
	nextOffset := tablePos
	for i, s := range sigs {
		var err error
		cur, err = d.alignCheck(cur, gvAlignment(s))
		if err != nil {
			return err
		}
		var end int
		if size, fixed := gvFixedSize(s); fixed {
			end = cur + size
		} else {
			end = lo + d.readOffset(nextOffset, z)
			nextOffset += z
		}
		if end > contentEnd || end < cur {
			return ErrTruncated
		}
		if err := d.decodeValue(s, cur, end, targets[i], depth+1); err != nil {
			return err
		}
		cur = end
	}
	return nil
}

func (d *gvDecoder) decodeArray(sig Signature, lo, hi int, target reflect.Value, depth int) error {
	var elemSig Signature
	isDict := sig[1] == '{'
	if isDict {
		elemSig = Signature("(" + sig[2:len(sig)-1] + ")")
	} else {
		elemSig = Signature(sig[1:])
	}

	var regions [][2]int
	if size, fixed := gvFixedSize(elemSig); fixed {
		if (hi-lo)%size != 0 {
			return InvalidMessageError("array length is not a multiple of the element size")
		}
		for cur := lo; cur < hi; cur += size {
			regions = append(regions, [2]int{cur, cur + size})
		}
	} else if hi > lo {
		z := offsetSizeOf(hi - lo)
		if hi-lo < z {
			return ErrTruncated
		}
		contentLen := d.readOffset(hi-z, z)
		if contentLen > hi-lo {
			return ErrTruncated
		}
		k := (hi - lo - contentLen) / z
		if contentLen+k*z != hi-lo {
			return InvalidMessageError("array framing table has wrong size")
		}
		tablePos := lo + contentLen
		cur := lo
		for i := 0; i < k; i++ {
			end := lo + d.readOffset(tablePos+i*z, z)
			if end > tablePos || end < cur {
				return ErrTruncated
			}
			var err error
			cur, err = d.alignCheck(cur, gvAlignment(elemSig))
			if err != nil {
				return err
			}
			regions = append(regions, [2]int{cur, end})
			cur = end
		}
	}

	if isDict {
		return d.decodeDictRegions(sig, regions, target, depth)
	}
	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		out := make([]interface{}, len(regions))
		for i, r := range regions {
			if err := d.decodeValue(elemSig, r[0], r[1], reflect.ValueOf(&out[i]).Elem(), depth+1); err != nil {
				return err
			}
		}
		target.Set(reflect.ValueOf(out))
		return nil
	}
	if target.Kind() != reflect.Slice {
		return FormatError("cannot decode array into " + target.Type().String())
	}
	slice := reflect.MakeSlice(target.Type(), 0, len(regions))
	for _, r := range regions {
		elem := reflect.New(target.Type().Elem()).Elem()
		if err := d.decodeValue(elemSig, r[0], r[1], elem, depth+1); err != nil {
			return err
		}
		slice = reflect.Append(slice, elem)
	}
	target.Set(slice)
	return nil
}

func (d *gvDecoder) decodeDictRegions(sig Signature, regions [][2]int, target reflect.Value, depth int) error {
	keySig := Signature(sig[2:3])
	valSig := Signature(sig[3 : len(sig)-1])
	mapType := target.Type()
	if target.Kind() == reflect.Interface && target.NumMethod() == 0 {
		mapType = reflect.MapOf(basicGoType(keySig[0]), typeBlankInterface)
	} else if target.Kind() != reflect.Map {
		return FormatError("cannot decode dict into " + target.Type().String())
	}
	m := reflect.MakeMap(mapType)
	for _, r := range regions {
		key := reflect.New(mapType.Key()).Elem()
		val := reflect.New(mapType.Elem()).Elem()
		err := d.decodeFields([]Signature{keySig, valSig}, r[0], r[1], []reflect.Value{key, val}, depth+1)
		if err != nil {
			return err
		}
		m.SetMapIndex(key, val)
	}
	target.Set(m)
	return nil
}

func (d *gvDecoder) decodeVariant(lo, hi int, target reflect.Value, depth int) error {
	sep := bytes.LastIndexByte(d.data[lo:hi], 0)
	if sep < 0 {
		return InvalidMessageError("variant lacks a signature separator")
	}
	sig, err := ParseSignature(string(d.data[lo+sep+1 : hi]))
	if err != nil {
		return err
	}
	if len(sig.split()) != 1 {
		return InvalidMessageError("variant signature must hold one complete type")
	}
	var value interface{}
	if err := d.decodeValue(sig, lo, lo+sep, reflect.ValueOf(&value).Elem(), depth+1); err != nil {
		return err
	}
	return store(target, Variant{sig: sig, Value: value})
}

func (d *gvDecoder) decodeMaybe(sig Signature, lo, hi int, target reflect.Value, depth int) error {
	childSig := Signature(sig[1:])
	if hi == lo {
		return store(target, Nothing(childSig))
	}
	if size, fixed := gvFixedSize(childSig); fixed {
		if hi-lo != size+1 || d.data[hi-1] != 0 {
			return InvalidMessageError("malformed maybe value")
		}
		hi--
	}
	var value interface{}
	if err := d.decodeValue(childSig, lo, hi, reflect.ValueOf(&value).Elem(), depth+1); err != nil {
		return err
	}
	return store(target, Maybe{ValueSig: childSig, Value: value})
}
