package dbus

import (
	"errors"
	"reflect"
)

var (
	typeHasObjectPath  = reflect.TypeOf((*HasObjectPath)(nil)).Elem()
	typeVariant        = reflect.TypeOf(Variant{})
	typeMaybe          = reflect.TypeOf(Maybe{})
	typeSignature      = reflect.TypeOf(Signature(""))
	typeObjectPath     = reflect.TypeOf(ObjectPath(""))
	typeUnixFD         = reflect.TypeOf(UnixFD(0))
	typeUnixFDIndex    = reflect.TypeOf(UnixFDIndex(0))
	typeBlankInterface = reflect.TypeOf((*interface{})(nil)).Elem()
)

// ObjectPath is a D-Bus object path, e.g. "/org/freedesktop/DBus".
type ObjectPath string

type HasObjectPath interface {
	GetObjectPath() ObjectPath
}

func (o ObjectPath) GetObjectPath() ObjectPath { return o }

// UnixFD is a file descriptor traveling in a message. On the wire it is
// represented by an index into the message's out-of-band fd table.
type UnixFD int32

// UnixFDIndex is the raw in-band representation of a file descriptor: an
// index into the fd table. Decoding produces it only when no fd table was
// supplied.
type UnixFDIndex uint32

// Variant is a value that carries its own signature on the wire.
type Variant struct {
	sig   Signature
	Value interface{}
}

// MakeVariant wraps v in a Variant, deriving the signature from v's type.
func MakeVariant(v interface{}) Variant {
	sig, err := SignatureOf(reflect.TypeOf(v))
	if err != nil {
		panic(err)
	}
	return Variant{sig: sig, Value: v}
}

// MakeVariantWithSignature wraps v with an explicit signature, for cases
// where v's Go type does not determine it (e.g. an empty interface slice).
func MakeVariantWithSignature(v interface{}, sig Signature) Variant {
	return Variant{sig: sig, Value: v}
}

// Signature returns the signature of the contained value.
func (v Variant) Signature() (Signature, error) {
	if v.sig != "" {
		return v.sig, nil
	}
	return SignatureOf(reflect.TypeOf(v.Value))
}

// Maybe is an optional value ("m" type). It only exists in the compact
// encoding. A nil Value means Nothing.
type Maybe struct {
	// ValueSig is the signature of the contained type, without the
	// leading "m".
	ValueSig Signature
	Value    interface{}
}

// Just wraps v in a present Maybe.
func Just(v interface{}) Maybe {
	sig, err := SignatureOf(reflect.TypeOf(v))
	if err != nil {
		panic(err)
	}
	return Maybe{ValueSig: sig, Value: v}
}

// Nothing returns an absent Maybe of the given contained type.
func Nothing(valueSig Signature) Maybe {
	return Maybe{ValueSig: valueSig}
}

// SignatureOf derives the D-Bus signature for a Go type. Structs map to
// D-Bus structs, maps to dict arrays, slices to arrays. Fields tagged
// `dbus:"-"` and unexported fields are skipped.
func SignatureOf(t reflect.Type) (Signature, error) {
	if t == nil {
		return "", errors.New("dbus: cannot determine signature of nil")
	}
	if t == typeObjectPath || t.AssignableTo(typeHasObjectPath) {
		return "o", nil
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y", nil
	case reflect.Bool:
		return "b", nil
	case reflect.Int16:
		return "n", nil
	case reflect.Uint16:
		return "q", nil
	case reflect.Int32:
		if t == typeUnixFD {
			return "h", nil
		}
		return "i", nil
	case reflect.Uint32:
		if t == typeUnixFDIndex {
			return "h", nil
		}
		return "u", nil
	case reflect.Int64:
		return "x", nil
	case reflect.Uint64:
		return "t", nil
	case reflect.Float64:
		return "d", nil
	case reflect.String:
		if t == typeSignature {
			return "g", nil
		}
		return "s", nil
	case reflect.Interface:
		return "v", nil
	case reflect.Array, reflect.Slice:
		elemSig, err := SignatureOf(t.Elem())
		if err != nil {
			return "", err
		}
		return "a" + elemSig, nil
	case reflect.Map:
		keySig, err := SignatureOf(t.Key())
		if err != nil {
			return "", err
		}
		if len(keySig) != 1 || !isBasicTypeCode(keySig[0]) {
			return "", errors.New("dbus: map key must be a basic type")
		}
		valueSig, err := SignatureOf(t.Elem())
		if err != nil {
			return "", err
		}
		return "a{" + keySig + valueSig + "}", nil
	case reflect.Struct:
		if t == typeVariant {
			return "v", nil
		}
		if t == typeMaybe {
			return "", errors.New("dbus: signature of a Maybe depends on its contents")
		}
		sig := Signature("(")
		for i := 0; i != t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" || field.Tag.Get("dbus") == "-" {
				continue
			}
			fieldSig, err := SignatureOf(field.Type)
			if err != nil {
				return "", err
			}
			sig += fieldSig
		}
		if sig == "(" {
			return "", errors.New("dbus: struct has no encodable fields: " + t.String())
		}
		return sig + ")", nil
	case reflect.Ptr:
		return SignatureOf(t.Elem())
	}
	return "", errors.New("dbus: cannot determine signature for " + t.String())
}

// SignatureOfValues derives the concatenated signature of a value list.
func SignatureOfValues(args ...interface{}) (Signature, error) {
	var sig Signature
	for _, arg := range args {
		s, err := signatureOfValue(arg)
		if err != nil {
			return "", err
		}
		sig += s
	}
	return sig, nil
}

func signatureOfValue(arg interface{}) (Signature, error) {
	if m, ok := arg.(Maybe); ok {
		return "m" + m.ValueSig, nil
	}
	return SignatureOf(reflect.TypeOf(arg))
}
