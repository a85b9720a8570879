package dbus

import (
	"strings"
	"testing"
)

func TestValidateBusName(t *testing.T) {
	valid := []string{
		"org.freedesktop.DBus",
		"a.b",
		"a-b.c-d",
		"_a._b",
		"com.example.backend1",
		":1.42",
		":1.42.foo",
	}
	for _, name := range valid {
		if err := ValidateBusName(name); err != nil {
			t.Errorf("ValidateBusName(%q): %v", name, err)
		}
	}

	invalid := []string{
		"",
		"single",
		".starts.with.dot",
		"ends.with.dot.",
		"double..dot",
		"1leading.digit",
		"has.spa ce",
		":",
		":1",
		strings.Repeat("a.", 140) + "b",
	}
	for _, name := range invalid {
		if err := ValidateBusName(name); err == nil {
			t.Errorf("ValidateBusName(%q) should have failed", name)
		}
	}
}

func TestValidateInterfaceName(t *testing.T) {
	if err := ValidateInterfaceName("org.freedesktop.DBus"); err != nil {
		t.Error(err)
	}
	invalid := []string{"", "single", "a.b-c", "1a.b", "a..b"}
	for _, name := range invalid {
		if err := ValidateInterfaceName(name); err == nil {
			t.Errorf("ValidateInterfaceName(%q) should have failed", name)
		}
	}
}

func TestValidateMemberName(t *testing.T) {
	valid := []string{"Ping", "GetAll", "_private", "Name2"}
	for _, name := range valid {
		if err := ValidateMemberName(name); err != nil {
			t.Errorf("ValidateMemberName(%q): %v", name, err)
		}
	}
	invalid := []string{"", "1Name", "has.dot", "has-dash", strings.Repeat("x", 256)}
	for _, name := range invalid {
		if err := ValidateMemberName(name); err == nil {
			t.Errorf("ValidateMemberName(%q) should have failed", name)
		}
	}
}

func TestObjectPathIsValid(t *testing.T) {
	valid := []ObjectPath{"/", "/a", "/org/freedesktop/DBus", "/_x/9"}
	for _, path := range valid {
		if !path.IsValid() {
			t.Errorf("%q should be valid", path)
		}
	}
	invalid := []ObjectPath{"", "a", "/a/", "//", "/a//b", "/a-b", "/a.b"}
	for _, path := range invalid {
		if path.IsValid() {
			t.Errorf("%q should be invalid", path)
		}
	}
}

func TestValidateErrorName(t *testing.T) {
	if err := ValidateErrorName("org.freedesktop.DBus.Error.Failed"); err != nil {
		t.Error(err)
	}
	if err := ValidateErrorName("nodots"); err == nil {
		t.Error("single-element error name accepted")
	}
}
