package dbus

import (
	"strings"
	"testing"
)

func TestRegisterAtDuplicate(t *testing.T) {
	_, server := newTestPair(t)
	objects := server.Objects()

	iface := calcInterface(t)
	if !objects.RegisterAt("/calc", iface) {
		t.Fatal("first RegisterAt failed")
	}
	if objects.RegisterAt("/calc", iface) {
		t.Fatal("duplicate RegisterAt succeeded")
	}
	other, _ := NewInterface("com.example.Other")
	if !objects.RegisterAt("/calc", other) {
		t.Fatal("second interface at the same path failed")
	}
}

func TestRemoveAtPrunesEmptyNodes(t *testing.T) {
	_, server := newTestPair(t)
	objects := server.Objects()

	iface := calcInterface(t)
	objects.RegisterAt("/a/b/c", iface)
	if !objects.RemoveAt("/a/b/c", iface.Name) {
		t.Fatal("RemoveAt failed")
	}
	if objects.RemoveAt("/a/b/c", iface.Name) {
		t.Fatal("second RemoveAt succeeded")
	}
	objects.mu.RLock()
	defer objects.mu.RUnlock()
	if len(objects.root.children) != 0 {
		t.Errorf("tree not pruned: %v", objects.root.children)
	}
}

func TestRegisterAtRejectsBadPath(t *testing.T) {
	_, server := newTestPair(t)
	if server.Objects().RegisterAt("not-a-path", calcInterface(t)) {
		t.Fatal("invalid path accepted")
	}
}

func TestCallWithoutInterfaceHeader(t *testing.T) {
	client, server := newTestPair(t)
	server.Objects().RegisterAt("/calc", calcInterface(t))

	// No interface header: any interface implementing the member is
	// picked.
	reply, err := client.Object("", "/calc").Call("", "Add", int32(20), int32(22))
	if err != nil {
		t.Fatal(err)
	}
	var sum int32
	if err := reply.GetArgs(&sum); err != nil {
		t.Fatal(err)
	}
	if sum != 42 {
		t.Fatalf("sum = %d", sum)
	}
}

func TestIntrospectListsChildren(t *testing.T) {
	_, server := newTestPair(t)
	objects := server.Objects()
	objects.RegisterAt("/svc/a", calcInterface(t))
	other, _ := NewInterface("com.example.Other")
	objects.RegisterAt("/svc/b", other)

	data := objects.introspect("/svc")
	parsed, err := NewIntrospect(data)
	if err != nil {
		t.Fatalf("%v in:\n%s", err, data)
	}
	children := parsed.ChildNames()
	if len(children) != 2 || children[0] != "a" || children[1] != "b" {
		t.Errorf("children = %v", children)
	}
	if !strings.Contains(data, "DOCTYPE node PUBLIC") {
		t.Error("introspection data lacks the doctype header")
	}
}

func TestEmitValidatesNames(t *testing.T) {
	_, server := newTestPair(t)
	objects := server.Objects()
	if err := objects.Emit("/svc", "notaninterface", "Member"); err == nil {
		t.Error("bad interface name accepted")
	}
	if err := objects.Emit("/svc", "com.example.Events", "bad-member"); err == nil {
		t.Error("bad member name accepted")
	}
	if err := objects.Emit("relative", "com.example.Events", "Member"); err == nil {
		t.Error("bad path accepted")
	}
}

func TestExclusiveMethodSerializes(t *testing.T) {
	client, server := newTestPair(t)

	iface, _ := NewInterface("com.example.Counter")
	var counter int32
	iface.AddMethod("Increment", &Method{
		Out:       "i",
		Exclusive: true,
		Async:     true,
		Handler: func(ctx *MethodContext, args []interface{}) ([]interface{}, *Error) {
			counter++
			return []interface{}{counter}, nil
		},
	})
	server.Objects().RegisterAt("/counter", iface)

	obj := client.Object("", "/counter")
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := obj.Call("com.example.Counter", "Increment")
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	if counter != 8 {
		t.Fatalf("counter = %d, want 8", counter)
	}
}
