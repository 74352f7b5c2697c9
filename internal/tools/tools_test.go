package tools

import (
	"context"
	"errors"
	"testing"
)

func echoTool(name string) Tool {
	return Tool{
		Info:       Info{Name: name, PrimaryGroup: GroupSystem},
		Definition: llmDefinition(name, "echoes args", map[string]any{"type": "object"}),
		Handler: func(_ context.Context, args string) (string, error) {
			return args, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := reg.Get("echo"); !ok {
		t.Error("registered tool not found")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("unknown tool found")
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(echoTool("echo")); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestRegistry_RejectsIncomplete(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Tool{Handler: func(context.Context, string) (string, error) { return "", nil }}); err == nil {
		t.Error("nameless tool should be rejected")
	}
	if err := reg.Register(Tool{Info: Info{Name: "x"}}); err == nil {
		t.Error("handlerless tool should be rejected")
	}
}

func TestRegistry_InfosOrdered(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if err := reg.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	infos := reg.Infos()
	if len(infos) != 3 || infos[0].Name != "c" || infos[1].Name != "a" || infos[2].Name != "b" {
		t.Errorf("infos = %+v, want registration order", infos)
	}
}

func TestRegistry_DefinitionsSkipsUnknown(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	defs := reg.Definitions([]string{"echo", "ghost"})
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Execute(context.Background(), "echo", `{"k":"v"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != `{"k":"v"}` {
		t.Errorf("result = %q", got)
	}

	if _, err := reg.Execute(context.Background(), "missing", "{}"); err == nil {
		t.Error("executing an unknown tool should fail")
	}
}

func TestRegistry_ExecuteWrapsHandlerError(t *testing.T) {
	reg := NewRegistry()
	sentinel := errors.New("boom")
	err := reg.Register(Tool{
		Info: Info{Name: "fails"},
		Handler: func(context.Context, string) (string, error) {
			return "", sentinel
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = reg.Execute(context.Background(), "fails", "{}")
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want wrapped sentinel", err)
	}
}
