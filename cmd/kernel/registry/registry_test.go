package registry

import (
	"context"
	"testing"
)

// fakeHandler is a minimal handler for registry tests
type fakeHandler struct {
	name         string
	loopCarrying bool
}

func (f *fakeHandler) Name() string          { return f.name }
func (f *fakeHandler) Fields() []Field       { return nil }
func (f *fakeHandler) Credentials() []string { return nil }
func (f *fakeHandler) Outputs() []string     { return []string{HandleDefault} }
func (f *fakeHandler) Execute(ctx context.Context, in ExecInput) (NodeResult, error) {
	return NodeResult{Data: map[string]interface{}{"ok": true}}, nil
}
func (f *fakeHandler) LoopCarrying() bool { return f.loopCarrying }

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := New()

	if err := reg.Register(&fakeHandler{name: "code"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	h, ok := reg.Resolve("code")
	if !ok {
		t.Fatal("expected handler for 'code' to resolve")
	}
	if h.Name() != "code" {
		t.Errorf("expected name 'code', got %q", h.Name())
	}

	if _, ok := reg.Resolve("missing"); ok {
		t.Error("expected resolve of unregistered tag to fail")
	}
}

func TestRegistry_DoubleRegisterFails(t *testing.T) {
	reg := New()

	if err := reg.Register(&fakeHandler{name: "code"}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := reg.Register(&fakeHandler{name: "code"}); err == nil {
		t.Fatal("expected second Register of same tag to fail")
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := New()
	reg.MustRegister(&fakeHandler{name: "trigger"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected MustRegister to panic on duplicate tag")
		}
	}()
	reg.MustRegister(&fakeHandler{name: "trigger"})
}

func TestRegistry_RejectsInvalidHandlers(t *testing.T) {
	reg := New()

	if err := reg.Register(nil); err == nil {
		t.Error("expected Register(nil) to fail")
	}
	if err := reg.Register(&fakeHandler{name: ""}); err == nil {
		t.Error("expected Register with empty tag to fail")
	}
}

func TestRegistry_IsLoopCarrying(t *testing.T) {
	reg := New()
	reg.MustRegister(&fakeHandler{name: "loop", loopCarrying: true})
	reg.MustRegister(&fakeHandler{name: "code", loopCarrying: false})

	if !reg.IsLoopCarrying("loop") {
		t.Error("expected 'loop' to be loop-carrying")
	}
	if reg.IsLoopCarrying("code") {
		t.Error("expected 'code' not to be loop-carrying")
	}
	if reg.IsLoopCarrying("missing") {
		t.Error("expected unregistered tag not to be loop-carrying")
	}
}

func TestRegistry_TagsSorted(t *testing.T) {
	reg := New()
	reg.MustRegister(&fakeHandler{name: "set"})
	reg.MustRegister(&fakeHandler{name: "code"})
	reg.MustRegister(&fakeHandler{name: "if"})

	tags := reg.Tags()
	want := []string{"code", "if", "set"}
	if len(tags) != len(want) {
		t.Fatalf("expected %d tags, got %d", len(want), len(tags))
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d]: expected %q, got %q", i, want[i], tags[i])
		}
	}
}

func TestNodeResult_HandleDefaults(t *testing.T) {
	r := NodeResult{}
	if r.Handle() != HandleDefault {
		t.Errorf("empty handle should resolve to %q, got %q", HandleDefault, r.Handle())
	}

	r = NodeResult{OutputHandle: "true"}
	if r.Handle() != "true" {
		t.Errorf("expected handle 'true', got %q", r.Handle())
	}
}

func TestCredential_Zero(t *testing.T) {
	cred := Credential{
		Ref:  "cred-1",
		Type: "api_key",
		Data: map[string]string{"key": "s3cret"},
	}
	cred.Zero()

	if cred.Data != nil {
		t.Errorf("expected data map to be dropped, got %v", cred.Data)
	}
}
