package tools

import (
	"context"
	"testing"
)

func noop(context.Context, map[string]any) (any, error) { return nil, nil }

func TestRegisterRejectsDuplicatesAndBadSchema(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Definition{Name: "a"}, noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Definition{Name: "a"}, noop); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if err := reg.Register(Definition{Name: "b", InputSchema: []byte(`{"type":12}`)}, noop); err == nil {
		t.Fatalf("invalid schema should fail")
	}
	if err := reg.Register(Definition{Name: " "}, noop); err == nil {
		t.Fatalf("empty name should fail")
	}
}

func TestDefinitionsSortedAndSpecs(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Definition{Name: "zeta", Description: "z"}, noop)
	reg.MustRegister(Definition{Name: "alpha", Description: "a"}, noop)

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("unexpected names %v", names)
	}
	specs := reg.Specs()
	if specs[0].Name != "alpha" || string(specs[0].InputSchema) != emptyObjectSchema {
		t.Fatalf("unexpected spec %+v", specs[0])
	}
}
