package bytecode

import (
	"strings"
	"testing"
)

type fixedCalls map[Token][2]int

func (f fixedCalls) CallEffect(op OpCode, tok Token) (int, int, bool) {
	e, ok := f[tok]
	return e[0], e[1], ok
}

func TestTokenOf(t *testing.T) {
	a := TokenOf("Demo::Add")
	b := TokenOf("Demo::Add")
	c := TokenOf("Demo::Sub")
	if a != b {
		t.Error("TokenOf should be deterministic")
	}
	if a == c {
		t.Error("Different names should give different tokens")
	}
	if a == NoToken {
		t.Error("TokenOf should never return NoToken")
	}
	if _, ok := a.IsGenericParam(); ok {
		t.Error("Name token must not look like a generic parameter")
	}

	g := GenericParam(2)
	if i, ok := g.IsGenericParam(); !ok || i != 2 {
		t.Errorf("Expected generic param 2, got %d %v", i, ok)
	}
}

func TestBuilderLabels(t *testing.T) {
	b := NewBuilder()
	b.Ldarg(0).LdcI4(1).EmitBranch(OpBle, "small")
	b.Ldarg(0).Ret()
	b.Label("small").LdcI4(1).Ret()

	body, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(body.Code) != 7 {
		t.Fatalf("Expected 7 instructions, got %d", len(body.Code))
	}
	if body.Code[2].Target != 5 {
		t.Errorf("Expected branch target 5, got %d", body.Code[2].Target)
	}
	if !strings.Contains(body.Disassemble(), "ble IL_0005") {
		t.Errorf("Unexpected disassembly:\n%s", body.Disassemble())
	}
}

func TestBuilderUndefinedLabel(t *testing.T) {
	b := NewBuilder()
	b.EmitBranch(OpBr, "nowhere")
	if _, err := b.Build(); err == nil {
		t.Error("Expected error for undefined label")
	}
}

func TestBuilderClause(t *testing.T) {
	exc := TokenOf("System.Exception")
	b := NewBuilder()
	b.Label("try").LdcI4(1).Emit(OpPop).EmitBranch(OpLeave, "end")
	b.Label("handler").Emit(OpPop).EmitBranch(OpLeave, "end")
	b.Label("end").Emit(OpNop).Emit(OpRet)
	b.Clause(ClauseCatch, "try", "handler", "handler", "end", exc)

	body, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	c := body.Clauses[0]
	if c.TryStart != 0 || c.TryEnd != 3 || c.HandlerStart != 3 || c.HandlerEnd != 5 {
		t.Errorf("Unexpected clause %+v", c)
	}
}

func TestCheckStack(t *testing.T) {
	callee := TokenOf("Demo::Max")
	calls := fixedCalls{callee: {2, 1}}

	b := NewBuilder()
	b.Ldarg(0).Ldarg(1).Call(callee)
	b.Emit(OpDup).EmitBranch(OpBrtrue, "done")
	b.Emit(OpPop).LdcI4(0)
	b.Label("done").Ret()
	body := b.MustBuild()

	res, err := CheckStack(body, calls)
	if err != nil {
		t.Fatalf("CheckStack failed: %v", err)
	}
	if res.MaxDepth != 2 {
		t.Errorf("Expected max depth 2, got %d", res.MaxDepth)
	}
	if res.Depths[7] != 1 {
		t.Errorf("Expected depth 1 at ret, got %d", res.Depths[7])
	}
}

func TestCheckStackErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		kind  StackErrorKind
	}{
		{"underflow", func(b *Builder) { b.Emit(OpAdd).Ret() }, StackUnderflow},
		{"mismatch", func(b *Builder) {
			b.Ldarg(0).EmitBranch(OpBrtrue, "join")
			b.LdcI4(1)
			b.Label("join").Ret()
		}, StackMismatch},
		{"unresolved", func(b *Builder) { b.Call(TokenOf("Missing::M")).Ret() }, StackUnresolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			tt.build(b)
			_, err := CheckStack(b.MustBuild(), fixedCalls{})
			if err == nil {
				t.Fatal("Expected stack error")
			}
			if err.Kind != tt.kind {
				t.Errorf("Expected kind %d, got %d (%v)", tt.kind, err.Kind, err)
			}
		})
	}
}

func TestCheckStackHandlers(t *testing.T) {
	b := NewBuilder()
	b.Label("try").EmitBranch(OpLeave, "end")
	b.Label("catch").Emit(OpPop).EmitBranch(OpLeave, "end")
	b.Label("end").Ret()
	b.Clause(ClauseCatch, "try", "catch", "catch", "end", TokenOf("System.Exception"))

	res, err := CheckStack(b.MustBuild(), fixedCalls{})
	if err != nil {
		t.Fatalf("CheckStack failed: %v", err)
	}
	if res.Depths[1] != 1 {
		t.Errorf("Catch handler should start with depth 1, got %d", res.Depths[1])
	}
	if res.Depths[3] != 0 {
		t.Errorf("Leave target should have depth 0, got %d", res.Depths[3])
	}
}
