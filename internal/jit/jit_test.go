// jit_test.go - 翻译、内联与优化 Pass 测试

package jit

import (
	"strings"
	"testing"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// ============================================================================
// 辅助函数
// ============================================================================

func newTestDomain() (*metadata.Domain, *metadata.Type) {
	d := metadata.NewDomain()
	return d, metadata.NewType("Demo", d.Core.Object, false)
}

func addStatic(typ *metadata.Type, name string, params []metadata.TypeDesc, ret metadata.TypeDesc) *metadata.Method {
	return typ.AddMethod(metadata.NewMethod(name, params, ret, false))
}

// factorialMethod Fact(n) = n <= 1 ? 1 : n * Fact(n-1)
func factorialMethod(t *testing.T) (*metadata.Domain, *metadata.Method) {
	t.Helper()
	d, demo := newTestDomain()
	fact := addStatic(demo, "Fact", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
	b := bytecode.NewBuilder()
	b.Ldarg(0).LdcI4(1).EmitBranch(bytecode.OpBgt, "rec")
	b.LdcI4(1).Ret()
	b.Label("rec").Ldarg(0).Ldarg(0).LdcI4(1).Emit(bytecode.OpSub).Call(fact.Token()).Emit(bytecode.OpMul).Ret()
	fact.Body = b.MustBuild()
	d.RegisterType(demo)
	return d, fact
}

// linear 构造只有一个块的函数
func linear(params, stable, regs int, instrs ...regcode.Instruction) *Function {
	fn := NewFunction("test", params, stable)
	fn.RegisterCount = regs
	b := fn.AddBlock()
	b.ExitHigh = regs
	for _, in := range instrs {
		b.emit(in)
	}
	fn.Link()
	return fn
}

func mv(dst, src regcode.Register) regcode.Instruction {
	return regcode.Instruction{Op: regcode.Move, Reg1: dst, Reg2: src}
}

func ldc(dst regcode.Register, v int32) regcode.Instruction {
	return regcode.Instruction{Op: regcode.LdcI4, Reg1: dst, Operand: v}
}

func op3(op regcode.OpCode, d, a, b regcode.Register) regcode.Instruction {
	return regcode.Instruction{Op: op, Reg1: d, Reg2: a, Reg3: b}
}

func ret(r regcode.Register) regcode.Instruction {
	return regcode.Instruction{Op: regcode.Ret, Reg1: r}
}

func countOp(code *regcode.Code, op regcode.OpCode) int {
	n := 0
	for _, in := range code.Instructions {
		if in.Op == op {
			n++
		}
	}
	return n
}

// ============================================================================
// 复制传播
// ============================================================================

// TestForwardCopyPropagationMoveChain r2 = r1; r3 = r2; ret r3 => ret r1
func TestForwardCopyPropagationMoveChain(t *testing.T) {
	fn := linear(2, 2, 4, mv(2, 1), mv(3, 2), ret(3))

	changes := NewForwardCopyPropagation().Run(fn)
	if changes == 0 {
		t.Fatal("Expected forward copy propagation to change the function")
	}

	code, err := fn.Layout()
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if code.Len() != 1 {
		t.Fatalf("Expected 1 instruction, got %d:\n%s", code.Len(), code.Disassemble())
	}
	in := code.Instructions[0]
	if in.Op != regcode.Ret || in.Reg1 != 1 {
		t.Errorf("Expected ret r1, got %s", in)
	}
}

func TestForwardCopyPropagationStopsAtRedefinition(t *testing.T) {
	// r1 = r0; r0 = 5; r2 = r1 + r0
	fn := linear(1, 1, 3, mv(1, 0), ldc(0, 5), op3(regcode.Add, 2, 1, 0), ret(2))

	NewForwardCopyPropagation().Run(fn)

	if n := fn.InstrCount(); n != 4 {
		t.Fatalf("Expected 4 instructions, got %d:\n%s", n, fn)
	}
	add := fn.Blocks[0].Instrs[2]
	if add.Reg2 != 1 {
		t.Errorf("Expected add to keep reading r1, got r%d", add.Reg2)
	}
}

func TestForwardCopyPropagationAcrossBlocks(t *testing.T) {
	fn := NewFunction("test", 1, 1)
	fn.RegisterCount = 3
	b0 := fn.AddBlock()
	b1 := fn.AddBlock()
	b0.ExitHigh = 3
	b1.ExitHigh = 3
	b0.emit(mv(1, 0))
	b0.emit(regcode.Instruction{Op: regcode.Br}).Target = b1
	b1.emit(op3(regcode.Add, 2, 1, 1))
	b1.emit(ret(2))
	fn.Link()

	NewForwardCopyPropagation().Run(fn)

	add := b1.Instrs[0]
	if add.Reg2 != 0 || add.Reg3 != 0 {
		t.Errorf("Expected add r2, r0, r0, got %s", add.Instruction)
	}
	if len(b0.Instrs) != 1 {
		t.Errorf("Expected dead move removed, got %d instructions in B0", len(b0.Instrs))
	}
}

func TestForwardCopyPropagationKeepsAddressTaken(t *testing.T) {
	fn := linear(1, 2, 4,
		mv(1, 0),
		regcode.Instruction{Op: regcode.LoadAddr, Reg1: 2, Reg2: 1},
		op3(regcode.Add, 3, 1, 1),
		ret(3))

	NewForwardCopyPropagation().Run(fn)

	if n := fn.InstrCount(); n != 4 {
		t.Errorf("Expected 4 instructions, got %d:\n%s", n, fn)
	}
}

func TestForwardCopyPropagationInlinedParams(t *testing.T) {
	// r2 是内联进来的被调用方参数，r3 是被调用方的临时寄存器
	tests := []struct {
		name      string
		stable    bool
		wantMoves int
	}{
		{"inlined param stable", true, 1},
		{"plain temp", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := linear(1, 1, 4,
				mv(2, 0),
				regcode.Instruction{Op: regcode.InlineStart},
				mv(3, 2),
				op3(regcode.Add, 1, 3, 3),
				ret(1))
			if tt.stable {
				fn.markStable(2, 3)
			}
			if fn.IsStable(2) != tt.stable {
				t.Fatalf("Expected IsStable(r2)=%v", tt.stable)
			}

			NewForwardCopyPropagation().Run(fn)

			moves := 0
			for _, in := range fn.Blocks[0].Instrs {
				if in.Op == regcode.Move {
					moves++
				}
			}
			if moves != tt.wantMoves {
				t.Errorf("Expected %d moves, got %d:\n%s", tt.wantMoves, moves, fn)
			}
		})
	}
}

func TestBackwardCopyPropagation(t *testing.T) {
	// r3 = r0 + r1; r2 = r3; ret r2  =>  r2 = r0 + r1; ret r2
	fn := linear(2, 3, 4, op3(regcode.Add, 3, 0, 1), mv(2, 3), ret(2))

	changes := NewBackwardCopyPropagation().Run(fn)
	if changes != 1 {
		t.Errorf("Expected 1 change, got %d", changes)
	}
	instrs := fn.Blocks[0].Instrs
	if len(instrs) != 2 {
		t.Fatalf("Expected 2 instructions, got %d:\n%s", len(instrs), fn)
	}
	if instrs[0].Op != regcode.Add || instrs[0].Reg1 != 2 {
		t.Errorf("Expected add to write r2, got %s", instrs[0].Instruction)
	}
}

func TestBackwardCopyPropagationKeepsLiveTemp(t *testing.T) {
	// 临时寄存器在 move 之后仍被读取
	fn := linear(2, 3, 5, op3(regcode.Add, 3, 0, 1), mv(2, 3), op3(regcode.Add, 4, 3, 2), ret(4))

	if changes := NewBackwardCopyPropagation().Run(fn); changes != 0 {
		t.Errorf("Expected 0 changes, got %d", changes)
	}
}

// ============================================================================
// 常量加载消除
// ============================================================================

func TestConstantLoadElimination(t *testing.T) {
	tests := []struct {
		name    string
		op      regcode.OpCode
		a, b    regcode.Register
		wantOp  regcode.OpCode
		wantReg regcode.Register
		folded  bool
	}{
		{"second operand", regcode.Sub, 0, 1, regcode.SubI, 0, true},
		{"commutative swap", regcode.Add, 1, 0, regcode.AddI, 0, true},
		{"mirrored compare", regcode.Clt, 1, 0, regcode.CgtI, 0, true},
		{"not commutative", regcode.Sub, 1, 0, regcode.Sub, 1, false},
		{"read twice", regcode.Add, 1, 1, regcode.Add, 1, false},
		{"no immediate form", regcode.DivUn, 0, 1, regcode.DivUn, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := linear(1, 1, 3, ldc(1, 7), op3(tt.op, 2, tt.a, tt.b), ret(2))

			changes := NewConstantLoadElimination().Run(fn)
			instrs := fn.Blocks[0].Instrs
			if tt.folded != (changes > 0) {
				t.Fatalf("Expected folded=%v, got %d changes:\n%s", tt.folded, changes, fn)
			}
			use := instrs[len(instrs)-2]
			if use.Op != tt.wantOp {
				t.Errorf("Expected %s, got %s", tt.wantOp, use.Op)
			}
			if use.Reg2 != tt.wantReg {
				t.Errorf("Expected first operand r%d, got r%d", tt.wantReg, use.Reg2)
			}
			if tt.folded {
				if len(instrs) != 2 {
					t.Errorf("Expected load removed, got %d instructions", len(instrs))
				}
				if use.Long != 7 || use.Reg3 != regcode.NoRegister {
					t.Errorf("Expected immediate 7, got %s", use.Instruction)
				}
			}
		})
	}
}

func TestConstantLoadEliminationBranch(t *testing.T) {
	// if 3 < r0 goto B1  =>  bgt.i r0, #3
	fn := NewFunction("test", 1, 1)
	fn.RegisterCount = 2
	b0 := fn.AddBlock()
	b1 := fn.AddBlock()
	b0.emit(ldc(1, 3))
	b0.emit(regcode.Instruction{Op: regcode.Blt, Reg1: 1, Reg2: 0}).Target = b1
	b1.emit(ret(0))
	fn.Link()

	if changes := NewConstantLoadElimination().Run(fn); changes != 1 {
		t.Fatalf("Expected 1 change, got %d", changes)
	}
	br := b0.Instrs[0]
	if br.Op != regcode.BgtI || br.Reg1 != 0 || br.Long != 3 {
		t.Errorf("Expected bgt.i r0, #3, got %s", br.Instruction)
	}
}

func TestConstantLoadEliminationLong(t *testing.T) {
	fn := linear(1, 1, 3,
		regcode.Instruction{Op: regcode.LdcI8, Reg1: 1, Long: 1 << 40},
		op3(regcode.Mul, 2, 0, 1),
		ret(2))

	NewConstantLoadElimination().Run(fn)
	mul := fn.Blocks[0].Instrs[0]
	if mul.Op != regcode.MulI || mul.Long != 1<<40 {
		t.Errorf("Expected mul.i with 1<<40, got %s", mul.Instruction)
	}
}

func TestConstantLoadEliminationDeadLoad(t *testing.T) {
	tests := []struct {
		name    string
		addr    bool
		wantLen int
	}{
		{"overwritten before read", false, 2},
		{"address taken", true, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instrs := []regcode.Instruction{ldc(1, 0)}
			if tt.addr {
				instrs = append(instrs, regcode.Instruction{Op: regcode.LoadAddr, Reg1: 2, Reg2: 1})
			}
			instrs = append(instrs, op3(regcode.Add, 1, 0, 0), ret(1))
			fn := linear(1, 2, 3, instrs...)

			NewConstantLoadElimination().Run(fn)
			if n := fn.InstrCount(); n != tt.wantLen {
				t.Errorf("Expected %d instructions, got %d:\n%s", tt.wantLen, n, fn)
			}
		})
	}
}

func TestLocalInitRemovedWhenOverwritten(t *testing.T) {
	d, demo := newTestDomain()
	m := addStatic(demo, "AddFive", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
	b := bytecode.NewBuilder()
	loc := b.Local(d.Core.Int32.Token())
	b.LdcI4(5).Stloc(loc).Ldarg(0).Ldloc(loc).Emit(bytecode.OpAdd).Ret()
	m.Body = b.MustBuild()
	d.RegisterType(demo)

	code, err := NewCompiler(d, DefaultOptions(), nil).Compile(m)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	for _, in := range code.Instructions {
		if in.Op == regcode.LdcI4 && in.Operand == 0 {
			t.Errorf("Expected local init to be removed:\n%s", code.Disassemble())
		}
	}
}

// ============================================================================
// 跳转窥孔
// ============================================================================

func TestBranchToNextElimination(t *testing.T) {
	tests := []struct {
		name    string
		filler  bool // 跳转与目标之间是否有非空块
		removed int
	}{
		{"over empty block", false, 1},
		{"over live block", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := NewFunction("test", 1, 1)
			fn.RegisterCount = 2
			b0 := fn.AddBlock()
			b1 := fn.AddBlock()
			b2 := fn.AddBlock()
			b0.emit(op3(regcode.Add, 1, 0, 0))
			b0.emit(regcode.Instruction{Op: regcode.Br}).Target = b2
			if tt.filler {
				b1.emit(ret(0))
			}
			b2.emit(ret(1))
			fn.Link()

			if n := NewBranchToNextElimination().Run(fn); n != tt.removed {
				t.Fatalf("Expected %d removed, got %d", tt.removed, n)
			}
			code, err := fn.Layout()
			if err != nil {
				t.Fatalf("Layout failed: %v", err)
			}
			if n := countOp(code, regcode.Br); n != 1-tt.removed {
				t.Errorf("Expected %d br, got %d:\n%s", 1-tt.removed, n, code.Disassemble())
			}
		})
	}
}

// ============================================================================
// 寄存器压缩
// ============================================================================

func TestRegisterCompaction(t *testing.T) {
	fn := linear(1, 3, 6, ldc(2, 1), op3(regcode.Add, 5, 0, 2), ret(5))

	p := NewRegisterCompaction()
	changes := p.Run(fn)
	if changes != 3 {
		t.Errorf("Expected 3 changes, got %d", changes)
	}
	if fn.RegisterCount != 3 {
		t.Errorf("Expected 3 registers, got %d", fn.RegisterCount)
	}
	if fn.StableCount != 2 {
		t.Errorf("Expected stable count 2, got %d", fn.StableCount)
	}
	add := fn.Blocks[0].Instrs[1]
	if add.Reg1 != 2 || add.Reg2 != 0 || add.Reg3 != 1 {
		t.Errorf("Expected add r2, r0, r1, got %s", add.Instruction)
	}

	if changes := p.Run(fn); changes != 0 {
		t.Errorf("Expected second run to change nothing, got %d", changes)
	}
}

func TestRegisterCompactionKeepsParams(t *testing.T) {
	// 未使用的参数保持原编号
	fn := linear(3, 3, 4, op3(regcode.Add, 3, 2, 2), ret(3))

	NewRegisterCompaction().Run(fn)
	if fn.RegisterCount != 4 {
		t.Errorf("Expected 4 registers, got %d", fn.RegisterCount)
	}
	if fn.ParamCount != 3 {
		t.Errorf("Expected 3 params, got %d", fn.ParamCount)
	}
}

// ============================================================================
// 翻译与编译
// ============================================================================

func TestTranslateFactorial(t *testing.T) {
	d, fact := factorialMethod(t)
	c := NewCompiler(d, DefaultOptions(), nil)

	code, err := c.Reference(fact)
	if err != nil {
		t.Fatalf("Reference failed: %v", err)
	}
	if code.ParamCount != 1 {
		t.Errorf("Expected 1 param, got %d", code.ParamCount)
	}
	if code.RegisterCount != 4 {
		t.Errorf("Expected 4 registers, got %d", code.RegisterCount)
	}
	if code.Optimized {
		t.Error("Reference code should not be marked optimized")
	}
	if n := countOp(code, regcode.Call); n != 1 {
		t.Errorf("Expected 1 call, got %d", n)
	}
	if err := code.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestCompileFactorial(t *testing.T) {
	d, fact := factorialMethod(t)
	c := NewCompiler(d, DefaultOptions(), nil)

	code, err := c.Compile(fact)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !code.Optimized {
		t.Error("Expected optimized code")
	}
	if code.Len() != 7 {
		t.Errorf("Expected 7 instructions, got %d:\n%s", code.Len(), code.Disassemble())
	}
	if code.RegisterCount != 3 {
		t.Errorf("Expected 3 registers, got %d", code.RegisterCount)
	}
	if n := countOp(code, regcode.Move); n != 0 {
		t.Errorf("Expected no moves, got %d", n)
	}
	if code.Instructions[0].Op != regcode.BgtI {
		t.Errorf("Expected bgt.i first, got %s", code.Instructions[0])
	}

	// 递归调用不内联
	stats := c.InlineStats()
	if stats.Inlined != 0 || stats.SkippedRecursive != 1 {
		t.Errorf("Expected 1 recursive skip, got %+v", stats)
	}
}

func TestOptimizeIdempotent(t *testing.T) {
	d, fact := factorialMethod(t)
	c := NewCompiler(d, DefaultOptions(), nil)

	fn, err := c.Translate(fact, false)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	first := Optimize(fn)
	if first.TotalChanges == 0 {
		t.Error("Expected first optimization to change the function")
	}
	if first.PassesRun != 6 {
		t.Errorf("Expected 6 passes, got %d", first.PassesRun)
	}
	before := fn.String()
	second := Optimize(fn)
	if second.TotalChanges != 0 {
		t.Errorf("Expected no changes on second run, got %d", second.TotalChanges)
	}
	if after := fn.String(); after != before {
		t.Errorf("Second run changed the function:\n%s\nvs\n%s", before, after)
	}
}

func TestReoptimize(t *testing.T) {
	d, fact := factorialMethod(t)
	c := NewCompiler(d, DefaultOptions(), nil)

	ref, err := c.Reference(fact)
	if err != nil {
		t.Fatalf("Reference failed: %v", err)
	}
	opt, _, err := c.Reoptimize(ref)
	if err != nil {
		t.Fatalf("Reoptimize failed: %v", err)
	}
	if opt.Len() != 7 {
		t.Errorf("Expected 7 instructions, got %d:\n%s", opt.Len(), opt.Disassemble())
	}
}

func TestLiftLayout(t *testing.T) {
	d, fact := factorialMethod(t)
	c := NewCompiler(d, DefaultOptions(), nil)

	ref, err := c.Reference(fact)
	if err != nil {
		t.Fatalf("Reference failed: %v", err)
	}
	fn, err := Lift(ref)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	out, err := fn.Layout()
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if out.Disassemble() != ref.Disassemble() {
		t.Errorf("Lift/Layout changed the code:\n%s\nvs\n%s", ref.Disassemble(), out.Disassemble())
	}
}

// ============================================================================
// 内联
// ============================================================================

func inlineDomain(t *testing.T) (*metadata.Domain, *metadata.Method) {
	t.Helper()
	d, demo := newTestDomain()
	i32 := []metadata.TypeDesc{d.Core.Int32}
	add1 := addStatic(demo, "Add1", i32, d.Core.Int32)
	add1.Body = bytecode.NewBuilder().Ldarg(0).LdcI4(1).Emit(bytecode.OpAdd).Ret().MustBuild()

	main := addStatic(demo, "Main", i32, d.Core.Int32)
	main.Body = bytecode.NewBuilder().Ldarg(0).Call(add1.Token()).Ret().MustBuild()
	d.RegisterType(demo)
	return d, main
}

func TestInline(t *testing.T) {
	d, main := inlineDomain(t)
	c := NewCompiler(d, DefaultOptions(), nil)

	code, err := c.Compile(main)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if n := countOp(code, regcode.Call); n != 0 {
		t.Errorf("Expected call to be inlined, got %d calls:\n%s", n, code.Disassemble())
	}
	if countOp(code, regcode.InlineStart) != 1 || countOp(code, regcode.InlineEnd) != 1 {
		t.Errorf("Expected one inline region:\n%s", code.Disassemble())
	}
	if stats := c.InlineStats(); stats.Inlined != 1 {
		t.Errorf("Expected 1 inlined call, got %+v", stats)
	}
}

func TestInlineMarksCalleeStable(t *testing.T) {
	d, main := inlineDomain(t)
	c := NewCompiler(d, DefaultOptions(), nil)

	fn, err := c.Translate(main, true)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if len(fn.inlineStable) != 1 {
		t.Fatalf("Expected 1 inlined stable range, got %d", len(fn.inlineStable))
	}
	lo := regcode.Register(fn.inlineStable[0][0])
	if !fn.IsStable(lo) || int(lo) < fn.StableCount {
		t.Errorf("Expected r%d to be an inlined stable register", lo)
	}

	Optimize(fn)
	if fn.inlineStable != nil {
		t.Error("Expected compaction to clear inlined stable ranges")
	}
}

func TestInlineDisabled(t *testing.T) {
	d, main := inlineDomain(t)
	opts := DefaultOptions()
	opts.Inline = false
	c := NewCompiler(d, opts, nil)

	code, err := c.Compile(main)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if n := countOp(code, regcode.Call); n != 1 {
		t.Errorf("Expected 1 call, got %d", n)
	}
	if stats := c.InlineStats(); stats.Attempts != 0 {
		t.Errorf("Expected no inline attempts, got %d", stats.Attempts)
	}
}

func TestInlineBudget(t *testing.T) {
	d, main := inlineDomain(t)
	opts := DefaultOptions()
	opts.InlineMaxInstructions = 1
	c := NewCompiler(d, opts, nil)

	code, err := c.Compile(main)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if n := countOp(code, regcode.Call); n != 1 {
		t.Errorf("Expected call kept, got %d calls", n)
	}
	if stats := c.InlineStats(); stats.SkippedTooBig != 1 {
		t.Errorf("Expected 1 too-big skip, got %+v", stats)
	}
}

// ============================================================================
// 异常处理与错误
// ============================================================================

func TestTranslateHandlers(t *testing.T) {
	d, demo := newTestDomain()
	m := addStatic(demo, "Safe", nil, d.Core.Int32)
	b := bytecode.NewBuilder()
	loc := b.Local(d.Core.Int32.Token())
	b.Label("try").LdcI4(1).LdcI4(0).Emit(bytecode.OpDiv).Stloc(loc).EmitBranch(bytecode.OpLeave, "end")
	b.Label("catch").Emit(bytecode.OpPop).LdcI4(-1).Stloc(loc).EmitBranch(bytecode.OpLeave, "end")
	b.Label("end").Ldloc(loc).Ret()
	b.Clause(bytecode.ClauseCatch, "try", "catch", "catch", "end", d.Core.DivideByZeroException.Token())
	m.Body = b.MustBuild()
	d.RegisterType(demo)

	c := NewCompiler(d, DefaultOptions(), nil)
	code, err := c.Compile(m)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if len(code.Handlers) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(code.Handlers))
	}
	h := code.Handlers[0]
	if h.Kind != regcode.HandlerCatch || h.CatchType != d.Core.DivideByZeroException.Token() {
		t.Errorf("Unexpected handler %+v", h)
	}
	if code.Instructions[h.HandlerStart].Op != regcode.LoadException {
		t.Errorf("Expected handler to start with ldexception, got %s", code.Instructions[h.HandlerStart])
	}
	// 带异常处理器时局部变量不能被优化掉
	if n := countOp(code, regcode.Leave); n != 2 {
		t.Errorf("Expected 2 leaves, got %d", n)
	}
}

func TestTranslateErrors(t *testing.T) {
	d, demo := newTestDomain()
	unknown := bytecode.TokenOf("Nowhere::Missing()")
	bodies := map[string]*bytecode.MethodBody{
		errors.T0005: {},
		errors.T0003: bytecode.NewBuilder().Emit(bytecode.OpAdd).Ret().MustBuild(),
		errors.T0004: bytecode.NewBuilder().
			Ldarg(0).EmitBranch(bytecode.OpBrtrue, "l").LdcI4(1).Label("l").Ret().MustBuild(),
		errors.T0100: bytecode.NewBuilder().Call(unknown).Ret().MustBuild(),
	}
	methods := make(map[string]*metadata.Method)
	for code, body := range bodies {
		m := addStatic(demo, "M"+code, []metadata.TypeDesc{d.Core.Int32}, nil)
		m.Body = body
		methods[code] = m
	}
	d.RegisterType(demo)
	c := NewCompiler(d, DefaultOptions(), nil)

	for code, m := range methods {
		_, err := c.Compile(m)
		if err == nil {
			t.Errorf("%s: expected error", code)
			continue
		}
		var te *errors.TranslateError
		if !errors.As(err, &te) {
			t.Errorf("%s: expected TranslateError, got %T", code, err)
			continue
		}
		if te.Code != code {
			t.Errorf("Expected code %s, got %s (%v)", code, te.Code, err)
		}
		if !strings.Contains(te.Error(), m.FullName()) {
			t.Errorf("Expected error to name %s, got %q", m.FullName(), te.Error())
		}
	}
}
