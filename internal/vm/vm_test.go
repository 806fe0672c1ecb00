package vm

import (
	"context"
	"testing"
	"time"

	"github.com/tangzhangming/regvm/internal/bytecode"
	"github.com/tangzhangming/regvm/internal/config"
	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/metadata"
)

// ============================================================================
// 辅助函数
// ============================================================================

func newTestVM(t *testing.T, d *metadata.Domain, tweak func(*config.Config)) *VM {
	t.Helper()
	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	vm := New(d, WithConfig(cfg))
	t.Cleanup(func() { _ = vm.Close() })
	return vm
}

func newDemo() (*metadata.Domain, *metadata.Type) {
	d := metadata.NewDomain()
	return d, metadata.NewType("Demo", d.Core.Object, false)
}

func static(typ *metadata.Type, name string, params []metadata.TypeDesc, ret metadata.TypeDesc) *metadata.Method {
	return typ.AddMethod(metadata.NewMethod(name, params, ret, false))
}

// logMethod 原生方法 Demo::Log(int)，记录收到的参数
func logMethod(d *metadata.Domain, demo *metadata.Type, out *[]int32) *metadata.Method {
	m := static(demo, "Log", []metadata.TypeDesc{d.Core.Int32}, nil)
	m.Native = func(_ interface{}, args []interface{}) (interface{}, error) {
		*out = append(*out, args[0].(int32))
		return nil, nil
	}
	return m
}

func factorial(d *metadata.Domain, demo *metadata.Type) *metadata.Method {
	fact := static(demo, "Fact", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
	b := bytecode.NewBuilder()
	b.Ldarg(0).LdcI4(1).EmitBranch(bytecode.OpBgt, "rec")
	b.LdcI4(1).Ret()
	b.Label("rec").Ldarg(0).Ldarg(0).LdcI4(1).Emit(bytecode.OpSub).Call(fact.Token()).Emit(bytecode.OpMul).Ret()
	fact.Body = b.MustBuild()
	return fact
}

func exceptionCtor(d *metadata.Domain) bytecode.Token {
	return d.Core.Exception.FindMethod(".ctor", 1).Token()
}

func expectUncaught(t *testing.T, err error, typeName string) *errors.UncaughtException {
	t.Helper()
	var ue *errors.UncaughtException
	if !errors.As(err, &ue) {
		t.Fatalf("Expected UncaughtException, got %T (%v)", err, err)
	}
	if ue.TypeName != typeName {
		t.Errorf("Expected %s, got %s", typeName, ue.TypeName)
	}
	return ue
}

// ============================================================================
// 基本执行
// ============================================================================

// modes 默认、不内联、未优化三种执行方式
var modes = []struct {
	name  string
	tweak func(*config.Config)
}{
	{"default", nil},
	{"no-inline", func(c *config.Config) { c.JIT.Inline = false }},
	{"no-optimize", func(c *config.Config) { c.JIT.Optimize = false; c.JIT.Inline = false }},
}

func TestFactorial(t *testing.T) {
	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			d, demo := newDemo()
			fact := factorial(d, demo)
			d.RegisterType(demo)
			vm := newTestVM(t, d, tt.tweak)

			got, err := vm.Invoke(fact, nil, int32(5))
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if got.(int32) != 120 {
				t.Errorf("Expected 120, got %v", got)
			}
			if fact.State() != metadata.StateCompiled {
				t.Errorf("Expected compiled, got %s", fact.State())
			}
		})
	}
}

// TestManyArguments 超过寄存器参数个数的调用
//
//	Fold(a, b, c, d, e) = (((a*2 + b)*2 + c)*2 + d)*2 + e
func TestManyArguments(t *testing.T) {
	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			d, demo := newDemo()
			i32 := d.Core.Int32
			fold := static(demo, "Fold", []metadata.TypeDesc{i32, i32, i32, i32, i32}, i32)
			b := bytecode.NewBuilder().Ldarg(0)
			for i := 1; i < 5; i++ {
				b.LdcI4(2).Emit(bytecode.OpMul).Ldarg(i).Emit(bytecode.OpAdd)
			}
			fold.Body = b.Ret().MustBuild()

			caller := static(demo, "Caller", nil, i32)
			b = bytecode.NewBuilder()
			for _, v := range []int32{2, 4, 5, 6, 7} {
				b.LdcI4(v)
			}
			caller.Body = b.Call(fold.Token()).Ret().MustBuild()
			d.RegisterType(demo)
			vm := newTestVM(t, d, tt.tweak)

			got, err := vm.Invoke(caller, nil)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if got.(int32) != 103 {
				t.Errorf("Expected 103, got %v", got)
			}
			got, err = vm.Invoke(fold, nil, int32(1), int32(0), int32(0), int32(0), int32(1))
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if got.(int32) != 17 {
				t.Errorf("Expected 17, got %v", got)
			}
		})
	}
}

// TestSwitch 越界下标（含负数）落到 switch 之后
func TestSwitch(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			d, demo := newDemo()
			pick := static(demo, "Pick", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
			b := bytecode.NewBuilder()
			b.Ldarg(0).EmitSwitch("zero", "one", "two")
			b.LdcI4(-1).Ret()
			b.Label("zero").LdcI4(10).Ret()
			b.Label("one").LdcI4(20).Ret()
			b.Label("two").LdcI4(30).Ret()
			pick.Body = b.MustBuild()
			d.RegisterType(demo)
			vm := newTestVM(t, d, mode.tweak)

			tests := []struct {
				x, want int32
			}{
				{0, 10}, {1, 20}, {2, 30}, {3, -1}, {-1, -1},
			}
			for _, tt := range tests {
				got, err := vm.Invoke(pick, nil, tt.x)
				if err != nil {
					t.Fatalf("Invoke(%d) failed: %v", tt.x, err)
				}
				if got.(int32) != tt.want {
					t.Errorf("Pick(%d): expected %d, got %v", tt.x, tt.want, got)
				}
			}
		})
	}
}

// TestOptimizedMatchesReference 优化代码与参考代码结果一致
func TestOptimizedMatchesReference(t *testing.T) {
	build := func() (*metadata.Domain, *metadata.Method) {
		d, demo := newDemo()
		// Poly(x) = (x*x + 3*x - 7) % 11 + x / 2
		m := static(demo, "Poly", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
		b := bytecode.NewBuilder()
		b.Ldarg(0).Ldarg(0).Emit(bytecode.OpMul)
		b.LdcI4(3).Ldarg(0).Emit(bytecode.OpMul).Emit(bytecode.OpAdd)
		b.LdcI4(7).Emit(bytecode.OpSub).LdcI4(11).Emit(bytecode.OpRem)
		b.Ldarg(0).LdcI4(2).Emit(bytecode.OpDiv).Emit(bytecode.OpAdd).Ret()
		m.Body = b.MustBuild()
		d.RegisterType(demo)
		return d, m
	}

	d1, opt := build()
	d2, ref := build()
	fast := newTestVM(t, d1, nil)
	slow := newTestVM(t, d2, func(c *config.Config) { c.JIT.Optimize = false; c.JIT.Inline = false })

	for _, x := range []int32{-9, -1, 0, 1, 2, 7, 100, 12345} {
		a, err := fast.Invoke(opt, nil, x)
		if err != nil {
			t.Fatalf("optimized Invoke(%d) failed: %v", x, err)
		}
		b, err := slow.Invoke(ref, nil, x)
		if err != nil {
			t.Fatalf("reference Invoke(%d) failed: %v", x, err)
		}
		if a != b {
			t.Errorf("Poly(%d): optimized %v, reference %v", x, a, b)
		}
	}
}

func TestInvokeArity(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	if _, err := vm.Invoke(fact, nil); err == nil {
		t.Error("Expected arity error")
	}
}

func TestInvokeCancelled(t *testing.T) {
	d, demo := newDemo()
	spin := static(demo, "Spin", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
	b := bytecode.NewBuilder()
	b.Label("loop").Ldarg(0).EmitBranch(bytecode.OpBrtrue, "loop")
	b.LdcI4(0).Ret()
	spin.Body = b.MustBuild()
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := vm.InvokeContext(ctx, spin, nil, int32(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

// ============================================================================
// 对象与虚分派
// ============================================================================

func animals(d *metadata.Domain) (animal, dog *metadata.Type, speak *metadata.Method) {
	animal = metadata.NewType("Demo.Animal", d.Core.Object, false)
	ctor := animal.AddMethod(metadata.NewMethod(".ctor", nil, nil, true))
	ctor.IsConstructor = true
	ctor.Body = bytecode.NewBuilder().Ret().MustBuild()
	speak = animal.AddMethod(metadata.NewMethod("Speak", nil, d.Core.Int32, true))
	speak.Virtual = true
	speak.Body = bytecode.NewBuilder().LdcI4(1).Ret().MustBuild()

	dog = metadata.NewType("Demo.Dog", animal, false)
	dctor := dog.AddMethod(metadata.NewMethod(".ctor", nil, nil, true))
	dctor.IsConstructor = true
	dctor.Body = bytecode.NewBuilder().Ret().MustBuild()
	bark := dog.AddMethod(metadata.NewMethod("Speak", nil, d.Core.Int32, true))
	bark.Virtual = true
	bark.Body = bytecode.NewBuilder().LdcI4(2).Ret().MustBuild()

	d.RegisterType(animal)
	d.RegisterType(dog)
	return animal, dog, speak
}

func TestVirtualDispatch(t *testing.T) {
	d, demo := newDemo()
	animal, dog, speak := animals(d)

	tests := []struct {
		typ  *metadata.Type
		want int32
	}{
		{animal, 1},
		{dog, 2},
	}
	for _, tt := range tests {
		m := static(demo, "Make"+tt.typ.Name()[5:], nil, d.Core.Int32)
		b := bytecode.NewBuilder()
		b.EmitToken(bytecode.OpNewobj, tt.typ.FindMethod(".ctor", 0).Token())
		b.EmitToken(bytecode.OpCallvirt, speak.Token()).Ret()
		m.Body = b.MustBuild()
	}
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	for _, tt := range tests {
		t.Run(tt.typ.Name(), func(t *testing.T) {
			m := demo.FindMethod("Make"+tt.typ.Name()[5:], 0)
			got, err := vm.Invoke(m, nil)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if got.(int32) != tt.want {
				t.Errorf("Expected %d, got %v", tt.want, got)
			}
		})
	}

	// 宿主直接以子类对象调用基类虚方法
	got, err := vm.Invoke(speak, newObject(dog))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.(int32) != 2 {
		t.Errorf("Expected 2, got %v", got)
	}
	if s := vm.Stats(); s.DispatchMisses == 0 {
		t.Errorf("Expected dispatch cache to be used, got %+v", s)
	}
}

func TestInvokeNullReceiver(t *testing.T) {
	d, _ := newDemo()
	_, _, speak := animals(d)
	vm := newTestVM(t, d, nil)

	_, err := vm.Invoke(speak, nil)
	expectUncaught(t, err, "System.NullReferenceException")
}

func TestBoxing(t *testing.T) {
	d, demo := newDemo()
	animal, _, _ := animals(d)
	i32 := d.Core.Int32.Token()

	// Inc(x) = (object)x is int ? (int)(object)x + 1 : 0
	inc := static(demo, "Inc", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
	b := bytecode.NewBuilder()
	b.Ldarg(0).EmitToken(bytecode.OpBox, i32).EmitToken(bytecode.OpIsinst, i32).EmitBranch(bytecode.OpBrfalse, "no")
	b.Ldarg(0).EmitToken(bytecode.OpBox, i32).EmitToken(bytecode.OpUnboxAny, i32).LdcI4(1).Emit(bytecode.OpAdd).Ret()
	b.Label("no").LdcI4(0).Ret()
	inc.Body = b.MustBuild()

	bad := static(demo, "Bad", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
	b = bytecode.NewBuilder()
	b.Ldarg(0).EmitToken(bytecode.OpBox, i32).EmitToken(bytecode.OpCastclass, animal.Token()).Emit(bytecode.OpPop)
	b.LdcI4(0).Ret()
	bad.Body = b.MustBuild()
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	got, err := vm.Invoke(inc, nil, int32(41))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.(int32) != 42 {
		t.Errorf("Expected 42, got %v", got)
	}

	_, err = vm.Invoke(bad, nil, int32(1))
	expectUncaught(t, err, "System.InvalidCastException")
}

func TestUnboxMismatch(t *testing.T) {
	d, demo := newDemo()
	m := static(demo, "Reinterpret", []metadata.TypeDesc{d.Core.Int32}, d.Core.Double)
	b := bytecode.NewBuilder()
	b.Ldarg(0).EmitToken(bytecode.OpBox, d.Core.Int32.Token()).EmitToken(bytecode.OpUnboxAny, d.Core.Double.Token()).Ret()
	m.Body = b.MustBuild()
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	_, err := vm.Invoke(m, nil, int32(1))
	var rf *errors.RuntimeFault
	if !errors.As(err, &rf) {
		t.Fatalf("Expected RuntimeFault, got %T (%v)", err, err)
	}
	if rf.Code != errors.R0001 {
		t.Errorf("Expected %s, got %s", errors.R0001, rf.Code)
	}
	if !errors.IsFatal(rf.Code) {
		t.Error("Expected unbox mismatch to be fatal")
	}
}

// ============================================================================
// 字段与值类型
// ============================================================================

// point 引用类型 Demo.Point { int X; int Y; int Sum() => X + Y; }
func point(d *metadata.Domain) (typ *metadata.Type, x, y *metadata.Field, sum *metadata.Method) {
	typ = metadata.NewType("Demo.Point", d.Core.Object, false)
	x = typ.AddField("X", d.Core.Int32)
	y = typ.AddField("Y", d.Core.Int32)
	ctor := typ.AddMethod(metadata.NewMethod(".ctor", nil, nil, true))
	ctor.IsConstructor = true
	ctor.Body = bytecode.NewBuilder().Ret().MustBuild()
	sum = typ.AddMethod(metadata.NewMethod("Sum", nil, d.Core.Int32, true))
	b := bytecode.NewBuilder()
	b.Ldarg(0).EmitToken(bytecode.OpLdfld, x.Token()).Ldarg(0).EmitToken(bytecode.OpLdfld, y.Token()).Emit(bytecode.OpAdd).Ret()
	sum.Body = b.MustBuild()
	d.RegisterType(typ)
	return typ, x, y, sum
}

// TestObjectFields
//
//	var p = new Point(); p.X = 3; p.Y = 4;
//	return p.X * p.Y + p.Sum();
func TestObjectFields(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			d, demo := newDemo()
			typ, x, y, sum := point(d)
			m := static(demo, "Area", nil, d.Core.Int32)
			b := bytecode.NewBuilder()
			p := b.Local(typ.Token())
			b.EmitToken(bytecode.OpNewobj, typ.FindMethod(".ctor", 0).Token()).Stloc(p)
			b.Ldloc(p).LdcI4(3).EmitToken(bytecode.OpStfld, x.Token())
			b.Ldloc(p).LdcI4(4).EmitToken(bytecode.OpStfld, y.Token())
			b.Ldloc(p).EmitToken(bytecode.OpLdfld, x.Token()).Ldloc(p).EmitToken(bytecode.OpLdfld, y.Token()).Emit(bytecode.OpMul)
			b.Ldloc(p).Call(sum.Token()).Emit(bytecode.OpAdd).Ret()
			m.Body = b.MustBuild()
			d.RegisterType(demo)
			vm := newTestVM(t, d, mode.tweak)

			got, err := vm.Invoke(m, nil)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if got.(int32) != 19 {
				t.Errorf("Expected 19, got %v", got)
			}
		})
	}
}

// counter 值类型 Demo.Counter { int X; int Bump(int n) { X += n; return X; } }
// 以及 ViaArg(Counter c) => c.Bump(5)
func counter(d *metadata.Domain, demo *metadata.Type) (typ *metadata.Type, x *metadata.Field, bump, viaArg *metadata.Method) {
	typ = metadata.NewType("Demo.Counter", d.Core.ValueType, true)
	x = typ.AddField("X", d.Core.Int32)
	bump = typ.AddMethod(metadata.NewMethod("Bump", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32, true))
	b := bytecode.NewBuilder()
	b.Ldarg(0).Ldarg(0).EmitToken(bytecode.OpLdfld, x.Token()).Ldarg(1).Emit(bytecode.OpAdd).EmitToken(bytecode.OpStfld, x.Token())
	b.Ldarg(0).EmitToken(bytecode.OpLdfld, x.Token()).Ret()
	bump.Body = b.MustBuild()
	d.RegisterType(typ)

	viaArg = static(demo, "ViaArg", []metadata.TypeDesc{typ}, d.Core.Int32)
	viaArg.Body = bytecode.NewBuilder().EmitInt(bytecode.OpLdarga, 0).LdcI4(5).Call(bump.Token()).Ret().MustBuild()
	return typ, x, bump, viaArg
}

// TestValueTypeAddress 通过地址调用值类型的修改方法，赋值与传参仍是复制
//
//	Counter a, b;
//	a.X = 10; b = a;
//	a.Bump(100); b.Bump(1);
//	int r = ViaArg(a);
//	return a.X * 100 + b.X + r;
func TestValueTypeAddress(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			d, demo := newDemo()
			typ, x, bump, viaArg := counter(d, demo)
			m := static(demo, "Run", nil, d.Core.Int32)
			b := bytecode.NewBuilder()
			la := b.Local(typ.Token())
			lb := b.Local(typ.Token())
			r := b.Local(d.Core.Int32.Token())
			b.EmitInt(bytecode.OpLdloca, int64(la)).LdcI4(10).EmitToken(bytecode.OpStfld, x.Token())
			b.Ldloc(la).Stloc(lb)
			b.EmitInt(bytecode.OpLdloca, int64(la)).LdcI4(100).Call(bump.Token()).Emit(bytecode.OpPop)
			b.EmitInt(bytecode.OpLdloca, int64(lb)).LdcI4(1).Call(bump.Token()).Emit(bytecode.OpPop)
			b.Ldloc(la).Call(viaArg.Token()).Stloc(r)
			b.EmitInt(bytecode.OpLdloca, int64(la)).EmitToken(bytecode.OpLdfld, x.Token()).LdcI4(100).Emit(bytecode.OpMul)
			b.Ldloc(lb).EmitToken(bytecode.OpLdfld, x.Token()).Emit(bytecode.OpAdd)
			b.Ldloc(r).Emit(bytecode.OpAdd).Ret()
			m.Body = b.MustBuild()
			d.RegisterType(demo)
			vm := newTestVM(t, d, mode.tweak)

			got, err := vm.Invoke(m, nil)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			// a.X = 110, b.X = 11, ViaArg 返回 115
			if got.(int32) != 11126 {
				t.Errorf("Expected 11126, got %v", got)
			}
		})
	}
}

// ============================================================================
// 泛型
// ============================================================================

// TestGenericMethod RoundTrip<T>(T x) => (T)(object)x，按实例化类型编译执行
func TestGenericMethod(t *testing.T) {
	d, demo := newDemo()
	t0 := &metadata.GenericParamType{Index: 0}
	rt := static(demo, "RoundTrip", []metadata.TypeDesc{t0}, t0)
	rt.GenericArity = 1
	b := bytecode.NewBuilder()
	b.Ldarg(0).EmitToken(bytecode.OpBox, bytecode.GenericParam(0)).EmitToken(bytecode.OpUnboxAny, bytecode.GenericParam(0)).Ret()
	rt.Body = b.MustBuild()

	ofInt, err := rt.Instantiate(d.Core.Int32)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	ofLong, err := rt.Instantiate(d.Core.Int64)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	caller := static(demo, "Caller", nil, d.Core.Int32)
	caller.Body = bytecode.NewBuilder().LdcI4(42).Call(ofInt.Token()).Ret().MustBuild()
	d.RegisterType(demo)
	d.RegisterMethod(ofInt)
	d.RegisterMethod(ofLong)
	vm := newTestVM(t, d, func(c *config.Config) { c.JIT.Inline = false })

	got, err := vm.Invoke(caller, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.(int32) != 42 {
		t.Errorf("Expected 42, got %v", got)
	}
	got, err = vm.Invoke(ofLong, nil, int64(1)<<40)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.(int64) != 1<<40 {
		t.Errorf("Expected 1<<40, got %v", got)
	}
	if ofInt.State() != metadata.StateCompiled || ofLong.State() != metadata.StateCompiled {
		t.Errorf("Expected both instances compiled, got %s and %s", ofInt.State(), ofLong.State())
	}
}

// ============================================================================
// 静态字段
// ============================================================================

func TestStaticConstructor(t *testing.T) {
	d, _ := newDemo()
	counter := metadata.NewType("Demo.Counter", d.Core.Object, false)
	value := counter.AddStaticField("Value", d.Core.Int32)

	cctor := counter.AddMethod(metadata.NewMethod(".cctor", nil, nil, false))
	cctor.Body = bytecode.NewBuilder().LdcI4(41).EmitToken(bytecode.OpStsfld, value.Token()).Ret().MustBuild()

	next := counter.AddMethod(metadata.NewMethod("Next", nil, d.Core.Int32, false))
	b := bytecode.NewBuilder()
	b.EmitToken(bytecode.OpLdsfld, value.Token()).LdcI4(1).Emit(bytecode.OpAdd).EmitToken(bytecode.OpStsfld, value.Token())
	b.EmitToken(bytecode.OpLdsfld, value.Token()).Ret()
	next.Body = b.MustBuild()
	d.RegisterType(counter)
	vm := newTestVM(t, d, nil)

	for _, want := range []int32{42, 43, 44} {
		got, err := vm.Invoke(next, nil)
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if got.(int32) != want {
			t.Errorf("Expected %d, got %v", want, got)
		}
	}
}

// ============================================================================
// 原生方法
// ============================================================================

func TestBindNative(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	twice := static(demo, "Twice", []metadata.TypeDesc{d.Core.Int32}, d.Core.Int32)
	caller := static(demo, "Caller", nil, d.Core.Int32)
	caller.Body = bytecode.NewBuilder().LdcI4(21).Call(twice.Token()).Ret().MustBuild()
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	fn := func(_ interface{}, args []interface{}) (interface{}, error) {
		return args[0].(int32) * 2, nil
	}
	tests := []struct {
		name     string
		identity string
		fn       metadata.NativeFunc
		wantErr  bool
	}{
		{"unknown", "Demo::Missing()", fn, true},
		{"has-body", fact.FullName(), fn, true},
		{"nil-func", twice.FullName(), nil, true},
		{"ok", twice.FullName(), fn, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vm.BindNative(tt.identity, tt.fn)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}

	got, err := vm.Invoke(caller, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.(int32) != 42 {
		t.Errorf("Expected 42, got %v", got)
	}
	if n := vm.Stats().NativeCalls; n != 1 {
		t.Errorf("Expected 1 native call, got %d", n)
	}
}

func TestUnboundNative(t *testing.T) {
	d, demo := newDemo()
	ghost := static(demo, "Ghost", nil, d.Core.Int32)
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	_, err := vm.Invoke(ghost, nil)
	var rf *errors.RuntimeFault
	if !errors.As(err, &rf) {
		t.Fatalf("Expected RuntimeFault, got %T (%v)", err, err)
	}
	if rf.Code != errors.R0007 {
		t.Errorf("Expected %s, got %s", errors.R0007, rf.Code)
	}
}

func TestCompileAll(t *testing.T) {
	d, demo := newDemo()
	fact := factorial(d, demo)
	broken := static(demo, "Broken", nil, nil)
	broken.Body = &bytecode.MethodBody{}
	d.RegisterType(demo)
	vm := newTestVM(t, d, nil)

	err := vm.CompileAll(fact, broken)
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if n := len(errors.List(err)); n != 1 {
		t.Errorf("Expected 1 error, got %d: %v", n, err)
	}
	if fact.State() != metadata.StateCompiled {
		t.Errorf("Expected Fact compiled, got %s", fact.State())
	}
	if broken.State() != metadata.StateFailed {
		t.Errorf("Expected Broken failed, got %s", broken.State())
	}
	if s := vm.Stats(); s.CompileFailures != 1 {
		t.Errorf("Expected 1 compile failure, got %d", s.CompileFailures)
	}
}
