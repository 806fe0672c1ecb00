// arith.go - 数值运算、比较与类型转换
//
// Integer 与 Long 混合运算时提升为 Long，Float 与 Double 混合时提升为
// Double。整数与浮点数混合属于内部错误。

package vm

import (
	"math"

	"github.com/tangzhangming/regvm/internal/errors"
	"github.com/tangzhangming/regvm/internal/regcode"
)

// immBase 立即数操作码（含立即数分支）-> 对应的寄存器操作码
var immBase = map[regcode.OpCode]regcode.OpCode{}

func init() {
	for op := regcode.Nop; op.Valid(); op++ {
		if imm := op.Info().ImmForm; imm != regcode.Nop {
			immBase[imm] = op
		}
	}
}

// immediate 立即数按寄存器的类型解释
func immediate(a Slot, k int64) Slot {
	switch a.Kind {
	case KindInteger:
		return IntegerSlot(int32(k))
	case KindFloat:
		return FloatSlot(float32(k))
	case KindDouble:
		return DoubleSlot(float64(k))
	}
	return LongSlot(k)
}

// unify 统一两个数值操作数的类型
func unify(a, b Slot) (Slot, Slot, error) {
	if a.Kind == b.Kind {
		return a, b, nil
	}
	switch {
	case a.Kind == KindInteger && b.Kind == KindLong:
		return LongSlot(int64(a.Int32())), b, nil
	case a.Kind == KindLong && b.Kind == KindInteger:
		return a, LongSlot(int64(b.Int32())), nil
	case a.Kind == KindFloat && b.Kind == KindDouble:
		return DoubleSlot(float64(a.Float32())), b, nil
	case a.Kind == KindDouble && b.Kind == KindFloat:
		return a, DoubleSlot(float64(b.Float32())), nil
	}
	return a, b, errors.Faultf(errors.R0001, "operands %s and %s", a.Kind, b.Kind)
}

// ============================================================================
// 二元运算
// ============================================================================

// arith 二元运算 a op b
func (vm *VM) arith(op regcode.OpCode, a, b Slot) (Slot, *ThrownException, error) {
	switch op {
	case regcode.Shl, regcode.Shr, regcode.ShrUn:
		r, err := shift(op, a, b)
		return r, nil, err
	}
	a, b, err := unify(a, b)
	if err != nil {
		return NullSlot, nil, err
	}
	switch a.Kind {
	case KindInteger:
		return vm.arith32(op, a.Int32(), b.Int32())
	case KindLong:
		return vm.arith64(op, a.Int64(), b.Int64())
	case KindFloat:
		r, err := arithFloat(op, float64(a.Float32()), float64(b.Float32()))
		return FloatSlot(float32(r)), nil, err
	case KindDouble:
		r, err := arithFloat(op, a.Float64(), b.Float64())
		return DoubleSlot(r), nil, err
	}
	return NullSlot, nil, errors.Faultf(errors.R0001, "%s on %s", op, a.Kind)
}

func (vm *VM) arith32(op regcode.OpCode, x, y int32) (Slot, *ThrownException, error) {
	switch op {
	case regcode.Add:
		return IntegerSlot(x + y), nil, nil
	case regcode.Sub:
		return IntegerSlot(x - y), nil, nil
	case regcode.Mul:
		return IntegerSlot(x * y), nil, nil
	case regcode.Div, regcode.Rem:
		if y == 0 {
			return NullSlot, vm.divideByZero(), nil
		}
		if x == math.MinInt32 && y == -1 {
			return NullSlot, vm.overflow("Arithmetic operation resulted in an overflow."), nil
		}
		if op == regcode.Div {
			return IntegerSlot(x / y), nil, nil
		}
		return IntegerSlot(x % y), nil, nil
	case regcode.DivUn, regcode.RemUn:
		if y == 0 {
			return NullSlot, vm.divideByZero(), nil
		}
		if op == regcode.DivUn {
			return IntegerSlot(int32(uint32(x) / uint32(y))), nil, nil
		}
		return IntegerSlot(int32(uint32(x) % uint32(y))), nil, nil
	case regcode.And:
		return IntegerSlot(x & y), nil, nil
	case regcode.Or:
		return IntegerSlot(x | y), nil, nil
	case regcode.Xor:
		return IntegerSlot(x ^ y), nil, nil
	}
	return NullSlot, nil, errors.Faultf(errors.R0002, "%s is not an arithmetic opcode", op)
}

func (vm *VM) arith64(op regcode.OpCode, x, y int64) (Slot, *ThrownException, error) {
	switch op {
	case regcode.Add:
		return LongSlot(x + y), nil, nil
	case regcode.Sub:
		return LongSlot(x - y), nil, nil
	case regcode.Mul:
		return LongSlot(x * y), nil, nil
	case regcode.Div, regcode.Rem:
		if y == 0 {
			return NullSlot, vm.divideByZero(), nil
		}
		if x == math.MinInt64 && y == -1 {
			return NullSlot, vm.overflow("Arithmetic operation resulted in an overflow."), nil
		}
		if op == regcode.Div {
			return LongSlot(x / y), nil, nil
		}
		return LongSlot(x % y), nil, nil
	case regcode.DivUn, regcode.RemUn:
		if y == 0 {
			return NullSlot, vm.divideByZero(), nil
		}
		if op == regcode.DivUn {
			return LongSlot(int64(uint64(x) / uint64(y))), nil, nil
		}
		return LongSlot(int64(uint64(x) % uint64(y))), nil, nil
	case regcode.And:
		return LongSlot(x & y), nil, nil
	case regcode.Or:
		return LongSlot(x | y), nil, nil
	case regcode.Xor:
		return LongSlot(x ^ y), nil, nil
	}
	return NullSlot, nil, errors.Faultf(errors.R0002, "%s is not an arithmetic opcode", op)
}

// arithFloat 浮点除零得到无穷大或 NaN，不抛异常
func arithFloat(op regcode.OpCode, x, y float64) (float64, error) {
	switch op {
	case regcode.Add:
		return x + y, nil
	case regcode.Sub:
		return x - y, nil
	case regcode.Mul:
		return x * y, nil
	case regcode.Div:
		return x / y, nil
	case regcode.Rem:
		return math.Mod(x, y), nil
	}
	return 0, errors.Faultf(errors.R0001, "%s on floating point operands", op)
}

// shift 移位数按被移位值的宽度取模
func shift(op regcode.OpCode, a, b Slot) (Slot, error) {
	n, err := index(b)
	if err != nil {
		return NullSlot, err
	}
	switch a.Kind {
	case KindInteger:
		x, c := a.Int32(), uint(n&31)
		switch op {
		case regcode.Shl:
			return IntegerSlot(x << c), nil
		case regcode.Shr:
			return IntegerSlot(x >> c), nil
		default:
			return IntegerSlot(int32(uint32(x) >> c)), nil
		}
	case KindLong:
		x, c := a.Int64(), uint(n&63)
		switch op {
		case regcode.Shl:
			return LongSlot(x << c), nil
		case regcode.Shr:
			return LongSlot(x >> c), nil
		default:
			return LongSlot(int64(uint64(x) >> c)), nil
		}
	}
	return NullSlot, errors.Faultf(errors.R0001, "%s on %s", op, a.Kind)
}

// unary neg / not
func unary(op regcode.OpCode, a Slot) (Slot, error) {
	switch a.Kind {
	case KindInteger:
		if op == regcode.Neg {
			return IntegerSlot(-a.Int32()), nil
		}
		return IntegerSlot(^a.Int32()), nil
	case KindLong:
		if op == regcode.Neg {
			return LongSlot(-a.Int64()), nil
		}
		return LongSlot(^a.Int64()), nil
	case KindFloat:
		if op == regcode.Neg {
			return FloatSlot(-a.Float32()), nil
		}
	case KindDouble:
		if op == regcode.Neg {
			return DoubleSlot(-a.Float64()), nil
		}
	}
	return NullSlot, errors.Faultf(errors.R0001, "%s on %s", op, a.Kind)
}

// ============================================================================
// 比较
// ============================================================================

// compare 返回 -1/0/1；浮点操作数含 NaN 时 unordered 为 true。
// 引用只比较相等性，不相等时返回 1。
func compare(a Slot, aref interface{}, b Slot, bref interface{}, unsigned bool) (int, bool, error) {
	if isReference(a.Kind) || isReference(b.Kind) {
		if !isReference(a.Kind) || !isReference(b.Kind) {
			return 0, false, errors.Faultf(errors.R0001, "compare %s with %s", a.Kind, b.Kind)
		}
		if refEqual(aref, bref) {
			return 0, false, nil
		}
		return 1, false, nil
	}
	if a.IsPointer() || b.IsPointer() {
		if a == b && refEqual(aref, bref) {
			return 0, false, nil
		}
		return 1, false, nil
	}
	a, b, err := unify(a, b)
	if err != nil {
		return 0, false, err
	}
	switch a.Kind {
	case KindInteger:
		if unsigned {
			return order(uint32(a.Int32()), uint32(b.Int32())), false, nil
		}
		return order(a.Int32(), b.Int32()), false, nil
	case KindLong:
		if unsigned {
			return order(uint64(a.Int64()), uint64(b.Int64())), false, nil
		}
		return order(a.Int64(), b.Int64()), false, nil
	case KindFloat, KindDouble:
		x, y := toFloat(a), toFloat(b)
		if math.IsNaN(x) || math.IsNaN(y) {
			return 0, true, nil
		}
		return order(x, y), false, nil
	}
	return 0, false, errors.Faultf(errors.R0001, "compare %s", a.Kind)
}

func isReference(k Kind) bool {
	return k == KindNull || k == KindObject || k == KindValueType
}

func order[T int32 | int64 | uint32 | uint64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func toFloat(s Slot) float64 {
	if s.Kind == KindFloat {
		return float64(s.Float32())
	}
	return s.Float64()
}

// condition 比较与条件分支的判定
func condition(op regcode.OpCode, c int, unordered bool) bool {
	switch op {
	case regcode.Ceq, regcode.Beq:
		return !unordered && c == 0
	case regcode.BneUn:
		return unordered || c != 0
	case regcode.Cgt, regcode.Bgt:
		return !unordered && c > 0
	case regcode.CgtUn:
		return unordered || c > 0
	case regcode.Clt, regcode.Blt:
		return !unordered && c < 0
	case regcode.CltUn:
		return unordered || c < 0
	case regcode.Bge:
		return !unordered && c >= 0
	case regcode.Ble:
		return !unordered && c <= 0
	}
	return false
}

// truthy brtrue / brfalse 的判定
func truthy(s Slot, ref interface{}) bool {
	switch s.Kind {
	case KindNull:
		return false
	case KindInteger, KindLong:
		return s.Value != 0
	case KindFloat:
		return s.Float32() != 0
	case KindDouble:
		return s.Float64() != 0
	case KindObject, KindValueType:
		return ref != nil
	}
	return true
}

// ============================================================================
// 类型转换
// ============================================================================

// convert conv.* 系列（不检查溢出）
func convert(op regcode.OpCode, a Slot) (Slot, error) {
	var i int64
	var fl float64
	isFloat := false
	switch a.Kind {
	case KindInteger:
		i = int64(a.Int32())
	case KindLong:
		i = a.Int64()
	case KindFloat, KindDouble:
		fl, isFloat = toFloat(a), true
	default:
		return NullSlot, errors.Faultf(errors.R0001, "%s on %s", op, a.Kind)
	}
	if isFloat {
		i = int64(fl)
	}

	switch op {
	case regcode.ConvI1:
		return IntegerSlot(int32(int8(i))), nil
	case regcode.ConvI2:
		return IntegerSlot(int32(int16(i))), nil
	case regcode.ConvI4:
		return IntegerSlot(int32(i)), nil
	case regcode.ConvU1:
		return IntegerSlot(int32(uint8(i))), nil
	case regcode.ConvU2:
		return IntegerSlot(int32(uint16(i))), nil
	case regcode.ConvU4:
		return IntegerSlot(int32(uint32(i))), nil
	case regcode.ConvI8:
		return LongSlot(i), nil
	case regcode.ConvU8:
		switch {
		case isFloat:
			return LongSlot(int64(uint64(fl))), nil
		case a.Kind == KindInteger:
			return LongSlot(int64(uint32(a.Int32()))), nil
		}
		return LongSlot(i), nil
	case regcode.ConvR4:
		if isFloat {
			return FloatSlot(float32(fl)), nil
		}
		return FloatSlot(float32(i)), nil
	case regcode.ConvR8:
		if isFloat {
			return DoubleSlot(fl), nil
		}
		return DoubleSlot(float64(i)), nil
	}
	return NullSlot, errors.Faultf(errors.R0002, "%s is not a conversion", op)
}
