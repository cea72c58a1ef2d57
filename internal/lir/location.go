// location.go - 存储位置模型
//
// 本文件定义了 LIR 操作数可以驻留的存储位置及其类别（LocationCategory）。
// 类别是一个全序枚举，同时用位集表示可共存的类别组合。
// 所有常用的类别组合都以命名常量的形式预先固化，
// 分配器热路径上不做任何动态集合运算。

package lir

import (
	"fmt"
)

// ============================================================================
// 位置类别
// ============================================================================

// LocationCategory 存储位置类别
// 顺序即偏好顺序：寄存器优于立即数，立即数优于栈槽和字面量
type LocationCategory int

const (
	CatUndefined LocationCategory = iota // 未定义
	CatIntReg                            // 整数寄存器
	CatFloatReg                          // 浮点寄存器
	CatImm8                              // 8 位立即数
	CatImm16                             // 16 位立即数
	CatImm32                             // 32 位立即数
	CatImm64                             // 64 位立即数
	CatBlock                             // 基本块地址
	CatMethod                            // 方法入口地址
	CatStackSlot                         // 栈槽
	CatLiteral                           // 字面量池
	numLocationCategories
)

// String 返回类别的短名
func (c LocationCategory) String() string {
	switch c {
	case CatUndefined:
		return "U"
	case CatIntReg:
		return "G"
	case CatFloatReg:
		return "F"
	case CatImm8:
		return "I8"
	case CatImm16:
		return "I16"
	case CatImm32:
		return "I32"
	case CatImm64:
		return "I64"
	case CatBlock:
		return "B"
	case CatMethod:
		return "M"
	case CatStackSlot:
		return "S"
	case CatLiteral:
		return "L"
	default:
		return "?"
	}
}

// IsImmediate 检查类别是否属于立即数分区
func (c LocationCategory) IsImmediate() bool {
	return c >= CatImm8 && c <= CatImm64
}

// ImmediateFromWidth 根据位宽返回对应的立即数类别
func ImmediateFromWidth(bits int) LocationCategory {
	switch bits {
	case 8:
		return CatImm8
	case 16:
		return CatImm16
	case 32:
		return CatImm32
	case 64:
		return CatImm64
	}
	panic(fmt.Sprintf("lir: no immediate category for width %d", bits))
}

// ============================================================================
// 类别集合
// ============================================================================

// CategorySet 位置类别的位集
// 指令对操作数的类别要求用一个 CategorySet 表示，
// 分配器只能给操作数指派集合内类别的位置
type CategorySet uint16

// SetOf 构造类别集合
func SetOf(cats ...LocationCategory) CategorySet {
	var s CategorySet
	for _, c := range cats {
		s |= 1 << uint(c)
	}
	return s
}

// Contains 检查类别是否在集合中
func (s CategorySet) Contains(c LocationCategory) bool {
	return s&(1<<uint(c)) != 0
}

// Intersect 求交集
func (s CategorySet) Intersect(other CategorySet) CategorySet {
	return s & other
}

// IsEmpty 检查集合是否为空
func (s CategorySet) IsEmpty() bool {
	return s == 0
}

// String 返回集合的字符串表示，如 {G, I32, S}
func (s CategorySet) String() string {
	out := "{"
	first := true
	for c := CatUndefined; c < numLocationCategories; c++ {
		if s.Contains(c) {
			if !first {
				out += ", "
			}
			out += c.String()
			first = false
		}
	}
	return out + "}"
}

// 预固化的类别组合
// 命名规则沿用短名拼接：G_I32_L_S = {整数寄存器, 32 位立即数, 字面量, 栈槽}
var (
	CatsNone = CategorySet(0)
	CatsAll  = SetOf(CatIntReg, CatFloatReg, CatImm8, CatImm16, CatImm32, CatImm64, CatBlock, CatMethod, CatStackSlot, CatLiteral)

	G = SetOf(CatIntReg)
	F = SetOf(CatFloatReg)
	S = SetOf(CatStackSlot)
	I = SetOf(CatImm8, CatImm16, CatImm32, CatImm64)
	M = SetOf(CatMethod)

	// R 寄存器分区：整数与浮点寄存器
	R = SetOf(CatIntReg, CatFloatReg)

	G_F        = SetOf(CatIntReg, CatFloatReg)
	G_I        = SetOf(CatIntReg, CatImm8, CatImm16, CatImm32, CatImm64)
	G_I32      = SetOf(CatIntReg, CatImm32)
	G_I8_I32   = SetOf(CatIntReg, CatImm8, CatImm32)
	G_I32_I64  = SetOf(CatIntReg, CatImm32, CatImm64)
	I8_I32     = SetOf(CatImm8, CatImm32)
	I32_I64_L  = SetOf(CatImm32, CatImm64, CatLiteral)
	G_I32_L    = SetOf(CatIntReg, CatImm32, CatLiteral)
	G_S        = SetOf(CatIntReg, CatStackSlot)
	B_G_S      = SetOf(CatBlock, CatIntReg, CatStackSlot)
	G_L_S      = SetOf(CatIntReg, CatLiteral, CatStackSlot)
	F_L_S      = SetOf(CatFloatReg, CatLiteral, CatStackSlot)
	M_G        = SetOf(CatMethod, CatIntReg)
	M_G_L_S    = SetOf(CatMethod, CatIntReg, CatLiteral, CatStackSlot)
	G_I32_L_S  = SetOf(CatIntReg, CatImm32, CatLiteral, CatStackSlot)
	G_I32_I64_L_S = SetOf(CatIntReg, CatImm32, CatImm64, CatLiteral, CatStackSlot)
	B_G_I32_I64_L_S = SetOf(CatBlock, CatIntReg, CatImm32, CatImm64, CatLiteral, CatStackSlot)
)

// ConstLocationFor 在操作数允许的类别里为常量挑选位置
// 优先取能容纳常量的最窄立即数类别，允许字面量时退字面量；
// 都不允许时给 64 位立即数，由发射器经临时寄存器物化
func ConstLocationFor(v *Value, cats CategorySet) Location {
	for _, w := range []int{8, 16, 32, 64} {
		if cats.Contains(ImmediateFromWidth(w)) && immFits(v.Const, w) {
			return ImmediateLocation{Value: v.Const, Width: w}
		}
	}
	if cats.Contains(CatLiteral) {
		return LiteralLocation{Index: v.ID}
	}
	return ImmediateLocation{Value: v.Const, Width: 64}
}

// immFits 常量是否能放进给定位宽（符号扩展语义）
func immFits(c int64, bits int) bool {
	if bits >= 64 {
		return true
	}
	lo := int64(-1) << (bits - 1)
	hi := int64(1)<<(bits-1) - 1
	return c >= lo && c <= hi
}

// AreSharingRegisters 检查两个类别集合是否共享寄存器分区
// 两个要求集如果都包含寄存器类别（整数或浮点），
// 则它们在寄存器冲突检测中视为可能争用同一物理存储
func AreSharingRegisters(a, b CategorySet) bool {
	return !a.Intersect(R).IsEmpty() && !b.Intersect(R).IsEmpty()
}

// RegisterCategoryFor 返回 Kind 对应的寄存器类别
func RegisterCategoryFor(k Kind) LocationCategory {
	if k.IsFloat() {
		return CatFloatReg
	}
	return CatIntReg
}

// ============================================================================
// 位置
// ============================================================================

// Location 存储位置
// 一个值经分配后最终驻留的地方：物理寄存器、栈槽、立即数或字面量
type Location interface {
	Category() LocationCategory
	String() string
}

// RegisterLocation 寄存器位置
type RegisterLocation struct {
	Reg *TargetRegister
}

func (l RegisterLocation) Category() LocationCategory {
	if l.Reg.IsFloat {
		return CatFloatReg
	}
	return CatIntReg
}

func (l RegisterLocation) String() string {
	return l.Reg.Name
}

// StackSlotLocation 栈槽位置
// Index 是帧图共享槽索引空间（外调参数区与溢出区共用）中的下标；
// Incoming 标记调用者帧里的入参槽，其寻址越过本帧与返回地址
type StackSlotLocation struct {
	Index    int
	Kind     Kind
	Incoming bool
}

func (l StackSlotLocation) Category() LocationCategory {
	return CatStackSlot
}

func (l StackSlotLocation) String() string {
	if l.Incoming {
		return fmt.Sprintf("arg:%d", l.Index)
	}
	return fmt.Sprintf("stack:%d", l.Index)
}

// ImmediateLocation 立即数位置
type ImmediateLocation struct {
	Value int64
	Width int // 位宽：8/16/32/64
}

func (l ImmediateLocation) Category() LocationCategory {
	return ImmediateFromWidth(l.Width)
}

func (l ImmediateLocation) String() string {
	return fmt.Sprintf("imm%d:%d", l.Width, l.Value)
}

// LiteralLocation 字面量池位置
type LiteralLocation struct {
	Index int
}

func (l LiteralLocation) Category() LocationCategory {
	return CatLiteral
}

func (l LiteralLocation) String() string {
	return fmt.Sprintf("lit:%d", l.Index)
}

// BlockLocation 基本块地址位置（用于跳转表等）
type BlockLocation struct {
	Block *Block
}

func (l BlockLocation) Category() LocationCategory {
	return CatBlock
}

func (l BlockLocation) String() string {
	return fmt.Sprintf("B%d", l.Block.ID)
}

// MethodLocation 方法入口位置（用于直接调用）
type MethodLocation struct {
	Name string
}

func (l MethodLocation) Category() LocationCategory {
	return CatMethod
}

func (l MethodLocation) String() string {
	return "method:" + l.Name
}
