// value.go - LIR 值模型
//
// LIR 中流动的数据单元。一个值要么是变量（位置待分配），
// 要么是常量，要么在创建时就绑定了具体位置（如入参寄存器）。
// Kind 在创建时固定，之后不可变更。

package lir

import (
	"fmt"
)

// Value LIR 值
type Value struct {
	ID   int  // 方法内唯一编号（变量池下标）
	kind Kind // 创建时固定

	// Const 常量值（IsConst 为 true 时有效）
	Const   int64
	IsConst bool

	// Fixed 创建时绑定的位置（如调用约定给定的入参寄存器）
	// 为 nil 表示位置由分配器决定
	Fixed Location

	// Loc 分配结果，由分配器回填
	Loc Location
}

// Kind 返回值的类型标签
func (v *Value) Kind() Kind {
	return v.kind
}

// IsVariable 检查是否是待分配的变量
func (v *Value) IsVariable() bool {
	return !v.IsConst && v.Fixed == nil
}

// Location 返回值的最终位置
// 固定位置的值返回创建时绑定的位置，常量退为全宽立即数，
// 否则返回分配结果
func (v *Value) Location() Location {
	if v.Fixed != nil {
		return v.Fixed
	}
	if v.IsConst {
		return ImmediateLocation{Value: v.Const, Width: 64}
	}
	return v.Loc
}

func (v *Value) String() string {
	switch {
	case v.IsConst:
		return fmt.Sprintf("#%d|%c", v.Const, v.kind.TypeChar())
	case v.Fixed != nil:
		return fmt.Sprintf("%s|%c", v.Fixed, v.kind.TypeChar())
	default:
		return fmt.Sprintf("v%d|%c", v.ID, v.kind.TypeChar())
	}
}

// ============================================================================
// 变量池
// ============================================================================

// VariablePool 方法内的值池
// 所有值按 ID 连续存放，区间构建和活跃分析用 ID 做位图下标
type VariablePool struct {
	values []*Value
}

// NewVariablePool 创建变量池
func NewVariablePool() *VariablePool {
	return &VariablePool{}
}

// NewVariable 创建新变量
func (p *VariablePool) NewVariable(kind Kind) *Value {
	v := &Value{ID: len(p.values), kind: kind}
	p.values = append(p.values, v)
	return v
}

// NewConst 创建常量值
func (p *VariablePool) NewConst(kind Kind, c int64) *Value {
	v := &Value{ID: len(p.values), kind: kind, Const: c, IsConst: true}
	p.values = append(p.values, v)
	return v
}

// NewFixed 创建位置固定的值（如入参寄存器、调用约定要求的位置）
func (p *VariablePool) NewFixed(kind Kind, loc Location) *Value {
	v := &Value{ID: len(p.values), kind: kind, Fixed: loc}
	p.values = append(p.values, v)
	return v
}

// Get 按 ID 取值
func (p *VariablePool) Get(id int) *Value {
	return p.values[id]
}

// Count 值总数
func (p *VariablePool) Count() int {
	return len(p.values)
}

// Values 返回全部值（只读遍历用）
func (p *VariablePool) Values() []*Value {
	return p.values
}
