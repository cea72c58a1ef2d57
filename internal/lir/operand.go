// operand.go - 操作数与作用效果
//
// 操作数是指令对值的一次带类型引用，标注了作用效果（Effect）：
// - Use：指令执行前读取
// - Definition：指令写入，旧值无关
// - Update：读后写，且必须是同一存储
// 效果分类是全覆盖的：每个操作数恰有一种效果。
// Update 操作数约束分配器给成对的源/目的值指派同一位置。

package lir

import "fmt"

// Effect 操作数的作用效果
type Effect int

const (
	EffectUse        Effect = iota // 指令执行前读取
	EffectDefinition               // 指令写入，旧值无关
	EffectUpdate                   // 读后写，同一存储
)

func (e Effect) String() string {
	switch e {
	case EffectUse:
		return "use"
	case EffectDefinition:
		return "def"
	case EffectUpdate:
		return "update"
	default:
		return "?"
	}
}

// RegisterPriority 操作数对寄存器的需求强度
// 区间的使用位置携带此优先级，驱动分配器的溢出决策
type RegisterPriority int

const (
	PriorityNone               RegisterPriority = iota // 无偏好（可在内存中使用）
	PriorityShouldHaveRegister                         // 最好在寄存器中
	PriorityMustHaveRegister                           // 必须在寄存器中
)

func (p RegisterPriority) String() string {
	switch p {
	case PriorityNone:
		return "N"
	case PriorityShouldHaveRegister:
		return "S"
	case PriorityMustHaveRegister:
		return "M"
	default:
		return "?"
	}
}

// Operand 指令对值的带效果引用
type Operand struct {
	Value      *Value
	Effect     Effect
	Categories CategorySet      // 允许的位置类别集合
	Priority   RegisterPriority // 寄存器需求强度

	// Loc 本次使用处的位置，分配器回填
	// 值被分裂后同一个值在不同位置可能驻留不同存储，
	// 因此位置挂在操作数上而不是值上
	Loc Location
}

// Location 返回本次使用处的位置
// 分配器未回填时退回值自身的位置（常量 / 固定位置值）
func (o *Operand) Location() Location {
	if o.Loc != nil {
		return o.Loc
	}
	return o.Value.Location()
}

func (o *Operand) String() string {
	return fmt.Sprintf("%s(%s)", o.Value, o.Effect)
}

// OperandProc 操作数遍历回调
type OperandProc func(op *Operand)

// NewUse 构造一个读取操作数
func NewUse(v *Value, cats CategorySet, prio RegisterPriority) *Operand {
	return &Operand{Value: v, Effect: EffectUse, Categories: cats, Priority: prio}
}

// NewDef 构造一个写入操作数
func NewDef(v *Value, cats CategorySet, prio RegisterPriority) *Operand {
	return &Operand{Value: v, Effect: EffectDefinition, Categories: cats, Priority: prio}
}

// NewUpdate 构造一个读写操作数
func NewUpdate(v *Value, cats CategorySet, prio RegisterPriority) *Operand {
	return &Operand{Value: v, Effect: EffectUpdate, Categories: cats, Priority: prio}
}
