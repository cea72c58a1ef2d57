// instr.go - LIR 指令模型
//
// LIR 指令是带类型操作数的节点，组织在基本块中。
// 每条指令暴露统一的操作数遍历接口（VisitOperands），
// 控制流指令另外实现后继块的遍历 / 替换 / 选择接口，
// 供块布局和落空（fall-through）优化使用。
//
// 指令位置（Pos）由编号 pass 统一指派：指令占偶数位置，
// 奇数位置是空隙位置，留给分裂 / 解析移动的插入。
// 任何重排后必须重新编号，区间端点比较依赖位置唯一。

package lir

import (
	"fmt"
	"strings"
)

// ============================================================================
// 指令接口
// ============================================================================

// InstrClass 指令大类
// 发射器的双层派发以大类为回退目标：具体指令没有专门处理例程时，
// 落到大类的通用例程；大类也没有则是致命的后端缺口
type InstrClass int

const (
	ClassMisc InstrClass = iota
	ClassMove
	ClassArith
	ClassShift
	ClassCompare
	ClassControl
	ClassCall
	ClassSync
)

// Instruction LIR 指令
type Instruction interface {
	// Pos 返回指令位置（编号 pass 指派，偶数）
	Pos() int
	SetPos(pos int)

	// Class 返回指令大类（发射器派发回退用）
	Class() InstrClass

	// VisitOperands 对每个操作数调用一次回调
	// 包括调用类指令附带的帧描述符中的去优化状态值
	VisitOperands(proc OperandProc)

	// LiveVars 返回指令处的活跃变量快照（活跃分析 pass 回填）
	LiveVars() BitSet
	SetLiveVars(s BitSet)

	String() string
}

// BlockTransfer 控制流转移指令的附加接口
type BlockTransfer interface {
	Instruction

	// VisitSuccessors 对每个后继块调用一次回调
	VisitSuccessors(proc func(b *Block))

	// SubstituteSuccessors 用回调返回的块替换各后继
	SubstituteSuccessors(sub func(b *Block) *Block)

	// SelectSuccessor 从符合条件的后继中选出落空布局的首选块
	// 没有符合条件的后继时返回 nil
	SelectSuccessor(eligible func(b *Block) bool) *Block
}

// baseInstr 指令公共字段
type baseInstr struct {
	pos  int
	live BitSet
}

func (b *baseInstr) Pos() int             { return b.pos }
func (b *baseInstr) SetPos(pos int)       { b.pos = pos }
func (b *baseInstr) LiveVars() BitSet     { return b.live }
func (b *baseInstr) SetLiveVars(s BitSet) { b.live = s }

// VisitOperands 默认实现：无操作数的指令（如栅栏）不必覆盖
func (b *baseInstr) VisitOperands(proc OperandProc) {}

// ============================================================================
// 条件码
// ============================================================================

// Condition 比较条件
type Condition int

const (
	CondEQ Condition = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

func (c Condition) String() string {
	switch c {
	case CondEQ:
		return "eq"
	case CondNE:
		return "ne"
	case CondLT:
		return "lt"
	case CondLE:
		return "le"
	case CondGT:
		return "gt"
	case CondGE:
		return "ge"
	default:
		return "?"
	}
}

// Negate 返回相反条件
func (c Condition) Negate() Condition {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondGE:
		return CondLT
	}
	return c
}

// ============================================================================
// 算术指令
// ============================================================================

// ArithOp 算术操作码
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
	OpNeg
	OpNot
)

func (op ArithOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpXor:
		return "xor"
	case OpShl:
		return "shl"
	case OpShr:
		return "shr"
	case OpSar:
		return "sar"
	case OpNeg:
		return "neg"
	case OpNot:
		return "not"
	default:
		return "?"
	}
}

// IsShift 检查是否是移位操作
func (op ArithOp) IsShift() bool {
	return op == OpShl || op == OpShr || op == OpSar
}

// BinOp 二元算术指令（两地址形式：目的操作数是 Update）
type BinOp struct {
	baseInstr
	Op   ArithOp
	Dest *Operand // Update：读后写
	Src  *Operand // Use
}

func (i *BinOp) Class() InstrClass {
	if i.Op.IsShift() {
		return ClassShift
	}
	return ClassArith
}

func (i *BinOp) VisitOperands(proc OperandProc) {
	proc(i.Dest)
	proc(i.Src)
}

func (i *BinOp) String() string {
	return fmt.Sprintf("%s %s, %s", i.Op, i.Dest, i.Src)
}

// UnOp 一元算术指令
type UnOp struct {
	baseInstr
	Op   ArithOp
	Dest *Operand // Update
}

func (i *UnOp) Class() InstrClass { return ClassArith }

func (i *UnOp) VisitOperands(proc OperandProc) {
	proc(i.Dest)
}

func (i *UnOp) String() string {
	return fmt.Sprintf("%s %s", i.Op, i.Dest)
}

// ============================================================================
// 移动指令
// ============================================================================

// Move 值移动指令
// 分配器的溢出存取和边解析移动也用本指令表达
type Move struct {
	baseInstr
	Dest *Operand // Definition
	Src  *Operand // Use

	// Resolution 标记这是解析 / 溢出阶段插入的移动（调试输出用）
	Resolution bool
}

func (i *Move) Class() InstrClass { return ClassMove }

func (i *Move) VisitOperands(proc OperandProc) {
	proc(i.Src)
	proc(i.Dest)
}

func (i *Move) String() string {
	tag := "move"
	if i.Resolution {
		tag = "move*"
	}
	return fmt.Sprintf("%s %s <- %s", tag, i.Dest, i.Src)
}

// ============================================================================
// 比较与控制流
// ============================================================================

// Cmp 比较指令（设置条件码）
type Cmp struct {
	baseInstr
	Left  *Operand // Use
	Right *Operand // Use
}

func (i *Cmp) Class() InstrClass { return ClassCompare }

func (i *Cmp) VisitOperands(proc OperandProc) {
	proc(i.Left)
	proc(i.Right)
}

func (i *Cmp) String() string {
	return fmt.Sprintf("cmp %s, %s", i.Left, i.Right)
}

// Branch 条件分支
// TrueTarget / FalseTarget 均为显式后继，落空布局在块排序时决定
type Branch struct {
	baseInstr
	Cond        Condition
	TrueTarget  *Block
	FalseTarget *Block
}

func (i *Branch) Class() InstrClass { return ClassControl }

func (i *Branch) VisitSuccessors(proc func(b *Block)) {
	proc(i.TrueTarget)
	proc(i.FalseTarget)
}

func (i *Branch) SubstituteSuccessors(sub func(b *Block) *Block) {
	i.TrueTarget = sub(i.TrueTarget)
	i.FalseTarget = sub(i.FalseTarget)
}

func (i *Branch) SelectSuccessor(eligible func(b *Block) bool) *Block {
	// 优先选 false 分支落空，这样条件跳转保持原条件
	if eligible(i.FalseTarget) {
		return i.FalseTarget
	}
	if eligible(i.TrueTarget) {
		return i.TrueTarget
	}
	return nil
}

func (i *Branch) String() string {
	return fmt.Sprintf("branch %s B%d B%d", i.Cond, i.TrueTarget.ID, i.FalseTarget.ID)
}

// Jump 无条件跳转
type Jump struct {
	baseInstr
	Target *Block
}

func (i *Jump) Class() InstrClass { return ClassControl }

func (i *Jump) VisitSuccessors(proc func(b *Block)) {
	proc(i.Target)
}

func (i *Jump) SubstituteSuccessors(sub func(b *Block) *Block) {
	i.Target = sub(i.Target)
}

func (i *Jump) SelectSuccessor(eligible func(b *Block) bool) *Block {
	if eligible(i.Target) {
		return i.Target
	}
	return nil
}

func (i *Jump) String() string {
	return fmt.Sprintf("jump B%d", i.Target.ID)
}

// Return 返回指令
type Return struct {
	baseInstr
	Value *Operand // Use（固定在返回值寄存器）；无返回值时为 nil
}

func (i *Return) Class() InstrClass { return ClassControl }

func (i *Return) VisitOperands(proc OperandProc) {
	if i.Value != nil {
		proc(i.Value)
	}
}

func (i *Return) VisitSuccessors(proc func(b *Block))              {}
func (i *Return) SubstituteSuccessors(sub func(b *Block) *Block)   {}
func (i *Return) SelectSuccessor(eligible func(b *Block) bool) *Block { return nil }

func (i *Return) String() string {
	if i.Value != nil {
		return fmt.Sprintf("return %s", i.Value)
	}
	return "return"
}

// ============================================================================
// 调用与安全点
// ============================================================================

// Call 方法调用
// 参数操作数固定在调用约定给定的位置；State 是去优化帧描述符链
type Call struct {
	baseInstr
	Target string     // 直接调用目标（方法标识）
	Args   []*Operand // Use，固定位置
	Result *Operand   // Definition，固定在返回值寄存器；无返回值时为 nil
	State  *JavaFrameDescriptor
}

func (i *Call) Class() InstrClass { return ClassCall }

func (i *Call) VisitOperands(proc OperandProc) {
	for _, a := range i.Args {
		proc(a)
	}
	if i.Result != nil {
		proc(i.Result)
	}
	// 帧描述符中的去优化状态值同样参与区间构建：
	// 它们在调用点必须有可恢复的位置
	if i.State != nil {
		i.State.VisitValues(func(v *Value) {
			proc(&Operand{Value: v, Effect: EffectUse, Categories: G_L_S, Priority: PriorityNone})
		})
	}
}

func (i *Call) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "call %s(", i.Target)
	for n, a := range i.Args {
		if n > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	sb.WriteString(")")
	if i.Result != nil {
		fmt.Fprintf(&sb, " -> %s", i.Result)
	}
	return sb.String()
}

// Safepoint 安全点指令
// 运行时可在此检查 / 修改所有活跃引用；引用图由发射器按活跃快照生成
type Safepoint struct {
	baseInstr
	State *JavaFrameDescriptor
}

func (i *Safepoint) Class() InstrClass { return ClassMisc }

func (i *Safepoint) VisitOperands(proc OperandProc) {
	if i.State != nil {
		i.State.VisitValues(func(v *Value) {
			proc(&Operand{Value: v, Effect: EffectUse, Categories: G_L_S, Priority: PriorityNone})
		})
	}
}

func (i *Safepoint) String() string {
	return "safepoint"
}

// Fence 内存栅栏（无值操作数）
type Fence struct {
	baseInstr
}

func (i *Fence) Class() InstrClass { return ClassMisc }

func (i *Fence) String() string {
	return "fence"
}

// ============================================================================
// 同步与栈分配
// ============================================================================

// MonitorEnter 进入栈上监视器
type MonitorEnter struct {
	baseInstr
	Object       *Operand // Use：锁对象引用
	MonitorIndex int      // 帧内监视器下标
	State        *JavaFrameDescriptor
}

func (i *MonitorEnter) Class() InstrClass { return ClassSync }

func (i *MonitorEnter) VisitOperands(proc OperandProc) {
	proc(i.Object)
}

func (i *MonitorEnter) String() string {
	return fmt.Sprintf("monitorenter %s [%d]", i.Object, i.MonitorIndex)
}

// MonitorExit 退出栈上监视器
type MonitorExit struct {
	baseInstr
	Object       *Operand
	MonitorIndex int
}

func (i *MonitorExit) Class() InstrClass { return ClassSync }

func (i *MonitorExit) VisitOperands(proc OperandProc) {
	proc(i.Object)
}

func (i *MonitorExit) String() string {
	return fmt.Sprintf("monitorexit %s [%d]", i.Object, i.MonitorIndex)
}

// StackBlockHandle 帧图返回的栈块描述符
// 请求时帧大小未定，描述符在帧定型后才能解析为具体偏移
type StackBlockHandle interface {
	BlockSize() int
	ContainsRefs() bool
}

// StackAllocate 栈上分配（ALLOCA）
// 目的操作数接收块的地址；块本身由帧图在编译早期预留
type StackAllocate struct {
	baseInstr
	Dest  *Operand // Definition
	Block StackBlockHandle
}

func (i *StackAllocate) Class() InstrClass { return ClassMisc }

func (i *StackAllocate) VisitOperands(proc OperandProc) {
	proc(i.Dest)
}

func (i *StackAllocate) String() string {
	return fmt.Sprintf("alloca %s size=%d refs=%v", i.Dest, i.Block.BlockSize(), i.Block.ContainsRefs())
}
