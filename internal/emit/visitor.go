// visitor.go - 指令双派发
//
// 发射规则按"具体指令 -> 指令类 -> 致命错误"三级回落：
// 先找指令专属规则，没有则回落到所属指令类的通用规则，
// 仍然没有说明后端缺规则，属于内部缺陷，中止编译。

package emit

import (
	"github.com/tangzhangming/jadevm/internal/lir"
)

// Visitor 指令专属规则集
type Visitor interface {
	DoBinOp(i *lir.BinOp)
	DoUnOp(i *lir.UnOp)
	DoMove(i *lir.Move)
	DoCmp(i *lir.Cmp)
	DoBranch(i *lir.Branch)
	DoJump(i *lir.Jump)
	DoReturn(i *lir.Return)
	DoCall(i *lir.Call)
	DoSafepoint(i *lir.Safepoint)
	DoFence(i *lir.Fence)
	DoMonitorEnter(i *lir.MonitorEnter)
	DoMonitorExit(i *lir.MonitorExit)
	DoStackAllocate(i *lir.StackAllocate)
}

// ClassHandler 指令类级回落规则
type ClassHandler interface {
	DoClass(i lir.Instruction)
}

// Dispatch 把指令派发到对应规则
// 未知指令类型回落到类级规则；无类级规则时中止
func Dispatch(v Visitor, i lir.Instruction) {
	switch instr := i.(type) {
	case *lir.BinOp:
		v.DoBinOp(instr)
	case *lir.UnOp:
		v.DoUnOp(instr)
	case *lir.Move:
		v.DoMove(instr)
	case *lir.Cmp:
		v.DoCmp(instr)
	case *lir.Branch:
		v.DoBranch(instr)
	case *lir.Jump:
		v.DoJump(instr)
	case *lir.Return:
		v.DoReturn(instr)
	case *lir.Call:
		v.DoCall(instr)
	case *lir.Safepoint:
		v.DoSafepoint(instr)
	case *lir.Fence:
		v.DoFence(instr)
	case *lir.MonitorEnter:
		v.DoMonitorEnter(instr)
	case *lir.MonitorExit:
		v.DoMonitorExit(instr)
	case *lir.StackAllocate:
		v.DoStackAllocate(instr)
	default:
		if ch, ok := v.(ClassHandler); ok {
			ch.DoClass(i)
			return
		}
		lir.Fatalf(i, "emit: no rule for instruction type %T", i)
	}
}
