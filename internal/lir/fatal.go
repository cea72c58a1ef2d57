// fatal.go - 编译器内部不变式违例
//
// 指令无法为给定类别组合表达效果时触发的"不可能位置类别"
// 属于编译器内部缺陷，不是用户错误：中止当前方法的编译，
// 不做重试。以 panic 形式携带诊断上下文向上传播，
// 由编译驱动层在编译边界统一捕获。

package lir

import "fmt"

// FatalError 编译器内部致命错误
type FatalError struct {
	Msg     string
	Instr   Instruction // 触发指令（可为 nil）
	Operand *Operand    // 触发操作数（可为 nil）
}

func (e *FatalError) Error() string {
	s := "lir: " + e.Msg
	if e.Instr != nil {
		s += fmt.Sprintf(" [at %d: %s]", e.Instr.Pos(), e.Instr)
	}
	if e.Operand != nil {
		s += fmt.Sprintf(" [operand %s cats=%s]", e.Operand, e.Operand.Categories)
	}
	return s
}

// ImpossibleLocationCategory 中止编译：操作数落在不可表达的类别上
func ImpossibleLocationCategory(instr Instruction, op *Operand, got LocationCategory) {
	panic(&FatalError{
		Msg:     fmt.Sprintf("impossible location category %s", got),
		Instr:   instr,
		Operand: op,
	})
}

// Fatalf 中止编译：通用内部不变式违例
func Fatalf(instr Instruction, format string, args ...interface{}) {
	panic(&FatalError{Msg: fmt.Sprintf(format, args...), Instr: instr})
}
