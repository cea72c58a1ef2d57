// bailout.go - 编译放弃
//
// 与 FatalError 不同，Bailout 不是编译器缺陷：方法触碰了当前
// 后端的能力边界（位移超界、帧过大等），放弃本次编译并回落到
// 解释执行是正确行为。同样以 panic 传播、在编译边界捕获，
// 但驱动层对两者的处置不同：Bailout 记日志后静默回落，
// FatalError 上报为内部错误。

package lir

import "fmt"

// Bailout 编译放弃
type Bailout struct {
	Reason string
}

func (b *Bailout) Error() string {
	return "lir: compilation bailout: " + b.Reason
}

// BailoutF 放弃当前方法的编译
func BailoutF(format string, args ...interface{}) {
	panic(&Bailout{Reason: fmt.Sprintf(format, args...)})
}
