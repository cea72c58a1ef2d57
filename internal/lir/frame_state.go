// frame_state.go - Java 帧描述符
//
// 调用点和安全点指令附带一条帧描述符链，按内联层次逐级记录
// 各作用域的局部变量槽与操作数栈槽的当前值。
// 去优化时据此重建解释器帧；远端检查协议也消费同样的元数据。

package lir

import (
	"fmt"
	"strings"
)

// JavaFrameDescriptor Java 帧描述符
// Parent 指向外层（调用者 / 内联前）作用域的描述符，构成一条链
type JavaFrameDescriptor struct {
	Parent *JavaFrameDescriptor

	Method string // 方法标识（类::方法）
	BCI    int    // 字节码位置

	Locals []*Value // 局部变量槽快照
	Stack  []*Value // 操作数栈快照
	Locks  []*Value // 持有的锁对象
}

// Depth 返回内联链深度（最外层为 1）
func (d *JavaFrameDescriptor) Depth() int {
	n := 0
	for f := d; f != nil; f = f.Parent {
		n++
	}
	return n
}

// VisitValues 对描述符链上的每个值调用一次回调
// 分配器通过它把去优化状态中的值纳入区间构建
func (d *JavaFrameDescriptor) VisitValues(proc func(v *Value)) {
	for f := d; f != nil; f = f.Parent {
		for _, v := range f.Locals {
			if v != nil {
				proc(v)
			}
		}
		for _, v := range f.Stack {
			if v != nil {
				proc(v)
			}
		}
		for _, v := range f.Locks {
			if v != nil {
				proc(v)
			}
		}
	}
}

func (d *JavaFrameDescriptor) String() string {
	var sb strings.Builder
	for f := d; f != nil; f = f.Parent {
		if f != d {
			sb.WriteString(" <- ")
		}
		fmt.Fprintf(&sb, "%s@%d[locals=%d stack=%d]", f.Method, f.BCI, len(f.Locals), len(f.Stack))
	}
	return sb.String()
}
