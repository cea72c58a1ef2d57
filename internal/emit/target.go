// target.go - 目标方法元数据
//
// 发射器的产物：机器码加上运行时需要的全部附属信息。
// 安全点的栈引用图与寄存器引用图宁可多报不可少报：
// 多报一个非引用槽只是让 GC 多看一眼，少报一个引用槽是悬挂指针。

package emit

import (
	"github.com/tangzhangming/jadevm/internal/lir"
)

// ValueLocation 去优化状态中单个值的落点
type ValueLocation struct {
	Value *lir.Value
	Loc   lir.Location
}

// SafepointRecord 安全点记录
// CodeOffset 是安全点指令之后（调用则是返回地址）的代码偏移
type SafepointRecord struct {
	CodeOffset int
	IsCall     bool

	// FrameRefMap 帧槽引用图（下标 = 槽大小粒度的帧内槽号）
	FrameRefMap lir.BitSet

	// RegisterRefMap 寄存器引用图（下标 = 寄存器 Serial）
	// 调用安全点的调用者保存寄存器已全部失效，图中只含被调用者保存寄存器
	RegisterRefMap lir.BitSet

	// State 去优化帧描述符链与各值的落点
	State     *lir.JavaFrameDescriptor
	Locations []ValueLocation
}

// CallSiteRecord 直接调用点（安装 / 补丁用）
type CallSiteRecord struct {
	CodeOffset int    // rel32 字段偏移
	Symbol     string // 目标符号
	ReturnOff  int    // 返回地址偏移
}

// HandlerEntry 异常表条目
type HandlerEntry struct {
	StartOffset   int // 被保护区起始代码偏移
	EndOffset     int // 被保护区结束代码偏移（不含）
	HandlerOffset int // 处理器入口代码偏移
}

// TargetMethod 编译产物
type TargetMethod struct {
	Name string

	Code []byte

	FrameSize  int
	SpillSlots int

	Safepoints []SafepointRecord
	CallSites  []CallSiteRecord
	Handlers   []HandlerEntry

	// Relocs 全部外部符号重定位（含调用点和安全点轮询页）
	Relocs []SymbolReloc

	// BlockOffsets 块 ID -> 代码偏移（调试输出用）
	BlockOffsets map[int]int
}

// SafepointAt 按代码偏移查安全点
func (tm *TargetMethod) SafepointAt(off int) *SafepointRecord {
	for i := range tm.Safepoints {
		if tm.Safepoints[i].CodeOffset == off {
			return &tm.Safepoints[i]
		}
	}
	return nil
}

// HandlerFor 查询代码偏移处抛出异常时的处理器入口
// 没有覆盖的条目时返回 -1，表示向调用者解绕
func (tm *TargetMethod) HandlerFor(off int) int {
	for _, h := range tm.Handlers {
		if off >= h.StartOffset && off < h.EndOffset {
			return h.HandlerOffset
		}
	}
	return -1
}
