// stats.go - 编译统计
//
// 方法可以在多个 goroutine 上并发编译，计数器用原子类型。

package compiler

import (
	"go.uber.org/atomic"
)

// Stats 编译统计
type Stats struct {
	// Compiled 成功编译的方法数
	Compiled atomic.Int64

	// Bailouts 放弃次数
	Bailouts atomic.Int64

	// InternalErrors 内部错误次数
	InternalErrors atomic.Int64

	// CodeBytes 已发射的机器码总字节数
	CodeBytes atomic.Int64

	// SpillSlots 已分配的溢出槽总数
	SpillSlots atomic.Int64
}

// Snapshot 一致性快照（读取之间无锁，数值可能彼此相差一次编译）
type Snapshot struct {
	Compiled       int64
	Bailouts       int64
	InternalErrors int64
	CodeBytes      int64
	SpillSlots     int64
}

// Snapshot 读取当前统计
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Compiled:       s.Compiled.Load(),
		Bailouts:       s.Bailouts.Load(),
		InternalErrors: s.InternalErrors.Load(),
		CodeBytes:      s.CodeBytes.Load(),
		SpillSlots:     s.SpillSlots.Load(),
	}
}
