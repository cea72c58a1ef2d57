// refmap.go - 帧引用图
//
// 引用图是逐字槽的位图：置位的槽在安全点持有对象引用。
// 位图交给 GC 扫描；漏报引用槽会导致堆损坏，绝对禁止；
// 多报只是保守，前提是该槽在安全点总是合法的带标指针或 null。

package frame

import (
	"github.com/tangzhangming/jadevm/internal/lir"
)

// InitFrameRefMap 生成覆盖整帧的引用位图（每字一位）
// 置位来源：
// - 标记含引用的 ALLOCA 块的全部槽
// - 分配器登记的引用类型溢出槽（RecordRefSpill）
func (fm *FrameMap) InitFrameRefMap() lir.BitSet {
	words := fm.FrameSize() / fm.conv.SlotSize
	bm := lir.NewBitSet(words)
	for _, off := range fm.RefSlotOffsets() {
		bm.Set(off / fm.conv.SlotSize)
	}
	return bm
}

// RefSlotOffsets 返回引用图覆盖的全部帧内字节偏移
// 位图对安全点无条件生效，发射器据此在序言把这些字清零，
// 首次存储之前的安全点才不会把残留字节当成指针
func (fm *FrameMap) RefSlotOffsets() []int {
	var offs []int

	for _, sb := range fm.stackBlocks {
		if !sb.refs {
			continue
		}
		base := fm.OffsetForStackBlock(sb)
		for i := 0; i < sb.size/fm.conv.SlotSize; i++ {
			offs = append(offs, base+i*fm.conv.SlotSize)
		}
	}

	for _, slot := range fm.refSpills {
		offs = append(offs, fm.OffsetForSpillSlot(slot, fm.conv.SlotSize))
	}

	// 监视器的对象引用槽
	for i := 0; i < fm.monitorCount; i++ {
		offs = append(offs, fm.OffsetForMonitorObject(i))
	}

	return offs
}

// RecordRefSpill 登记一个持有引用的溢出槽
// 分配器在把引用类型的区间溢出到栈时调用
func (fm *FrameMap) RecordRefSpill(slotIndex int) {
	for _, s := range fm.refSpills {
		if s == slotIndex {
			return
		}
	}
	fm.refSpills = append(fm.refSpills, slotIndex)
}
