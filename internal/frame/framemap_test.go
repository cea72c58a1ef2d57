// framemap_test.go - 帧布局测试

package frame

import (
	"testing"

	"github.com/tangzhangming/jadevm/internal/lir"
)

func newTestFrameMap(monitors int) *FrameMap {
	return NewFrameMap(lir.SystemVConv, lir.DefaultRegisterConfig(), []lir.Kind{lir.KindInt, lir.KindInt}, monitors)
}

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic: %s", what)
		}
	}()
	fn()
}

func TestFrameSizeBeforeFinalizePanics(t *testing.T) {
	fm := newTestFrameMap(0)
	mustPanic(t, "FrameSize before finalize", func() { fm.FrameSize() })
}

func TestFrameSizeIdempotentAfterFinalize(t *testing.T) {
	fm := newTestFrameMap(0)
	fm.ReserveOutgoing(16)
	fm.InitialSpillSlot()
	fm.FinalizeFrame(3)

	first := fm.FrameSize()
	for n := 0; n < 4; n++ {
		if got := fm.FrameSize(); got != first {
			t.Fatalf("FrameSize changed between calls: %d then %d", first, got)
		}
	}
	// 帧与返回地址合计对齐：方法体内的调用点看到对齐的栈指针
	if (first+fm.SlotSize())%lir.SystemVConv.StackAlign != 0 {
		t.Errorf("frame size %d plus return address not aligned to %d", first, lir.SystemVConv.StackAlign)
	}
}

func TestFrameKeepsCallSitesAligned(t *testing.T) {
	// 不同溢出槽数下，帧大小模 16 恒为 8
	for _, slots := range []int{0, 1, 2, 5} {
		fm := newTestFrameMap(0)
		fm.InitialSpillSlot()
		fm.FinalizeFrame(slots)
		if (fm.FrameSize()+fm.SlotSize())%lir.SystemVConv.StackAlign != 0 {
			t.Errorf("with %d spill slots frame size %d leaves call sites misaligned", slots, fm.FrameSize())
		}
	}
}

func TestFinalizeFrameOnlyOnce(t *testing.T) {
	fm := newTestFrameMap(0)
	fm.FinalizeFrame(0)
	mustPanic(t, "second FinalizeFrame", func() { fm.FinalizeFrame(0) })
}

func TestReserveOutgoingAfterAllocationStartsPanics(t *testing.T) {
	fm := newTestFrameMap(0)
	fm.ReserveOutgoing(8)
	fm.InitialSpillSlot()
	mustPanic(t, "ReserveOutgoing after InitialSpillSlot", func() { fm.ReserveOutgoing(8) })
}

func TestOutgoingIsRunningMaximum(t *testing.T) {
	fm := newTestFrameMap(0)
	fm.ReserveOutgoing(8)
	fm.ReserveOutgoing(32)
	fm.ReserveOutgoing(16)

	// 首个溢出槽应越过 32 字节的外调区
	if got := fm.InitialSpillSlot(); got != 32/fm.SlotSize() {
		t.Errorf("InitialSpillSlot = %d, want %d", got, 32/fm.SlotSize())
	}
}

func TestOffsetFamilyConsistency(t *testing.T) {
	fm := newTestFrameMap(2)
	fm.ReserveOutgoing(16)
	sb := fm.ReserveStackBlock(24, false)
	first := fm.InitialSpillSlot()
	fm.FinalizeFrame(4)

	// 槽偏移严格递增且槽距一致
	prev := fm.OffsetForSpillSlot(first, 8)
	for i := first + 1; i < first+4; i++ {
		off := fm.OffsetForSpillSlot(i, 8)
		if off != prev+fm.SlotSize() {
			t.Errorf("slot %d at %d, want %d", i, off, prev+fm.SlotSize())
		}
		prev = off
	}

	// 区域按 槽 < 监视器 < 栈块 < 被调用者保存 排列
	lastSlot := fm.OffsetForSpillSlot(first+3, 8)
	mon0 := fm.OffsetForMonitorBase(0)
	if mon0 <= lastSlot {
		t.Errorf("monitor area (%d) must start above spill area (%d)", mon0, lastSlot)
	}
	if obj := fm.OffsetForMonitorObject(0); obj != mon0+fm.SlotSize() {
		t.Errorf("monitor object slot at %d, want %d", obj, mon0+fm.SlotSize())
	}
	blockOff := fm.OffsetForStackBlock(sb)
	if blockOff <= fm.OffsetForMonitorBase(1) {
		t.Errorf("stack block (%d) must start above monitor area", blockOff)
	}
	if fm.OffsetToCalleeSaveAreaStart() < blockOff+sb.BlockSize() {
		t.Errorf("callee save area overlaps stack blocks")
	}
	if fm.OffsetToCalleeSaveAreaEnd() != fm.FrameSize() {
		t.Errorf("callee save area must end at frame size")
	}
}

func TestOffsetOutsideFramePanics(t *testing.T) {
	fm := newTestFrameMap(0)
	fm.InitialSpillSlot()
	fm.FinalizeFrame(1)

	mustPanic(t, "slot index past spill area", func() { fm.OffsetForSpillSlot(99, 8) })
	mustPanic(t, "monitor index with no monitors", func() { fm.OffsetForMonitorBase(0) })
}

func TestIncomingArgAboveFrame(t *testing.T) {
	fm := newTestFrameMap(0)
	fm.InitialSpillSlot()
	fm.FinalizeFrame(2)

	// 入参槽在返回地址之上，必然高于本帧任何偏移
	if got := fm.OffsetForIncomingArg(0); got < fm.FrameSize()+fm.SlotSize() {
		t.Errorf("incoming arg 0 at %d, below caller frame start %d", got, fm.FrameSize()+fm.SlotSize())
	}
}

func TestFrameRefMapSoundness(t *testing.T) {
	fm := newTestFrameMap(1)
	refBlock := fm.ReserveStackBlock(16, true)
	plainBlock := fm.ReserveStackBlock(16, false)
	first := fm.InitialSpillSlot()
	fm.RecordRefSpill(first + 1)
	fm.RecordRefSpill(first + 1) // 重复登记只算一次
	fm.FinalizeFrame(3)

	refMap := fm.InitFrameRefMap()
	slot := fm.SlotSize()

	// 引用栈块的每个字都必须置位
	base := fm.OffsetForStackBlock(refBlock) / slot
	for w := 0; w < refBlock.BlockSize()/slot; w++ {
		if !refMap.Get(base + w) {
			t.Errorf("ref stack block word %d not marked", base+w)
		}
	}
	// 非引用块不得置位
	base = fm.OffsetForStackBlock(plainBlock) / slot
	for w := 0; w < plainBlock.BlockSize()/slot; w++ {
		if refMap.Get(base + w) {
			t.Errorf("plain stack block word %d wrongly marked", base+w)
		}
	}
	// 引用溢出槽
	if !refMap.Get(fm.OffsetForSpillSlot(first+1, slot) / slot) {
		t.Error("ref spill slot not marked")
	}
	if refMap.Get(fm.OffsetForSpillSlot(first, slot) / slot) {
		t.Error("non-ref spill slot wrongly marked")
	}
	// 监视器对象槽
	if !refMap.Get(fm.OffsetForMonitorObject(0) / slot) {
		t.Error("monitor object slot not marked")
	}
}

func TestReserveStackBlockAlignment(t *testing.T) {
	fm := newTestFrameMap(0)
	mustPanic(t, "unaligned stack block", func() { fm.ReserveStackBlock(12, false) })
}
