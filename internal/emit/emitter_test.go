// emitter_test.go - 发射器测试

package emit

import (
	"bytes"
	"testing"

	"github.com/tangzhangming/jadevm/internal/frame"
	"github.com/tangzhangming/jadevm/internal/lir"
	"github.com/tangzhangming/jadevm/internal/regalloc"
)

func testRegs() *lir.RegisterConfig {
	return &lir.RegisterConfig{
		AllocatableInt:  []*lir.TargetRegister{lir.RBX, lir.R12},
		FrameRegister:   lir.RSP,
		ScratchRegister: lir.R11,
		CalleeSave:      lir.NewCalleeSaveLayout(8, lir.RBX, lir.R12),
	}
}

// emitMethod 跑完整的编号 / 活跃 / 分配 / 发射流水线
func emitMethod(t *testing.T, m *lir.Method, regs *lir.RegisterConfig) (*TargetMethod, *frame.FrameMap) {
	t.Helper()
	m.Number()
	lir.ComputeLiveness(m)
	fm := frame.NewFrameMap(lir.SystemVConv, regs, nil, 0)
	res, err := regalloc.Allocate(m, fm, regs)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	fm.FinalizeFrame(res.SpillSlots)
	tm, err := NewEmitter(m, fm, regs, res).Emit()
	if err != nil {
		t.Fatalf("emission failed: %v", err)
	}
	return tm, fm
}

func TestEmitDiamondWithSafepoint(t *testing.T) {
	regs := testRegs()
	m := lir.NewMethod("test::diamond")
	b0 := m.NewBlock()
	b1 := m.NewBlock()
	b2 := m.NewBlock()
	b3 := m.NewBlock()
	lir.AddEdge(b0, b1)
	lir.AddEdge(b0, b2)
	lir.AddEdge(b1, b3)
	lir.AddEdge(b2, b3)

	a := m.Pool.NewVariable(lir.KindInt)
	c5 := m.Pool.NewConst(lir.KindInt, 5)
	c0 := m.Pool.NewConst(lir.KindInt, 0)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c5, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Cmp{
		Left:  lir.NewUse(a, lir.G, lir.PriorityMustHaveRegister),
		Right: lir.NewUse(c0, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Branch{Cond: lir.CondEQ, TrueTarget: b1, FalseTarget: b2})
	b1.Append(&lir.Jump{Target: b3})
	b2.Append(&lir.Jump{Target: b3})
	b3.Append(&lir.Safepoint{})
	b3.Append(&lir.Return{})

	tm, fm := emitMethod(t, m, regs)

	if len(tm.Code) == 0 {
		t.Fatal("no code emitted")
	}
	if tm.FrameSize != fm.FrameSize() {
		t.Errorf("frame size %d does not match frame map %d", tm.FrameSize, fm.FrameSize())
	}
	// 帧加上返回地址合计对齐，方法体内的调用点才看到对齐的栈指针
	if (tm.FrameSize+8)%16 != 0 {
		t.Errorf("frame size %d plus return address is not 16-byte aligned", tm.FrameSize)
	}

	// 开帧：sub rsp, 24（被调用者保存区 16 字节 + 对齐）
	if !bytes.HasPrefix(tm.Code, []byte{0x48, 0x83, 0xEC, 0x18}) {
		t.Errorf("prologue starts with % X, want sub rsp, 24", tm.Code[:4])
	}
	if !bytes.Contains(tm.Code, []byte{0xC3}) {
		t.Error("no ret instruction in emitted code")
	}
	if tm.Code[len(tm.Code)-1] != 0xCC {
		t.Errorf("code ends with %#x, want the int3 guard byte", tm.Code[len(tm.Code)-1])
	}

	// 每个块都占有布局内的偏移
	for _, b := range m.Blocks {
		off, ok := tm.BlockOffsets[b.ID]
		if !ok {
			t.Errorf("block B%d has no code offset", b.ID)
			continue
		}
		if off < 0 || off > len(tm.Code) {
			t.Errorf("block B%d offset %d out of code bounds", b.ID, off)
		}
	}

	// 安全点：一条轮询读记录 + 轮询符号重定位
	if len(tm.Safepoints) != 1 {
		t.Fatalf("expected 1 safepoint, got %d", len(tm.Safepoints))
	}
	sp := tm.Safepoints[0]
	if sp.IsCall {
		t.Error("poll safepoint should not be marked as a call")
	}
	if sp.FrameRefMap == nil {
		t.Error("safepoint missing frame reference map")
	}
	if got := tm.SafepointAt(sp.CodeOffset); got == nil {
		t.Error("SafepointAt does not find the recorded safepoint")
	}
	pollSeen := false
	for _, r := range tm.Relocs {
		if r.Symbol == PollSymbol {
			pollSeen = true
		}
	}
	if !pollSeen {
		t.Error("no relocation against the safepoint poll symbol")
	}

	if tm.HandlerFor(0) != -1 {
		t.Error("method without handlers should report no covering handler")
	}
}

func TestEmitCallRecordsSiteAndSafepoint(t *testing.T) {
	regs := testRegs()
	m := lir.NewMethod("test::caller")
	b0 := m.NewBlock()

	a := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Call{Target: "rt::helper"})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Return{})

	tm, _ := emitMethod(t, m, regs)

	if len(tm.CallSites) != 1 {
		t.Fatalf("expected 1 call site, got %d", len(tm.CallSites))
	}
	cs := tm.CallSites[0]
	if cs.Symbol != "rt::helper" {
		t.Errorf("call site symbol = %q, want rt::helper", cs.Symbol)
	}
	if cs.ReturnOff != cs.CodeOffset+4 {
		t.Errorf("return offset %d should sit right after the rel32 field at %d", cs.ReturnOff, cs.CodeOffset)
	}
	if len(tm.Safepoints) != 1 || !tm.Safepoints[0].IsCall {
		t.Fatalf("call should record exactly one call safepoint, got %+v", tm.Safepoints)
	}
	if tm.Safepoints[0].CodeOffset != cs.ReturnOff {
		t.Errorf("call safepoint at %d, want the return address %d", tm.Safepoints[0].CodeOffset, cs.ReturnOff)
	}

	called := false
	for _, r := range tm.Relocs {
		if r.Symbol == "rt::helper" && r.Offset == cs.CodeOffset {
			called = true
		}
	}
	if !called {
		t.Error("no symbol relocation recorded for the call target")
	}
}

func TestEmitConstantMove(t *testing.T) {
	regs := testRegs()
	m := lir.NewMethod("test::constmove")
	b0 := m.NewBlock()

	a := m.Pool.NewVariable(lir.KindInt)
	c5 := m.Pool.NewConst(lir.KindInt, 5)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c5, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Return{})

	tm, _ := emitMethod(t, m, regs)

	// mov rbx, 5（短编码，符号扩展 imm32）
	if !bytes.Contains(tm.Code, []byte{0x48, 0xC7, 0xC3, 0x05, 0x00, 0x00, 0x00}) {
		t.Errorf("code % X does not materialize the constant into rbx", tm.Code)
	}
}

func TestEmitLoadsIncomingStackArgument(t *testing.T) {
	regs := testRegs()
	conv := lir.SystemVConv
	kinds := []lir.Kind{
		lir.KindInt, lir.KindInt, lir.KindInt, lir.KindInt,
		lir.KindInt, lir.KindInt, lir.KindInt,
	}

	m := lir.NewMethod("test::stackarg")
	m.ArgKinds = kinds
	b0 := m.NewBlock()

	args := conv.LocateIncoming(kinds)
	a6 := m.Pool.NewFixed(lir.KindInt, args.Args[6].Location)
	v := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(v, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(a6, lir.G_S, lir.PriorityNone),
	})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(v, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32, lir.PriorityNone),
	})
	b0.Append(&lir.Return{})

	m.Number()
	lir.ComputeLiveness(m)
	fm := frame.NewFrameMap(conv, regs, kinds, 0)
	res, err := regalloc.Allocate(m, fm, regs)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	fm.FinalizeFrame(res.SpillSlots)
	tm, err := NewEmitter(m, fm, regs, res).Emit()
	if err != nil {
		t.Fatalf("emission failed: %v", err)
	}

	// 第 7 个实参在 [rsp + 帧大小 + 返回地址]，帧 24 字节时即 [rsp+32]
	want := fm.OffsetForIncomingArg(0)
	if want != tm.FrameSize+8 {
		t.Fatalf("incoming arg offset %d, want right above the return address at %d", want, tm.FrameSize+8)
	}
	// mov rbx, [rsp+32]
	if !bytes.Contains(tm.Code, []byte{0x48, 0x8B, 0x5C, 0x24, byte(want)}) {
		t.Errorf("code % X does not load the stack argument from [rsp+%d]", tm.Code, want)
	}
}

func TestPrologueZeroesReferenceSlots(t *testing.T) {
	regs := testRegs()
	m := lir.NewMethod("test::refzero")
	b0 := m.NewBlock()

	a := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Return{})

	m.Number()
	lir.ComputeLiveness(m)
	fm := frame.NewFrameMap(lir.SystemVConv, regs, nil, 0)
	sb := fm.ReserveStackBlock(8, true)
	res, err := regalloc.Allocate(m, fm, regs)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	fm.FinalizeFrame(res.SpillSlots)
	tm, err := NewEmitter(m, fm, regs, res).Emit()
	if err != nil {
		t.Fatalf("emission failed: %v", err)
	}

	// 引用块的字在序言里写 null：mov qword [rsp+off], 0
	off := fm.OffsetForStackBlock(sb)
	var want []byte
	if off == 0 {
		want = []byte{0x48, 0xC7, 0x04, 0x24, 0x00, 0x00, 0x00, 0x00}
	} else {
		want = []byte{0x48, 0xC7, 0x44, 0x24, byte(off), 0x00, 0x00, 0x00, 0x00}
	}
	if !bytes.Contains(tm.Code, want) {
		t.Errorf("code % X does not null the reference block at [rsp+%d]", tm.Code, off)
	}
}
