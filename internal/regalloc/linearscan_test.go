// linearscan_test.go - 线性扫描分配器测试

package regalloc

import (
	"fmt"
	"testing"

	"github.com/tangzhangming/jadevm/internal/frame"
	"github.com/tangzhangming/jadevm/internal/lir"
)

// testRegConfig 只有两个可分配整数寄存器的配置，
// 便于在小方法上逼出让位 / 溢出路径
func testRegConfig() *lir.RegisterConfig {
	return &lir.RegisterConfig{
		AllocatableInt:  []*lir.TargetRegister{lir.RBX, lir.R12},
		FrameRegister:   lir.RSP,
		ScratchRegister: lir.R11,
		CalleeSave:      lir.NewCalleeSaveLayout(8, lir.RBX, lir.R12),
	}
}

func newTestFrame(regs *lir.RegisterConfig) *frame.FrameMap {
	return frame.NewFrameMap(lir.SystemVConv, regs, nil, 0)
}

func mustAllocate(t *testing.T, m *lir.Method, regs *lir.RegisterConfig) *Result {
	t.Helper()
	m.Number()
	lir.ComputeLiveness(m)
	res, err := Allocate(m, newTestFrame(regs), regs)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if verr := res.Verify(); verr != nil {
		t.Fatalf("allocation result fails verification: %v", verr)
	}
	return res
}

// checkOperandLocations 断言每个操作数（含常量）都拿到了允许类别内的位置
func checkOperandLocations(t *testing.T, m *lir.Method) {
	t.Helper()
	for _, b := range m.Blocks {
		for _, instr := range b.Instrs {
			instr.VisitOperands(func(op *lir.Operand) {
				if op.Loc == nil {
					t.Errorf("operand %s of %q has no location", op, instr)
					return
				}
				if !op.Categories.IsEmpty() && !op.Categories.Contains(op.Loc.Category()) {
					t.Errorf("operand %s of %q assigned %s outside allowed categories %s",
						op, instr, op.Loc, op.Categories)
				}
			})
		}
	}
}

func registerOf(t *testing.T, res *Result, v *lir.Value) *lir.TargetRegister {
	t.Helper()
	root := res.IntervalFor(v)
	if root == nil {
		t.Fatalf("no interval built for v%d", v.ID)
	}
	if root.Assigned == nil {
		t.Fatalf("v%d not assigned a register: %s", v.ID, root)
	}
	return root.Assigned
}

// buildSequential 三个变量、活跃范围错开：
//
//	move a <- 1
//	move b <- 2
//	add  b <- b + a
//	move c <- 3
//	add  c <- c + a
//	return
//
// a 全程活跃，b 只活前半，c 只活后半
func buildSequential() (*lir.Method, [3]*lir.Value) {
	m := lir.NewMethod("test::sequential")
	b0 := m.NewBlock()

	a := m.Pool.NewVariable(lir.KindInt)
	b := m.Pool.NewVariable(lir.KindInt)
	c := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)
	c2 := m.Pool.NewConst(lir.KindInt, 2)
	c3 := m.Pool.NewConst(lir.KindInt, 3)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Move{
		Dest: lir.NewDef(b, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c2, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(b, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(a, lir.G, lir.PriorityMustHaveRegister),
	})
	b0.Append(&lir.Move{
		Dest: lir.NewDef(c, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c3, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(c, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(a, lir.G, lir.PriorityMustHaveRegister),
	})
	b0.Append(&lir.Return{})

	return m, [3]*lir.Value{a, b, c}
}

// buildOverlapping 三个变量在位置 4 同时活跃，只有两个寄存器：
//
//	move a <- 1
//	move b <- 2
//	move c <- 3
//	add  a <- a + b
//	add  a <- a + c
//	return
func buildOverlapping() (*lir.Method, [3]*lir.Value) {
	m := lir.NewMethod("test::overlapping")
	b0 := m.NewBlock()

	a := m.Pool.NewVariable(lir.KindInt)
	b := m.Pool.NewVariable(lir.KindInt)
	c := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)
	c2 := m.Pool.NewConst(lir.KindInt, 2)
	c3 := m.Pool.NewConst(lir.KindInt, 3)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Move{
		Dest: lir.NewDef(b, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c2, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Move{
		Dest: lir.NewDef(c, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c3, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(b, lir.G, lir.PriorityMustHaveRegister),
	})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c, lir.G, lir.PriorityMustHaveRegister),
	})
	b0.Append(&lir.Return{})

	return m, [3]*lir.Value{a, b, c}
}

func TestRegisterReuseAcrossDisjointLifetimes(t *testing.T) {
	regs := testRegConfig()
	m, vals := buildSequential()
	res := mustAllocate(t, m, regs)

	ra := registerOf(t, res, vals[0])
	rb := registerOf(t, res, vals[1])
	rc := registerOf(t, res, vals[2])

	if ra == rb {
		t.Errorf("a and b are simultaneously live but share %s", ra)
	}
	if ra == rc {
		t.Errorf("a and c are simultaneously live but share %s", ra)
	}
	if rb != rc {
		t.Errorf("b and c have disjoint lifetimes, expected shared register, got %s and %s", rb, rc)
	}
	if res.SpillSlots != 0 {
		t.Errorf("expected no spill slots, got %d", res.SpillSlots)
	}
	if got := len(m.Blocks[0].Instrs); got != 6 {
		t.Errorf("expected no resolution moves, block has %d instructions", got)
	}
	checkOperandLocations(t, m)
}

func TestBlockedAllocationSplitsAndSpills(t *testing.T) {
	regs := testRegConfig()
	m, vals := buildOverlapping()
	res := mustAllocate(t, m, regs)

	if res.SpillSlots != 1 {
		t.Errorf("expected exactly one spill slot, got %d", res.SpillSlots)
	}

	// 牺牲者家族至少有一个子区间落在栈上，其余时段仍持寄存器
	root := res.IntervalFor(vals[0])
	if root == nil {
		t.Fatal("no interval built for the evicted variable")
	}
	spilled := false
	for _, iv := range res.Arena.All() {
		if iv.Value == vals[0] && iv.Assigned == nil && iv.SpillSlot >= 0 && len(iv.Ranges()) > 0 {
			spilled = true
		}
	}
	if !spilled {
		t.Error("expected a spilled child interval for the evicted variable")
	}

	// 分裂边界应由解析器补上显式移动
	resolutions := 0
	for _, instr := range m.Blocks[0].Instrs {
		if mv, ok := instr.(*lir.Move); ok && mv.Resolution {
			resolutions++
		}
	}
	if resolutions == 0 {
		t.Error("expected resolution moves at split boundaries, found none")
	}

	// 更新点本身必须满足寄存器要求
	checkOperandLocations(t, m)
}

func TestMoveHintSharesRegister(t *testing.T) {
	regs := testRegConfig()
	m := lir.NewMethod("test::hint")
	b0 := m.NewBlock()

	a := m.Pool.NewVariable(lir.KindInt)
	b := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)
	c2 := m.Pool.NewConst(lir.KindInt, 2)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Move{
		Dest: lir.NewDef(b, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(a, lir.G, lir.PriorityMustHaveRegister),
	})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(b, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c2, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Return{})

	res := mustAllocate(t, m, regs)

	ra := registerOf(t, res, a)
	rb := registerOf(t, res, b)
	if ra != rb {
		t.Errorf("move destination should inherit the source register via hint, got %s and %s", rb, ra)
	}
}

// snapshot 记录每个变量在每个位置的有效位置，用于确定性比较
func snapshot(res *Result, m *lir.Method, vals [3]*lir.Value) []string {
	var out []string
	for _, v := range vals {
		for pos := 0; pos <= m.MaxPos(); pos += 2 {
			out = append(out, fmt.Sprintf("v@%d=%v", pos, res.LocationAt(v, pos)))
		}
	}
	return out
}

func TestAllocationIsDeterministic(t *testing.T) {
	regs := testRegConfig()

	m1, vals1 := buildOverlapping()
	res1 := mustAllocate(t, m1, regs)
	m2, vals2 := buildOverlapping()
	res2 := mustAllocate(t, m2, regs)

	if res1.SpillSlots != res2.SpillSlots {
		t.Fatalf("spill slot counts differ between identical runs: %d vs %d",
			res1.SpillSlots, res2.SpillSlots)
	}

	s1 := snapshot(res1, m1, vals1)
	s2 := snapshot(res2, m2, vals2)
	if len(s1) != len(s2) {
		t.Fatalf("snapshot sizes differ: %d vs %d", len(s1), len(s2))
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Errorf("location diverges between identical runs: %s vs %s", s1[i], s2[i])
		}
	}
}

func TestFixedIntervalsSurviveCalls(t *testing.T) {
	regs := &lir.RegisterConfig{
		// 一个调用者保存 + 一个被调用者保存，正好观察调用的挤占效果
		AllocatableInt:  []*lir.TargetRegister{lir.R10, lir.RBX},
		FrameRegister:   lir.RSP,
		ScratchRegister: lir.R11,
		CalleeSave:      lir.NewCalleeSaveLayout(8, lir.RBX),
	}

	m := lir.NewMethod("test::call")
	b0 := m.NewBlock()

	a := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Call{Target: "test::callee"})
	b0.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Return{})

	res := mustAllocate(t, m, regs)

	// a 跨调用活跃：要么落在被调用者保存寄存器，要么调用期间在内存
	root := res.IntervalFor(a)
	if root == nil {
		t.Fatal("no interval built for the variable live across the call")
	}
	// 解析器可能在调用前插入移动，按指令类型找调用位置
	callPos := -1
	for _, instr := range m.Blocks[0].Instrs {
		if _, ok := instr.(*lir.Call); ok {
			callPos = instr.Pos()
		}
	}
	if callPos < 0 {
		t.Fatal("call instruction not found after allocation")
	}
	loc := res.LocationAt(a, callPos)
	if reg, ok := loc.(lir.RegisterLocation); ok {
		if !regs.CalleeSave.Contains(reg.Reg) {
			t.Errorf("value live across a call sits in caller-saved %s", reg.Reg)
		}
	}
	checkOperandLocations(t, m)
}

func TestConstantOperandsGetImmediateLocations(t *testing.T) {
	regs := testRegConfig()
	m, _ := buildSequential()
	mustAllocate(t, m, regs)

	consts := 0
	for _, b := range m.Blocks {
		for _, instr := range b.Instrs {
			instr.VisitOperands(func(op *lir.Operand) {
				if !op.Value.IsConst {
					return
				}
				consts++
				imm, ok := op.Loc.(lir.ImmediateLocation)
				if !ok {
					t.Errorf("constant operand %s of %q got %v, want an immediate", op, instr, op.Loc)
					return
				}
				if imm.Value != op.Value.Const {
					t.Errorf("constant operand %s carries bit pattern %d, want %d", op, imm.Value, op.Value.Const)
				}
				if !op.Categories.Contains(imm.Category()) {
					t.Errorf("constant operand %s assigned %s outside allowed categories %s", op, imm, op.Categories)
				}
			})
		}
	}
	if consts == 0 {
		t.Fatal("expected constant operands in the test method")
	}
}

func TestUseAtBlockStart(t *testing.T) {
	// a 定义在入口块，唯一使用是后继块的第一条指令；
	// 该使用不能触发空范围
	regs := testRegConfig()
	m := lir.NewMethod("test::blockstart")
	b0 := m.NewBlock()
	b1 := m.NewBlock()
	lir.AddEdge(b0, b1)

	a := m.Pool.NewVariable(lir.KindInt)
	b := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)

	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Jump{Target: b1})
	b1.Append(&lir.Move{
		Dest: lir.NewDef(b, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(a, lir.G, lir.PriorityMustHaveRegister),
	})
	b1.Append(&lir.Return{})

	res := mustAllocate(t, m, regs)

	root := res.IntervalFor(a)
	if root == nil {
		t.Fatal("no interval built for the cross-block variable")
	}
	usePos := m.Blocks[1].FirstPos
	if !root.Covers(usePos) {
		t.Errorf("interval %s does not cover the use at block start (pos %d)", root, usePos)
	}
	checkOperandLocations(t, m)
}

func TestStackArgumentKeepsIncomingSlot(t *testing.T) {
	// 7 个整数实参：第 7 个落在调用者帧的栈槽上，
	// 它的规范家必须是那个入参槽，不能新开溢出槽
	regs := testRegConfig()
	conv := lir.SystemVConv
	kinds := []lir.Kind{
		lir.KindInt, lir.KindInt, lir.KindInt, lir.KindInt,
		lir.KindInt, lir.KindInt, lir.KindInt,
	}

	m := lir.NewMethod("test::stackarg")
	m.ArgKinds = kinds
	b0 := m.NewBlock()

	args := conv.LocateIncoming(kinds)
	slot, ok := args.Args[6].Location.(lir.StackSlotLocation)
	if !ok {
		t.Fatalf("seventh argument located at %s, want a stack slot", args.Args[6].Location)
	}
	if !slot.Incoming {
		t.Fatal("seventh argument slot not marked incoming")
	}

	a6 := m.Pool.NewFixed(lir.KindInt, slot)
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
	res, err := Allocate(m, fm, regs)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if verr := res.Verify(); verr != nil {
		t.Fatalf("allocation result fails verification: %v", verr)
	}

	if res.SpillSlots != 0 {
		t.Errorf("stack argument must reuse its incoming slot, got %d spill slots", res.SpillSlots)
	}
	mv, ok := m.Blocks[0].Instrs[0].(*lir.Move)
	if !ok {
		t.Fatalf("expected the load move first, got %q", m.Blocks[0].Instrs[0])
	}
	got, ok := mv.Src.Loc.(lir.StackSlotLocation)
	if !ok {
		t.Fatalf("argument operand located at %v, want a stack slot", mv.Src.Loc)
	}
	if !got.Incoming || got.Index != slot.Index {
		t.Errorf("argument operand slot %v, want incoming slot %d", got, slot.Index)
	}
}

func TestVerifyReportsDoubleAssignment(t *testing.T) {
	m := lir.NewMethod("test::conflict")
	a := m.Pool.NewVariable(lir.KindInt)
	b := m.Pool.NewVariable(lir.KindInt)

	arena := NewArena()
	ia := arena.New()
	ia.Value = a
	ia.Kind = lir.KindInt
	ia.AddRange(0, 10)
	ia.Assigned = lir.RBX
	ib := arena.New()
	ib.Value = b
	ib.Kind = lir.KindInt
	ib.AddRange(4, 8)
	ib.Assigned = lir.RBX

	res := &Result{Arena: arena}
	if err := res.Verify(); err == nil {
		t.Error("overlapping intervals in the same register must fail verification")
	}
}
