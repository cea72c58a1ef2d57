// lir_test.go - 值 / 位置 / 块模型测试

package lir

import (
	"testing"
)

func TestCategorySetContains(t *testing.T) {
	tests := []struct {
		set      CategorySet
		cat      LocationCategory
		expected bool
	}{
		{G_I32_L_S, CatIntReg, true},
		{G_I32_L_S, CatImm32, true},
		{G_I32_L_S, CatLiteral, true},
		{G_I32_L_S, CatStackSlot, true},
		{G_I32_L_S, CatFloatReg, false},
		{G_I32_L_S, CatImm64, false},
		{F, CatFloatReg, true},
		{F, CatIntReg, false},
	}

	for _, tt := range tests {
		if got := tt.set.Contains(tt.cat); got != tt.expected {
			t.Errorf("%s.Contains(%s) = %v, want %v", tt.set, tt.cat, got, tt.expected)
		}
	}
}

func TestAreSharingRegisters(t *testing.T) {
	tests := []struct {
		a, b     CategorySet
		expected bool
	}{
		{G, G, true},
		{G, F, true}, // 同属寄存器分区，冲突检测层面视为争用
		{G, I, false},
		{S, G, false},
		{G_S, F_L_S, true},
		{I32_I64_L, S, false},
	}

	for _, tt := range tests {
		if got := AreSharingRegisters(tt.a, tt.b); got != tt.expected {
			t.Errorf("AreSharingRegisters(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.expected)
		}
	}
}

func TestImmediateFromWidth(t *testing.T) {
	if got := ImmediateFromWidth(32); got != CatImm32 {
		t.Errorf("expected I32, got %s", got)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unsupported width")
		}
	}()
	ImmediateFromWidth(48)
}

func TestRegisterCategories(t *testing.T) {
	if RAX.Category() != CatIntReg {
		t.Errorf("rax should be integer register, got %s", RAX.Category())
	}
	if XMM3.Category() != CatFloatReg {
		t.Errorf("xmm3 should be float register, got %s", XMM3.Category())
	}
	for i, r := range AllRegisters {
		if r.Serial != i {
			t.Errorf("register %s: serial %d does not match table index %d", r.Name, r.Serial, i)
		}
	}
}

func TestValueKindsAndPool(t *testing.T) {
	pool := NewVariablePool()
	v := pool.NewVariable(KindInt)
	c := pool.NewConst(KindLong, 42)
	f := pool.NewFixed(KindInt, RDI.AsLocation())

	if !v.IsVariable() {
		t.Error("pool variable should be a variable")
	}
	if c.IsVariable() || !c.IsConst {
		t.Error("constant misclassified")
	}
	if f.IsVariable() {
		t.Error("fixed-location value should not be a variable")
	}
	if f.Location() != RDI.AsLocation() {
		t.Errorf("fixed value location = %v, want rdi", f.Location())
	}
	if pool.Count() != 3 {
		t.Errorf("expected 3 pooled values, got %d", pool.Count())
	}
	if pool.Get(v.ID) != v {
		t.Error("pool lookup by ID returned wrong value")
	}
}

func TestEdgeConsistency(t *testing.T) {
	m := NewMethod("test::edges")
	b0 := m.NewBlock()
	b1 := m.NewBlock()
	AddEdge(b0, b1)

	if err := b0.CheckEdges(); err != nil {
		t.Errorf("consistent edges reported as broken: %v", err)
	}

	// 人为破坏一个方向
	b1.Preds = nil
	if err := b0.CheckEdges(); err == nil {
		t.Error("expected edge check to fail after dropping predecessor link")
	}
}

func TestNumberAssignsEvenPositions(t *testing.T) {
	m := NewMethod("test::numbering")
	b := m.NewBlock()
	v := m.Pool.NewVariable(KindInt)
	b.Append(&Move{Dest: NewDef(v, G, PriorityMustHaveRegister), Src: NewUse(m.Pool.NewConst(KindInt, 1), G_I32_L_S, PriorityNone)})
	b.Append(&UnOp{Op: OpNeg, Dest: NewUpdate(v, G, PriorityMustHaveRegister)})
	b.Append(&Return{})

	m.Number()

	for _, instr := range b.Instrs {
		if instr.Pos()%2 != 0 {
			t.Errorf("instruction %s at odd position %d", instr, instr.Pos())
		}
	}
	if b.FirstPos != 0 || b.LastPos != 4 {
		t.Errorf("block span [%d, %d], want [0, 4]", b.FirstPos, b.LastPos)
	}
	if m.MaxPos() != 6 {
		t.Errorf("MaxPos = %d, want 6", m.MaxPos())
	}
}

func TestVerifyRejectsUnreachableBlock(t *testing.T) {
	m := NewMethod("test::unreachable")
	b0 := m.NewBlock()
	m.NewBlock() // 无入边
	b0.Append(&Return{})
	m.Number()

	if err := m.Verify(); err == nil {
		t.Error("expected verification failure for unreachable block")
	}
}

// buildDiamond 构建 if/else 汇合：entry 定义 a，两分支各定义 b，exit 用 a 和 b
func buildDiamond() (*Method, *Value, *Value) {
	m := NewMethod("test::diamond")
	entry := m.NewBlock()
	left := m.NewBlock()
	right := m.NewBlock()
	exit := m.NewBlock()
	AddEdge(entry, left)
	AddEdge(entry, right)
	AddEdge(left, exit)
	AddEdge(right, exit)

	a := m.Pool.NewVariable(KindInt)
	b := m.Pool.NewVariable(KindInt)

	entry.Append(&Move{Dest: NewDef(a, G, PriorityMustHaveRegister), Src: NewUse(m.Pool.NewConst(KindInt, 7), G_I32_L_S, PriorityNone)})
	entry.Append(&Cmp{Left: NewUse(a, G, PriorityMustHaveRegister), Right: NewUse(m.Pool.NewConst(KindInt, 0), G_I32, PriorityNone)})
	entry.Append(&Branch{Cond: CondGT, TrueTarget: left, FalseTarget: right})

	left.Append(&Move{Dest: NewDef(b, G, PriorityMustHaveRegister), Src: NewUse(m.Pool.NewConst(KindInt, 1), G_I32_L_S, PriorityNone)})
	left.Append(&Jump{Target: exit})
	right.Append(&Move{Dest: NewDef(b, G, PriorityMustHaveRegister), Src: NewUse(m.Pool.NewConst(KindInt, 2), G_I32_L_S, PriorityNone)})
	right.Append(&Jump{Target: exit})

	exit.Append(&BinOp{Op: OpAdd, Dest: NewUpdate(b, G, PriorityMustHaveRegister), Src: NewUse(a, G_I32, PriorityShouldHaveRegister)})
	exit.Append(&Return{})

	m.Number()
	return m, a, b
}

func TestLivenessAcrossDiamond(t *testing.T) {
	m, a, b := buildDiamond()
	ComputeLiveness(m)

	exit := m.Blocks[3]
	if !exit.LiveIn.Get(a.ID) {
		t.Error("a is used in exit block but not live-in")
	}
	if !exit.LiveIn.Get(b.ID) {
		t.Error("b is defined on both branches and used in exit, must be live-in")
	}

	entry := m.Blocks[0]
	if !entry.LiveOut.Get(a.ID) {
		t.Error("a must be live-out of entry")
	}
	if entry.LiveIn.Get(a.ID) {
		t.Error("a is defined in entry, must not be live-in")
	}
}

func TestDominators(t *testing.T) {
	m, _, _ := buildDiamond()
	ComputeDominators(m)

	entry, left, right, exit := m.Blocks[0], m.Blocks[1], m.Blocks[2], m.Blocks[3]
	if entry.Dominator != nil {
		t.Error("entry block must have no dominator")
	}
	if left.Dominator != entry || right.Dominator != entry {
		t.Error("branch blocks must be dominated by entry")
	}
	if exit.Dominator != entry {
		t.Errorf("merge block dominator = %v, want entry", exit.Dominator)
	}
}

func TestLoopDetection(t *testing.T) {
	m := NewMethod("test::loop")
	entry := m.NewBlock()
	head := m.NewBlock()
	body := m.NewBlock()
	exit := m.NewBlock()
	AddEdge(entry, head)
	AddEdge(head, body)
	AddEdge(head, exit)
	AddEdge(body, head)

	i := m.Pool.NewVariable(KindInt)
	entry.Append(&Move{Dest: NewDef(i, G, PriorityMustHaveRegister), Src: NewUse(m.Pool.NewConst(KindInt, 0), G_I32_L_S, PriorityNone)})
	entry.Append(&Jump{Target: head})
	head.Append(&Cmp{Left: NewUse(i, G, PriorityMustHaveRegister), Right: NewUse(m.Pool.NewConst(KindInt, 10), G_I32, PriorityNone)})
	head.Append(&Branch{Cond: CondLT, TrueTarget: body, FalseTarget: exit})
	body.Append(&BinOp{Op: OpAdd, Dest: NewUpdate(i, G, PriorityMustHaveRegister), Src: NewUse(m.Pool.NewConst(KindInt, 1), G_I32, PriorityNone)})
	body.Append(&Jump{Target: head})
	exit.Append(&Return{})

	m.Number()
	ComputeDominators(m)
	ComputeLoopDepth(m)

	if !head.HasFlag(FlagLinearScanLoopHeader) {
		t.Error("loop head not flagged as loop header")
	}
	if !body.HasFlag(FlagLinearScanLoopEnd) {
		t.Error("back-edge source not flagged as loop end")
	}
	if head.LoopDepth != 1 || body.LoopDepth != 1 {
		t.Errorf("loop depth head=%d body=%d, want 1/1", head.LoopDepth, body.LoopDepth)
	}
	if exit.LoopDepth != 0 {
		t.Errorf("exit loop depth = %d, want 0", exit.LoopDepth)
	}
}

func TestConditionNegate(t *testing.T) {
	tests := []struct {
		in, out Condition
	}{
		{CondEQ, CondNE},
		{CondLT, CondGE},
		{CondGT, CondLE},
	}
	for _, tt := range tests {
		if got := tt.in.Negate(); got != tt.out {
			t.Errorf("%s.Negate() = %s, want %s", tt.in, got, tt.out)
		}
		if got := tt.in.Negate().Negate(); got != tt.in {
			t.Errorf("double negation of %s = %s", tt.in, got)
		}
	}
}

func TestBranchSelectSuccessorPrefersFalse(t *testing.T) {
	b1 := NewBlock(1)
	b2 := NewBlock(2)
	br := &Branch{Cond: CondEQ, TrueTarget: b1, FalseTarget: b2}

	next := br.SelectSuccessor(func(b *Block) bool { return true })
	if next != b2 {
		t.Errorf("expected false target preferred for fall-through, got B%d", next.ID)
	}
	next = br.SelectSuccessor(func(b *Block) bool { return b == b1 })
	if next != b1 {
		t.Errorf("expected true target when false target ineligible, got %v", next)
	}
}
