// samples.go - 演示方法构建
//
// jadec 没有字节码前端，内置几个手工构建的 LIR 方法，
// 覆盖流水线的主要路径：直线算术、分支汇合、循环、
// 调用与安全点。

package main

import (
	"github.com/tangzhangming/jadevm/internal/lir"
)

// sampleMethods 全部演示方法
func sampleMethods() []*lir.Method {
	return []*lir.Method{
		sampleStraightLine(),
		sampleDiamond(),
		sampleLoop(),
		sampleCall(),
	}
}

// sampleStraightLine 直线算术：(a + b) * (a - b)
func sampleStraightLine() *lir.Method {
	m := lir.NewMethod("demo::straightLine")
	m.ArgKinds = []lir.Kind{lir.KindInt, lir.KindInt}
	conv := lir.PlatformConv()
	args := conv.LocateIncoming(m.ArgKinds)

	b := m.NewBlock()

	a0 := m.Pool.NewFixed(lir.KindInt, args.Args[0].Location)
	a1 := m.Pool.NewFixed(lir.KindInt, args.Args[1].Location)
	va := m.Pool.NewVariable(lir.KindInt)
	vb := m.Pool.NewVariable(lir.KindInt)
	sum := m.Pool.NewVariable(lir.KindInt)
	diff := m.Pool.NewVariable(lir.KindInt)
	ret := m.Pool.NewFixed(lir.KindInt, conv.RetReg.AsLocation())

	b.Append(&lir.Move{Dest: lir.NewDef(va, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(a0, lir.G_S, lir.PriorityNone)})
	b.Append(&lir.Move{Dest: lir.NewDef(vb, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(a1, lir.G_S, lir.PriorityNone)})
	b.Append(&lir.Move{Dest: lir.NewDef(sum, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(va, lir.G_S, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.BinOp{Op: lir.OpAdd, Dest: lir.NewUpdate(sum, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(vb, lir.G_I32, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.Move{Dest: lir.NewDef(diff, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(va, lir.G_S, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.BinOp{Op: lir.OpSub, Dest: lir.NewUpdate(diff, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(vb, lir.G_I32, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.BinOp{Op: lir.OpMul, Dest: lir.NewUpdate(sum, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(diff, lir.G, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.Move{Dest: lir.NewDef(ret, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(sum, lir.G_S, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.Return{Value: lir.NewUse(ret, lir.G, lir.PriorityMustHaveRegister)})
	return m
}

// sampleDiamond 分支汇合：max(a, b)
func sampleDiamond() *lir.Method {
	m := lir.NewMethod("demo::max")
	m.ArgKinds = []lir.Kind{lir.KindInt, lir.KindInt}
	conv := lir.PlatformConv()
	args := conv.LocateIncoming(m.ArgKinds)

	entry := m.NewBlock()
	takeA := m.NewBlock()
	takeB := m.NewBlock()
	exit := m.NewBlock()
	lir.AddEdge(entry, takeA)
	lir.AddEdge(entry, takeB)
	lir.AddEdge(takeA, exit)
	lir.AddEdge(takeB, exit)

	a0 := m.Pool.NewFixed(lir.KindInt, args.Args[0].Location)
	a1 := m.Pool.NewFixed(lir.KindInt, args.Args[1].Location)
	va := m.Pool.NewVariable(lir.KindInt)
	vb := m.Pool.NewVariable(lir.KindInt)
	best := m.Pool.NewVariable(lir.KindInt)
	ret := m.Pool.NewFixed(lir.KindInt, conv.RetReg.AsLocation())

	entry.Append(&lir.Move{Dest: lir.NewDef(va, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(a0, lir.G_S, lir.PriorityNone)})
	entry.Append(&lir.Move{Dest: lir.NewDef(vb, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(a1, lir.G_S, lir.PriorityNone)})
	entry.Append(&lir.Cmp{Left: lir.NewUse(va, lir.G, lir.PriorityMustHaveRegister), Right: lir.NewUse(vb, lir.G_I32, lir.PriorityShouldHaveRegister)})
	entry.Append(&lir.Branch{Cond: lir.CondGE, TrueTarget: takeA, FalseTarget: takeB})

	takeA.Append(&lir.Move{Dest: lir.NewDef(best, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(va, lir.G_S, lir.PriorityShouldHaveRegister)})
	takeA.Append(&lir.Jump{Target: exit})

	takeB.Append(&lir.Move{Dest: lir.NewDef(best, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(vb, lir.G_S, lir.PriorityShouldHaveRegister)})
	takeB.Append(&lir.Jump{Target: exit})

	exit.Append(&lir.Move{Dest: lir.NewDef(ret, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(best, lir.G_S, lir.PriorityShouldHaveRegister)})
	exit.Append(&lir.Return{Value: lir.NewUse(ret, lir.G, lir.PriorityMustHaveRegister)})
	return m
}

// sampleLoop 计数循环：sum(1..n)，循环体带安全点
func sampleLoop() *lir.Method {
	m := lir.NewMethod("demo::sumTo")
	m.ArgKinds = []lir.Kind{lir.KindInt}
	conv := lir.PlatformConv()
	args := conv.LocateIncoming(m.ArgKinds)

	entry := m.NewBlock()
	head := m.NewBlock()
	body := m.NewBlock()
	exit := m.NewBlock()
	lir.AddEdge(entry, head)
	lir.AddEdge(head, body)
	lir.AddEdge(head, exit)
	lir.AddEdge(body, head)

	n := m.Pool.NewFixed(lir.KindInt, args.Args[0].Location)
	limit := m.Pool.NewVariable(lir.KindInt)
	i := m.Pool.NewVariable(lir.KindInt)
	acc := m.Pool.NewVariable(lir.KindInt)
	ret := m.Pool.NewFixed(lir.KindInt, conv.RetReg.AsLocation())

	entry.Append(&lir.Move{Dest: lir.NewDef(limit, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(n, lir.G_S, lir.PriorityNone)})
	entry.Append(&lir.Move{Dest: lir.NewDef(i, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(m.Pool.NewConst(lir.KindInt, 1), lir.G_I32_L_S, lir.PriorityNone)})
	entry.Append(&lir.Move{Dest: lir.NewDef(acc, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(m.Pool.NewConst(lir.KindInt, 0), lir.G_I32_L_S, lir.PriorityNone)})
	entry.Append(&lir.Jump{Target: head})

	head.Append(&lir.Cmp{Left: lir.NewUse(i, lir.G, lir.PriorityMustHaveRegister), Right: lir.NewUse(limit, lir.G_I32, lir.PriorityShouldHaveRegister)})
	head.Append(&lir.Branch{Cond: lir.CondLE, TrueTarget: body, FalseTarget: exit})

	state := &lir.JavaFrameDescriptor{
		Method: "demo::sumTo",
		BCI:    8,
		Locals: []*lir.Value{limit, i, acc},
	}
	body.Append(&lir.BinOp{Op: lir.OpAdd, Dest: lir.NewUpdate(acc, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(i, lir.G_I32, lir.PriorityShouldHaveRegister)})
	body.Append(&lir.Safepoint{State: state})
	body.Append(&lir.BinOp{Op: lir.OpAdd, Dest: lir.NewUpdate(i, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(m.Pool.NewConst(lir.KindInt, 1), lir.G_I32_L_S, lir.PriorityNone)})
	body.Append(&lir.Jump{Target: head})

	exit.Append(&lir.Move{Dest: lir.NewDef(ret, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(acc, lir.G_S, lir.PriorityShouldHaveRegister)})
	exit.Append(&lir.Return{Value: lir.NewUse(ret, lir.G, lir.PriorityMustHaveRegister)})
	return m
}

// sampleCall 跨调用活跃：f(a) + a，调用点带去优化状态
func sampleCall() *lir.Method {
	m := lir.NewMethod("demo::callAndAdd")
	m.ArgKinds = []lir.Kind{lir.KindInt}
	conv := lir.PlatformConv()
	args := conv.LocateIncoming(m.ArgKinds)

	b := m.NewBlock()

	a0 := m.Pool.NewFixed(lir.KindInt, args.Args[0].Location)
	va := m.Pool.NewVariable(lir.KindInt)
	out := m.Pool.NewFixed(lir.KindInt, conv.ArgRegs[0].AsLocation())
	res := m.Pool.NewFixed(lir.KindInt, conv.RetReg.AsLocation())
	sum := m.Pool.NewVariable(lir.KindInt)
	ret := m.Pool.NewFixed(lir.KindInt, conv.RetReg.AsLocation())

	state := &lir.JavaFrameDescriptor{
		Method: "demo::callAndAdd",
		BCI:    3,
		Locals: []*lir.Value{va},
	}

	b.Append(&lir.Move{Dest: lir.NewDef(va, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(a0, lir.G_S, lir.PriorityNone)})
	b.Append(&lir.Move{Dest: lir.NewDef(out, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(va, lir.G_S, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.Call{
		Target: "demo::straightLine",
		Args:   []*lir.Operand{lir.NewUse(out, lir.G, lir.PriorityMustHaveRegister)},
		Result: lir.NewDef(res, lir.G, lir.PriorityMustHaveRegister),
		State:  state,
	})
	b.Append(&lir.Move{Dest: lir.NewDef(sum, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(res, lir.G_S, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.BinOp{Op: lir.OpAdd, Dest: lir.NewUpdate(sum, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(va, lir.G_I32, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.Move{Dest: lir.NewDef(ret, lir.G, lir.PriorityMustHaveRegister), Src: lir.NewUse(sum, lir.G_S, lir.PriorityShouldHaveRegister)})
	b.Append(&lir.Return{Value: lir.NewUse(ret, lir.G, lir.PriorityMustHaveRegister)})
	return m
}
