// emitter.go - 机器码发射器
//
// 算法概述：
// 1. 求块布局顺序：从入口出发，每块的控制转移指令自选落空后继，
//    无可选后继时取线性顺序中的下一个未排块
// 2. 发射序言：开帧 + 保存被调用者保存寄存器
// 3. 按布局顺序逐块发射：每条指令经双派发找到发射规则，
//    规则只看操作数回填后的位置，不再触碰分配器
// 4. 回填块间跳转的相对位移
//
// 发射器照单全收分配结果：位置类别不可表达 -> 内部缺陷（中止），
// 能力边界（帧位移超出编码范围）-> 放弃编译。
// 安全点与调用点顺带收集引用图和去优化状态落点。

package emit

import (
	"math"

	"github.com/tangzhangming/jadevm/internal/frame"
	"github.com/tangzhangming/jadevm/internal/lir"
	"github.com/tangzhangming/jadevm/internal/regalloc"
)

// 安全点轮询页符号：安装时绑定到运行时的轮询地址
const PollSymbol = "jvm_safepoint_poll"

// 监视器助手符号
const (
	MonitorEnterSymbol = "jvm_monitorenter"
	MonitorExitSymbol  = "jvm_monitorexit"
)

// Emitter 单方法发射器，一次编译私有
type Emitter struct {
	m     *lir.Method
	fm    *frame.FrameMap
	regs  *lir.RegisterConfig
	alloc *regalloc.Result

	asm *Assembler

	layout    []*lir.Block
	nextBlock *lir.Block // 布局中当前块的下一块（落空判定）

	blockStart map[int]int
	blockEnd   map[int]int

	safepoints []SafepointRecord
	callSites  []CallSiteRecord
}

// NewEmitter 创建发射器
// 前置条件：寄存器分配完成、帧已定型
func NewEmitter(m *lir.Method, fm *frame.FrameMap, regs *lir.RegisterConfig, alloc *regalloc.Result) *Emitter {
	return &Emitter{
		m:          m,
		fm:         fm,
		regs:       regs,
		alloc:      alloc,
		asm:        NewAssembler(),
		blockStart: make(map[int]int),
		blockEnd:   make(map[int]int),
	}
}

// Emit 发射整个方法
func (e *Emitter) Emit() (*TargetMethod, error) {
	e.computeLayout()

	e.prologue()

	for n, b := range e.layout {
		if n+1 < len(e.layout) {
			e.nextBlock = e.layout[n+1]
		} else {
			e.nextBlock = nil
		}
		e.asm.BindLabel(b.ID)
		e.blockStart[b.ID] = e.asm.Offset()
		for _, instr := range b.Instrs {
			Dispatch(e, instr)
		}
		e.blockEnd[b.ID] = e.asm.Offset()
	}

	// 代码末尾落一个陷阱字节，错跳出方法体立刻停在断点
	e.asm.Int3()

	if err := e.asm.PatchBranches(); err != nil {
		return nil, err
	}

	tm := &TargetMethod{
		Name:         e.m.Name,
		Code:         e.asm.Code(),
		FrameSize:    e.fm.FrameSize(),
		SpillSlots:   e.alloc.SpillSlots,
		Safepoints:   e.safepoints,
		CallSites:    e.callSites,
		Handlers:     e.buildHandlerTable(),
		Relocs:       e.asm.Symbols(),
		BlockOffsets: e.blockStart,
	}
	return tm, nil
}

// computeLayout 求块布局顺序
// 控制转移指令优先选择自己的落空后继；循环尾接不上时
// 回到线性顺序取下一个未排块
func (e *Emitter) computeLayout() {
	placed := make(map[int]bool, len(e.m.Blocks))
	e.layout = e.layout[:0]

	cur := e.m.Entry
	for cur != nil {
		e.layout = append(e.layout, cur)
		placed[cur.ID] = true

		var next *lir.Block
		if bt, ok := cur.Last().(lir.BlockTransfer); ok {
			next = bt.SelectSuccessor(func(b *lir.Block) bool { return !placed[b.ID] })
		}
		if next == nil {
			for _, b := range e.m.Blocks {
				if !placed[b.ID] {
					next = b
					break
				}
			}
		}
		cur = next
	}
}

// buildHandlerTable 由块的异常后继生成异常表
func (e *Emitter) buildHandlerTable() []HandlerEntry {
	var table []HandlerEntry
	for _, b := range e.layout {
		for _, h := range b.ExceptionHandlers {
			table = append(table, HandlerEntry{
				StartOffset:   e.blockStart[b.ID],
				EndOffset:     e.blockEnd[b.ID],
				HandlerOffset: e.blockStart[h.ID],
			})
		}
	}
	return table
}

// ============================================================================
// 序言与尾声
// ============================================================================

func (e *Emitter) prologue() {
	size := e.fm.FrameSize()
	if size > math.MaxInt32 {
		lir.BailoutF("frame size %d exceeds displacement range", size)
	}
	if size > 0 {
		e.asm.SubRSP(int32(size))
	}
	if csl := e.regs.CalleeSave; csl != nil {
		base := e.fm.OffsetToCalleeSaveAreaStart()
		for _, r := range csl.Registers {
			off := base + csl.OffsetOf(r)
			if r.IsFloat {
				e.asm.MovsdMemReg(off, r.Encoding)
			} else {
				e.asm.MovMemReg(off, r.Encoding)
			}
		}
	}
	// 引用图覆盖的槽先写 null：槽在首次存储前就对 GC 可见
	for _, off := range e.fm.RefSlotOffsets() {
		e.asm.MovMemImm32(off, 0)
	}
}

func (e *Emitter) epilogue() {
	if csl := e.regs.CalleeSave; csl != nil {
		base := e.fm.OffsetToCalleeSaveAreaStart()
		for _, r := range csl.Registers {
			off := base + csl.OffsetOf(r)
			if r.IsFloat {
				e.asm.MovsdRegMem(r.Encoding, off)
			} else {
				e.asm.MovRegMem(r.Encoding, off)
			}
		}
	}
	if size := e.fm.FrameSize(); size > 0 {
		e.asm.AddRSP(int32(size))
	}
	e.asm.Ret()
}

// ============================================================================
// 位置求值辅助
// ============================================================================

func (e *Emitter) slotOffset(l lir.StackSlotLocation) int {
	if l.Incoming {
		return e.fm.OffsetForIncomingArg(l.Index)
	}
	return e.fm.OffsetForSpillSlot(l.Index, e.fm.SlotSize())
}

// constOf 取操作数的常量位模式（立即数 / 字面量）
func constOf(op *lir.Operand) int64 {
	switch l := op.Location().(type) {
	case lir.ImmediateLocation:
		return l.Value
	case lir.LiteralLocation:
		return op.Value.Const
	default:
		lir.Fatalf(nil, "emit: operand %s is not a constant", op)
		return 0
	}
}

// loadOperand 把操作数装进指定整数寄存器
func (e *Emitter) loadOperand(enc int, op *lir.Operand) {
	switch l := op.Location().(type) {
	case lir.RegisterLocation:
		if l.Reg.IsFloat {
			e.asm.MovqGprXmm(enc, l.Reg.Encoding)
		} else if l.Reg.Encoding != enc {
			e.asm.MovRegReg(enc, l.Reg.Encoding)
		}
	case lir.StackSlotLocation:
		e.asm.MovRegMem(enc, e.slotOffset(l))
	case lir.ImmediateLocation, lir.LiteralLocation:
		e.asm.MovRegImm64(enc, constOf(op))
	default:
		lir.ImpossibleLocationCategory(nil, op, op.Location().Category())
	}
}

// loadFloatOperand 把操作数装进指定浮点寄存器
func (e *Emitter) loadFloatOperand(enc int, op *lir.Operand) {
	scratch := e.regs.ScratchRegister.Encoding
	switch l := op.Location().(type) {
	case lir.RegisterLocation:
		if !l.Reg.IsFloat {
			e.asm.MovqXmmGpr(enc, l.Reg.Encoding)
		} else if l.Reg.Encoding != enc {
			e.asm.MovsdRegReg(enc, l.Reg.Encoding)
		}
	case lir.StackSlotLocation:
		e.asm.MovsdRegMem(enc, e.slotOffset(l))
	case lir.ImmediateLocation, lir.LiteralLocation:
		e.asm.MovRegImm64(scratch, constOf(op))
		e.asm.MovqXmmGpr(enc, scratch)
	default:
		lir.ImpossibleLocationCategory(nil, op, op.Location().Category())
	}
}

// mustRegister 操作数必须已落寄存器
func mustRegister(instr lir.Instruction, op *lir.Operand) *lir.TargetRegister {
	if l, ok := op.Location().(lir.RegisterLocation); ok {
		return l.Reg
	}
	lir.ImpossibleLocationCategory(instr, op, op.Location().Category())
	return nil
}

// 浮点临时寄存器：不参与分配，移动解析与发射器独占
var floatScratch = lir.XMM15

// ccFor Condition 到 x86 条件码低四位（有符号比较）
func ccFor(c lir.Condition) byte {
	switch c {
	case lir.CondEQ:
		return 0x4
	case lir.CondNE:
		return 0x5
	case lir.CondLT:
		return 0xC
	case lir.CondGE:
		return 0xD
	case lir.CondLE:
		return 0xE
	case lir.CondGT:
		return 0xF
	default:
		lir.Fatalf(nil, "emit: unknown condition %s", c)
		return 0
	}
}

// ============================================================================
// 发射规则
// ============================================================================

func (e *Emitter) DoMove(i *lir.Move) {
	dst := i.Dest.Location()
	src := i.Src.Location()
	scratch := e.regs.ScratchRegister.Encoding

	switch d := dst.(type) {
	case lir.RegisterLocation:
		if d.Reg.IsFloat {
			e.loadFloatOperand(d.Reg.Encoding, i.Src)
		} else {
			e.loadOperand(d.Reg.Encoding, i.Src)
		}
	case lir.StackSlotLocation:
		off := e.slotOffset(d)
		switch s := src.(type) {
		case lir.RegisterLocation:
			if s.Reg.IsFloat {
				e.asm.MovsdMemReg(off, s.Reg.Encoding)
			} else {
				e.asm.MovMemReg(off, s.Reg.Encoding)
			}
		case lir.StackSlotLocation:
			// 槽到槽经由临时寄存器，位模式搬运与类型无关
			e.asm.MovRegMem(scratch, e.slotOffset(s))
			e.asm.MovMemReg(off, scratch)
		case lir.ImmediateLocation, lir.LiteralLocation:
			c := constOf(i.Src)
			if c >= math.MinInt32 && c <= math.MaxInt32 {
				e.asm.MovMemImm32(off, int32(c))
			} else {
				e.asm.MovRegImm64(scratch, c)
				e.asm.MovMemReg(off, scratch)
			}
		default:
			lir.ImpossibleLocationCategory(i, i.Src, src.Category())
		}
	default:
		lir.ImpossibleLocationCategory(i, i.Dest, dst.Category())
	}
}

func (e *Emitter) DoBinOp(i *lir.BinOp) {
	dest := mustRegister(i, i.Dest)
	if dest.IsFloat {
		e.emitFloatBinOp(i, dest)
		return
	}
	e.emitIntBinOp(i, dest)
}

func (e *Emitter) emitIntBinOp(i *lir.BinOp, dest *lir.TargetRegister) {
	scratch := e.regs.ScratchRegister.Encoding
	d := dest.Encoding

	if i.Op.IsShift() {
		// 移位量固定在 RCX（区间构建已钉住）
		if r, ok := i.Src.Location().(lir.RegisterLocation); !ok || r.Reg != lir.RCX {
			lir.Fatalf(i, "emit: shift count not pinned to rcx")
		}
		switch i.Op {
		case lir.OpShl:
			e.asm.ShlRegCL(d)
		case lir.OpShr:
			e.asm.ShrRegCL(d)
		case lir.OpSar:
			e.asm.SarRegCL(d)
		}
		return
	}

	if i.Op == lir.OpDiv {
		// 被除数固定在 RAX，RDX 被 cqo 破坏（区间构建已钉住）
		if dest != lir.RAX {
			lir.Fatalf(i, "emit: division dividend not pinned to rax")
		}
		src := i.Src
		if r, ok := src.Location().(lir.RegisterLocation); ok && !r.Reg.IsFloat {
			e.asm.CqoIdivReg(r.Reg.Encoding)
		} else {
			e.loadOperand(scratch, src)
			e.asm.CqoIdivReg(scratch)
		}
		return
	}

	// 寄存器 / 立即数形式直接编码，其余经临时寄存器
	if r, ok := i.Src.Location().(lir.RegisterLocation); ok && !r.Reg.IsFloat {
		s := r.Reg.Encoding
		switch i.Op {
		case lir.OpAdd:
			e.asm.AddRegReg(d, s)
		case lir.OpSub:
			e.asm.SubRegReg(d, s)
		case lir.OpMul:
			e.asm.ImulRegReg(d, s)
		case lir.OpAnd:
			e.asm.AndRegReg(d, s)
		case lir.OpOr:
			e.asm.OrRegReg(d, s)
		case lir.OpXor:
			e.asm.XorRegReg(d, s)
		default:
			lir.Fatalf(i, "emit: no integer rule for %s", i.Op)
		}
		return
	}
	if cat := i.Src.Location().Category(); cat.IsImmediate() || cat == lir.CatLiteral {
		c := constOf(i.Src)
		if c >= math.MinInt32 && c <= math.MaxInt32 && i.Op != lir.OpMul {
			switch i.Op {
			case lir.OpAdd:
				e.asm.AddRegImm(d, int32(c))
			case lir.OpSub:
				e.asm.SubRegImm(d, int32(c))
			case lir.OpAnd:
				e.asm.AndRegImm(d, int32(c))
			case lir.OpOr:
				e.asm.OrRegImm(d, int32(c))
			case lir.OpXor:
				e.asm.XorRegImm(d, int32(c))
			default:
				lir.Fatalf(i, "emit: no immediate rule for %s", i.Op)
			}
			return
		}
	}
	e.loadOperand(scratch, i.Src)
	switch i.Op {
	case lir.OpAdd:
		e.asm.AddRegReg(d, scratch)
	case lir.OpSub:
		e.asm.SubRegReg(d, scratch)
	case lir.OpMul:
		e.asm.ImulRegReg(d, scratch)
	case lir.OpAnd:
		e.asm.AndRegReg(d, scratch)
	case lir.OpOr:
		e.asm.OrRegReg(d, scratch)
	case lir.OpXor:
		e.asm.XorRegReg(d, scratch)
	default:
		lir.Fatalf(i, "emit: no integer rule for %s", i.Op)
	}
}

func (e *Emitter) emitFloatBinOp(i *lir.BinOp, dest *lir.TargetRegister) {
	d := dest.Encoding
	s := floatScratch.Encoding
	if r, ok := i.Src.Location().(lir.RegisterLocation); ok && r.Reg.IsFloat {
		s = r.Reg.Encoding
	} else {
		e.loadFloatOperand(s, i.Src)
	}
	switch i.Op {
	case lir.OpAdd:
		e.asm.AddsdRegReg(d, s)
	case lir.OpSub:
		e.asm.SubsdRegReg(d, s)
	case lir.OpMul:
		e.asm.MulsdRegReg(d, s)
	case lir.OpDiv:
		e.asm.DivsdRegReg(d, s)
	default:
		lir.Fatalf(i, "emit: no float rule for %s", i.Op)
	}
}

func (e *Emitter) DoUnOp(i *lir.UnOp) {
	dest := mustRegister(i, i.Dest)
	if dest.IsFloat {
		if i.Op != lir.OpNeg {
			lir.Fatalf(i, "emit: no float rule for %s", i.Op)
		}
		// 符号位翻转
		scratch := e.regs.ScratchRegister.Encoding
		e.asm.MovRegImm64(scratch, math.MinInt64)
		e.asm.MovqXmmGpr(floatScratch.Encoding, scratch)
		e.asm.XorpdRegReg(dest.Encoding, floatScratch.Encoding)
		return
	}
	switch i.Op {
	case lir.OpNeg:
		e.asm.NegReg(dest.Encoding)
	case lir.OpNot:
		e.asm.NotReg(dest.Encoding)
	default:
		lir.Fatalf(i, "emit: no unary rule for %s", i.Op)
	}
}

func (e *Emitter) DoCmp(i *lir.Cmp) {
	left := mustRegister(i, i.Left)
	scratch := e.regs.ScratchRegister.Encoding

	if left.IsFloat {
		s := floatScratch.Encoding
		if r, ok := i.Right.Location().(lir.RegisterLocation); ok && r.Reg.IsFloat {
			s = r.Reg.Encoding
		} else {
			e.loadFloatOperand(s, i.Right)
		}
		e.asm.UcomisdRegReg(left.Encoding, s)
		return
	}

	switch r := i.Right.Location().(type) {
	case lir.RegisterLocation:
		e.asm.CmpRegReg(left.Encoding, r.Reg.Encoding)
	case lir.ImmediateLocation, lir.LiteralLocation:
		c := constOf(i.Right)
		if c >= math.MinInt32 && c <= math.MaxInt32 {
			e.asm.CmpRegImm(left.Encoding, int32(c))
			return
		}
		e.asm.MovRegImm64(scratch, c)
		e.asm.CmpRegReg(left.Encoding, scratch)
	default:
		e.loadOperand(scratch, i.Right)
		e.asm.CmpRegReg(left.Encoding, scratch)
	}
}

func (e *Emitter) DoBranch(i *lir.Branch) {
	e.asm.Jcc(ccFor(i.Cond), i.TrueTarget.ID)
	if e.nextBlock != i.FalseTarget {
		e.asm.Jmp(i.FalseTarget.ID)
	}
}

func (e *Emitter) DoJump(i *lir.Jump) {
	if e.nextBlock != i.Target {
		e.asm.Jmp(i.Target.ID)
	}
}

func (e *Emitter) DoReturn(i *lir.Return) {
	// 返回值操作数已固定在约定寄存器，这里只负责拆帧
	e.epilogue()
}

func (e *Emitter) DoCall(i *lir.Call) {
	e.asm.CallSymbol(i.Target)
	ret := e.asm.Offset()
	e.callSites = append(e.callSites, CallSiteRecord{
		CodeOffset: ret - 4,
		Symbol:     i.Target,
		ReturnOff:  ret,
	})
	e.recordSafepoint(i.Pos(), true, i.State)
}

func (e *Emitter) DoSafepoint(i *lir.Safepoint) {
	// 轮询读：运行时要停世界时撤销轮询页映射，线程在此陷入
	e.asm.MovRegRIP(e.regs.ScratchRegister.Encoding, PollSymbol)
	e.recordSafepoint(i.Pos(), false, i.State)
}

func (e *Emitter) DoFence(i *lir.Fence) {
	e.asm.Mfence()
}

func (e *Emitter) DoMonitorEnter(i *lir.MonitorEnter) {
	obj := mustRegister(i, i.Object)
	// 锁对象存进监视器对象槽：既是助手的输入，也让引用图覆盖它
	e.asm.MovMemReg(e.fm.OffsetForMonitorObject(i.MonitorIndex), obj.Encoding)
	e.asm.LeaRegMem(lir.SystemVConv.ArgRegs[0].Encoding, e.fm.OffsetForMonitorBase(i.MonitorIndex))
	e.asm.CallSymbol(MonitorEnterSymbol)
	e.recordSafepoint(i.Pos(), true, i.State)
}

func (e *Emitter) DoMonitorExit(i *lir.MonitorExit) {
	e.asm.LeaRegMem(lir.SystemVConv.ArgRegs[0].Encoding, e.fm.OffsetForMonitorBase(i.MonitorIndex))
	e.asm.CallSymbol(MonitorExitSymbol)
}

func (e *Emitter) DoStackAllocate(i *lir.StackAllocate) {
	dest := mustRegister(i, i.Dest)
	sb, ok := i.Block.(*frame.StackBlock)
	if !ok {
		lir.Fatalf(i, "emit: foreign stack block handle %T", i.Block)
	}
	e.asm.LeaRegMem(dest.Encoding, e.fm.OffsetForStackBlock(sb))
}

// ============================================================================
// 安全点记录
// ============================================================================

// recordSafepoint 收集当前偏移处的引用图与去优化状态落点
func (e *Emitter) recordSafepoint(pos int, isCall bool, state *lir.JavaFrameDescriptor) {
	rec := SafepointRecord{
		CodeOffset:     e.asm.Offset(),
		IsCall:         isCall,
		FrameRefMap:    e.fm.InitFrameRefMap(),
		RegisterRefMap: lir.NewBitSet(lir.NumRegisters),
		State:          state,
	}
	if state != nil {
		state.VisitValues(func(v *lir.Value) {
			loc := e.alloc.LocationAt(v, pos)
			rec.Locations = append(rec.Locations, ValueLocation{Value: v, Loc: loc})
			if !v.Kind().IsReference() {
				return
			}
			if r, ok := loc.(lir.RegisterLocation); ok {
				// 调用点的调用者保存寄存器不进引用图：值已溢出或失效
				if isCall && !e.calleeSaved(r.Reg) {
					return
				}
				rec.RegisterRefMap.Set(r.Reg.Serial)
			}
		})
	}
	e.safepoints = append(e.safepoints, rec)
}

func (e *Emitter) calleeSaved(r *lir.TargetRegister) bool {
	return e.regs.CalleeSave != nil && e.regs.CalleeSave.Contains(r)
}

var _ Visitor = (*Emitter)(nil)
