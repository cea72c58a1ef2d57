// resolve.go - 移动解析
//
// 分配结束后两类位置断点需要插入显式移动：
//
// 1. 块内分裂边界：同一家族的相邻子区间位置不同
//    （寄存器 -> 栈槽是溢出存储，栈槽 -> 寄存器是重载）。
// 2. 控制流汇合：两个前驱把同一逻辑值放在不同位置，
//    在合适的边上插移动，保证汇合点每次使用只见一个位置。
//    优先把移动插进循环深度更低（执行频度更低）的一侧。
//
// 同一插入点的多个移动构成一次并行移动：调度时保证读在写前，
// 出现环时借 scratch 寄存器拆环。解析决不让任何活跃值在任何
// 入边上处于未定义位置。

package regalloc

import (
	"sort"

	"github.com/tangzhangming/jadevm/internal/lir"
)

// pendingMove 待插入的一次移动
type pendingMove struct {
	value *lir.Value
	from  lir.Location
	to    lir.Location
}

// insertionPoint 插入点：块内某个空隙位置
type insertionPoint struct {
	block *lir.Block
	index int // 插入下标
	pos   int // 空隙位置（奇数）
}

// moveResolver 移动解析器
type moveResolver struct {
	ls *LinearScan

	// pending 按插入点聚集的移动
	pending map[insertionPoint][]pendingMove
}

func newMoveResolver(ls *LinearScan) *moveResolver {
	return &moveResolver{
		ls:      ls,
		pending: make(map[insertionPoint][]pendingMove),
	}
}

// ============================================================================
// 块内分裂边界
// ============================================================================

// resolveSplits 在块内分裂边界插入溢出存储 / 重载移动
func (mr *moveResolver) resolveSplits() {
	for _, root := range mr.ls.arena.All() {
		if root.splitParent != root.id || len(root.splitChildren) == 0 || root.Value == nil {
			continue
		}
		family := mr.familySorted(root)
		for i := 0; i+1 < len(family); i++ {
			a, b := family[i], family[i+1]
			if a.To() != b.From() {
				continue // 生命空洞：值在洞里死了又活，无需移动
			}
			pos := b.From()
			la, lb := a.Location(), b.Location()
			if la == nil || lb == nil || la == lb {
				continue
			}
			block := mr.ls.method.BlockAt(pos)
			if block == nil || pos == block.FirstPos {
				continue // 块边界交给数据流解析
			}
			mr.add(mr.gapBefore(block, pos), root.Value, la, lb)
		}
	}
	mr.flush()
}

// familySorted 返回分裂家族全部成员（按起点排序）
func (mr *moveResolver) familySorted(root *Interval) []*Interval {
	out := []*Interval{root}
	for _, cid := range root.splitChildren {
		out = append(out, mr.ls.arena.Get(cid))
	}
	// 成员互不重叠，按 From 插入排序即可
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].From() < out[j-1].From(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ============================================================================
// 控制流边解析
// ============================================================================

// resolveDataFlow 在控制流边上统一两侧的位置
func (mr *moveResolver) resolveDataFlow() {
	m := mr.ls.method
	for _, pred := range m.Blocks {
		for _, succ := range pred.Succs {
			mr.resolveEdge(pred, succ)
		}
	}
	mr.flush()
}

// resolveEdge 解析一条边
func (mr *moveResolver) resolveEdge(pred, succ *lir.Block) {
	m := mr.ls.method
	var moves []pendingMove

	for _, v := range m.Pool.Values() {
		if !v.IsVariable() || !succ.LiveIn.Get(v.ID) {
			continue
		}
		rootID := mr.ls.byValue[v.ID]
		if rootID == NoInterval {
			continue
		}
		root := mr.ls.arena.Get(rootID)
		if len(root.splitChildren) == 0 {
			continue // 未分裂：两侧必然同位置
		}
		fromIv := mr.ls.arena.ChildAt(root, pred.LastPos)
		toIv := mr.ls.arena.ChildAt(root, succ.FirstPos)
		if fromIv == nil || toIv == nil {
			continue
		}
		fromLoc, toLoc := fromIv.Location(), toIv.Location()
		if fromLoc == nil || toLoc == nil || fromLoc == toLoc {
			continue
		}
		moves = append(moves, pendingMove{value: v, from: fromLoc, to: toLoc})
	}

	if len(moves) == 0 {
		return
	}

	ip := mr.edgeInsertion(pred, succ)
	mr.pending[ip] = append(mr.pending[ip], moves...)
}

// edgeInsertion 选择边移动的插入点
// 前驱单后继 -> 插在前驱末尾；后继单前驱 -> 插在后继开头；
// 两端都可时选循环深度低的一侧；都不可说明存在未拆分的临界边
func (mr *moveResolver) edgeInsertion(pred, succ *lir.Block) insertionPoint {
	predOK := len(pred.Succs) == 1
	succOK := len(succ.Preds) == 1

	switch {
	case predOK && succOK:
		if succ.LoopDepth < pred.LoopDepth {
			return mr.blockStart(succ)
		}
		return mr.blockEnd(pred)
	case predOK:
		return mr.blockEnd(pred)
	case succOK:
		return mr.blockStart(succ)
	default:
		lir.Fatalf(pred.Last(), "critical edge B%d->B%d not split", pred.ID, succ.ID)
		panic("unreachable")
	}
}

// blockEnd 块末插入点（终结指令之前的空隙）
func (mr *moveResolver) blockEnd(b *lir.Block) insertionPoint {
	return insertionPoint{block: b, index: len(b.Instrs) - 1, pos: b.LastPos - 1}
}

// blockStart 块首插入点
func (mr *moveResolver) blockStart(b *lir.Block) insertionPoint {
	return insertionPoint{block: b, index: 0, pos: b.FirstPos - 1}
}

// gapBefore 位置 pos 的指令之前的空隙插入点
func (mr *moveResolver) gapBefore(b *lir.Block, pos int) insertionPoint {
	idx := len(b.Instrs)
	for i, instr := range b.Instrs {
		if instr.Pos() >= pos {
			idx = i
			break
		}
	}
	return insertionPoint{block: b, index: idx, pos: pos - 1}
}

// add 登记一次移动
func (mr *moveResolver) add(ip insertionPoint, v *lir.Value, from, to lir.Location) {
	mr.pending[ip] = append(mr.pending[ip], pendingMove{value: v, from: from, to: to})
}

// ============================================================================
// 并行移动调度与落地
// ============================================================================

// flush 把全部待插移动调度后写进块
// 同一块内的多个插入点按下标降序落地，先插的不会顶偏后插的
func (mr *moveResolver) flush() {
	points := make([]insertionPoint, 0, len(mr.pending))
	for ip := range mr.pending {
		points = append(points, ip)
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].block != points[j].block {
			return points[i].block.ID < points[j].block.ID
		}
		return points[i].index > points[j].index
	})

	for _, ip := range points {
		ordered := mr.schedule(mr.pending[ip])
		// 逆序插入同一下标，保持调度顺序
		for i := len(ordered) - 1; i >= 0; i-- {
			ip.block.InsertAt(ip.index, ordered[i])
			ordered[i].SetPos(ip.pos)
		}
	}
	mr.pending = make(map[insertionPoint][]pendingMove)
}

// schedule 并行移动调度
// 不变式：任何移动发射前，它的目的位置不再被后续移动读取。
// 环用 scratch 寄存器拆开
func (mr *moveResolver) schedule(moves []pendingMove) []*lir.Move {
	var out []*lir.Move
	work := append([]pendingMove(nil), moves...)
	scratch := mr.ls.regs.ScratchRegister.AsLocation()

	for len(work) > 0 {
		progressed := false
		for i := 0; i < len(work); i++ {
			mv := work[i]
			blocked := false
			for j, other := range work {
				if j != i && other.from == mv.to {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			out = append(out, mr.makeMove(mv.value, mv.from, mv.to))
			work = append(work[:i], work[i+1:]...)
			progressed = true
			i--
		}
		if !progressed {
			// 环：把首个移动的源腾到 scratch，读该源的移动改读 scratch
			first := work[0]
			out = append(out, mr.makeMove(first.value, first.from, scratch))
			src := first.from
			for i := range work {
				if work[i].from == src {
					work[i].from = scratch
				}
			}
		}
	}
	return out
}

// makeMove 构造解析移动指令
func (mr *moveResolver) makeMove(v *lir.Value, from, to lir.Location) *lir.Move {
	src := lir.NewUse(v, lir.CatsAll, lir.PriorityNone)
	dst := lir.NewDef(v, lir.CatsAll, lir.PriorityNone)
	src.Loc = from
	dst.Loc = to
	return &lir.Move{Src: src, Dest: dst, Resolution: true}
}
