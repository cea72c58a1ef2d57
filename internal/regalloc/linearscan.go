// linearscan.go - 线性扫描寄存器分配器
//
// 本文件实现了按起点排序的单趟线性扫描分配算法（HotSpot 客户端
// 编译器一脉的变体）：
//
// 1. 构建区间：按程序序倒走指令，使用 / 更新效果把当前活跃范围
//    向后扩展到本位置并登记带优先级的使用位置；定义效果把首范围
//    起点收紧到本位置。跨块活跃的值经块的 LiveOut 位图接续。
// 2. 排序：全部区间按 from 排序，起点相同按创建顺序，
//    保证同一输入两次分配结果完全一致。
// 3. 扫描：区间状态机 UNHANDLED -> ACTIVE -> (INACTIVE <-> ACTIVE)
//    -> HANDLED。每个起点先让过期的活跃区间让出寄存器，再从
//    允许类别里找空闲寄存器；没有空闲时按"下次使用最远者让位"
//    启发式挑选牺牲者分裂 / 溢出。
// 4. 解析（resolve.go）：控制流汇合点两侧位置不一致时在边上
//    插入显式移动。
// 5. 单调性：区间一旦 HANDLED 位置即最终，分裂产生新的子区间
//    而不改写历史。
//
// 平局裁决：多个空闲寄存器同样可用时优先位置提示（合并来源
// 所在的寄存器），无提示时取序号最小者，保证输出可复现。

package regalloc

import (
	"sort"

	"github.com/tangzhangming/jadevm/internal/frame"
	"github.com/tangzhangming/jadevm/internal/lir"
)

// LinearScan 线性扫描分配器
// 一次编译私有，无内部并发
type LinearScan struct {
	method *lir.Method
	fm     *frame.FrameMap
	regs   *lir.RegisterConfig

	arena *Arena

	// byValue 变量 ID -> 根区间
	byValue []IntervalID

	// fixedBySerial 寄存器 Serial -> 固定区间（调用破坏等）
	fixedBySerial []IntervalID

	unhandled []IntervalID // 按 from 排序
	active    []IntervalID
	inactive  []IntervalID

	position int // 扫描当前位置

	initialSlot   int
	nextSpillSlot int
}

// Result 分配结果
type Result struct {
	Arena      *Arena
	SpillSlots int

	byValue []IntervalID
}

// IntervalFor 返回值对应的根区间
func (r *Result) IntervalFor(v *lir.Value) *Interval {
	if v.ID >= len(r.byValue) || r.byValue[v.ID] == NoInterval {
		return nil
	}
	return r.Arena.Get(r.byValue[v.ID])
}

// LocationAt 查询值在位置 pos 处的有效位置
func (r *Result) LocationAt(v *lir.Value, pos int) lir.Location {
	root := r.IntervalFor(v)
	if root == nil {
		return v.Location()
	}
	child := r.Arena.ChildAt(root, pos)
	if child == nil {
		return nil
	}
	return child.Location()
}

// Allocate 对方法执行寄存器分配
// 前置条件：指令已编号、活跃分析已运行；分配期间 IR 不再由
// 调用方变换
func Allocate(m *lir.Method, fm *frame.FrameMap, regs *lir.RegisterConfig) (*Result, error) {
	ls := &LinearScan{
		method:        m,
		fm:            fm,
		regs:          regs,
		arena:         NewArena(),
		byValue:       make([]IntervalID, m.Pool.Count()),
		fixedBySerial: make([]IntervalID, lir.NumRegisters),
		initialSlot:   fm.InitialSpillSlot(),
	}
	ls.nextSpillSlot = ls.initialSlot
	for i := range ls.byValue {
		ls.byValue[i] = NoInterval
	}
	for i := range ls.fixedBySerial {
		ls.fixedBySerial[i] = NoInterval
	}

	ls.buildIntervals()
	ls.walk()

	res := &Result{
		Arena:      ls.arena,
		SpillSlots: ls.nextSpillSlot - ls.initialSlot,
		byValue:    ls.byValue,
	}

	// 先回填操作数位置，再做解析：解析移动的位置由解析器显式
	// 给定（它知道边两侧的精确位置），不参与按位置的回填
	ls.assignLocations(res)

	resolver := newMoveResolver(ls)
	resolver.resolveSplits()
	resolver.resolveDataFlow()

	// 一致性校验由调用方按需执行（Result.Verify）
	return res, nil
}

// ============================================================================
// 区间构建
// ============================================================================

// intervalFor 取 / 建变量的根区间
func (ls *LinearScan) intervalFor(v *lir.Value) *Interval {
	if ls.byValue[v.ID] != NoInterval {
		return ls.arena.Get(ls.byValue[v.ID])
	}
	iv := ls.arena.New()
	iv.Value = v
	iv.Kind = v.Kind()
	iv.Categories = lir.SetOf(lir.RegisterCategoryFor(v.Kind()), lir.CatStackSlot)
	switch loc := v.Fixed.(type) {
	case lir.RegisterLocation:
		// 固定位置值：钉在调用约定给定的寄存器上
		iv.FixedReg = loc.Reg
	case lir.StackSlotLocation:
		// 栈上入参：常驻调用者帧的实参槽
		iv.PinnedSlot = loc
		iv.SpillState = SpillStartInMemory
	}
	ls.byValue[v.ID] = iv.id
	return iv
}

// fixedIntervalFor 取 / 建寄存器的固定区间
func (ls *LinearScan) fixedIntervalFor(r *lir.TargetRegister) *Interval {
	if ls.fixedBySerial[r.Serial] != NoInterval {
		return ls.arena.Get(ls.fixedBySerial[r.Serial])
	}
	iv := ls.arena.New()
	iv.FixedReg = r
	iv.Kind = lir.KindWord
	ls.fixedBySerial[r.Serial] = iv.id
	return iv
}

// buildIntervals 按块逆序构建全部区间
func (ls *LinearScan) buildIntervals() {
	conv := lir.PlatformConv()

	for bi := len(ls.method.Blocks) - 1; bi >= 0; bi-- {
		b := ls.method.Blocks[bi]
		blockFrom := b.FirstPos
		blockTo := b.LastPos + 2

		// 块出口仍活跃的值先铺满整块，块内事件再收紧
		for _, v := range ls.method.Pool.Values() {
			if v.IsVariable() && b.LiveOut.Get(v.ID) {
				ls.intervalFor(v).AddRange(blockFrom, blockTo)
			}
		}

		for ii := len(b.Instrs) - 1; ii >= 0; ii-- {
			instr := b.Instrs[ii]
			pos := instr.Pos()

			// 调用破坏全部调用者保存寄存器：
			// 给每个这样的寄存器登记一小段固定区间，
			// 迫使跨调用活跃的值使用被调用者保存寄存器或内存
			if instr.Class() == lir.ClassCall {
				for _, r := range conv.CallerSaved {
					if ls.regs.IsAllocatable(r) {
						ls.fixedIntervalFor(r).AddRange(pos, pos+1)
					}
				}
			}

			instr.VisitOperands(func(op *lir.Operand) {
				ls.recordEffect(instr, op, blockFrom, pos)
			})

			// 移动指令给目的区间登记位置提示，合并来源所在寄存器
			if mv, ok := instr.(*lir.Move); ok {
				if mv.Dest.Value.IsVariable() && mv.Src.Value.IsVariable() {
					dst := ls.intervalFor(mv.Dest.Value)
					src := ls.intervalFor(mv.Src.Value)
					if dst.Hint == NoInterval {
						dst.Hint = src.splitParent
					}
				}
			}
		}
	}
}

// recordEffect 把一次使用 / 定义事件落到区间上
func (ls *LinearScan) recordEffect(instr lir.Instruction, op *lir.Operand, blockFrom, pos int) {
	v := op.Value
	if v.IsConst {
		return
	}
	var iv *Interval
	if v.IsVariable() || v.Fixed != nil {
		iv = ls.intervalFor(v)
	} else {
		return
	}

	switch op.Effect {
	case lir.EffectUse, lir.EffectUpdate:
		// 使用把活跃范围向后扩展到本位置；
		// 块首指令上的使用只留一小段，与前驱块铺入的范围合并
		if pos > blockFrom {
			iv.AddRange(blockFrom, pos)
		} else {
			iv.AddRange(pos, pos+1)
		}
		iv.AddUse(pos, op.Priority)
		if op.Effect == lir.EffectUpdate {
			ls.noteDefinition(iv, pos)
		}
	case lir.EffectDefinition:
		if len(iv.Ranges()) == 0 {
			// 死定义：值从未被使用，留一小段让指令仍可发射
			iv.AddRange(pos, pos+2)
		} else {
			iv.SetFrom(pos)
		}
		iv.AddUse(pos, op.Priority)
		ls.noteDefinition(iv, pos)
	}
}

// noteDefinition 维护溢出状态机（单一定义才做存储优化）
func (ls *LinearScan) noteDefinition(iv *Interval, pos int) {
	switch iv.SpillState {
	case SpillNoDefinitionFound:
		iv.SpillState = SpillNoSpillStore
		iv.SpillDefinitionPos = pos
	case SpillNoSpillStore, SpillOneSpillStore, SpillStoreAtDefinition:
		// 第二处定义：放弃存储优化
		iv.SpillState = SpillNoOptimization
		iv.SpillDefinitionPos = -1
	case SpillStartInMemory, SpillNoOptimization:
		// 保持
	}
}

// ============================================================================
// 扫描
// ============================================================================

// walk 单趟正向扫描
func (ls *LinearScan) walk() {
	// 收集并排序
	var ids []IntervalID
	for _, iv := range ls.arena.All() {
		if len(iv.Ranges()) > 0 {
			ids = append(ids, iv.id)
		}
	}
	ls.arena.SortByFrom(ids)
	ls.unhandled = ids

	for len(ls.unhandled) > 0 {
		cur := ls.arena.Get(ls.unhandled[0])
		ls.unhandled = ls.unhandled[1:]
		ls.position = cur.From()

		ls.retire(ls.position)

		switch {
		case cur.IsFixed() && cur.Value == nil:
			// 寄存器固定区间：直接占位，赶走持有者
			ls.claimRegister(cur, cur.FixedReg)
		case cur.IsFixed():
			// 钉住的变量区间（调用约定位置）：同样直接占位，
			// 在其强制位置上决不被赶走
			ls.claimRegister(cur, cur.FixedReg)
			cur.Assigned = cur.FixedReg
		case cur.PinnedSlot != nil:
			// 栈槽入参：位置已定，不占寄存器
		default:
			if !ls.tryAllocateFree(cur) {
				ls.allocateBlocked(cur)
			}
		}

		if cur.Assigned != nil || cur.IsFixed() {
			cur.State = StateActive
			ls.active = append(ls.active, cur.id)
		} else {
			// 溢出到内存的区间不占寄存器，直接最终化
			cur.State = StateHandled
		}
	}

	// 扫描尽头：清空剩余集合
	ls.retire(maxPos)
}

// retire 让过期区间退休、暂不活跃区间换组
func (ls *LinearScan) retire(position int) {
	var stillActive []IntervalID
	for _, id := range ls.active {
		iv := ls.arena.Get(id)
		switch {
		case iv.To() <= position:
			iv.State = StateHandled
		case !iv.Covers(position):
			iv.State = StateInactive
			ls.inactive = append(ls.inactive, id)
		default:
			stillActive = append(stillActive, id)
		}
	}
	ls.active = stillActive

	var stillInactive []IntervalID
	for _, id := range ls.inactive {
		iv := ls.arena.Get(id)
		switch {
		case iv.To() <= position:
			iv.State = StateHandled
		case iv.Covers(position):
			iv.State = StateActive
			ls.active = append(ls.active, id)
		default:
			stillInactive = append(stillInactive, id)
		}
	}
	ls.inactive = stillInactive
}

// regOf 返回区间当前占有的寄存器
func (ls *LinearScan) regOf(iv *Interval) *lir.TargetRegister {
	if iv.Assigned != nil {
		return iv.Assigned
	}
	return iv.FixedReg
}

// allocatableFor 返回区间允许的寄存器候选表
func (ls *LinearScan) allocatableFor(iv *Interval) []*lir.TargetRegister {
	return ls.regs.AllocatableFor(lir.RegisterCategoryFor(iv.Kind))
}

// tryAllocateFree 尝试分配空闲寄存器
func (ls *LinearScan) tryAllocateFree(cur *Interval) bool {
	candidates := ls.allocatableFor(cur)
	if len(candidates) == 0 {
		return false
	}

	freeUntil := make(map[int]int, len(candidates))
	for _, r := range candidates {
		freeUntil[r.Serial] = maxPos
	}
	for _, id := range ls.active {
		if r := ls.regOf(ls.arena.Get(id)); r != nil {
			if _, ok := freeUntil[r.Serial]; ok {
				freeUntil[r.Serial] = 0
			}
		}
	}
	for _, id := range ls.inactive {
		iv := ls.arena.Get(id)
		r := ls.regOf(iv)
		if r == nil {
			continue
		}
		if until, ok := freeUntil[r.Serial]; ok {
			n := iv.NextIntersection(cur, ls.position)
			if n < until {
				freeUntil[r.Serial] = n
			}
		}
	}

	// 位置提示优先：提示家族当前持有的寄存器够用就用它
	var best *lir.TargetRegister
	if hinted := ls.hintRegister(cur); hinted != nil {
		if until, ok := freeUntil[hinted.Serial]; ok && until > cur.From() {
			best = hinted
		}
	}
	if best == nil {
		bestUntil := 0
		for _, r := range candidates {
			// 候选表按序号遍历，严格大于才换，平局取序号最小
			if freeUntil[r.Serial] > bestUntil {
				bestUntil = freeUntil[r.Serial]
				best = r
			}
		}
		if best == nil || freeUntil[best.Serial] <= cur.From() {
			return false
		}
	}

	if freeUntil[best.Serial] < cur.To() {
		// 寄存器只空闲一段：先占住，到期前分裂，剩余部分重新排队
		child := ls.arena.Split(cur, freeUntil[best.Serial])
		ls.enqueue(child)
	}
	cur.Assigned = best
	return true
}

// hintRegister 返回位置提示家族当前的寄存器
func (ls *LinearScan) hintRegister(cur *Interval) *lir.TargetRegister {
	root := ls.arena.Root(cur)
	hintID := root.Hint
	if cur.Hint != NoInterval {
		hintID = cur.Hint
	}
	if hintID == NoInterval {
		return nil
	}
	hintRoot := ls.arena.Get(hintID)
	child := ls.arena.ChildAt(hintRoot, cur.From())
	if child == nil {
		child = hintRoot
	}
	return ls.regOf(child)
}

// allocateBlocked 无空闲寄存器：挑牺牲者溢出
//
// 启发式：在阻塞候选寄存器的区间里选下次使用最远的那个让位；
// 平局取寄存器序号最小者。固定区间决不被赶走，其寄存器的
// 可用位置记为 0。若当前区间自己的首个强制使用比所有候选的
// 下次使用还远，溢出当前区间本身。
func (ls *LinearScan) allocateBlocked(cur *Interval) {
	candidates := ls.allocatableFor(cur)
	if len(candidates) == 0 {
		lir.Fatalf(nil, "no allocatable registers for kind %s", cur.Kind)
	}

	usePos := make(map[int]int, len(candidates))
	holder := make(map[int]IntervalID, len(candidates))
	for _, r := range candidates {
		usePos[r.Serial] = maxPos
		holder[r.Serial] = NoInterval
	}

	consider := func(iv *Interval, limit int) {
		r := ls.regOf(iv)
		if r == nil {
			return
		}
		if _, ok := usePos[r.Serial]; !ok {
			return
		}
		if iv.IsFixed() {
			// 固定 / 钉住区间在其强制位置上不可赶走
			if limit < usePos[r.Serial] {
				usePos[r.Serial] = limit
			}
			return
		}
		n := iv.NextUseAfter(ls.position, lir.PriorityShouldHaveRegister)
		if n < usePos[r.Serial] {
			usePos[r.Serial] = n
			holder[r.Serial] = iv.id
		} else if holder[r.Serial] == NoInterval {
			holder[r.Serial] = iv.id
		}
	}

	for _, id := range ls.active {
		consider(ls.arena.Get(id), 0)
	}
	for _, id := range ls.inactive {
		iv := ls.arena.Get(id)
		if n := iv.NextIntersection(cur, ls.position); n < maxPos {
			consider(iv, n)
		}
	}

	var best *lir.TargetRegister
	bestUse := -1
	for _, r := range candidates {
		if usePos[r.Serial] > bestUse {
			bestUse = usePos[r.Serial]
			best = r
		}
	}

	firstMust := cur.FirstUse(lir.PriorityMustHaveRegister)
	if firstMust > bestUse {
		// 所有候选都在更早位置被需要：溢出当前区间本身
		ls.assignSpillSlot(cur)
		if firstMust < maxPos && firstMust > cur.From() {
			// 强制使用前重新排队争取寄存器（届时插入重载）
			child := ls.arena.Split(cur, firstMust)
			ls.enqueue(child)
		}
		return
	}

	if bestUse <= cur.From() {
		// 连当前位置都让不出来：类别组合不可满足，后端缺陷
		lir.Fatalf(nil, "cannot free register for interval %s at %d", cur, ls.position)
	}

	// 赶走持有者
	ls.evictHolders(best, cur)
	cur.Assigned = best
}

// claimRegister 固定区间直接占位，分裂当前持有者
func (ls *LinearScan) claimRegister(cur *Interval, r *lir.TargetRegister) {
	ls.evictHolders(r, cur)
}

// evictHolders 把占有寄存器 r 的活跃 / 暂不活跃区间分裂让位
func (ls *LinearScan) evictHolders(r *lir.TargetRegister, cur *Interval) {
	var keep []IntervalID
	for _, id := range ls.active {
		iv := ls.arena.Get(id)
		if ls.regOf(iv) == r && !iv.IsFixed() {
			ls.splitAndSpill(iv, ls.position)
			iv.State = StateHandled
			continue
		}
		keep = append(keep, id)
	}
	ls.active = keep

	var keepI []IntervalID
	for _, id := range ls.inactive {
		iv := ls.arena.Get(id)
		if ls.regOf(iv) == r && !iv.IsFixed() {
			if n := iv.NextIntersection(cur, ls.position); n < maxPos {
				// 在下个交点前分裂，空洞部分保留原寄存器
				child := ls.arena.Split(iv, n)
				ls.enqueue(child)
			}
		}
		keepI = append(keepI, id)
	}
	ls.inactive = keepI
}

// splitAndSpill 在 pos 处分裂并把后半溢出
// 后半若还有强制使用，在该使用前再分裂一次重新排队（重载）
func (ls *LinearScan) splitAndSpill(iv *Interval, pos int) {
	if pos <= iv.From() {
		// 整个区间让位：直接溢出
		ls.assignSpillSlot(iv)
		return
	}
	if pos >= iv.To() {
		return
	}
	child := ls.arena.Split(iv, pos)
	ls.assignSpillSlot(child)
	if next := child.NextUseAfter(pos, lir.PriorityMustHaveRegister); next < maxPos {
		if next > child.From() && next < child.To() {
			reload := ls.arena.Split(child, next)
			ls.enqueue(reload)
		} else {
			// 分裂点或区间终点即强制使用点：整段重新排队争取寄存器
			child.SpillSlot = -1
			ls.enqueue(child)
		}
	}
}

// assignSpillSlot 指派溢出槽（同一分裂家族共享规范槽）
func (ls *LinearScan) assignSpillSlot(iv *Interval) {
	root := ls.arena.Root(iv)
	if root.PinnedSlot != nil {
		// 栈槽入参的规范家就是调用者帧里的实参槽
		iv.Assigned = nil
		return
	}
	if root.SpillSlot < 0 {
		root.SpillSlot = ls.nextSpillSlot
		ls.nextSpillSlot += iv.Kind.SpillSlots()
		if iv.Kind.IsReference() {
			ls.fm.RecordRefSpill(root.SpillSlot)
		}
	}
	iv.SpillSlot = root.SpillSlot
	iv.Assigned = nil
	if root.SpillState == SpillNoSpillStore {
		root.SpillState = SpillOneSpillStore
	}
}

// enqueue 把区间按 from 插回未处理表（保持有序）
func (ls *LinearScan) enqueue(iv *Interval) {
	i := sort.Search(len(ls.unhandled), func(i int) bool {
		return ls.arena.Get(ls.unhandled[i]).From() > iv.From()
	})
	ls.unhandled = append(ls.unhandled, NoInterval)
	copy(ls.unhandled[i+1:], ls.unhandled[i:])
	ls.unhandled[i] = iv.id
}

// ============================================================================
// 位置回填
// ============================================================================

// assignLocations 把分配结果写回操作数
func (ls *LinearScan) assignLocations(res *Result) {
	for _, b := range ls.method.Blocks {
		for _, instr := range b.Instrs {
			pos := instr.Pos()
			instr.VisitOperands(func(op *lir.Operand) {
				v := op.Value
				if v.IsConst {
					// 常量不经过区间，按操作数允许的类别落位
					op.Loc = lir.ConstLocationFor(v, op.Categories)
					return
				}
				root := res.IntervalFor(v)
				if root == nil {
					return
				}
				child := ls.arena.ChildAt(root, pos)
				if child == nil {
					child = root
				}
				loc := child.Location()
				if loc == nil {
					loc = v.Fixed
				}
				if loc == nil {
					lir.Fatalf(instr, "no location for %s at %d", v, pos)
				}
				if !op.Categories.IsEmpty() && !op.Categories.Contains(loc.Category()) {
					// 允许类别不含分配结果：唯一的合法例外是
					// 寄存器要求被溢出覆盖后经重载满足；
					// 走到这里说明分配器有缺陷
					if op.Priority == lir.PriorityMustHaveRegister {
						lir.ImpossibleLocationCategory(instr, op, loc.Category())
					}
				}
				op.Loc = loc
				if len(root.splitChildren) == 0 && v.IsVariable() {
					v.Loc = loc
				}
			})
		}
	}
}
