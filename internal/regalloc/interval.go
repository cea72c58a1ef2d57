// interval.go - 活跃区间
//
// 区间是分配的核心单元：一个值在指令流上的不相交活跃范围集合，
// 每个范围是半开区间 [from, to)，按起点排序。区间另携带：
// - 按位置排序的使用位置表，每项带寄存器优先级
// - 分裂父指针：分配中区间会被分裂，同一原始区间的全部分裂
//   共享一个父，用于合并提示和溢出槽共享
// - 溢出状态：描述值是否 / 何处已存入内存
//
// 区间存放在按下标寻址的竞技场（arena）里，分裂父与提示都用
// 下标表示，区间决不越过本次编译的生命期。
//
// 生命周期：分配开始前每个变量创建一次；单趟分配中可变
// （追加范围、分裂）；分配完成、位置固化后冻结。

package regalloc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tangzhangming/jadevm/internal/lir"
)

// IntervalID 竞技场下标
type IntervalID int

// NoInterval 空下标哨兵
const NoInterval IntervalID = -1

// ============================================================================
// 范围与使用位置
// ============================================================================

// Range 半开活跃范围 [From, To)
type Range struct {
	From, To int
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d[", r.From, r.To)
}

// Intersects 两范围是否相交
func (r Range) Intersects(other Range) bool {
	return r.From < other.To && other.From < r.To
}

// UsePos 使用位置及其寄存器优先级
type UsePos struct {
	Pos      int
	Priority lir.RegisterPriority
}

// ============================================================================
// 区间状态
// ============================================================================

// State 线性扫描中区间所处的集合
type State int

const (
	StateUnhandled State = iota // 尚未处理
	StateActive                 // 活跃且占有物理位置
	StateInactive               // 处于生命空洞中但占有物理位置
	StateHandled                // 处理完毕，位置最终化
)

func (s State) String() string {
	switch s {
	case StateUnhandled:
		return "unhandled"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateHandled:
		return "handled"
	default:
		return "invalid"
	}
}

// SpillState 溢出状态
type SpillState int

const (
	SpillNoDefinitionFound SpillState = iota // 尚未发现定义
	SpillNoSpillStore                        // 有唯一定义，尚无溢出存储
	SpillOneSpillStore                       // 已插入一次溢出存储
	SpillStoreAtDefinition                   // 应在定义处立即存储（避免多处冗余存储）
	SpillStartInMemory                       // 起始即在内存（如栈上入参），无需存储
	SpillNoOptimization                      // 多处定义（如 phi 移动汇入），不做存储优化
)

func (s SpillState) String() string {
	switch s {
	case SpillNoDefinitionFound:
		return "no definition"
	case SpillNoSpillStore:
		return "no spill store"
	case SpillOneSpillStore:
		return "one spill store"
	case SpillStoreAtDefinition:
		return "store at definition"
	case SpillStartInMemory:
		return "start in memory"
	case SpillNoOptimization:
		return "no optimization"
	default:
		return "?"
	}
}

// ============================================================================
// 区间
// ============================================================================

// Interval 活跃区间
type Interval struct {
	id IntervalID

	// Value 对应的变量（固定寄存器区间为 nil）
	Value *lir.Value

	// FixedReg 固定寄存器区间绑定的寄存器（变量区间为 nil）
	FixedReg *lir.TargetRegister

	// PinnedSlot 钉在调用者帧栈槽上的值（第 7 个及之后的入参）
	// 全程驻留该槽，不参与寄存器分配与溢出槽分配
	PinnedSlot lir.Location

	Kind       lir.Kind
	Categories lir.CategorySet

	ranges []Range  // 按 From 排序
	uses   []UsePos // 按 Pos 排序

	// 分配结果
	Assigned  *lir.TargetRegister
	SpillSlot int // -1 表示未溢出

	// 分裂家族（竞技场下标）
	splitParent   IntervalID // 根区间指向自身
	splitChildren []IntervalID

	// Hint 位置提示：本区间希望与提示区间同寄存器（减少移动）
	Hint IntervalID

	State      State
	SpillState SpillState

	// SpillDefinitionPos 唯一定义的位置（溢出存储优化用）
	SpillDefinitionPos int

	// currentRange 扫描游标
	currentRange int
}

// newInterval 仅由竞技场调用
func newInterval(id IntervalID) *Interval {
	return &Interval{
		id:                 id,
		SpillSlot:          -1,
		splitParent:        id,
		Hint:               NoInterval,
		SpillDefinitionPos: -1,
	}
}

// ID 竞技场下标
func (iv *Interval) ID() IntervalID { return iv.id }

// IsFixed 是否是固定寄存器区间
func (iv *Interval) IsFixed() bool { return iv.FixedReg != nil }

// From 区间起点
func (iv *Interval) From() int {
	if len(iv.ranges) == 0 {
		return maxPos
	}
	return iv.ranges[0].From
}

// To 区间终点（最后一个范围的右端）
func (iv *Interval) To() int {
	if len(iv.ranges) == 0 {
		return 0
	}
	return iv.ranges[len(iv.ranges)-1].To
}

// Ranges 全部范围（只读）
func (iv *Interval) Ranges() []Range { return iv.ranges }

// Uses 全部使用位置（只读）
func (iv *Interval) Uses() []UsePos { return iv.uses }

const maxPos = int(^uint(0) >> 1)

// AddRange 追加范围 [from, to)
// 构建自尾向首进行，与现有首范围相邻 / 重叠时合并
func (iv *Interval) AddRange(from, to int) {
	if from >= to {
		panic(fmt.Sprintf("regalloc: invalid range [%d, %d[", from, to))
	}
	if len(iv.ranges) > 0 && to >= iv.ranges[0].From {
		// 与首范围接壤：向前扩展
		if from < iv.ranges[0].From {
			iv.ranges[0].From = from
		}
		if to > iv.ranges[0].To {
			iv.ranges[0].To = to
		}
		return
	}
	iv.ranges = append([]Range{{From: from, To: to}}, iv.ranges...)
}

// SetFrom 把首范围起点收紧到 from（定义点处理用）
func (iv *Interval) SetFrom(from int) {
	if len(iv.ranges) == 0 {
		return
	}
	if from > iv.ranges[0].From {
		iv.ranges[0].From = from
	}
}

// AddUse 登记使用位置（构建自尾向首，新位置插到前面保持有序）
func (iv *Interval) AddUse(pos int, prio lir.RegisterPriority) {
	iv.uses = append([]UsePos{{Pos: pos, Priority: prio}}, iv.uses...)
}

// Covers 位置是否落在某个范围内
func (iv *Interval) Covers(pos int) bool {
	for _, r := range iv.ranges {
		if pos < r.From {
			return false
		}
		if pos < r.To {
			return true
		}
	}
	return false
}

// NextIntersection 与另一区间在 pos 之后的首个相交位置
// 不相交时返回 maxPos
func (iv *Interval) NextIntersection(other *Interval, pos int) int {
	for _, a := range iv.ranges {
		if a.To <= pos {
			continue
		}
		for _, b := range other.ranges {
			if b.To <= pos {
				continue
			}
			if a.Intersects(b) {
				at := a.From
				if b.From > at {
					at = b.From
				}
				if at < pos {
					at = pos
				}
				if at < a.To && at < b.To {
					return at
				}
			}
		}
	}
	return maxPos
}

// NextUseAfter 在 pos 及之后且优先级不低于 min 的下一个使用位置
// 没有时返回 maxPos
func (iv *Interval) NextUseAfter(pos int, min lir.RegisterPriority) int {
	for _, u := range iv.uses {
		if u.Pos >= pos && u.Priority >= min {
			return u.Pos
		}
	}
	return maxPos
}

// FirstUse 首个优先级不低于 min 的使用位置
func (iv *Interval) FirstUse(min lir.RegisterPriority) int {
	return iv.NextUseAfter(0, min)
}

// Location 区间的最终位置
func (iv *Interval) Location() lir.Location {
	if iv.Assigned != nil {
		return iv.Assigned.AsLocation()
	}
	if iv.PinnedSlot != nil {
		return iv.PinnedSlot
	}
	if iv.SpillSlot >= 0 {
		return lir.StackSlotLocation{Index: iv.SpillSlot, Kind: iv.Kind}
	}
	return nil
}

func (iv *Interval) String() string {
	var sb strings.Builder
	if iv.Value != nil {
		fmt.Fprintf(&sb, "v%d", iv.Value.ID)
	} else if iv.FixedReg != nil {
		fmt.Fprintf(&sb, "fixed(%s)", iv.FixedReg)
	}
	for _, r := range iv.ranges {
		sb.WriteString(" ")
		sb.WriteString(r.String())
	}
	if loc := iv.Location(); loc != nil {
		fmt.Fprintf(&sb, " @%s", loc)
	}
	return sb.String()
}

// ============================================================================
// 竞技场
// ============================================================================

// Arena 区间竞技场
// 所有区间按下标寻址，分裂父 / 提示都存下标，不存指针
type Arena struct {
	intervals []*Interval
}

// NewArena 创建竞技场
func NewArena() *Arena {
	return &Arena{}
}

// New 创建区间
func (a *Arena) New() *Interval {
	iv := newInterval(IntervalID(len(a.intervals)))
	a.intervals = append(a.intervals, iv)
	return iv
}

// Get 按下标取区间
func (a *Arena) Get(id IntervalID) *Interval {
	if id == NoInterval {
		return nil
	}
	return a.intervals[id]
}

// Count 区间总数
func (a *Arena) Count() int {
	return len(a.intervals)
}

// All 全部区间（只读遍历）
func (a *Arena) All() []*Interval {
	return a.intervals
}

// Root 返回区间所属分裂家族的根
func (a *Arena) Root(iv *Interval) *Interval {
	return a.Get(iv.splitParent)
}

// Split 在 pos 处分裂区间，返回接管 pos 之后部分的新子区间
//
// 分裂决不改写历史：父区间保留 pos 之前的范围与使用位置，
// 其已定的位置维持最终；pos 起的部分搬入新子区间再行分配。
// 据此可在任意查询位置重推当时有效的位置。
func (a *Arena) Split(iv *Interval, pos int) *Interval {
	if pos <= iv.From() || pos >= iv.To() {
		panic(fmt.Sprintf("regalloc: split position %d outside interval %s", pos, iv))
	}

	child := a.New()
	child.Value = iv.Value
	child.Kind = iv.Kind
	child.Categories = iv.Categories
	root := a.Root(iv)
	child.splitParent = root.id
	root.splitChildren = append(root.splitChildren, child.id)

	// 搬移范围
	var keep, move []Range
	for _, r := range iv.ranges {
		switch {
		case r.To <= pos:
			keep = append(keep, r)
		case r.From >= pos:
			move = append(move, r)
		default:
			keep = append(keep, Range{From: r.From, To: pos})
			move = append(move, Range{From: pos, To: r.To})
		}
	}
	iv.ranges = keep
	child.ranges = move

	// 搬移使用位置
	var keepU, moveU []UsePos
	for _, u := range iv.uses {
		if u.Pos < pos {
			keepU = append(keepU, u)
		} else {
			moveU = append(moveU, u)
		}
	}
	iv.uses = keepU
	child.uses = moveU

	return child
}

// ChildAt 返回家族中覆盖位置 pos 的区间
// 先看根自身，再查分裂子；都不覆盖时返回终点最近的前驱子区间
func (a *Arena) ChildAt(root *Interval, pos int) *Interval {
	root = a.Root(root)
	if root.Covers(pos) {
		return root
	}
	var best *Interval
	for _, cid := range root.splitChildren {
		c := a.Get(cid)
		if c.Covers(pos) {
			return c
		}
		if c.To() <= pos && (best == nil || c.To() > best.To()) {
			best = c
		}
	}
	if best != nil {
		return best
	}
	if root.To() <= pos {
		return root
	}
	return nil
}

// SortByFrom 返回按起点排序的区间下标序列
// 起点相同的按竞技场创建顺序排序，保证输出可复现
func (a *Arena) SortByFrom(ids []IntervalID) {
	sort.SliceStable(ids, func(i, j int) bool {
		return a.Get(ids[i]).From() < a.Get(ids[j]).From()
	})
}
