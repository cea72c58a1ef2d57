// cfgprinter.go - 控制流图与区间转储
//
// 输出格式与 C1Visualizer 一类的外部可视化器兼容：
// begin_compilation / begin_cfg / begin_block / begin_intervals 嵌套块，
// 块内字段名（name, from_bci, to_bci, predecessors, successors,
// xhandlers, flags, dominator, loop_index, loop_depth）是解析器约定，
// 不能改动。打印器对编译状态只读，可在流水线任意阶段间插入。

package trace

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tangzhangming/jadevm/internal/lir"
	"github.com/tangzhangming/jadevm/internal/regalloc"
)

// Printer CFG / 区间打印器
type Printer struct {
	s *LogStream
}

// NewPrinter 创建打印器
func NewPrinter(w io.Writer) *Printer {
	return &Printer{s: NewLogStream(w)}
}

// Flush 刷出缓冲
func (p *Printer) Flush() error {
	return p.s.Flush()
}

// PrintCompilation 输出一次编译的头块
func (p *Printer) PrintCompilation(name string) {
	p.s.Begin("compilation")
	p.s.Printf("name \"%s\"", name)
	p.s.Printf("method \"%s\"", name)
	p.s.Printf("date %d", time.Now().UnixMilli())
	p.s.End("compilation")
}

// PrintCFG 输出方法当前的控制流图
// label 标记流水线阶段（如 "After generation" / "After register allocation"）
func (p *Printer) PrintCFG(m *lir.Method, label string, withLIR bool) {
	p.s.Begin("cfg")
	p.s.Printf("name \"%s\"", label)
	for _, b := range m.Blocks {
		p.printBlock(b, withLIR)
	}
	p.s.End("cfg")
}

func (p *Printer) printBlock(b *lir.Block, withLIR bool) {
	p.s.Begin("block")
	p.s.Printf("name \"B%d\"", b.ID)
	p.s.Printf("from_bci %d", b.FromBCI)
	p.s.Printf("to_bci %d", b.ToBCI)
	p.s.Printf("predecessors %s", blockRefs(b.Preds))
	p.s.Printf("successors %s", blockRefs(b.Succs))
	p.s.Printf("xhandlers %s", blockRefs(b.ExceptionHandlers))
	p.s.Printf("flags %s", quotedFlags(b.Flags.Names()))
	if b.Dominator != nil {
		p.s.Printf("dominator \"B%d\"", b.Dominator.ID)
	}
	if b.LoopIndex >= 0 {
		p.s.Printf("loop_index %d", b.LoopIndex)
		p.s.Printf("loop_depth %d", b.LoopDepth)
	}
	p.printStates(b)
	if withLIR {
		p.printLIR(b)
	}
	p.s.End("block")
}

// printStates 块入口活跃集（可视化器的 states 区段）
func (p *Printer) printStates(b *lir.Block) {
	if b.LiveIn == nil {
		return
	}
	p.s.Begin("states")
	p.s.Begin("locals")
	p.s.Printf("size %d", len(b.LiveIn)*64)
	var sb strings.Builder
	for i := 0; i < len(b.LiveIn)*64; i++ {
		if b.LiveIn.Get(i) {
			fmt.Fprintf(&sb, "v%d ", i)
		}
	}
	p.s.Printf("live_in %s", strings.TrimSpace(sb.String()))
	p.s.End("locals")
	p.s.End("states")
}

func (p *Printer) printLIR(b *lir.Block) {
	p.s.Begin("LIR")
	for _, instr := range b.Instrs {
		// 尾标记 <|@ 是可视化器的行终结符
		p.s.Printf("%4d %s <|@", instr.Pos(), instr)
	}
	p.s.End("LIR")
}

// PrintIntervals 输出分配结果的区间转储
// 行格式：下标 类别 "位置" 起点 分裂根 提示 区间段... 使用位置... "溢出状态"
func (p *Printer) PrintIntervals(res *regalloc.Result, label string) {
	p.s.Begin("intervals")
	p.s.Printf("name \"%s\"", label)
	for _, iv := range res.Arena.All() {
		p.printInterval(res.Arena, iv)
	}
	p.s.End("intervals")
}

func (p *Printer) printInterval(arena *regalloc.Arena, iv *regalloc.Interval) {
	var sb strings.Builder

	switch {
	case iv.IsFixed():
		fmt.Fprintf(&sb, "%d fixed", iv.ID())
	case iv.Value != nil:
		fmt.Fprintf(&sb, "%d v%d", iv.ID(), iv.Value.ID)
	default:
		fmt.Fprintf(&sb, "%d split", iv.ID())
	}

	loc := iv.Location()
	if loc != nil {
		fmt.Fprintf(&sb, " \"%s\"", loc)
	} else {
		sb.WriteString(" \"none\"")
	}

	root := arena.Root(iv)
	hint := -1
	if h := arena.Get(iv.Hint); h != nil {
		hint = int(h.ID())
	}
	fmt.Fprintf(&sb, " %d %d %d", iv.From(), root.ID(), hint)

	for _, r := range iv.Ranges() {
		fmt.Fprintf(&sb, " %s", r)
	}
	for _, u := range iv.Uses() {
		fmt.Fprintf(&sb, " %d %s", u.Pos, u.Priority)
	}
	fmt.Fprintf(&sb, " \"%s\"", iv.SpillState)

	p.s.Printf("%s", sb.String())
}

func blockRefs(blocks []*lir.Block) string {
	var sb strings.Builder
	for n, b := range blocks {
		if n > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "\"B%d\"", b.ID)
	}
	return sb.String()
}

func quotedFlags(names []string) string {
	var sb strings.Builder
	for n, name := range names {
		if n > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "\"%s\"", name)
	}
	return sb.String()
}
