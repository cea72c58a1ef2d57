// cfgprinter_test.go - 转储格式测试

package trace

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tangzhangming/jadevm/internal/frame"
	"github.com/tangzhangming/jadevm/internal/lir"
	"github.com/tangzhangming/jadevm/internal/regalloc"
)

func TestLogStreamIndentation(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogStream(&buf)
	s.Begin("outer")
	s.Printf("field %d", 1)
	s.Begin("inner")
	s.Printf("deep")
	s.End("inner")
	s.End("outer")
	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	expected := "begin_outer\n" +
		"  field 1\n" +
		"  begin_inner\n" +
		"    deep\n" +
		"  end_inner\n" +
		"end_outer\n"
	if buf.String() != expected {
		t.Errorf("stream output:\n%s\nwant:\n%s", buf.String(), expected)
	}
}

func buildTracedMethod() (*lir.Method, *lir.RegisterConfig, *regalloc.Result) {
	regs := &lir.RegisterConfig{
		AllocatableInt:  []*lir.TargetRegister{lir.RBX, lir.R12},
		FrameRegister:   lir.RSP,
		ScratchRegister: lir.R11,
		CalleeSave:      lir.NewCalleeSaveLayout(8, lir.RBX, lir.R12),
	}

	m := lir.NewMethod("trace::demo")
	b0 := m.NewBlock()
	b1 := m.NewBlock()
	lir.AddEdge(b0, b1)

	a := m.Pool.NewVariable(lir.KindInt)
	c1 := m.Pool.NewConst(lir.KindInt, 1)
	b0.Append(&lir.Move{
		Dest: lir.NewDef(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b0.Append(&lir.Jump{Target: b1})
	b1.Append(&lir.BinOp{
		Op:   lir.OpAdd,
		Dest: lir.NewUpdate(a, lir.G, lir.PriorityMustHaveRegister),
		Src:  lir.NewUse(c1, lir.G_I32_L_S, lir.PriorityNone),
	})
	b1.Append(&lir.Return{})

	m.Number()
	lir.ComputeLiveness(m)
	lir.ComputeDominators(m)
	fm := frame.NewFrameMap(lir.SystemVConv, regs, nil, 0)
	res, err := regalloc.Allocate(m, fm, regs)
	if err != nil {
		panic(err)
	}
	return m, regs, res
}

func TestPrintCFGEmitsVisualizerFields(t *testing.T) {
	m, _, _ := buildTracedMethod()

	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.PrintCompilation(m.Name)
	p.PrintCFG(m, "After generation", true)
	if err := p.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"begin_compilation",
		`name "trace::demo"`,
		"end_compilation",
		"begin_cfg",
		`name "After generation"`,
		"begin_block",
		`name "B0"`,
		"from_bci",
		"to_bci",
		`successors "B1"`,
		`predecessors "B0"`,
		"xhandlers",
		"flags",
		`dominator "B0"`,
		"begin_states",
		"begin_locals",
		"begin_LIR",
		"<|@",
		"end_LIR",
		"end_block",
		"end_cfg",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("trace output missing %q", want)
		}
	}

	// 活跃集：a 在 B1 入口活跃
	if !strings.Contains(out, "live_in v0") {
		t.Errorf("trace output missing live_in entry for v0:\n%s", out)
	}
}

func TestPrintIntervalsDump(t *testing.T) {
	_, _, res := buildTracedMethod()

	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.PrintIntervals(res, "After register allocation")
	if err := p.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "begin_intervals") || !strings.Contains(out, "end_intervals") {
		t.Fatalf("interval dump not bracketed:\n%s", out)
	}
	if !strings.Contains(out, "v0") {
		t.Error("interval dump missing the variable interval")
	}
	// 变量拿到了首选寄存器，位置以带引号的寄存器名输出
	if !strings.Contains(out, `"rbx"`) {
		t.Errorf("interval dump missing register location:\n%s", out)
	}
}
