// driver.go - 编译驱动
//
// 单个方法的编译是严格串行的流水线：
// 编号 -> 活跃分析 -> 支配树 / 循环 -> 寄存器分配（含移动解析）
// -> 帧定型 -> 发射 -> 安装。每次编译独占自己的 IR、区间竞技场
// 和帧图，方法之间可以并发编译，共享的只有代码缓存和统计。
//
// trace 是流水线的只读旁观者：开启时在关键阶段之间转储 CFG
// 与区间，汇成一段文本后写文件并推送给在线订阅者。

package compiler

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tangzhangming/jadevm/internal/codecache"
	"github.com/tangzhangming/jadevm/internal/emit"
	"github.com/tangzhangming/jadevm/internal/frame"
	"github.com/tangzhangming/jadevm/internal/lir"
	"github.com/tangzhangming/jadevm/internal/regalloc"
	"github.com/tangzhangming/jadevm/internal/trace"
)

// Compiler 编译驱动
type Compiler struct {
	cfg  *Config
	log  *zap.Logger
	regs *lir.RegisterConfig
	conv *lir.CallingConvention

	cache *codecache.Cache
	stats *Stats

	// streamer trace 实时推送（可为 nil）
	streamer *trace.Streamer

	traceMu   sync.Mutex
	traceFile *os.File
}

// New 创建编译驱动
// cache 可为 nil（只编译不安装，测试和离线转储用）
func New(cfg *Config, log *zap.Logger, cache *codecache.Cache) (*Compiler, error) {
	c := &Compiler{
		cfg:   cfg,
		log:   log,
		regs:  lir.DefaultRegisterConfig(),
		conv:  lir.PlatformConv(),
		cache: cache,
		stats: &Stats{},
	}
	if cfg.Trace.Enabled && cfg.Trace.File != "" {
		f, err := os.Create(cfg.Trace.File)
		if err != nil {
			return nil, fmt.Errorf("compiler: trace file: %w", err)
		}
		c.traceFile = f
	}
	return c, nil
}

// SetStreamer 挂接 trace 推送服务
func (c *Compiler) SetStreamer(st *trace.Streamer) {
	c.streamer = st
}

// Stats 编译统计
func (c *Compiler) Stats() *Stats {
	return c.stats
}

// Close 收尾：关闭 trace 文件
func (c *Compiler) Close() error {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	if c.traceFile != nil {
		err := c.traceFile.Close()
		c.traceFile = nil
		return err
	}
	return nil
}

// Compile 编译并安装一个方法
// 返回的错误分三类：BailoutError（回落解释执行）、
// InternalError（编译器缺陷）、普通错误（输入 IR 不合法等）
func (c *Compiler) Compile(m *lir.Method) (entry *codecache.Entry, err error) {
	defer recoverCompile(m.Name, &err)
	defer func() {
		switch {
		case err == nil:
		case IsBailout(err):
			c.stats.Bailouts.Inc()
			c.log.Warn("compilation bailout", zap.String("method", m.Name), zap.Error(err))
		default:
			c.stats.InternalErrors.Inc()
			c.log.Error("compilation failed", zap.String("method", m.Name), zap.Error(err))
		}
	}()

	if verr := m.Verify(); verr != nil {
		return nil, fmt.Errorf("compiler: invalid input IR for %s: %w", m.Name, verr)
	}

	m.Number()
	lir.ComputeLiveness(m)
	lir.ComputeDominators(m)
	lir.ComputeLoopDepth(m)

	var buf bytes.Buffer
	var printer *trace.Printer
	if c.cfg.Trace.Enabled {
		printer = trace.NewPrinter(&buf)
		printer.PrintCompilation(m.Name)
		printer.PrintCFG(m, "After generation", true)
	}

	fm := frame.NewFrameMap(c.conv, c.regs, m.ArgKinds, m.MonitorCount)
	c.reserveOutgoing(m, fm)

	res, aerr := regalloc.Allocate(m, fm, c.regs)
	if aerr != nil {
		return nil, &InternalError{Method: m.Name, Cause: &lir.FatalError{Msg: aerr.Error()}}
	}
	if c.cfg.Compiler.VerifyAfterAllocation {
		if verr := res.Verify(); verr != nil {
			return nil, &InternalError{Method: m.Name, Cause: &lir.FatalError{Msg: verr.Error()}}
		}
	}
	if c.cfg.Compiler.CheckLiveness {
		c.checkLiveness(m, res)
	}

	fm.FinalizeFrame(res.SpillSlots)

	if printer != nil {
		printer.PrintCFG(m, "After register allocation", true)
		printer.PrintIntervals(res, "After register allocation")
	}

	tm, eerr := emit.NewEmitter(m, fm, c.regs, res).Emit()
	if eerr != nil {
		return nil, &InternalError{Method: m.Name, Cause: &lir.FatalError{Msg: eerr.Error()}}
	}

	if c.cache != nil {
		entry, err = c.cache.Install(tm)
		if err != nil {
			return nil, err
		}
	}

	c.stats.Compiled.Inc()
	c.stats.CodeBytes.Add(int64(len(tm.Code)))
	c.stats.SpillSlots.Add(int64(res.SpillSlots))
	c.log.Info("method compiled",
		zap.String("method", m.Name),
		zap.Int("blocks", len(m.Blocks)),
		zap.Int("code_size", len(tm.Code)),
		zap.Int("spill_slots", res.SpillSlots),
		zap.Int("frame_size", tm.FrameSize))

	if printer != nil {
		printer.Flush()
		c.emitTrace(buf.Bytes())
	}
	return entry, nil
}

// reserveOutgoing 为全部调用点预留外调参数空间
// 必须在帧进入分配状态（分配器取首个溢出槽）之前完成
func (c *Compiler) reserveOutgoing(m *lir.Method, fm *frame.FrameMap) {
	for _, b := range m.Blocks {
		for _, instr := range b.Instrs {
			call, ok := instr.(*lir.Call)
			if !ok {
				continue
			}
			kinds := make([]lir.Kind, len(call.Args))
			for i, a := range call.Args {
				kinds[i] = a.Value.Kind()
			}
			fm.ReserveCall(kinds)
		}
	}
}

// checkLiveness 区间与活跃快照交叉检查（调试配置）
func (c *Compiler) checkLiveness(m *lir.Method, res *regalloc.Result) {
	roots := make(map[int]*regalloc.Interval)
	for _, iv := range res.Arena.All() {
		if iv.Value != nil && res.Arena.Root(iv) == iv {
			roots[iv.Value.ID] = iv
		}
	}
	bad := lir.CheckLiveSnapshots(m, func(valueID, pos int) bool {
		root := roots[valueID]
		if root == nil {
			return false
		}
		child := res.Arena.ChildAt(root, pos)
		// ChildAt 对越过家族终点的位置返回最近前驱，覆盖判定要再查范围
		return child != nil && child.Covers(pos)
	})
	for _, id := range bad {
		c.log.Error("live snapshot not covered by any interval",
			zap.String("method", m.Name), zap.Int("value", id))
	}
	if len(bad) > 0 {
		lir.Fatalf(nil, "liveness/interval mismatch for %d values", len(bad))
	}
}

// emitTrace 把一段 trace 文本写文件并推送订阅者
func (c *Compiler) emitTrace(chunk []byte) {
	c.traceMu.Lock()
	if c.traceFile != nil {
		c.traceFile.Write(chunk)
	}
	c.traceMu.Unlock()

	if c.streamer != nil {
		c.streamer.Publish(chunk)
	}
}
