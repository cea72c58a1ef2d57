// method.go - 方法级 IR 容器
//
// Method 持有一个方法编译中的全部 LIR 状态：块列表、变量池、
// 监视器数量。分配开始后 IR 不再变换（分配器自己插入的
// 溢出 / 解析移动除外，插入后由分配器触发重新编号）。

package lir

import (
	"fmt"
)

// Method 一个方法的 LIR
type Method struct {
	Name string

	Blocks []*Block // 线性化顺序（入口在首位）
	Entry  *Block

	Pool *VariablePool

	// ArgKinds 入参类型（调用约定据此求入参位置）
	ArgKinds []Kind

	// MonitorCount 方法使用的栈上监视器数量
	MonitorCount int

	// numbered 编号 pass 是否已运行
	numbered bool
}

// NewMethod 创建方法容器
func NewMethod(name string) *Method {
	return &Method{
		Name: name,
		Pool: NewVariablePool(),
	}
}

// NewBlock 创建并登记新块
func (m *Method) NewBlock() *Block {
	b := NewBlock(len(m.Blocks))
	if len(m.Blocks) == 0 {
		m.Entry = b
		b.SetFlag(FlagStandardEntry)
	}
	m.Blocks = append(m.Blocks, b)
	return b
}

// ============================================================================
// 指令编号
//
// 指令占偶数位置，奇数位置是空隙，供分裂 / 移动插入使用。
// 任何改变指令顺序的变换之后都必须重新运行本 pass，
// 增量维护位置容易出现部分更新，统一重排反而稳妥。
// ============================================================================

// Number 为全部指令指派位置
func (m *Method) Number() {
	pos := 0
	for _, b := range m.Blocks {
		b.FirstPos = pos
		for _, instr := range b.Instrs {
			instr.SetPos(pos)
			pos += 2
		}
		b.LastPos = pos - 2
	}
	m.numbered = true
}

// IsNumbered 编号 pass 是否已运行
func (m *Method) IsNumbered() bool {
	return m.numbered
}

// MaxPos 返回最大指令位置 + 2（区间右端的上界）
func (m *Method) MaxPos() int {
	if len(m.Blocks) == 0 {
		return 0
	}
	last := m.Blocks[len(m.Blocks)-1]
	return last.LastPos + 2
}

// InstructionAt 按位置查找指令（线性于所在块，调试用）
func (m *Method) InstructionAt(pos int) Instruction {
	for _, b := range m.Blocks {
		if pos < b.FirstPos || pos > b.LastPos {
			continue
		}
		for _, instr := range b.Instrs {
			if instr.Pos() == pos {
				return instr
			}
		}
	}
	return nil
}

// BlockAt 返回覆盖位置 pos 的块
func (m *Method) BlockAt(pos int) *Block {
	for _, b := range m.Blocks {
		if pos >= b.FirstPos && pos <= b.LastPos {
			return b
		}
	}
	return nil
}

// ============================================================================
// 效果事件流
// ============================================================================

// EffectProc 使用 / 定义事件回调
type EffectProc func(pos int, op *Operand)

// RecordEffects 按程序序走一遍全部操作数，产生原始使用 / 定义事件流
// 区间构建消费该事件流
func (m *Method) RecordEffects(proc EffectProc) {
	for _, b := range m.Blocks {
		for _, instr := range b.Instrs {
			pos := instr.Pos()
			instr.VisitOperands(func(op *Operand) {
				proc(pos, op)
			})
		}
	}
}

// ============================================================================
// 校验
// ============================================================================

// Verify 校验方法级不变式：边一致、入口可达、位置唯一递增
func (m *Method) Verify() error {
	if m.Entry == nil {
		return fmt.Errorf("lir: method %s has no entry block", m.Name)
	}
	for _, b := range m.Blocks {
		if err := b.CheckEdges(); err != nil {
			return err
		}
	}
	if m.numbered {
		prev := -2
		for _, b := range m.Blocks {
			for _, instr := range b.Instrs {
				if instr.Pos() <= prev {
					return fmt.Errorf("lir: non-increasing instruction position %d after %d in %s", instr.Pos(), prev, b)
				}
				prev = instr.Pos()
			}
		}
	}
	// 可达性：从入口做一遍 BFS
	seen := map[*Block]bool{m.Entry: true}
	work := []*Block{m.Entry}
	for len(work) > 0 {
		b := work[0]
		work = work[1:]
		for _, s := range b.Succs {
			if !seen[s] {
				seen[s] = true
				work = append(work, s)
			}
		}
		for _, h := range b.ExceptionHandlers {
			if !seen[h] {
				seen[h] = true
				work = append(work, h)
			}
		}
	}
	for _, b := range m.Blocks {
		if !seen[b] {
			return fmt.Errorf("lir: block B%d unreachable from entry", b.ID)
		}
	}
	return nil
}
