// block.go - 基本块与控制流图
//
// 基本块是指令的有序列表，携带前驱 / 后继、支配者、循环嵌套
// 和角色标志。控制流边在两个方向上保持一致：
// 每条后继边在对端的前驱表中必有对应项，反之亦然。
//
// 指令在块内的交换 / 移动 / 删除必须触发重新编号，
// 区间端点用位置做相等比较，两条指令决不能共享同一位置。

package lir

import (
	"fmt"
)

// ============================================================================
// 块角色标志
// ============================================================================

// BlockFlag 块角色标志
type BlockFlag uint16

const (
	FlagStandardEntry  BlockFlag = 1 << iota // std: 标准入口
	FlagOSREntry                             // osr: 栈上替换入口
	FlagExceptionEntry                       // ex: 异常入口
	FlagSubroutineEntry                      // sr: 子过程入口
	FlagBackwardBranchTarget                 // bb: 回边目标
	FlagParserLoopHeader                     // plh: 前端识别的循环头
	FlagCriticalEdgeSplit                    // ces: 临界边拆分块
	FlagLinearScanLoopHeader                 // llh: 线性扫描循环头
	FlagLinearScanLoopEnd                    // lle: 线性扫描循环尾
)

// flagNames CFG 输出使用的短名（与外部可视化器的解析器约定一致）
var flagNames = []struct {
	flag BlockFlag
	name string
}{
	{FlagStandardEntry, "std"},
	{FlagOSREntry, "osr"},
	{FlagExceptionEntry, "ex"},
	{FlagSubroutineEntry, "sr"},
	{FlagBackwardBranchTarget, "bb"},
	{FlagParserLoopHeader, "plh"},
	{FlagCriticalEdgeSplit, "ces"},
	{FlagLinearScanLoopHeader, "llh"},
	{FlagLinearScanLoopEnd, "lle"},
}

// Names 返回已置标志的短名列表
func (f BlockFlag) Names() []string {
	var out []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

// ============================================================================
// 基本块
// ============================================================================

// Block 基本块
type Block struct {
	ID     int
	Instrs []Instruction

	Preds []*Block
	Succs []*Block

	// ExceptionHandlers 本块指令可能转移到的异常处理块
	ExceptionHandlers []*Block

	Flags BlockFlag

	// Dominator 直接支配者（入口块为 nil）
	Dominator *Block

	// LoopIndex / LoopDepth 循环编号与嵌套深度（不在循环内时 Index 为 -1）
	LoopIndex int
	LoopDepth int

	// FromBCI / ToBCI 对应的字节码区间（调试输出用）
	FromBCI int
	ToBCI   int

	// LiveIn / LiveOut / LiveGen / LiveKill 活跃分析的块级位图
	LiveIn   BitSet
	LiveOut  BitSet
	LiveGen  BitSet
	LiveKill BitSet

	// FirstPos / LastPos 块内首末指令位置（编号 pass 回填）
	FirstPos int
	LastPos  int
}

// NewBlock 创建基本块
func NewBlock(id int) *Block {
	return &Block{ID: id, LoopIndex: -1, FromBCI: -1, ToBCI: -1}
}

func (b *Block) String() string {
	return fmt.Sprintf("B%d", b.ID)
}

// HasFlag 检查标志
func (b *Block) HasFlag(f BlockFlag) bool {
	return b.Flags&f != 0
}

// SetFlag 设置标志
func (b *Block) SetFlag(f BlockFlag) {
	b.Flags |= f
}

// ============================================================================
// 边维护
// ============================================================================

// AddEdge 添加 from -> to 的控制流边（双向登记）
func AddEdge(from, to *Block) {
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}

// PredIndex 返回 pred 在前驱表中的下标，不存在时返回 -1
func (b *Block) PredIndex(pred *Block) int {
	for i, p := range b.Preds {
		if p == pred {
			return i
		}
	}
	return -1
}

// CheckEdges 校验控制流边的双向一致性
// 这是调试级一致性检查：不一致说明构图或变换有缺陷
func (b *Block) CheckEdges() error {
	for _, s := range b.Succs {
		if s.PredIndex(b) < 0 {
			return fmt.Errorf("lir: successor B%d of B%d does not list it as predecessor", s.ID, b.ID)
		}
	}
	for _, p := range b.Preds {
		found := false
		for _, s := range p.Succs {
			if s == b {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("lir: predecessor B%d of B%d does not list it as successor", p.ID, b.ID)
		}
	}
	return nil
}

// ============================================================================
// 指令变换
// ============================================================================

// Append 追加指令
func (b *Block) Append(instr Instruction) {
	b.Instrs = append(b.Instrs, instr)
}

// InsertAt 在下标 idx 处插入指令
// 调用方负责随后触发方法级重新编号
func (b *Block) InsertAt(idx int, instr Instruction) {
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[idx+1:], b.Instrs[idx:])
	b.Instrs[idx] = instr
}

// RemoveAt 删除下标 idx 处的指令
func (b *Block) RemoveAt(idx int) {
	b.Instrs = append(b.Instrs[:idx], b.Instrs[idx+1:]...)
}

// Swap 交换两条指令
func (b *Block) Swap(i, j int) {
	b.Instrs[i], b.Instrs[j] = b.Instrs[j], b.Instrs[i]
}

// Last 返回块的最后一条指令（终结指令）
func (b *Block) Last() Instruction {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// Transfer 返回块的控制流转移指令（终结指令必须是转移类）
func (b *Block) Transfer() BlockTransfer {
	t, ok := b.Last().(BlockTransfer)
	if !ok {
		return nil
	}
	return t
}
