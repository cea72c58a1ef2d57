// framemap.go - 栈帧布局
//
// 本文件计算一个编译方法的栈帧几何。帧自栈指针向上依次为：
//
//          :                                :
//          | 调用者溢出实参 n               |
//          +--------------------------------+ 调用者帧
//          | 返回地址                       |
//          +--------------------------------+  ---
//          | 被调用者保存区                 |   ^
//          +--------------------------------+   |
//          | 对齐填充                      |   |
//          +--------------------------------+   |
//          | ALLOCA 块 n ... 0              |   |
//          +--------------------------------+  帧
//          | 监视器 n ... 0                 |  大小
//          +--------------------------------+   |
//          | 溢出槽 n ... 0                 |   |
//          +- - - - - - - - - - - - - - - - +   |  外调实参与溢出槽
//          | 外调溢出实参 n ... 0           |   |  共用槽索引空间
//          +--------------------------------+   |
//          | 自定义区（本地 ABI）           |   v
//    %sp   +--------------------------------+  ---
//
// 布局顺序是承重的：所有 offsetToX / offsetForY 之间必须相互一致，
// 发射出的每个槽 / 块都要满足 offset <= frameSize - size。
//
// 状态机：可增长 -> 分配中 -> 定型。
// ReserveOutgoing 只在可增长阶段允许；InitialSpillSlot 触发
// 向分配中的转移；FinalizeFrame 恰好调用一次，之后帧大小只读。

package frame

import (
	"fmt"

	"github.com/tangzhangming/jadevm/internal/lir"
)

// 槽计数的哨兵值
const (
	stateGrowable   = -2 // 可增长：仍可预留外调空间
	stateAllocating = -1 // 分配中：分配器正在指派溢出槽
)

// FrameMap 帧图
type FrameMap struct {
	conv *lir.CallingConvention
	regs *lir.RegisterConfig

	// Incoming 入参位置（按调用约定求得）
	Incoming lir.CallResult

	monitorCount int

	frameSize      int // -1 表示尚未定型
	spillSlotCount int // 哨兵见上

	outgoingSize    int // 外调实参区运行最大值（字节）
	stackBlocksSize int // 全部 ALLOCA 块的总字节数
	stackBlocks     []*StackBlock

	customAreaSize int // 本地 ABI 自定义区（字节）
	monitorSize    int // 单个栈上监视器的字节数

	refSpills []int // 持有引用的溢出槽索引（引用图用）
}

// NewFrameMap 创建帧图
// argKinds 是方法入参类型；monitors 是方法使用的栈上监视器数量
func NewFrameMap(conv *lir.CallingConvention, regs *lir.RegisterConfig, argKinds []lir.Kind, monitors int) *FrameMap {
	if monitors < 0 {
		panic("frame: negative monitor count")
	}
	fm := &FrameMap{
		conv:           conv,
		regs:           regs,
		monitorCount:   monitors,
		frameSize:      -1,
		spillSlotCount: stateGrowable,
		monitorSize:    2 * conv.SlotSize, // 锁字 + 对象引用
	}
	fm.Incoming = conv.LocateIncoming(argKinds)
	return fm
}

// SlotSize 单个溢出槽的字节数
func (fm *FrameMap) SlotSize() int {
	return fm.conv.SlotSize
}

// MonitorCount 监视器数量
func (fm *FrameMap) MonitorCount() int {
	return fm.monitorCount
}

// ============================================================================
// 外调空间预留
// ============================================================================

// ReserveOutgoing 预留外调实参空间（取运行最大值）
// 分配器开始指派溢出槽之后调用是内部错误
func (fm *FrameMap) ReserveOutgoing(argsSize int) {
	if fm.spillSlotCount != stateGrowable {
		panic("frame: cannot reserve outgoing space once register allocation has started")
	}
	rounded := roundUp(argsSize, fm.conv.SlotSize)
	if rounded > fm.outgoingSize {
		fm.outgoingSize = rounded
	}
}

// ReserveCall 按调用约定为一次外调预留空间
func (fm *FrameMap) ReserveCall(kinds []lir.Kind) lir.CallResult {
	res := fm.conv.Locate(kinds)
	fm.ReserveOutgoing(res.StackSize)
	return res
}

// InitialSpillSlot 返回首个可用溢出槽的索引（相对帧基）
// 调用本方法后不允许再预留外调空间
func (fm *FrameMap) InitialSpillSlot() int {
	if fm.spillSlotCount == stateGrowable {
		fm.spillSlotCount = stateAllocating
	}
	return (fm.outgoingSize + fm.customAreaSize) / fm.conv.SlotSize
}

// ============================================================================
// 栈块（ALLOCA）
// ============================================================================

// StackBlock 栈上分配块的不可变描述符
// 请求时帧大小未知，描述符在 FinalizeFrame 之后才能解析为具体偏移
type StackBlock struct {
	size   int
	offset int // 在栈块区内的相对偏移
	refs   bool
}

// BlockSize 块大小（字节）
func (sb *StackBlock) BlockSize() int { return sb.size }

// ContainsRefs 块内是否含对象引用
func (sb *StackBlock) ContainsRefs() bool { return sb.refs }

// 接口实现检查
var _ lir.StackBlockHandle = (*StackBlock)(nil)

// ReserveStackBlock 预留一个栈块，立即返回描述符
func (fm *FrameMap) ReserveStackBlock(size int, refs bool) *StackBlock {
	if size%fm.conv.SlotSize != 0 {
		panic(fmt.Sprintf("frame: stack block size %d not slot aligned", size))
	}
	sb := &StackBlock{size: size, offset: fm.stackBlocksSize, refs: refs}
	fm.stackBlocksSize += size
	fm.stackBlocks = append(fm.stackBlocks, sb)
	return sb
}

// ============================================================================
// 定型
// ============================================================================

// FinalizeFrame 用分配器确定的溢出槽数定型帧
// 只允许调用一次
func (fm *FrameMap) FinalizeFrame(spillSlotCount int) {
	if fm.spillSlotCount >= 0 {
		panic("frame: spill slot count can only be set once")
	}
	if fm.frameSize != -1 {
		panic("frame: frame size should only be calculated once")
	}
	if spillSlotCount < 0 {
		panic("frame: negative spill slot count")
	}
	fm.spillSlotCount = spillSlotCount
	size := fm.offsetToStackBlocksEnd()
	if csl := fm.regs.CalleeSave; csl != nil {
		size += csl.Size
	}
	// 进入方法后返回地址已压栈，帧大小须与返回地址合计对齐，
	// 方法体内的调用点才能看到对齐的栈指针
	fm.frameSize = roundUp(size+fm.conv.SlotSize, fm.conv.StackAlign) - fm.conv.SlotSize
}

// FrameSize 帧大小（字节）
// 定型之前调用是内部错误；定型后幂等
func (fm *FrameMap) FrameSize() int {
	if fm.frameSize == -1 {
		panic("frame: frame size not computed yet")
	}
	return fm.frameSize
}

// SpillSlotCount 溢出槽数量（定型后有效）
func (fm *FrameMap) SpillSlotCount() int {
	if fm.spillSlotCount < 0 {
		panic("frame: spill slot count not fixed yet")
	}
	return fm.spillSlotCount
}

// ============================================================================
// 偏移计算
// 下列函数共同定义帧内编址，修改任何一个都要保持整体一致
// ============================================================================

func (fm *FrameMap) offsetToCustomArea() int {
	return 0
}

func (fm *FrameMap) offsetToSpillArea() int {
	return fm.outgoingSize + fm.customAreaSize
}

func (fm *FrameMap) offsetToSpillEnd() int {
	return fm.offsetToSpillArea() + fm.spillSlotCount*fm.conv.SlotSize
}

func (fm *FrameMap) offsetToMonitors() int {
	return fm.offsetToSpillEnd()
}

func (fm *FrameMap) offsetToMonitorsEnd() int {
	return fm.offsetToMonitors() + fm.monitorCount*fm.monitorSize
}

func (fm *FrameMap) offsetToStackBlocks() int {
	return fm.offsetToMonitorsEnd()
}

func (fm *FrameMap) offsetToStackBlocksEnd() int {
	return fm.offsetToStackBlocks() + fm.stackBlocksSize
}

// OffsetToCalleeSaveAreaStart 被调用者保存区起始偏移
func (fm *FrameMap) OffsetToCalleeSaveAreaStart() int {
	if csl := fm.regs.CalleeSave; csl != nil {
		return fm.OffsetToCalleeSaveAreaEnd() - csl.Size
	}
	return fm.OffsetToCalleeSaveAreaEnd()
}

// OffsetToCalleeSaveAreaEnd 被调用者保存区结束偏移（即帧大小）
func (fm *FrameMap) OffsetToCalleeSaveAreaEnd() int {
	return fm.FrameSize()
}

// OffsetForSpillSlot 溢出槽 / 外调实参槽（共用索引空间）的帧内偏移
func (fm *FrameMap) OffsetForSpillSlot(slotIndex int, size int) int {
	if slotIndex < 0 || slotIndex >= fm.InitialSpillSlot()+fm.spillSlotCount {
		panic(fmt.Sprintf("frame: invalid spill slot %d", slotIndex))
	}
	offset := slotIndex * fm.conv.SlotSize
	fm.assertInFrame(offset, size)
	return offset
}

// OffsetForStackBlock 栈块的帧内偏移（定型后有效）
func (fm *FrameMap) OffsetForStackBlock(sb *StackBlock) int {
	if sb.offset < 0 || sb.offset+sb.size > fm.stackBlocksSize {
		panic("frame: invalid stack block")
	}
	offset := fm.offsetToStackBlocks() + sb.offset
	fm.assertInFrame(offset, sb.size)
	return offset
}

// OffsetForMonitorBase 监视器锁字的帧内偏移
func (fm *FrameMap) OffsetForMonitorBase(index int) int {
	if index < 0 || index >= fm.monitorCount {
		panic(fmt.Sprintf("frame: invalid monitor index %d", index))
	}
	offset := fm.offsetToMonitors() + index*fm.monitorSize
	fm.assertInFrame(offset, fm.monitorSize)
	return offset
}

// OffsetForMonitorObject 监视器持有的对象引用的帧内偏移
func (fm *FrameMap) OffsetForMonitorObject(index int) int {
	return fm.OffsetForMonitorBase(index) + fm.conv.SlotSize
}

// OffsetForIncomingArg 调用者帧中入参槽的帧内偏移
// （相对本帧栈指针：帧大小 + 返回地址之上）
func (fm *FrameMap) OffsetForIncomingArg(slotIndex int) int {
	callerFrame := fm.FrameSize() + fm.conv.SlotSize // 返回地址占一个槽
	return callerFrame + slotIndex*fm.conv.SlotSize
}

// assertInFrame 帧内断言：每个发出的槽 / 块必须整体落在帧内
func (fm *FrameMap) assertInFrame(offset, size int) {
	if offset > fm.FrameSize()-size {
		panic(fmt.Sprintf("frame: slot at %d size %d outside of frame (frameSize=%d)", offset, size, fm.FrameSize()))
	}
}

// roundUp 向上取整到 align 的倍数
func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
