// register.go - 物理寄存器定义
//
// 本文件定义了目标机的物理寄存器单例表。
// 寄存器对象在进程启动时创建一次，之后只读，编译期间无需任何同步。
// 每个寄存器有两个编号：
// - Encoding：指令编码中的序号（如 RAX=0, R8=8, XMM0=0）
// - Serial：分配池内的全局下标，整数与浮点寄存器共用一个序号空间

package lir

// TargetRegister 物理寄存器
type TargetRegister struct {
	Name     string // 汇编名称
	Encoding int    // 指令编码序号
	Serial   int    // 分配池全局下标
	IsFloat  bool   // 是否属于浮点分区
}

// Category 返回寄存器所属的位置类别
func (r *TargetRegister) Category() LocationCategory {
	if r.IsFloat {
		return CatFloatReg
	}
	return CatIntReg
}

// AsLocation 返回寄存器对应的位置
func (r *TargetRegister) AsLocation() RegisterLocation {
	return RegisterLocation{Reg: r}
}

func (r *TargetRegister) String() string {
	return r.Name
}

// ============================================================================
// x86-64 寄存器表
// ============================================================================

// 通用寄存器单例
// Serial 与数组下标一致，浮点寄存器的 Serial 紧随其后
var (
	RAX = &TargetRegister{Name: "rax", Encoding: 0, Serial: 0}
	RCX = &TargetRegister{Name: "rcx", Encoding: 1, Serial: 1}
	RDX = &TargetRegister{Name: "rdx", Encoding: 2, Serial: 2}
	RBX = &TargetRegister{Name: "rbx", Encoding: 3, Serial: 3}
	RSP = &TargetRegister{Name: "rsp", Encoding: 4, Serial: 4}
	RBP = &TargetRegister{Name: "rbp", Encoding: 5, Serial: 5}
	RSI = &TargetRegister{Name: "rsi", Encoding: 6, Serial: 6}
	RDI = &TargetRegister{Name: "rdi", Encoding: 7, Serial: 7}
	R8  = &TargetRegister{Name: "r8", Encoding: 8, Serial: 8}
	R9  = &TargetRegister{Name: "r9", Encoding: 9, Serial: 9}
	R10 = &TargetRegister{Name: "r10", Encoding: 10, Serial: 10}
	R11 = &TargetRegister{Name: "r11", Encoding: 11, Serial: 11}
	R12 = &TargetRegister{Name: "r12", Encoding: 12, Serial: 12}
	R13 = &TargetRegister{Name: "r13", Encoding: 13, Serial: 13}
	R14 = &TargetRegister{Name: "r14", Encoding: 14, Serial: 14}
	R15 = &TargetRegister{Name: "r15", Encoding: 15, Serial: 15}
)

// 浮点寄存器单例
var (
	XMM0  = &TargetRegister{Name: "xmm0", Encoding: 0, Serial: 16, IsFloat: true}
	XMM1  = &TargetRegister{Name: "xmm1", Encoding: 1, Serial: 17, IsFloat: true}
	XMM2  = &TargetRegister{Name: "xmm2", Encoding: 2, Serial: 18, IsFloat: true}
	XMM3  = &TargetRegister{Name: "xmm3", Encoding: 3, Serial: 19, IsFloat: true}
	XMM4  = &TargetRegister{Name: "xmm4", Encoding: 4, Serial: 20, IsFloat: true}
	XMM5  = &TargetRegister{Name: "xmm5", Encoding: 5, Serial: 21, IsFloat: true}
	XMM6  = &TargetRegister{Name: "xmm6", Encoding: 6, Serial: 22, IsFloat: true}
	XMM7  = &TargetRegister{Name: "xmm7", Encoding: 7, Serial: 23, IsFloat: true}
	XMM8  = &TargetRegister{Name: "xmm8", Encoding: 8, Serial: 24, IsFloat: true}
	XMM9  = &TargetRegister{Name: "xmm9", Encoding: 9, Serial: 25, IsFloat: true}
	XMM10 = &TargetRegister{Name: "xmm10", Encoding: 10, Serial: 26, IsFloat: true}
	XMM11 = &TargetRegister{Name: "xmm11", Encoding: 11, Serial: 27, IsFloat: true}
	XMM12 = &TargetRegister{Name: "xmm12", Encoding: 12, Serial: 28, IsFloat: true}
	XMM13 = &TargetRegister{Name: "xmm13", Encoding: 13, Serial: 29, IsFloat: true}
	XMM14 = &TargetRegister{Name: "xmm14", Encoding: 14, Serial: 30, IsFloat: true}
	XMM15 = &TargetRegister{Name: "xmm15", Encoding: 15, Serial: 31, IsFloat: true}
)

// IntRegisters 所有整数寄存器（按 Serial 排序）
var IntRegisters = []*TargetRegister{
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI,
	R8, R9, R10, R11, R12, R13, R14, R15,
}

// FloatRegisters 所有浮点寄存器（按 Serial 排序）
var FloatRegisters = []*TargetRegister{
	XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
	XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15,
}

// AllRegisters 全部寄存器，下标即 Serial
var AllRegisters = append(append([]*TargetRegister{}, IntRegisters...), FloatRegisters...)

// NumRegisters 寄存器总数
const NumRegisters = 32

// RegisterBySerial 按 Serial 查找寄存器
func RegisterBySerial(serial int) *TargetRegister {
	if serial < 0 || serial >= len(AllRegisters) {
		return nil
	}
	return AllRegisters[serial]
}

// ============================================================================
// 寄存器配置
// ============================================================================

// CalleeSaveLayout 被调用者保存区布局
// 描述哪些寄存器由被调用者保存，以及各自在保存区内的偏移
type CalleeSaveLayout struct {
	Registers []*TargetRegister
	Size      int         // 保存区总大小（字节）
	offsets   map[int]int // Serial -> 区内偏移
}

// NewCalleeSaveLayout 创建被调用者保存区布局
func NewCalleeSaveLayout(slotSize int, regs ...*TargetRegister) *CalleeSaveLayout {
	csl := &CalleeSaveLayout{
		Registers: regs,
		offsets:   make(map[int]int, len(regs)),
	}
	for i, r := range regs {
		csl.offsets[r.Serial] = i * slotSize
	}
	csl.Size = len(regs) * slotSize
	return csl
}

// OffsetOf 返回寄存器在保存区内的偏移
func (csl *CalleeSaveLayout) OffsetOf(r *TargetRegister) int {
	off, ok := csl.offsets[r.Serial]
	if !ok {
		panic("lir: register not in callee save layout: " + r.Name)
	}
	return off
}

// Contains 检查寄存器是否在保存区内
func (csl *CalleeSaveLayout) Contains(r *TargetRegister) bool {
	_, ok := csl.offsets[r.Serial]
	return ok
}

// RegisterConfig 寄存器配置
// 由外部按目标 ABI 提供：可分配集合、帧指针、被调用者保存区
type RegisterConfig struct {
	// AllocatableInt 可分配的整数寄存器（按分配偏好排序）
	AllocatableInt []*TargetRegister

	// AllocatableFloat 可分配的浮点寄存器
	AllocatableFloat []*TargetRegister

	// FrameRegister 帧基址寄存器（栈指针）
	FrameRegister *TargetRegister

	// ScratchRegister 移动解析等场合使用的临时寄存器，不参与分配
	ScratchRegister *TargetRegister

	// CalleeSave 被调用者保存区布局（可为 nil）
	CalleeSave *CalleeSaveLayout
}

// AllocatableFor 返回指定类别的可分配寄存器
func (rc *RegisterConfig) AllocatableFor(cat LocationCategory) []*TargetRegister {
	switch cat {
	case CatIntReg:
		return rc.AllocatableInt
	case CatFloatReg:
		return rc.AllocatableFloat
	default:
		return nil
	}
}

// IsAllocatable 检查寄存器是否参与分配
func (rc *RegisterConfig) IsAllocatable(r *TargetRegister) bool {
	for _, a := range rc.AllocatableFor(r.Category()) {
		if a == r {
			return true
		}
	}
	return false
}
