// callconv.go - 调用约定描述符
//
// 本文件定义了编译器消费的调用约定描述符。
// 支持 System V AMD64 (Linux/macOS) 与 Windows x64 两种主流约定。
// 描述符由外部按目标 ABI 提供，给出入参位置与外调参数区需求，
// 帧图（frame 包）据此预留外调空间。

package lir

import (
	"runtime"
)

// CallingConvention 调用约定描述符
type CallingConvention struct {
	Name string

	ArgRegs      []*TargetRegister // 整数参数寄存器（按顺序）
	FloatArgRegs []*TargetRegister // 浮点参数寄存器
	RetReg       *TargetRegister   // 整数返回值寄存器
	FloatRetReg  *TargetRegister   // 浮点返回值寄存器

	CallerSaved []*TargetRegister // 调用者保存
	CalleeSaved []*TargetRegister // 被调用者保存

	ShadowSpace int // 阴影空间大小（字节，Windows x64 为 32）
	StackAlign  int // 栈对齐要求（字节）

	SlotSize int // 栈参数槽大小（字节）
}

// SystemVConv System V AMD64 调用约定 (Linux/macOS)
var SystemVConv = &CallingConvention{
	Name:         "sysv-amd64",
	ArgRegs:      []*TargetRegister{RDI, RSI, RDX, RCX, R8, R9},
	FloatArgRegs: []*TargetRegister{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7},
	RetReg:       RAX,
	FloatRetReg:  XMM0,
	CallerSaved:  []*TargetRegister{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11},
	CalleeSaved:  []*TargetRegister{RBX, R12, R13, R14, R15},
	ShadowSpace:  0,
	StackAlign:   16,
	SlotSize:     8,
}

// WindowsX64Conv Windows x64 调用约定
var WindowsX64Conv = &CallingConvention{
	Name:         "win64",
	ArgRegs:      []*TargetRegister{RCX, RDX, R8, R9},
	FloatArgRegs: []*TargetRegister{XMM0, XMM1, XMM2, XMM3},
	RetReg:       RAX,
	FloatRetReg:  XMM0,
	CallerSaved:  []*TargetRegister{RAX, RCX, RDX, R8, R9, R10, R11},
	CalleeSaved:  []*TargetRegister{RBX, RSI, RDI, R12, R13, R14, R15},
	ShadowSpace:  32,
	StackAlign:   16,
	SlotSize:     8,
}

// PlatformConv 返回当前平台的调用约定
func PlatformConv() *CallingConvention {
	if runtime.GOOS == "windows" {
		return WindowsX64Conv
	}
	return SystemVConv
}

// ArgResult 单个参数的分配结果
type ArgResult struct {
	Location Location
	Kind     Kind
}

// CallResult 一次调用约定求值的结果
type CallResult struct {
	Args      []ArgResult
	StackSize int // 需要的外调栈空间（字节），含阴影空间
}

// Locate 按约定为一组参数求位置
// 超出寄存器数量的参数落到外调栈槽，槽索引从 0 开始
// （帧图中外调参数与溢出槽共用索引空间，编址方式一致）
func (cc *CallingConvention) Locate(kinds []Kind) CallResult {
	res := CallResult{Args: make([]ArgResult, len(kinds))}
	intIdx, floatIdx := 0, 0
	stackIdx := cc.ShadowSpace / cc.SlotSize

	for i, k := range kinds {
		var loc Location
		if k.IsFloat() {
			if floatIdx < len(cc.FloatArgRegs) {
				loc = cc.FloatArgRegs[floatIdx].AsLocation()
				floatIdx++
			}
		} else {
			if intIdx < len(cc.ArgRegs) {
				loc = cc.ArgRegs[intIdx].AsLocation()
				intIdx++
			}
		}
		if loc == nil {
			loc = StackSlotLocation{Index: stackIdx, Kind: k}
			stackIdx++
		}
		res.Args[i] = ArgResult{Location: loc, Kind: k}
	}

	res.StackSize = stackIdx * cc.SlotSize
	return res
}

// LocateIncoming 按接收方视角分配入参位置
// 与 Locate 的区别仅在栈上实参：它们住在调用者帧里，
// 槽位标记为 Incoming，寻址时越过本帧与返回地址
func (cc *CallingConvention) LocateIncoming(kinds []Kind) CallResult {
	res := cc.Locate(kinds)
	for i, a := range res.Args {
		if s, ok := a.Location.(StackSlotLocation); ok {
			s.Incoming = true
			res.Args[i].Location = s
		}
	}
	return res
}

// DefaultRegisterConfig 返回当前平台的默认寄存器配置
// RSP 为帧寄存器，R11 作为移动解析的临时寄存器，均不参与分配
func DefaultRegisterConfig() *RegisterConfig {
	cc := PlatformConv()

	var allocInt []*TargetRegister
	for _, r := range IntRegisters {
		if r == RSP || r == RBP || r == R11 {
			continue
		}
		allocInt = append(allocInt, r)
	}

	var allocFloat []*TargetRegister
	for _, r := range FloatRegisters {
		if r == XMM15 {
			continue // 浮点临时寄存器
		}
		allocFloat = append(allocFloat, r)
	}

	return &RegisterConfig{
		AllocatableInt:   allocInt,
		AllocatableFloat: allocFloat,
		FrameRegister:    RSP,
		ScratchRegister:  R11,
		CalleeSave:       NewCalleeSaveLayout(cc.SlotSize, cc.CalleeSaved...),
	}
}
