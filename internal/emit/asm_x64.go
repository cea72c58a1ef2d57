// asm_x64.go - x86-64 汇编器
//
// 本文件实现了 x86-64 机器码的底层编码器。
// 提供发射器用到的指令集合：数据移动、算术、比较、跳转、调用。
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段
//
// 块标签与块间跳转用重定位表延迟回填；对外部符号的调用
// 记录成符号重定位，由代码缓存安装时解析。

package emit

import (
	"encoding/binary"
	"fmt"
)

// 栈指针编码（内存寻址基址固定用 RSP）
const rspEnc = 4

// Condition 码到 Jcc 操作码低四位的映射在 jcc 方法中展开

// Reloc 块间跳转重定位
type Reloc struct {
	Offset int // 位移字段在代码中的偏移
	Target int // 目标块 ID
}

// SymbolReloc 外部符号调用重定位
type SymbolReloc struct {
	Offset int    // rel32 字段偏移
	Symbol string // 运行时助手 / 目标方法符号
}

// Assembler x86-64 汇编器
type Assembler struct {
	code     []byte
	labels   map[int]int    // 块 ID -> 代码偏移
	relocs   []Reloc        // 块间跳转
	symbols  []SymbolReloc  // 外部调用
}

// NewAssembler 创建汇编器
func NewAssembler() *Assembler {
	return &Assembler{
		code:   make([]byte, 0, 256),
		labels: make(map[int]int),
	}
}

// Code 返回当前机器码（PatchBranches 之后才是最终码）
func (a *Assembler) Code() []byte {
	return a.code
}

// Offset 当前发射偏移
func (a *Assembler) Offset() int {
	return len(a.code)
}

// Symbols 全部外部符号重定位
func (a *Assembler) Symbols() []SymbolReloc {
	return a.symbols
}

// BindLabel 把块标签绑定到当前偏移
func (a *Assembler) BindLabel(blockID int) {
	a.labels[blockID] = len(a.code)
}

// ============================================================================
// 基础发射
// ============================================================================

func (a *Assembler) emit(bs ...byte) {
	a.code = append(a.code, bs...)
}

func (a *Assembler) emit32(v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	a.code = append(a.code, buf[:]...)
}

func (a *Assembler) emit64(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	a.code = append(a.code, buf[:]...)
}

// rex 发射 REX 前缀
// w: 64 位操作数; r/x/b: 扩展位
func (a *Assembler) rex(w bool, reg, index, base int) {
	var p byte = 0x40
	if w {
		p |= 0x08
	}
	if reg >= 8 {
		p |= 0x04
	}
	if index >= 8 {
		p |= 0x02
	}
	if base >= 8 {
		p |= 0x01
	}
	if p != 0x40 || w {
		a.emit(p)
	}
}

// modrm 发射 ModR/M 字节
func (a *Assembler) modrm(mod, reg, rm int) {
	a.emit(byte(mod<<6 | (reg&7)<<3 | rm&7))
}

// memRSP 发射 [rsp+disp] 的 ModR/M + SIB + 位移
func (a *Assembler) memRSP(reg, disp int) {
	switch {
	case disp == 0:
		a.modrm(0, reg, rspEnc)
		a.emit(0x24) // SIB: base=rsp
	case disp >= -128 && disp <= 127:
		a.modrm(1, reg, rspEnc)
		a.emit(0x24)
		a.emit(byte(disp))
	default:
		a.modrm(2, reg, rspEnc)
		a.emit(0x24)
		a.emit32(int32(disp))
	}
}

// ============================================================================
// 数据移动
// ============================================================================

// MovRegReg mov dst, src（64 位）
func (a *Assembler) MovRegReg(dst, src int) {
	a.rex(true, src, 0, dst)
	a.emit(0x89)
	a.modrm(3, src, dst)
}

// MovRegImm64 mov dst, imm64
func (a *Assembler) MovRegImm64(dst int, imm int64) {
	if imm >= -2147483648 && imm <= 2147483647 {
		// 短编码：mov r/m64, imm32（符号扩展）
		a.rex(true, 0, 0, dst)
		a.emit(0xC7)
		a.modrm(3, 0, dst)
		a.emit32(int32(imm))
		return
	}
	a.rex(true, 0, 0, dst)
	a.emit(0xB8 | byte(dst&7))
	a.emit64(imm)
}

// MovRegMem mov dst, [rsp+disp]
func (a *Assembler) MovRegMem(dst, disp int) {
	a.rex(true, dst, 0, rspEnc)
	a.emit(0x8B)
	a.memRSP(dst, disp)
}

// MovMemReg mov [rsp+disp], src
func (a *Assembler) MovMemReg(disp, src int) {
	a.rex(true, src, 0, rspEnc)
	a.emit(0x89)
	a.memRSP(src, disp)
}

// MovMemImm32 mov qword [rsp+disp], imm32（符号扩展）
func (a *Assembler) MovMemImm32(disp int, imm int32) {
	a.rex(true, 0, 0, rspEnc)
	a.emit(0xC7)
	a.memRSP(0, disp)
	a.emit32(imm)
}

// LeaRegMem lea dst, [rsp+disp]
func (a *Assembler) LeaRegMem(dst, disp int) {
	a.rex(true, dst, 0, rspEnc)
	a.emit(0x8D)
	a.memRSP(dst, disp)
}

// ============================================================================
// 浮点移动（SSE2）
// ============================================================================

// MovsdRegReg movsd dst, src
func (a *Assembler) MovsdRegReg(dst, src int) {
	a.emit(0xF2)
	a.rex(false, dst, 0, src)
	a.emit(0x0F, 0x10)
	a.modrm(3, dst, src)
}

// MovsdRegMem movsd dst, [rsp+disp]
func (a *Assembler) MovsdRegMem(dst, disp int) {
	a.emit(0xF2)
	a.rex(false, dst, 0, rspEnc)
	a.emit(0x0F, 0x10)
	a.memRSP(dst, disp)
}

// MovsdMemReg movsd [rsp+disp], src
func (a *Assembler) MovsdMemReg(disp, src int) {
	a.emit(0xF2)
	a.rex(false, src, 0, rspEnc)
	a.emit(0x0F, 0x11)
	a.memRSP(src, disp)
}

// sseArith 浮点算术通用编码（addsd/subsd/mulsd/divsd）
func (a *Assembler) sseArith(op byte, dst, src int) {
	a.emit(0xF2)
	a.rex(false, dst, 0, src)
	a.emit(0x0F, op)
	a.modrm(3, dst, src)
}

// AddsdRegReg addsd dst, src
func (a *Assembler) AddsdRegReg(dst, src int) { a.sseArith(0x58, dst, src) }

// SubsdRegReg subsd dst, src
func (a *Assembler) SubsdRegReg(dst, src int) { a.sseArith(0x5C, dst, src) }

// MulsdRegReg mulsd dst, src
func (a *Assembler) MulsdRegReg(dst, src int) { a.sseArith(0x59, dst, src) }

// DivsdRegReg divsd dst, src
func (a *Assembler) DivsdRegReg(dst, src int) { a.sseArith(0x5E, dst, src) }

// MovqXmmGpr movq xmm, gpr（位模式搬运）
func (a *Assembler) MovqXmmGpr(dst, src int) {
	a.emit(0x66)
	a.rex(true, dst, 0, src)
	a.emit(0x0F, 0x6E)
	a.modrm(3, dst, src)
}

// MovqGprXmm movq gpr, xmm
func (a *Assembler) MovqGprXmm(dst, src int) {
	a.emit(0x66)
	a.rex(true, src, 0, dst)
	a.emit(0x0F, 0x7E)
	a.modrm(3, src, dst)
}

// XorpdRegReg xorpd dst, src
func (a *Assembler) XorpdRegReg(dst, src int) {
	a.emit(0x66)
	a.rex(false, dst, 0, src)
	a.emit(0x0F, 0x57)
	a.modrm(3, dst, src)
}

// UcomisdRegReg ucomisd left, right
func (a *Assembler) UcomisdRegReg(left, right int) {
	a.emit(0x66)
	a.rex(false, left, 0, right)
	a.emit(0x0F, 0x2E)
	a.modrm(3, left, right)
}

// ============================================================================
// 整数算术
// ============================================================================

// aluRegReg 标准 ALU 指令 op dst, src
// opcode 是 /r 形式的主操作码（add=0x01, sub=0x29, and=0x21, or=0x09, xor=0x31, cmp=0x39）
func (a *Assembler) aluRegReg(opcode byte, dst, src int) {
	a.rex(true, src, 0, dst)
	a.emit(opcode)
	a.modrm(3, src, dst)
}

// AddRegReg add dst, src
func (a *Assembler) AddRegReg(dst, src int) { a.aluRegReg(0x01, dst, src) }

// SubRegReg sub dst, src
func (a *Assembler) SubRegReg(dst, src int) { a.aluRegReg(0x29, dst, src) }

// AndRegReg and dst, src
func (a *Assembler) AndRegReg(dst, src int) { a.aluRegReg(0x21, dst, src) }

// OrRegReg or dst, src
func (a *Assembler) OrRegReg(dst, src int) { a.aluRegReg(0x09, dst, src) }

// XorRegReg xor dst, src
func (a *Assembler) XorRegReg(dst, src int) { a.aluRegReg(0x31, dst, src) }

// CmpRegReg cmp left, right
func (a *Assembler) CmpRegReg(left, right int) { a.aluRegReg(0x39, left, right) }

// ImulRegReg imul dst, src
func (a *Assembler) ImulRegReg(dst, src int) {
	a.rex(true, dst, 0, src)
	a.emit(0x0F, 0xAF)
	a.modrm(3, dst, src)
}

// aluRegImm32 ALU 立即数形式，ext 是 ModR/M.reg 的扩展操作码
// (add=0, or=1, and=4, sub=5, xor=6, cmp=7)
func (a *Assembler) aluRegImm32(ext, dst int, imm int32) {
	a.rex(true, 0, 0, dst)
	if imm >= -128 && imm <= 127 {
		a.emit(0x83)
		a.modrm(3, ext, dst)
		a.emit(byte(imm))
		return
	}
	a.emit(0x81)
	a.modrm(3, ext, dst)
	a.emit32(imm)
}

// AddRegImm add dst, imm
func (a *Assembler) AddRegImm(dst int, imm int32) { a.aluRegImm32(0, dst, imm) }

// SubRegImm sub dst, imm
func (a *Assembler) SubRegImm(dst int, imm int32) { a.aluRegImm32(5, dst, imm) }

// AndRegImm and dst, imm
func (a *Assembler) AndRegImm(dst int, imm int32) { a.aluRegImm32(4, dst, imm) }

// OrRegImm or dst, imm
func (a *Assembler) OrRegImm(dst int, imm int32) { a.aluRegImm32(1, dst, imm) }

// XorRegImm xor dst, imm
func (a *Assembler) XorRegImm(dst int, imm int32) { a.aluRegImm32(6, dst, imm) }

// CmpRegImm cmp left, imm
func (a *Assembler) CmpRegImm(left int, imm int32) { a.aluRegImm32(7, left, imm) }

// NegReg neg dst
func (a *Assembler) NegReg(dst int) {
	a.rex(true, 0, 0, dst)
	a.emit(0xF7)
	a.modrm(3, 3, dst)
}

// NotReg not dst
func (a *Assembler) NotReg(dst int) {
	a.rex(true, 0, 0, dst)
	a.emit(0xF7)
	a.modrm(3, 2, dst)
}

// shift 移位指令，ext: shl=4, shr=5, sar=7；移位量在 CL
func (a *Assembler) shiftCL(ext, dst int) {
	a.rex(true, 0, 0, dst)
	a.emit(0xD3)
	a.modrm(3, ext, dst)
}

// ShlRegCL shl dst, cl
func (a *Assembler) ShlRegCL(dst int) { a.shiftCL(4, dst) }

// ShrRegCL shr dst, cl
func (a *Assembler) ShrRegCL(dst int) { a.shiftCL(5, dst) }

// SarRegCL sar dst, cl
func (a *Assembler) SarRegCL(dst int) { a.shiftCL(7, dst) }

// CqoIdivReg cqo; idiv src（商在 RAX，余数在 RDX）
func (a *Assembler) CqoIdivReg(src int) {
	a.emit(0x48, 0x99) // cqo
	a.rex(true, 0, 0, src)
	a.emit(0xF7)
	a.modrm(3, 7, src)
}

// ============================================================================
// 栈操作与控制流
// ============================================================================

// SubRSP sub rsp, imm（开帧）
func (a *Assembler) SubRSP(imm int32) {
	a.SubRegImm(rspEnc, imm)
}

// AddRSP add rsp, imm（拆帧）
func (a *Assembler) AddRSP(imm int32) {
	a.AddRegImm(rspEnc, imm)
}

// Ret ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Mfence mfence
func (a *Assembler) Mfence() {
	a.emit(0x0F, 0xAE, 0xF0)
}

// Int3 int3（方法体末尾的越界陷阱字节）
func (a *Assembler) Int3() {
	a.emit(0xCC)
}

// Jmp 无条件跳转到块（rel32，回填）
func (a *Assembler) Jmp(blockID int) {
	a.emit(0xE9)
	a.relocs = append(a.relocs, Reloc{Offset: len(a.code), Target: blockID})
	a.emit32(0)
}

// Jcc 条件跳转到块（cc 是 x86 条件码低四位）
func (a *Assembler) Jcc(cc byte, blockID int) {
	a.emit(0x0F, 0x80|cc)
	a.relocs = append(a.relocs, Reloc{Offset: len(a.code), Target: blockID})
	a.emit32(0)
}

// MovRegRIP mov dst, [rip+disp32]，disp 指向外部符号（安装时解析）
func (a *Assembler) MovRegRIP(dst int, symbol string) {
	a.rex(true, dst, 0, 0)
	a.emit(0x8B)
	a.modrm(0, dst, 5) // mod=00 r/m=101: RIP 相对
	a.symbols = append(a.symbols, SymbolReloc{Offset: len(a.code), Symbol: symbol})
	a.emit32(0)
}

// CallSymbol 调用外部符号（rel32，安装时解析）
func (a *Assembler) CallSymbol(symbol string) {
	a.emit(0xE8)
	a.symbols = append(a.symbols, SymbolReloc{Offset: len(a.code), Symbol: symbol})
	a.emit32(0)
}

// PatchBranches 回填全部块间跳转
// 目标块没有标签说明布局 pass 有缺陷
func (a *Assembler) PatchBranches() error {
	for _, r := range a.relocs {
		target, ok := a.labels[r.Target]
		if !ok {
			return fmt.Errorf("emit: no label bound for block B%d", r.Target)
		}
		rel := target - (r.Offset + 4)
		binary.LittleEndian.PutUint32(a.code[r.Offset:], uint32(rel))
	}
	return nil
}
