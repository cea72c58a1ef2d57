// kind.go - 值类型标签
//
// 本文件定义了 LIR 中流动的值的类型标签（Kind）。
// 每个值在创建时固定一个 Kind，之后不可变更。
// Kind 决定了值占用的宽度以及可用的寄存器分区（整数 / 浮点）。

package lir

// Kind 值的类型标签
type Kind int

const (
	KindIllegal Kind = iota // 非法（未初始化）
	KindByte                // 8 位整数
	KindShort               // 16 位整数
	KindChar                // 16 位无符号字符
	KindInt                 // 32 位整数
	KindLong                // 64 位整数
	KindFloat               // 32 位浮点
	KindDouble              // 64 位浮点
	KindReference           // 对象引用
	KindWord                // 机器字（指针宽度）
)

// String 返回 Kind 的字符串表示
func (k Kind) String() string {
	switch k {
	case KindIllegal:
		return "illegal"
	case KindByte:
		return "byte"
	case KindShort:
		return "short"
	case KindChar:
		return "char"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindReference:
		return "object"
	case KindWord:
		return "word"
	default:
		return "unknown"
	}
}

// TypeChar 返回 Kind 的单字符缩写（用于调试输出）
func (k Kind) TypeChar() byte {
	switch k {
	case KindByte:
		return 'b'
	case KindShort:
		return 's'
	case KindChar:
		return 'c'
	case KindInt:
		return 'i'
	case KindLong:
		return 'j'
	case KindFloat:
		return 'f'
	case KindDouble:
		return 'd'
	case KindReference:
		return 'a'
	case KindWord:
		return 'w'
	default:
		return '-'
	}
}

// IsFloat 检查是否是浮点类型
func (k Kind) IsFloat() bool {
	return k == KindFloat || k == KindDouble
}

// IsReference 检查是否是引用类型
func (k Kind) IsReference() bool {
	return k == KindReference
}

// SizeInBytes 返回该类型占用的字节数
func (k Kind) SizeInBytes() int {
	switch k {
	case KindByte:
		return 1
	case KindShort, KindChar:
		return 2
	case KindInt, KindFloat:
		return 4
	case KindLong, KindDouble, KindReference, KindWord:
		return 8
	default:
		return 0
	}
}

// SpillSlots 返回该类型在栈上占用的溢出槽数量
// 当前目标（x86-64）所有类型均占一个 8 字节槽
func (k Kind) SpillSlots() int {
	if k == KindIllegal {
		return 0
	}
	return 1
}
