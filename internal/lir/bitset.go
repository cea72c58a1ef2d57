// bitset.go - 位图

package lir

// BitSet 定长位图，下标为变量 ID 或槽索引
type BitSet []uint64

// NewBitSet 创建容纳 n 位的位图
func NewBitSet(n int) BitSet {
	return make(BitSet, (n+63)/64)
}

// Set 置位
func (s BitSet) Set(i int) {
	s[i/64] |= 1 << uint(i%64)
}

// Clear 清位
func (s BitSet) Clear(i int) {
	s[i/64] &^= 1 << uint(i%64)
}

// Get 取位
func (s BitSet) Get(i int) bool {
	if i/64 >= len(s) {
		return false
	}
	return s[i/64]&(1<<uint(i%64)) != 0
}

// Union 并入另一位图，返回是否有变化
func (s BitSet) Union(other BitSet) bool {
	changed := false
	for i := range other {
		if i >= len(s) {
			break
		}
		old := s[i]
		s[i] |= other[i]
		changed = changed || s[i] != old
	}
	return changed
}

// Copy 返回副本
func (s BitSet) Copy() BitSet {
	c := make(BitSet, len(s))
	copy(c, s)
	return c
}

// Equals 比较两个位图
func (s BitSet) Equals(other BitSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
