// verify.go - 分配结果校验
//
// 断言级一致性检查，捕捉分配器缺陷；
// 是否在编译管线里执行由配置项 verify_after_allocation 决定：
// - 无双重指派：范围相交且都在寄存器中的两个区间寄存器必须不同
// - 使用位置有序、范围有序且互不重叠
// - 每个有范围的区间都有最终位置
// 全部违例聚合成一个错误返回，一次看全。

package regalloc

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tangzhangming/jadevm/internal/lir"
)

// Verify 对完成的分配做一致性检查
func (r *Result) Verify() error {
	var err error

	all := r.Arena.All()
	for _, iv := range all {
		if len(iv.Ranges()) == 0 {
			continue
		}

		// 范围有序且合法
		prev := -1
		for _, r := range iv.Ranges() {
			if r.From >= r.To {
				err = multierr.Append(err, fmt.Errorf("regalloc: empty range %s in %s", r, iv))
			}
			if r.From < prev {
				err = multierr.Append(err, fmt.Errorf("regalloc: unsorted ranges in %s", iv))
			}
			prev = r.To
		}

		// 使用位置有序
		for i := 1; i < len(iv.Uses()); i++ {
			if iv.Uses()[i].Pos < iv.Uses()[i-1].Pos {
				err = multierr.Append(err, fmt.Errorf("regalloc: use positions not sorted in %s", iv))
			}
		}

		// 最终位置存在
		if iv.Value != nil && iv.Location() == nil && iv.Value.Fixed == nil {
			err = multierr.Append(err, fmt.Errorf("regalloc: no location assigned to %s", iv))
		}
	}

	// 无双重指派
	for i, a := range all {
		ra := regOfFinal(a)
		if ra == nil {
			continue
		}
		for _, b := range all[i+1:] {
			rb := regOfFinal(b)
			if rb == nil || ra != rb {
				continue
			}
			if sameFamily(r.Arena, a, b) {
				continue
			}
			if intersect(a, b) {
				err = multierr.Append(err, fmt.Errorf(
					"regalloc: intervals %s and %s overlap in register %s", a, b, ra))
			}
		}
	}

	return err
}

// regOfFinal 区间最终占有的寄存器
func regOfFinal(iv *Interval) *lir.TargetRegister {
	if iv.Assigned != nil {
		return iv.Assigned
	}
	return iv.FixedReg
}

// sameFamily 两区间是否属于同一分裂家族
func sameFamily(arena *Arena, a, b *Interval) bool {
	return a.Value != nil && b.Value != nil && arena.Root(a) == arena.Root(b)
}

// intersect 两区间的范围是否相交
func intersect(a, b *Interval) bool {
	for _, ra := range a.Ranges() {
		for _, rb := range b.Ranges() {
			if ra.Intersects(rb) {
				return true
			}
		}
	}
	return false
}
