// liveness.go - 活跃变量分析与支配者计算
//
// 本文件实现了块级的后向数据流活跃分析，以及区间构建之前
// 的支配树 / 循环深度计算。
//
// 算法概述：
// 1. 每块计算 LiveGen（使用先于定义）与 LiveKill（定义）
// 2. 后向迭代 LiveOut = ∪ LiveIn(succ)，LiveIn = Gen ∪ (Out - Kill) 至不动点
// 3. 块内自尾向首回扫，给每条指令回填活跃快照
//
// 支配者计算采用 Cooper/Harvey/Kennedy 的迭代算法。

package lir

// ============================================================================
// 活跃分析
// ============================================================================

// ComputeLiveness 计算块级与指令级活跃信息
func ComputeLiveness(m *Method) {
	n := m.Pool.Count()

	// 第一步：块局部 Gen / Kill
	for _, b := range m.Blocks {
		gen := NewBitSet(n)
		kill := NewBitSet(n)
		for _, instr := range b.Instrs {
			instr.VisitOperands(func(op *Operand) {
				if !op.Value.IsVariable() {
					return
				}
				id := op.Value.ID
				switch op.Effect {
				case EffectUse, EffectUpdate:
					if !kill.Get(id) {
						gen.Set(id)
					}
					if op.Effect == EffectUpdate {
						kill.Set(id)
					}
				case EffectDefinition:
					kill.Set(id)
				}
			})
		}
		b.LiveGen = gen
		b.LiveKill = kill
		b.LiveIn = NewBitSet(n)
		b.LiveOut = NewBitSet(n)
	}

	// 第二步：后向迭代至不动点
	changed := true
	for changed {
		changed = false
		for i := len(m.Blocks) - 1; i >= 0; i-- {
			b := m.Blocks[i]
			out := NewBitSet(n)
			for _, s := range b.Succs {
				out.Union(s.LiveIn)
			}
			for _, h := range b.ExceptionHandlers {
				out.Union(h.LiveIn)
			}
			if !out.Equals(b.LiveOut) {
				b.LiveOut = out
				changed = true
			}
			in := out.Copy()
			for w := range in {
				in[w] &^= b.LiveKill[w]
				in[w] |= b.LiveGen[w]
			}
			if !in.Equals(b.LiveIn) {
				b.LiveIn = in
				changed = true
			}
		}
	}

	// 第三步：指令级快照（自尾向首）
	for _, b := range m.Blocks {
		live := b.LiveOut.Copy()
		for i := len(b.Instrs) - 1; i >= 0; i-- {
			instr := b.Instrs[i]
			instr.SetLiveVars(live.Copy())
			instr.VisitOperands(func(op *Operand) {
				if !op.Value.IsVariable() {
					return
				}
				switch op.Effect {
				case EffectDefinition:
					live.Clear(op.Value.ID)
				case EffectUse, EffectUpdate:
					live.Set(op.Value.ID)
				}
			})
		}
	}
}

// CheckLiveSnapshots 调试级一致性检查
// 对变量池中每个变量逐指令核对：活跃快照的成员关系必须与
// inRange 回调给出的（暂定）活跃区间一致。
// 该检查用于捕捉分配器缺陷，生产构建可跳过。
func CheckLiveSnapshots(m *Method, inRange func(valueID, pos int) bool) []int {
	var bad []int
	for _, b := range m.Blocks {
		for _, instr := range b.Instrs {
			live := instr.LiveVars()
			if live == nil {
				continue
			}
			for _, v := range m.Pool.Values() {
				if !v.IsVariable() {
					continue
				}
				if live.Get(v.ID) != inRange(v.ID, instr.Pos()) {
					bad = append(bad, instr.Pos())
				}
			}
		}
	}
	return bad
}

// ============================================================================
// 支配者与循环深度
// ============================================================================

// ComputeDominators 计算每块的直接支配者
// Blocks 按逆后序排列时收敛最快，一般两三轮即可
func ComputeDominators(m *Method) {
	idom := make(map[*Block]*Block)
	idom[m.Entry] = m.Entry

	changed := true
	for changed {
		changed = false
		for _, b := range m.Blocks {
			if b == m.Entry {
				continue
			}
			var newIdom *Block
			for _, p := range b.Preds {
				if idom[p] != nil {
					newIdom = p
					break
				}
			}
			if newIdom == nil {
				continue
			}
			for _, p := range b.Preds {
				if p == newIdom || idom[p] == nil {
					continue
				}
				newIdom = intersectDom(idom, p, newIdom)
			}
			if idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}

	for _, b := range m.Blocks {
		if b == m.Entry {
			b.Dominator = nil
		} else {
			b.Dominator = idom[b]
		}
	}
}

// intersectDom 求两块在支配树上的最近公共祖先
func intersectDom(idom map[*Block]*Block, b1, b2 *Block) *Block {
	f1, f2 := b1, b2
	for f1 != f2 {
		for f1.ID > f2.ID {
			f1 = idom[f1]
			if f1 == nil {
				return b2
			}
		}
		for f2.ID > f1.ID {
			f2 = idom[f2]
			if f2 == nil {
				return b1
			}
		}
	}
	return f1
}

// ComputeLoopDepth 识别回边并标注循环编号 / 深度
// 回边的判定：后继的 ID 不大于自身且支配自身
func ComputeLoopDepth(m *Method) {
	loopIdx := 0
	for _, b := range m.Blocks {
		b.LoopIndex = -1
		b.LoopDepth = 0
	}
	for _, b := range m.Blocks {
		for _, s := range b.Succs {
			if s.ID <= b.ID && dominates(s, b) {
				// s 是循环头，b 是循环尾
				s.SetFlag(FlagLinearScanLoopHeader)
				b.SetFlag(FlagLinearScanLoopEnd)
				if s.LoopIndex < 0 {
					s.LoopIndex = loopIdx
					loopIdx++
				}
				markLoop(s, b)
			}
		}
	}
}

// dominates 检查 a 是否支配 b
func dominates(a, b *Block) bool {
	for d := b; d != nil; d = d.Dominator {
		if d == a {
			return true
		}
	}
	return false
}

// markLoop 把循环体（尾块沿前驱回溯到头块）的深度加一
func markLoop(header, tail *Block) {
	seen := map[*Block]bool{header: true}
	work := []*Block{tail}
	header.LoopDepth++
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[b] {
			continue
		}
		seen[b] = true
		b.LoopDepth++
		if b.LoopIndex < 0 {
			b.LoopIndex = header.LoopIndex
		}
		for _, p := range b.Preds {
			if !seen[p] {
				work = append(work, p)
			}
		}
	}
}
