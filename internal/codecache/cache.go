// cache.go - 可执行代码缓存
//
// 编译产物的最终归宿：一块 RWX 内存区域加一个按地址索引的
// 已安装方法表。区域内用简单的 bump 指针分配，方法一经安装
// 不再移动、不再回收（方法失效走补丁跳转，不走释放）。
//
// 并发约定：
// - 安装在缓存锁内完成，多个编译线程可以并发提交
// - 对已安装代码的修补全部经由全局补丁锁串行化，
//   杜绝两个补丁交错改写同一条指令的字节
// - 查找走索引读锁，与安装并发安全

package codecache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tangzhangming/jadevm/internal/emit"
)

// Entry 已安装的方法
type Entry struct {
	ID     uuid.UUID // 本次编译的标识（外部检查协议引用它）
	Start  uintptr   // 代码起始地址
	End    uintptr   // 代码结束地址（不含）
	Method *emit.TargetMethod
}

// EntryPoint 方法入口地址
func (e *Entry) EntryPoint() uintptr {
	return e.Start
}

// Contains 检查 pc 是否落在方法代码内
func (e *Entry) Contains(pc uintptr) bool {
	return pc >= e.Start && pc < e.End
}

// Cache 代码缓存
type Cache struct {
	mu sync.RWMutex

	log *zap.Logger

	region []byte
	used   int

	// byStart 按代码起始地址索引的方法表
	byStart *btree.BTreeG[*Entry]

	// byName 按方法名的直接索引（符号解析用）
	byName map[string]*Entry

	// symbols 运行时助手符号表
	symbols map[string]uintptr

	// patchMu 全局补丁锁
	patchMu sync.Mutex
}

// New 创建代码缓存
// size 是区域总大小；symbols 是运行时助手的符号表
func New(size int, symbols map[string]uintptr, log *zap.Logger) (*Cache, error) {
	region, err := allocExecutable(size)
	if err != nil {
		return nil, fmt.Errorf("codecache: executable region: %w", err)
	}
	if symbols == nil {
		symbols = make(map[string]uintptr)
	}
	return &Cache{
		log:    log,
		region: region,
		byStart: btree.NewG[*Entry](8, func(a, b *Entry) bool {
			return a.Start < b.Start
		}),
		byName:  make(map[string]*Entry),
		symbols: symbols,
	}, nil
}

// Close 释放代码区域
// 调用后已安装代码全部失效，只应在进程收尾时调用
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	region := c.region
	c.region = nil
	return freeExecutable(region)
}

// BindSymbol 注册 / 更新一个运行时符号
// 只影响之后的安装，已安装代码不回溯
func (c *Cache) BindSymbol(name string, addr uintptr) {
	c.mu.Lock()
	c.symbols[name] = addr
	c.mu.Unlock()
}

// Install 把编译产物拷入缓存并解析重定位
// 安装完成后方法立即可被查找和调用
func (c *Cache) Install(tm *emit.TargetMethod) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.region == nil {
		return nil, fmt.Errorf("codecache: cache closed")
	}

	// 入口 16 字节对齐
	offset := (c.used + 15) &^ 15
	if offset+len(tm.Code) > len(c.region) {
		return nil, fmt.Errorf("codecache: out of space: need %d, have %d",
			len(tm.Code), len(c.region)-offset)
	}

	code := c.region[offset : offset+len(tm.Code)]
	copy(code, tm.Code)
	base := uintptr(unsafe.Pointer(&code[0]))

	if err := c.resolveRelocs(code, base, tm); err != nil {
		return nil, err
	}

	c.used = offset + len(tm.Code)

	entry := &Entry{
		ID:     uuid.New(),
		Start:  base,
		End:    base + uintptr(len(tm.Code)),
		Method: tm,
	}
	c.byStart.ReplaceOrInsert(entry)
	c.byName[tm.Name] = entry

	// 方法自身也是符号：之后安装的方法可以直接调用它
	c.symbols[tm.Name] = base

	c.log.Info("method installed",
		zap.String("method", tm.Name),
		zap.String("id", entry.ID.String()),
		zap.Int("code_size", len(tm.Code)),
		zap.Int("frame_size", tm.FrameSize),
		zap.Int("safepoints", len(tm.Safepoints)))
	return entry, nil
}

// resolveRelocs 回填全部 rel32 符号重定位
// 调用和 RIP 相对读共用同一公式：目标 - (字段地址 + 4)
func (c *Cache) resolveRelocs(code []byte, base uintptr, tm *emit.TargetMethod) error {
	for _, r := range tm.Relocs {
		target, ok := c.symbols[r.Symbol]
		if !ok {
			return fmt.Errorf("codecache: unresolved symbol %q in %s", r.Symbol, tm.Name)
		}
		rel := int64(target) - int64(base+uintptr(r.Offset)+4)
		if rel < -2147483648 || rel > 2147483647 {
			return fmt.Errorf("codecache: symbol %q out of rel32 range in %s", r.Symbol, tm.Name)
		}
		binary.LittleEndian.PutUint32(code[r.Offset:], uint32(rel))
	}
	return nil
}

// FindByPC 按任意代码地址（如返回地址）查找所属方法
func (c *Cache) FindByPC(pc uintptr) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var found *Entry
	c.byStart.DescendLessOrEqual(&Entry{Start: pc}, func(e *Entry) bool {
		if e.Contains(pc) {
			found = e
		}
		return false
	})
	return found
}

// FindByName 按方法名查找
func (c *Cache) FindByName(name string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// Entries 快照全部已安装方法（按地址升序）
func (c *Cache) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, c.byStart.Len())
	c.byStart.Ascend(func(e *Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Used 已用字节数
func (c *Cache) Used() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.used
}

// PatchCallSite 把已安装方法中的一个直接调用改指向新目标
// 全局补丁锁串行化所有修补；4 字节 rel32 落在任意对齐上，
// 并发执行中的线程可能读到新旧混合的位移，调用方必须保证
// 被补丁的调用点此刻不可达（停世界或入口栅栏）
func (c *Cache) PatchCallSite(entry *Entry, site emit.CallSiteRecord, newTarget uintptr) error {
	c.patchMu.Lock()
	defer c.patchMu.Unlock()

	fieldAddr := entry.Start + uintptr(site.CodeOffset)
	rel := int64(newTarget) - int64(fieldAddr+4)
	if rel < -2147483648 || rel > 2147483647 {
		return fmt.Errorf("codecache: patch target out of rel32 range for %s+%#x",
			entry.Method.Name, site.CodeOffset)
	}

	code := (*[4]byte)(unsafe.Pointer(fieldAddr))
	binary.LittleEndian.PutUint32(code[:], uint32(rel))

	c.log.Info("call site patched",
		zap.String("method", entry.Method.Name),
		zap.Int("offset", site.CodeOffset),
		zap.String("symbol", site.Symbol))
	return nil
}
