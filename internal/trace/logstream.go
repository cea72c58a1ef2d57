// logstream.go - 缩进文本流
//
// 可视化器消费的 trace 是"begin_xxx ... end_xxx"嵌套块的纯文本。
// 本文件提供带缩进管理的写入器，打印器只关心内容不关心缩进。

package trace

import (
	"bufio"
	"fmt"
	"io"
)

// LogStream 缩进文本流
type LogStream struct {
	w      *bufio.Writer
	indent int
}

// NewLogStream 包装目标写入器
func NewLogStream(w io.Writer) *LogStream {
	return &LogStream{w: bufio.NewWriter(w)}
}

// Begin 打开一个命名块并增加缩进
func (s *LogStream) Begin(tag string) {
	s.Printf("begin_%s", tag)
	s.indent++
}

// End 关闭命名块
func (s *LogStream) End(tag string) {
	s.indent--
	s.Printf("end_%s", tag)
}

// Printf 写一行（自动缩进和换行）
func (s *LogStream) Printf(format string, args ...interface{}) {
	for i := 0; i < s.indent; i++ {
		s.w.WriteString("  ")
	}
	fmt.Fprintf(s.w, format, args...)
	s.w.WriteByte('\n')
}

// Flush 刷出缓冲
func (s *LogStream) Flush() error {
	return s.w.Flush()
}
