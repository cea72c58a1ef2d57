// errors.go - 编译边界的错误分型
//
// 流水线内部以 panic 传播两类异常（lir.Bailout / lir.FatalError），
// 编译边界统一捕获后翻译成普通错误值返回：
// - Bailout：方法触碰后端能力边界，回落解释执行，不是缺陷
// - InternalError：编译器自身不变式违例，必须上报

package compiler

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/jadevm/internal/lir"
)

// InternalError 编译器内部错误
type InternalError struct {
	Method string
	Cause  *lir.FatalError
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("compiler: internal error compiling %s: %v", e.Method, e.Cause)
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// BailoutError 编译放弃
type BailoutError struct {
	Method string
	Cause  *lir.Bailout
}

func (e *BailoutError) Error() string {
	return fmt.Sprintf("compiler: bailout compiling %s: %s", e.Method, e.Cause.Reason)
}

func (e *BailoutError) Unwrap() error {
	return e.Cause
}

// IsBailout 检查错误是否是编译放弃
func IsBailout(err error) bool {
	var b *BailoutError
	return errors.As(err, &b)
}

// recoverCompile 把流水线 panic 翻译成错误值
// 其余 panic（真正的程序缺陷）原样继续传播
func recoverCompile(method string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	switch cause := r.(type) {
	case *lir.Bailout:
		*err = &BailoutError{Method: method, Cause: cause}
	case *lir.FatalError:
		*err = &InternalError{Method: method, Cause: cause}
	default:
		panic(r)
	}
}
