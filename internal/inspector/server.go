// server.go - 远程检查协议
//
// 对外暴露已编译方法的只读元数据：外部检查器（调试器 / 反汇编
// 前端）通过 TCP 上的 JSON-RPC 2.0 连入，查询方法列表、机器码
// 字节、帧布局、安全点与去优化状态落点。协议是代码缓存的纯
// 消费者，决不触碰编译流水线。

package inspector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"

	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"

	"github.com/tangzhangming/jadevm/internal/codecache"
	"github.com/tangzhangming/jadevm/internal/compiler"
)

// Server 检查协议服务器
type Server struct {
	log   *zap.Logger
	cache *codecache.Cache
	stats *compiler.Stats

	listener net.Listener
}

// NewServer 创建服务器
func NewServer(cache *codecache.Cache, stats *compiler.Stats, log *zap.Logger) *Server {
	return &Server{log: log, cache: cache, stats: stats}
}

// Serve 监听并服务检查请求，ctx 取消后返回
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("inspector: listen: %w", err)
	}
	s.listener = listener
	s.log.Info("inspector listening", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.log.Info("inspector client connected", zap.String("remote", conn.RemoteAddr().String()))
	rpc := jsonrpc2.NewConn(jsonrpc2.NewStream(conn))
	rpc.Go(ctx, s.handle)
	<-rpc.Done()
	s.log.Info("inspector client disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

// ============================================================================
// 请求分发
// ============================================================================

func (s *Server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case "inspector/methods":
		return reply(ctx, s.listMethods(), nil)
	case "inspector/code":
		return s.withEntry(ctx, reply, req, s.codeOf)
	case "inspector/frame":
		return s.withEntry(ctx, reply, req, s.frameOf)
	case "inspector/safepoints":
		return s.withEntry(ctx, reply, req, s.safepointsOf)
	case "inspector/stats":
		return reply(ctx, s.stats.Snapshot(), nil)
	default:
		return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
	}
}

// methodParams 按名或按编译标识定位方法
type methodParams struct {
	Name string `json:"name"`
}

func (s *Server) withEntry(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request,
	fn func(*codecache.Entry) interface{}) error {
	var p methodParams
	if err := json.Unmarshal(req.Params(), &p); err != nil {
		return reply(ctx, nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err))
	}
	entry := s.cache.FindByName(p.Name)
	if entry == nil {
		return reply(ctx, nil, fmt.Errorf("%w: unknown method %q", jsonrpc2.ErrInvalidParams, p.Name))
	}
	return reply(ctx, fn(entry), nil)
}

// ============================================================================
// 查询实现
// ============================================================================

// MethodInfo 方法摘要
type MethodInfo struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Start      uint64 `json:"start"`
	CodeSize   int    `json:"codeSize"`
	FrameSize  int    `json:"frameSize"`
	SpillSlots int    `json:"spillSlots"`
	Safepoints int    `json:"safepoints"`
}

func (s *Server) listMethods() []MethodInfo {
	entries := s.cache.Entries()
	out := make([]MethodInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, MethodInfo{
			Name:       e.Method.Name,
			ID:         e.ID.String(),
			Start:      uint64(e.Start),
			CodeSize:   len(e.Method.Code),
			FrameSize:  e.Method.FrameSize,
			SpillSlots: e.Method.SpillSlots,
			Safepoints: len(e.Method.Safepoints),
		})
	}
	return out
}

// CodeInfo 机器码字节
type CodeInfo struct {
	Start uint64 `json:"start"`
	Code  string `json:"code"` // base64
}

func (s *Server) codeOf(e *codecache.Entry) interface{} {
	return CodeInfo{
		Start: uint64(e.Start),
		Code:  base64.StdEncoding.EncodeToString(e.Method.Code),
	}
}

// FrameInfo 帧布局摘要
type FrameInfo struct {
	FrameSize    int         `json:"frameSize"`
	SpillSlots   int         `json:"spillSlots"`
	BlockOffsets map[int]int `json:"blockOffsets"`
}

func (s *Server) frameOf(e *codecache.Entry) interface{} {
	return FrameInfo{
		FrameSize:    e.Method.FrameSize,
		SpillSlots:   e.Method.SpillSlots,
		BlockOffsets: e.Method.BlockOffsets,
	}
}

// SafepointInfo 安全点视图
type SafepointInfo struct {
	CodeOffset int      `json:"codeOffset"`
	IsCall     bool     `json:"isCall"`
	FrameRefs  []uint64 `json:"frameRefs"`    // 位图字
	RegRefs    []uint64 `json:"registerRefs"` // 位图字
	State      string   `json:"state"`        // 帧描述符链的文本形式
	Locations  []string `json:"locations"`    // 各状态值的落点
}

func (s *Server) safepointsOf(e *codecache.Entry) interface{} {
	out := make([]SafepointInfo, 0, len(e.Method.Safepoints))
	for _, sp := range e.Method.Safepoints {
		info := SafepointInfo{
			CodeOffset: sp.CodeOffset,
			IsCall:     sp.IsCall,
			FrameRefs:  []uint64(sp.FrameRefMap),
			RegRefs:    []uint64(sp.RegisterRefMap),
		}
		if sp.State != nil {
			info.State = sp.State.String()
		}
		for _, vl := range sp.Locations {
			loc := "none"
			if vl.Loc != nil {
				loc = vl.Loc.String()
			}
			info.Locations = append(info.Locations, fmt.Sprintf("%s=%s", vl.Value, loc))
		}
		out = append(out, info)
	}
	return out
}
