// main.go - jadec 编译器驱动入口
//
// 编译内置演示方法并安装进代码缓存，可选输出可视化器 trace、
// 开启 WebSocket trace 推送和远程检查协议。

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/tangzhangming/jadevm/internal/codecache"
	"github.com/tangzhangming/jadevm/internal/compiler"
	"github.com/tangzhangming/jadevm/internal/emit"
	"github.com/tangzhangming/jadevm/internal/inspector"
	"github.com/tangzhangming/jadevm/internal/trace"
)

var (
	configPath = flag.String("config", compiler.ConfigFileName, "Config file path")
	traceFile  = flag.String("trace", "", "Write visualizer trace to file")
	serve      = flag.Bool("serve", false, "Keep running after compilation (inspector / trace streaming)")
	verbose    = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()

	log := newLogger(*verbose)
	defer log.Sync()

	cfg, err := compiler.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *traceFile != "" {
		cfg.Trace.Enabled = true
		cfg.Trace.File = *traceFile
	}

	if err := run(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *compiler.Config, log *zap.Logger) error {
	cache, err := codecache.New(cfg.Cache.Size, nil, log)
	if err != nil {
		return err
	}
	defer cache.Close()

	// 运行时助手桩安装进缓存区域内，保证 rel32 可达：
	// 轮询字是 8 字节可读内存，监视器助手是一条 ret
	if err := bindRuntimeStubs(cache); err != nil {
		return err
	}

	comp, err := compiler.New(cfg, log, cache)
	if err != nil {
		return err
	}
	defer comp.Close()

	var streamer *trace.Streamer
	if cfg.Trace.Enabled && cfg.Trace.ListenAddr != "" {
		streamer = trace.NewStreamer(log)
		defer streamer.Close()
		comp.SetStreamer(streamer)
		mux := http.NewServeMux()
		mux.Handle("/trace", streamer)
		go http.ListenAndServe(cfg.Trace.ListenAddr, mux)
		log.Info("trace streaming enabled", zap.String("addr", cfg.Trace.ListenAddr))
	}

	for _, m := range sampleMethods() {
		entry, err := comp.Compile(m)
		if err != nil {
			if compiler.IsBailout(err) {
				fmt.Printf("  %-24s bailout: %v\n", m.Name, err)
				continue
			}
			return err
		}
		fmt.Printf("  %-24s %d bytes at %#x (frame %d, spills %d)\n",
			m.Name, len(entry.Method.Code), entry.Start,
			entry.Method.FrameSize, entry.Method.SpillSlots)
	}

	snap := comp.Stats().Snapshot()
	fmt.Printf("\ncompiled %d method(s), %d code bytes, %d spill slot(s)\n",
		snap.Compiled, snap.CodeBytes, snap.SpillSlots)

	if !*serve {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cfg.Cache.InspectorAddr != "" {
		insp := inspector.NewServer(cache, comp.Stats(), log)
		go func() {
			if err := insp.Serve(ctx, cfg.Cache.InspectorAddr); err != nil {
				log.Error("inspector stopped", zap.Error(err))
			}
		}()
	}

	fmt.Println("serving; press Ctrl-C to exit")
	<-ctx.Done()
	return nil
}

// bindRuntimeStubs 安装演示用的运行时桩并注册符号
// 真实运行时在这里接上自己的轮询页和监视器助手
func bindRuntimeStubs(cache *codecache.Cache) error {
	stubs := []struct {
		symbol string
		code   []byte
	}{
		{emit.PollSymbol, make([]byte, 8)},
		{emit.MonitorEnterSymbol, []byte{0xC3}},
		{emit.MonitorExitSymbol, []byte{0xC3}},
	}
	for _, s := range stubs {
		entry, err := cache.Install(&emit.TargetMethod{Name: "rt::" + s.symbol, Code: s.code})
		if err != nil {
			return err
		}
		cache.BindSymbol(s.symbol, entry.Start)
	}
	return nil
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	return log
}
