// config.go - 编译器配置
//
// 从 jade.toml 加载；文件不存在时使用默认值。

package compiler

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "jade.toml" // 配置文件名
)

// Config 编译器配置
type Config struct {
	Compiler CompilerConfig `toml:"compiler"`
	Trace    TraceConfig    `toml:"trace"`
	Cache    CacheConfig    `toml:"cache"`
}

// CompilerConfig 编译流水线配置
type CompilerConfig struct {
	// VerifyAfterAllocation 分配后运行一致性校验（调试构建建议开启）
	VerifyAfterAllocation bool `toml:"verify_after_allocation"`

	// CheckLiveness 区间构建后对照活跃快照做交叉检查
	CheckLiveness bool `toml:"check_liveness"`
}

// TraceConfig trace 输出配置
type TraceConfig struct {
	// Enabled 是否输出 trace
	Enabled bool `toml:"enabled"`

	// File trace 文件路径（空则不写文件）
	File string `toml:"file"`

	// ListenAddr WebSocket 推送地址（空则不开推送）
	ListenAddr string `toml:"listen_addr"`
}

// CacheConfig 代码缓存配置
type CacheConfig struct {
	// Size 代码区域大小（字节）
	Size int `toml:"size"`

	// InspectorAddr 外部检查协议监听地址（空则不开）
	InspectorAddr string `toml:"inspector_addr"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Compiler: CompilerConfig{
			VerifyAfterAllocation: true,
			CheckLiveness:         false,
		},
		Cache: CacheConfig{
			Size: 16 << 20,
		},
	}
}

// LoadConfig 从文件加载配置
// 文件不存在时返回默认配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}
