// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 存储后端
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config 存储应用配置
type Config struct {
	// 基础配置
	Port      string
	DataDir   string
	LogDir    string
	DebugMode bool

	// 存储
	StoreBackend string
	CacheSize    int
	CacheTTL     time.Duration

	// 本地桥接服务
	BridgeURL        string
	BridgeSimulate   bool
	AnalyzeTimeout   time.Duration
	ImageTimeout     time.Duration
	SlotImageTimeout time.Duration

	// 编辑与批量生成
	AutosaveDelay    time.Duration
	BatchConcurrency int

	// 设置中 API 密钥的加密密钥（为空则明文保存）
	SecretKey string
}

// Default 返回不依赖环境变量的默认配置
func Default() *Config {
	return &Config{
		Port:             "8080",
		DataDir:          "data",
		LogDir:           "logs",
		DebugMode:        false,
		StoreBackend:     BackendFile,
		CacheSize:        256,
		CacheTTL:         5 * time.Minute,
		BridgeURL:        "http://127.0.0.1:8000",
		AnalyzeTimeout:   8 * time.Second,
		ImageTimeout:     10 * time.Second,
		SlotImageTimeout: 20 * time.Second,
		AutosaveDelay:    3 * time.Second,
		BatchConcurrency: 2,
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	_ = godotenv.Load()

	def := Default()
	cfg := &Config{
		Port:             getEnv("PORT", def.Port),
		DataDir:          getEnvPath("DATA_DIR", def.DataDir),
		LogDir:           getEnvPath("LOG_DIR", def.LogDir),
		DebugMode:        getEnvBool("DEBUG_MODE", def.DebugMode),
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", def.StoreBackend)),
		BridgeURL:        strings.TrimRight(getEnv("BRIDGE_URL", def.BridgeURL), "/"),
		BridgeSimulate:   getEnvBool("BRIDGE_SIMULATE", false),
		SecretKey:        getEnv("HUAXU_SECRET_KEY", ""),
		CacheSize:        def.CacheSize,
		CacheTTL:         def.CacheTTL,
		AnalyzeTimeout:   def.AnalyzeTimeout,
		ImageTimeout:     def.ImageTimeout,
		SlotImageTimeout: def.SlotImageTimeout,
		AutosaveDelay:    def.AutosaveDelay,
		BatchConcurrency: def.BatchConcurrency,
	}

	var err error
	if cfg.CacheSize, err = getEnvInt("CACHE_SIZE", def.CacheSize); err != nil {
		return nil, err
	}
	if cfg.BatchConcurrency, err = getEnvInt("BATCH_CONCURRENCY", def.BatchConcurrency); err != nil {
		return nil, err
	}
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"CACHE_TTL", &cfg.CacheTTL, def.CacheTTL},
		{"ANALYZE_TIMEOUT", &cfg.AnalyzeTimeout, def.AnalyzeTimeout},
		{"IMAGE_TIMEOUT", &cfg.ImageTimeout, def.ImageTimeout},
		{"SLOT_IMAGE_TIMEOUT", &cfg.SlotImageTimeout, def.SlotImageTimeout},
		{"AUTOSAVE_DELAY", &cfg.AutosaveDelay, def.AutosaveDelay},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("不支持的存储后端: %s", c.StoreBackend)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY 必须大于 0")
	}
	if c.BridgeURL == "" {
		return fmt.Errorf("BRIDGE_URL 不能为空")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("环境变量 %s 不是整数: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("环境变量 %s 不是有效时长: %w", key, err)
	}
	return d, nil
}
