// cmd/huaxu/main.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Corphon/huaxu/internal/config"
	"github.com/Corphon/huaxu/internal/utils"
)

// rootOptions 全局参数，命令行优先于环境变量
type rootOptions struct {
	dataDir  string
	store    string
	bridge   string
	port     string
	debug    bool
	simulate bool

	cfg    *config.Config
	logger *utils.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "huaxu",
		Short: "画叙 - 插画故事工作室服务",
		Long: `画叙把一篇故事变成带插图的阅读稿：

  1. 编辑草稿（自动保存）
  2. 分析正文，得到分段与插图建议
  3. 为每个插图位生成图片并挑选
  4. 合成 Markdown 阅读稿

不带子命令时等同于 serve。`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dataDir, "data-dir", "", "数据目录（默认取 DATA_DIR）")
	flags.StringVar(&opts.store, "store", "", "存储后端 file|sqlite（默认取 STORE_BACKEND）")
	flags.StringVar(&opts.bridge, "bridge", "", "本地桥接服务地址（默认取 BRIDGE_URL）")
	flags.BoolVar(&opts.debug, "debug", false, "输出调试日志")
	flags.StringVar(&opts.port, "port", "", "HTTP 端口（默认取 PORT）")
	flags.BoolVar(&opts.simulate, "simulate", false, "请求桥接服务返回模拟结果")

	root.AddCommand(
		newServeCmd(opts),
		newAnalyzeCmd(opts),
		newGenerateCmd(opts),
		newDraftCmd(opts),
		newWorksCmd(opts),
		newIllustrateCmd(opts),
		newComposeCmd(opts),
	)
	return root
}

// init 加载配置并初始化日志
func (o *rootOptions) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
		cfg.LogDir = filepath.Join(o.dataDir, "logs")
	}
	if o.store != "" {
		cfg.StoreBackend = strings.ToLower(o.store)
	}
	if o.bridge != "" {
		cfg.BridgeURL = strings.TrimRight(o.bridge, "/")
	}
	if o.port != "" {
		cfg.Port = o.port
	}
	if o.debug {
		cfg.DebugMode = true
	}
	if o.simulate {
		cfg.BridgeSimulate = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg

	// 服务模式写 stdout 与日志文件；一次性命令只把警告写到 stderr，stdout 留给结果
	if cmd.Name() == "serve" || !cmd.HasParent() {
		o.logger = utils.GetLogger()
		o.logger.SetDebug(cfg.DebugMode)
		if err := utils.InitLogger(filepath.Join(cfg.LogDir, "huaxu.log")); err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
		return nil
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if cfg.DebugMode {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zl, err := zc.Build()
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	o.logger = utils.NewLogger(zl)
	o.logger.SetDebug(cfg.DebugMode)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
