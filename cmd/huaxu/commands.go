// cmd/huaxu/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Corphon/huaxu/internal/app"
	"github.com/Corphon/huaxu/internal/di"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/services"
)

// withApp 打开应用执行 fn，结束后关闭存储。草稿只在命令显式保存时写入
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) (err error) {
	a, err := app.Open(opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	a.DetachDraft()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if cerr := a.Cleanup(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// readInput 从文件读取，路径为空或 "-" 时读标准输入
func readInput(cmd *cobra.Command, path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	return string(data), nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 与 WebSocket 服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	a, err := app.Open(opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts.logger.Info("启动画叙服务", map[string]interface{}{
		"port":    opts.cfg.Port,
		"backend": opts.cfg.StoreBackend,
		"bridge":  opts.cfg.BridgeURL,
	})
	return a.Run(ctx)
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [file]",
		Short: "分析一段正文并输出结果（JSON）",
		Long:  "读取文件（省略或 - 时读标准输入），依次尝试本地桥接服务、外部 API，最后使用示例结果。",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			text, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("正文为空")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				analysis := di.MustResolve[*services.AnalysisService](a.GetDIContainer(), di.Analysis)
				return printJSON(cmd.OutOrStdout(), analysis.Analyze(ctx, text))
			})
		},
	}
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var prompt, title, contentFile string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "生成一张图片",
		Long:  "指定 --prompt 时直接按提示生成；否则按标题与正文生成并保存为临时图片。",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := ""
			if contentFile != "" {
				var err error
				if content, err = readInput(cmd, contentFile); err != nil {
					return err
				}
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				images := di.MustResolve[*services.ImageService](a.GetDIContainer(), di.Images)
				if strings.TrimSpace(prompt) != "" {
					result, err := images.GenerateImage(ctx, prompt, nil)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), result)
				}
				result, img, err := images.GenerateFreeImage(ctx, title, content)
				if err != nil {
					return err
				}
				if img != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "已保存临时图片 %s\n", img.ID)
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "图像提示词")
	cmd.Flags().StringVar(&title, "title", "", "作品标题")
	cmd.Flags().StringVar(&contentFile, "content", "", "正文文件（- 为标准输入）")
	return cmd
}

func newDraftCmd(opts *rootOptions) *cobra.Command {
	draftCmd := &cobra.Command{
		Use:   "draft",
		Short: "查看或修改当前草稿",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "输出当前草稿",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				draft := di.MustResolve[*services.DraftController](a.GetDIContainer(), di.Draft)
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"draft":      draft.Draft(),
					"stats":      draft.Stats(),
					"canProceed": draft.CanProceed(),
				})
			})
		},
	}

	var title, author, contentFile string
	set := &cobra.Command{
		Use:   "set",
		Short: "修改草稿字段并立即保存",
		RunE: func(cmd *cobra.Command, args []string) error {
			var content *string
			if contentFile != "" {
				text, err := readInput(cmd, contentFile)
				if err != nil {
					return err
				}
				content = &text
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				draft := di.MustResolve[*services.DraftController](a.GetDIContainer(), di.Draft)
				current := draft.Draft()
				if cmd.Flags().Changed("title") {
					current.Title = title
				}
				if cmd.Flags().Changed("author") {
					current.Author = author
				}
				if content != nil {
					current.Content = *content
				}
				if err := draft.Edit(current); err != nil {
					return err
				}
				if err := draft.SaveNow(ctx); err != nil {
					return err
				}
				stats := draft.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "草稿已保存：%d 字，%d 段\n", stats.Characters, stats.Paragraphs)
				return nil
			})
		},
	}
	set.Flags().StringVar(&title, "title", "", "标题")
	set.Flags().StringVar(&author, "author", "", "作者")
	set.Flags().StringVar(&contentFile, "content", "", "正文文件（- 为标准输入）")

	analyze := &cobra.Command{
		Use:   "analyze",
		Short: "用当前草稿开始分析，输出作品 ID 与结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				c := a.GetDIContainer()
				studio := di.MustResolve[*services.StudioService](c, di.Studio)
				draft := di.MustResolve[*services.DraftController](c, di.Draft)
				result, err := studio.StartAnalysis(ctx, draft)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	draftCmd.AddCommand(show, set, analyze)
	return draftCmd
}

func newWorksCmd(opts *rootOptions) *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "works",
		Short: "列出作品，可按分类筛选",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				works := di.MustResolve[*services.WorksService](a.GetDIContainer(), di.Works)
				list, err := works.List(ctx)
				if err != nil {
					return err
				}
				filters := []string{models.CategoryAll}
				for _, c := range categories {
					filters = services.ToggleFilter(filters, c)
				}
				for _, w := range services.FilterWorks(list, filters) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", w.ID, w.Category, w.Title, w.Author)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "分类，可重复")
	return cmd
}

func newIllustrateCmd(opts *rootOptions) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "illustrate <work-id>",
		Short: "为作品的插图位生成图片",
		Long:  "默认生成全部插图位并在标准错误输出进度；--index 只重新生成一个插图位。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workID := args[0]
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				c := a.GetDIContainer()
				view := di.MustResolve[*services.AnalysisView](c, di.View)
				if index >= 0 {
					outcome, err := view.Regenerate(ctx, workID, index)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), outcome)
				}

				tracker := di.MustResolve[*services.ProgressService](c, di.Progress).Tracker(workID)
				updates := tracker.Subscribe()
				printed := make(chan struct{})
				go func() {
					defer close(printed)
					for u := range updates {
						if u.Status == services.ProgressIdle {
							continue
						}
						fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %d/%d，失败 %d\n", u.Status, u.Done, u.Total, u.Failed)
					}
				}()

				progress, err := view.GenerateAll(ctx, workID, opts.cfg.BatchConcurrency)
				tracker.Unsubscribe(updates)
				<-printed
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), progress)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "只生成该序号的插图位")
	return cmd
}

func newComposeCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compose <work-id>",
		Short: "合成 Markdown 阅读稿",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				compose := di.MustResolve[*services.ComposeService](a.GetDIContainer(), di.Compose)
				result, err := compose.ComposeMarkdown(ctx, args[0])
				if err != nil {
					return err
				}
				if len(result.Missing) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "缺少图片的插图位: %s\n", strings.Join(result.Missing, ", "))
				}
				if output == "" || output == "-" {
					_, err = io.WriteString(cmd.OutOrStdout(), result.Markdown)
					return err
				}
				return os.WriteFile(output, []byte(result.Markdown), 0644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "输出文件（默认标准输出）")
	return cmd
}
