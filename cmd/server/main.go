package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/dujiao-next/transaction/internal/app"
	"github.com/dujiao-next/transaction/internal/config"
	"github.com/dujiao-next/transaction/internal/logger"
	"github.com/dujiao-next/transaction/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiDim       = "\033[2m"
	ansiGreen     = "\033[32m"
	ansiBrightMag = "\033[95m"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "transaction",
		Short:         "支付交易服务：收单、退款、企业付款与网关通知对账",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认查找 ./config.yml）")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 与异步任务服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			printStartupBanner()
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			stdLog := logger.StdLogger()
			if isWeakSecret(cfg.Security.APIJWT.Secret) {
				if cfg.Server.Mode == "release" {
					return fmt.Errorf("api_jwt secret 过弱或未配置，请在生产环境中配置强随机密钥")
				}
				stdLog.Printf("警告: api_jwt secret 过弱或未配置，建议在生产环境中更换")
			}
			if cfg.Server.Mode == "release" {
				gin.SetMode(gin.ReleaseMode)
			}
			return app.Run(app.Options{
				Config:  cfg,
				Logger:  logger.S(),
				Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
				Mode:    mode,
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", app.ModeAll, "启动模式: all (默认), api, worker")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "迁移交易表结构后退出",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := bootstrap(); err != nil {
				return err
			}
			logger.Infow("migrate_done")
			return nil
		},
	}
}

// bootstrap 加载配置、初始化日志与数据库并迁移表结构
func bootstrap() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("配置加载失败: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())

	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	}, cfg.Server.Mode == "debug"); err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}
	if err := models.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	return cfg, nil
}

func printStartupBanner() {
	fmt.Println(ansiBrightMag + "╔══════════════════════════════════════════════════════════════╗" + ansiReset)
	fmt.Println(ansiBrightMag + "║                 🚀 Dujiao-Next Transaction 启动中            ║" + ansiReset)
	fmt.Println(ansiBrightMag + "╚══════════════════════════════════════════════════════════════╝" + ansiReset)
	fmt.Println(ansiGreen + ansiBold + "Charges · Refunds · Transfers" + ansiReset)
	fmt.Println(ansiDim + "--------------------------------------------------------------" + ansiReset)
}

func isWeakSecret(secret string) bool {
	if len(secret) < 32 {
		return true
	}
	normalized := strings.ToLower(secret)
	if strings.Contains(normalized, "change-me") ||
		strings.Contains(normalized, "change-in-production") ||
		strings.Contains(normalized, "your-secret-key") {
		return true
	}
	return false
}
