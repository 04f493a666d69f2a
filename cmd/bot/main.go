package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"martingale-bot-go/internal/config"
	"martingale-bot-go/internal/events"
	"martingale-bot-go/internal/exchange"
	"martingale-bot-go/internal/logger"
	"martingale-bot-go/internal/manager"
	"martingale-bot-go/internal/models"
	"martingale-bot-go/internal/persistence"
	"martingale-bot-go/internal/reporter"
	"martingale-bot-go/internal/secrets"
	"martingale-bot-go/internal/server"
	"martingale-bot-go/internal/storage"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	masterKeyEnv    = "MARTINGALE_MASTER_KEY"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, paper, report, encrypt or hash-token")
	botFilter := flag.String("bot", "", "report mode: only this bot id")
	value := flag.String("value", "", "encrypt/hash-token mode: the value to process")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录加载配置过程中的问题
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	switch *mode {
	case "encrypt":
		runEncrypt(*value)
		return
	case "hash-token":
		runHashToken(*value)
		return
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	switch *mode {
	case "live", "paper":
		if err := runEngine(cfg, *mode == "paper", log); err != nil {
			log.Fatal("engine stopped with error", zap.Error(err))
		}
	case "report":
		if err := runReport(cfg, *botFilter); err != nil {
			log.Fatal("report failed", zap.Error(err))
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live', 'paper' 或 'report'。", *mode)
	}
}

// runEngine 启动所有配置的机器人并阻塞直到收到退出信号
func runEngine(cfg *models.Config, paper bool, log *zap.Logger) error {
	if paper {
		log.Info("--- 启动模拟交易模式 ---")
	} else {
		log.Info("--- 启动实时交易模式 ---", zap.String("baseURL", cfg.BaseURL))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 持久化 ---
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	journal, err := persistence.NewBadgerJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	db, err := storage.InitDB(cfg.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- 事件分发 ---
	hub := server.NewHub(logger.Named("ws"))
	dispatcher := events.NewDispatcher(cfg.Engine.EventBuffer, logger.Named("events"))
	dispatcher.Subscribe("log", events.LogHandler(logger.Named("events")))
	dispatcher.Subscribe("metrics", events.MetricsHandler())
	dispatcher.Subscribe("journal", persistence.JournalHandler(journal, log))
	dispatcher.Subscribe("store", storage.NewRecorder(db, log))
	dispatcher.Subscribe("ws", hub)
	dispatcher.Start()
	defer dispatcher.Stop()

	// --- 交易所 ---
	var wg sync.WaitGroup
	var factory manager.ClientFactory
	var opts []manager.Option
	var book *exchange.PaperBook
	if paper {
		// 每个机器人一个独立的模拟账户, 行情统一分发
		book = exchange.NewPaperBook(cfg.Paper, logger.Named("paper"))
		feed := exchange.NewPriceFeed(cfg.WSBaseURL, configuredSymbols(cfg), book, logger.Named("feed"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Run(ctx)
		}()
		factory = func(models.Credentials) (exchange.Client, error) { return book.NewAccount(), nil }
		opts = append(opts, manager.WithoutCredentials())
	} else {
		factory = func(creds models.Credentials) (exchange.Client, error) {
			ex, err := exchange.NewLiveExchange(creds, cfg.BaseURL, logger.Named("exchange"))
			if err != nil {
				return nil, err
			}
			return ex, nil
		}
	}

	sup := manager.NewSupervisor(factory, cfg.Engine, dispatcher, logger.Named("supervisor"), opts...)

	specs, err := resolveSpecs(cfg)
	if err != nil {
		// 凭证无法解析的机器人不会被启动, 其余照常运行
		log.Error("部分机器人配置无法解析", zap.Error(err))
	}
	for _, b := range cfg.Bots {
		spec, ok := specs[uuid.MustParse(b.ID)]
		if !ok || !config.AutoStart(b) {
			continue
		}
		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := sup.Start(startCtx, spec); err != nil {
			log.Error("机器人启动失败", zap.String("bot_id", b.ID), zap.String("name", b.Name), zap.Error(err))
		}
		cancel()
	}

	// --- HTTP ---
	if cfg.HTTPAddr != "" {
		resolver := func(id uuid.UUID) (models.BotSpec, bool) {
			spec, ok := specs[id]
			return spec, ok
		}
		srv := server.New(sup, resolver, hub, cfg.APITokenHash, logger.Named("http"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				log.Error("http server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	log.Info("收到退出信号，正在停止所有机器人...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sup.StopAll(shutdownCtx)
	wg.Wait()

	if book != nil {
		accounts, equity, fills := book.Summary()
		log.Info("模拟账户结算", zap.Int("accounts", accounts), zap.Float64("equity", equity), zap.Int("fills", fills))
	}
	log.Info("所有机器人已停止。")
	return nil
}

func resolveSpecs(cfg *models.Config) (map[uuid.UUID]models.BotSpec, error) {
	var cipher *secrets.Cipher
	if key := os.Getenv(masterKeyEnv); key != "" {
		var err error
		if cipher, err = secrets.NewCipher(key); err != nil {
			return nil, err
		}
	}

	specs := make(map[uuid.UUID]models.BotSpec, len(cfg.Bots))
	var errs []error
	for _, b := range cfg.Bots {
		spec, err := config.BotSpec(b, cipher)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs[spec.ID] = spec
	}
	return specs, errors.Join(errs...)
}

func configuredSymbols(cfg *models.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range cfg.Bots {
		for _, s := range b.Symbols {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// runReport 打印已平仓记录的绩效报告
func runReport(cfg *models.Config, botID string) error {
	db, err := storage.InitDB(cfg.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if botID != "" {
		return reportBot(db, botID)
	}
	bots, err := storage.ListBotRecords(db)
	if err != nil {
		return err
	}
	if len(bots) == 0 {
		fmt.Println("没有任何机器人记录。")
		return nil
	}
	for _, b := range bots {
		if err := reportBot(db, b.ID); err != nil {
			return err
		}
	}
	return nil
}

func reportBot(db *sql.DB, botID string) error {
	rec, err := storage.GetBotRecord(db, botID)
	if err != nil {
		return err
	}
	closed, err := storage.GetClosedPositions(db, botID)
	if err != nil {
		return err
	}
	title := botID
	if rec != nil {
		title = fmt.Sprintf("%s (%s) - %s", rec.Name, botID, rec.Status)
	}
	reporter.Render(os.Stdout, title, reporter.Calculate(closed))
	return nil
}

func runEncrypt(value string) {
	cipher, err := secrets.NewCipher(os.Getenv(masterKeyEnv))
	if err != nil {
		logger.S().Fatalf("%s 未设置: %v", masterKeyEnv, err)
	}
	enc, err := cipher.Encrypt(value)
	if err != nil {
		logger.S().Fatalf("加密失败: %v", err)
	}
	fmt.Println(enc)
}

func runHashToken(value string) {
	hash, err := secrets.HashToken(value, 0)
	if err != nil {
		logger.S().Fatalf("生成哈希失败: %v", err)
	}
	fmt.Println(hash)
}
