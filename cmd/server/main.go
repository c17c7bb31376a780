// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"keysync-service/config"
	"keysync-service/internal/domain"
	"keysync-service/internal/handler"
	"keysync-service/internal/infra"
	"keysync-service/internal/keytree"
	"keysync-service/internal/middleware"
	"keysync-service/internal/repository"
	"keysync-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// DB初期化
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	// MySQLのスキーマは keyctl migrate up で作成する
	if infra.IsSQLiteDSN(cfg.DatabaseURL) {
		if err := db.AutoMigrate(repository.Models()...); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}

	// KMSクライアント初期化
	kmsClient, err := infra.NewKMSFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init KMS client: %w", err)
	}
	defer func() {
		if closeErr := kmsClient.Close(); closeErr != nil {
			slog.Error("failed to close KMS client", "error", closeErr)
		}
	}()

	rootSecret, err := infra.LoadRootSecret(ctx, cfg, kmsClient)
	if err != nil {
		return err
	}
	defer keytree.Zero(rootSecret)

	classes := make([]domain.ResourceClass, len(cfg.ResourceClasses))
	for i, c := range cfg.ResourceClasses {
		classes[i] = domain.ResourceClass(c)
	}
	tree, err := keytree.New(classes)
	if err != nil {
		return fmt.Errorf("init key tree: %w", err)
	}

	// DI
	clock := infra.RealClock{}
	principals := repository.NewPrincipalRepository(db)
	grants := repository.NewGrantRepository(db)
	envelopes := repository.NewEnvelopeRepository(db)

	ledger := usecase.NewAuditLedger(repository.NewAuditRepository(db), clock)
	store, err := usecase.NewKeyStore(repository.NewKeyVersionRepository(db), grants, principals, kmsClient, tree, rootSecret, clock)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	scheduler := usecase.NewRotationScheduler(usecase.SchedulerConfig{
		PolicyInterval: cfg.PolicyRotationInterval,
		Classes:        tree.Classes(),
	})
	access := usecase.NewAccessService(principals, repository.NewRoleBindingRepository(db), store, scheduler, ledger, tree.Classes(), clock)
	if err := access.Load(ctx); err != nil {
		return err
	}
	if err := bootstrapAdmin(ctx, cfg, access); err != nil {
		return err
	}
	// 停止前にキューに残っていたローテーション要求を取り戻す
	if err := access.ReconcileGrants(ctx, store); err != nil {
		return fmt.Errorf("reconciling grants: %w", err)
	}
	engine := usecase.NewRotationEngine(store, grants, access, repository.NewLeaseRepository(db), repository.NewRotationRepository(db), ledger, clock, usecase.RotationConfig{
		LeaseTTL:         cfg.LeaseTTL,
		GrantTimeout:     cfg.GrantTimeout,
		GrantMaxAttempts: cfg.GrantMaxAttempts,
		GrantParallelism: cfg.GrantParallelism,
	})
	sweeper := usecase.NewGraceSweeper(store, usecase.NopReencryptor{}, ledger, clock, cfg.GraceWindow)
	relay := usecase.NewRelayService(envelopes, store, access, clock, cfg.RelayPullLimit)

	router := handler.NewRouter(handler.Handlers{
		Access: handler.NewAccessHandler(access, store),
		Key:    handler.NewKeyHandler(engine, store, access),
		Relay:  handler.NewRelayHandler(relay, cfg.RelayPullLimit),
		Record: handler.NewRecordHandler(usecase.NewRecordService(store, access)),
		Audit:  handler.NewAuditHandler(ledger, access),
	}, handler.RouterConfig{
		Limiter:      middleware.NewRateLimiter(cfg.RelayRateLimit, cfg.RelayRateBurst, 10*time.Minute),
		RelayTimeout: cfg.RelayTimeout,
	})

	// バックグラウンド処理
	bgCtx, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(bgCtx, engine)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(bgCtx, cfg.SweepInterval)
	}()

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"classes", cfg.ResourceClasses,
	)
	serveErr := server.ListenAndServe()

	// 実行中のローテーションは WithoutCancel 以降まで進んでいれば完了を待つ
	stopBackground()
	wg.Wait()

	if !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// bootstrapAdmin はプリンシパルが1件も登録されていない場合に限り、初期管理者を登録する。
func bootstrapAdmin(ctx context.Context, cfg *config.Config, access *usecase.AccessService) error {
	if cfg.BootstrapAdminID == "" {
		return nil
	}
	existing, err := access.ListPrincipals(ctx, true)
	if err != nil {
		return fmt.Errorf("listing principals: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	publicKey, err := base64.StdEncoding.DecodeString(cfg.BootstrapAdminPublicKey)
	if err != nil {
		return fmt.Errorf("decoding BOOTSTRAP_ADMIN_PUBLIC_KEY: %w", err)
	}
	if _, err := access.RegisterPrincipal(ctx, "system", cfg.BootstrapAdminID, domain.PrincipalKindUser, publicKey); err != nil {
		return fmt.Errorf("registering bootstrap admin: %w", err)
	}
	if _, err := access.Bind(ctx, "system", cfg.BootstrapAdminID, domain.RoleAdmin, domain.ScopeAll); err != nil {
		return fmt.Errorf("binding bootstrap admin: %w", err)
	}
	slog.InfoContext(ctx, "bootstrap admin registered", "principal_id", cfg.BootstrapAdminID)
	return nil
}
