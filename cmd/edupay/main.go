// Package main запускает HTTP-сервер платёжного сервиса edupay.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/edupay-system/internal/config"
	"github.com/mmeshcher/edupay-system/internal/handler"
	"github.com/mmeshcher/edupay-system/internal/middleware"
	"github.com/mmeshcher/edupay-system/internal/repository"
	"github.com/mmeshcher/edupay-system/internal/service"
	"github.com/mmeshcher/edupay-system/internal/wechat"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var (
		provider  service.PaymentProvider
		decryptor service.NotificationDecryptor
	)
	if cfg.ProviderConfigured() {
		privateKeyPEM, err := os.ReadFile(cfg.WechatPrivateKeyPath)
		if err != nil {
			sugar.Fatalw("read merchant private key error", "error", err.Error())
		}

		verifier, err := wechat.NewVerifier(cfg.WechatAPIv3Key, privateKeyPEM)
		if err != nil {
			sugar.Fatalw("payment verifier initialization error", "error", err.Error())
		}

		provider = wechat.NewClient(
			cfg.WechatAPIBaseURL,
			cfg.WechatMchID,
			cfg.WechatAppID,
			cfg.WechatSerialNo,
			cfg.WechatNotifyURL,
			verifier,
		)
		decryptor = verifier
	} else {
		sugar.Warn("payment provider is not configured, purchase endpoints are disabled")
	}

	svc := service.NewService(repo, provider, decryptor)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting edupay server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
