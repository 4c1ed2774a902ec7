// Package main 初始化数据库结构并创建演示账号
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"style-studio-api/internal/config"
	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/wire"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("Starting system bootstrap...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	dataLayer, cleanup, err := wire.InitializePostgresOnly(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize data layer: %v", err)
	}
	defer cleanup()

	fmt.Println("Migrating schema...")
	if err := dataLayer.Client.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	demoEmail := os.Getenv("BOOTSTRAP_DEMO_EMAIL")
	if demoEmail == "" {
		fmt.Println("BOOTSTRAP_DEMO_EMAIL not set, skipping demo user.")
		fmt.Println("Bootstrap completed successfully.")
		return
	}
	demoPassword := os.Getenv("BOOTSTRAP_DEMO_PASSWORD")
	if len(demoPassword) < entity.MinPasswordLength {
		log.Fatalf("BOOTSTRAP_DEMO_PASSWORD must be at least %d characters", entity.MinPasswordLength)
	}

	err = dataLayer.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		existing, err := dataLayer.Users.GetByEmail(txCtx, entity.NormalizeEmail(demoEmail))
		if err != nil {
			return err
		}
		if existing != nil {
			fmt.Printf("Demo user %s already exists.\n", existing.Email)
			return nil
		}

		user := entity.NewUser(demoEmail)
		if err := user.SetPassword(demoPassword); err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		if err := dataLayer.Users.Create(txCtx, user); err != nil {
			return err
		}
		fmt.Printf("Demo user %s created with ID: %s\n", user.Email, user.ID)

		n, err := dataLayer.Generations.CountByUser(txCtx, user.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Demo user has %d generations.\n", n)
		return nil
	})
	if err != nil {
		log.Fatalf("failed to create demo user: %v", err)
	}

	fmt.Println("Bootstrap completed successfully.")
}
