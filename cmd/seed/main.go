package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/subflow-platform/importer-api/internal/auth"
)

type seedProduct struct {
	id          int64
	name        string
	productType string
}

func main() {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	products := []seedProduct{
		{101, "Monthly Coffee Box", "subscription"},
		{102, "Quarterly Wine Club", "subscription"},
		{103, "Annual Magazine", "subscription"},
		{200, "Gift Card", "simple"},
	}
	for _, product := range products {
		if _, err := tx.Exec(ctx, `
			INSERT INTO products (id, name, product_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, product_type = EXCLUDED.product_type
		`, product.id, product.name, product.productType); err != nil {
			log.Fatalf("upsert product %d: %v", product.id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("commit tx: %v", err)
	}

	token := os.Getenv("SEED_OPERATOR_TOKEN")
	if token == "" {
		token, err = auth.GenerateToken()
		if err != nil {
			log.Fatalf("generate operator token: %v", err)
		}
	}
	hash, err := auth.HashSecret(token)
	if err != nil {
		log.Fatalf("hash operator token: %v", err)
	}

	fmt.Printf("Seeded %d products.\n", len(products))
	fmt.Printf("Operator token: %s\n", token)
	fmt.Printf("OPERATOR_TOKEN_HASH=%s\n", hash)
}
