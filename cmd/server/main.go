package main

import (
	"context"
	"log"
	"os"

	"github.com/david/pipeline-crm/internal/api"
	"github.com/david/pipeline-crm/internal/db"
	"github.com/david/pipeline-crm/internal/pipeline"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	policy, err := pipeline.LoadPolicy()
	if err != nil {
		log.Fatalf("Invalid stage policy: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	srv := api.NewServer(pool, policy)
	log.Printf("Server starting on port %s...", port)
	if err := srv.Start(port); err != nil {
		log.Fatal(err)
	}
}
