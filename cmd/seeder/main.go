package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/escrowd/internal/api"
	"github.com/punchamoorthee/escrowd/internal/config"
	"github.com/punchamoorthee/escrowd/internal/notify"
	"github.com/punchamoorthee/escrowd/internal/service"
	"github.com/punchamoorthee/escrowd/internal/store"
)

var (
	totalContracts = flag.Int("contracts", 50, "Number of demo contracts")
	totalAmount    = flag.Int64("amount", 100000, "Contract total in minor units")
	parties        = flag.Int("parties", 10, "Number of demo clients and freelancers each")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	db, err := store.NewStore(ctx, cfg.DBSource, cfg.MaxDBConns)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	log.Println("--- Seeding Contracts ---")

	var count int
	if err := db.Db.QueryRow(ctx, "SELECT COUNT(*) FROM contracts").Scan(&count); err != nil {
		log.Fatal(err)
	}
	if count >= *totalContracts {
		log.Printf("Database already has %d contracts. Skipping.", count)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	contracts := service.NewContractService(db, nil, notify.NewLogNotifier(logger), logger, cfg.UpfrontPercent, cfg.Currency)
	admin := service.Actor{UserID: "seeder", Role: service.RoleAdmin}

	for i := count; i < *totalContracts; i++ {
		_, err := contracts.CreateContract(ctx, admin, service.CreateContractInput{
			ClientID:     fmt.Sprintf("client-%d", i%*parties+1),
			FreelancerID: fmt.Sprintf("freelancer-%d", i%*parties+1),
			JobID:        fmt.Sprintf("job-%d", i+1),
			Title:        fmt.Sprintf("Demo engagement #%d", i+1),
			TotalAmount:  *totalAmount,
			DurationDays: 14,
		})
		if err != nil {
			log.Fatalf("Seeding contract %d failed: %v", i+1, err)
		}
	}
	log.Printf("Successfully seeded %d contracts.", *totalContracts-count)

	if cfg.JWTSecret == "" {
		return
	}
	auth := api.NewAuthenticator(cfg.JWTSecret)
	for _, u := range []struct {
		id   string
		role service.Role
	}{{"client-1", service.RoleClient}, {"freelancer-1", service.RoleFreelancer}, {"admin-1", service.RoleAdmin}} {
		tok, err := auth.Issue(u.id, u.role, 24*time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("token %s (%s): %s", u.id, u.role, tok)
	}
}
