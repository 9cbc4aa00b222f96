package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"truthflow/adjudicator"
	"truthflow/auth"
	"truthflow/bond"
	"truthflow/db"
	"truthflow/dispute"
	"truthflow/fee"
	"truthflow/resolver"
	"truthflow/unit"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	resolverCaps := resolver.NewRegistry()
	adjudicatorCaps := adjudicator.NewRegistry()
	bonds := bond.NewLedger(pool)
	fees := fee.NewDistributor(pool)

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	unitService := unit.NewService(pool, resolverCaps, adjudicatorCaps, bonds, fees)
	disputeService := dispute.NewService(pool, bonds, fees)
	resolverService := resolver.NewService(pool, resolverCaps)
	adjudicatorService := adjudicator.NewService(pool, adjudicatorCaps)

	server := NewServer(authService, unitService, disputeService, resolverService, adjudicatorService, bonds, fees)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("truthflow api listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
