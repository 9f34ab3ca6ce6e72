package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/app"
	"github.com/odyssey-erp/revrec/internal/platform/db"
	"github.com/odyssey-erp/revrec/internal/revenue/contracts"
	"github.com/odyssey-erp/revrec/internal/revenue/periodclose"
	"github.com/odyssey-erp/revrec/internal/revenue/rules"
	"github.com/odyssey-erp/revrec/internal/revenue/ssp"
	"github.com/odyssey-erp/revrec/internal/shared"
)

// seedLedger is the ledger that receives the demo periods.
const seedLedger = 1

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.New(ctx, cfg.PGDSN, 2)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	engine := app.NewEngine(cfg, pool, nil, prometheus.NewRegistry(), app.NewLogger(cfg))

	fmt.Println("→ Seeding SSP book...")
	if err := seedCatalog(ctx, engine.Catalog); err != nil {
		log.Fatalf("seed catalog: %v", err)
	}

	fmt.Println("→ Seeding identification rules...")
	if err := seedRules(ctx, engine.Rules); err != nil {
		log.Fatalf("seed rules: %v", err)
	}

	fmt.Println("→ Seeding revenue periods...")
	if err := seedPeriods(ctx, engine.Periods, time.Now().UTC()); err != nil {
		log.Fatalf("seed periods: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedCatalog(ctx context.Context, catalog *ssp.Service) error {
	book, err := catalog.CreateBook(ctx, ssp.CreateBookInput{
		Name:          "Standard price book",
		Currency:      "USD",
		EffectiveFrom: time.Date(time.Now().UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC),
		Status:        ssp.BookStatusActive,
	})
	if err != nil {
		return err
	}
	lines := []ssp.AddLineInput{
		{BookID: book.ID, ItemID: "SUB-STD", SSPValue: decimal.NewFromInt(1200)},
		{BookID: book.ID, ItemID: "SUB-STD", SSPValue: decimal.NewFromInt(1000), MinQuantity: decimal.NewFromInt(10)},
		{BookID: book.ID, ItemID: "ONBOARD", SSPValue: decimal.NewFromInt(500)},
		{BookID: book.ID, ItemID: "HW-KIT", SSPValue: decimal.NewFromInt(800)},
	}
	for _, line := range lines {
		if _, err := catalog.AddLine(ctx, line); err != nil {
			return fmt.Errorf("line %s: %w", line.ItemID, err)
		}
	}
	return nil
}

func seedRules(ctx context.Context, ruleSet *rules.Service) error {
	inputs := []rules.CreateRuleInput{
		{
			Name:               "Subscriptions are ratable",
			Attribute:          rules.AttrEventType,
			Value:              string(contracts.EventTypeSubscriptionStart),
			Priority:           10,
			POBName:            "Subscription service",
			SatisfactionMethod: contracts.SatisfactionRatable,
			DurationMonths:     12,
		},
		{
			Name:               "Hardware ships at a point in time",
			Attribute:          rules.AttrItemID,
			Value:              "HW-KIT",
			Priority:           20,
			POBName:            "Hardware delivery",
			SatisfactionMethod: contracts.SatisfactionPointInTime,
		},
	}
	for _, in := range inputs {
		if _, err := ruleSet.CreateRule(ctx, in); err != nil {
			return fmt.Errorf("rule %q: %w", in.Name, err)
		}
	}
	return nil
}

func seedPeriods(ctx context.Context, periods *periodclose.Service, now time.Time) error {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -2, 0)
	for i := 0; i < 4; i++ {
		from := start.AddDate(0, i, 0)
		_, err := periods.CreatePeriod(ctx, periodclose.CreatePeriodInput{
			LedgerID:  seedLedger,
			StartDate: from,
			EndDate:   from.AddDate(0, 1, -1),
		})
		if errors.Is(err, shared.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("period %s: %w", contracts.PeriodName(from), err)
		}
	}
	return nil
}
