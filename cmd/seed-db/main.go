// Command seed-db loads events, attendees and looks for local development.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xenking/party-discounts/internal/storage/postgres"
)

type seedFile struct {
	Looks  []seedLook  `yaml:"looks"`
	Events []seedEvent `yaml:"events"`
}

type seedLook struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	BundleVariantID string   `yaml:"bundle_variant_id"`
	VariantIDs      []string `yaml:"variant_ids"`
}

type seedEvent struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	OwnerID   string         `yaml:"owner_id"`
	Inactive  bool           `yaml:"inactive"`
	Attendees []seedAttendee `yaml:"attendees"`
}

type seedAttendee struct {
	ID         string `yaml:"id"`
	FirstName  string `yaml:"first_name"`
	LastName   string `yaml:"last_name"`
	Email      string `yaml:"email"`
	CustomerID string `yaml:"customer_id"`
	LookID     string `yaml:"look_id"`
	Style      bool   `yaml:"style"`
	Invite     bool   `yaml:"invite"`
	Pay        bool   `yaml:"pay"`
	Inactive   bool   `yaml:"inactive"`
}

const (
	upsertLookSQL = `INSERT INTO looks (id, name, bundle_variant_id, variant_ids)
VALUES ($1, $2, NULLIF($3, ''), $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
    bundle_variant_id = EXCLUDED.bundle_variant_id, variant_ids = EXCLUDED.variant_ids`

	upsertEventSQL = `INSERT INTO events (id, name, owner_id, is_active)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, owner_id = EXCLUDED.owner_id,
    is_active = EXCLUDED.is_active`

	upsertAttendeeSQL = `INSERT INTO attendees (id, event_id, first_name, last_name, email, customer_id,
    look_id, style, invite, pay, is_active)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET event_id = EXCLUDED.event_id, first_name = EXCLUDED.first_name,
    last_name = EXCLUDED.last_name, email = EXCLUDED.email, customer_id = EXCLUDED.customer_id,
    look_id = EXCLUDED.look_id, style = EXCLUDED.style, invite = EXCLUDED.invite,
    pay = EXCLUDED.pay, is_active = EXCLUDED.is_active`
)

func main() {
	var (
		databaseURL string
		seedPath    string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "file", "db/seed/party.yaml", "path to the seed YAML file")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set -database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, seedPath); err != nil {
		lg.Error("Seed failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, seedPath string) error {
	data, err := os.ReadFile(seedPath)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse seed file")
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(databaseURL, lg); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	batch := seedBatch(seed)
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	}); err != nil {
		return errors.Wrap(err, "write seed")
	}

	attendees := 0
	for _, ev := range seed.Events {
		attendees += len(ev.Attendees)
	}
	lg.Info("Seeded party records",
		zap.Int("looks", len(seed.Looks)),
		zap.Int("events", len(seed.Events)),
		zap.Int("attendees", attendees),
	)
	return nil
}

// seedBatch queues looks before events and events before their attendees.
func seedBatch(seed seedFile) *pgx.Batch {
	b := &pgx.Batch{}
	for _, l := range seed.Looks {
		ids := l.VariantIDs
		if ids == nil {
			ids = []string{}
		}
		b.Queue(upsertLookSQL, l.ID, l.Name, l.BundleVariantID, ids)
	}
	for _, ev := range seed.Events {
		b.Queue(upsertEventSQL, ev.ID, ev.Name, ev.OwnerID, !ev.Inactive)
		for _, a := range ev.Attendees {
			b.Queue(upsertAttendeeSQL, a.ID, ev.ID, a.FirstName, a.LastName, a.Email,
				a.CustomerID, a.LookID, a.Style, a.Invite, a.Pay, !a.Inactive)
		}
	}
	return b
}
