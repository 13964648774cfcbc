package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/tableside/internal/domain/auth"
	"github.com/xenking/tableside/internal/domain/menu"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/storage/postgres"
)

// seedFile is the layout of db/seed/menu.json. A ".gz" suffix selects gzip.
type seedFile struct {
	TenantID  string          `json:"tenantId"`
	Inventory []inventoryJSON `json:"inventory"`
	Menu      []menuItemJSON  `json:"menu"`
	APIKeys   []apiKeyJSON    `json:"apiKeys"`
}

type inventoryJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type menuItemJSON struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	Category        string          `json:"category"`
	Available       bool            `json:"available"`
	InventoryItemID string          `json:"inventoryItemId"`
	Options         []struct {
		Group      string          `json:"group"`
		Name       string          `json:"name"`
		PriceDelta decimal.Decimal `json:"priceDelta"`
	} `json:"options"`
}

// apiKeyJSON carries a raw development key. Only its hash is stored.
type apiKeyJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
	Key  string `json:"key"`
}

func main() {
	var (
		databaseURL  string
		seedPath     string
		apiKeyPepper string
		workers      int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "seed-file", "db/seed/menu.json", "path to the seed JSON file (.json or .json.gz)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or TABLESIDE_API_KEY_PEPPER env)")
	flag.IntVar(&workers, "workers", 8, "concurrent upserts")
	flag.Parse()

	lg, _ := zap.NewDevelopment()
	defer func() { _ = lg.Sync() }()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		lg.Fatal("Load .env", zap.Error(err))
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("TABLESIDE_DATABASE_URL")
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("TABLESIDE_API_KEY_PEPPER")
	}
	if apiKeyPepper == "" {
		lg.Fatal("API key pepper is required: set --api-key-pepper or TABLESIDE_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, seedPath, []byte(apiKeyPepper), workers); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, seedPath string, pepper []byte, workers int) error {
	seed, err := readSeed(seedPath)
	if err != nil {
		return err
	}
	if seed.TenantID == "" {
		return errors.New("seed file has no tenantId")
	}
	lg.Info("Seed file loaded",
		zap.String("path", seedPath),
		zap.String("tenant_id", seed.TenantID),
		zap.Int("inventory", len(seed.Inventory)),
		zap.Int("menu", len(seed.Menu)),
		zap.Int("api_keys", len(seed.APIKeys)),
	)

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	catalog := postgres.NewMenuCatalog(pool)
	keys := postgres.NewAPIKeyRepository(pool)

	// Inventory first: menu items reference it.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, inv := range seed.Inventory {
		g.Go(func() error {
			return catalog.UpsertInventory(gctx, postgres.InventoryItem{
				ID:       inv.ID,
				TenantID: seed.TenantID,
				Name:     inv.Name,
				Quantity: inv.Quantity,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "seed inventory")
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, it := range seed.Menu {
		g.Go(func() error {
			item := menu.Item{
				ID:              it.ID,
				TenantID:        seed.TenantID,
				Name:            it.Name,
				Price:           it.Price,
				Category:        it.Category,
				Available:       it.Available,
				InventoryItemID: it.InventoryItemID,
			}
			for _, o := range it.Options {
				item.Options = append(item.Options, menu.Option{Group: o.Group, Name: o.Name, PriceDelta: o.PriceDelta})
			}
			if err := catalog.UpsertMenuItem(gctx, item); err != nil {
				return err
			}
			lg.Debug("Upserted menu item", zap.String("id", it.ID), zap.String("name", it.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "seed menu")
	}

	for _, k := range seed.APIKeys {
		role := order.Role(k.Role)
		if !role.Valid() {
			return errors.Errorf("api key %s: invalid role %q", k.ID, k.Role)
		}
		if err := keys.Upsert(ctx, auth.APIKeyInfo{
			ID:       k.ID,
			TenantID: seed.TenantID,
			KeyHash:  auth.HashKey(pepper, k.Key),
			Name:     k.Name,
			Role:     role,
		}); err != nil {
			return err
		}
		lg.Info("Upserted API key", zap.String("id", k.ID), zap.String("role", k.Role))
	}
	return nil
}

func readSeed(path string) (*seedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open seed file")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	var seed seedFile
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return nil, errors.Wrap(err, "parse seed JSON")
	}
	return &seed, nil
}
