package main

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/client"
	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/db"
	"github.com/courrier-mg/courrier/internal/lifecycle"
	"github.com/courrier-mg/courrier/internal/logger"
	"github.com/courrier-mg/courrier/internal/raster"
)

// rasterCacheTTL is how long a rendered first page stays cached.
const rasterCacheTTL = 30 * time.Minute

// app is the wired object graph shared by every surface.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *archive.Store
	ctrl  *lifecycle.Controller
}

func newApp(database *sql.DB, cfg *config.Config, log *zap.Logger) *app {
	log = logger.OrNop(log)

	store := archive.New(db.NewSlot(database, db.ArchiveSlot), archive.WithLogger(log))
	backend := client.New(client.Config{
		BaseURL:     cfg.BackendURL,
		Timeout:     time.Duration(cfg.RequestTimeoutSec) * time.Second,
		FlattenBody: cfg.FlattenBody(),
		Logger:      log,
	})
	rasterizer := raster.NewCached(raster.NewPoppler(raster.PopplerConfig{
		Pdftoppm: cfg.PdftoppmPath,
		DPI:      cfg.RasterDPI,
		Logger:   log,
	}), rasterCacheTTL)

	ctrl := lifecycle.New(lifecycle.Deps{
		Archive:    store,
		Extractor:  backend,
		Generator:  backend,
		Rasterizer: rasterizer,
		PDF:        backend,
		Logger:     log,
	})

	return &app{cfg: cfg, log: log, store: store, ctrl: ctrl}
}
