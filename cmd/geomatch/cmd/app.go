package cmd

import (
	"context"
	"fmt"

	"github.com/dbsmedya/geomatch/internal/catalog"
	"github.com/dbsmedya/geomatch/internal/config"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/metrics"
	"github.com/dbsmedya/geomatch/internal/pairs"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/dbsmedya/geomatch/internal/snapshot"
	"github.com/dbsmedya/geomatch/internal/sqlutil"
	"github.com/dbsmedya/geomatch/internal/verifier"
)

// app bundles the loaded configuration and logger shared by all commands.
type app struct {
	cfg *config.Config
	log *logger.Logger
}

// loadApp loads the dotenv file and the configuration, applies CLI
// overrides, validates and builds the logger.
func loadApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	o := GetCLIOverrides()
	cfg.ApplyOverrides(o.LogLevel, o.LogFormat, o.Workers, o.InlierThreshold, o.SkipVerify)
	return cfg, nil
}

// loadImages reads the image records, filling missing coordinates from EXIF
// when enabled.
func (a *app) loadImages(ctx context.Context) (*geo.Index, error) {
	im := a.cfg.Imagery
	ds, err := geo.LoadRecords(im.MetadataPath, im.ImageDir)
	if err != nil {
		return nil, err
	}

	if len(ds.Missing) > 0 && im.ExifFallback {
		loc, err := geo.NewEXIFLocator()
		if err != nil {
			return nil, fmt.Errorf("failed to start exiftool: %w", err)
		}
		n, err := loc.Fill(ctx, ds, im.ImageDir)
		_ = loc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read EXIF coordinates: %w", err)
		}
		a.log.Infow("Filled coordinates from EXIF", "images", n, "still_missing", len(ds.Missing))
	}

	if len(ds.Missing) > 0 {
		if !im.AllowMissing {
			return nil, fmt.Errorf("%d records lack coordinates (first: %s); set imagery.allow_missing to skip them",
				len(ds.Missing), ds.Missing[0])
		}
		a.log.Warnw("Skipping records without coordinates", "count", len(ds.Missing))
	}
	if len(ds.Records) == 0 {
		return nil, fmt.Errorf("no image records with coordinates in %s", im.MetadataPath)
	}

	a.log.Infow("Loaded image records", "images", len(ds.Records))
	return geo.NewIndex(ds.Records), nil
}

func (a *app) partitionParams() partition.Params {
	p := a.cfg.Partition
	return partition.Params{
		BoxSizeMeters:    p.BoxSizeMeters,
		MarginMeters:     p.MarginMeters,
		MaxPairsPerBox:   p.MaxPairsPerBox,
		MinBoxSizeMeters: p.MinBoxSizeMeters,
	}
}

// loadPartition loads the records and partitions them.
func (a *app) loadPartition(ctx context.Context) (*geo.Index, *partition.Result, error) {
	ix, err := a.loadImages(ctx)
	if err != nil {
		return nil, nil, err
	}
	part, err := partition.Partition(ix, a.partitionParams())
	if err != nil {
		return nil, nil, fmt.Errorf("partitioning failed: %w", err)
	}
	a.log.Infow("Partitioned images", "boxes", len(part.Boxes), "adjacent", len(part.Adjacent))
	return ix, part, nil
}

// buildCandidates runs the pair graph builder over a partition.
func (a *app) buildCandidates(ctx context.Context, ix *geo.Index, part *partition.Result) (*pairs.Result, error) {
	b, err := pairs.NewBuilder(ix, part, pairs.Params{
		Neighbors:         a.cfg.Pairing.Neighbors,
		MaxDistanceMeters: a.cfg.Pairing.MaxDistanceMeters,
		Workers:           a.cfg.Processing.Workers,
	}, a.log)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx)
}

// openCatalog connects the catalog database and creates its tables.
func (a *app) openCatalog(ctx context.Context) (*catalog.Catalog, func(), error) {
	dialect, err := sqlutil.ParseDialect(a.cfg.Catalog.Driver)
	if err != nil {
		return nil, nil, err
	}

	mgr := database.NewManager(a.cfg)
	if err := mgr.Connect(ctx); err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := mgr.Close(); err != nil {
			a.log.Warnf("Failed to close catalog: %v", err)
		}
	}
	if err := mgr.Ping(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("catalog connection failed: %w", err)
	}

	cat, err := catalog.New(mgr.Catalog, dialect, a.log)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if err := cat.InitializeTables(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return cat, closeFn, nil
}

// openIndex opens the match store index with its optional redis cache.
func (a *app) openIndex(ctx context.Context) (*matchstore.Index, func(), error) {
	ix, err := matchstore.Open(ctx, a.cfg.Index.Path, a.log)
	if err != nil {
		return nil, nil, err
	}

	var cache *matchstore.RedisCache
	if a.cfg.Index.Redis.Enabled {
		cache, err = matchstore.NewRedisCache(ctx, a.cfg.Index.Redis)
		if err != nil {
			_ = ix.Close()
			return nil, nil, fmt.Errorf("failed to connect neighbor cache: %w", err)
		}
		ix.SetCache(cache)
		a.log.Infow("Neighbor cache enabled", "addr", a.cfg.Index.Redis.Addr)
	}

	closeFn := func() {
		if cache != nil {
			_ = cache.Close()
		}
		if err := ix.Close(); err != nil {
			a.log.Warnf("Failed to close index: %v", err)
		}
	}
	return ix, closeFn, nil
}

// openSnapshots builds the snapshot store with the configured head pointer
// and mirror.
func (a *app) openSnapshots(ctx context.Context) (*snapshot.Store, error) {
	sc := a.cfg.Snapshots

	var head snapshot.Head
	if sc.Head == "dynamodb" {
		h, err := snapshot.NewDynamoDBHeadFromConfig(ctx, sc.DynamoDB)
		if err != nil {
			return nil, err
		}
		head = h
	}

	store, err := snapshot.NewStore(sc.Dir, sc.Compression, head, a.log)
	if err != nil {
		return nil, err
	}

	mirror, err := snapshot.NewMirror(ctx, sc.Mirror)
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		store.WithMirror(mirror)
		a.log.Infow("Snapshot mirroring enabled", "mirror", mirror.Name())
	}
	return store, nil
}

// serveMetrics exposes /metrics until ctx ends when enabled.
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.Metrics.Listen); err != nil {
			a.log.Warnw("Metrics endpoint stopped", "error", err)
		}
	}()
	a.log.Infow("Serving metrics", "listen", a.cfg.Metrics.Listen)
}

func (a *app) verificationMethod() verifier.VerificationMethod {
	if a.cfg.Verification.SkipVerification {
		return verifier.MethodSkip
	}
	if a.cfg.Verification.Method == "" {
		return verifier.MethodCount
	}
	return verifier.VerificationMethod(a.cfg.Verification.Method)
}

// boxImages returns the images of a box or an error naming the box.
func boxImages(part *partition.Result, boxID string) ([]string, error) {
	b, ok := part.Box(boxID)
	if !ok {
		return nil, fmt.Errorf("box %q not found (%d boxes in partition)", boxID, len(part.Boxes))
	}
	return b.Images, nil
}
