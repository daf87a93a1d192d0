package ui

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"concord/internal/archive"
	"concord/internal/common"
	"concord/internal/conc"
	"concord/internal/engine"
	"concord/internal/kv"
	"concord/internal/persist"
)

// CoreServices bundles the external collaborators, constructed once at
// startup and passed down explicitly.
type CoreServices struct {
	KV      *kv.Store
	Archive *archive.DB
	Engine  engine.Engine
	Logger  *zap.Logger
	Cfg     Config
}

func NewCoreServices(cfg Config, eng engine.Engine, logger *zap.Logger) (*CoreServices, error) {
	adb, err := archive.Open(cfg.ArchiveDir, logger)
	if err != nil {
		return nil, xerrors.Errorf("core services init: %w", err)
	}

	return &CoreServices{
		KV:      kv.New(cfg.RedisAddr, cfg.RedisDB),
		Archive: adb,
		Engine:  eng,
		Logger:  logger,
		Cfg:     cfg,
	}, nil
}

func (cs *CoreServices) Close() error {
	err := cs.Archive.Close()
	if kerr := cs.KV.Close(); err == nil {
		err = kerr
	}
	return err
}

// Concord is the central controller of the core.
// It exposes use-cases that can be integrated with IO channels (web front-end, scheduler, etc.).
type Concord struct {
	services *CoreServices

	Cache    *conc.Coordinator
	Index    *conc.CacheIndex
	Queries  *persist.QueryStore
	History  *persist.History
	Archiver *archive.Archiver
	Cleaner  *archive.Cleaner
}

func NewConcord(cs *CoreServices) *Concord {
	cfg := cs.Cfg

	idx := conc.NewCacheIndex(cs.KV, cfg.CacheRoot, cfg.RegistryRoot, cs.Logger)
	queries := persist.NewQueryStore(cs.KV, cs.Archive, cfg.AnonymousUserID, cfg.TTLAnonymousDays, cfg.TTLKnownDays, cs.Logger)
	history := persist.NewHistory(cs.KV, cs.Archive, queries, cfg.HistoryMaxUnnamed, cs.Logger)

	return &Concord{
		services: cs,
		Cache:    conc.NewCoordinator(cs.KV, idx, cs.Engine, cs.Logger),
		Index:    idx,
		Queries:  queries,
		History:  history,
		Archiver: archive.NewArchiver(cs.KV, cs.Archive, history, cs.Logger),
		Cleaner:  archive.NewCleaner(cs.KV, cs.Archive, cfg.AnonymousUserID, cfg.AnonymousRetentionDays, cs.Logger),
	}
}

// Search persists the query payload and kicks off (or attaches to) its
// computation, returning the stable id and a handle for reading progress.
func (c *Concord) Search(ctx context.Context, userID int, curr *common.QueryRecord, prev *common.QueryRecord) (common.QID, *conc.Handle, error) {
	qid, err := c.Queries.Store(userID, curr, prev)
	if err != nil {
		return "", nil, xerrors.Errorf("search: %w", err)
	}

	corpus := ""
	if len(curr.Corpora) > 0 {
		corpus = curr.Corpora[0]
	}
	handle, err := c.Cache.GetOrCompute(ctx, corpus, curr.Subcorpus, curr.Q)
	if err != nil {
		return qid, nil, xerrors.Errorf("search: %w", err)
	}

	if _, herr := c.History.Store(userID, qid, curr.Supertype); herr != nil {
		c.services.Logger.Warn("history store failed", zap.Error(herr))
	}

	return qid, handle, nil
}

// RunArchiver drains one batch of the archival queue.
func (c *Concord) RunArchiver(ctx context.Context, dryRun bool) archive.Report {
	return c.Archiver.Run(ctx, c.services.Cfg.ArchiveBatchSize, dryRun)
}

// RunCleaner performs one retention sweep over the archive.
func (c *Concord) RunCleaner(ctx context.Context, dryRun bool) (archive.CleanerReport, error) {
	return c.Cleaner.Run(ctx, c.services.Cfg.ArchiveBatchSize, dryRun)
}
