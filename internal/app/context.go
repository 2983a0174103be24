package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"dealboard/internal/blob"
	"dealboard/internal/config"
	"dealboard/internal/db"
	"dealboard/internal/engine"
	"dealboard/internal/migrate"
	"dealboard/internal/repo"
)

// ResolveBoardAndConfig picks the active board and makes sure it exists in the
// DB together with a stored config. It prefers the override, then a single
// board already in the DB, then the workspace's dealboard.yml. A missing board
// is created from the workspace config, or the default one.
func ResolveBoardAndConfig(ctx context.Context, workspace, boardOverride, actorID string, r repo.Repo, log logrus.FieldLogger) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", config.Path(workspace), err)
	}
	boardID := boardOverride
	if boardID == "" {
		if b, err := r.SingleBoard(ctx); err == nil {
			boardID = b.ID
		} else if fileCfg != nil {
			boardID = fileCfg.Board.ID
		} else {
			return "", nil, fmt.Errorf("board not specified; use --board")
		}
	}
	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(boardID)
	}
	seedCfg.Board.ID = boardID

	if _, err := r.GetBoard(ctx, boardID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		eng := engine.New(r.DB, seedCfg, engine.Options{BoardID: boardID, Logger: log})
		if _, err := eng.InitBoard(ctx, seedCfg.Board.Name, actorOrDefault(actorID)); err != nil {
			return "", nil, err
		}
		log.WithField("board_id", boardID).Info("board created")
	}
	cfg, err := r.GetBoardConfig(ctx, boardID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertBoardConfig(ctx, boardID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed board config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Board.ID = boardID
	return boardID, cfg, nil
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "local-user"
	}
	return actorID
}

// BlobStore builds the attachment store named by the config. Local storage
// lives under the workspace state directory.
func BlobStore(ctx context.Context, workspace string, cfg *config.Config, gcsCredentials string) (blob.Store, func() error, error) {
	switch cfg.Attachments.Storage {
	case config.StorageGCS:
		s, err := blob.NewGCSStore(ctx, cfg.Attachments.GCSBucket, gcsCredentials)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		dir := cfg.Attachments.LocalDir
		if dir == "" {
			dir = "attachments"
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(db.Dir(workspace), dir)
		}
		return blob.NewFSStore(dir), func() error { return nil }, nil
	}
}

type Options struct {
	Workspace      string
	BoardID        string
	ActorID        string
	GCSCredentials string
	Logger         logrus.FieldLogger
}

// Runtime is an opened workspace with its board loaded.
type Runtime struct {
	DB     *sql.DB
	Engine engine.Engine
	Config *config.Config

	closeBlobs func() error
}

// Open migrates the workspace DB, resolves the board and loads it.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	boardID, cfg, err := ResolveBoardAndConfig(ctx, opts.Workspace, opts.BoardID, opts.ActorID, r, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	blobs, closeBlobs, err := BlobStore(ctx, opts.Workspace, cfg, opts.GCSCredentials)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg, engine.Options{BoardID: boardID, Blobs: blobs, Logger: log})
	if err := eng.Load(ctx); err != nil {
		closeBlobs()
		conn.Close()
		return nil, fmt.Errorf("load board %s: %w", boardID, err)
	}
	return &Runtime{DB: conn, Engine: eng, Config: cfg, closeBlobs: closeBlobs}, nil
}

func (rt *Runtime) Close() error {
	return errors.Join(rt.closeBlobs(), rt.DB.Close())
}
