package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dealboard/internal/analytics"
	"dealboard/internal/blob"
	"dealboard/internal/board"
	"dealboard/internal/config"
	"dealboard/internal/domain"
	"dealboard/internal/events"
	"dealboard/internal/logging"
	"dealboard/internal/repo"
	"dealboard/internal/scoring"
)

// Engine is the persisted board service. Every mutation is applied to the
// in-memory board first and then written through to SQLite in one
// transaction. When the write fails the board is reloaded from the store.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Board   *board.Board
	BoardID string
	Log     logrus.FieldLogger
	Now     func() time.Time

	mu *sync.Mutex
}

type Options struct {
	BoardID string
	Blobs   blob.Store
	Logger  logrus.FieldLogger
	Now     func() time.Time
	NewID   func() string
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	boardID := opts.BoardID
	if boardID == "" && cfg != nil {
		boardID = cfg.Board.ID
	}
	policy := board.DefaultPolicy()
	if cfg != nil {
		policy = cfg.Policy()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db, Now: now},
		Config:  cfg,
		BoardID: boardID,
		Log:     log.WithField("board_id", boardID),
		Now:     now,
		Board: board.New(board.Options{
			Policy: policy,
			Blobs:  opts.Blobs,
			Logger: log.WithField("board_id", boardID),
			Now:    now,
			NewID:  opts.NewID,
		}),
		mu: &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type pendingEvent struct {
	typ, kind, id string
	payload       events.EventPayload
}

func event(typ, kind, id string, payload events.EventPayload) pendingEvent {
	return pendingEvent{typ: typ, kind: kind, id: id, payload: payload}
}

// InitBoard registers the board and stores its config. Stages are seeded
// from the config on the first Load.
func (e Engine) InitBoard(ctx context.Context, name, actorID string) (domain.Board, error) {
	if e.Config == nil {
		return domain.Board{}, errors.New("config not loaded")
	}
	if name == "" {
		name = e.Config.Board.Name
	}
	if name == "" {
		name = e.BoardID
	}
	b := domain.Board{ID: e.BoardID, Name: name, CreatedAt: e.now().UTC()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Board{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBoardTx(ctx, tx, b); err != nil {
		return domain.Board{}, fmt.Errorf("insert board: %w", err)
	}
	if err := e.Repo.UpsertBoardConfigTx(ctx, tx, b.ID, e.Config); err != nil {
		return domain.Board{}, fmt.Errorf("insert board config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.BoardConfigured, b.ID, "board", b.ID, actorID, events.EventPayload{"name": b.Name}); err != nil {
		return domain.Board{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

// Load reads the board from the store into memory. An empty board is seeded
// with the configured stages.
func (e Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.Repo.GetBoard(ctx, e.BoardID); err != nil {
		return fmt.Errorf("board %s: %w", e.BoardID, err)
	}
	snap, err := e.Repo.LoadSnapshot(ctx, e.BoardID)
	if err != nil {
		return err
	}
	if len(snap.Stages) > 0 {
		return e.Board.Load(snap)
	}
	if e.Config == nil {
		return board.ErrNoStages
	}
	var created []pendingEvent
	for _, sc := range e.Config.Stages {
		st, err := e.Board.CreateStage(sc.Name, sc.WIPLimit, "system")
		if err != nil {
			return fmt.Errorf("seed stage %s: %w", sc.Name, err)
		}
		created = append(created, event(events.StageCreated, "stage", st.ID, events.EventPayload{"name": st.Name, "order": st.Order}))
	}
	return e.persist(ctx, "system", created...)
}

func (e Engine) reload(ctx context.Context) error {
	snap, err := e.Repo.LoadSnapshot(ctx, e.BoardID)
	if err != nil {
		return err
	}
	return e.Board.Load(snap)
}

// apply runs a board mutation and writes it through. Callers must not hold
// e.mu.
func (e Engine) apply(ctx context.Context, actorID string, fn func() ([]pendingEvent, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	evts, err := fn()
	if err != nil {
		return err
	}
	return e.persist(ctx, actorID, evts...)
}

func (e Engine) persist(ctx context.Context, actorID string, evts ...pendingEvent) error {
	err := e.write(ctx, actorID, evts)
	if err == nil {
		return nil
	}
	logging.LogError(e.Log, "engine", "persist", logrus.Fields{"board_id": e.BoardID, "actor": actorID, "events": len(evts)}, err)
	if rerr := e.reload(ctx); rerr != nil {
		logging.LogError(e.Log, "engine", "reload", logrus.Fields{"board_id": e.BoardID}, rerr)
	}
	return fmt.Errorf("persist board: %w", err)
}

func (e Engine) write(ctx context.Context, actorID string, evts []pendingEvent) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceBoardTx(ctx, tx, e.BoardID, e.Board.Snapshot()); err != nil {
		return err
	}
	last, err := e.Repo.LastActivitySeqTx(ctx, tx, e.BoardID)
	if err != nil {
		return err
	}
	if err := e.Repo.InsertActivityTx(ctx, tx, e.BoardID, e.Board.ActivitySince(last)); err != nil {
		return err
	}
	for _, evt := range evts {
		if err := e.Events.Append(ctx, tx, evt.typ, e.BoardID, evt.kind, evt.id, actorID, evt.payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Snapshot returns the in-memory board.
func (e Engine) Snapshot() domain.Snapshot {
	return e.Board.Snapshot()
}

func (e Engine) ListStages() []domain.Stage {
	return e.Board.ListStages()
}

func (e Engine) CreateStage(ctx context.Context, name string, wipLimit *int, actorID string) (domain.Stage, error) {
	var st domain.Stage
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		st, err = e.Board.CreateStage(name, wipLimit, actorID)
		return []pendingEvent{event(events.StageCreated, "stage", st.ID, events.EventPayload{"name": st.Name, "order": st.Order})}, err
	})
	return st, err
}

// StageUpdate holds the editable stage fields. Nil fields are left alone.
type StageUpdate struct {
	Name          *string
	WIPLimit      *int
	ClearWIPLimit bool
}

func (e Engine) UpdateStage(ctx context.Context, id string, u StageUpdate, actorID string) (domain.Stage, error) {
	var st domain.Stage
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		if st, err = e.Board.GetStage(id); err != nil {
			return nil, err
		}
		if u.WIPLimit != nil && *u.WIPLimit < 0 {
			return nil, fmt.Errorf("wip limit must be >= 0, got %d", *u.WIPLimit)
		}
		payload := events.EventPayload{}
		if u.Name != nil {
			if st, err = e.Board.RenameStage(id, *u.Name, actorID); err != nil {
				return nil, err
			}
			payload["name"] = st.Name
		}
		if u.WIPLimit != nil || u.ClearWIPLimit {
			limit := u.WIPLimit
			if u.ClearWIPLimit {
				limit = nil
			}
			if st, err = e.Board.SetWIPLimit(id, limit, actorID); err != nil {
				return nil, err
			}
			payload["wip_limit"] = limit
		}
		return []pendingEvent{event(events.StageUpdated, "stage", id, payload)}, nil
	})
	return st, err
}

func (e Engine) ReorderStage(ctx context.Context, id string, toIndex int, actorID string) ([]domain.Stage, error) {
	var stages []domain.Stage
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		stages, err = e.Board.ReorderStage(id, toIndex, actorID)
		return []pendingEvent{event(events.StageReordered, "stage", id, events.EventPayload{"index": toIndex})}, err
	})
	return stages, err
}

func (e Engine) DeleteStage(ctx context.Context, id, actorID string) (board.DeleteStageResult, error) {
	var res board.DeleteStageResult
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		res, err = e.Board.DeleteStage(id, actorID)
		return []pendingEvent{event(events.StageDeleted, "stage", id, events.EventPayload{
			"name":       res.Removed.Name,
			"target":     res.Target.ID,
			"reassigned": len(res.Reassigned),
		})}, err
	})
	return res, err
}

func (e Engine) CreateDeal(ctx context.Context, in board.DealInput, actorID string) (domain.Deal, error) {
	var d domain.Deal
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		d, err = e.Board.CreateDeal(in, actorID)
		return []pendingEvent{event(events.DealCreated, "deal", d.ID, events.EventPayload{"title": d.Title, "stage_id": d.StageID})}, err
	})
	return d, err
}

func (e Engine) GetDeal(id string) (domain.Deal, error) {
	return e.Board.GetDeal(id)
}

func (e Engine) UpdateDeal(ctx context.Context, id string, p board.DealPatch, actorID string) (domain.Deal, error) {
	var d domain.Deal
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		d, err = e.Board.UpdateDeal(id, p, actorID)
		return []pendingEvent{event(events.DealUpdated, "deal", id, nil)}, err
	})
	return d, err
}

// MoveDeal persists a move. A no-op move writes nothing.
func (e Engine) MoveDeal(ctx context.Context, id, toStageID string, toIndex int, actorID string) (board.MoveResult, error) {
	var res board.MoveResult
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		res, err = e.Board.MoveDeal(id, toStageID, toIndex, actorID)
		if err != nil || !res.Moved {
			return nil, err
		}
		return []pendingEvent{event(events.DealMoved, "deal", id, events.EventPayload{
			"stage_id": res.Deal.StageID,
			"position": res.Deal.Position,
			"warning":  res.Warning,
		})}, nil
	})
	return res, err
}

func (e Engine) DeleteDeal(ctx context.Context, id, actorID string) (domain.ActivityEntry, error) {
	var entry domain.ActivityEntry
	var urls []string
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		entry, urls, err = e.Board.RemoveDeal(id, actorID)
		return []pendingEvent{event(events.DealDeleted, "deal", id, nil)}, err
	})
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	// content goes only after the delete is stored; a failed write reloads
	// the attachment rows and they must still resolve.
	e.Board.Revoke(ctx, id, urls...)
	return entry, nil
}

func (e Engine) AddComment(ctx context.Context, dealID, text, actorID string) (domain.Comment, error) {
	var c domain.Comment
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		c, err = e.Board.AddComment(dealID, actorID, text)
		return []pendingEvent{event(events.CommentAdded, "deal", dealID, events.EventPayload{"comment_id": c.ID})}, err
	})
	return c, err
}

func (e Engine) DeleteComment(ctx context.Context, dealID, commentID, actorID string) error {
	return e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		err := e.Board.DeleteComment(dealID, commentID, actorID)
		return []pendingEvent{event(events.CommentDeleted, "deal", dealID, events.EventPayload{"comment_id": commentID})}, err
	})
}

func (e Engine) Comments(dealID string) ([]domain.Comment, error) {
	return e.Board.Comments(dealID)
}

// AddAttachment uploads a file and waits for it to land before persisting.
func (e Engine) AddAttachment(ctx context.Context, dealID string, f board.File, actorID string) (domain.Attachment, error) {
	res := <-e.Board.AddAttachment(ctx, dealID, f, actorID)
	if res.Err != nil {
		return domain.Attachment{}, res.Err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.persist(ctx, actorID, event(events.AttachmentAdded, "deal", dealID, events.EventPayload{
		"attachment_id": res.Attachment.ID,
		"name":          res.Attachment.Name,
		"size":          res.Attachment.Size,
	}))
	if err != nil {
		e.Board.Revoke(ctx, dealID, res.Attachment.ContentURL)
		return domain.Attachment{}, err
	}
	return res.Attachment, nil
}

func (e Engine) DeleteAttachment(ctx context.Context, dealID, attachmentID, actorID string) error {
	var url string
	err := e.apply(ctx, actorID, func() ([]pendingEvent, error) {
		var err error
		url, err = e.Board.RemoveAttachment(dealID, attachmentID, actorID)
		return []pendingEvent{event(events.AttachmentRemoved, "deal", dealID, events.EventPayload{"attachment_id": attachmentID})}, err
	})
	if err != nil {
		return err
	}
	e.Board.Revoke(ctx, dealID, url)
	return nil
}

func (e Engine) Attachments(dealID string) ([]domain.Attachment, error) {
	return e.Board.Attachments(dealID)
}

// Activity returns a deal's log newest-first, including deleted deals.
func (e Engine) Activity(dealID string) ([]domain.ActivityEntry, error) {
	return e.Board.Activity(dealID)
}

// Score rates a live deal with the configured weights.
func (e Engine) Score(dealID string) (int, error) {
	d, err := e.Board.GetDeal(dealID)
	if err != nil {
		return 0, err
	}
	st, err := e.Board.GetStage(d.StageID)
	if err != nil {
		return 0, err
	}
	log, err := e.Board.Activity(dealID)
	if err != nil {
		return 0, err
	}
	return scoring.Score(d, st.Name, log, e.weights()), nil
}

func (e Engine) weights() scoring.Weights {
	if e.Config == nil {
		return scoring.DefaultWeights()
	}
	return e.Config.Weights()
}

// Analytics recomputes every report from the current board.
func (e Engine) Analytics() analytics.Report {
	opts := analytics.Options{
		Now:          e.now(),
		WindowMonths: 6,
		WonStage:     e.Board.Policy().WonStage,
	}
	if e.Config != nil {
		opts.WindowMonths = e.Config.HeatmapMonths()
		opts.Location = e.Config.Location()
	}
	return analytics.Compute(e.Board.Snapshot(), opts)
}

// ImportConfig stores a new board config and applies its rules.
func (e Engine) ImportConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertBoardConfigTx(ctx, tx, e.BoardID, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.BoardConfigured, e.BoardID, "board", e.BoardID, actorID, events.EventPayload{"wip_policy": cfg.WIP.Policy}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Config != nil {
		*e.Config = *cfg
	}
	e.Board.SetPolicy(cfg.Policy())
	return e.write(ctx, actorID, nil)
}
