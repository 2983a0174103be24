// Package dnd turns drag-end events from a rendering layer into board moves.
// A deal has at most one move in flight; further drops of the same deal are
// dropped until it settles. With a Syncer attached, a settled local move is
// persisted and the board is reloaded from the server (last write wins).
package dnd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"dealboard/internal/board"
	"dealboard/internal/domain"
)

// Notice levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Location is a slot in a stage column.
type Location struct {
	StageID string `json:"stage_id"`
	Index   int    `json:"index"`
}

// DragEvent is a drag-end. Destination is nil when the card was dropped
// outside any column. DealID may be empty; it is then read from Source.
type DragEvent struct {
	DealID      string    `json:"deal_id,omitempty"`
	Source      Location  `json:"source"`
	Destination *Location `json:"destination,omitempty"`
}

// Notice is a user-facing message raised while handling an event.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Outcome reports what happened to one event.
type Outcome struct {
	Applied bool
	Dropped bool
	Deal    domain.Deal
	Notice  *Notice
}

// Board is the part of the board core the adapter drives.
type Board interface {
	MoveDeal(dealID, toStageID string, toIndex int, actingUser string) (board.MoveResult, error)
	DealAt(stageID string, index int) (domain.Deal, error)
	Load(s domain.Snapshot) error
}

// Syncer persists moves to a server and fetches the authoritative board.
type Syncer interface {
	PersistMove(ctx context.Context, dealID, stageID string, index int) (domain.Deal, error)
	FetchBoard(ctx context.Context) (domain.Snapshot, error)
}

type Config struct {
	Board    Board
	Syncer   Syncer
	Logger   logrus.FieldLogger
	OnNotice func(Notice)
}

type Adapter struct {
	board    Board
	syncer   Syncer
	log      logrus.FieldLogger
	onNotice func(Notice)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
	closed   bool
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Board == nil {
		return nil, errors.New("dnd: board is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		board:    cfg.Board,
		syncer:   cfg.Syncer,
		log:      log,
		onNotice: cfg.OnNotice,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: map[string]bool{},
	}, nil
}

// HandleDragEnd applies one drag-end event. Errors never escape: they come
// back as an error notice and the board is left as it was.
func (a *Adapter) HandleDragEnd(ev DragEvent, actingUser string) Outcome {
	if ev.Destination == nil {
		return Outcome{}
	}
	dealID, err := a.resolve(ev)
	if err != nil {
		return a.fail(ev.DealID, err)
	}
	if !a.acquire(dealID) {
		a.log.WithFields(logrus.Fields{"deal_id": dealID}).Debug("drop ignored: move in flight or adapter closed")
		return Outcome{Dropped: true}
	}

	res, err := a.board.MoveDeal(dealID, ev.Destination.StageID, ev.Destination.Index, actingUser)
	if err != nil {
		a.release(dealID)
		return a.fail(dealID, err)
	}
	out := Outcome{Applied: res.Moved, Deal: res.Deal}
	if res.Warning != "" {
		out.Notice = a.notify(LevelWarn, res.Warning)
	}
	if !res.Moved || a.syncer == nil {
		a.release(dealID)
		return out
	}

	if !a.spawn(func() {
		defer a.release(dealID)
		a.sync(dealID, res.Deal.StageID, res.Deal.Position)
	}) {
		a.release(dealID)
	}
	return out
}

func (a *Adapter) resolve(ev DragEvent) (string, error) {
	at, err := a.board.DealAt(ev.Source.StageID, ev.Source.Index)
	if ev.DealID == "" {
		if err != nil {
			return "", err
		}
		return at.ID, nil
	}
	if err == nil && at.ID != ev.DealID {
		return "", fmt.Errorf("deal %s is not at %s/%d", ev.DealID, ev.Source.StageID, ev.Source.Index)
	}
	return ev.DealID, nil
}

// sync persists the move, then reconciles with the server's board whether
// or not the persist succeeded.
func (a *Adapter) sync(dealID, stageID string, index int) {
	fields := logrus.Fields{"deal_id": dealID, "stage_id": stageID, "index": index}
	if _, err := a.syncer.PersistMove(a.ctx, dealID, stageID, index); err != nil {
		if a.ctx.Err() != nil {
			return
		}
		a.log.WithFields(fields).WithError(err).Warn("persist move")
		a.notify(LevelError, "Could not save the move; reloading the board.")
	}
	snap, err := a.syncer.FetchBoard(a.ctx)
	if err != nil {
		if a.ctx.Err() == nil {
			a.log.WithFields(fields).WithError(err).Warn("refetch board")
			a.notify(LevelError, "Could not reload the board.")
		}
		return
	}
	if err := a.board.Load(snap); err != nil {
		a.log.WithFields(fields).WithError(err).Error("load fetched board")
		a.notify(LevelError, "The server returned an invalid board.")
	}
}

func (a *Adapter) fail(dealID string, err error) Outcome {
	a.log.WithFields(logrus.Fields{"deal_id": dealID}).WithError(err).Info("move rejected")
	return Outcome{Notice: a.notify(LevelError, describe(err))}
}

func (a *Adapter) notify(level, msg string) *Notice {
	n := Notice{Level: level, Message: msg}
	if a.onNotice != nil {
		a.onNotice(n)
	}
	return &n
}

func (a *Adapter) acquire(dealID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.inFlight[dealID] {
		return false
	}
	a.inFlight[dealID] = true
	return true
}

func (a *Adapter) release(dealID string) {
	a.mu.Lock()
	delete(a.inFlight, dealID)
	a.mu.Unlock()
}

// Wait blocks until every pending sync has finished.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// spawn runs fn as a tracked sync unless the adapter is closed.
func (a *Adapter) spawn(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
	return true
}

// Close cancels pending syncs and waits for them to stop. Drops handled
// after Close are ignored.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

func describe(err error) string {
	var (
		wip      board.WipLimitExceededError
		target   board.InvalidMoveTargetError
		notFound board.DealNotFoundError
	)
	switch {
	case errors.As(err, &wip):
		return fmt.Sprintf("That stage is at its limit of %d deals.", wip.Limit)
	case errors.As(err, &target):
		return "That column no longer exists."
	case errors.As(err, &notFound):
		return "That deal no longer exists."
	}
	return "Could not move the deal: " + err.Error()
}
