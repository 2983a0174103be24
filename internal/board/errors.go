package board

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyStageName = errors.New("stage name is required")
	ErrTitleRequired  = errors.New("deal title is required")
	ErrNoStages       = errors.New("board has no stages")
	ErrNoBlobStore    = errors.New("attachment storage not configured")
)

// DealNotFoundError indicates the deal is not on the board.
type DealNotFoundError struct {
	DealID string
}

func (e DealNotFoundError) Error() string {
	return fmt.Sprintf("deal %s not found", e.DealID)
}

// StageNotFoundError indicates the stage is not live.
type StageNotFoundError struct {
	StageID string
}

func (e StageNotFoundError) Error() string {
	return fmt.Sprintf("stage %s not found", e.StageID)
}

// DuplicateNameError indicates another live stage already uses the name.
type DuplicateNameError struct {
	Name string
}

func (e DuplicateNameError) Error() string {
	return fmt.Sprintf("stage name %q already in use", e.Name)
}

// LastStageError is returned when deleting the only live stage.
type LastStageError struct {
	StageID string
}

func (e LastStageError) Error() string {
	return fmt.Sprintf("cannot delete stage %s: a board needs at least one stage", e.StageID)
}

// WipLimitExceededError is returned under the reject WIP policy.
type WipLimitExceededError struct {
	StageID string
	Limit   int
}

func (e WipLimitExceededError) Error() string {
	return fmt.Sprintf("stage %s is at its WIP limit of %d", e.StageID, e.Limit)
}

// EmptyCommentError rejects blank comment text.
type EmptyCommentError struct {
	DealID string
}

func (e EmptyCommentError) Error() string {
	return fmt.Sprintf("comment on deal %s is empty", e.DealID)
}

// InvalidMoveTargetError indicates a move to a stage that is not live.
type InvalidMoveTargetError struct {
	StageID string
	Index   int
}

func (e InvalidMoveTargetError) Error() string {
	return fmt.Sprintf("invalid move target stage %s index %d", e.StageID, e.Index)
}

type CommentNotFoundError struct {
	DealID    string
	CommentID string
}

func (e CommentNotFoundError) Error() string {
	return fmt.Sprintf("comment %s not found on deal %s", e.CommentID, e.DealID)
}

type AttachmentNotFoundError struct {
	DealID       string
	AttachmentID string
}

func (e AttachmentNotFoundError) Error() string {
	return fmt.Sprintf("attachment %s not found on deal %s", e.AttachmentID, e.DealID)
}

// DealExistsError is returned when creating a deal with an id already in use.
type DealExistsError struct {
	DealID string
}

func (e DealExistsError) Error() string {
	return fmt.Sprintf("deal %s already exists", e.DealID)
}
