package board

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"dealboard/internal/blob"
	"dealboard/internal/domain"
)

// File is an attachment upload.
type File struct {
	Name     string
	MimeType string
	Content  io.Reader
}

// AttachmentResult is delivered once per AddAttachment call.
type AttachmentResult struct {
	Attachment domain.Attachment
	Entry      domain.ActivityEntry
	Err        error
}

// AddComment appends a comment and a comment activity entry.
func (b *Board) AddComment(dealID, author, text string) (domain.Comment, error) {
	text = strings.TrimSpace(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deals[dealID]; !ok {
		return domain.Comment{}, DealNotFoundError{DealID: dealID}
	}
	if text == "" {
		return domain.Comment{}, EmptyCommentError{DealID: dealID}
	}
	c := domain.Comment{
		ID:        b.newID(),
		DealID:    dealID,
		Author:    author,
		Text:      text,
		Timestamp: b.now().UTC(),
	}
	b.comments[dealID] = append(b.comments[dealID], c)
	b.record(dealID, domain.ActivityComment, "Comment added: "+text, author)
	return c, nil
}

// DeleteComment removes exactly one comment and records it.
func (b *Board) DeleteComment(dealID, commentID, actingUser string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deals[dealID]; !ok {
		return DealNotFoundError{DealID: dealID}
	}
	list := b.comments[dealID]
	for i, c := range list {
		if c.ID != commentID {
			continue
		}
		b.comments[dealID] = append(list[:i:i], list[i+1:]...)
		b.record(dealID, domain.ActivityComment, "Comment deleted: "+c.Text, actingUser)
		return nil
	}
	return CommentNotFoundError{DealID: dealID, CommentID: commentID}
}

// Comments returns a deal's comments newest-first.
func (b *Board) Comments(dealID string) ([]domain.Comment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deals[dealID]; !ok {
		return nil, DealNotFoundError{DealID: dealID}
	}
	return newestFirst(b.comments[dealID]), nil
}

// Attachments returns a deal's attachments newest-first.
func (b *Board) Attachments(dealID string) ([]domain.Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deals[dealID]; !ok {
		return nil, DealNotFoundError{DealID: dealID}
	}
	return newestFirst(b.attachments[dealID]), nil
}

// Activity returns a deal's activity newest-first. The log of a deleted deal
// is still readable.
func (b *Board) Activity(dealID string) ([]domain.ActivityEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.activity[dealID]
	if !ok {
		if _, live := b.deals[dealID]; !live {
			return nil, DealNotFoundError{DealID: dealID}
		}
	}
	return newestFirst(entries), nil
}

// AddAttachment uploads f on its own goroutine. The returned channel yields
// exactly one result. Concurrent uploads for one deal land in completion
// order.
func (b *Board) AddAttachment(ctx context.Context, dealID string, f File, actingUser string) <-chan AttachmentResult {
	out := make(chan AttachmentResult, 1)
	if b.blobs == nil {
		out <- AttachmentResult{Err: ErrNoBlobStore}
		close(out)
		return out
	}
	b.mu.Lock()
	_, ok := b.deals[dealID]
	id := b.newID()
	b.mu.Unlock()
	if !ok {
		out <- AttachmentResult{Err: DealNotFoundError{DealID: dealID}}
		close(out)
		return out
	}
	go func() {
		defer close(out)
		out <- b.upload(ctx, dealID, id, f, actingUser)
	}()
	return out
}

func (b *Board) upload(ctx context.Context, dealID, id string, f File, actingUser string) AttachmentResult {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = "file"
	}
	var data []byte
	if f.Content != nil {
		var err error
		data, err = io.ReadAll(f.Content)
		if err != nil {
			return AttachmentResult{Err: fmt.Errorf("read attachment %s: %w", name, err)}
		}
	}
	mimeType := blob.DetectMIME(f.MimeType, data)
	obj, err := b.blobs.Put(ctx, blob.Key(dealID, id, name), name, mimeType, bytes.NewReader(data))
	if err != nil {
		return AttachmentResult{Err: fmt.Errorf("store attachment %s: %w", name, err)}
	}

	b.mu.Lock()
	if _, ok := b.deals[dealID]; !ok {
		b.mu.Unlock()
		b.Revoke(ctx, dealID, obj.ContentURL)
		return AttachmentResult{Err: DealNotFoundError{DealID: dealID}}
	}
	a := domain.Attachment{
		ID:         id,
		DealID:     dealID,
		Name:       obj.Name,
		Size:       obj.Size,
		MimeType:   obj.MimeType,
		ContentURL: obj.ContentURL,
		UploadedAt: b.now().UTC(),
	}
	b.attachments[dealID] = append(b.attachments[dealID], a)
	e := b.record(dealID, domain.ActivityAttachment, "Attachment added: "+a.Name, actingUser)
	b.mu.Unlock()
	return AttachmentResult{Attachment: a, Entry: e}
}

// DeleteAttachment removes an attachment and revokes its content URL.
func (b *Board) DeleteAttachment(ctx context.Context, dealID, attachmentID, actingUser string) error {
	url, err := b.RemoveAttachment(dealID, attachmentID, actingUser)
	if err != nil {
		return err
	}
	b.Revoke(ctx, dealID, url)
	return nil
}

// RemoveAttachment is DeleteAttachment without touching the blob store. It
// returns the content URL for the caller to revoke once the removal sticks.
func (b *Board) RemoveAttachment(dealID, attachmentID, actingUser string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deals[dealID]; !ok {
		return "", DealNotFoundError{DealID: dealID}
	}
	list := b.attachments[dealID]
	idx := -1
	for i, a := range list {
		if a.ID == attachmentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", AttachmentNotFoundError{DealID: dealID, AttachmentID: attachmentID}
	}
	a := list[idx]
	b.attachments[dealID] = append(list[:idx:idx], list[idx+1:]...)
	b.record(dealID, domain.ActivityAttachment, "Attachment removed: "+a.Name, actingUser)
	return a.ContentURL, nil
}

// DeleteDeal removes a deal from its stage, purges its comments and
// attachments and records a final delete entry. The activity log is kept.
func (b *Board) DeleteDeal(ctx context.Context, dealID, actingUser string) (domain.ActivityEntry, error) {
	e, urls, err := b.RemoveDeal(dealID, actingUser)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	b.Revoke(ctx, dealID, urls...)
	return e, nil
}

// RemoveDeal is DeleteDeal without touching the blob store. The content URLs
// of the purged attachments are returned for the caller to revoke.
func (b *Board) RemoveDeal(dealID, actingUser string) (domain.ActivityEntry, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.deals[dealID]
	if !ok {
		return domain.ActivityEntry{}, nil, DealNotFoundError{DealID: dealID}
	}
	col := b.columns[d.StageID]
	next := make([]string, 0, len(col))
	for _, id := range col {
		if id != dealID {
			next = append(next, id)
		}
	}
	b.columns[d.StageID] = next
	b.syncColumn(d.StageID)
	delete(b.deals, dealID)
	delete(b.comments, dealID)
	var urls []string
	for _, a := range b.attachments[dealID] {
		urls = append(urls, a.ContentURL)
	}
	delete(b.attachments, dealID)
	e := b.record(dealID, domain.ActivityDelete, "Deal deleted: "+d.Title, actingUser)
	b.log.WithFields(logrus.Fields{"deal_id": dealID, "actor": actingUser}).Info("deal deleted")
	return e, urls, nil
}

// Revoke releases attachment content. Failures are logged, not returned.
func (b *Board) Revoke(ctx context.Context, dealID string, contentURLs ...string) {
	if b.blobs == nil {
		return
	}
	for _, u := range contentURLs {
		if u == "" {
			continue
		}
		if err := b.blobs.Revoke(ctx, u); err != nil {
			b.log.WithFields(logrus.Fields{"deal_id": dealID, "url": u}).WithError(err).Warn("revoke attachment")
		}
	}
}
