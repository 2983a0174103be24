package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealboard/internal/config"
	"dealboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanBoard(row interface{ Scan(...any) error }) (domain.Board, error) {
	var b domain.Board
	var created string
	err := row.Scan(&b.ID, &b.Name, &created)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.CreatedAt, err = parseTime(created)
	return b, err
}

func (r Repo) InsertBoardTx(ctx context.Context, tx *sql.Tx, b domain.Board) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO boards(id,name,created_at) VALUES (?,?,?)`,
		b.ID, b.Name, formatTime(b.CreatedAt))
	return err
}

func (r Repo) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	return scanBoard(r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM boards WHERE id=?`, id))
}

func (r Repo) SingleBoard(ctx context.Context) (domain.Board, error) {
	boards, err := r.ListBoards(ctx)
	if err != nil {
		return domain.Board{}, err
	}
	if len(boards) == 0 {
		return domain.Board{}, ErrNotFound
	}
	if len(boards) > 1 {
		return domain.Board{}, fmt.Errorf("multiple boards exist; specify --board")
	}
	return boards[0], nil
}

func (r Repo) ListBoards(ctx context.Context) ([]domain.Board, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM boards ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) UpsertBoardConfig(ctx context.Context, boardID string, cfg *config.Config) error {
	return r.UpsertBoardConfigTx(ctx, nil, boardID, cfg)
}

func (r Repo) UpsertBoardConfigTx(ctx context.Context, tx *sql.Tx, boardID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Board.ID = boardID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO board_configs(board_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(board_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, boardID, string(payload), now, now)
	return err
}

func (r Repo) GetBoardConfig(ctx context.Context, boardID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM board_configs WHERE board_id=?`, boardID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Board.ID == "" {
		cfg.Board.ID = boardID
	}
	return &cfg, cfg.Validate()
}

// ReplaceBoardTx overwrites the stages, deals, comments and attachments of a
// board with the snapshot. Activity is append-only and written separately.
func (r Repo) ReplaceBoardTx(ctx context.Context, tx *sql.Tx, boardID string, s domain.Snapshot) error {
	for _, table := range []string{"stages", "deals", "comments", "attachments"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE board_id=?`, boardID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, st := range s.Stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stages(board_id,id,name,ord,wip_limit) VALUES (?,?,?,?,?)`,
			boardID, st.ID, st.Name, st.Order, nullableIntPtr(st.WIPLimit)); err != nil {
			return fmt.Errorf("insert stage %s: %w", st.ID, err)
		}
	}
	for _, d := range s.Deals {
		tags, err := json.Marshal(nonNil(d.Tags))
		if err != nil {
			return err
		}
		watchers, err := json.Marshal(nonNil(d.Watchers))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO deals(board_id,id,title,value,owner_id,stage_id,position,tags_json,watchers_json,contact_name,company,reminder_date,created_at,closed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			boardID, d.ID, d.Title, d.Value.String(), nullable(d.OwnerID), d.StageID, d.Position, string(tags), string(watchers),
			nullable(d.ContactName), nullable(d.Company), nullableTime(d.ReminderDate), formatTime(d.CreatedAt), nullableTime(d.ClosedAt)); err != nil {
			return fmt.Errorf("insert deal %s: %w", d.ID, err)
		}
	}
	for i, c := range s.Comments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO comments(board_id,id,deal_id,author,text,ts,ord) VALUES (?,?,?,?,?,?,?)`,
			boardID, c.ID, c.DealID, c.Author, c.Text, formatTime(c.Timestamp), i); err != nil {
			return fmt.Errorf("insert comment %s: %w", c.ID, err)
		}
	}
	for i, a := range s.Attachments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO attachments(board_id,id,deal_id,name,size,mime_type,content_url,uploaded_at,ord) VALUES (?,?,?,?,?,?,?,?,?)`,
			boardID, a.ID, a.DealID, a.Name, a.Size, a.MimeType, a.ContentURL, formatTime(a.UploadedAt), i); err != nil {
			return fmt.Errorf("insert attachment %s: %w", a.ID, err)
		}
	}
	return nil
}

// InsertActivityTx appends activity entries. Entries already stored under the
// same seq are left alone.
func (r Repo) InsertActivityTx(ctx context.Context, tx *sql.Tx, boardID string, entries []domain.ActivityEntry) error {
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO activity(board_id,seq,id,deal_id,type,message,ts,user) VALUES (?,?,?,?,?,?,?,?)`,
			boardID, e.Seq, e.ID, e.DealID, e.Type, e.Message, formatTime(e.Timestamp), e.User); err != nil {
			return fmt.Errorf("insert activity %d: %w", e.Seq, err)
		}
	}
	return nil
}

// LoadSnapshot reads the full board image in snapshot order.
func (r Repo) LoadSnapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	s := domain.Snapshot{
		Stages:      []domain.Stage{},
		Deals:       []domain.Deal{},
		Comments:    []domain.Comment{},
		Attachments: []domain.Attachment{},
		Activity:    []domain.ActivityEntry{},
	}
	var err error
	if s.Stages, err = r.listStages(ctx, boardID); err != nil {
		return s, err
	}
	if s.Deals, err = r.listDeals(ctx, boardID); err != nil {
		return s, err
	}
	if s.Comments, err = r.listComments(ctx, boardID); err != nil {
		return s, err
	}
	if s.Attachments, err = r.listAttachments(ctx, boardID); err != nil {
		return s, err
	}
	if s.Activity, err = r.ListActivity(ctx, ActivityFilters{BoardID: boardID}); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) listStages(ctx context.Context, boardID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,ord,wip_limit FROM stages WHERE board_id=? ORDER BY ord`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Stage{}
	for rows.Next() {
		var st domain.Stage
		var limit sql.NullInt64
		if err := rows.Scan(&st.ID, &st.Name, &st.Order, &limit); err != nil {
			return nil, err
		}
		if limit.Valid {
			v := int(limit.Int64)
			st.WIPLimit = &v
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) listDeals(ctx context.Context, boardID string) ([]domain.Deal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.id,d.title,d.value,COALESCE(d.owner_id,''),d.stage_id,d.position,d.tags_json,d.watchers_json,
COALESCE(d.contact_name,''),COALESCE(d.company,''),d.reminder_date,d.created_at,d.closed_at
FROM deals d JOIN stages s ON s.board_id=d.board_id AND s.id=d.stage_id
WHERE d.board_id=? ORDER BY s.ord, d.position`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Deal{}
	for rows.Next() {
		var (
			d                  domain.Deal
			value, tags, watch string
			created            string
			reminder, closed   sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Title, &value, &d.OwnerID, &d.StageID, &d.Position, &tags, &watch,
			&d.ContactName, &d.Company, &reminder, &created, &closed); err != nil {
			return nil, err
		}
		if d.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("deal %s value: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
			return nil, fmt.Errorf("deal %s tags: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(watch), &d.Watchers); err != nil {
			return nil, fmt.Errorf("deal %s watchers: %w", d.ID, err)
		}
		d.Tags, d.Watchers = emptyToNil(d.Tags), emptyToNil(d.Watchers)
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if d.ReminderDate, err = parseNullTime(reminder); err != nil {
			return nil, err
		}
		if d.ClosedAt, err = parseNullTime(closed); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) listComments(ctx context.Context, boardID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,author,text,ts FROM comments WHERE board_id=? ORDER BY ord`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Comment{}
	for rows.Next() {
		var c domain.Comment
		var ts string
		if err := rows.Scan(&c.ID, &c.DealID, &c.Author, &c.Text, &ts); err != nil {
			return nil, err
		}
		if c.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) listAttachments(ctx context.Context, boardID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,name,size,mime_type,content_url,uploaded_at FROM attachments WHERE board_id=? ORDER BY ord`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Attachment{}
	for rows.Next() {
		var a domain.Attachment
		var ts string
		if err := rows.Scan(&a.ID, &a.DealID, &a.Name, &a.Size, &a.MimeType, &a.ContentURL, &ts); err != nil {
			return nil, err
		}
		if a.UploadedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type ActivityFilters struct {
	BoardID  string
	DealID   string
	Type     string
	AfterSeq int64
	Limit    int
}

// ListActivity returns matching entries newest-first.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	clauses := []string{"board_id=?"}
	args := []any{f.BoardID}
	if f.DealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, f.DealID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	query := `SELECT seq,id,deal_id,type,message,ts,user FROM activity WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ActivityEntry{}
	for rows.Next() {
		var e domain.ActivityEntry
		var ts string
		if err := rows.Scan(&e.Seq, &e.ID, &e.DealID, &e.Type, &e.Message, &ts, &e.User); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LastActivitySeqTx returns the highest stored activity seq of a board.
func (r Repo) LastActivitySeqTx(ctx context.Context, tx *sql.Tx, boardID string) (int64, error) {
	var seq int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM activity WHERE board_id=?`, boardID).Scan(&seq)
	return seq, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, boardID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, boardID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, boardID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if boardID != "" {
		clauses = append(clauses, "board_id=?")
		args = append(args, boardID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(board_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, boardID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if boardID != "" {
		clauses = append(clauses, "board_id=?")
		args = append(args, boardID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(board_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BoardID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a board.
func (r Repo) LatestEventID(ctx context.Context, boardID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE board_id=?`, boardID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyToNil(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}
