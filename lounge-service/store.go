package main

import (
	"context"
	"database/sql"
	"fmt"
)

// Store is the durable membership/chat boundary. The coordinator is the only
// writer; nothing else touches these rows. Implementations must treat the
// membership delete/insert pair in JoinLounge as a single transaction.
type Store interface {
	// CreateLounge inserts the lounge and seats the host, superseding any
	// prior membership of the host in the same transaction. Returns the
	// superseded membership, if there was one.
	CreateLounge(ctx context.Context, lounge *Lounge, host *Membership) (*Membership, error)
	GetLounge(ctx context.Context, loungeID string) (*Lounge, error)
	ListActiveLounges(ctx context.Context) ([]Lounge, error)
	CountActiveLounges(ctx context.Context) (int, error)
	CountMembers(ctx context.Context, loungeID string) (int, error)

	// JoinLounge removes any prior membership of m.UserID and inserts m,
	// atomically, with the target lounge row locked for the capacity check.
	// Returns the superseded membership, if there was one.
	JoinLounge(ctx context.Context, m *Membership) (*Membership, error)
	MembershipByUser(ctx context.Context, userID string) (*Membership, error)
	// RemoveMembership deletes the user's membership if present. Returns the
	// removed row, or nil when there was nothing to remove.
	RemoveMembership(ctx context.Context, userID string) (*Membership, error)
	// RemoveMembershipIfStale deletes only when last_seen predates olderThan,
	// so a heartbeat racing the sweep keeps the seat.
	RemoveMembershipIfStale(ctx context.Context, userID string, olderThan int64) (*Membership, error)
	UpdateMembership(ctx context.Context, m *Membership) error
	TouchPresence(ctx context.Context, userID string, lastSeen int64) error
	ExpiredMemberships(ctx context.Context, olderThan int64) ([]Membership, error)

	SetEmptySince(ctx context.Context, loungeID string, when int64) error
	EmptyLoungesBefore(ctx context.Context, cutoff int64) ([]Lounge, error)
	DeactivateLounge(ctx context.Context, loungeID string) error

	InsertMessage(ctx context.Context, msg *ChatMessage) error
	RecentMessages(ctx context.Context, loungeID string, limit int) ([]ChatMessage, error)

	ListDrinks(ctx context.Context) ([]Drink, error)
}

// pgStore backs Store with PostgreSQL. Timestamps are stored as timestamptz
// and exposed as unix milliseconds.
type pgStore struct {
	db *sql.DB
}

func newPGStore(db *sql.DB) *pgStore {
	return &pgStore{db: db}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

const membershipCols = `id, lounge_id, user_id, cigar_status,
	COALESCE(selected_cigar_id, 0), COALESCE(drink_order_id, 0), drink_progress,
	(extract(epoch FROM joined_at) * 1000)::bigint,
	(extract(epoch FROM last_seen) * 1000)::bigint`

func scanMembership(row interface{ Scan(...any) error }) (*Membership, error) {
	var m Membership
	err := row.Scan(&m.ID, &m.LoungeID, &m.UserID, &m.CigarStatus,
		&m.SelectedCigarID, &m.DrinkOrderID, &m.DrinkProgress,
		&m.JoinedAt, &m.LastSeen)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *pgStore) CreateLounge(ctx context.Context, lounge *Lounge, host *Membership) (*Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin create lounge", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cigar_lounges (id, name, host_user_id, max_members, is_active, created_at)
		 VALUES ($1, $2, $3, $4, TRUE, to_timestamp($5 / 1000.0))`,
		lounge.ID, lounge.Name, lounge.HostUserID, lounge.MaxMembers, lounge.CreatedAt)
	if err != nil {
		return nil, storageErr("insert lounge", err)
	}

	// The host's prior seat elsewhere is superseded in the same transaction.
	// Creating a lounge is a join.
	prev, err := scanMembership(tx.QueryRowContext(ctx,
		`DELETE FROM lounge_members WHERE user_id = $1 RETURNING `+membershipCols,
		host.UserID))
	if err == sql.ErrNoRows {
		prev = nil
	} else if err != nil {
		return nil, storageErr("supersede host membership", err)
	}

	if err := insertMembership(ctx, tx, host); err != nil {
		return nil, storageErr("insert host membership", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit create lounge", err)
	}
	return prev, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMembership(ctx context.Context, ex execer, m *Membership) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO lounge_members
		 (id, lounge_id, user_id, cigar_status, selected_cigar_id, drink_order_id, drink_progress, joined_at, last_seen)
		 VALUES ($1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, 0), $7, to_timestamp($8 / 1000.0), to_timestamp($9 / 1000.0))`,
		m.ID, m.LoungeID, m.UserID, m.CigarStatus, m.SelectedCigarID, m.DrinkOrderID,
		m.DrinkProgress, m.JoinedAt, m.LastSeen)
	return err
}

func (s *pgStore) GetLounge(ctx context.Context, loungeID string) (*Lounge, error) {
	var lg Lounge
	err := s.db.QueryRowContext(ctx,
		`SELECT l.id, l.name, l.host_user_id, l.max_members, l.is_active,
		        (extract(epoch FROM l.created_at) * 1000)::bigint,
		        (SELECT COUNT(*) FROM lounge_members m WHERE m.lounge_id = l.id)
		 FROM cigar_lounges l WHERE l.id = $1`,
		loungeID).Scan(&lg.ID, &lg.Name, &lg.HostUserID, &lg.MaxMembers, &lg.IsActive,
		&lg.CreatedAt, &lg.MemberCount)
	if err == sql.ErrNoRows {
		return nil, ErrLoungeNotFound
	}
	if err != nil {
		return nil, storageErr("get lounge", err)
	}
	return &lg, nil
}

func (s *pgStore) ListActiveLounges(ctx context.Context) ([]Lounge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.name, l.host_user_id, l.max_members, l.is_active,
		        (extract(epoch FROM l.created_at) * 1000)::bigint,
		        (SELECT COUNT(*) FROM lounge_members m WHERE m.lounge_id = l.id)
		 FROM cigar_lounges l
		 WHERE l.is_active
		 ORDER BY l.created_at`)
	if err != nil {
		return nil, storageErr("list lounges", err)
	}
	defer rows.Close()

	var lounges []Lounge
	for rows.Next() {
		var lg Lounge
		if err := rows.Scan(&lg.ID, &lg.Name, &lg.HostUserID, &lg.MaxMembers, &lg.IsActive,
			&lg.CreatedAt, &lg.MemberCount); err != nil {
			return nil, storageErr("scan lounge", err)
		}
		lounges = append(lounges, lg)
	}
	return lounges, rows.Err()
}

func (s *pgStore) CountActiveLounges(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cigar_lounges WHERE is_active`).Scan(&n)
	if err != nil {
		return 0, storageErr("count lounges", err)
	}
	return n, nil
}

func (s *pgStore) CountMembers(ctx context.Context, loungeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lounge_members WHERE lounge_id = $1`, loungeID).Scan(&n)
	if err != nil {
		return 0, storageErr("count members", err)
	}
	return n, nil
}

func (s *pgStore) JoinLounge(ctx context.Context, m *Membership) (*Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin join", err)
	}
	defer tx.Rollback()

	var maxMembers int
	var active bool
	err = tx.QueryRowContext(ctx,
		`SELECT max_members, is_active FROM cigar_lounges WHERE id = $1 FOR UPDATE`,
		m.LoungeID).Scan(&maxMembers, &active)
	if err == sql.ErrNoRows {
		return nil, ErrLoungeNotFound
	}
	if err != nil {
		return nil, storageErr("lock lounge", err)
	}
	if !active {
		return nil, ErrLoungeNotFound
	}

	prev, err := scanMembership(tx.QueryRowContext(ctx,
		`DELETE FROM lounge_members WHERE user_id = $1 RETURNING `+membershipCols,
		m.UserID))
	if err == sql.ErrNoRows {
		prev = nil
	} else if err != nil {
		return nil, storageErr("supersede membership", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lounge_members WHERE lounge_id = $1`, m.LoungeID).Scan(&count)
	if err != nil {
		return nil, storageErr("count members", err)
	}
	if count >= maxMembers {
		return nil, ErrLoungeFull
	}

	if err := insertMembership(ctx, tx, m); err != nil {
		return nil, storageErr("insert membership", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cigar_lounges SET empty_since = NULL WHERE id = $1`, m.LoungeID)
	if err != nil {
		return nil, storageErr("clear empty_since", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit join", err)
	}
	return prev, nil
}

func (s *pgStore) MembershipByUser(ctx context.Context, userID string) (*Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx,
		`SELECT `+membershipCols+` FROM lounge_members WHERE user_id = $1`, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, storageErr("get membership", err)
	}
	return m, nil
}

func (s *pgStore) RemoveMembership(ctx context.Context, userID string) (*Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx,
		`DELETE FROM lounge_members WHERE user_id = $1 RETURNING `+membershipCols, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("remove membership", err)
	}
	return m, nil
}

func (s *pgStore) RemoveMembershipIfStale(ctx context.Context, userID string, olderThan int64) (*Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx,
		`DELETE FROM lounge_members
		 WHERE user_id = $1 AND last_seen < to_timestamp($2 / 1000.0)
		 RETURNING `+membershipCols,
		userID, olderThan))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("remove stale membership", err)
	}
	return m, nil
}

func (s *pgStore) UpdateMembership(ctx context.Context, m *Membership) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lounge_members
		 SET cigar_status = $2, selected_cigar_id = NULLIF($3, 0),
		     drink_order_id = NULLIF($4, 0), drink_progress = $5,
		     last_seen = to_timestamp($6 / 1000.0)
		 WHERE user_id = $1`,
		m.UserID, m.CigarStatus, m.SelectedCigarID, m.DrinkOrderID, m.DrinkProgress, m.LastSeen)
	if err != nil {
		return storageErr("update membership", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotAMember
	}
	return nil
}

func (s *pgStore) TouchPresence(ctx context.Context, userID string, lastSeen int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE lounge_members SET last_seen = to_timestamp($2 / 1000.0) WHERE user_id = $1`,
		userID, lastSeen)
	if err != nil {
		return storageErr("touch presence", err)
	}
	return nil
}

func (s *pgStore) ExpiredMemberships(ctx context.Context, olderThan int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+membershipCols+` FROM lounge_members
		 WHERE last_seen < to_timestamp($1 / 1000.0)
		 ORDER BY lounge_id, user_id`,
		olderThan)
	if err != nil {
		return nil, storageErr("query expired", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, storageErr("scan expired", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (s *pgStore) SetEmptySince(ctx context.Context, loungeID string, when int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cigar_lounges SET empty_since = to_timestamp($2 / 1000.0)
		 WHERE id = $1 AND empty_since IS NULL`,
		loungeID, when)
	if err != nil {
		return storageErr("set empty_since", err)
	}
	return nil
}

func (s *pgStore) EmptyLoungesBefore(ctx context.Context, cutoff int64) ([]Lounge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.name, l.host_user_id, l.max_members, l.is_active,
		        (extract(epoch FROM l.created_at) * 1000)::bigint,
		        (SELECT COUNT(*) FROM lounge_members m WHERE m.lounge_id = l.id)
		 FROM cigar_lounges l
		 WHERE l.is_active AND l.empty_since IS NOT NULL
		   AND l.empty_since < to_timestamp($1 / 1000.0)`,
		cutoff)
	if err != nil {
		return nil, storageErr("query empty lounges", err)
	}
	defer rows.Close()

	var lounges []Lounge
	for rows.Next() {
		var lg Lounge
		if err := rows.Scan(&lg.ID, &lg.Name, &lg.HostUserID, &lg.MaxMembers, &lg.IsActive,
			&lg.CreatedAt, &lg.MemberCount); err != nil {
			return nil, storageErr("scan empty lounge", err)
		}
		lounges = append(lounges, lg)
	}
	return lounges, rows.Err()
}

func (s *pgStore) DeactivateLounge(ctx context.Context, loungeID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cigar_lounges SET is_active = FALSE WHERE id = $1`, loungeID)
	if err != nil {
		return storageErr("deactivate lounge", err)
	}
	return nil
}

func (s *pgStore) InsertMessage(ctx context.Context, msg *ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lounge_chat (id, lounge_id, user_id, message, message_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, to_timestamp($6 / 1000.0))`,
		msg.ID, msg.LoungeID, msg.UserID, msg.Text, msg.Kind, msg.CreatedAt)
	if err != nil {
		return storageErr("insert message", err)
	}
	return nil
}

func (s *pgStore) RecentMessages(ctx context.Context, loungeID string, limit int) ([]ChatMessage, error) {
	// Fetch newest-first, then flip to chronological for the client.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lounge_id, user_id, message, message_type,
		        (extract(epoch FROM created_at) * 1000)::bigint
		 FROM lounge_chat
		 WHERE lounge_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		loungeID, limit)
	if err != nil {
		return nil, storageErr("query messages", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.LoungeID, &m.UserID, &m.Text, &m.Kind, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *pgStore) ListDrinks(ctx context.Context) ([]Drink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, difficulty, COALESCE(description, ''),
		        COALESCE(flavor_profile, ''), COALESCE(alcohol_content, 0), COALESCE(price, 0)
		 FROM drinks ORDER BY category, name`)
	if err != nil {
		return nil, storageErr("list drinks", err)
	}
	defer rows.Close()

	var drinks []Drink
	for rows.Next() {
		var d Drink
		if err := rows.Scan(&d.ID, &d.Name, &d.Category, &d.Difficulty, &d.Description,
			&d.FlavorProfile, &d.AlcoholContent, &d.Price); err != nil {
			return nil, storageErr("scan drink", err)
		}
		drinks = append(drinks, d)
	}
	return drinks, rows.Err()
}
