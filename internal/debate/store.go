package debate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/civicbot/governor/internal/storage"
)

// #region schema
const debateSchema = `
CREATE TABLE IF NOT EXISTS debates (
	id           TEXT PRIMARY KEY,
	question     TEXT NOT NULL,
	options      TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	closed_at    TEXT,
	tally        TEXT,
	ledger_index INTEGER
);

CREATE TABLE IF NOT EXISTS debate_rounds (
	debate_id  TEXT NOT NULL REFERENCES debates(id),
	number     INTEGER NOT NULL,
	arguments  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (debate_id, number)
);

CREATE TABLE IF NOT EXISTS votes (
	question_id TEXT NOT NULL REFERENCES debates(id),
	voter_id    TEXT NOT NULL,
	choice      TEXT NOT NULL,
	challenge   TEXT NOT NULL,
	nonce       TEXT NOT NULL,
	hash        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (question_id, voter_id)
);
`

// #endregion schema

// #region store

type store struct {
	db *sql.DB
}

func newStore(db *sql.DB) (*store, error) {
	if err := storage.Migrate(db, debateSchema); err != nil {
		return nil, fmt.Errorf("debate schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) insert(ctx context.Context, d Debate) error {
	opts, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO debates (id, question, options, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Question, string(opts), string(d.Status), storage.FormatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert debate: %w", err)
	}
	return nil
}

func (s *store) get(ctx context.Context, id string) (Debate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, question, options, status, created_at, closed_at, tally, ledger_index FROM debates WHERE id = ?`, id)
	d, err := scanDebate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Debate{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Debate{}, fmt.Errorf("get debate: %w", err)
	}
	if d.Rounds, err = s.rounds(ctx, id); err != nil {
		return Debate{}, err
	}
	if d.Status == StatusOpen {
		if d.Tally, err = s.tally(ctx, id, d.Options); err != nil {
			return Debate{}, err
		}
	}
	return d, nil
}

func (s *store) list(ctx context.Context) ([]Debate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, options, status, created_at, closed_at, tally, ledger_index FROM debates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list debates: %w", err)
	}
	var out []Debate
	for rows.Next() {
		d, err := scanDebate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Status == StatusOpen {
			if out[i].Tally, err = s.tally(ctx, out[i].ID, out[i].Options); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *store) rounds(ctx context.Context, id string) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT number, arguments, created_at FROM debate_rounds WHERE debate_id = ? ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("load rounds: %w", err)
	}
	defer rows.Close()

	rounds := []Round{}
	for rows.Next() {
		var (
			r       Round
			args    string
			created string
		)
		if err := rows.Scan(&r.Number, &args, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &r.Arguments); err != nil {
			return nil, fmt.Errorf("decode round %d: %w", r.Number, err)
		}
		r.CreatedAt = storage.ParseTime(created)
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *store) insertRound(ctx context.Context, id string, r Round) error {
	args, err := json.Marshal(r.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO debate_rounds (debate_id, number, arguments, created_at) VALUES (?, ?, ?, ?)`,
		id, r.Number, string(args), storage.FormatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *store) close(ctx context.Context, d Debate) error {
	tally, err := json.Marshal(d.Tally)
	if err != nil {
		return fmt.Errorf("marshal tally: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE debates SET status = ?, closed_at = ?, tally = ?, ledger_index = ? WHERE id = ?`,
		string(d.Status), storage.FormatTime(*d.ClosedAt), string(tally), d.LedgerIndex, d.ID)
	if err != nil {
		return fmt.Errorf("close debate: %w", err)
	}
	return nil
}

func (s *store) hasVote(ctx context.Context, questionID, voterID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM votes WHERE question_id = ? AND voter_id = ?`, questionID, voterID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check vote: %w", err)
	}
	return n > 0, nil
}

// insertVote reports false when (question, voter) already exists.
func (s *store) insertVote(ctx context.Context, v Vote) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (question_id, voter_id, choice, challenge, nonce, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(question_id, voter_id) DO NOTHING`,
		v.QuestionID, v.VoterID, v.Choice, v.Proof.Challenge, v.Proof.Nonce, v.Proof.Hash, storage.FormatTime(v.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *store) tally(ctx context.Context, id string, options []string) (map[string]int, error) {
	tally := make(map[string]int, len(options))
	for _, o := range options {
		tally[o] = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT choice, COUNT(*) FROM votes WHERE question_id = ? GROUP BY choice`, id)
	if err != nil {
		return nil, fmt.Errorf("tally: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			choice string
			n      int
		)
		if err := rows.Scan(&choice, &n); err != nil {
			return nil, err
		}
		tally[choice] = n
	}
	return tally, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDebate(row rowScanner) (Debate, error) {
	var (
		d        Debate
		opts     string
		status   string
		created  string
		closedAt sql.NullString
		tally    sql.NullString
		ledgerIx sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Question, &opts, &status, &created, &closedAt, &tally, &ledgerIx); err != nil {
		return Debate{}, err
	}
	if err := json.Unmarshal([]byte(opts), &d.Options); err != nil {
		return Debate{}, fmt.Errorf("decode options: %w", err)
	}
	d.Status = Status(status)
	d.CreatedAt = storage.ParseTime(created)
	if closedAt.Valid {
		t := storage.ParseTime(closedAt.String)
		d.ClosedAt = &t
	}
	if tally.Valid {
		if err := json.Unmarshal([]byte(tally.String), &d.Tally); err != nil {
			return Debate{}, fmt.Errorf("decode tally: %w", err)
		}
	}
	if ledgerIx.Valid {
		ix := ledgerIx.Int64
		d.LedgerIndex = &ix
	}
	return d, nil
}

// #endregion store
