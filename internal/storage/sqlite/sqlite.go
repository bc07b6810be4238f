package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/engine"
)

// DB keeps per-account connection state between runs. It implements
// engine.AccountStore.
type DB struct {
	db *sql.DB
}

var _ engine.AccountStore = (*DB)(nil)

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "xmppconn.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection worker writes through the same handle
	db.SetMaxOpenConns(1)

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS account_state (
			account TEXT PRIMARY KEY,
			resource TEXT,
			pinned_mechanism TEXT,
			pinned_priority INTEGER DEFAULT 0,
			fast_mechanism TEXT,
			fast_token TEXT,
			fast_expiry INTEGER DEFAULT 0,
			user_agent_id TEXT,
			quick_start INTEGER DEFAULT 0,
			logged_in_once INTEGER DEFAULT 0,
			register INTEGER,
			updated INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			account TEXT PRIMARY KEY,
			resource TEXT,
			last_connected INTEGER,
			status TEXT,
			error TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// ensure creates the state row of account if it is missing.
func (d *DB) ensure(account string) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO account_state (account, updated)
		VALUES (?, ?)
	`, account, time.Now().Unix())
	return err
}

func (d *DB) update(account, query string, args ...interface{}) error {
	if err := d.ensure(account); err != nil {
		return err
	}
	args = append(args, time.Now().Unix(), account)
	_, err := d.db.Exec(`UPDATE account_state SET `+query+`, updated = ? WHERE account = ?`, args...)
	return err
}

// PersistAccount stores the account flags the engine changes.
func (d *DB) PersistAccount(acct engine.Account) error {
	return d.update(acct.JID.Bare().String(),
		`quick_start = ?, logged_in_once = ?, register = ?, user_agent_id = ?`,
		acct.QuickStart, acct.LoggedInOnce, acct.Register, acct.UserAgentID)
}

// PersistFastToken stores the current FAST token. An empty token removes it.
func (d *DB) PersistFastToken(account jid.JID, mechanism, token string, expiry time.Time) error {
	var exp int64
	if !expiry.IsZero() {
		exp = expiry.Unix()
	}
	return d.update(account.Bare().String(),
		`fast_mechanism = ?, fast_token = ?, fast_expiry = ?`,
		mechanism, token, exp)
}

func (d *DB) PersistPinnedMechanism(account jid.JID, mechanism string, priority int) error {
	return d.update(account.Bare().String(),
		`pinned_mechanism = ?, pinned_priority = ?`,
		mechanism, priority)
}

func (d *DB) PersistResource(account jid.JID, resource string) error {
	return d.update(account.Bare().String(), `resource = ?`, resource)
}

// State is the persisted state of one account.
type State struct {
	Account         string
	Resource        string
	PinnedMechanism string
	PinnedPriority  int
	FastMechanism   string
	FastToken       string
	FastExpiry      time.Time
	UserAgentID     string
	QuickStart      bool
	LoggedInOnce    bool
	// Register is null until the engine stored the account once.
	Register sql.NullBool
	Updated  time.Time
}

const stateColumns = `account, resource, pinned_mechanism, pinned_priority, fast_mechanism, fast_token,
	fast_expiry, user_agent_id, quick_start, logged_in_once, register, updated`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row scanner) (*State, error) {
	var s State
	var resource, pinned, fastMech, fastToken, uaID sql.NullString
	var expiry, updated int64

	err := row.Scan(&s.Account, &resource, &pinned, &s.PinnedPriority, &fastMech, &fastToken,
		&expiry, &uaID, &s.QuickStart, &s.LoggedInOnce, &s.Register, &updated)
	if err != nil {
		return nil, err
	}

	s.Resource = resource.String
	s.PinnedMechanism = pinned.String
	s.FastMechanism = fastMech.String
	s.FastToken = fastToken.String
	s.UserAgentID = uaID.String
	if expiry > 0 {
		s.FastExpiry = time.Unix(expiry, 0)
	}
	s.Updated = time.Unix(updated, 0)
	return &s, nil
}

// GetState returns the state of account, or nil if nothing was stored.
func (d *DB) GetState(account string) (*State, error) {
	s, err := scanState(d.db.QueryRow(`SELECT `+stateColumns+` FROM account_state WHERE account = ?`, account))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *DB) GetAllStates() ([]State, error) {
	rows, err := d.db.Query(`SELECT ` + stateColumns + ` FROM account_state ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}

	return states, rows.Err()
}

// DeleteState forgets everything learned about account.
func (d *DB) DeleteState(account string) error {
	if _, err := d.db.Exec("DELETE FROM account_state WHERE account = ?", account); err != nil {
		return err
	}
	_, err := d.db.Exec("DELETE FROM sessions WHERE account = ?", account)
	return err
}

// Load layers the stored state of acct over its configuration. Expired
// FAST tokens are not handed out.
func (d *DB) Load(acct engine.Account, now time.Time) (engine.Account, error) {
	s, err := d.GetState(acct.JID.Bare().String())
	if err != nil {
		return acct, fmt.Errorf("failed to load account state: %w", err)
	}
	if s == nil {
		return acct, nil
	}

	if s.Resource != "" {
		acct.Resource = s.Resource
	}
	acct.PinnedMechanism = s.PinnedMechanism
	acct.PinnedPriority = s.PinnedPriority
	if s.FastToken != "" && (s.FastExpiry.IsZero() || s.FastExpiry.After(now)) {
		acct.FastMechanism = s.FastMechanism
		acct.FastToken = s.FastToken
	}
	acct.UserAgentID = s.UserAgentID
	acct.QuickStart = s.QuickStart
	acct.LoggedInOnce = s.LoggedInOnce
	if s.Register.Valid {
		acct.Register = acct.Register && s.Register.Bool
	}
	return acct, nil
}

type Session struct {
	Account       string
	Resource      string
	LastConnected time.Time
	Status        string
	Error         string
}

func (d *DB) SaveSession(session Session) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO sessions (account, resource, last_connected, status, error)
		VALUES (?, ?, ?, ?, ?)
	`, session.Account, session.Resource, time.Now().Unix(), session.Status, session.Error)
	return err
}

func (d *DB) GetSession(account string) (*Session, error) {
	var session Session
	var lastConnected int64
	var resource, status, errText sql.NullString

	err := d.db.QueryRow(`
		SELECT account, resource, last_connected, status, error
		FROM sessions
		WHERE account = ?
	`, account).Scan(&session.Account, &resource, &lastConnected, &status, &errText)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session.Resource = resource.String
	session.Status = status.String
	session.Error = errText.String
	session.LastConnected = time.Unix(lastConnected, 0)

	return &session, nil
}
