package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/popfuse/popfuse/internal/config"
)

// Store wraps the catalog database connection.
type Store struct {
	conn  *sql.DB
	cache *Cache
}

// NewStore opens the catalog database. The cache is optional; pass nil to
// read straight from SQLite.
func NewStore(cfg config.DatabaseConfig, cache *Cache) (*Store, error) {
	if cfg.Driver == "sqlite3" || cfg.Driver == "sqlite" {
		dir := filepath.Dir(cfg.DSN)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxConns)
	conn.SetMaxIdleConns(cfg.MaxConns / 2)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{conn: conn, cache: cache}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate() error {
	migrations := []string{
		// Users table
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			api_key TEXT UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Campaigns table
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			priority INTEGER DEFAULT 0,
			experiment_id TEXT,
			target_rules TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Experiments table
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Variants table
		`CREATE TABLE IF NOT EXISTS variants (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			traffic_percentage INTEGER NOT NULL,
			is_control INTEGER DEFAULT 0,
			position INTEGER NOT NULL,
			FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE,
			FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_campaigns_store ON campaigns(store_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_variants_experiment ON variants(experiment_id, position)`,
	}

	for _, migration := range migrations {
		if _, err := s.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	if err := s.createDefaultAdmin(); err != nil {
		return fmt.Errorf("failed to create default admin: %w", err)
	}

	return nil
}

func (s *Store) createDefaultAdmin() error {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	if err != nil {
		return err
	}

	if count == 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		apiKey := uuid.New().String()
		_, err = s.conn.Exec(
			`INSERT INTO users (id, username, password_hash, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), "admin", string(hash), apiKey, time.Now(), time.Now(),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// =====================
// Campaign Operations
// =====================

func (s *Store) CreateCampaign(c *Campaign) error {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if !validCampaignStatus(c.Status) {
		return fmt.Errorf("%w: unknown campaign status %q", ErrValidation, c.Status)
	}

	c.ID = uuid.New().String()
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()

	rules, err := marshalRules(c.TargetRules)
	if err != nil {
		return err
	}

	_, err = s.conn.Exec(
		`INSERT INTO campaigns (id, store_id, name, status, priority, experiment_id, target_rules, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.StoreID, c.Name, c.Status, c.Priority, c.ExperimentID, rules, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}

	s.invalidateStore(c.StoreID)
	return nil
}

func (s *Store) GetCampaign(id string) (*Campaign, error) {
	var c Campaign
	var rules sql.NullString
	var experimentID sql.NullString

	err := s.conn.QueryRow(
		`SELECT id, store_id, name, status, priority, experiment_id, target_rules, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.StoreID, &c.Name, &c.Status, &c.Priority, &experimentID, &rules, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: campaign %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	c.ExperimentID = experimentID.String
	if c.TargetRules, err = unmarshalRules(rules); err != nil {
		return nil, err
	}

	return &c, nil
}

// ActiveCampaignsByStore returns the candidate set for the display decision:
// every ACTIVE campaign belonging to the store. This is the hot read on the
// widget path, so it goes through the cache when one is configured.
func (s *Store) ActiveCampaignsByStore(storeID string) ([]Campaign, error) {
	cacheKey := "active:" + storeID
	if s.cache != nil {
		var cached []Campaign
		if ok := s.cache.Get(cacheKey, &cached); ok {
			return cached, nil
		}
	}

	rows, err := s.conn.Query(
		`SELECT id, store_id, name, status, priority, experiment_id, target_rules, created_at, updated_at
		FROM campaigns WHERE store_id = ? AND status = ? ORDER BY priority DESC, id ASC`,
		storeID, StatusActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns, err := scanCampaigns(rows)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(cacheKey, campaigns)
	}
	return campaigns, nil
}

func (s *Store) ListCampaigns(storeID string) ([]Campaign, error) {
	query := `SELECT id, store_id, name, status, priority, experiment_id, target_rules, created_at, updated_at FROM campaigns`
	args := []interface{}{}

	if storeID != "" {
		query += " WHERE store_id = ?"
		args = append(args, storeID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

func (s *Store) UpdateCampaign(c *Campaign) error {
	if !validCampaignStatus(c.Status) {
		return fmt.Errorf("%w: unknown campaign status %q", ErrValidation, c.Status)
	}

	// Fetch the current row first so a store move invalidates the old
	// store's cached candidate list too.
	prev, err := s.GetCampaign(c.ID)
	if err != nil {
		return err
	}

	c.UpdatedAt = time.Now()

	rules, err := marshalRules(c.TargetRules)
	if err != nil {
		return err
	}

	if _, err := s.conn.Exec(
		`UPDATE campaigns SET store_id=?, name=?, status=?, priority=?, experiment_id=?, target_rules=?, updated_at=?
		WHERE id=?`,
		c.StoreID, c.Name, c.Status, c.Priority, c.ExperimentID, rules, c.UpdatedAt, c.ID,
	); err != nil {
		return err
	}

	if prev.StoreID != c.StoreID {
		s.invalidateStore(prev.StoreID)
	}
	s.invalidateStore(c.StoreID)
	return nil
}

func (s *Store) DeleteCampaign(id string) error {
	c, err := s.GetCampaign(id)
	if err != nil {
		return err
	}
	if _, err := s.conn.Exec("DELETE FROM campaigns WHERE id = ?", id); err != nil {
		return err
	}
	s.invalidateStore(c.StoreID)
	return nil
}

func scanCampaigns(rows *sql.Rows) ([]Campaign, error) {
	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		var rules sql.NullString
		var experimentID sql.NullString
		err := rows.Scan(&c.ID, &c.StoreID, &c.Name, &c.Status, &c.Priority, &experimentID, &rules, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, err
		}
		c.ExperimentID = experimentID.String
		if c.TargetRules, err = unmarshalRules(rules); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func marshalRules(r *TargetRules) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: bad target rules: %v", ErrValidation, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalRules(raw sql.NullString) (*TargetRules, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var r TargetRules
	if err := json.Unmarshal([]byte(raw.String), &r); err != nil {
		return nil, fmt.Errorf("%w: bad target rules document: %v", ErrValidation, err)
	}
	return &r, nil
}

func validCampaignStatus(status string) bool {
	switch status {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// =====================
// Experiment Operations
// =====================

func (s *Store) CreateExperiment(e *Experiment) error {
	if e.Status == "" {
		e.Status = ExperimentDraft
	}
	if err := e.Validate(); err != nil {
		return err
	}

	e.ID = uuid.New().String()
	e.CreatedAt = time.Now()
	e.UpdatedAt = time.Now()

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO experiments (id, store_id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.StoreID, e.Name, e.Status, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for i := range e.Variants {
		v := &e.Variants[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.Position = i
		_, err = tx.Exec(
			`INSERT INTO variants (id, experiment_id, campaign_id, traffic_percentage, is_control, position)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, e.ID, v.CampaignID, v.TrafficPercentage, v.IsControl, v.Position,
		)
		if err != nil {
			return err
		}
		// Variant campaigns point back at the experiment so the filter
		// pipeline can resolve them.
		_, err = tx.Exec(`UPDATE campaigns SET experiment_id=? WHERE id=?`, e.ID, v.CampaignID)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.invalidateExperiment(e.ID)
	s.invalidateStore(e.StoreID)
	return nil
}

func (s *Store) GetExperiment(id string) (*Experiment, error) {
	cacheKey := "experiment:" + id
	if s.cache != nil {
		var cached Experiment
		if ok := s.cache.Get(cacheKey, &cached); ok {
			return &cached, nil
		}
	}

	var e Experiment
	err := s.conn.QueryRow(
		`SELECT id, store_id, name, status, created_at, updated_at FROM experiments WHERE id = ?`, id,
	).Scan(&e.ID, &e.StoreID, &e.Name, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: experiment %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(
		`SELECT id, campaign_id, traffic_percentage, is_control, position
		FROM variants WHERE experiment_id = ? ORDER BY position ASC`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.TrafficPercentage, &v.IsControl, &v.Position); err != nil {
			return nil, err
		}
		e.Variants = append(e.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(cacheKey, &e)
	}
	return &e, nil
}

func (s *Store) ListExperiments(storeID string) ([]Experiment, error) {
	query := `SELECT id FROM experiments`
	args := []interface{}{}
	if storeID != "" {
		query += " WHERE store_id = ?"
		args = append(args, storeID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var experiments []Experiment
	for _, id := range ids {
		e, err := s.GetExperiment(id)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, *e)
	}
	return experiments, nil
}

func (s *Store) UpdateExperimentStatus(id, status string) error {
	switch status {
	case ExperimentDraft, ExperimentRunning, ExperimentCompleted:
	default:
		return fmt.Errorf("%w: unknown experiment status %q", ErrValidation, status)
	}

	if status == ExperimentRunning {
		e, err := s.GetExperiment(id)
		if err != nil {
			return err
		}
		e.Status = ExperimentRunning
		if err := e.Validate(); err != nil {
			return err
		}
	}

	res, err := s.conn.Exec(`UPDATE experiments SET status=?, updated_at=? WHERE id=?`, status, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: experiment %s", ErrNotFound, id)
	}

	s.invalidateExperiment(id)
	return nil
}

func (s *Store) DeleteExperiment(id string) error {
	e, err := s.GetExperiment(id)
	if err != nil {
		return err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE campaigns SET experiment_id=NULL WHERE experiment_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM variants WHERE experiment_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM experiments WHERE id=?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.invalidateExperiment(id)
	s.invalidateStore(e.StoreID)
	return nil
}

// =====================
// User Operations
// =====================

func (s *Store) GetUserByUsername(username string) (*User, error) {
	var u User
	var apiKey sql.NullString
	err := s.conn.QueryRow(
		`SELECT id, username, password_hash, api_key, created_at, updated_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &apiKey, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	u.APIKey = apiKey.String
	return &u, nil
}

func (s *Store) GetUserByAPIKey(apiKey string) (*User, error) {
	var u User
	err := s.conn.QueryRow(
		`SELECT id, username, password_hash, api_key, created_at, updated_at FROM users WHERE api_key = ?`, apiKey,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.APIKey, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) invalidateStore(storeID string) {
	if s.cache != nil {
		s.cache.Invalidate("active:" + storeID)
	}
}

func (s *Store) invalidateExperiment(id string) {
	if s.cache != nil {
		s.cache.Invalidate("experiment:" + id)
	}
}
