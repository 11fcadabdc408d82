package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/forgeml/mediaflow/types"
)

// DatabaseConfig selects and configures the SQL backend.
type DatabaseConfig struct {
	// Driver is one of sqlite, mysql, postgres.
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string. For sqlite this is a
	// file path or ":memory:".
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// OpenDialector maps a driver name to a gorm dialector.
func OpenDialector(cfg DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return sqlite.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// generationRecord is the database row shape. Structured fields are
// stored as JSON text so the schema stays identical across drivers.
type generationRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	ProviderID string `gorm:"size:64;index"`
	ModelID    string `gorm:"size:128;index"`

	Prompt      string `gorm:"type:text"`
	InputImages string `gorm:"type:text"`
	NumOutputs  int
	Parameters  string `gorm:"type:text"`

	Status       string `gorm:"size:16;index"`
	Results      string `gorm:"type:text"`
	ErrorMessage string `gorm:"type:text"`

	ProviderTaskID string `gorm:"size:128"`
	Progress       int

	RequestPayload  []byte
	ResponsePayload []byte

	ClientKeyHash   string `gorm:"size:128;index"`
	ClientKeyPrefix string `gorm:"size:16"`

	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	CompletedAt *time.Time
	DeletedAt   *time.Time `gorm:"index"`
}

func (generationRecord) TableName() string { return "generation_requests" }

// DBStore is a gorm-backed GenerationStore.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore opens the database and migrates the schema.
func NewDBStore(cfg DatabaseConfig) (*DBStore, error) {
	dialector, err := OpenDialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&generationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &DBStore{db: db}, nil
}

// NewDBStoreWithDB wraps an existing gorm handle. Used by tests.
func NewDBStoreWithDB(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Create(ctx context.Context, req *types.GenerationRequest) error {
	if err := validateCreate(req); err != nil {
		return err
	}

	now := time.Now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	rec, err := toRecord(req)
	if err != nil {
		return err
	}
	// OnConflict DoNothing keeps duplicate detection portable across
	// drivers; a zero-row insert means the ID is already taken.
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidInput
	}
	return nil
}

func (s *DBStore) Get(ctx context.Context, id string) (*types.GenerationRequest, error) {
	var rec generationRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

func (s *DBStore) List(ctx context.Context, filter Filter) ([]*types.GenerationRequest, error) {
	q := s.db.WithContext(ctx).Model(&generationRecord{})
	if !filter.IncludeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.ProviderID != "" {
		q = q.Where("provider_id = ?", filter.ProviderID)
	}
	if filter.ModelID != "" {
		q = q.Where("model_id = ?", filter.ModelID)
	}
	if !filter.CreatedAfter.IsZero() {
		q = q.Where("created_at > ?", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", filter.CreatedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []generationRecord
	if err := q.Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]*types.GenerationRequest, 0, len(recs))
	for i := range recs {
		req, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// priorStatuses lists the statuses a transition into next is legal from.
func priorStatuses(next types.Status) []string {
	var out []string
	for _, s := range []types.Status{types.StatusPending, types.StatusProcessing} {
		if s.CanTransition(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func (s *DBStore) UpdateStatus(ctx context.Context, id string, status types.Status, results []types.Artifact, errMsg string) error {
	if err := validateStatusWrite(status, results, errMsg); err != nil {
		return err
	}
	prior := priorStatuses(status)
	if len(prior) == 0 {
		return ErrInvalidTransition
	}

	resultsJSON := ""
	if results != nil {
		b, err := json.Marshal(results)
		if err != nil {
			return err
		}
		resultsJSON = string(b)
	}

	updates := map[string]any{
		"status":        string(status),
		"results":       resultsJSON,
		"error_message": errMsg,
		"updated_at":    time.Now(),
	}
	if status.IsTerminal() {
		updates["completed_at"] = time.Now()
	}

	// The status guard rides inside the UPDATE so concurrent writers
	// cannot regress a terminal record between read and write.
	res := s.db.WithContext(ctx).Model(&generationRecord{}).
		Where("id = ? AND deleted_at IS NULL AND status IN ?", id, prior).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.explainMissedWrite(ctx, id)
	}
	return nil
}

func (s *DBStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	res := s.db.WithContext(ctx).Model(&generationRecord{}).
		Where("id = ? AND deleted_at IS NULL AND status IN ?",
			id, []string{string(types.StatusPending), string(types.StatusProcessing)}).
		Updates(map[string]any{"progress": progress, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Stale progress against a terminal record is dropped silently,
		// but a missing record is still reported.
		var count int64
		if err := s.db.WithContext(ctx).Model(&generationRecord{}).
			Where("id = ? AND deleted_at IS NULL", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *DBStore) SetProviderTask(ctx context.Context, id, providerTaskID string) error {
	if providerTaskID == "" {
		return ErrInvalidInput
	}
	res := s.db.WithContext(ctx).Model(&generationRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{"provider_task_id": providerTaskID, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DBStore) AttachPayloads(ctx context.Context, id string, request, response []byte) error {
	res := s.db.WithContext(ctx).Model(&generationRecord{}).
		Where("id = ? AND deleted_at IS NULL AND request_payload IS NULL AND response_payload IS NULL", id).
		Updates(map[string]any{
			"request_payload":  request,
			"response_payload": response,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&generationRecord{}).
			Where("id = ? AND deleted_at IS NULL", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrPayloadExists
	}
	return nil
}

func (s *DBStore) SoftDelete(ctx context.Context, id string) error {
	terminal := []string{
		string(types.StatusSuccess),
		string(types.StatusFailed),
		string(types.StatusCancelled),
	}
	res := s.db.WithContext(ctx).Model(&generationRecord{}).
		Where("id = ? AND deleted_at IS NULL AND status IN ?", id, terminal).
		Updates(map[string]any{"deleted_at": time.Now(), "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&generationRecord{}).
			Where("id = ? AND deleted_at IS NULL", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrNotTerminal
	}
	return nil
}

func (s *DBStore) ListRecoverable(ctx context.Context) ([]*types.GenerationRequest, error) {
	var recs []generationRecord
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL AND status IN ?",
			[]string{string(types.StatusPending), string(types.StatusProcessing)}).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]*types.GenerationRequest, 0, len(recs))
	for i := range recs {
		req, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *DBStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	terminal := []string{
		string(types.StatusSuccess),
		string(types.StatusFailed),
		string(types.StatusCancelled),
	}
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Delete(&generationRecord{})
	return int(res.RowsAffected), res.Error
}

func (s *DBStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int)}

	var total int64
	if err := s.db.WithContext(ctx).Model(&generationRecord{}).Count(&total).Error; err != nil {
		return nil, err
	}
	stats.Total = int(total)

	var deleted int64
	if err := s.db.WithContext(ctx).Model(&generationRecord{}).
		Where("deleted_at IS NOT NULL").Count(&deleted).Error; err != nil {
		return nil, err
	}
	stats.Deleted = int(deleted)

	type statusCount struct {
		Status string
		N      int
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).Model(&generationRecord{}).
		Select("status, count(*) as n").
		Where("deleted_at IS NULL").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.N
	}
	return stats, nil
}

func (s *DBStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// explainMissedWrite turns a zero-row UPDATE into the precise error.
func (s *DBStore) explainMissedWrite(ctx context.Context, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&generationRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func toRecord(req *types.GenerationRequest) (*generationRecord, error) {
	rec := &generationRecord{
		ID:              req.ID,
		ProviderID:      req.ProviderID,
		ModelID:         req.ModelID,
		Prompt:          req.Prompt,
		NumOutputs:      req.NumOutputs,
		Status:          string(req.Status),
		ErrorMessage:    req.ErrorMessage,
		ProviderTaskID:  req.ProviderTaskID,
		Progress:        req.Progress,
		RequestPayload:  req.RequestPayload,
		ResponsePayload: req.ResponsePayload,
		ClientKeyHash:   req.ClientKeyHash,
		ClientKeyPrefix: req.ClientKeyPrefix,
		CreatedAt:       req.CreatedAt,
		UpdatedAt:       req.UpdatedAt,
		CompletedAt:     req.CompletedAt,
		DeletedAt:       req.DeletedAt,
	}

	if req.InputImages != nil {
		b, err := json.Marshal(req.InputImages)
		if err != nil {
			return nil, err
		}
		rec.InputImages = string(b)
	}
	if req.Parameters != nil {
		b, err := json.Marshal(req.Parameters)
		if err != nil {
			return nil, err
		}
		rec.Parameters = string(b)
	}
	if req.Results != nil {
		b, err := json.Marshal(req.Results)
		if err != nil {
			return nil, err
		}
		rec.Results = string(b)
	}
	return rec, nil
}

func fromRecord(rec *generationRecord) (*types.GenerationRequest, error) {
	req := &types.GenerationRequest{
		ID:              rec.ID,
		ProviderID:      rec.ProviderID,
		ModelID:         rec.ModelID,
		Prompt:          rec.Prompt,
		NumOutputs:      rec.NumOutputs,
		Status:          types.Status(rec.Status),
		ErrorMessage:    rec.ErrorMessage,
		ProviderTaskID:  rec.ProviderTaskID,
		Progress:        rec.Progress,
		RequestPayload:  rec.RequestPayload,
		ResponsePayload: rec.ResponsePayload,
		ClientKeyHash:   rec.ClientKeyHash,
		ClientKeyPrefix: rec.ClientKeyPrefix,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		CompletedAt:     rec.CompletedAt,
		DeletedAt:       rec.DeletedAt,
	}

	if rec.InputImages != "" {
		if err := json.Unmarshal([]byte(rec.InputImages), &req.InputImages); err != nil {
			return nil, err
		}
	}
	if rec.Parameters != "" {
		if err := json.Unmarshal([]byte(rec.Parameters), &req.Parameters); err != nil {
			return nil, err
		}
	}
	if rec.Results != "" {
		if err := json.Unmarshal([]byte(rec.Results), &req.Results); err != nil {
			return nil, err
		}
	}
	return req, nil
}

var _ GenerationStore = (*DBStore)(nil)
