package ideas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/calendar"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/generator"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/metrics"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew   = "ideas.service.new"
	opGetOrCreate  = "ideas.get_or_create"
	opListArchive  = "ideas.list_archive"
	opListDates    = "ideas.list_dates"
	fieldDate      = "date"
	columnDate     = "date"
	queryDate      = columnDate + " = ?"
	queryDateBelow = columnDate + " < ?"
	orderDateDesc  = columnDate + " DESC"

	reasonMissingDatabase  = "missing_database"
	reasonMissingGenerator = "missing_generator"
	reasonInvalidDate      = "invalid_date"
	reasonLookupFailed     = "lookup_failed"
	reasonPreviousFailed   = "previous_lookup_failed"
	reasonGenerateFailed   = "generate_failed"
	reasonInsertFailed     = "insert_failed"
	reasonRereadFailed     = "reread_failed"
	reasonCacheFailed      = "cache_failed"
	reasonQueryFailed      = "query_failed"

	defaultArchiveLimit      = 20
	maxArchiveLimit          = 100
	defaultGenerationTimeout = 90 * time.Second
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingGenerator = errors.New("idea generator is required")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Cache is an optional read-through layer in front of the database. Only persisted
// records are ever stored in it.
type Cache interface {
	Get(ctx context.Context, date calendar.DateKey) (Record, bool, error)
	Set(ctx context.Context, record Record) error
}

// ServiceConfig describes the dependencies of the daily idea sequencer.
type ServiceConfig struct {
	Database  *gorm.DB
	Generator generator.IdeaGenerator
	Cache     Cache
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Recorder

	// GenerationTimeout bounds one shared generation; callers leaving early do not cancel it.
	GenerationTimeout time.Duration
}

// Service serves one immutable idea per calendar date, generating it on first read.
type Service struct {
	db        *gorm.DB
	generator generator.IdeaGenerator
	cache     Cache
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Recorder
	inflight  singleflight.Group

	generationTimeout time.Duration
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Generator == nil {
		return nil, newServiceError(opServiceNew, reasonMissingGenerator, errMissingGenerator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	generationTimeout := cfg.GenerationTimeout
	if generationTimeout <= 0 {
		generationTimeout = defaultGenerationTimeout
	}
	return &Service{
		db:                cfg.Database,
		generator:         cfg.Generator,
		cache:             cfg.Cache,
		clock:             clock,
		logger:            logger,
		metrics:           cfg.Metrics,
		generationTimeout: generationTimeout,
	}, nil
}

// Today returns the current UTC date according to the service clock.
func (s *Service) Today() calendar.DateKey {
	return calendar.NewDateKey(s.clock())
}

// GetOrCreate returns the stored idea for date, generating and persisting it on a miss.
// Upstream and store failures never surface as errors: a placeholder or an unpersisted
// record is returned instead. The only error is an invalid date.
func (s *Service) GetOrCreate(ctx context.Context, date calendar.DateKey) (Record, error) {
	if !date.Valid() {
		return Record{}, newServiceError(opGetOrCreate, reasonInvalidDate, calendar.ErrInvalidDate)
	}

	if record, ok := s.cacheGet(ctx, date); ok {
		s.metrics.IdeaLookup(metrics.IdeaLookupCacheHit)
		return record, nil
	}

	storeHealthy := true
	existing, found, err := s.findByDate(ctx, date)
	switch {
	case err != nil:
		storeHealthy = false
		s.logError(opGetOrCreate, reasonLookupFailed, err, zap.String(fieldDate, date.String()))
	case found:
		s.metrics.IdeaLookup(metrics.IdeaLookupHit)
		s.cacheSet(ctx, existing)
		return existing, nil
	}
	s.metrics.IdeaLookup(metrics.IdeaLookupMiss)

	// the generation is shared by every waiter, so it must outlive the caller that started it.
	result, _, _ := s.inflight.Do(date.String(), func() (interface{}, error) {
		generationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.generationTimeout)
		defer cancel()
		return s.generateAndPersist(generationCtx, date, storeHealthy), nil
	})
	return result.(Record), nil
}

func (s *Service) generateAndPersist(ctx context.Context, date calendar.DateKey, storeHealthy bool) Record {
	var (
		issueNumber int64
		avoid       *generator.PreviousIdea
		persistable = storeHealthy
	)
	if storeHealthy {
		previous, found, err := s.findPrevious(ctx, date)
		switch {
		case err != nil:
			// without the predecessor the issue number is unknown; never persist a guess.
			persistable = false
			s.logError(opGetOrCreate, reasonPreviousFailed, err, zap.String(fieldDate, date.String()))
		case found:
			issueNumber = previous.IssueNumber + 1
			avoid = previous.previousIdea()
			if previous.Date != date.Previous() {
				s.logger.Info("daily idea chain has a gap",
					zap.String(fieldDate, date.String()),
					zap.String("previous_date", previous.Date.String()))
			}
		default:
			issueNumber = 1
		}
	}

	idea, err := s.generator.GenerateIdea(ctx, generator.NewIdeaRequest(date, avoid))
	if err != nil {
		s.logError(opGetOrCreate, reasonGenerateFailed, err, zap.String(fieldDate, date.String()))
		s.metrics.IdeaGeneration(metrics.IdeaGenerationPlaceholder)
		return Placeholder(date)
	}

	model := DailyIdea{
		Date:             date.String(),
		IssueNumber:      issueNumber,
		Seed:             calendar.Seed(date),
		Title:            idea.Title,
		Pitch:            idea.Pitch,
		FatalFlaw:        idea.FatalFlaw,
		Verdict:          idea.Verdict,
		Slug:             slug.Make(idea.Title),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	generated := recordFromModel(model)
	generated.Cached = false

	if !persistable {
		s.metrics.IdeaGeneration(metrics.IdeaGenerationUnpersisted)
		return generated
	}

	createResult := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnDate}}, DoNothing: true}).
		Create(&model)
	if createResult.Error != nil {
		s.logError(opGetOrCreate, reasonInsertFailed, createResult.Error, zap.String(fieldDate, date.String()))
		s.metrics.IdeaGeneration(metrics.IdeaGenerationUnpersisted)
		return generated
	}

	if createResult.RowsAffected == 0 {
		s.metrics.IdeaGeneration(metrics.IdeaGenerationConflict)
		stored, found, err := s.findByDate(ctx, date)
		if err != nil || !found {
			s.logError(opGetOrCreate, reasonRereadFailed, err, zap.String(fieldDate, date.String()))
			return generated
		}
		s.cacheSet(ctx, stored)
		return stored
	}

	s.metrics.IdeaGeneration(metrics.IdeaGenerationPersisted)
	s.logger.Info("daily idea generated",
		zap.String(fieldDate, date.String()),
		zap.Int64("issue_number", issueNumber))
	s.cacheSet(ctx, generated)
	return generated
}

// ArchivePage is one page of stored ideas, newest first.
type ArchivePage struct {
	Records []Record
	Total   int64
}

// ListArchive returns stored ideas ordered by date descending.
func (s *Service) ListArchive(ctx context.Context, limit, offset int) (ArchivePage, error) {
	if limit <= 0 {
		limit = defaultArchiveLimit
	}
	if limit > maxArchiveLimit {
		limit = maxArchiveLimit
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&DailyIdea{}).Count(&total).Error; err != nil {
		s.logError(opListArchive, reasonQueryFailed, err)
		return ArchivePage{}, newServiceError(opListArchive, reasonQueryFailed, err)
	}

	var models []DailyIdea
	if err := s.db.WithContext(ctx).
		Order(orderDateDesc).
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		s.logError(opListArchive, reasonQueryFailed, err)
		return ArchivePage{}, newServiceError(opListArchive, reasonQueryFailed, err)
	}

	records := make([]Record, 0, len(models))
	for _, model := range models {
		records = append(records, recordFromModel(model))
	}
	return ArchivePage{Records: records, Total: total}, nil
}

// ListDates returns every date with a stored idea, newest first.
func (s *Service) ListDates(ctx context.Context) ([]calendar.DateKey, error) {
	var dates []string
	if err := s.db.WithContext(ctx).
		Model(&DailyIdea{}).
		Order(orderDateDesc).
		Pluck(columnDate, &dates).Error; err != nil {
		s.logError(opListDates, reasonQueryFailed, err)
		return nil, newServiceError(opListDates, reasonQueryFailed, err)
	}
	keys := make([]calendar.DateKey, 0, len(dates))
	for _, date := range dates {
		keys = append(keys, calendar.DateKey(date))
	}
	return keys, nil
}

func (s *Service) findByDate(ctx context.Context, date calendar.DateKey) (Record, bool, error) {
	var model DailyIdea
	err := s.db.WithContext(ctx).Where(queryDate, date.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return recordFromModel(model), true, nil
}

// findPrevious locates the most recent record strictly before date. For a gap-free
// chain this is the record of the preceding calendar day.
func (s *Service) findPrevious(ctx context.Context, date calendar.DateKey) (Record, bool, error) {
	var model DailyIdea
	err := s.db.WithContext(ctx).
		Where(queryDateBelow, date.String()).
		Order(orderDateDesc).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return recordFromModel(model), true, nil
}

func (s *Service) cacheGet(ctx context.Context, date calendar.DateKey) (Record, bool) {
	if s.cache == nil {
		return Record{}, false
	}
	record, ok, err := s.cache.Get(ctx, date)
	if err != nil {
		s.logger.Warn("idea cache read failed", zap.String(fieldDate, date.String()), zap.Error(err))
		return Record{}, false
	}
	return record, ok
}

func (s *Service) cacheSet(ctx context.Context, record Record) {
	if s.cache == nil || record.Placeholder {
		return
	}
	stored := record
	stored.Cached = true
	if err := s.cache.Set(ctx, stored); err != nil {
		s.logger.Warn("idea cache write failed", zap.String("reason", reasonCacheFailed), zap.String(fieldDate, record.Date.String()), zap.Error(err))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ideas service error", attrs...)
}
