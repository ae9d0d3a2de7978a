package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/ehr/triage/internal/domain/queue")

// StatusReport summarizes persistence health.
type StatusReport struct {
	PatientCount int      `json:"patientCount"`
	LastID       int      `json:"lastId"`
	BackupExists bool     `json:"backupExists"`
	DataFile     string   `json:"dataFile"`
	Quarantined  []string `json:"quarantined"`
}

// Service is the queue repository. Mutations are serialized through mu and
// follow load, modify a copy, save; the in-memory view of a caller never
// changes unless the save succeeded.
type Service struct {
	mu      sync.Mutex
	store   Store
	catalog *triage.Catalog
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithCatalog makes every stored answer set conform to c. Without it answers
// are stored as given.
func WithCatalog(c *triage.Catalog) Option { return func(s *Service) { s.catalog = c } }

// WithClock overrides the arrival time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func emptyState() QueueState {
	return QueueState{Patients: []Patient{}, LastID: 0}
}

// LoadAll returns the persisted queue. It never fails: an absent or
// unreadable store yields an empty queue and the problem is logged.
func (s *Service) LoadAll(ctx context.Context) QueueState {
	ctx, span := tracer.Start(ctx, "queue.LoadAll")
	defer span.End()

	start := time.Now()
	st, err := s.store.Load(ctx)
	s.metrics.observe("load", time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrStoreEmpty) {
			s.logger.Debug().Msg("queue store empty, starting with an empty queue")
		} else {
			s.metrics.storageError("load")
			span.RecordError(err)
			s.logger.Error().Err(err).Str("store", s.store.Location()).Msg("failed to load queue, serving empty queue")
		}
		return emptyState()
	}
	span.SetAttributes(attribute.Int("queue.patients", len(st.Patients)))
	return st
}

// current loads the state a mutation starts from. Empty and corrupt stores
// heal to an empty queue; any other read failure aborts the mutation so a
// transient I/O error can never overwrite good data.
func (s *Service) current(ctx context.Context) (QueueState, error) {
	start := time.Now()
	st, err := s.store.Load(ctx)
	s.metrics.observe("load", time.Since(start).Seconds())
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, ErrStoreEmpty):
		return emptyState(), nil
	case errors.Is(err, ErrStoreCorrupt):
		s.logger.Warn().Err(err).Msg("queue store corrupt, rebuilding from empty queue; the old document is quarantined on save")
		return emptyState(), nil
	default:
		s.metrics.storageError("load")
		return QueueState{}, &StorageError{Op: "load", Err: err}
	}
}

func (s *Service) save(ctx context.Context, st QueueState) error {
	start := time.Now()
	err := s.store.Save(ctx, st)
	s.metrics.observe("save", time.Since(start).Seconds())
	if err != nil {
		s.metrics.storageError("save")
		return &StorageError{Op: "save", Err: err}
	}
	s.metrics.size(len(st.Patients))
	return nil
}

func failSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Append admits a draft as a new waiting patient with the next sequential id.
func (s *Service) Append(ctx context.Context, d PatientDraft) (p Patient, err error) {
	ctx, span := tracer.Start(ctx, "queue.Append", trace.WithAttributes(
		attribute.Int("patient.esi", int(d.ESI)),
	))
	defer func() {
		failSpan(span, err)
		s.metrics.mutation("append", err)
		span.End()
	}()

	if !d.ESI.Valid() {
		return Patient{}, &ValidationError{Field: "esi", Index: -1, Reason: "must be between 1 and 5"}
	}
	if d.WaitTime < 0 {
		return Patient{}, &ValidationError{Field: "waitTime", Index: -1, Reason: "must not be negative"}
	}
	answers, err := s.conform(d.Answers, -1)
	if err != nil {
		return Patient{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.current(ctx)
	if err != nil {
		return Patient{}, err
	}
	next := st.Clone()
	next.LastID++

	p = Patient{
		ID:             FormatID(next.LastID),
		ESI:            d.ESI,
		Status:         StatusWaiting,
		WaitTime:       d.WaitTime,
		ArrivalTime:    NewArrivalTime(s.now().UTC()),
		ChiefComplaint: d.ChiefComplaint,
	}
	if p.ChiefComplaint == "" {
		p.ChiefComplaint = DefaultChiefComplaint
	}
	if len(answers) > 0 {
		p.Answers = answers
	}
	next.Patients = append(next.Patients, p)

	if err := s.save(ctx, next); err != nil {
		s.logger.Error().Err(err).Str("patient_id", p.ID).Msg("failed to persist new patient")
		return Patient{}, err
	}
	s.metrics.admitted(int(p.ESI))
	span.SetAttributes(attribute.String("patient.id", p.ID))
	s.logger.Info().Str("patient_id", p.ID).Int("esi", int(p.ESI)).Msg("patient added to queue")
	return p, nil
}

// ReplaceAll overwrites the whole queue after validating every entry. Nothing
// is written when validation fails.
func (s *Service) ReplaceAll(ctx context.Context, patients []Patient, lastID int) (err error) {
	ctx, span := tracer.Start(ctx, "queue.ReplaceAll", trace.WithAttributes(
		attribute.Int("queue.patients", len(patients)),
		attribute.Int("queue.last_id", lastID),
	))
	defer func() {
		failSpan(span, err)
		s.metrics.mutation("replace", err)
		span.End()
	}()

	next, err := s.validateReplacement(patients, lastID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(ctx, next); err != nil {
		s.logger.Error().Err(err).Msg("failed to replace queue")
		return err
	}
	s.logger.Info().Int("patients", len(next.Patients)).Int("last_id", next.LastID).Msg("queue replaced")
	return nil
}

// conform checks answers against the catalog and returns a private copy in
// question kinds. index places the error in a bulk payload, or -1.
func (s *Service) conform(answers triage.AnswerSet, index int) (triage.AnswerSet, error) {
	if len(answers) == 0 {
		return nil, nil
	}
	if s.catalog == nil {
		return answers.Clone(), nil
	}
	out, err := s.catalog.Conform(answers)
	if err != nil {
		var te *triage.ValidationError
		if errors.As(err, &te) {
			return nil, &ValidationError{Field: "answers." + te.Field, Index: index, Reason: te.Reason}
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) validateReplacement(patients []Patient, lastID int) (QueueState, error) {
	if lastID < 0 {
		return QueueState{}, &ValidationError{Field: "lastId", Index: -1, Reason: "must not be negative"}
	}
	seen := make(map[string]struct{}, len(patients))
	maxSeq := 0
	out := QueueState{Patients: make([]Patient, 0, len(patients)), LastID: lastID}
	for i, p := range patients {
		seq, ok := ParseID(p.ID)
		if !ok {
			return QueueState{}, &ValidationError{Field: "id", Index: i, Reason: "must look like P001"}
		}
		if _, dup := seen[p.ID]; dup {
			return QueueState{}, &ValidationError{Field: "id", Index: i, Reason: "duplicate id " + p.ID}
		}
		seen[p.ID] = struct{}{}
		if seq > maxSeq {
			maxSeq = seq
		}
		if !p.ESI.Valid() {
			return QueueState{}, &ValidationError{Field: "esi", Index: i, Reason: "must be between 1 and 5"}
		}
		if p.Status == "" {
			p.Status = StatusWaiting
		}
		if !p.Status.Valid() {
			return QueueState{}, &ValidationError{Field: "status", Index: i, Reason: "unknown status " + string(p.Status)}
		}
		if p.WaitTime < 0 {
			return QueueState{}, &ValidationError{Field: "waitTime", Index: i, Reason: "must not be negative"}
		}
		if p.ChiefComplaint == "" {
			p.ChiefComplaint = DefaultChiefComplaint
		}
		answers, err := s.conform(p.Answers, i)
		if err != nil {
			return QueueState{}, err
		}
		p.Answers = answers
		out.Patients = append(out.Patients, p)
	}
	if lastID < maxSeq {
		return QueueState{}, &ValidationError{Field: "lastId", Index: -1, Reason: "must not be below the largest patient id"}
	}
	return out.Clone(), nil
}

// UpdateStatus moves a patient through the department flow.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (Patient, error) {
	if !status.Valid() {
		return Patient{}, &ValidationError{Field: "status", Index: -1, Reason: "unknown status " + string(status)}
	}
	return s.update(ctx, "update_status", id, func(p *Patient) { p.Status = status })
}

// SetESI records a clinician override of the computed acuity.
func (s *Service) SetESI(ctx context.Context, id string, esi triage.ESI) (Patient, error) {
	if !esi.Valid() {
		return Patient{}, &ValidationError{Field: "esi", Index: -1, Reason: "must be between 1 and 5"}
	}
	return s.update(ctx, "set_esi", id, func(p *Patient) { p.ESI = esi })
}

func (s *Service) update(ctx context.Context, op, id string, mutate func(*Patient)) (p Patient, err error) {
	ctx, span := tracer.Start(ctx, "queue."+op, trace.WithAttributes(attribute.String("patient.id", id)))
	defer func() {
		failSpan(span, err)
		s.metrics.mutation(op, err)
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.current(ctx)
	if err != nil {
		return Patient{}, err
	}
	next := st.Clone()
	i := next.indexOf(id)
	if i < 0 {
		return Patient{}, ErrNotFound
	}
	mutate(&next.Patients[i])
	if err := s.save(ctx, next); err != nil {
		return Patient{}, err
	}
	s.logger.Info().Str("patient_id", id).Str("op", op).Msg("patient updated")
	return next.Patients[i], nil
}

// RecoverFromBackup restores the last known-good document over the primary.
func (s *Service) RecoverFromBackup(ctx context.Context) (st QueueState, err error) {
	ctx, span := tracer.Start(ctx, "queue.RecoverFromBackup")
	defer func() {
		failSpan(span, err)
		s.metrics.recovery(err)
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err = s.store.Restore(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoBackup):
		return QueueState{}, &RecoveryError{Reason: "no backup available"}
	case errors.Is(err, ErrStoreCorrupt):
		return QueueState{}, &RecoveryError{Reason: "backup is corrupt", Err: err}
	default:
		s.metrics.storageError("restore")
		return QueueState{}, &RecoveryError{Reason: "restore failed", Err: err}
	}
	s.metrics.size(len(st.Patients))
	s.logger.Warn().Int("patients", len(st.Patients)).Int("last_id", st.LastID).Msg("queue restored from backup")
	return st, nil
}

// Status reports what is persisted without mutating anything.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	ctx, span := tracer.Start(ctx, "queue.Status")
	defer span.End()

	st := s.LoadAll(ctx)
	exists, err := s.store.BackupExists(ctx)
	if err != nil {
		span.RecordError(err)
		return StatusReport{}, &StorageError{Op: "stat backup", Err: err}
	}
	quarantined, err := s.store.Quarantined(ctx)
	if err != nil {
		span.RecordError(err)
		return StatusReport{}, &StorageError{Op: "list quarantine", Err: err}
	}
	if quarantined == nil {
		quarantined = []string{}
	}
	return StatusReport{
		PatientCount: len(st.Patients),
		LastID:       st.LastID,
		BackupExists: exists,
		DataFile:     s.store.Location(),
		Quarantined:  quarantined,
	}, nil
}
