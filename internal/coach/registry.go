package coach

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinical-coach/internal/metrics"
)

// Options carries the tunables of the engine. Thresholds and weights are the
// observed production defaults; nothing here is hard-coded into components.
type Options struct {
	AskThreshold    float64
	MarginThreshold float64
	Fusion          FusionConfig
	RedFlag         RedFlagConfig
	QuestionBank    map[string][]Question
	AdapterTimeout  time.Duration
	IdleTimeout     time.Duration
	GracePeriod     time.Duration
}

func DefaultOptions() Options {
	return Options{
		AskThreshold:    0.70,
		MarginThreshold: 0.08,
		Fusion:          DefaultFusionConfig(),
		RedFlag:         DefaultRedFlagConfig(),
		AdapterTimeout:  10 * time.Second,
		IdleTimeout:     15 * time.Minute,
		GracePeriod:     30 * time.Second,
	}
}

// Deps are the external collaborators. Extractor and Retriever are required;
// the rest are optional.
type Deps struct {
	Extractor Extractor
	Retriever Retriever
	Imaging   ImageClassifier
	Archiver  Archiver
	Reporter  Reporter
	Escalator Escalator
	Logger    *zap.Logger
}

// Registry maps case ids to live sessions. It is the only structure shared
// across cases; each session's internals are owned by that session alone.
type Registry struct {
	opts Options
	deps Deps
	log  *zap.Logger

	fuser      *Fuser
	classifier *Classifier
	gate       *Gate

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(opts Options, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		opts:       opts,
		deps:       deps,
		log:        deps.Logger,
		fuser:      NewFuser(opts.Fusion, deps.Logger),
		classifier: NewClassifier(opts.RedFlag),
		gate:       NewGate(opts.AskThreshold, opts.MarginThreshold, opts.QuestionBank),
		sessions:   make(map[string]*Session),
	}
}

// CreateCase starts a session, optionally seeded with imaging findings
// available at intake.
func (r *Registry) CreateCase(patientRef string, seed []Finding) string {
	id := uuid.NewString()
	s := newSession(id, patientRef, seed, r.opts, r.deps, r.fuser, r.classifier, r.gate,
		func(hadSnapshot bool) { r.scheduleRelease(id, hadSnapshot) })

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	metrics.ActiveCases.Inc()

	go s.run()
	r.log.Info("case created", zap.String("case_id", id), zap.Int("seed_findings", len(seed)))
	return id
}

func (r *Registry) get(caseID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[caseID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// SubmitUtterance feeds one transcript line to a case. It returns before the
// pipeline runs; results are observed via subscription or polling.
func (r *Registry) SubmitUtterance(caseID, speaker, text string) error {
	s, err := r.get(caseID)
	if err != nil {
		return err
	}
	return s.Submit(speaker, text)
}

// GetSnapshot is the one-shot poll alternative to subscribing.
func (r *Registry) GetSnapshot(caseID string) (HUDSnapshot, error) {
	s, err := r.get(caseID)
	if err != nil {
		return HUDSnapshot{}, err
	}
	return s.CurrentSnapshot(), nil
}

// Subscribe attaches an observer to a case's snapshot stream.
func (r *Registry) Subscribe(caseID string) (*Observer, error) {
	s, err := r.get(caseID)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(), nil
}

// UpdateVitals stages monitor readings for a case's next cycle.
func (r *Registry) UpdateVitals(caseID string, v Vitals) error {
	s, err := r.get(caseID)
	if err != nil {
		return err
	}
	s.StageVitals(v)
	return nil
}

// AttachImage classifies an image asynchronously and stages the findings for
// the case's next cycle. Classifier failure degrades to the prior findings
// and is never surfaced to the uploader.
func (r *Registry) AttachImage(caseID string, image []byte) error {
	s, err := r.get(caseID)
	if err != nil {
		return err
	}
	if len(image) == 0 {
		return ErrInvalidInput
	}
	if r.deps.Imaging == nil {
		return ErrInvalidInput
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, r.opts.AdapterTimeout)
		defer cancel()
		findings, err := r.deps.Imaging.Classify(ctx, image)
		if err != nil {
			r.log.Warn("imaging classification failed, keeping prior findings",
				zap.String("case_id", caseID), zap.Error(err))
			metrics.AdapterFailures.WithLabelValues("imaging").Inc()
			return
		}
		s.StageFindings(findings)
	}()
	return nil
}

// CloseCase terminates a case. A case that never produced a snapshot is
// released immediately; otherwise it lingers for the grace period so a final
// fetch can still succeed.
func (r *Registry) CloseCase(caseID string) error {
	s, err := r.get(caseID)
	if err != nil {
		return err
	}
	s.Close()
	if !s.hasSnapshot() {
		r.remove(caseID)
	}
	return nil
}

// Shutdown aborts every live session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Abort()
	}
}

func (r *Registry) scheduleRelease(caseID string, hadSnapshot bool) {
	if !hadSnapshot || r.opts.GracePeriod <= 0 {
		r.remove(caseID)
		return
	}
	time.AfterFunc(r.opts.GracePeriod, func() { r.remove(caseID) })
}

func (r *Registry) remove(caseID string) {
	r.mu.Lock()
	_, ok := r.sessions[caseID]
	if ok {
		delete(r.sessions, caseID)
	}
	r.mu.Unlock()
	if ok {
		metrics.ActiveCases.Dec()
		r.log.Info("case released", zap.String("case_id", caseID))
	}
}
