package coach

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"clinical-coach/internal/metrics"
)

// Extractor turns the transcript so far into structured clinical facts and a
// retrieval query string.
type Extractor interface {
	Extract(ctx context.Context, transcript []Utterance) (Facts, string, error)
}

// Retriever returns ranked candidate conditions with supporting evidence for
// a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]CandidateEvidence, error)
}

// ImageClassifier returns labeled findings with probabilities for an image.
type ImageClassifier interface {
	Classify(ctx context.Context, image []byte) ([]Finding, error)
}

// Archiver persists a finished case for audit.
type Archiver interface {
	ArchiveCase(ctx context.Context, record CaseRecord) error
}

// Reporter renders and stores a human-readable summary of a finished case.
type Reporter interface {
	Report(ctx context.Context, record CaseRecord) error
}

// Escalator pushes a newly-raised critical alert to an external channel.
type Escalator interface {
	Escalate(ctx context.Context, caseID string, alert RedFlagAlert) error
}

const observerBuffer = 32

// Session owns one case's lifecycle. All mutation happens either under mu or
// inside the single run goroutine; utterance cycles for one case are strictly
// serialized so snapshot N is always broadcast before snapshot N+1.
type Session struct {
	id         string
	patientRef string
	openedAt   time.Time

	opts       Options
	extractor  Extractor
	retriever  Retriever
	fuser      *Fuser
	classifier *Classifier
	gate       *Gate
	archiver   Archiver
	reporter   Reporter
	escalator  Escalator
	log        *zap.Logger
	release    func(hadSnapshot bool)

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu           sync.Mutex
	status       CaseStatus
	transcript   []Utterance
	pending      []Utterance
	nextSeq      int64
	snapshot     *HUDSnapshot
	facts        Facts
	candidates   []CandidateEvidence
	findings     []Finding
	stagedVitals Vitals
	asked        map[string]bool
	lastLeader   string
	activeAlerts map[string]bool
	observers    map[*Observer]struct{}
}

func newSession(id, patientRef string, seed []Finding, opts Options, deps Deps,
	fuser *Fuser, classifier *Classifier, gate *Gate, release func(bool)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           id,
		patientRef:   patientRef,
		openedAt:     time.Now(),
		opts:         opts,
		extractor:    deps.Extractor,
		retriever:    deps.Retriever,
		fuser:        fuser,
		classifier:   classifier,
		gate:         gate,
		archiver:     deps.Archiver,
		reporter:     deps.Reporter,
		escalator:    deps.Escalator,
		log:          deps.Logger.With(zap.String("case_id", id)),
		release:      release,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		status:       StatusActive,
		findings:     seed,
		asked:        make(map[string]bool),
		activeAlerts: make(map[string]bool),
		observers:    make(map[*Observer]struct{}),
	}
}

// Submit appends one utterance and wakes the pipeline. It returns
// immediately; the result is observed through subscriptions.
func (s *Session) Submit(speaker, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrCaseClosed
	}
	s.nextSeq++
	utt := Utterance{Sequence: s.nextSeq, Speaker: speaker, Text: text, ReceivedAt: time.Now()}
	s.transcript = append(s.transcript, utt)
	s.pending = append(s.pending, utt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// StageVitals records monitor readings for the next processing cycle.
// Vitals alone never broadcast: basedOnSequence must stay gapless.
func (s *Session) StageVitals(v Vitals) {
	s.mu.Lock()
	s.stagedVitals = s.stagedVitals.Merge(v)
	s.mu.Unlock()
}

// StageFindings replaces the imaging findings used from the next cycle on.
func (s *Session) StageFindings(findings []Finding) {
	s.mu.Lock()
	s.findings = findings
	s.mu.Unlock()
}

// CurrentSnapshot returns the latest snapshot, or an empty one when no cycle
// has completed yet.
func (s *Session) CurrentSnapshot() HUDSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil {
		return *s.snapshot
	}
	return HUDSnapshot{CaseID: s.id, Status: s.status, Alerts: []RedFlagAlert{}, RankedConditions: []RankedCondition{}}
}

func (s *Session) hasSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot != nil
}

// Subscribe registers an observer. The first delivery is the current snapshot
// if one exists. Subscribing to an already-finished case yields that snapshot
// and an immediate closed event.
func (s *Session) Subscribe() *Observer {
	o := &Observer{session: s, ch: make(chan ObserverEvent, observerBuffer)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil {
		snap := *s.snapshot
		o.ch <- ObserverEvent{Kind: EventSnapshot, Snapshot: &snap}
		o.lastSeq = snap.BasedOnSequence
	}
	if s.status.Terminal() {
		o.ch <- ObserverEvent{Kind: EventClosed}
		close(o.ch)
		o.dead = true
		return o
	}
	s.observers[o] = struct{}{}
	return o
}

func (s *Session) unsubscribe(o *Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.dead {
		return
	}
	delete(s.observers, o)
	close(o.ch)
	o.dead = true
}

// Close concludes the case on explicit stop. In-flight adapter calls are
// cancelled; a cancelled cycle never broadcasts.
func (s *Session) Close() {
	s.setTerminal(StatusConcluded)
}

// Abort tears the case down without conclusion semantics, e.g. on process
// shutdown.
func (s *Session) Abort() {
	s.setTerminal(StatusAborted)
}

func (s *Session) setTerminal(status CaseStatus) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) run() {
	idle := time.NewTimer(s.opts.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.finish()
			return
		case <-s.wake:
			for {
				utt, ok := s.takePending()
				if !ok {
					break
				}
				s.cycle(utt)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.opts.IdleTimeout)
		case <-idle.C:
			s.log.Info("idle timeout, concluding case")
			s.setTerminal(StatusConcluded)
		}
	}
}

func (s *Session) takePending() (Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Utterance{}, false
	}
	utt := s.pending[0]
	s.pending = s.pending[1:]
	return utt, true
}

// cycle runs the full pipeline for one utterance: extraction, retrieval,
// fusion, red-flag classification, gating, snapshot swap, broadcast. Adapter
// failures degrade to the last known value for that modality; the HUD must
// never silently freeze on a transient outage.
func (s *Session) cycle(utt Utterance) {
	s.mu.Lock()
	prefix := make([]Utterance, utt.Sequence)
	copy(prefix, s.transcript[:utt.Sequence])
	prevFacts := s.facts
	prevCandidates := s.candidates
	staged := s.stagedVitals
	findings := append([]Finding(nil), s.findings...)
	s.mu.Unlock()

	facts, query, err := s.extract(prefix)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("extraction failed, reusing previous facts", zap.Error(err))
		metrics.AdapterFailures.WithLabelValues("extraction").Inc()
		facts = prevFacts
		query = ""
	}
	// Transcript-derived vitals overlay the staged monitor readings.
	facts.Vitals = staged.Merge(facts.Vitals)

	if query == "" {
		query = fallbackQuery(prefix)
	}
	candidates, err := s.retrieve(query)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("retrieval failed, reusing previous candidates", zap.Error(err))
		metrics.AdapterFailures.WithLabelValues("retrieval").Inc()
		candidates = prevCandidates
	}

	ranked := s.fuser.Fuse(candidates, findings)
	alerts := s.classifier.Classify(facts, ranked)
	risks := AnalyzeRiskFactors(facts)
	top, margin := ConfidenceAndMargin(ranked)

	s.mu.Lock()
	if s.status.Terminal() || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}

	leader := ""
	if len(ranked) > 0 {
		leader = ranked[0].Condition
	}
	if leader != s.lastLeader {
		// A new leading condition re-opens scoring and re-arms the
		// asked-question set.
		s.asked = make(map[string]bool)
		if s.status == StatusAwaitingInput {
			s.status = StatusActive
		}
	}

	snap := HUDSnapshot{
		CaseID:           s.id,
		BasedOnSequence:  utt.Sequence,
		RankedConditions: ranked,
		TopConfidence:    top,
		Margin:           margin,
		Alerts:           alerts,
		RiskFactors:      risks,
		GeneratedAt:      time.Now(),
	}
	if s.status == StatusAwaitingInput {
		snap.Concluded = true
	} else {
		switch dec := s.gate.Decide(ranked, top, margin, facts, s.asked); dec.Kind {
		case DecisionDone:
			snap.Concluded = true
			s.status = StatusAwaitingInput
		case DecisionAsk:
			snap.NextQuestion = dec.Question
			s.asked[dec.Question] = true
		}
	}
	snap.Status = s.status

	s.facts = facts
	s.candidates = candidates
	s.lastLeader = leader
	s.snapshot = &snap

	// Alert transitions: an alert is announced only when it appears after
	// being absent, never re-announced while continuously true.
	var raised []RedFlagAlert
	active := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		active[a.AlertID] = true
		if !s.activeAlerts[a.AlertID] && a.Severity == SeverityCritical {
			raised = append(raised, a)
		}
	}
	s.activeAlerts = active

	s.broadcastLocked(ObserverEvent{Kind: EventSnapshot, Snapshot: &snap})
	s.mu.Unlock()

	metrics.UtterancesProcessed.Inc()
	for _, a := range raised {
		s.escalate(a)
	}
}

func (s *Session) extract(prefix []Utterance) (Facts, string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.AdapterTimeout)
	defer cancel()
	return s.extractor.Extract(ctx, prefix)
}

func (s *Session) retrieve(query string) ([]CandidateEvidence, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.AdapterTimeout)
	defer cancel()
	return s.retriever.Retrieve(ctx, query)
}

func (s *Session) escalate(alert RedFlagAlert) {
	if s.escalator == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.AdapterTimeout)
		defer cancel()
		if err := s.escalator.Escalate(ctx, s.id, alert); err != nil {
			s.log.Warn("alert escalation failed", zap.String("alert_id", alert.AlertID), zap.Error(err))
		}
	}()
}

// broadcastLocked delivers an event to every observer. A full observer buffer
// means the subscriber is not keeping up; it is dropped rather than allowed
// to back-pressure the pipeline.
func (s *Session) broadcastLocked(ev ObserverEvent) {
	for o := range s.observers {
		select {
		case o.ch <- ev:
			if ev.Snapshot != nil {
				o.lastSeq = ev.Snapshot.BasedOnSequence
			}
		default:
			delete(s.observers, o)
			close(o.ch)
			o.dead = true
			metrics.ObserversDropped.Inc()
			s.log.Warn("dropped slow observer", zap.Int64("last_sequence", o.lastSeq))
		}
	}
	metrics.SnapshotsBroadcast.Inc()
}

// finish runs once, in the run goroutine, after the context is cancelled.
// Observers get their terminal closed notification before release.
func (s *Session) finish() {
	s.mu.Lock()
	if !s.status.Terminal() {
		s.status = StatusConcluded
	}
	status := s.status
	hadSnapshot := s.snapshot != nil
	record := CaseRecord{
		ID:         s.id,
		PatientRef: s.patientRef,
		Status:     status,
		Transcript: append([]Utterance(nil), s.transcript...),
		Snapshot:   s.snapshot,
		OpenedAt:   s.openedAt,
		ClosedAt:   time.Now(),
	}
	for o := range s.observers {
		select {
		case o.ch <- ObserverEvent{Kind: EventClosed}:
		default:
		}
		close(o.ch)
		o.dead = true
	}
	s.observers = make(map[*Observer]struct{})
	s.mu.Unlock()

	if status == StatusConcluded && hadSnapshot {
		if s.archiver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.AdapterTimeout)
			if err := s.archiver.ArchiveCase(ctx, record); err != nil {
				s.log.Error("case archive failed", zap.Error(err))
			}
			cancel()
		}
		if s.reporter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.AdapterTimeout)
			if err := s.reporter.Report(ctx, record); err != nil {
				s.log.Error("case report failed", zap.Error(err))
			}
			cancel()
		}
	}
	s.release(hadSnapshot)
}

func fallbackQuery(transcript []Utterance) string {
	var b strings.Builder
	for i, u := range transcript {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(u.Text)
	}
	q := b.String()
	if len(q) > 200 {
		q = q[:200]
	}
	return q
}
