package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/signintech/gopdf"
	"go.uber.org/zap"

	"clinical-coach/internal/coach"
)

// Sink stores a rendered report. The default writes to a local directory;
// deployments can plug in whatever artifact store they run.
type Sink interface {
	Store(ctx context.Context, fileName string, pdf []byte) error
}

type DirSink struct {
	dir string
}

func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

func (s *DirSink) Store(_ context.Context, fileName string, pdf []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, fileName), pdf, 0o644)
}

// Service renders a PDF summary of a concluded case: the final differential,
// red-flag alerts and the utterance log.
type Service struct {
	sink Sink
	log  *zap.Logger
}

func NewService(sink Sink, log *zap.Logger) *Service {
	return &Service{sink: sink, log: log}
}

// Try multiple common paths for Alpine and Debian images.
var fontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

func (s *Service) Report(ctx context.Context, record coach.CaseRecord) error {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return fmt.Errorf("failed to load font for PDF, ensure ttf-dejavu is installed: %w", fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return err
	}
	pdf.Cell(nil, "Encounter Summary (Advisory)")
	pdf.Br(30)

	if err := pdf.SetFont("DejaVu", "", 12); err != nil {
		return err
	}
	pdf.Cell(nil, fmt.Sprintf("Date: %s", record.ClosedAt.Format("02.01.2006 15:04")))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Case: %s", record.ID))
	pdf.Br(15)
	if record.PatientRef != "" {
		pdf.Cell(nil, fmt.Sprintf("Patient ref: %s", record.PatientRef))
		pdf.Br(15)
	}
	pdf.Br(10)

	if snap := record.Snapshot; snap != nil {
		if err := pdf.SetFont("DejaVu", "", 14); err != nil {
			return err
		}
		pdf.Cell(nil, "Differential:")
		pdf.Br(15)
		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return err
		}
		if len(snap.RankedConditions) == 0 {
			pdf.Cell(nil, "- no candidate conditions")
			pdf.Br(12)
		}
		for i, rc := range snap.RankedConditions {
			s.writeWrapped(&pdf, fmt.Sprintf("%d. %s (confidence %.2f)", i+1, rc.Condition, rc.Confidence))
		}
		pdf.Br(10)

		if len(snap.Alerts) > 0 {
			if err := pdf.SetFont("DejaVu", "", 14); err != nil {
				return err
			}
			pdf.Cell(nil, "Red-flag alerts:")
			pdf.Br(15)
			if err := pdf.SetFont("DejaVu", "", 11); err != nil {
				return err
			}
			for _, a := range snap.Alerts {
				s.writeWrapped(&pdf, fmt.Sprintf("- [%s] %s: %s (%s)", a.Severity, a.Trigger, a.RecommendedAction, a.Urgency))
			}
			pdf.Br(10)
		}
	}

	if err := pdf.SetFont("DejaVu", "", 14); err != nil {
		return err
	}
	pdf.Cell(nil, "Transcript:")
	pdf.Br(15)
	if err := pdf.SetFont("DejaVu", "", 10); err != nil {
		return err
	}
	for _, u := range record.Transcript {
		line := fmt.Sprintf("%d. %s", u.Sequence, u.Text)
		if u.Speaker != "" {
			line = fmt.Sprintf("%d. %s: %s", u.Sequence, u.Speaker, u.Text)
		}
		s.writeWrapped(&pdf, line)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to write PDF: %w", err)
	}

	fileName := fmt.Sprintf("case_%s_%s.pdf", record.ID, record.ClosedAt.Format("20060102T150405"))
	if err := s.sink.Store(ctx, fileName, buf.Bytes()); err != nil {
		return err
	}
	s.log.Info("case summary stored",
		zap.String("case_id", record.ID),
		zap.String("file", fileName))
	return nil
}

func (s *Service) writeWrapped(pdf *gopdf.GoPdf, line string) {
	lines, _ := pdf.SplitText(line, 500)
	for _, l := range lines {
		pdf.Cell(nil, l)
		pdf.Br(12)
	}
	pdf.Br(3)
}
