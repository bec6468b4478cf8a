package learnings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/psr"
	"github.com/ashita-ai/dig/internal/telemetry"
)

// DerivedBy is the producer name stamped on derived learnings.
const DerivedBy = "dig-deriver"

// Scorer maps a group's labeled sample size to a confidence in [0, 1].
type Scorer func(sampleSize int) float64

// DefaultScorer grows toward 1 as evidence accumulates: n/(n+10).
func DefaultScorer(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) / float64(n+10)
}

// Appender writes events; *ingest.Service satisfies it.
type Appender interface {
	Append(ctx context.Context, ev model.Event) (model.StoredEvent, error)
}

// DeriverConfig tunes derivation.
type DeriverConfig struct {
	// Dimensions are grouped one at a time.
	Dimensions    []string
	MinSampleSize int
	// MinDelta is the PSR gap, in percentage points, a group must show
	// against the overall rate.
	MinDelta float64
	Scorer   Scorer
}

// Deriver turns single-dimension PSR deviations into Learning events.
type Deriver struct {
	psr     *psr.Service
	matcher *Matcher
	out     Appender
	logger  *slog.Logger
	cfg     DeriverConfig
	now     func() time.Time

	emitted metric.Int64Counter
}

// NewDeriver creates a deriver. Existing learnings are read through matcher
// so supersession follows the same rules as matching.
func NewDeriver(p *psr.Service, matcher *Matcher, out Appender, logger *slog.Logger, cfg DeriverConfig) *Deriver {
	if cfg.Scorer == nil {
		cfg.Scorer = DefaultScorer
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 10
	}
	d := &Deriver{psr: p, matcher: matcher, out: out, logger: logger, cfg: cfg, now: time.Now}
	d.emitted, _ = telemetry.Meter("dig/learnings").Int64Counter("dig.learnings.derived",
		metric.WithDescription("Learning events emitted by the deriver"))
	return d
}

// Derive runs one pass and returns the learnings it appended. A group whose
// previous derivation has the same counts is skipped; a changed group yields
// a new learning that supersedes the previous one.
func (d *Deriver) Derive(ctx context.Context) ([]model.StoredEvent, error) {
	existing, err := d.matcher.Active(ctx)
	if err != nil {
		return nil, err
	}
	previous := map[string]model.StoredEvent{}
	for _, se := range existing {
		if key := metaString(se.Header, MetaDerivationKey); key != "" {
			previous[key] = se
		}
	}

	var out []model.StoredEvent
	for _, dim := range d.cfg.Dimensions {
		rep, err := d.psr.Compute(ctx, psr.Request{
			GroupBy:        []string{dim},
			MinSampleSize:  d.cfg.MinSampleSize,
			IncludeSamples: true,
		})
		if err != nil {
			return out, fmt.Errorf("learnings: derive %s: %w", dim, err)
		}
		if rep.Overall.PSR == nil {
			continue
		}
		for _, g := range rep.Groups {
			if g.Status != psr.StatusOK || g.Key[dim] == psr.Unknown {
				continue
			}
			delta := *g.PSR - *rep.Overall.PSR
			if math.Abs(delta) < d.cfg.MinDelta {
				continue
			}
			key := g.Label
			fingerprint := fmt.Sprintf("%d/%d", g.Survived, g.Labeled)
			prev, hasPrev := previous[key]
			if hasPrev && metaString(prev.Header, MetaFingerprint) == fingerprint {
				continue
			}
			ev, err := d.build(dim, g, rep.Overall, delta, fingerprint, prev.ID)
			if err != nil {
				return out, err
			}
			se, err := d.out.Append(ctx, ev)
			if err != nil {
				return out, fmt.Errorf("learnings: append %s: %w", key, err)
			}
			d.emitted.Add(ctx, 1)
			d.logger.Info("learnings: derived",
				"id", se.ID,
				"key", key,
				"psr", *g.PSR,
				"baseline", *rep.Overall.PSR,
				"sample", g.Labeled,
				"supersedes", prev.ID)
			out = append(out, se)
		}
	}
	return out, nil
}

func (d *Deriver) build(dim string, g, overall psr.Group, delta float64, fingerprint, supersedes string) (model.Event, error) {
	value := g.Key[dim]
	cond, err := json.Marshal(value)
	if err != nil {
		return model.Event{}, fmt.Errorf("learnings: encode condition: %w", err)
	}
	confidence := min(max(d.cfg.Scorer(g.Labeled), 0), 1)

	severity, verb := "info", "above"
	if delta < 0 {
		severity, verb = "warning", "below"
	}
	l := &model.Learning{
		DerivedFrom: model.DerivedFrom{
			OutcomeIDs: g.OutcomeIDs,
			ChangeIDs:  g.ChangeIDs,
			SampleSize: g.Labeled,
		},
		Pattern: model.Pattern{
			Name:        g.Label,
			Description: fmt.Sprintf("PSR %.1f%% over %d changes against %.1f%% overall", *g.PSR, g.Labeled, *overall.PSR),
			Conditions:  map[string]json.RawMessage{dim: cond},
			Confidence:  &confidence,
		},
		Recommendation: &model.Recommendation{
			TriggerConditions: []string{dim + " == " + value},
			Action:            "review",
			Severity:          severity,
			Message:           fmt.Sprintf("changes with %s survive %.1f points %s the overall rate", g.Label, math.Abs(delta), verb),
		},
	}
	if dim == psr.DimModelID {
		rate, gap := *g.PSR, delta
		l.ModelInsights = []model.ModelInsight{{
			ModelID:         value,
			SurvivalRate:    &rate,
			SampleSize:      g.Labeled,
			DeltaVsBaseline: &gap,
		}}
	}

	meta := map[string]string{
		MetaDerivationKey: g.Label,
		MetaFingerprint:   fingerprint,
		MetaDerivedBy:     DerivedBy,
	}
	if supersedes != "" {
		meta[model.MetaSupersedes] = supersedes
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return model.Event{}, fmt.Errorf("learnings: encode metadata: %w", err)
	}

	ev := model.New("", d.now().UTC(), l)
	ev.Metadata = rawMeta
	return ev, nil
}
