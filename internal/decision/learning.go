package decision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KafClaw/KafCoord/internal/bus"
)

const (
	minComponentWeight = 0.1
	maxComponentWeight = 0.9
)

// LearnReport summarizes one learning pass.
type LearnReport struct {
	Consumed int   `json:"consumed"`
	Skipped  int   `json:"skipped"`
	Version  int64 `json:"version"`
	Cursor   int64 `json:"cursor"`
}

// Learn consumes feedback recorded since the last pass and publishes a new
// weight snapshot. Decide keeps reading the previous snapshot until the swap.
func (p *Pipeline) Learn(ctx context.Context) (LearnReport, error) {
	p.learnMu.Lock()
	defer p.learnMu.Unlock()

	cur := p.snapshot()
	rows, err := p.feedbackSince(ctx, cur.Cursor)
	if err != nil {
		return LearnReport{}, err
	}
	report := LearnReport{Version: cur.Version, Cursor: cur.Cursor}
	if len(rows) == 0 {
		return report, nil
	}

	next := cur.clone()
	for _, fb := range rows {
		next.Cursor = fb.Seq
		p.mu.RLock()
		d, ok := p.tracked[fb.DecisionID]
		p.mu.RUnlock()
		if !ok {
			report.Skipped++
			continue
		}
		next.apply(d, fb, p.opts.LearningRate)
		report.Consumed++
	}
	next.Version++
	next.UpdatedAt = p.now()

	if p.store != nil {
		if err := p.store.SaveWeights(ctx, next.Version, next); err != nil {
			return report, fmt.Errorf("save weights: %w", err)
		}
	}
	p.weights.Store(&next)

	report.Version, report.Cursor = next.Version, next.Cursor
	slog.Info("Decision weights updated", "version", next.Version, "consumed", report.Consumed, "skipped", report.Skipped,
		"w_result", next.Result, "w_knowledge", next.Knowledge)
	p.emit(bus.EventWeightsUpdated, fmt.Sprintf("weights-v%d", next.Version), map[string]any{
		"version":   next.Version,
		"result":    next.Result,
		"knowledge": next.Knowledge,
		"sources":   len(next.Sources),
		"consumed":  report.Consumed,
	})
	return report, nil
}

func (p *Pipeline) feedbackSince(ctx context.Context, after int64) ([]Feedback, error) {
	if p.store == nil {
		p.mu.RLock()
		defer p.mu.RUnlock()
		var out []Feedback
		for _, fb := range p.feedback {
			if fb.Seq > after {
				out = append(out, fb)
			}
		}
		return out, nil
	}
	rows, err := p.store.FeedbackSince(ctx, after)
	if err != nil {
		return nil, err
	}
	out := make([]Feedback, len(rows))
	for i, r := range rows {
		out[i] = Feedback{Seq: r.Seq, DecisionID: r.DecisionID, Outcome: r.Outcome, Quality: r.Quality, Timestamp: r.CreatedAt}
	}
	return out, nil
}

// apply folds one feedback record into w. Quality credits the knowledge
// sources behind the chosen option and shifts weight toward whichever
// component rated the choice higher when the outcome was good, away from it
// when it was bad.
func (w *Weights) apply(d Decision, fb Feedback, rate float64) {
	alt, ok := d.chosenAlternative()
	if !ok {
		return
	}
	q := clamp01(fb.Quality)
	for _, src := range alt.Sources {
		s := w.Sources[src]
		s.Success += q
		s.Failure += 1 - q
		w.Sources[src] = s
	}

	delta := rate * (q - 0.5) * (alt.ResultScore - alt.KnowledgeScore)
	w.Result = clampWeight(w.Result + delta)
	w.Knowledge = clampWeight(w.Knowledge - delta)
	if sum := w.Result + w.Knowledge; sum > 0 {
		w.Result /= sum
		w.Knowledge /= sum
	}
}

func clampWeight(v float64) float64 {
	switch {
	case v < minComponentWeight:
		return minComponentWeight
	case v > maxComponentWeight:
		return maxComponentWeight
	default:
		return v
	}
}
