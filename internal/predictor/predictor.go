// Package predictor provides ensemble inference over tabular and sequence
// model artifacts.
package predictor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/pkg/types"
)

// ErrModelLoad reports a missing or invalid model artifact.
var ErrModelLoad = errors.New("predictor: model load failed")

// ErrDegraded is returned by Predict while no models are loaded. The caller
// treats the cycle as FLAT.
var ErrDegraded = errors.New("predictor: degraded mode, no models loaded")

// ErrFeature reports malformed feature input.
var ErrFeature = errors.New("predictor: malformed features")

// model is a linear scorer distilled from a trained artifact. Both the
// gradient-boosted tabular model and the sequence model export to this form.
type model struct {
	Kind     string             `json:"kind"`
	Features []string           `json:"features"`
	Weights  map[string]float64 `json:"weights"`
	Bias     float64            `json:"bias"`
}

func (m *model) score(f types.Features) float64 {
	z := m.Bias
	for _, name := range m.Features {
		z += m.Weights[name] * f[name]
	}
	return 1 / (1 + math.Exp(-z))
}

// Predictor blends the tabular model, the sequence model, and a precomputed
// auxiliary score into one calibrated probability. Stateless after Load;
// Predict is deterministic for identical inputs.
type Predictor struct {
	logger *zap.Logger
	config config.PredictorConfig

	mu       sync.RWMutex
	tabular  *model
	sequence *model
	required []string
}

// New creates a predictor in degraded mode; call Load to arm it.
func New(logger *zap.Logger, cfg config.PredictorConfig) *Predictor {
	return &Predictor{
		logger: logger.Named("predictor"),
		config: cfg,
	}
}

// Load reads both model artifacts and establishes the required feature key
// set. It may be called again for a hot swap; on failure the previous models
// (if any) remain active. A load failure at startup leaves the predictor in
// degraded mode, where every Predict reports ErrDegraded.
func (p *Predictor) Load(tabularPath, sequencePath string) error {
	tab, err := loadModel(tabularPath, "tabular")
	if err != nil {
		return err
	}
	seq, err := loadModel(sequencePath, "sequence")
	if err != nil {
		return err
	}

	if !sameManifest(tab.Features, seq.Features) {
		return fmt.Errorf("%w: artifacts disagree on feature manifest", ErrModelLoad)
	}

	p.mu.Lock()
	p.tabular = tab
	p.sequence = seq
	p.required = append([]string(nil), tab.Features...)
	p.mu.Unlock()

	p.logger.Info("Models loaded",
		zap.String("tabular", tabularPath),
		zap.String("sequence", sequencePath),
		zap.Int("features", len(tab.Features)))
	return nil
}

// Degraded reports whether the predictor is running without models.
func (p *Predictor) Degraded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tabular == nil || p.sequence == nil
}

// RequiredFeatures returns the feature manifest both models expect.
func (p *Predictor) RequiredFeatures() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.required...)
}

// Predict blends model outputs with the auxiliary score (range [-1, 1]) into
// a Prediction. Entry thresholds are inclusive on both sides.
func (p *Predictor) Predict(features types.Features, auxScore float64) (types.Prediction, error) {
	p.mu.RLock()
	tab, seq, required := p.tabular, p.sequence, p.required
	p.mu.RUnlock()

	if tab == nil || seq == nil {
		return flat(), ErrDegraded
	}
	if err := validate(features, required); err != nil {
		return flat(), err
	}

	w := p.config.Weights
	aux := (clamp(auxScore, -1, 1) + 1) / 2
	probUp := w.Tabular*tab.score(features) + w.Sequence*seq.score(features) + w.Auxiliary*aux

	threshold := p.config.ThresholdEntry
	side := types.SideFlat
	switch {
	case probUp >= threshold:
		side = types.SideLong
	case probUp <= 1-threshold:
		side = types.SideShort
	}

	confidence := 2 * math.Abs(probUp-0.5)
	sizeFraction := 0.0
	if side != types.SideFlat {
		sizeFraction = clamp(0.5+0.5*confidence, 0.5, 1.0)
	}

	return types.Prediction{
		ProbUp:       probUp,
		Confidence:   confidence,
		Side:         side,
		SizeFraction: sizeFraction,
	}, nil
}

func loadModel(path, kind string) (*model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s artifact %s: %v", ErrModelLoad, kind, path, err)
	}
	var m model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s artifact %s: %v", ErrModelLoad, kind, path, err)
	}
	if len(m.Features) == 0 {
		return nil, fmt.Errorf("%w: %s artifact %s has an empty feature manifest", ErrModelLoad, kind, path)
	}
	for _, name := range m.Features {
		if _, ok := m.Weights[name]; !ok {
			return nil, fmt.Errorf("%w: %s artifact %s missing weight for %q", ErrModelLoad, kind, path, name)
		}
	}
	return &m, nil
}

func validate(features types.Features, required []string) error {
	if features == nil {
		return fmt.Errorf("%w: nil feature map", ErrFeature)
	}
	for _, name := range required {
		v, ok := features[name]
		if !ok {
			return fmt.Errorf("%w: missing feature %q", ErrFeature, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature %q is %v", ErrFeature, name, v)
		}
	}
	return nil
}

func sameManifest(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func flat() types.Prediction {
	return types.Prediction{Side: types.SideFlat}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
