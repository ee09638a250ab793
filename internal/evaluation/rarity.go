package evaluation

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// RarityScores rates the context module's rarity flags against the
// frequency-based ground truth.
type RarityScores struct {
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1" yaml:"f1"`
}

// PrecisionRecallF1 scores binary predictions. Undefined ratios are zero.
func PrecisionRecallF1(pred, truth []bool) RarityScores {
	var tp, fp, fn float64
	for i := range pred {
		switch {
		case pred[i] && truth[i]:
			tp++
		case pred[i]:
			fp++
		case truth[i]:
			fn++
		}
	}
	var s RarityScores
	if tp+fp > 0 {
		s.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		s.Recall = tp / (tp + fn)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

func (e *Evaluator) rarityScores(ref *dataset.Dataset, gen Generator) (RarityScores, error) {
	stats := gen.Stats()
	if stats == nil || !stats.Initialized() {
		return RarityScores{}, errors.NewNotTrainedError("embedding statistics are not initialized")
	}
	emb, err := gen.EmbedEncoded(ref.Contexts())
	if err != nil {
		return RarityScores{}, err
	}
	pred, err := stats.IsRare(emb, e.cfg.RarityPercentile)
	if err != nil {
		return RarityScores{}, err
	}
	truth, _ := ref.CombinationRarities(e.cfg.RarityCoverage)
	return PrecisionRecallF1(pred, truth), nil
}

// rarityTasks share one computation between the three reported values.
func (e *Evaluator) rarityTasks(ref *dataset.Dataset, gen Generator) []task {
	var (
		once   sync.Once
		scores RarityScores
		err    error
	)
	compute := func() {
		once.Do(func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("rarity scoring panicked: %v", r)
				}
			}()
			scores, err = e.rarityScores(ref, gen)
		})
	}
	value := func(metric string, get func(RarityScores) float64) task {
		return task{
			subset: constants.SubsetAll,
			metric: metric,
			run: func(*rand.Rand) (models.MetricValue, error) {
				compute()
				if err != nil {
					return models.MetricValue{}, err
				}
				return models.Scalar(get(scores)), nil
			},
		}
	}
	return []task{
		value(constants.MetricRarityPrec, func(s RarityScores) float64 { return s.Precision }),
		value(constants.MetricRarityRecall, func(s RarityScores) float64 { return s.Recall }),
		value(constants.MetricRarityF1, func(s RarityScores) float64 { return s.F1 }),
	}
}
