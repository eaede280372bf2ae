package pipeline

import (
	"embed"
	"fmt"

	"github.com/david/pipeline-crm/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed config/stages.yaml
var stagesYAML embed.FS

// stageConfig is the on-disk shape of one pipeline stage.
type stageConfig struct {
	ID          string `yaml:"id"`
	Label       string `yaml:"label"`
	Probability int    `yaml:"probability"`
	Terminal    bool   `yaml:"terminal,omitempty"`
}

type stagesFile struct {
	Stages []stageConfig `yaml:"stages"`
}

// Policy is the immutable stage lookup table: the ordered stage sequence,
// the default close probability per stage, and the transition rule. It is
// pure and safe for concurrent use.
type Policy struct {
	ordered  []models.Stage
	index    map[models.Stage]int
	defaults map[models.Stage]int
	labels   map[models.Stage]string
	lost     models.Stage
}

// LoadPolicy parses the embedded stage definition and validates it
// exhaustively: non-empty, duplicate-free, probabilities within [0,100],
// exactly one terminal lost stage, and the terminal stage last.
func LoadPolicy() (*Policy, error) {
	data, err := stagesYAML.ReadFile("config/stages.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded stage config: %w", err)
	}

	var file stagesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse stage config: %w", err)
	}
	if len(file.Stages) == 0 {
		return nil, fmt.Errorf("stage config defines no stages")
	}

	p := &Policy{
		index:    make(map[models.Stage]int, len(file.Stages)),
		defaults: make(map[models.Stage]int, len(file.Stages)),
		labels:   make(map[models.Stage]string, len(file.Stages)),
	}

	for i, sc := range file.Stages {
		stage := models.Stage(sc.ID)
		if sc.ID == "" {
			return nil, fmt.Errorf("stage %d has an empty id", i)
		}
		if _, dup := p.index[stage]; dup {
			return nil, fmt.Errorf("duplicate stage %q in config", sc.ID)
		}
		if sc.Probability < 0 || sc.Probability > 100 {
			return nil, fmt.Errorf("stage %q probability %d out of range [0,100]", sc.ID, sc.Probability)
		}
		if sc.Terminal {
			if p.lost != "" {
				return nil, fmt.Errorf("multiple terminal stages (%q and %q)", p.lost, sc.ID)
			}
			if i != len(file.Stages)-1 {
				return nil, fmt.Errorf("terminal stage %q must be last in the sequence", sc.ID)
			}
			p.lost = stage
		}

		p.ordered = append(p.ordered, stage)
		p.index[stage] = i
		p.defaults[stage] = sc.Probability
		p.labels[stage] = sc.Label
	}

	if p.lost == "" {
		return nil, fmt.Errorf("stage config defines no terminal lost stage")
	}
	if len(p.ordered) < 2 {
		return nil, fmt.Errorf("stage config needs at least one active stage before the terminal stage")
	}

	return p, nil
}

// Stages returns the full ordered stage sequence, terminal lost stage last.
func (p *Policy) Stages() []models.Stage {
	out := make([]models.Stage, len(p.ordered))
	copy(out, p.ordered)
	return out
}

// FirstStage is the default stage for newly created opportunities.
func (p *Policy) FirstStage() models.Stage {
	return p.ordered[0]
}

// LostStage is the designated terminal lost stage.
func (p *Policy) LostStage() models.Stage {
	return p.lost
}

// ClosingStage is the last active stage, which won deals are advanced to.
func (p *Policy) ClosingStage() models.Stage {
	return p.ordered[len(p.ordered)-2]
}

// IndexOf returns the position of a stage in the ordered sequence.
func (p *Policy) IndexOf(stage models.Stage) (int, error) {
	i, ok := p.index[stage]
	if !ok {
		return 0, &UnknownStageError{Stage: stage}
	}
	return i, nil
}

// DefaultProbability returns the canonical close probability for a stage.
func (p *Policy) DefaultProbability(stage models.Stage) (int, error) {
	prob, ok := p.defaults[stage]
	if !ok {
		return 0, &UnknownStageError{Stage: stage}
	}
	return prob, nil
}

// Label returns the display label for a stage, or the raw stage name when
// the stage is unknown.
func (p *Policy) Label(stage models.Stage) string {
	if label, ok := p.labels[stage]; ok {
		return label
	}
	return string(stage)
}

// CanTransition reports whether an opportunity may move from one stage to
// another: strictly forward in the ordered sequence, or into the lost
// terminal stage from any other stage. Backward moves to earlier active
// stages are never legal, and nothing leaves the lost stage.
func (p *Policy) CanTransition(from, to models.Stage) bool {
	fromIdx, ok := p.index[from]
	if !ok {
		return false
	}
	toIdx, ok := p.index[to]
	if !ok {
		return false
	}
	if from == p.lost {
		return false
	}
	if to == p.lost {
		return true
	}
	return toIdx > fromIdx
}
