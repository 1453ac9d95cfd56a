package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/convnets/layers"
	"github.com/tsawler/convnets/training"
)

// Version is written into every checkpoint and ONNX file
const Version = "1.0.0"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension
func FormatForPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".onnx":
		return FormatONNX, nil
	}
	return 0, errors.Errorf("cannot infer checkpoint format of %q", path)
}

// Checkpoint is a model architecture together with the learning-rate
// schedule it is trained with
type Checkpoint struct {
	ModelSpec *layers.ModelSpec  `json:"model_spec"`
	Schedule  *ScheduleState     `json:"schedule,omitempty"`
	Metadata  CheckpointMetadata `json:"metadata"`

	// Graph is set when the checkpoint was read from ONNX, which only
	// carries the graph structure
	Graph *GraphInfo `json:"-"`
}

// ScheduleState records the schedule configuration and the position in it
type ScheduleState struct {
	Config       training.ScheduleConfig `json:"config"`
	Name         string                  `json:"name"`
	Step         int                     `json:"step"`
	LearningRate float64                 `json:"learning_rate"`
}

// NewScheduleState builds the schedule described by cfg and evaluates it
// at step
func NewScheduleState(cfg training.ScheduleConfig, step int) (*ScheduleState, error) {
	schedule, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ScheduleState{
		Config:       cfg,
		Name:         schedule.GetName(),
		Step:         step,
		LearningRate: schedule.LearningRate(step),
	}, nil
}

// Schedule rebuilds the schedule from the stored configuration
func (s *ScheduleState) Schedule() (training.LRSchedule, error) {
	return s.Config.Build()
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a checkpoint. ONNX files hold the architecture only.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return errors.New("checkpoint has no model spec")
	}
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = producerName
		checkpoint.Metadata.Version = Version
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	if checkpoint.ModelSpec == nil {
		return nil, errors.Errorf("checkpoint %s has no model spec", path)
	}
	if err := checkpoint.ModelSpec.Validate(); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s holds an invalid graph", path)
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	exporter := NewONNXExporter()
	exporter.DocString = checkpoint.Metadata.Description
	return exporter.Save(checkpoint.ModelSpec, path)
}

func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	graph, err := NewONNXImporter().ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := CheckpointMetadata{
		Version:     graph.ProducerVersion,
		Framework:   graph.ProducerName,
		Description: graph.DocString,
	}
	return &Checkpoint{Graph: graph, Metadata: meta}, nil
}
