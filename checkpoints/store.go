package checkpoints

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tsawler/go-superres/models"
	"github.com/tsawler/go-superres/optimizer"
)

// Store keeps the single best checkpoint of one architecture at
// <dir>/model_<arch>.json.
type Store struct {
	dir   string
	arch  string
	saver *CheckpointSaver
}

func NewStore(dir, arch string) *Store {
	return &Store{dir: dir, arch: arch, saver: NewCheckpointSaver(FormatJSON)}
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, fmt.Sprintf("model_%s.json", s.arch))
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.Path())
	return err == nil && info.Mode().IsRegular()
}

// Save serializes the whole model, replacing any previous checkpoint.
func (s *Store) Save(model models.Model, state TrainingState, opt *optimizer.State) error {
	if model.Name() != s.arch {
		return fmt.Errorf("cannot store %s model in %s checkpoint", model.Name(), s.arch)
	}
	checkpoint, err := NewCheckpoint(model, state, opt)
	if err != nil {
		return err
	}
	return s.saver.SaveCheckpoint(checkpoint, s.Path())
}

// Load reads the checkpoint. A missing file is reported with fs.ErrNotExist.
func (s *Store) Load() (*Checkpoint, error) {
	checkpoint, err := s.saver.LoadCheckpoint(s.Path())
	if err != nil {
		return nil, err
	}
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint %s has no model spec", s.Path())
	}
	if checkpoint.ModelSpec.Name != s.arch {
		return nil, fmt.Errorf("checkpoint %s holds a %s model, expected %s", s.Path(), checkpoint.ModelSpec.Name, s.arch)
	}
	return checkpoint, nil
}

// LoadNetwork loads the checkpoint and rebuilds its model.
func (s *Store) LoadNetwork(workers int) (*models.Network, *Checkpoint, error) {
	checkpoint, err := s.Load()
	if err != nil {
		return nil, nil, err
	}
	net, err := checkpoint.Network(workers)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: %w", s.Path(), err)
	}
	return net, checkpoint, nil
}

// IsNotExist reports whether err means no checkpoint was found.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
