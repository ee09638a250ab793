package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

// Manager saves and loads artifacts through a checkpoint store.
type Manager struct {
	store  interfaces.CheckpointStore
	logger *logrus.Logger
}

// NewManager wraps a connected store.
func NewManager(store interfaces.CheckpointStore, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{store: store, logger: logger}
}

// ArtifactID names the checkpoint of a run at an epoch.
func ArtifactID(runID string, epoch int) string {
	return fmt.Sprintf("%s-e%06d", runID, epoch)
}

// Save stamps version, id and time, then writes the artifact.
func (m *Manager) Save(ctx context.Context, a *Artifact) (string, error) {
	a.Version = constants.CheckpointFormatVersion
	if a.RunID == "" {
		a.RunID = NewRunID()
	}
	if a.ID == "" {
		a.ID = ArtifactID(a.RunID, a.Epoch)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := a.Validate(); err != nil {
		return "", err
	}
	blob, err := Encode(a)
	if err != nil {
		return "", err
	}
	if err := m.store.Save(ctx, a.ID, blob); err != nil {
		return "", err
	}

	m.logger.WithFields(logrus.Fields{
		"checkpoint": a.ID,
		"epoch":      a.Epoch,
		"step":       a.Step,
		"bytes":      len(blob),
	}).Info("Saved checkpoint")

	return a.ID, nil
}

// Load reads and decodes one artifact.
func (m *Manager) Load(ctx context.Context, id string) (*Artifact, error) {
	blob, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode(blob)
}

// Latest loads the most recently written artifact.
func (m *Manager) Latest(ctx context.Context) (*Artifact, error) {
	infos, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, errors.CodeReadFailed, "no checkpoints stored")
	}
	return m.Load(ctx, infos[0].ID)
}

// List returns stored checkpoints, newest first.
func (m *Manager) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	return m.store.List(ctx)
}
