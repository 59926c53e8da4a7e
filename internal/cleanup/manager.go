package cleanup

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/executor"
	"github.com/cortexdc/orchestrator/internal/models"
	"github.com/cortexdc/orchestrator/internal/store"
)

// Resource categories the manager knows how to remove. Artifact handles are
// object-store keys; infra handles are opaque identifiers handed back to the
// infrastructure platform for teardown.
const (
	CategoryArtifact = "artifact"
	CategoryInfra    = "infra"
)

// ErrArtifactsDisabled is returned when no object store is configured.
var ErrArtifactsDisabled = errors.New("artifact storage not configured")

// Result reports the per-resource outcome of a cleanup pass.
type Result struct {
	CleanedResources []models.Resource    `json:"cleanedResources"`
	Failed           []FailedResource     `json:"failed,omitempty"`
	Status           models.CleanupStatus `json:"status"`
}

type FailedResource struct {
	Resource models.Resource `json:"resource"`
	Error    string          `json:"error"`
}

// Manager registers resources against deployments and removes them, best
// effort per resource: one failed delete never blocks the others.
type Manager struct {
	store   store.Store
	objects ObjectStore
	invoker executor.Invoker
}

func NewManager(st store.Store, objects ObjectStore, invoker executor.Invoker) *Manager {
	return &Manager{store: st, objects: objects, invoker: invoker}
}

// RegisterResource appends a resource handle to the deployment's tracked
// set. Append-only; registration of an already-tracked handle is a no-op.
func (m *Manager) RegisterResource(ctx context.Context, deploymentID uuid.UUID, category, handle string) (models.Deployment, error) {
	d, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return models.Deployment{}, err
	}
	for _, r := range d.Resources {
		if r.Category == category && r.Handle == handle {
			return d, nil
		}
	}
	d.Resources = append(d.Resources, models.Resource{
		Category:     category,
		Handle:       handle,
		RegisteredAt: time.Now().UTC(),
	})
	return m.store.UpdateDeployment(ctx, d)
}

// UploadArtifact stores an artifact for the deployment, registers its key as
// a tracked resource, and returns the key alongside the updated record.
func (m *Manager) UploadArtifact(ctx context.Context, deploymentID uuid.UUID, filename string, body io.Reader, contentType string) (models.Deployment, string, error) {
	if m.objects == nil {
		return models.Deployment{}, "", ErrArtifactsDisabled
	}
	key := m.objects.ArtifactKey(deploymentID.String(), filename)
	metadata := map[string]string{"deployment-id": deploymentID.String()}
	if err := m.objects.Upload(ctx, key, body, contentType, metadata); err != nil {
		return models.Deployment{}, "", err
	}
	d, err := m.RegisterResource(ctx, deploymentID, CategoryArtifact, key)
	if err != nil {
		return models.Deployment{}, "", err
	}
	return d, key, nil
}

// SignedArtifactURL returns a time-limited download URL for a deployment
// artifact.
func (m *Manager) SignedArtifactURL(ctx context.Context, deploymentID uuid.UUID, filename string, expiry time.Duration) (string, error) {
	if m.objects == nil {
		return "", ErrArtifactsDisabled
	}
	return m.objects.SignedURL(ctx, m.objects.ArtifactKey(deploymentID.String(), filename), expiry)
}

// Cleanup removes every tracked resource of the deployment. The aggregate
// result reports which removals succeeded; cleanupStatus on the deployment
// is completed only when all of them did.
func (m *Manager) Cleanup(ctx context.Context, d models.Deployment) (models.Deployment, Result, error) {
	res := Result{Status: models.CleanupCompleted}
	for _, r := range d.Resources {
		if err := m.remove(ctx, d, r); err != nil {
			log.Printf("[cleanup] deployment %s %s/%s: %v", d.ID, r.Category, r.Handle, err)
			res.Failed = append(res.Failed, FailedResource{Resource: r, Error: err.Error()})
			continue
		}
		res.CleanedResources = append(res.CleanedResources, r)
	}
	if len(res.Failed) > 0 {
		res.Status = models.CleanupPartial
	}
	d.CleanupStatus = res.Status
	updated, err := m.store.UpdateDeployment(ctx, d)
	if err != nil {
		return models.Deployment{}, res, err
	}
	return updated, res, nil
}

func (m *Manager) remove(ctx context.Context, d models.Deployment, r models.Resource) error {
	switch r.Category {
	case CategoryArtifact:
		if m.objects == nil {
			return nil
		}
		return m.objects.Delete(ctx, r.Handle)
	default:
		if m.invoker == nil {
			return nil
		}
		resp, err := m.invoker.Invoke(ctx, "scenario-resource-teardown", map[string]interface{}{
			"deploymentId": d.ID.String(),
			"category":     r.Category,
			"handle":       r.Handle,
		})
		if err != nil {
			return err
		}
		// The platform reports teardown rejections as data, not transport
		// errors; both leave the resource standing.
		if resp.Status == "failed" {
			msg := resp.Error
			if msg == "" {
				msg = "teardown failed without detail"
			}
			return errors.New(msg)
		}
		return nil
	}
}
