package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/browser"
	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/interfaces"
	"github.com/ternarybob/browsergate/internal/models"
	"github.com/ternarybob/browsergate/internal/registry"
)

type fakeAdapter struct {
	typ    string
	models []models.ModelDescriptor
}

func (f *fakeAdapter) Type() string        { return f.typ }
func (f *fakeAdapter) DisplayName() string { return f.typ }
func (f *fakeAdapter) Models() []models.ModelDescriptor {
	return f.models
}
func (f *fakeAdapter) TargetURL(cfg *common.Config, workerCfg *common.WorkerConfig) string {
	return "https://" + f.typ + ".example.com/"
}
func (f *fakeAdapter) NavigationHandlers() []interfaces.NavigationHandler { return nil }
func (f *fakeAdapter) Generate(ctx context.Context, sub *interfaces.AdapterContext, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error) {
	return &models.GenerationResult{Text: f.typ + ": " + prompt}, nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	logger := arbor.NewLogger()
	reg := registry.New(logger)
	require.NoError(t, reg.Register(&fakeAdapter{
		typ: "alpha",
		models: []models.ModelDescriptor{
			{ID: "alpha-text", UpstreamID: "alpha-1", Type: models.ModalityText, ImagePolicy: models.ImagePolicyForbidden},
			{ID: "shared", UpstreamID: "alpha-shared", Type: models.ModalityText, ImagePolicy: models.ImagePolicyForbidden},
		},
	}))
	require.NoError(t, reg.Register(&fakeAdapter{
		typ: "beta",
		models: []models.ModelDescriptor{
			{ID: "beta-image", UpstreamID: "beta-1", Type: models.ModalityImage, ImagePolicy: models.ImagePolicyRequired},
			{ID: "shared", UpstreamID: "beta-shared", Type: models.ModalityImage, ImagePolicy: models.ImagePolicyOptional},
		},
	}))
	reg.Seal()
	return reg
}

func testWorker(t *testing.T, workerCfg *common.WorkerConfig) *Worker {
	t.Helper()
	cfg := &common.Config{}
	cfg.ApplyDefaults() // failover on, two retries
	inst := &browser.Instance{Name: "test", UserDataDir: t.TempDir()}
	w, err := New(cfg, workerCfg, inst, testRegistry(t), arbor.NewLogger())
	require.NoError(t, err)
	return w
}

func TestNewRejectsUnknownAdapterType(t *testing.T) {
	cfg := &common.Config{}
	inst := &browser.Instance{Name: "test"}
	_, err := New(cfg, &common.WorkerConfig{Name: "w1", Type: "nope"}, inst, testRegistry(t), arbor.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown adapter type")
}

func TestNewRejectsUnknownMonitor(t *testing.T) {
	cfg := &common.Config{}
	inst := &browser.Instance{Name: "test"}
	_, err := New(cfg, &common.WorkerConfig{
		Name:         "w1",
		MergeTypes:   []string{"alpha", "beta"},
		MergeMonitor: "nope",
	}, inst, testRegistry(t), arbor.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor adapter")
}

func TestWorkerKind(t *testing.T) {
	single := testWorker(t, &common.WorkerConfig{Name: "s", Type: "alpha"})
	assert.Equal(t, KindSingle, single.Kind)
	assert.Equal(t, []string{"alpha"}, single.Types)

	merge := testWorker(t, &common.WorkerConfig{Name: "m", MergeTypes: []string{"alpha", "beta"}})
	assert.Equal(t, KindMerge, merge.Kind)
	assert.Equal(t, []string{"alpha", "beta"}, merge.Types)
}

func TestSupports(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{Name: "m", MergeTypes: []string{"alpha", "beta"}})

	assert.True(t, w.Supports("alpha-text"))
	assert.True(t, w.Supports("beta-image"))
	assert.True(t, w.Supports("shared"))
	assert.True(t, w.Supports("alpha/alpha-text"))
	assert.False(t, w.Supports("missing"))

	single := testWorker(t, &common.WorkerConfig{Name: "s", Type: "alpha"})
	assert.True(t, single.Supports("alpha-text"))
	assert.False(t, single.Supports("beta-image"))
}

func TestImagePolicyAggregation(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{Name: "m", MergeTypes: []string{"alpha", "beta"}})

	// Only alpha serves it: forbidden.
	assert.Equal(t, models.ImagePolicyForbidden, w.ImagePolicy("alpha-text"))
	// Only beta serves it: required.
	assert.Equal(t, models.ImagePolicyRequired, w.ImagePolicy("beta-image"))
	// Both serve it; beta's optional wins over alpha's forbidden.
	assert.Equal(t, models.ImagePolicyOptional, w.ImagePolicy("shared"))
}

func TestModelTypeUsesFirstSupportingMember(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{Name: "m", MergeTypes: []string{"alpha", "beta"}})

	assert.Equal(t, models.ModalityText, w.ModelType("shared"))
	assert.Equal(t, models.ModalityImage, w.ModelType("beta-image"))
}

func TestGenerateBeforeInit(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{Name: "s", Type: "alpha"})

	task := &models.Task{ID: "task_test", Model: "alpha-text", Prompt: "hi"}
	_, err := w.Generate(context.Background(), task, "hi", nil, "alpha-text", nil)
	require.Error(t, err)

	gw := models.AsGatewayError(err)
	assert.Equal(t, models.ErrCodeBrowserNotInitialized, gw.Code)
}

func TestTryReserveIsExclusive(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{Name: "s", Type: "alpha"})

	assert.Equal(t, 0, w.BusyCount())
	require.True(t, w.TryReserve())
	assert.Equal(t, 1, w.BusyCount())

	// A second reservation must fail while the first is held, so two
	// dispatch passes can never book the same page.
	assert.False(t, w.TryReserve())

	w.Release()
	assert.Equal(t, 0, w.BusyCount())
	assert.True(t, w.TryReserve())
	w.Release()
}

func TestNavigateToMonitorSkipsBusyWorker(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{
		Name:         "m",
		MergeTypes:   []string{"alpha", "beta"},
		MergeMonitor: "beta",
	})

	require.True(t, w.TryReserve())
	defer w.Release()

	require.NoError(t, w.NavigateToMonitor(context.Background()))
}

func TestNavigateToMonitorSkipsWhenPageAuthHeld(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{
		Name:         "m",
		MergeTypes:   []string{"alpha", "beta"},
		MergeMonitor: "beta",
	})
	w.initialized = true

	require.True(t, w.pageAuth.TryLock())
	defer w.pageAuth.Unlock()

	// With the flag contended, parking must back off without touching
	// the page at all.
	require.NoError(t, w.NavigateToMonitor(context.Background()))
}

func TestNavigateToMonitorIgnoresSingleWorkers(t *testing.T) {
	w := testWorker(t, &common.WorkerConfig{Name: "s", Type: "alpha"})
	require.NoError(t, w.NavigateToMonitor(context.Background()))
}

func TestPageAuthFlag(t *testing.T) {
	f := NewPageAuthFlag()

	require.True(t, f.TryLock())
	assert.True(t, f.Held())
	assert.False(t, f.TryLock())

	f.Unlock()
	assert.False(t, f.Held())

	require.NoError(t, f.Lock(context.Background()))
	f.Unlock()
}

func TestPageAuthLockHonorsContext(t *testing.T) {
	f := NewPageAuthFlag()
	require.True(t, f.TryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.Lock(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSameHost(t *testing.T) {
	assert.True(t, sameHost("https://chat.example.com/a", "https://chat.example.com/b?x=1"))
	assert.False(t, sameHost("https://chat.example.com/", "https://img.example.com/"))
	assert.False(t, sameHost("", "https://img.example.com/"))
}

func TestMatchCookieDomain(t *testing.T) {
	assert.True(t, matchCookieDomain("example.com", "example.com"))
	assert.True(t, matchCookieDomain(".example.com", "example.com"))
	assert.True(t, matchCookieDomain(".example.com", "chat.example.com"))
	assert.False(t, matchCookieDomain(".example.com", "badexample.com"))
	assert.False(t, matchCookieDomain("other.com", "example.com"))
}
