package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/interfaces"
	"github.com/ternarybob/browsergate/internal/models"
)

type fakeAdapter struct {
	typ    string
	models []models.ModelDescriptor
}

func (f *fakeAdapter) Type() string                                       { return f.typ }
func (f *fakeAdapter) DisplayName() string                                { return f.typ }
func (f *fakeAdapter) Models() []models.ModelDescriptor                   { return f.models }
func (f *fakeAdapter) NavigationHandlers() []interfaces.NavigationHandler { return nil }
func (f *fakeAdapter) TargetURL(cfg *common.Config, workerCfg *common.WorkerConfig) string {
	return "https://" + f.typ + ".example.com/"
}
func (f *fakeAdapter) Generate(ctx context.Context, sub *interfaces.AdapterContext, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error) {
	return nil, nil
}

func fixture(t *testing.T) *Registry {
	t.Helper()
	r := New(arbor.NewLogger())
	require.NoError(t, r.Register(&fakeAdapter{
		typ: "qwen",
		models: []models.ModelDescriptor{
			{ID: "qwen3-max", UpstreamID: "qwen3-max-upstream", Type: models.ModalityText, ImagePolicy: models.ImagePolicyForbidden},
			{ID: "shared-model", UpstreamID: "qwen-shared", Type: models.ModalityText, ImagePolicy: models.ImagePolicyOptional},
		},
	}))
	require.NoError(t, r.Register(&fakeAdapter{
		typ: "ideogram",
		models: []models.ModelDescriptor{
			{ID: "ideogram-v2", UpstreamID: "v2", Type: models.ModalityImage, ImagePolicy: models.ImagePolicyOptional},
			{ID: "shared-model", UpstreamID: "ideogram-shared", Type: models.ModalityImage, ImagePolicy: models.ImagePolicyRequired},
		},
	}))
	r.Seal()
	return r
}

func TestRegisterDuplicateType(t *testing.T) {
	r := New(arbor.NewLogger())
	require.NoError(t, r.Register(&fakeAdapter{typ: "qwen"}))

	err := r.Register(&fakeAdapter{typ: "qwen"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterAfterSeal(t *testing.T) {
	r := New(arbor.NewLogger())
	r.Seal()

	err := r.Register(&fakeAdapter{typ: "qwen"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed")
}

func TestRegisterDuplicateModelID(t *testing.T) {
	r := New(arbor.NewLogger())
	err := r.Register(&fakeAdapter{
		typ: "qwen",
		models: []models.ModelDescriptor{
			{ID: "m", UpstreamID: "a"},
			{ID: "m", UpstreamID: "b"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestTypesInRegistrationOrder(t *testing.T) {
	r := fixture(t)
	assert.Equal(t, []string{"qwen", "ideogram"}, r.Types())
}

func TestResolvePlainID(t *testing.T) {
	r := fixture(t)

	upstream, desc, ok := r.ResolveModel("qwen", "qwen3-max")
	require.True(t, ok)
	assert.Equal(t, "qwen3-max-upstream", upstream)
	assert.Equal(t, models.ModalityText, desc.Type)
}

func TestResolveQualifiedID(t *testing.T) {
	r := fixture(t)

	// Matching qualifier strips the prefix.
	upstream, _, ok := r.ResolveModel("qwen", "qwen/qwen3-max")
	require.True(t, ok)
	assert.Equal(t, "qwen3-max-upstream", upstream)

	// A qualifier naming a different registered adapter never matches.
	_, _, ok = r.ResolveModel("qwen", "ideogram/shared-model")
	assert.False(t, ok)

	// Shared ids resolve per adapter under their own qualifier.
	upstream, _, ok = r.ResolveModel("ideogram", "ideogram/shared-model")
	require.True(t, ok)
	assert.Equal(t, "ideogram-shared", upstream)
}

func TestResolveUnknownQualifierTreatedAsPlainID(t *testing.T) {
	r := fixture(t)

	// "gpt/x" is no registered adapter, so the whole string is the id.
	_, _, ok := r.ResolveModel("qwen", "gpt/qwen3-max")
	assert.False(t, ok)
}

func TestResolveIsDeterministic(t *testing.T) {
	r := fixture(t)

	first, _, ok := r.ResolveModel("qwen", "shared-model")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		upstream, _, ok := r.ResolveModel("qwen", "shared-model")
		require.True(t, ok)
		assert.Equal(t, first, upstream)
	}
}

func TestSupportsModel(t *testing.T) {
	r := fixture(t)

	assert.True(t, r.SupportsModel("qwen", "qwen3-max"))
	assert.False(t, r.SupportsModel("ideogram", "qwen3-max"))
	assert.False(t, r.SupportsModel("qwen", "missing"))
	assert.False(t, r.SupportsModel("missing", "qwen3-max"))
}

func TestImagePolicyAndModelType(t *testing.T) {
	r := fixture(t)

	policy, ok := r.ImagePolicy("ideogram", "shared-model")
	require.True(t, ok)
	assert.Equal(t, models.ImagePolicyRequired, policy)

	modality, ok := r.ModelType("ideogram", "ideogram-v2")
	require.True(t, ok)
	assert.Equal(t, models.ModalityImage, modality)
}

func TestListModels(t *testing.T) {
	r := fixture(t)

	listed := r.ListModels("qwen")
	require.Len(t, listed, 2)
	assert.Empty(t, r.ListModels("missing"))
}
