package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestPageErrorMapping(t *testing.T) {
	assert.Nil(t, PageError(nil))

	err := PageError(context.Canceled)
	assert.Contains(t, err.Error(), "PAGE_CLOSED")

	err = PageError(context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "Timeout")

	err = PageError(errors.New("chrome: target crashed"))
	assert.Contains(t, err.Error(), "PAGE_CRASHED")

	err = PageError(errors.New("invalid context"))
	assert.Contains(t, err.Error(), "PAGE_INVALID")

	plain := errors.New("selector not found")
	assert.Equal(t, plain, PageError(plain))
}

func TestUploadImagesRejectsUnsupportedFormat(t *testing.T) {
	err := UploadImages(context.Background(), "input", []string{"/tmp/pic.bmp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported image format")
}

func TestQwenAdapterDeclaration(t *testing.T) {
	a := NewQwenAdapter(arbor.NewLogger())

	assert.Equal(t, "qwen", a.Type())
	descs := a.Models()
	require.Len(t, descs, 2)
	assert.Equal(t, "qwen3-max", descs[0].ID)
	require.Len(t, a.NavigationHandlers(), 1)
}

func TestIdeogramAdapterDeclaration(t *testing.T) {
	a := NewIdeogramAdapter(arbor.NewLogger())

	assert.Equal(t, "ideogram", a.Type())
	require.Len(t, a.Models(), 3)
}

func TestIdeogramDecoratePrompt(t *testing.T) {
	a := NewIdeogramAdapter(arbor.NewLogger())

	assert.Equal(t, "a cat", a.decoratePrompt("a cat", "V_2"))
	assert.Equal(t, "a cat --model turbo", a.decoratePrompt("a cat", "V_2_TURBO"))
}
