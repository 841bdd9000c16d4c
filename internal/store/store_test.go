package store

import (
	"testing"

	"github.com/gpuctl/core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_SaveLoadDelete(t *testing.T) {
	s := NewInMemory()
	cfg := types.ModelConfig{ID: "model-a", Name: "a"}

	require.NoError(t, s.Save(cfg))
	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, cfg.ID, all[0].ID)

	require.NoError(t, s.Delete(cfg.ID))
	all, err = s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInMemory_SubscribeReceivesSaves(t *testing.T) {
	s := NewInMemory()
	var received []types.ModelID
	unsubscribe := s.Subscribe(func(cfg types.ModelConfig) {
		received = append(received, cfg.ID)
	})

	require.NoError(t, s.Save(types.ModelConfig{ID: "model-a"}))
	unsubscribe()
	require.NoError(t, s.Save(types.ModelConfig{ID: "model-b"}))

	assert.Equal(t, []types.ModelID{"model-a"}, received)
}
