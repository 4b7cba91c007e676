package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe-go/internal/model"
)

var allStatuses = []model.JobStatus{
	model.StatusQueued,
	model.StatusJobValidated,
	model.StatusParsing,
	model.StatusParsed,
	model.StatusParseValidated,
	model.StatusChunking,
	model.StatusChunksBuffered,
	model.StatusEmbedding,
	model.StatusEmbedded,
	model.StatusComplete,
	model.StatusFailedParse,
	model.StatusFailedChunking,
	model.StatusFailedEmbedding,
}

// 全矩阵逐对检查：仅允许直接后继或当前阶段对应的失败终态。
func TestCanTransitionFullMatrix(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			expected := false
			if next, ok := NextStatus(from); ok && next == to {
				expected = true
			}
			if failure, ok := FailureStatusOf(from); ok && failure == to {
				expected = true
			}

			err := CanTransition(from, to)
			if expected {
				assert.NoErrorf(t, err, "%s -> %s 应当被接受", from, to)
			} else {
				assert.Errorf(t, err, "%s -> %s 应当被拒绝", from, to)
			}
		}
	}
}

func TestCanTransitionRejectsUnknownStatus(t *testing.T) {
	err := CanTransition(model.JobStatus("nonsense"), model.StatusParsed)
	require.Error(t, err)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.JobStatus("nonsense"), te.From)
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	terminals := []model.JobStatus{
		model.StatusComplete,
		model.StatusFailedParse,
		model.StatusFailedChunking,
		model.StatusFailedEmbedding,
	}
	for _, from := range terminals {
		require.True(t, IsTerminal(from))
		for _, to := range allStatuses {
			assert.Errorf(t, CanTransition(from, to), "终态 %s 不应接受流转到 %s", from, to)
		}
	}
}

func TestFailureStatusMapping(t *testing.T) {
	cases := map[model.JobStatus]model.JobStatus{
		model.StatusQueued:         model.StatusFailedParse,
		model.StatusJobValidated:   model.StatusFailedParse,
		model.StatusParsing:        model.StatusFailedParse,
		model.StatusParsed:         model.StatusFailedParse,
		model.StatusParseValidated: model.StatusFailedParse,
		model.StatusChunking:       model.StatusFailedChunking,
		model.StatusChunksBuffered: model.StatusFailedChunking,
		model.StatusEmbedding:      model.StatusFailedEmbedding,
		model.StatusEmbedded:       model.StatusFailedEmbedding,
	}
	for from, want := range cases {
		got, ok := FailureStatusOf(from)
		require.Truef(t, ok, "%s 应有对应的失败终态", from)
		assert.Equal(t, want, got)
	}

	_, ok := FailureStatusOf(model.StatusComplete)
	assert.False(t, ok)
	_, ok = FailureStatusOf(model.StatusFailedParse)
	assert.False(t, ok)
}

func TestCoarseStateDerivation(t *testing.T) {
	assert.Equal(t, model.StateQueued, CoarseStateOf(model.StatusQueued))
	assert.Equal(t, model.StateWorking, CoarseStateOf(model.StatusParsing))
	assert.Equal(t, model.StateWorking, CoarseStateOf(model.StatusParsed))
	assert.Equal(t, model.StateWorking, CoarseStateOf(model.StatusEmbedded))
	assert.Equal(t, model.StateDone, CoarseStateOf(model.StatusComplete))
	assert.Equal(t, model.StateDone, CoarseStateOf(model.StatusFailedChunking))
}

func TestDeriveStateHandoff(t *testing.T) {
	// 交接点显式停在 queued，等待下一阶段认领
	assert.Equal(t, model.StateQueued, DeriveState(model.StatusParsed, true))
	assert.Equal(t, model.StateQueued, DeriveState(model.StatusChunking, true))
	assert.Equal(t, model.StateWorking, DeriveState(model.StatusParsed, false))
	// 终态不受交接标记影响
	assert.Equal(t, model.StateDone, DeriveState(model.StatusComplete, true))
	assert.Equal(t, model.StateDone, DeriveState(model.StatusFailedParse, true))
}

func TestPipelineOrderIsLinear(t *testing.T) {
	prev := -1
	for _, s := range []model.JobStatus{
		model.StatusQueued,
		model.StatusJobValidated,
		model.StatusParsing,
		model.StatusParsed,
		model.StatusParseValidated,
		model.StatusChunking,
		model.StatusChunksBuffered,
		model.StatusEmbedding,
		model.StatusEmbedded,
		model.StatusComplete,
	} {
		idx, ok := OrderIndex(s)
		require.True(t, ok)
		assert.Equal(t, prev+1, idx)
		prev = idx
	}

	_, ok := OrderIndex(model.StatusFailedParse)
	assert.False(t, ok)
}
