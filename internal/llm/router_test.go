package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/verrors"
)

func TestEvaluateConditionRetriesUnparseableVerdict(t *testing.T) {
	mock := NewMockClient(
		"true",
		`{"result": true, "explanation": "second attempt"}`,
	)
	router := NewRouterWithClients(mock, nil)

	result, explanation, err := router.EvaluateCondition(context.Background(), "is the sky blue", "")
	require.NoError(t, err)
	assert.True(t, result)
	assert.Equal(t, "second attempt", explanation)
	require.Equal(t, 2, mock.Calls())

	requests := mock.Requests()
	first := requests[0].Messages[0].Content
	second := requests[1].Messages[0].Content
	assert.False(t, strings.Contains(first, "previous reply"))
	assert.True(t, strings.Contains(second, "previous reply"), "retry carries the stricter instruction")
}

func TestEvaluateConditionGivesUpAfterRetry(t *testing.T) {
	mock := NewMockClient("true", "still not json")
	router := NewRouterWithClients(mock, nil)

	_, _, err := router.EvaluateCondition(context.Background(), "is the sky blue", "")
	require.Error(t, err)
	assert.Equal(t, verrors.KindLLMParse, verrors.KindOf(err))
	assert.Equal(t, 2, mock.Calls())
}

func TestEvaluateConditionDoesNotRetryProviderErrors(t *testing.T) {
	mock := &MockClient{}
	mock.FailWith(verrors.New(verrors.KindTimeout, "provider timed out"))
	router := NewRouterWithClients(mock, nil)

	_, _, err := router.EvaluateCondition(context.Background(), "is the sky blue", "")
	require.Error(t, err)
	assert.Equal(t, verrors.KindTimeout, verrors.KindOf(err))
	assert.Equal(t, 1, mock.Calls())
}
