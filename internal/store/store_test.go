package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrKind_String(t *testing.T) {
	require.Equal(t, "store", KindStore.String())
	require.Equal(t, "deadline", KindDeadline.String())
}

func TestClassify_NilErrorPassesThrough(t *testing.T) {
	require.Nil(t, classify("op", nil))
}

func TestClassify_DeadlineExceededTagsKindDeadline(t *testing.T) {
	err := classify("query active tokens", context.DeadlineExceeded)
	require.Error(t, err)
	require.Contains(t, err.Error(), "(deadline)")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClassify_OtherErrorTagsKindStore(t *testing.T) {
	err := classify("prune history", errors.New("connection reset"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "(store)")
}
