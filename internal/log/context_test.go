// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithJobID(ctx, "job-1")
	ctx = ContextWithOwnerID(ctx, "owner-1")

	require.Equal(t, "req-1", RequestIDFromContext(ctx))
	require.Equal(t, "job-1", JobIDFromContext(ctx))
	require.Equal(t, "owner-1", OwnerIDFromContext(ctx))
}

func TestContextEmpty(t *testing.T) {
	require.Empty(t, RequestIDFromContext(context.Background()))
	require.Empty(t, JobIDFromContext(nil))
	require.Empty(t, OwnerIDFromContext(nil))
}

func TestContextWithNilParent(t *testing.T) {
	ctx := ContextWithJobID(nil, "job-2")
	require.Equal(t, "job-2", JobIDFromContext(ctx))
}
