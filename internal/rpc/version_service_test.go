package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionServiceGetVersionReturnsTuple(t *testing.T) {
	svc := NewVersionService(nil, false)
	resp, err := svc.GetVersion(context.Background(), &GetVersionRequest{})
	require.NoError(t, err)
	assert.Equal(t, StubVersion, resp.StubVersion)
	assert.Equal(t, ServiceVersion, resp.ServiceVersion)
}

func TestVersionServiceRejectsIncompatiblePeer(t *testing.T) {
	svc := NewVersionService(nil, false)
	_, err := svc.GetVersion(context.Background(), &GetVersionRequest{MinRequiredVersion: ServiceVersion + 1})
	require.Error(t, err)
	kind, ok := KindFromError(err)
	require.True(t, ok)
	assert.Equal(t, "VERSION_INCOMPATIBLE", kind.String())
}
