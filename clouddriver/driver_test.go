package clouddriver_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/clouddriver/mockdriver"
)

func TestRegistryBuildsRegisteredProvider(t *testing.T) {
	reg := clouddriver.NewRegistry()
	reg.Register("mock", func(region, accessKey, secretKey string) (clouddriver.Driver, error) {
		return mockdriver.New(), nil
	})

	drv, err := reg.Build("mock", "us-east-1", "ak", "sk")
	require.NoError(t, err)
	require.NotNil(t, drv)
}

func TestRegistryRejectsUnknownProvider(t *testing.T) {
	reg := clouddriver.NewRegistry()
	_, err := reg.Build("nonexistent", "us-east-1", "ak", "sk")
	require.Error(t, err)
}
