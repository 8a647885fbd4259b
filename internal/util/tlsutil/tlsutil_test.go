//go:build unit

// Copyright 2026 The Caravel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tlsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-vm/caravel/internal/util/certutil"
	"github.com/caravel-vm/caravel/internal/util/tlsutil"
)

func TestBuildClientTLSConfig_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config *tlsutil.ClientConfig
	}{
		{name: "nil config", config: nil},
		{name: "empty config", config: &tlsutil.ClientConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tlsConfig, err := tlsutil.BuildClientTLSConfig(tt.config)
			assert.NoError(t, err)
			assert.Nil(t, tlsConfig)
		})
	}
}

func TestBuildClientTLSConfig_Insecure(t *testing.T) {
	t.Parallel()

	tlsConfig, err := tlsutil.BuildClientTLSConfig(&tlsutil.ClientConfig{
		InsecureSkipVerify: true,
		CAPath:             "/nonexistent/ca.pem", // ignored when insecure
	})
	require.NoError(t, err)
	require.NotNil(t, tlsConfig)
	assert.True(t, tlsConfig.InsecureSkipVerify)
	assert.Nil(t, tlsConfig.RootCAs)
}

func TestBuildClientTLSConfig_CANotFound(t *testing.T) {
	t.Parallel()

	tlsConfig, err := tlsutil.BuildClientTLSConfig(&tlsutil.ClientConfig{
		CAPath: "/nonexistent/ca.pem",
	})
	assert.Nil(t, tlsConfig)
	require.ErrorIs(t, err, tlsutil.ErrCANotFound)
	assert.Contains(t, err.Error(), "/nonexistent/ca.pem")
}

func TestBuildClientTLSConfig_CANotPEM(t *testing.T) {
	t.Parallel()

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caPath, []byte("not a pem bundle"), 0o600))

	tlsConfig, err := tlsutil.BuildClientTLSConfig(&tlsutil.ClientConfig{CAPath: caPath})
	assert.Nil(t, tlsConfig)
	require.ErrorIs(t, err, tlsutil.ErrParseCAFailed)
}

func TestBuildClientTLSConfig_WithCA(t *testing.T) {
	t.Parallel()

	ca, err := certutil.NewCA()
	require.NoError(t, err)

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caPath, ca.Cert(), 0o600))

	tlsConfig, err := tlsutil.BuildClientTLSConfig(&tlsutil.ClientConfig{CAPath: caPath})
	require.NoError(t, err)
	require.NotNil(t, tlsConfig)
	assert.False(t, tlsConfig.InsecureSkipVerify)
	assert.NotNil(t, tlsConfig.RootCAs)
}
