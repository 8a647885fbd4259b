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

package certutil_test

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/caravel-vm/caravel/internal/util/certutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCA(t *testing.T) {
	ca, err := certutil.NewCA()
	require.NoError(t, err)
	require.NotNil(t, ca)

	assert.NotNil(t, ca.Pool())

	certPEM := ca.Cert()
	require.NotEmpty(t, certPEM)

	block, rest := pem.Decode(certPEM)
	require.NotNil(t, block)
	assert.Empty(t, rest)
	assert.Equal(t, "CERTIFICATE", block.Type)

	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.True(t, cert.IsCA)
	assert.True(t, cert.BasicConstraintsValid)
	assert.True(t, cert.NotBefore.Before(time.Now()))
	assert.True(t, cert.NotAfter.After(time.Now()))
}

func TestCA_NewCertifiedKey(t *testing.T) {
	tests := []struct {
		name    string
		domains []string
	}{
		{name: "single domain", domains: []string{"filer-a.example.com"}},
		{name: "multiple domains", domains: []string{"filer-a.example.com", "*.example.com"}},
		{name: "no domains", domains: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca, err := certutil.NewCA()
			require.NoError(t, err)

			key, cert, err := ca.NewCertifiedKey(tt.domains...)
			require.NoError(t, err)
			require.NotNil(t, key)
			require.NotNil(t, cert)

			assert.False(t, cert.IsCA)
			if len(tt.domains) == 0 {
				return
			}
			assert.Equal(t, tt.domains, cert.DNSNames)

			// The leaf must chain back to the issuing CA.
			chains, err := cert.Verify(x509.VerifyOptions{
				DNSName: tt.domains[0],
				Roots:   ca.Pool(),
			})
			assert.NoError(t, err)
			assert.NotEmpty(t, chains)
		})
	}
}

func TestCA_NewCertifiedKeyPEM(t *testing.T) {
	ca, err := certutil.NewCA()
	require.NoError(t, err)

	keyPEM, certPEM, err := ca.NewCertifiedKeyPEM("filer-a.example.com")
	require.NoError(t, err)
	require.NotEmpty(t, keyPEM)
	require.NotEmpty(t, certPEM)

	keyBlock, _ := pem.Decode(keyPEM)
	require.NotNil(t, keyBlock)
	assert.Equal(t, "PRIVATE KEY", keyBlock.Type)
	_, err = x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	require.NoError(t, err)

	certBlock, _ := pem.Decode(certPEM)
	require.NotNil(t, certBlock)
	assert.Equal(t, "CERTIFICATE", certBlock.Type)
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"filer-a.example.com"}, cert.DNSNames)
}
