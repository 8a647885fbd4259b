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

// Package tlsutil builds TLS configurations for outbound connections to
// storage controllers, which commonly present certificates from a private
// CA or none worth verifying at all.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrCANotFound is returned when the CA file does not exist.
	ErrCANotFound = errors.New("CA file not found")
	// ErrLoadCAFailed is returned when loading the CA file fails.
	ErrLoadCAFailed = errors.New("failed to load CA file")
	// ErrParseCAFailed is returned when parsing the CA certificate fails.
	ErrParseCAFailed = errors.New("failed to parse CA certificate")
)

// ClientConfig holds the TLS parameters for one outbound endpoint.
type ClientConfig struct {
	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool
	// CAPath points at a PEM bundle trusted instead of the system roots.
	// Ignored when InsecureSkipVerify is set.
	CAPath string
}

// BuildClientTLSConfig builds a tls.Config from the provided configuration.
//
// Returns nil, nil when neither option is set, so the http transport keeps
// its defaults. Returns an error if the CA file is missing, unreadable or
// not PEM.
func BuildClientTLSConfig(config *ClientConfig) (*tls.Config, error) {
	if config == nil || (!config.InsecureSkipVerify && config.CAPath == "") {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if config.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if _, err := os.Stat(config.CAPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrCANotFound, config.CAPath)
	}

	caBytes, err := os.ReadFile(config.CAPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadCAFailed, err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, ErrParseCAFailed
	}
	tlsConfig.RootCAs = caPool

	return tlsConfig, nil
}
