// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds server TLS configurations for the HTTP and WebSocket
// listeners and client configurations for outbound exporters.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var (
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadClientCA = errors.New("failed to load Client CA")
	errAppendCA     = errors.New("failed to append client ca to tls.Config")
	errLoadRootCA   = errors.New("failed to load root CA")
	errAppendRootCA = errors.New("failed to append root ca to tls.Config")
)

type Config struct {
	CertFile     string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile      string `yaml:"key_file" env:"KEY_FILE"`
	ClientCAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// Enabled reports whether a certificate and key are configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Load returns a server TLS configuration, or nil if c has no certificate.
// A client CA turns on mutual TLS.
func Load(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		Certificates: []tls.Certificate{certificate},
	}

	if c.ClientCAFile != "" {
		clientCA, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, errors.Join(errLoadClientCA, err)
		}
		config.ClientCAs = x509.NewCertPool()
		if !config.ClientCAs.AppendCertsFromPEM(clientCA) {
			return nil, errAppendCA
		}
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}

// ClientConfig configures a TLS client. An empty CAFile trusts the system
// roots; CertFile and KeyFile together enable a client certificate.
type ClientConfig struct {
	CAFile     string `yaml:"ca_file" env:"CA_FILE"`
	CertFile   string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile    string `yaml:"key_file" env:"KEY_FILE"`
	ServerName string `yaml:"server_name" env:"SERVER_NAME"`
}

// LoadClient returns a client TLS configuration for c.
func LoadClient(c ClientConfig) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.ServerName,
	}

	if c.CAFile != "" {
		rootCA, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Join(errLoadRootCA, err)
		}
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendRootCA
		}
	}

	if c.CertFile != "" || c.KeyFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	return config, nil
}

// SecurityStatus describes cfg for startup logs.
func SecurityStatus(cfg *tls.Config) string {
	if cfg == nil {
		return "no TLS"
	}
	ret := "TLS"
	if cfg.ClientCAs != nil {
		ret += " and " + cfg.ClientAuth.String()
	}
	return ret
}
