package tls

import (
	"crypto/tls"

	"go.uber.org/zap"

	"security-core/internal/util"
)

type TLSConfig struct {
	EnableTLS bool
	Domain    string
	CertFile  string
	KeyFile   string
	CertDir   string
}

// TLSManager serves the certificate for the admin listener: operator-supplied
// files when configured, a locally generated self-signed pair otherwise.
type TLSManager struct {
	config *TLSConfig
}

func NewTLSManager(config *TLSConfig) *TLSManager {
	return &TLSManager{config: config}
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.config.CertFile != "" && m.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
		if err == nil {
			return &cert, nil
		}
		util.Warn("Failed to load configured certificate, falling back to self-signed",
			zap.String("cert_file", m.config.CertFile),
			zap.Error(err))
	}

	return m.generateSelfSignedCert()
}

func (m *TLSManager) generateSelfSignedCert() (*tls.Certificate, error) {
	generator := NewDevCertGenerator(m.config.CertDir)
	hosts := []string{
		m.config.Domain,
		"localhost",
		"127.0.0.1",
		"::1",
	}

	cert, err := generator.GenerateCert(hosts)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}
