package cert

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

const (
	CAFile         = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"

	defaultKeyBits = 4096
)

// Service keeps the CA and server key pair of the gRPC health endpoint in
// one directory and issues client certificates for probes.
type Service struct {
	Dir         string
	DomainNames []string
	IPAddresses []net.IP
	KeyBits     int

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
}

type Options struct {
	DomainNames []string
	IPAddresses []net.IP
	KeyBits     int
}

// New loads the CA and server certificate from dir, generating whichever is
// missing.
func New(dir string, opts *Options) (*Service, error) {
	s := &Service{Dir: dir, KeyBits: defaultKeyBits}

	if opts != nil {
		s.DomainNames = opts.DomainNames
		s.IPAddresses = opts.IPAddresses
		if opts.KeyBits > 0 {
			s.KeyBits = opts.KeyBits
		}
	}

	if len(s.DomainNames) == 0 {
		s.DomainNames = []string{"localhost"}
	}

	if len(s.IPAddresses) == 0 {
		s.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory %s: %w", dir, err)
	}
	if err := s.ensureCA(); err != nil {
		return nil, fmt.Errorf("failed to ensure CA: %w", err)
	}
	if err := s.ensureServerCert(); err != nil {
		return nil, fmt.Errorf("failed to ensure server certificate: %w", err)
	}

	return s, nil
}

func (s *Service) path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *Service) CAPath() string         { return s.path(CAFile) }
func (s *Service) ServerCertPath() string { return s.path(ServerCertFile) }
func (s *Service) ServerKeyPath() string  { return s.path(ServerKeyFile) }

func (s *Service) ensureCA() error {
	certPath, keyPath := s.path(CAFile), s.path(CAKeyFile)
	if fileExists(certPath) && fileExists(keyPath) {
		slog.Debug("Using existing CA certificate", "cert_path", certPath)
		caCert, caKey, err := loadKeyPair(certPath, keyPath)
		if err != nil {
			return err
		}
		s.caCert, s.caKey = caCert, caKey
		return nil
	}

	slog.Info("CA certificate not found, generating new CA", "cert_path", certPath)
	caCert, caKey, err := generateCA(s.KeyBits)
	if err != nil {
		return err
	}
	if err := writeKeyPair(caCert, caKey, certPath, keyPath); err != nil {
		return err
	}
	s.caCert, s.caKey = caCert, caKey
	slog.Info("Generated CA certificate", "cert_path", certPath, "key_path", keyPath)
	return nil
}

func (s *Service) ensureServerCert() error {
	certPath, keyPath := s.ServerCertPath(), s.ServerKeyPath()
	if fileExists(certPath) && fileExists(keyPath) {
		slog.Debug("Using existing server certificate", "cert_path", certPath)
		return nil
	}

	slog.Info("Server certificate not found, generating new server certificate",
		"cert_path", certPath,
		"domains", s.DomainNames,
		"ips", s.IPAddresses)

	serverCert, serverKey, err := generateLeaf(s.caCert, s.caKey, s.KeyBits, leafSpec{
		commonName:  s.DomainNames[0],
		usage:       x509.ExtKeyUsageServerAuth,
		dnsNames:    s.DomainNames,
		ipAddresses: s.IPAddresses,
	})
	if err != nil {
		return err
	}
	if err := writeKeyPair(serverCert, serverKey, certPath, keyPath); err != nil {
		return err
	}
	slog.Info("Generated server certificate", "cert_path", certPath, "key_path", keyPath)
	return nil
}

// IssueClientCert signs a client certificate for name and writes it as
// <name>.crt and <name>.key.
func (s *Service) IssueClientCert(name string) (certPath, keyPath string, err error) {
	if name == "" {
		return "", "", fmt.Errorf("client name is required")
	}
	clientCert, clientKey, err := generateLeaf(s.caCert, s.caKey, s.KeyBits, leafSpec{
		commonName: name,
		usage:      x509.ExtKeyUsageClientAuth,
	})
	if err != nil {
		return "", "", err
	}

	certPath, keyPath = s.path(name+".crt"), s.path(name+".key")
	if err := writeKeyPair(clientCert, clientKey, certPath, keyPath); err != nil {
		return "", "", err
	}
	slog.Info("Issued client certificate", "name", name, "cert_path", certPath)
	return certPath, keyPath, nil
}
