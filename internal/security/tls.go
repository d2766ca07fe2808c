package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// CertPaths holds the paths to the CA and server certificate files.
type CertPaths struct {
	CACertPath string
	CertPath   string
	KeyPath    string
}

// TLSMode describes how the server should handle TLS.
type TLSMode string

const (
	// TLSModeOff disables TLS entirely (development only).
	TLSModeOff TLSMode = "off"
	// TLSModeSelfSigned uses an auto-generated CA and server certificate.
	TLSModeSelfSigned TLSMode = "self-signed"
	// TLSModeACME uses Let's Encrypt automatic certificate management.
	TLSModeACME TLSMode = "acme"
	// TLSModeCustom uses user-provided certificate and key files.
	TLSModeCustom TLSMode = "custom"
)

// ParseTLSMode validates a configured TLS mode name.
func ParseTLSMode(s string) (TLSMode, error) {
	switch m := TLSMode(s); m {
	case TLSModeOff, TLSModeSelfSigned, TLSModeACME, TLSModeCustom:
		return m, nil
	case "":
		return TLSModeSelfSigned, nil
	}
	return "", fmt.Errorf("unknown TLS mode %q", s)
}

// TLSOptions selects and parameterises the server's TLS setup.
type TLSOptions struct {
	Mode     TLSMode
	DataDir  string
	CertFile string
	KeyFile  string
	Domains  []string
}

// TLSResult holds the outcome of TLS setup, including the config and
// any ACME manager that needs to be wired into the HTTP server.
type TLSResult struct {
	Config      *tls.Config       // nil for TLSModeOff
	Paths       *CertPaths        // non-nil only for self-signed mode
	ACMEManager *autocert.Manager // non-nil only for ACME mode
	Mode        TLSMode
}

// SetupTLS builds the server TLS configuration for the selected mode.
func SetupTLS(opts TLSOptions) (*TLSResult, error) {
	res := &TLSResult{Mode: opts.Mode}
	switch opts.Mode {
	case TLSModeOff:
		return res, nil
	case TLSModeSelfSigned:
		cfg, paths, err := LoadOrGenerateTLS(opts.DataDir, opts.Domains...)
		if err != nil {
			return nil, err
		}
		res.Config, res.Paths = cfg, paths
	case TLSModeCustom:
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, fmt.Errorf("custom TLS mode requires cert and key files")
		}
		cfg, err := LoadCustomTLS(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		res.Config = cfg
	case TLSModeACME:
		if len(opts.Domains) == 0 {
			return nil, fmt.Errorf("acme TLS mode requires at least one domain")
		}
		res.ACMEManager, res.Config = NewACMEManager(opts.DataDir, opts.Domains...)
	default:
		return nil, fmt.Errorf("unknown TLS mode %q", opts.Mode)
	}
	return res, nil
}

// LoadOrGenerateTLS loads the self-signed CA and server certificate from
// dataDir, generating both when any file is missing. names become extra
// SANs on a newly generated certificate.
func LoadOrGenerateTLS(dataDir string, names ...string) (*tls.Config, *CertPaths, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	paths := &CertPaths{
		CACertPath: filepath.Join(dataDir, "ca.crt"),
		CertPath:   filepath.Join(dataDir, "server.crt"),
		KeyPath:    filepath.Join(dataDir, "server.key"),
	}

	if !fileExists(paths.CACertPath) || !fileExists(paths.CertPath) || !fileExists(paths.KeyPath) {
		if err := generateCerts(paths, names); err != nil {
			return nil, nil, fmt.Errorf("generate TLS certs: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(paths.CertPath, paths.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	return tlsCfg, paths, nil
}

// LoadCustomTLS loads user-provided certificate and key files.
func LoadCustomTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load custom TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// NewACMEManager creates a Let's Encrypt autocert manager for the given domains.
// Certificates are cached in dataDir/acme-certs.
func NewACMEManager(dataDir string, domains ...string) (*autocert.Manager, *tls.Config) {
	cacheDir := filepath.Join(dataDir, "acme-certs")
	_ = os.MkdirAll(cacheDir, 0700)

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	tlsCfg := manager.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS13

	return manager, tlsCfg
}

// LoadCAPool reads a PEM CA bundle for agents that pin the server's
// self-signed authority.
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 2 * 365 * 24 * time.Hour
)

// generateCerts writes a fresh CA and a server certificate signed by it.
// names are added to the server certificate's SANs.
func generateCerts(paths *CertPaths, names []string) error {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	caCert, caDER, err := selfSign(&x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{Organization: []string{"Stark"}, CommonName: "Stark Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}, caKey)
	if err != nil {
		return fmt.Errorf("create CA: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	dns, ips := serverSANs(names)
	leaf := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{Organization: []string{"Stark"}, CommonName: "Stark Server"},
		DNSNames:     dns,
		IPAddresses:  ips,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(serverValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leaf, caCert, &key.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("create server certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}

	for _, f := range []struct {
		path, typ string
		der       []byte
	}{
		{paths.CACertPath, "CERTIFICATE", caDER},
		{paths.CertPath, "CERTIFICATE", leafDER},
		{paths.KeyPath, "PRIVATE KEY", keyDER},
	} {
		if err := writePEM(f.path, f.typ, f.der); err != nil {
			return err
		}
	}
	return nil
}

func selfSign(tmpl *x509.Certificate, key *ecdsa.PrivateKey) (*x509.Certificate, []byte, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	return cert, der, err
}

// serverSANs returns localhost, the machine hostname, every non-loopback
// interface address and any extra names. Names that parse as IPs are
// added as IP SANs.
func serverSANs(extra []string) ([]string, []net.IP) {
	dns := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		dns = append(dns, hostname)
	}
	for _, n := range extra {
		if ip := net.ParseIP(n); ip != nil {
			ips = append(ips, ip)
		} else if n != "" {
			dns = append(dns, n)
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return dns, ips
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			ips = append(ips, ipnet.IP)
		}
	}
	return dns, ips
}

func writePEM(path, blockType string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func newSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, _ := rand.Int(rand.Reader, limit)
	return n
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
