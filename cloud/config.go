package cloud

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// File names in the base path
const (
	ConfigFileName = "config.json"
	CertFileName   = "certificate.pem.crt"
	KeyFileName    = "private.pem.key"
	CAFileName     = "root-ca.pem"
)

// Config is the stored IoT configuration of the device. File names are
// relative to the base path.
type Config struct {
	ThingName   string `json:"thing_name"`
	Endpoint    string `json:"endpoint"`
	IoTCertFile string `json:"iot_cert_file"`
	IoTKeyFile  string `json:"iot_key_file"`
	IoTCAFile   string `json:"iot_ca_file"`
}

// LoadConfig reads the configuration from basePath. It returns ErrNoCredentials
// if there is none.
func LoadConfig(basePath string) (Config, error) {
	var config Config
	data, err := os.ReadFile(filepath.Join(basePath, ConfigFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return config, ErrNoCredentials
	}
	if err != nil {
		return config, err
	}
	if err = json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("cannot parse %s: %w", ConfigFileName, err)
	}
	if config.ThingName == "" || config.Endpoint == "" || config.IoTCertFile == "" || config.IoTKeyFile == "" {
		return config, fmt.Errorf("incomplete %s: %w", ConfigFileName, ErrNoCredentials)
	}
	for _, name := range []string{config.IoTCertFile, config.IoTKeyFile} {
		if _, err := os.Stat(filepath.Join(basePath, name)); err != nil {
			return config, fmt.Errorf("%s: %w", name, ErrNoCredentials)
		}
	}
	return config, nil
}

// Save writes the configuration to basePath
func (c Config) Save(basePath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(basePath, ConfigFileName), data, 0600)
}

// TLSConfig returns the client TLS configuration for the IoT endpoint
func (c Config) TLSConfig(basePath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(basePath, c.IoTCertFile), filepath.Join(basePath, c.IoTKeyFile))
	if err != nil {
		return nil, fmt.Errorf("cannot load client certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.IoTCAFile != "" {
		caData, err := os.ReadFile(filepath.Join(basePath, c.IoTCAFile))
		if err != nil {
			return nil, fmt.Errorf("cannot load root CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("no certificate in %s", c.IoTCAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// credentials is the answer of the credentials API
type credentials struct {
	ThingName   string `json:"thing_name"`
	Endpoint    string `json:"endpoint"`
	Certificate string `json:"cert"`
	Key         string `json:"key"`
	CA          string `json:"ca"`
}

// store writes the credentials and the matching configuration to basePath
func (c credentials) store(basePath string) (Config, error) {
	if c.ThingName == "" || c.Endpoint == "" || c.Certificate == "" || c.Key == "" {
		return Config{}, errors.New("incomplete credentials")
	}
	config := Config{
		ThingName:   c.ThingName,
		Endpoint:    c.Endpoint,
		IoTCertFile: CertFileName,
		IoTKeyFile:  KeyFileName,
	}
	files := map[string]string{CertFileName: c.Certificate, KeyFileName: c.Key}
	if c.CA != "" {
		config.IoTCAFile = CAFileName
		files[CAFileName] = c.CA
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return Config{}, err
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(basePath, name), []byte(content), 0600); err != nil {
			return Config{}, err
		}
	}
	return config, config.Save(basePath)
}
