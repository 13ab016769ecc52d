package sftp

import (
	"errors"
	"os"
	"strconv"
)

// Errors specific to the SFTP store.
var (
	ErrHostRequired = errors.New("sftp: host is required")
	ErrUserRequired = errors.New("sftp: user is required")
)

// Config holds configuration for the SFTP store.
type Config struct {
	// Host is the SFTP server hostname or IP address (required).
	Host string

	// Port is the SSH port. Default: 22.
	Port int

	// User is the SSH username (required).
	User string

	// Password is the SSH password.
	// Either Password or KeyFile must be provided.
	Password string

	// KeyFile is the path to an SSH private key file.
	KeyFile string

	// KeyPassphrase is the passphrase for encrypted private keys.
	KeyPassphrase string

	// Root is the base directory on the remote server.
	Root string

	// KnownHostsFile is the path to the known_hosts file.
	// If empty, host key verification is disabled (insecure).
	KnownHostsFile string

	// Timeout is the connection timeout in seconds.
	// Default: 30.
	Timeout int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Port:    22,
		Timeout: 30,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Environment variables:
//   - OMNIRECORDER_SFTP_HOST: server hostname
//   - OMNIRECORDER_SFTP_PORT: SSH port (default: 22)
//   - OMNIRECORDER_SFTP_USER: username
//   - OMNIRECORDER_SFTP_PASSWORD: password
//   - OMNIRECORDER_SFTP_KEY_FILE: path to private key
//   - OMNIRECORDER_SFTP_ROOT: base directory
//   - OMNIRECORDER_SFTP_KNOWN_HOSTS: path to known_hosts file
func ConfigFromEnv() Config {
	config := DefaultConfig()

	config.Host = os.Getenv("OMNIRECORDER_SFTP_HOST")
	if v := os.Getenv("OMNIRECORDER_SFTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			config.Port = port
		}
	}
	config.User = os.Getenv("OMNIRECORDER_SFTP_USER")
	config.Password = os.Getenv("OMNIRECORDER_SFTP_PASSWORD")
	config.KeyFile = os.Getenv("OMNIRECORDER_SFTP_KEY_FILE")
	config.Root = os.Getenv("OMNIRECORDER_SFTP_ROOT")
	config.KnownHostsFile = os.Getenv("OMNIRECORDER_SFTP_KNOWN_HOSTS")

	return config
}

// ConfigFromMap creates a Config from a string map.
// Supported keys:
//   - host: server hostname (required)
//   - port: SSH port (default: 22)
//   - user: username (required)
//   - pass or password: password
//   - key_file: path to private key
//   - key_passphrase: passphrase for encrypted key
//   - root: base directory
//   - known_hosts: path to known_hosts file
//   - timeout: connection timeout in seconds
func ConfigFromMap(m map[string]string) Config {
	return mergeMap(DefaultConfig(), m)
}

// mergeMap overrides the fields of config whose keys are present in m.
func mergeMap(config Config, m map[string]string) Config {

	if v, ok := m["host"]; ok {
		config.Host = v
	}
	if v, ok := m["port"]; ok {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			config.Port = port
		}
	}
	if v, ok := m["user"]; ok {
		config.User = v
	}
	if v, ok := m["pass"]; ok {
		config.Password = v
	}
	if v, ok := m["password"]; ok {
		config.Password = v
	}
	if v, ok := m["key_file"]; ok {
		config.KeyFile = v
	}
	if v, ok := m["key_passphrase"]; ok {
		config.KeyPassphrase = v
	}
	if v, ok := m["root"]; ok {
		config.Root = v
	}
	if v, ok := m["known_hosts"]; ok {
		config.KnownHostsFile = v
	}
	if v, ok := m["timeout"]; ok {
		if timeout, err := strconv.Atoi(v); err == nil && timeout > 0 {
			config.Timeout = timeout
		}
	}

	return config
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Host == "" {
		return ErrHostRequired
	}
	if c.User == "" {
		return ErrUserRequired
	}
	return nil
}
