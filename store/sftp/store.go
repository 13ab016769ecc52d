// Package sftp provides a Store that delivers units to an SFTP server.
//
// The SSH session is opened lazily on first use and dropped after a network
// error, so a store created while the modem is down still works once the link
// comes back.
//
// With SSH key authentication:
//
//	store, err := sftp.New(sftp.Config{
//	    Host:           "collect.example.org",
//	    User:           "recorder",
//	    KeyFile:        "/etc/omnirecorder/id_ed25519",
//	    KnownHostsFile: "/etc/omnirecorder/known_hosts",
//	})
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/grokify/omnirecorder"
)

func init() {
	omnirecorder.RegisterStore("sftp", NewFromConfig)
}

type dialFunc func(ctx context.Context) (*sftp.Client, io.Closer, error)

// Store implements omnirecorder.Store for SFTP.
type Store struct {
	config Config
	dial   dialFunc

	client *sftp.Client
	conn   io.Closer
	closed bool
	mu     sync.Mutex
}

// New creates an SFTP store. No connection is made until the first call.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30
	}

	sshConfig, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s := &Store{config: cfg}
	s.dial = func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		d := net.Dialer{Timeout: sshConfig.Timeout}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, err
		}
		c, chans, reqs, err := ssh.NewClientConn(nc, addr, sshConfig)
		if err != nil {
			_ = nc.Close()
			return nil, nil, err
		}
		sshClient := ssh.NewClient(c, chans, reqs)
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, nil, err
		}
		return client, sshClient, nil
	}
	return s, nil
}

// NewFromConfig creates a new SFTP store from a config map.
// This is used by the omnirecorder registry. Keys missing from configMap
// fall back to ConfigFromEnv, so credentials can stay out of config.json.
func NewFromConfig(configMap map[string]string) (omnirecorder.Store, error) {
	return New(mergeMap(ConfigFromEnv(), configMap))
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod
	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
	}
	if cfg.KeyFile != "" {
		keyAuth, err := keyFileAuth(cfg.KeyFile, cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("sftp: loading key file: %w", err)
		}
		authMethods = append(authMethods, keyAuth)
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("sftp: no authentication method provided (password or key_file required)")
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // G106: only when no known_hosts is configured
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: loading known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		Timeout:         time.Duration(cfg.Timeout) * time.Second,
		HostKeyCallback: hostKey,
	}, nil
}

// keyFileAuth creates an SSH auth method from a private key file.
func keyFileAuth(keyFile, passphrase string) (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// Put uploads to a temporary name and renames it into place once the server
// has accepted every byte.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, _ ...omnirecorder.PutOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return omnirecorder.Permanent(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}

	full := s.fullPath(key)
	dir := path.Dir(full)
	tmp := path.Join(dir, ".tmp-"+path.Base(full))

	if err := client.MkdirAll(dir); err != nil {
		return s.fail(fmt.Errorf("sftp: creating directory %s: %w", dir, err))
	}
	f, err := client.Create(tmp)
	if err != nil {
		return s.fail(fmt.Errorf("sftp: creating %s: %w", key, err))
	}
	n, err := io.Copy(f, r)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short body: %d of %d bytes", n, size)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = client.Remove(tmp)
		return s.fail(fmt.Errorf("sftp: writing %s: %w", key, err))
	}

	if err := client.PosixRename(tmp, full); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = client.Remove(full)
		if err := client.Rename(tmp, full); err != nil {
			_ = client.Remove(tmp)
			return s.fail(fmt.Errorf("sftp: renaming %s: %w", key, err))
		}
	}
	return nil
}

// Stat returns size and modification time of a stored object.
func (s *Store) Stat(ctx context.Context, key string) (omnirecorder.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(s.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, omnirecorder.ErrNotFound
		}
		return nil, s.fail(fmt.Errorf("sftp: stat %s: %w", key, err))
	}
	return &omnirecorder.BasicObjectInfo{
		ObjectKey:     key,
		ObjectSize:    info.Size(),
		ObjectModTime: info.ModTime(),
	}, nil
}

// Probe connects if needed and checks the session is alive.
func (s *Store) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Getwd(); err != nil {
		return s.fail(fmt.Errorf("sftp: probe: %w", err))
	}
	return nil
}

// Close closes the SFTP and SSH connections.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.disconnect()
}

// connect returns the live client, dialing if necessary. Must be called with
// mu held.
func (s *Store) connect(ctx context.Context) (*sftp.Client, error) {
	if s.closed {
		return nil, omnirecorder.ErrStoreClosed
	}
	if s.client != nil {
		return s.client, nil
	}
	client, conn, err := s.dial(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("sftp: connecting to %s: %w", s.config.Host, err))
	}
	s.client, s.conn = client, conn
	return client, nil
}

// fail classifies err and drops the session after network failures.
// Must be called with mu held.
func (s *Store) fail(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, sftp.ErrSSHFxConnectionLost) {
		_ = s.disconnect()
	}
	return classify(err)
}

func (s *Store) disconnect() error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	s.client, s.conn = nil, nil
	return errors.Join(errs...)
}

func (s *Store) fullPath(key string) string {
	if s.config.Root == "" {
		return path.Clean(key)
	}
	return path.Join(s.config.Root, key)
}

func validateKey(key string) error {
	if key == "" {
		return omnirecorder.ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return omnirecorder.ErrInvalidKey
	}
	return nil
}

// classify marks authentication and permission failures as permanent.
func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return omnirecorder.Permanent(err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") || errors.As(err, new(*knownhosts.KeyError)) {
		return omnirecorder.Permanent(err)
	}
	return omnirecorder.Transient(err)
}

var _ omnirecorder.Store = (*Store)(nil)
