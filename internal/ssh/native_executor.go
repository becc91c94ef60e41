package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort       = 22
	defaultDialTimeout   = 10 * time.Second
	defaultPoolSize      = 4
	defaultKeepAliveWait = 15 * time.Second
)

// NativeExecutor runs commands with golang.org/x/crypto/ssh, reusing
// client connections across calls.
type NativeExecutor struct {
	options ConnectionOptions
	pool    *connectionPool

	auth  []xssh.AuthMethod
	agent *AgentConnection

	// PassphrasePrompt is consulted for encrypted private keys.
	PassphrasePrompt PassphrasePrompt

	// KeepAliveInterval enables keepalive requests on pooled connections.
	KeepAliveInterval time.Duration

	// KeepAliveTimeout bounds a single keepalive round trip.
	KeepAliveTimeout time.Duration
}

// NativeOption configures a NativeExecutor.
type NativeOption func(*NativeExecutor)

// WithKeepAlive enables keepalive probes on pooled connections.
func WithKeepAlive(interval, timeout time.Duration) NativeOption {
	return func(e *NativeExecutor) {
		e.KeepAliveInterval = interval
		e.KeepAliveTimeout = timeout
	}
}

// WithPoolSize bounds the number of pooled connections.
func WithPoolSize(size int) NativeOption {
	return func(e *NativeExecutor) {
		if size > 0 {
			e.pool.maxSize = size
		}
	}
}

// WithPassphrasePrompt sets the prompt used for encrypted keys.
func WithPassphrasePrompt(prompt PassphrasePrompt) NativeOption {
	return func(e *NativeExecutor) {
		e.PassphrasePrompt = prompt
	}
}

// NewNativeExecutor creates a NativeExecutor. Authentication uses the
// configured key and the SSH agent when available.
func NewNativeExecutor(options ConnectionOptions, opts ...NativeOption) (*NativeExecutor, error) {
	if options.Host == "" {
		return nil, ErrMissingHost
	}

	e := &NativeExecutor{
		options: options,
		pool: &connectionPool{
			maxSize: defaultPoolSize,
			conns:   make(map[string]*pooledConn),
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.buildAuth(); err != nil {
		return nil, fmt.Errorf("failed to build SSH config: %w", err)
	}
	return e, nil
}

func (e *NativeExecutor) buildAuth() error {
	if e.options.KeyPath != "" {
		signer, err := LoadPrivateKey(e.options.KeyPath, e.PassphrasePrompt)
		if err != nil {
			return err
		}
		e.auth = append(e.auth, xssh.PublicKeys(signer))
	}

	if agentConn, err := ConnectAgent(); err == nil {
		e.agent = agentConn
		e.auth = append(e.auth, agentConn.AuthMethod())
	}

	if len(e.auth) == 0 {
		return ErrNoAuthMethods
	}
	return nil
}

// Exec runs a command and returns its stdout and stderr output.
func (e *NativeExecutor) Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error) {
	return e.run(ctx, cmd, nil)
}

// ExecInteractive runs a command, streaming stdin to the remote process.
func (e *NativeExecutor) ExecInteractive(ctx context.Context, cmd string, stdin io.Reader) error {
	_, _, err := e.run(ctx, cmd, stdin)
	return err
}

// Close closes pooled connections and the agent connection.
func (e *NativeExecutor) Close() error {
	err := e.pool.closeAll()
	if agentErr := e.agent.Close(); agentErr != nil && err == nil {
		err = agentErr
	}
	return err
}

func (e *NativeExecutor) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	client, err := e.client(ctx)
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// A dead pooled connection is dropped so the next call redials.
		e.pool.remove(e.targetAddr())
		return nil, nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		_ = session.Close()
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), ctx.Err()
	case err := <-done:
		stdout, stderr := stdoutBuf.Bytes(), stderrBuf.Bytes()
		if err != nil {
			var exitErr *xssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout, stderr, &ExecError{
					Command:  cmd,
					ExitCode: exitErr.ExitStatus(),
					Stdout:   stdout,
					Stderr:   stderr,
					Err:      err,
				}
			}
			return stdout, stderr, err
		}
		return stdout, stderr, nil
	}
}

func (e *NativeExecutor) client(ctx context.Context) (*xssh.Client, error) {
	addr := e.targetAddr()
	if conn := e.pool.get(addr); conn != nil {
		return conn.client, nil
	}

	config, err := e.clientConfig(e.options.User)
	if err != nil {
		return nil, err
	}

	var client *xssh.Client
	if e.options.ProxyJump != "" {
		client, err = e.dialViaJump(ctx, addr, config)
	} else {
		client, err = dialContext(ctx, "tcp", addr, config)
	}
	if err != nil {
		return nil, err
	}

	conn := &pooledConn{client: client, lastUsed: time.Now()}
	e.pool.put(addr, conn)
	if e.KeepAliveInterval > 0 {
		go e.keepAlive(addr, conn)
	}
	return client, nil
}

func (e *NativeExecutor) dialViaJump(ctx context.Context, addr string, config *xssh.ClientConfig) (*xssh.Client, error) {
	jumpUser, jumpHost, jumpPort := parseSSHTarget(e.options.ProxyJump)
	if jumpUser == "" {
		jumpUser = e.options.User
	}
	if jumpPort == "" {
		jumpPort = strconv.Itoa(defaultSSHPort)
	}

	jumpConfig, err := e.clientConfig(jumpUser)
	if err != nil {
		return nil, err
	}
	jump, err := dialContext(ctx, "tcp", net.JoinHostPort(jumpHost, jumpPort), jumpConfig)
	if err != nil {
		return nil, fmt.Errorf("dial proxy jump %s: %w", e.options.ProxyJump, err)
	}

	netConn, err := jump.Dial("tcp", addr)
	if err != nil {
		_ = jump.Close()
		return nil, unreachable(addr+" via "+e.options.ProxyJump, err)
	}
	conn, chans, reqs, err := xssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = jump.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return xssh.NewClient(conn, chans, reqs), nil
}

func (e *NativeExecutor) clientConfig(user string) (*xssh.ClientConfig, error) {
	hostKeys, err := e.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	timeout := e.options.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &xssh.ClientConfig{
		User:            user,
		Auth:            e.auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

func (e *NativeExecutor) hostKeyCallback() (xssh.HostKeyCallback, error) {
	path := e.options.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return callback, nil
}

func (e *NativeExecutor) keepAlive(addr string, conn *pooledConn) {
	timeout := e.KeepAliveTimeout
	if timeout <= 0 {
		timeout = defaultKeepAliveWait
	}
	ticker := time.NewTicker(e.KeepAliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		if e.pool.get(addr) != conn {
			return
		}
		result := make(chan error, 1)
		go func() {
			_, _, err := conn.client.SendRequest("keepalive@openssh.com", true, nil)
			result <- err
		}()

		select {
		case err := <-result:
			if err == nil {
				continue
			}
		case <-time.After(timeout):
		}
		e.pool.remove(addr)
		return
	}
}

func (e *NativeExecutor) targetAddr() string {
	port := e.options.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(e.options.Host, strconv.Itoa(port))
}

func dialContext(ctx context.Context, network, addr string, config *xssh.ClientConfig) (*xssh.Client, error) {
	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, unreachable(addr, err)
	}
	conn, chans, reqs, err := xssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return xssh.NewClient(conn, chans, reqs), nil
}

type pooledConn struct {
	client   *xssh.Client
	lastUsed time.Time
}

type connectionPool struct {
	mu      sync.Mutex
	maxSize int
	conns   map[string]*pooledConn
}

func (p *connectionPool) get(addr string) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := p.conns[addr]
	if conn != nil {
		conn.lastUsed = time.Now()
	}
	return conn
}

func (p *connectionPool) put(addr string, conn *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.conns[addr]; ok && existing != conn {
		_ = existing.client.Close()
	}
	if len(p.conns) >= p.maxSize {
		p.evictOldestLocked()
	}
	p.conns[addr] = conn
}

func (p *connectionPool) remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		_ = conn.client.Close()
		delete(p.conns, addr)
	}
}

func (p *connectionPool) evictOldestLocked() {
	var oldestAddr string
	var oldest time.Time
	for addr, conn := range p.conns {
		if oldestAddr == "" || conn.lastUsed.Before(oldest) {
			oldestAddr, oldest = addr, conn.lastUsed
		}
	}
	if oldestAddr != "" {
		_ = p.conns[oldestAddr].client.Close()
		delete(p.conns, oldestAddr)
	}
}

func (p *connectionPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for addr, conn := range p.conns {
		if err := conn.client.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, addr)
	}
	return errors.Join(errs...)
}
