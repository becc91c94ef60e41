package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"
)

// PassphraseEnv supplies the passphrase of an encrypted device key when no
// terminal is available, for example under a CI runner.
const PassphraseEnv = "CHANGEGATE_SSH_PASSPHRASE"

// PassphrasePrompt returns the passphrase for the key at keyPath.
type PassphrasePrompt func(keyPath string) (string, error)

// LoadPrivateKey parses the device key at path. prompt is only consulted
// for encrypted keys.
func LoadPrivateKey(path string, prompt PassphrasePrompt) (xssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	signer, err := xssh.ParsePrivateKey(pemBytes)
	var missing *xssh.PassphraseMissingError
	switch {
	case err == nil:
		return signer, nil
	case !errors.As(err, &missing):
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	case prompt == nil:
		return nil, fmt.Errorf("%w: %s", ErrPassphraseRequired, path)
	}

	passphrase, err := prompt(path)
	if err != nil {
		return nil, fmt.Errorf("passphrase for %s: %w", path, err)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: %s", ErrPassphraseRequired, path)
	}
	signer, err = xssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt key %s: %w", path, err)
	}
	return signer, nil
}

// EnvPassphrasePrompt reads PassphraseEnv and defers to next when it is
// unset. next may be nil.
func EnvPassphrasePrompt(next PassphrasePrompt) PassphrasePrompt {
	return func(keyPath string) (string, error) {
		if passphrase, ok := os.LookupEnv(PassphraseEnv); ok {
			return passphrase, nil
		}
		if next == nil {
			return "", nil
		}
		return next(keyPath)
	}
}

// TerminalPassphrasePrompt asks on stderr and reads stdin without echo.
func TerminalPassphrasePrompt(keyPath string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", keyPath)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(passphrase), nil
}

// AgentConnection is a live connection to the agent at SSH_AUTH_SOCK.
type AgentConnection struct {
	Conn   net.Conn
	Client agent.ExtendedAgent
}

// ConnectAgent dials SSH_AUTH_SOCK.
func ConnectAgent() (*AgentConnection, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, ErrSSHAgentUnavailable
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHAgentUnavailable, err)
	}
	return &AgentConnection{Conn: conn, Client: agent.NewClient(conn)}, nil
}

// AuthMethod offers every key the agent holds.
func (a *AgentConnection) AuthMethod() xssh.AuthMethod {
	if a == nil || a.Client == nil {
		return nil
	}
	return xssh.PublicKeysCallback(a.Client.Signers)
}

func (a *AgentConnection) Close() error {
	if a == nil || a.Conn == nil {
		return nil
	}
	return a.Conn.Close()
}
