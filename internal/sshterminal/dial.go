package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Conn is the part of an SSH client connection the registry needs.
// *ssh.Client satisfies it.
type Conn interface {
	NewSession() (*ssh.Session, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// ConnectParams describes one SSH login. At least one of Password or
// PrivateKey must be set.
type ConnectParams struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string

	// HostKeyCallback verifies the server key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// Addr returns host:port, defaulting the port to 22.
func (p ConnectParams) Addr() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

func (p ConnectParams) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if p.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if p.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(p.PrivateKey), []byte(p.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(p.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if p.Password != "" {
		password := p.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, errors.New("no password or private key supplied")
	}
	return methods, nil
}

// Dial establishes an authenticated SSH connection. ctx bounds the TCP dial;
// timeout bounds the handshake.
func Dial(ctx context.Context, p ConnectParams, timeout time.Duration) (*ssh.Client, error) {
	if p.Host == "" || p.Username == "" {
		return nil, errors.New("host and username are required")
	}
	auth, err := p.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback := p.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := p.Addr()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if timeout > 0 {
		netConn.SetDeadline(time.Now().Add(timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}
