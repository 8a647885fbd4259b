// Copyright 2026 The Caravel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrNoAuthMethod is returned when a client has neither a password nor a
// private key configured.
var ErrNoAuthMethod = errors.New("ssh client has no authentication method")

// Client holds the credentials to reach one remote host. Dial opens the
// actual connection.
type Client struct {
	Host       string
	User       string
	Password   string
	PrivateKey []byte
	Port       string
}

// NewClient creates a new SSH client. password and keyPath may each be
// empty, but not both; when keyPath is set the key file is read eagerly so
// a bad path surfaces before the first Dial.
func NewClient(host, user, port, password, keyPath string) (*Client, error) {
	c := &Client{
		Host:     host,
		User:     user,
		Port:     port,
		Password: password,
	}
	if c.Port == "" {
		c.Port = "22"
	}

	if keyPath != "" {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		c.PrivateKey = key
	}

	if c.Password == "" && len(c.PrivateKey) == 0 {
		return nil, ErrNoAuthMethod
	}

	return c, nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	auth := make([]ssh.AuthMethod, 0, 2)
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, ErrNoAuthMethod
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // nodes are reached over the trusted management network
		Timeout:         10 * time.Second,
	}, nil
}

// Dial opens one connection to the host. The returned Conn is reused for
// every command and file transfer until Close.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		runFuncAndLogErr(netConn.Close)
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	return &Conn{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Conn is one established SSH connection. It implements Runner and hands
// out an SFTP subsystem client multiplexed over the same connection.
type Conn struct {
	client *ssh.Client
}

// Run executes a command on the remote host, one session per call. The
// context is checked before the session opens and cancels the command
// mid-flight.
func (c *Conn) Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(FormatCmd(cmd...))
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks the goroutine; the buffered channel
		// lets it exit without a receiver.
		_ = session.Signal(ssh.SIGKILL)
		return stdoutBuf.String(), stderrBuf.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("remote command failed: %w", err)
		}
		return stdoutBuf.String(), stderrBuf.String(), nil
	}
}

// SFTP opens an SFTP client on this connection. Callers own the returned
// client and close it independently of the connection.
func (c *Conn) SFTP() (*sftp.Client, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("unable to open sftp subsystem: %w", err)
	}
	return client, nil
}

// Close tears down the connection and every session riding on it.
func (c *Conn) Close() error {
	return c.client.Close()
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
