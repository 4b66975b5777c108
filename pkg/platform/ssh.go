package platform

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/agentsea/nebulous/pkg/types"
)

const sshDialTimeout = 10 * time.Second

// sshRunner executes commands on a workload host over SSH, authenticating
// with the container's generated keypair.
type sshRunner struct {
	user string
	pair *types.SSHKeyPair
}

func newSSHRunner(user string, pair *types.SSHKeyPair) *sshRunner {
	return &sshRunner{user: user, pair: pair}
}

// Run executes the command on the host and returns its combined output.
func (s *sshRunner) Run(ctx context.Context, host, command string) (string, error) {
	signer, err := ssh.ParsePrivateKey([]byte(s.pair.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User: s.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Hosts are ephemeral instances reached over the private mesh;
		// there is no prior host key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(host, "22")
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	if err != nil {
		return string(output), fmt.Errorf("remote command failed: %w", err)
	}
	return string(output), nil
}
