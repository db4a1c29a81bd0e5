//go:build integration

package bootstrap

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eugenetaranov/lsetup/internal/connector/ssh"
)

const (
	sshdImage    = "lscr.io/linuxserver/openssh-server:latest"
	testUser     = "alice"
	testPassword = "integration-pw"
)

// startSSHD runs an openssh-server container with password login and
// password-protected sudo for testUser.
func startSSHD(t *testing.T, ctx context.Context) (testcontainers.Container, ssh.Params) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        sshdImage,
		ExposedPorts: []string{"2222/tcp"},
		Env: map[string]string{
			"PASSWORD_ACCESS": "true",
			"SUDO_ACCESS":     "true",
			"USER_NAME":       testUser,
			"USER_PASSWORD":   testPassword,
		},
		WaitingFor: wait.ForListeningPort("2222/tcp").WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start sshd container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "2222/tcp")
	require.NoError(t, err)

	return container, ssh.Params{Host: host, Port: port.Int(), User: testUser, Password: testPassword}
}

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// countLines returns how many lines of path equal line exactly.
func countLines(t *testing.T, ctx context.Context, container testcontainers.Container, path, line string) int {
	t.Helper()
	exitCode, content, err := execInContainer(ctx, container, []string{"cat", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to read file %s", path)

	n := 0
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimSpace(l) == line {
			n++
		}
	}
	return n
}
