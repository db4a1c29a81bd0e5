//go:build integration

package bootstrap

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/lsetup/internal/connector"
	"github.com/eugenetaranov/lsetup/internal/connector/ssh"
	"github.com/eugenetaranov/lsetup/internal/escalate"
	"github.com/eugenetaranov/lsetup/internal/executor"
	"github.com/eugenetaranov/lsetup/internal/output"
	"github.com/eugenetaranov/lsetup/pkg/facts"
)

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, params := startSSHD(t, ctx)

	// sshd may accept TCP before it is ready to authenticate.
	manager := ssh.NewManager(output.Discard(), ssh.WithKeyFiles(), ssh.WithAgentSocket(""), ssh.WithTimeout(10*time.Second))
	manager.MaxAttempts = 10

	connect := func(t *testing.T) connector.Session {
		t.Helper()
		sess, err := manager.Connect(ctx, params)
		require.NoError(t, err)
		t.Cleanup(func() { sess.Close() })
		return sess
	}

	t.Run("UnsupportedOS", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := New(manager, output.New(&buf)).Run(ctx, params)

		// The image is Alpine based, which is outside the allow-list.
		var osErr *facts.UnsupportedOSError
		require.ErrorAs(t, err, &osErr)
		assert.Contains(t, osErr.Detected, "Alpine")
	})

	t.Run("ExecutorExitStatus", func(t *testing.T) {
		exec := executor.New(connect(t))
		exec.Console = &bytes.Buffer{}

		res, err := exec.Run(ctx, executor.Request{Command: "echo hello; exit 3", Timeout: 10 * time.Second})

		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitStatus)
		assert.Contains(t, res.Output, "hello")
	})

	t.Run("ExecutorIdleTimeout", func(t *testing.T) {
		exec := executor.New(connect(t))

		_, err := exec.Run(ctx, executor.Request{Command: "sleep 30", Timeout: time.Second})

		var timeoutErr *executor.CommandTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "sleep 30", timeoutErr.Command)
	})

	t.Run("UploadDownload", func(t *testing.T) {
		sess := connect(t)
		require.NoError(t, sess.Upload(ctx, bytes.NewBufferString("payload\n"), "/tmp/lsetup-upload", 0o600))

		var buf bytes.Buffer
		require.NoError(t, sess.Download(ctx, "/tmp/lsetup-upload", &buf))
		assert.Equal(t, "payload\n", buf.String())
	})

	t.Run("EscalationPatchesSudoersOnce", func(t *testing.T) {
		sudoersFile := escalate.SudoersDir + "/" + testUser
		line := testUser + " ALL=(ALL)       NOPASSWD: ALL"

		res, err := escalate.New(escalate.StaticPassword(testPassword), nil).Run(ctx, connect(t))
		require.NoError(t, err)
		assert.Equal(t, escalate.SudoersPatched, res.State)
		assert.Equal(t, 1, countLines(t, ctx, container, sudoersFile, line))

		// Passwordless from now on, and the rule is not duplicated.
		res, err = escalate.New(nil, nil).Run(ctx, connect(t))
		require.NoError(t, err)
		assert.Equal(t, escalate.Root, res.State)
		assert.Equal(t, 1, countLines(t, ctx, container, sudoersFile, line))
	})
}
