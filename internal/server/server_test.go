package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/lsetup/internal/connector/connectortest"
	"github.com/eugenetaranov/lsetup/internal/executor"
	"github.com/eugenetaranov/lsetup/internal/output"
	"github.com/eugenetaranov/lsetup/pkg/facts"
)

const (
	familyPlain   facts.Family = "testos"
	familySELinux facts.Family = "testse"
)

type plainFamily struct{ name facts.Family }

func (f plainFamily) Name() facts.Family                { return f.name }
func (f plainFamily) PackageQuery(pkg string) string    { return "query " + pkg }
func (f plainFamily) PackageInstall(p ...string) string { return "install " + strings.Join(p, " ") }
func (f plainFamily) SystemUpdate() []string            { return []string{"refresh", "upgrade"} }

type seFamily struct{ plainFamily }

func (f seFamily) DisableSELinux() []string { return []string{"se-off", "se-boot-off"} }

func init() {
	Register(plainFamily{name: familyPlain})
	Register(seFamily{plainFamily{name: familySELinux}})
}

// host simulates a remote machine with a set of installed packages and an
// authorized_keys file.
type host struct {
	mu        sync.Mutex
	hostname  string
	installed map[string]bool
	keys      []string
	fail      map[string]int
}

func newHost() *host {
	return &host{hostname: "localhost", installed: map[string]bool{}, fail: map[string]int{}}
}

func (h *host) run(cmd string) (string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bare := strings.TrimPrefix(cmd, "sudo ")
	if status, ok := h.fail[bare]; ok {
		return "boom\n", status
	}

	switch {
	case strings.HasPrefix(bare, "query "):
		if h.installed[strings.TrimPrefix(bare, "query ")] {
			return "", 0
		}
		return "", 1
	case strings.HasPrefix(bare, "install "):
		for _, p := range strings.Fields(strings.TrimPrefix(bare, "install ")) {
			h.installed[p] = true
		}
		return "Complete!\n", 0
	case bare == "hostname":
		return h.hostname + "\n", 0
	case strings.HasPrefix(bare, "hostnamectl set-hostname "):
		h.hostname = strings.TrimPrefix(bare, "hostnamectl set-hostname ")
		return "", 0
	case bare == readKeysFileCommand:
		if len(h.keys) == 0 {
			return "", 0
		}
		return strings.Join(h.keys, "\n") + "\n", 0
	case strings.HasPrefix(bare, "echo '") && strings.HasSuffix(bare, "' >> ~/.ssh/authorized_keys"):
		line := strings.TrimSuffix(strings.TrimPrefix(bare, "echo '"), "' >> ~/.ssh/authorized_keys")
		h.keys = append(h.keys, line)
		return "", 0
	case bare == PublicIPCommand:
		return "<html><head><title>Current IP Check</title></head><body>Current IP Address: 203.0.113.7</body></html>\r\n", 0
	default:
		return "", 0
	}
}

func (h *host) keyLines(payload string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, line := range h.keys {
		if strings.Contains(line, payload) {
			n++
		}
	}
	return n
}

func newTestServer(t *testing.T, user string, family facts.Family, h *host) (*Server, *connectortest.Session, *bytes.Buffer) {
	t.Helper()

	sess := &connectortest.Session{HostName: "web01", UserName: user, Run: h.run}
	var buf bytes.Buffer
	out := output.New(&buf)
	out.SetColor(false)

	exec := executor.New(sess)
	exec.Console = io.Discard
	exec.PollInterval = time.Millisecond

	srv, err := New(sess, facts.Identity{Family: family, Version: "Test 1", Pretty: "Test 1.0"},
		WithOutput(out), WithExecutor(exec))
	require.NoError(t, err)
	return srv, sess, &buf
}

func TestNewUnknownFamily(t *testing.T) {
	sess := &connectortest.Session{HostName: "web01"}

	_, err := New(sess, facts.Identity{Family: "plan9"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan9")
	assert.Contains(t, err.Error(), string(familyPlain))
}

func TestSudoPrefix(t *testing.T) {
	tests := []struct {
		user string
		want string
	}{
		{"root", "install nginx"},
		{"alice", "sudo install nginx"},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			srv, sess, _ := newTestServer(t, tt.user, familyPlain, newHost())

			_, err := srv.InstallPackage(context.Background(), "nginx")

			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, sess.CommandsContaining("install nginx"))
		})
	}
}

func TestIsPackageInstalled(t *testing.T) {
	h := newHost()
	h.installed["curl"] = true
	srv, _, _ := newTestServer(t, "root", familyPlain, h)

	ok, err := srv.IsPackageInstalled(context.Background(), "curl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = srv.IsPackageInstalled(context.Background(), "nginx")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstallPackageSkipsInstalled(t *testing.T) {
	h := newHost()
	h.installed["curl"] = true
	srv, sess, buf := newTestServer(t, "root", familyPlain, h)

	installed, err := srv.InstallPackage(context.Background(), "curl")

	require.NoError(t, err)
	assert.False(t, installed)
	assert.Empty(t, sess.CommandsContaining("install curl"))
	assert.Contains(t, buf.String(), "already installed")
}

func TestInstallPackageFailure(t *testing.T) {
	h := newHost()
	h.fail["install nginx"] = 1
	srv, _, buf := newTestServer(t, "root", familyPlain, h)

	_, err := srv.InstallPackage(context.Background(), "nginx")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "web01", cmdErr.Host)
	assert.Equal(t, "install nginx", cmdErr.Cmd)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Contains(t, buf.String(), "failed")
}

func TestUpdateRunsEveryCommand(t *testing.T) {
	srv, sess, _ := newTestServer(t, "alice", familyPlain, newHost())

	require.NoError(t, srv.Update(context.Background()))

	assert.Equal(t, []string{"sudo refresh", "sudo upgrade"}, sess.Commands())
}

func TestAddAuthorizedKeysIsIdempotent(t *testing.T) {
	h := newHost()
	srv, sess, _ := newTestServer(t, "alice", familyPlain, h)
	key := NamedKey{Name: "laptop", Type: "ssh-ed25519", Key: "AAAAC3NzaC1lZDI1NTE5AAAAIFakeKeyPayload"}

	added, err := srv.AddAuthorizedKeys(context.Background(), []NamedKey{key})
	require.NoError(t, err)
	assert.Equal(t, []string{"laptop"}, added)

	added, err = srv.AddAuthorizedKeys(context.Background(), []NamedKey{key})
	require.NoError(t, err)
	assert.Empty(t, added)

	assert.Equal(t, 1, h.keyLines(key.Key))
	assert.Len(t, sess.CommandsContaining(">> ~/.ssh/authorized_keys"), 1)
	assert.Len(t, sess.CommandsContaining("chmod 700 ~/.ssh"), 2)
	assert.Empty(t, sess.CommandsContaining("sudo"), "keys belong to the session user")
}

func TestAddAuthorizedKeysSkipsExistingAndDuplicates(t *testing.T) {
	h := newHost()
	h.keys = []string{"ssh-rsa AAAAB3existing old@host"}
	srv, _, buf := newTestServer(t, "root", familyPlain, h)

	added, err := srv.AddAuthorizedKeys(context.Background(), []NamedKey{
		{Name: "old", Type: "ssh-rsa", Key: "AAAAB3existing"},
		{Name: "new", Type: "ssh-ed25519", Key: "AAAAC3new"},
		{Name: "new-again", Type: "ssh-ed25519", Key: "AAAAC3new"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, added)
	assert.Equal(t, 1, h.keyLines("AAAAC3new"))
	assert.Equal(t, 1, h.keyLines("AAAAB3existing"))
	assert.Equal(t, 2, strings.Count(buf.String(), "already present"))
}

func TestAddAuthorizedKeysPrepareFailure(t *testing.T) {
	h := newHost()
	h.fail[ensureKeysFileCommand] = 1
	srv, sess, _ := newTestServer(t, "root", familyPlain, h)

	_, err := srv.AddAuthorizedKeys(context.Background(), []NamedKey{{Name: "k", Type: "ssh-ed25519", Key: "AAAA"}})

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Empty(t, sess.CommandsContaining("echo"))
}

func TestSetHostname(t *testing.T) {
	h := newHost()
	srv, sess, _ := newTestServer(t, "alice", familyPlain, h)

	changed, err := srv.SetHostname(context.Background(), "web01.example.com")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"sudo hostnamectl set-hostname web01.example.com"}, sess.CommandsContaining("hostnamectl"))

	changed, err = srv.SetHostname(context.Background(), "web01.example.com")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, sess.CommandsContaining("hostnamectl"), 1)
}

func TestSetHostnameInvalid(t *testing.T) {
	srv, sess, _ := newTestServer(t, "root", familyPlain, newHost())

	for _, name := range []string{"", "-web", "web_01", "a..b", "host name"} {
		_, err := srv.SetHostname(context.Background(), name)
		assert.Error(t, err, name)
	}
	assert.Empty(t, sess.Commands())
}

func TestSetTimezone(t *testing.T) {
	srv, sess, _ := newTestServer(t, "alice", familyPlain, newHost())

	require.NoError(t, srv.SetTimezone(context.Background(), "UTC"))
	assert.Equal(t, []string{
		"sudo timedatectl set-timezone UTC",
		"sudo timedatectl set-ntp true",
	}, sess.Commands())

	err := srv.SetTimezone(context.Background(), "Mars/Olympus_Mons")
	assert.Error(t, err)
	assert.Len(t, sess.Commands(), 2)
}

func TestDisableSSHDNS(t *testing.T) {
	srv, sess, _ := newTestServer(t, "root", familyPlain, newHost())

	require.NoError(t, srv.DisableSSHDNS(context.Background()))
	assert.Equal(t, []string{DisableDNSCommand}, sess.Commands())
}

func TestDisableSELinux(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		srv, sess, _ := newTestServer(t, "alice", familySELinux, newHost())

		require.NoError(t, srv.DisableSELinux(context.Background()))
		assert.Equal(t, []string{"sudo se-off", "sudo se-boot-off"}, sess.Commands())
	})

	t.Run("not supported", func(t *testing.T) {
		srv, sess, _ := newTestServer(t, "alice", familyPlain, newHost())

		err := srv.DisableSELinux(context.Background())
		assert.ErrorIs(t, err, ErrNotSupported)
		assert.Empty(t, sess.Commands())
	})
}

func TestPublicIP(t *testing.T) {
	srv, _, _ := newTestServer(t, "root", familyPlain, newHost())

	ip, err := srv.PublicIP(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip.String())
}

func TestParseCheckIP(t *testing.T) {
	tests := []struct {
		body    string
		want    string
		wantErr bool
	}{
		{"<body>Current IP Address: 198.51.100.1</body>", "198.51.100.1", false},
		{"Current IP Address: 2001:db8::1", "2001:db8::1", false},
		{"", "", true},
		{"<body>Current IP Address: not-an-ip</body>", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			ip, err := parseCheckIP(tt.body)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip.String())
		})
	}
}

func TestInitialize(t *testing.T) {
	h := newHost()
	h.installed["curl"] = true
	srv, _, buf := newTestServer(t, "alice", familyPlain, h)

	report, err := srv.Initialize(context.Background(), Settings{
		Packages:       []string{"curl", "nginx"},
		Hostname:       "web01",
		Timezone:       "UTC",
		DisableDNS:     true,
		DisableSELinux: true,
		Keys:           []NamedKey{{Name: "laptop", Type: "ssh-ed25519", Key: "AAAAC3laptop"}},
	})

	require.NoError(t, err)
	// curl ok; nginx, hostname, timezone, dns, keys changed; SELinux skipped.
	assert.Equal(t, 1, report.OK)
	assert.Equal(t, 5, report.Changed)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Contains(t, buf.String(), "Initial setup of web01")
	assert.Equal(t, 1, h.keyLines("AAAAC3laptop"))

	var stats output.Stats = report
	assert.Equal(t, report.OK, stats.GetOK())
	assert.Equal(t, report.Changed, stats.GetChanged())
	assert.Equal(t, report.Skipped, stats.GetSkipped())
	assert.Zero(t, stats.GetFailed())
	assert.Equal(t, report.Duration, stats.GetDuration())
}

func TestInitializeStopsAtFailure(t *testing.T) {
	h := newHost()
	h.fail["install nginx"] = 100
	srv, sess, _ := newTestServer(t, "root", familyPlain, h)

	report, err := srv.Initialize(context.Background(), Settings{
		Packages: []string{"nginx"},
		Hostname: "web01",
	})

	require.Error(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, sess.CommandsContaining("hostnamectl"))
}

func TestCommandErrorMessage(t *testing.T) {
	var lines []string
	for i := 1; i <= 8; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	err := &CommandError{Host: "web01", Cmd: "yum install -y nginx", ExitCode: 1, Output: strings.Join(lines, "\n")}

	msg := err.Error()

	assert.Contains(t, msg, "web01")
	assert.Contains(t, msg, "yum install -y nginx")
	assert.Contains(t, msg, "exit code 1")
	assert.Contains(t, msg, "line 8")
	assert.NotContains(t, msg, "line 3")
}
