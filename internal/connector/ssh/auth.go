package ssh

import (
	"errors"
	"net"
	"os"
	"path/filepath"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// HostKeyAlgorithms is the host key preference offered to servers, strongest first.
var HostKeyAlgorithms = []string{
	gossh.KeyAlgoED25519,
	gossh.KeyAlgoECDSA256,
	gossh.KeyAlgoECDSA384,
	gossh.KeyAlgoECDSA521,
	gossh.KeyAlgoRSA,
	gossh.KeyAlgoRSASHA512,
	gossh.KeyAlgoRSASHA256,
	gossh.KeyAlgoDSA,
}

// ErrNoAuthMethods is returned when no password, agent or key is available.
var ErrNoAuthMethods = errors.New("no authentication methods available")

// DefaultKeyFiles returns the identity files tried when none are configured.
func DefaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var files []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"} {
		files = append(files, filepath.Join(home, ".ssh", name))
	}
	return files
}

// authMethods builds the client auth chain: agent, identity files, then password.
func (c *Connector) authMethods() ([]gossh.AuthMethod, error) {
	var methods []gossh.AuthMethod

	if c.agentSocket != "" {
		conn, err := net.Dial("unix", c.agentSocket)
		if err != nil {
			c.log.Debug().Err(err).Msg("ssh agent unavailable")
		} else {
			c.agentConn = conn
			methods = append(methods, gossh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if signers := c.loadSigners(); len(signers) > 0 {
		methods = append(methods, gossh.PublicKeys(signers...))
	}

	if password := c.params.Password; password != "" {
		methods = append(methods,
			gossh.Password(password),
			gossh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, ErrNoAuthMethods
	}
	return methods, nil
}

// loadSigners parses the configured identity files. Missing, unreadable
// and passphrase-protected files are skipped.
func (c *Connector) loadSigners() []gossh.Signer {
	var signers []gossh.Signer
	for _, path := range c.keyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			var missing *gossh.PassphraseMissingError
			if errors.As(err, &missing) {
				c.log.Debug().Str("key", path).Msg("skipping passphrase-protected key")
			} else {
				c.log.Debug().Err(err).Str("key", path).Msg("skipping unparsable key")
			}
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}
