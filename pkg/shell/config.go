package shell

import (
	"fmt"
	"strconv"
	"strings"
)

// Transport type tags used in configuration and request secrets.
const (
	TypeLocal  = "local"
	TypeChroot = "chroot"
	TypeSSH    = "ssh"
)

// Secrets map keys recognized by FromSecrets.
const (
	SecretType    = "type"
	SecretSSHUser = "sshUser"
	SecretSSHHost = "sshHost"
	SecretSSHPort = "sshPort"
	SecretSSHKey  = "sshKey"
	SecretSudo    = "sudo"
)

// Config is the tagged-union transport configuration. Type selects the
// variant; the remaining fields apply to it.
type Config struct {
	Type string `yaml:"type"`
	Sudo bool   `yaml:"sudo"`

	// Chroot only.
	Path string `yaml:"path,omitempty"`

	// SSH only.
	User       string `yaml:"user,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
}

// New builds a transport from a configuration. An empty type means local.
func New(cfg Config) (Transport, error) {
	switch cfg.Type {
	case TypeLocal, "":
		return NewLocal(cfg.Sudo), nil
	case TypeChroot:
		return NewChroot(cfg.Sudo, cfg.Path), nil
	case TypeSSH:
		return NewSSH(cfg.User, cfg.Host, cfg.Port, cfg.PrivateKey, cfg.Sudo), nil
	default:
		return nil, fmt.Errorf("'%s' is not a supported transport type", cfg.Type)
	}
}

// FromSecrets builds a transport from a CSI secrets map. The sshKey value
// may carry literal "\n" sequences in place of newlines; they are decoded
// here so keys can be passed through Kubernetes secret stanzas unharmed.
func FromSecrets(secrets map[string]string) (Transport, error) {
	typ, err := requireSecret(secrets, SecretType)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeSSH:
		user, err := requireSecret(secrets, SecretSSHUser)
		if err != nil {
			return nil, err
		}
		host, err := requireSecret(secrets, SecretSSHHost)
		if err != nil {
			return nil, err
		}
		portStr, err := requireSecret(secrets, SecretSSHPort)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("'%s' is not a valid SSH port: %w", portStr, err)
		}
		key, err := requireSecret(secrets, SecretSSHKey)
		if err != nil {
			return nil, err
		}
		key = strings.ReplaceAll(key, `\n`, "\n")
		return NewSSH(user, host, port, key, parseBool(secrets[SecretSudo])), nil
	default:
		return nil, fmt.Errorf("'%s' is not a supported transport type", typ)
	}
}

func requireSecret(secrets map[string]string, key string) (string, error) {
	val, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("%s not found", key)
	}
	return val, nil
}

// parseBool is the lenient boolean used across request-carried maps.
func parseBool(s string) bool {
	switch s {
	case "1", "true", "True", "TRUE":
		return true
	default:
		return false
	}
}
