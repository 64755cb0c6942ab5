package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"kbridge/kerrors"
)

// ConnectionProfile is the immutable descriptor a kernel and its
// driver/server agree on: signature scheme, shared secret, transport
// scheme, host, and the five channel ports.
type ConnectionProfile struct {
	SignatureScheme string `json:"signature_scheme"`
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// KeyBytes returns the shared secret as raw bytes, for use as an HMAC
// key.
func (p ConnectionProfile) KeyBytes() []byte {
	return []byte(p.Key)
}

// AllocateProfile binds five ephemeral TCP listeners to discover free
// ports, releases them immediately, and generates a fresh 128-bit
// random hex key. The brief bind-then-release window has the usual
// TOCTOU caveat shared by every "find a free port" helper; the kernel
// is expected to bind these ports again within milliseconds.
func AllocateProfile(ip string) (ConnectionProfile, error) {
	if ip == "" {
		ip = "127.0.0.1"
	}

	ports := make([]int, 5)
	for i := range ports {
		port, err := allocatePort(ip)
		if err != nil {
			return ConnectionProfile{}, errors.Wrap(err, "allocate port")
		}
		ports[i] = port
	}

	key, err := randomHexKey(16)
	if err != nil {
		return ConnectionProfile{}, errors.Wrap(err, "generate key")
	}

	return ConnectionProfile{
		SignatureScheme: "hmac-sha256",
		Transport:       "tcp",
		IP:              ip,
		Key:             key,
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
	}, nil
}

func allocatePort(ip string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func randomHexKey(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ReadProfile parses an existing connection descriptor from disk.
func ReadProfile(path string) (ConnectionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionProfile{}, &kerrors.InvalidDescriptor{Path: path, Reason: err.Error()}
	}
	var p ConnectionProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return ConnectionProfile{}, &kerrors.InvalidDescriptor{Path: path, Reason: err.Error()}
	}
	if err := p.validate(); err != nil {
		return ConnectionProfile{}, &kerrors.InvalidDescriptor{Path: path, Reason: err.Error()}
	}
	return p, nil
}

func (p ConnectionProfile) validate() error {
	missing := []string{}
	if p.Transport == "" {
		missing = append(missing, "transport")
	}
	if p.IP == "" {
		missing = append(missing, "ip")
	}
	if p.Key == "" {
		missing = append(missing, "key")
	}
	if p.ShellPort == 0 {
		missing = append(missing, "shell_port")
	}
	if p.IOPubPort == 0 {
		missing = append(missing, "iopub_port")
	}
	if p.StdinPort == 0 {
		missing = append(missing, "stdin_port")
	}
	if p.ControlPort == 0 {
		missing = append(missing, "control_port")
	}
	if p.HBPort == 0 {
		missing = append(missing, "hb_port")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %v", missing)
	}
	return nil
}

// WriteProfile persists the descriptor atomically: write to a temp
// file in the same directory, then rename over the target path so
// readers never observe a partially written file.
func WriteProfile(path string, p ConnectionProfile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".connection-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp descriptor")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write temp descriptor")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close temp descriptor")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename descriptor into place")
	}
	return nil
}

// RemoveProfile deletes the descriptor at path, ignoring a missing
// file (spec §7: "Stop/remove operations swallow 'file already
// gone'").
func RemoveProfile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ChannelPort returns the port associated with a given channel.
func (p ConnectionProfile) ChannelPort(ch ChannelID) int {
	switch ch {
	case ChannelShell:
		return p.ShellPort
	case ChannelControl:
		return p.ControlPort
	case ChannelIOPub:
		return p.IOPubPort
	case ChannelStdin:
		return p.StdinPort
	case ChannelHeartbeat:
		return p.HBPort
	default:
		return 0
	}
}

// Address formats the transport://ip:port address for a channel.
func (p ConnectionProfile) Address(ch ChannelID) string {
	return fmt.Sprintf("%s://%s:%d", p.Transport, p.IP, p.ChannelPort(ch))
}

// ChannelID identifies one of the five Jupyter wire channels at the
// protocol layer (distinct from capability.Channel, which the
// transport capability uses, to keep protocol free of a dependency on
// capability).
type ChannelID string

const (
	ChannelShell     ChannelID = "shell"
	ChannelControl   ChannelID = "control"
	ChannelIOPub     ChannelID = "iopub"
	ChannelStdin     ChannelID = "stdin"
	ChannelHeartbeat ChannelID = "hb"
)
