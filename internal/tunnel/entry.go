package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	// LocalBindAddress is the loopback address every forward listens on
	LocalBindAddress = "127.0.0.1"

	MinPort = 1
	MaxPort = 65535
)

var (
	ErrInvalidEntry = errors.New("invalid tunnel entry")
	ErrNotFound     = errors.New("tunnel not found")
)

// Entry is one SSH local port-forward definition.
// Key is the registry map key and is never written inside the entry itself.
type Entry struct {
	Key           string `yaml:"-" json:"key"`
	Name          string `yaml:"name,omitempty" json:"name,omitempty"`
	RemoteAddress string `yaml:"remote_address" json:"remote_address"`
	LocalPort     int    `yaml:"local_port" json:"local_port"`
	ProxyHost     string `yaml:"proxy_host" json:"proxy_host"`
	BrowserOpen   string `yaml:"browser_open" json:"browser_open"`
	Icon          string `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// DisplayName returns the human label, falling back to a prettified key
func (e Entry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return strings.TrimSpace(strings.ReplaceAll(e.Key, "_", " "))
}

// ValidPort reports whether port is a bindable TCP port
func ValidPort(port int) bool {
	return port >= MinPort && port <= MaxPort
}

// Validate checks the fields that end up on the ssh command line.
// Values are split on whitespace when the command is built, so whitespace is rejected.
func (e Entry) Validate() error {
	if !ValidPort(e.LocalPort) {
		return fmt.Errorf("%w: local port %d outside %d-%d", ErrInvalidEntry, e.LocalPort, MinPort, MaxPort)
	}
	if e.RemoteAddress == "" {
		return fmt.Errorf("%w: remote address is required", ErrInvalidEntry)
	}
	if e.ProxyHost == "" {
		return fmt.Errorf("%w: proxy host is required", ErrInvalidEntry)
	}
	if containsSpace(e.RemoteAddress) || containsSpace(e.ProxyHost) {
		return fmt.Errorf("%w: remote address and proxy host cannot contain whitespace", ErrInvalidEntry)
	}
	if _, _, err := net.SplitHostPort(e.RemoteAddress); err != nil {
		return fmt.Errorf("%w: remote address %q is not host:port", ErrInvalidEntry, e.RemoteAddress)
	}
	return nil
}

func containsSpace(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}) >= 0
}

// ForwardSpec is the -L argument: 127.0.0.1:<local_port>:<remote_address>
func (e Entry) ForwardSpec() string {
	return fmt.Sprintf("%s:%d:%s", LocalBindAddress, e.LocalPort, e.RemoteAddress)
}

// Args returns the ssh arguments for this forward, executable excluded
func (e Entry) Args() []string {
	return []string{"-L", e.ForwardSpec(), e.ProxyHost}
}

// Command renders the full command line, e.g.
// "ssh -L 127.0.0.1:15432:db.internal:5432 user@bastion"
func (e Entry) Command(sshBinary string) string {
	return strings.Join(append([]string{sshBinary}, e.Args()...), " ")
}

// SplitCommand splits a rendered command on whitespace into executable and arguments.
// No shell quoting is interpreted.
func SplitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// BrowserURL substitutes the local port into the browser_open template.
// An empty template yields an empty URL.
func (e Entry) BrowserURL() (string, error) {
	if e.BrowserOpen == "" {
		return "", nil
	}

	u, err := url.Parse(e.BrowserOpen)
	if err != nil {
		return "", fmt.Errorf("invalid browser_open %q: %w", e.BrowserOpen, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("browser_open %q has no host", e.BrowserOpen)
	}

	u.User = nil
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(e.LocalPort))
	return u.String(), nil
}

// IconName is the icon reference used for lookup: the explicit icon or the key
func (e Entry) IconName() string {
	if e.Icon != "" {
		return e.Icon
	}
	return e.Key
}

// Registry maps tunnel keys to entries
type Registry map[string]Entry

// Keys returns the registry keys in sorted order
func (r Registry) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns entries ordered by key
func (r Registry) Entries() []Entry {
	entries := make([]Entry, 0, len(r))
	for _, k := range r.Keys() {
		entries = append(entries, r[k])
	}
	return entries
}

// Has reports whether key is present
func (r Registry) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Clone returns a shallow copy; entries are values so this is a full copy
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DefaultRegistry is written on first run when no registry file exists
func DefaultRegistry() Registry {
	return Registry{
		"example": {
			Key:           "example",
			RemoteAddress: "localhost:22",
			LocalPort:     2222,
			ProxyHost:     "user@server",
			BrowserOpen:   "",
		},
	}
}
