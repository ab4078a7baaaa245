package tunnel

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Type is the kind of traffic a tunnel carries.
type Type string

const (
	TypeTCP    Type = "tcp"
	TypeUDP    Type = "udp"
	TypeSOCKS5 Type = "socks5"
)

// ServerUserID denotes server-side termination in Sender and Receiver.
const ServerUserID uint32 = 0

// Definition is the read-only snapshot of one configured tunnel.
type Definition struct {
	ID               uint32 `json:"id" yaml:"id"`
	Source           string `json:"source" yaml:"source"`
	Endpoint         string `json:"endpoint" yaml:"endpoint"`
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Compressed       bool   `json:"compressed" yaml:"compressed"`
	Sender           uint32 `json:"sender" yaml:"sender"`
	Receiver         uint32 `json:"receiver" yaml:"receiver"`
	Type             Type   `json:"tunnel_type" yaml:"tunnel_type"`
	Username         string `json:"username,omitempty" yaml:"username,omitempty"`
	Password         string `json:"password,omitempty" yaml:"password,omitempty"`
	EncryptionMethod string `json:"encryption_method,omitempty" yaml:"encryption_method,omitempty"`
	CustomMapping    string `json:"custom_mapping,omitempty" yaml:"custom_mapping,omitempty"`
	Description      string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate checks whether the tunnel can be activated.
func (d *Definition) Validate() error {
	if d.ID == 0 {
		return fmt.Errorf("%w: missing id", ErrTunnelMisconfigured)
	}
	if d.Sender == ServerUserID && d.Receiver == ServerUserID {
		return fmt.Errorf("%w: tunnel %d has neither sender nor receiver", ErrTunnelMisconfigured, d.ID)
	}
	if _, _, err := net.SplitHostPort(d.Source); err != nil {
		return fmt.Errorf("%w: tunnel %d source %q: %v", ErrTunnelMisconfigured, d.ID, d.Source, err)
	}
	switch d.Type {
	case TypeTCP, TypeUDP:
		if _, _, err := net.SplitHostPort(d.Endpoint); err != nil {
			return fmt.Errorf("%w: tunnel %d endpoint %q: %v", ErrTunnelMisconfigured, d.ID, d.Endpoint, err)
		}
	case TypeSOCKS5:
	default:
		return fmt.Errorf("%w: tunnel %d type %q", ErrTunnelMisconfigured, d.ID, d.Type)
	}
	if _, err := ParseMethod(d.EncryptionMethod); err != nil {
		return err
	}
	if _, err := ParseMapping(d.CustomMapping); err != nil {
		return fmt.Errorf("%w: tunnel %d: %v", ErrTunnelMisconfigured, d.ID, err)
	}
	return nil
}

// Method returns the parsed encryption method.
func (d *Definition) Method() (Method, error) {
	return ParseMethod(d.EncryptionMethod)
}

// EntryHost is the user id that binds the listener.
func (d *Definition) EntryHost() uint32 {
	return d.Receiver
}

// ExitHost is the user id that dials the endpoint.
func (d *Definition) ExitHost() uint32 {
	return d.Sender
}

// Network returns the endpoint network of the tunnel.
func (d *Definition) Network() Network {
	if d.Type == TypeUDP {
		return NetworkUDP
	}
	return NetworkTCP
}

// Involves reports whether the user terminates either side of the tunnel.
func (d *Definition) Involves(userID uint32) bool {
	return d.Sender == userID || d.Receiver == userID
}

// MapTarget applies the custom mapping to the host of target.
func (d *Definition) MapTarget(target string) string {
	mapping, err := ParseMapping(d.CustomMapping)
	if err != nil || len(mapping) == 0 {
		return target
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target
	}
	if replacement, ok := mapping[strings.ToLower(host)]; ok {
		return net.JoinHostPort(replacement, port)
	}
	return target
}

// ParseMapping parses "host=replacement" pairs separated by commas.
func ParseMapping(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	mapping := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		host, replacement, ok := strings.Cut(pair, "=")
		host = strings.TrimSpace(host)
		replacement = strings.TrimSpace(replacement)
		if !ok || host == "" || replacement == "" {
			return nil, fmt.Errorf("invalid mapping %q", pair)
		}
		mapping[strings.ToLower(host)] = replacement
	}
	return mapping, nil
}

// DetectConflicts returns, per tunnel id, the reason an enabled tunnel cannot
// be activated because another enabled tunnel binds the same port on the
// same host. The lower id wins.
func DetectConflicts(defs []Definition) map[uint32]error {
	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	type bindKey struct {
		host uint32
		udp  bool
		port string
	}
	owners := make(map[bindKey]uint32)
	conflicts := make(map[uint32]error)

	for _, d := range sorted {
		if !d.Enabled {
			continue
		}
		_, port, err := net.SplitHostPort(d.Source)
		if err != nil {
			continue
		}
		key := bindKey{host: d.EntryHost(), udp: d.Type == TypeUDP, port: port}
		if owner, ok := owners[key]; ok {
			conflicts[d.ID] = fmt.Errorf("%w: tunnel %d port %s already used by tunnel %d",
				ErrTunnelMisconfigured, d.ID, port, owner)
			continue
		}
		owners[key] = d.ID
	}
	return conflicts
}
