package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// RelayConfig is one configured relay.
type RelayConfig struct {
	Tag      domain.RelayTag
	Endpoint string
}

// LoadRelayConfig reads a mapping of relay name to data API endpoint. The mapping order is
// kept: when two relays claim the same block, the first one listed wins.
func LoadRelayConfig(path string) ([]RelayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read relay configuration")
	}
	relays, err := ParseRelayConfig(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid relay configuration %s", path)
	}
	return relays, nil
}

// ParseRelayConfig parses YAML or JSON (a YAML subset) relay configuration.
func ParseRelayConfig(raw []byte) ([]RelayConfig, error) {
	var entries yaml.MapSlice
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}

	seen := make(map[domain.RelayTag]struct{}, len(entries))
	relays := make([]RelayConfig, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(fmt.Sprint(e.Key))
		endpoint, ok := e.Value.(string)
		if !ok || strings.TrimSpace(endpoint) == "" {
			return nil, errors.Errorf("relay %q has no endpoint", name)
		}
		tag := domain.RelayTag(name)
		switch {
		case name == "":
			return nil, errors.New("relay with an empty name")
		case strings.EqualFold(name, string(domain.NoRelayTag)):
			return nil, errors.Errorf("relay name %q is reserved for locally built blocks", name)
		}
		if _, dup := seen[tag]; dup {
			return nil, errors.Errorf("relay %q is listed twice", name)
		}
		seen[tag] = struct{}{}
		relays = append(relays, RelayConfig{Tag: tag, Endpoint: strings.TrimSpace(endpoint)})
	}
	return relays, nil
}
