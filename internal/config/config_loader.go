package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/logger"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultBackfillSlots  = 100
	defaultKeepLastSlots  = 100
)

// Config holds runtime configuration for the proposals-indexer service.
type Config struct {
	BeaconNodeURL    string
	ExecutionNodeURL string
	PollInterval     time.Duration
	PubKeys          []domain.BLSPubKey
	Relays           []RelayConfig

	RelayQueryConcurrency  int
	IndexLookupConcurrency int
	RequestTimeout         time.Duration

	LastSlot           domain.Slot
	BackfillSlots      uint64
	MaxSlotsPerCycle   uint64
	Prune              bool
	KeepLastSlots      uint64
	Rewards            bool
	SyncCommittee      bool
	RecheckMissedSlots uint64
	HeadBlockID        string

	DataDir     string
	MetricsAddr string
	LogLevel    string
}

// Load reads configuration from the parsed flags, environment and config file.
func Load(c *cli.Context) (*Config, error) {
	cfg := &Config{
		BeaconNodeURL:          strings.TrimSpace(c.String(BeaconNodeFlag.Name)),
		ExecutionNodeURL:       strings.TrimSpace(c.String(ExecutionNodeFlag.Name)),
		RelayQueryConcurrency:  c.Int(RelayConcurrencyFlag.Name),
		IndexLookupConcurrency: c.Int(IndexLookupConcurrencyFlag.Name),
		RequestTimeout:         c.Duration(RequestTimeoutFlag.Name),
		LastSlot:               domain.Slot(c.Uint64(LastSlotFlag.Name)),
		BackfillSlots:          c.Uint64(BackfillSlotsFlag.Name),
		MaxSlotsPerCycle:       c.Uint64(MaxSlotsPerCycleFlag.Name),
		Prune:                  c.Bool(PruneFlag.Name),
		KeepLastSlots:          c.Uint64(KeepLastSlotsFlag.Name),
		Rewards:                c.Bool(RewardsFlag.Name),
		SyncCommittee:          c.Bool(SyncCommitteeFlag.Name),
		RecheckMissedSlots:     c.Uint64(RecheckMissedSlotsFlag.Name),
		HeadBlockID:            strings.ToLower(strings.TrimSpace(c.String(HeadBlockIDFlag.Name))),
		DataDir:                c.String(DataDirFlag.Name),
		MetricsAddr:            c.String(MetricsAddrFlag.Name),
		LogLevel:               c.String(LogLevelFlag.Name),
	}

	if cfg.BeaconNodeURL == "" {
		return nil, errors.New("BEACON_NODE_URL is required")
	}
	if err := checkEndpoint(cfg.BeaconNodeURL); err != nil {
		return nil, errors.Wrap(err, "invalid BEACON_NODE_URL")
	}

	sec := c.Int(PollIntervalFlag.Name)
	if sec <= 0 {
		return nil, errors.Errorf("invalid POLL_INTERVAL_SECONDS: %d", sec)
	}
	cfg.PollInterval = time.Duration(sec) * time.Second

	if cfg.RequestTimeout <= 0 {
		return nil, errors.Errorf("invalid REQUEST_TIMEOUT: %s", cfg.RequestTimeout)
	}
	if cfg.RelayQueryConcurrency <= 0 {
		return nil, errors.Errorf("invalid RELAY_QUERY_CONCURRENCY: %d", cfg.RelayQueryConcurrency)
	}
	if cfg.IndexLookupConcurrency <= 0 {
		return nil, errors.Errorf("invalid INDEX_LOOKUP_CONCURRENCY: %d", cfg.IndexLookupConcurrency)
	}

	switch cfg.HeadBlockID {
	case "head", "justified", "finalized":
	default:
		return nil, errors.Errorf("invalid HEAD_BLOCK_ID %q: expected head, justified or finalized", cfg.HeadBlockID)
	}

	if cfg.Rewards && cfg.ExecutionNodeURL == "" {
		return nil, errors.New("reward computation is enabled but no EXECUTION_NODE_URL was given")
	}
	if !cfg.Rewards && cfg.ExecutionNodeURL != "" {
		logger.Warn("An execution node was provided but reward computation is not enabled; it will not be used")
		cfg.ExecutionNodeURL = ""
	}
	if cfg.ExecutionNodeURL != "" {
		if err := checkEndpoint(cfg.ExecutionNodeURL); err != nil {
			return nil, errors.Wrap(err, "invalid EXECUTION_NODE_URL")
		}
	}

	if cfg.Prune && cfg.KeepLastSlots == 0 {
		logger.Warn("Pruning is enabled without a number of slots to keep; keeping the last %d slots", defaultKeepLastSlots)
		cfg.KeepLastSlots = defaultKeepLastSlots
	}
	if !cfg.Prune && c.IsSet(KeepLastSlotsFlag.Name) {
		logger.Warn("A number of slots to keep was given but pruning is not enabled; it will be ignored")
	}

	pubkeys, err := loadPubKeys(c)
	if err != nil {
		return nil, err
	}
	cfg.PubKeys = pubkeys

	if path := c.String(RelayConfigFlag.Name); path != "" {
		relays, err := LoadRelayConfig(path)
		if err != nil {
			return nil, err
		}
		cfg.Relays = relays
	} else {
		logger.Warn("No relay configuration given; every block will be counted as locally built")
	}

	return cfg, nil
}

func loadPubKeys(c *cli.Context) ([]domain.BLSPubKey, error) {
	inline := c.String(PubKeysFlag.Name)
	path := c.String(PubKeysFileFlag.Name)

	var keys []domain.BLSPubKey
	switch {
	case strings.TrimSpace(inline) != "":
		if path != "" {
			logger.Warn("Both VALIDATOR_PUBKEYS and VALIDATOR_PUBKEYS_FILE are set; only VALIDATOR_PUBKEYS is used")
		}
		logger.Info("Reading public keys from the command line")
		keys = ParsePubKeys(inline)
	case path != "":
		logger.Info("Reading public keys from %s", path)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "could not read validator public keys file")
		}
		keys = ParsePubKeys(string(raw))
	default:
		return nil, errors.New("VALIDATOR_PUBKEYS or VALIDATOR_PUBKEYS_FILE is required (e.g. \"0xa1...,0xb2...\")")
	}

	if len(keys) == 0 {
		return nil, errors.New("no valid validator public keys were parsed")
	}
	return keys, nil
}

func checkEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.Errorf("%q has no host", raw)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return nil
	default:
		return errors.Errorf("%q has unsupported scheme %q", raw, u.Scheme)
	}
}
