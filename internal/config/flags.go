package config

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

var (
	// BeaconNodeFlag is the consensus layer HTTP API endpoint.
	BeaconNodeFlag = &cli.StringFlag{
		Name:    "beacon-node-url",
		Usage:   "Beacon node HTTP API endpoint (required)",
		EnvVars: []string{"BEACON_NODE_URL"},
	}
	// ExecutionNodeFlag is the execution layer JSON-RPC endpoint used for on-chain rewards.
	ExecutionNodeFlag = &cli.StringFlag{
		Name:    "execution-node-url",
		Usage:   "Execution node JSON-RPC endpoint, required when --rewards is set",
		EnvVars: []string{"EXECUTION_NODE_URL"},
	}
	PollIntervalFlag = &cli.IntFlag{
		Name:    "poll-interval",
		Usage:   "Seconds between two reconciliation cycles",
		EnvVars: []string{"POLL_INTERVAL_SECONDS"},
		Value:   60,
	}
	PubKeysFlag = &cli.StringFlag{
		Name:    "pubkeys",
		Usage:   "Comma-separated list of 0x-prefixed validator public keys to monitor",
		EnvVars: []string{"VALIDATOR_PUBKEYS"},
	}
	PubKeysFileFlag = &cli.StringFlag{
		Name:    "pubkeys-file",
		Usage:   "File holding comma or newline separated validator public keys to monitor",
		EnvVars: []string{"VALIDATOR_PUBKEYS_FILE"},
	}
	// RelayConfigFlag points to a YAML/JSON mapping of relay name to data API endpoint.
	RelayConfigFlag = &cli.StringFlag{
		Name:    "relay-config",
		Usage:   "YAML or JSON file mapping relay names to their data API endpoints, in priority order",
		EnvVars: []string{"RELAY_CONFIG"},
	}
	RelayConcurrencyFlag = &cli.IntFlag{
		Name:    "relay-query-concurrency",
		Usage:   "Maximum number of relays queried at the same time",
		EnvVars: []string{"RELAY_QUERY_CONCURRENCY"},
		Value:   4,
	}
	IndexLookupConcurrencyFlag = &cli.IntFlag{
		Name:    "index-lookup-concurrency",
		Usage:   "Maximum number of validator index lookups in flight",
		EnvVars: []string{"INDEX_LOOKUP_CONCURRENCY"},
		Value:   8,
	}
	RequestTimeoutFlag = &cli.DurationFlag{
		Name:    "request-timeout",
		Usage:   "Timeout of a single upstream request",
		EnvVars: []string{"REQUEST_TIMEOUT"},
		Value:   defaultRequestTimeout,
	}
	LastSlotFlag = &cli.Uint64Flag{
		Name:    "last-slot",
		Usage:   "Start after this slot when no state exists yet",
		EnvVars: []string{"LAST_SLOT"},
	}
	BackfillSlotsFlag = &cli.Uint64Flag{
		Name:    "backfill-slots",
		Usage:   "Slots below head processed on a first start without --last-slot",
		EnvVars: []string{"BACKFILL_SLOTS"},
		Value:   defaultBackfillSlots,
	}
	MaxSlotsPerCycleFlag = &cli.Uint64Flag{
		Name:    "max-slots-per-cycle",
		Usage:   "Upper bound of slots processed in one cycle (0 = up to head)",
		EnvVars: []string{"MAX_SLOTS_PER_CYCLE"},
	}
	PruneFlag = &cli.BoolFlag{
		Name:    "prune",
		Usage:   "Delete per-slot records older than --keep-last-slots; statistics are kept",
		EnvVars: []string{"PRUNE"},
	}
	KeepLastSlotsFlag = &cli.Uint64Flag{
		Name:    "keep-last-slots",
		Usage:   "Per-slot records kept when pruning",
		EnvVars: []string{"KEEP_LAST_SLOTS"},
		Value:   defaultKeepLastSlots,
	}
	RewardsFlag = &cli.BoolFlag{
		Name:    "rewards",
		Usage:   "Compute rewards on-chain when no relay reports one",
		EnvVars: []string{"REWARDS"},
	}
	SyncCommitteeFlag = &cli.BoolFlag{
		Name:    "sync-committee",
		Usage:   "Track sync committee participation of monitored validators",
		EnvVars: []string{"SYNC_COMMITTEE"},
	}
	RecheckMissedSlotsFlag = &cli.Uint64Flag{
		Name:    "recheck-missed-slots",
		Usage:   "Re-examine missed slots among the latest N processed ones (0 = off)",
		EnvVars: []string{"RECHECK_MISSED_SLOTS"},
	}
	HeadBlockIDFlag = &cli.StringFlag{
		Name:    "head-block-id",
		Usage:   "Block processing runs up to: head, justified or finalized",
		EnvVars: []string{"HEAD_BLOCK_ID"},
		Value:   "head",
	}
	DataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for the database",
		EnvVars: []string{"DATA_DIR"},
		Value:   "./data",
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "host:port the metrics and health endpoints listen on",
		EnvVars: []string{"METRICS_ADDR"},
		Value:   ":7999",
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Logging verbosity (debug, info, warn, error)",
		EnvVars: []string{"LOG_LEVEL"},
		Value:   "info",
	}
	// ConfigFileFlag specifies a YAML file to load flag values from. Command line and
	// environment values take precedence.
	ConfigFileFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML file with flag values, keyed by flag name",
		EnvVars: []string{"CONFIG_FILE"},
	}
)

// Flags is every flag of the indexer, wrapped so they can also be read from the config file.
var Flags = WrapFlags([]cli.Flag{
	BeaconNodeFlag,
	ExecutionNodeFlag,
	PollIntervalFlag,
	PubKeysFlag,
	PubKeysFileFlag,
	RelayConfigFlag,
	RelayConcurrencyFlag,
	IndexLookupConcurrencyFlag,
	RequestTimeoutFlag,
	LastSlotFlag,
	BackfillSlotsFlag,
	MaxSlotsPerCycleFlag,
	PruneFlag,
	KeepLastSlotsFlag,
	RewardsFlag,
	SyncCommitteeFlag,
	RecheckMissedSlotsFlag,
	HeadBlockIDFlag,
	DataDirFlag,
	MetricsAddrFlag,
	LogLevelFlag,
	ConfigFileFlag,
})

// WrapFlags so that they can be loaded from alternative sources.
func WrapFlags(flags []cli.Flag) []cli.Flag {
	wrapped := make([]cli.Flag, 0, len(flags))
	for _, f := range flags {
		switch f := f.(type) {
		case *cli.BoolFlag:
			wrapped = append(wrapped, altsrc.NewBoolFlag(f))
		case *cli.DurationFlag:
			wrapped = append(wrapped, altsrc.NewDurationFlag(f))
		case *cli.IntFlag:
			wrapped = append(wrapped, altsrc.NewIntFlag(f))
		case *cli.StringFlag:
			wrapped = append(wrapped, altsrc.NewStringFlag(f))
		case *cli.Uint64Flag:
			wrapped = append(wrapped, altsrc.NewUint64Flag(f))
		default:
			panic(fmt.Sprintf("cannot convert type %T", f))
		}
	}
	return wrapped
}

// LoadConfigFile fills flags that were not set from the --config file, if one is given.
func LoadConfigFile(c *cli.Context) error {
	if !c.IsSet(ConfigFileFlag.Name) {
		return nil
	}
	return altsrc.InitInputSourceWithContext(Flags, altsrc.NewYamlSourceFromFlagFunc(ConfigFileFlag.Name))(c)
}
