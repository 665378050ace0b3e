package adapters

import (
	"strconv"

	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "proposals"

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
}

var (
	relayBlocksProposedDesc      = desc("relay_blocks_proposed", "Blocks of monitored validators proposed through each relay.", "relay")
	relayBlocksProposedTotalDesc = desc("relay_blocks_proposed_total", "Blocks of all validators proposed through each relay.", "relay")
	relayRewardsTotalDesc        = desc("relay_rewards_eth_total", "Sum of known rewards of all blocks per relay, in ETH.", "relay")
	relayRewardsAvgDesc          = desc("relay_rewards_eth_avg", "Average known reward of all blocks per relay, in ETH.", "relay")
	relayUnknownRewardDesc       = desc("relay_unknown_reward_blocks_total", "Blocks per relay whose reward could not be determined.", "relay")

	validatorProposedDesc = desc("validator_blocks_proposed", "Blocks proposed by a monitored validator per relay.", "pubkey", "relay")
	validatorMissedDesc   = desc("validator_missed_blocks", "Proposals missed by a monitored validator.", "pubkey")
	validatorEmptyDesc    = desc("validator_empty_blocks", "Blocks without transactions proposed by a monitored validator.", "pubkey")

	monitoredRewardsTotalDesc = desc("monitored_rewards_eth_total", "Sum of known rewards of monitored validators per relay, in ETH.", "relay")
	monitoredRewardsAvgDesc   = desc("monitored_rewards_eth_avg", "Average known reward of monitored validators per relay, in ETH.", "relay")
	monitoredUnknownDesc      = desc("monitored_unknown_reward_blocks", "Blocks of monitored validators per relay whose reward could not be determined.", "relay")

	syncParticipationsDesc = desc("sync_committee_participations", "Slots a monitored validator signed in a live sync committee window.", "pubkey", "period_start_epoch", "window")
	syncMissesDesc         = desc("sync_committee_misses", "Slots a monitored validator missed in a live sync committee window.", "pubkey", "period_start_epoch", "window")
	currentSyncEpochDesc   = desc("current_sync_committee_epoch", "First epoch of the current sync committee period.")

	syncParticipationsFoldedDesc = desc("validator_sync_participations_folded", "Sync committee participations of a validator from superseded windows.", "pubkey")
	syncMissesFoldedDesc         = desc("validator_sync_misses_folded", "Sync committee misses of a validator from superseded windows.", "pubkey")

	lastProcessedSlotDesc = desc("last_processed_slot", "Last slot folded into the statistics.")
	pruneWatermarkDesc    = desc("prune_watermark_slot", "Lowest slot that still has a stored record.")
	processedSlotsDesc    = desc("processed_slots_total", "Slots folded into the statistics.")
	missedSlotsDesc       = desc("missed_slots_total", "Processed slots without a block.")
	emptySlotsDesc        = desc("empty_slots_total", "Processed slots with a block without transactions.")
)

// MetricsCollector renders the aggregation snapshot on every scrape, so scrapes never
// depend on poll timing and always see one committed state. Everything is a gauge: a
// correction can lower any slot-derived count.
type MetricsCollector struct {
	source ports.MetricsSnapshotter
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

func NewMetricsCollector(source ports.MetricsSnapshotter) *MetricsCollector {
	return &MetricsCollector{source: source}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		relayBlocksProposedDesc, relayBlocksProposedTotalDesc, relayRewardsTotalDesc, relayRewardsAvgDesc,
		relayUnknownRewardDesc, validatorProposedDesc, validatorMissedDesc, validatorEmptyDesc,
		monitoredRewardsTotalDesc, monitoredRewardsAvgDesc, monitoredUnknownDesc,
		syncParticipationsDesc, syncMissesDesc, currentSyncEpochDesc,
		syncParticipationsFoldedDesc, syncMissesFoldedDesc,
		lastProcessedSlotDesc, pruneWatermarkDesc, processedSlotsDesc, missedSlotsDesc, emptySlotsDesc,
	} {
		ch <- d
	}
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for tag, agg := range s.Relays {
		relay := string(tag)
		gauge(relayBlocksProposedDesc, float64(agg.MonitoredBlocks), relay)
		gauge(relayBlocksProposedTotalDesc, float64(agg.TotalBlocks), relay)
		gauge(relayRewardsTotalDesc, agg.RewardSum.ETH(), relay)
		gauge(relayRewardsAvgDesc, agg.AvgReward().ETH(), relay)
		gauge(relayUnknownRewardDesc, float64(agg.UnknownRewardBlocks), relay)
		gauge(monitoredRewardsTotalDesc, agg.MonitoredRewardSum.ETH(), relay)
		gauge(monitoredRewardsAvgDesc, agg.MonitoredAvgReward().ETH(), relay)
		gauge(monitoredUnknownDesc, float64(agg.MonitoredUnknownRewardBlocks), relay)
	}

	for pk, vc := range s.Validators {
		pubkey := string(pk)
		for tag, n := range vc.ProposedByRelay {
			gauge(validatorProposedDesc, float64(n), pubkey, string(tag))
		}
		gauge(validatorMissedDesc, float64(vc.Missed), pubkey)
		gauge(validatorEmptyDesc, float64(vc.Empty), pubkey)
		gauge(syncParticipationsFoldedDesc, float64(vc.SyncParticipated), pubkey)
		gauge(syncMissesFoldedDesc, float64(vc.SyncMissed), pubkey)
	}

	for _, w := range s.SyncWindows {
		window := "previous"
		if w.Current {
			window = "current"
			gauge(currentSyncEpochDesc, float64(w.PeriodStartEpoch))
		}
		epoch := strconv.FormatUint(uint64(w.PeriodStartEpoch), 10)
		for pk, p := range w.Participation {
			gauge(syncParticipationsDesc, float64(p.Participated), string(pk), epoch, window)
			gauge(syncMissesDesc, float64(p.Missed), string(pk), epoch, window)
		}
	}

	if s.Progress.Started {
		gauge(lastProcessedSlotDesc, float64(s.Progress.LastSlot))
		gauge(pruneWatermarkDesc, float64(s.Progress.PruneWatermark))
	}
	gauge(processedSlotsDesc, float64(s.Global.ProcessedSlots))
	gauge(missedSlotsDesc, float64(s.Global.Missed))
	gauge(emptySlotsDesc, float64(s.Global.Empty))
}
