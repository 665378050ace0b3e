package domain

// SyncParticipation counts the slots a committee member signed or missed.
type SyncParticipation struct {
	Participated uint64 `json:"participated"`
	Missed       uint64 `json:"missed"`
}

// SyncCommitteeWindow is the observed participation of one sync committee period.
// Only monitored members are counted; the raw bitfields are not retained.
type SyncCommitteeWindow struct {
	PeriodStartEpoch Epoch                           `json:"period_start_epoch"`
	Members          []ValidatorIndex                `json:"members"`
	Current          bool                            `json:"current"`
	SlotsObserved    uint64                          `json:"slots_observed"`
	LastSlot         Slot                            `json:"last_slot"`
	Participation    map[BLSPubKey]SyncParticipation `json:"participation"`
}

func (w SyncCommitteeWindow) Clone() SyncCommitteeWindow {
	c := w
	c.Members = append([]ValidatorIndex(nil), w.Members...)
	c.Participation = make(map[BLSPubKey]SyncParticipation, len(w.Participation))
	for k, v := range w.Participation {
		c.Participation[k] = v
	}
	return c
}

// SyncCommitteeUpdate is the next live window set and the windows to fold away.
type SyncCommitteeUpdate struct {
	Windows []SyncCommitteeWindow
	Folded  []SyncCommitteeWindow
}

// CurrentSyncWindow returns the window marked current, if any.
func CurrentSyncWindow(windows []SyncCommitteeWindow) (SyncCommitteeWindow, bool) {
	for _, w := range windows {
		if w.Current {
			return w, true
		}
	}
	return SyncCommitteeWindow{}, false
}

// MetricsSnapshot is a consistent point-in-time copy of the aggregates.
type MetricsSnapshot = AggregateState
