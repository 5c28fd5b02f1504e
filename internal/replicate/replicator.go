// Package replicate implements the replication mapper, the state machine
// that mirrors source trade lifecycle events onto one destination account.
//
// Per source trade the mapper moves through: unmapped → replicating (open
// issued, awaiting confirmation) → mapped (destination trade confirmed
// open) → closing → closed (entry removed). A mapping entry exists iff the
// destination trade is currently open: entries are created only on a
// confirmed open and removed only on a confirmed close.
package replicate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rickgao/mirror-trader/internal/classify"
)

// Destination is the command surface of a destination connection.
type Destination interface {
	// SendCommand sends a venue command; refused while the side is not
	// ready to trade.
	SendCommand(v any) error

	// AccountID returns the resolved destination login, if any.
	AccountID() (string, bool)

	// Balance returns the cached destination balance, if known.
	Balance() (float64, bool)
}

// BalanceSource supplies the source-side balance for volume scaling.
type BalanceSource interface {
	Balance() (float64, bool)
}

// Recorder receives one entry per replication decision. Implemented by the
// journal; a nil Recorder disables recording.
type Recorder interface {
	Record(ctx context.Context, e Decision)
}

// Decision is one replication decision, for the audit journal.
type Decision struct {
	Destination      string // destination login
	SourceContractID string
	DestContractID   string
	Action           string // "open", "modify", "close", "mapped", "closed", "rejected", "skipped"
	Symbol           string
	Volume           float64
	Reason           string
}

// ScaleFunc computes the destination volume for a source volume given both
// balances. Called only when both balances are available.
type ScaleFunc func(volume, sourceBalance, destBalance float64) float64

// BalanceRatioScale scales volume by destinationBalance/sourceBalance, the
// observed behavior of the system this engine mirrors. The denominator is
// the source balance at replication time, so the factor drifts with source
// equity; swap in another ScaleFunc to change the policy.
func BalanceRatioScale(volume, sourceBalance, destBalance float64) float64 {
	return volume * (destBalance / sourceBalance)
}

// IdentityScale replicates the source volume unchanged.
func IdentityScale(volume, _, _ float64) float64 {
	return volume
}

// Replicator mirrors source trade events onto one destination account.
// Safe for concurrent use: source trade events and destination acks arrive
// on different receive loops.
type Replicator struct {
	logger   *slog.Logger
	dest     Destination
	source   BalanceSource
	scale    ScaleFunc
	recorder Recorder // may be nil

	mu           sync.Mutex
	pendingOpen  map[string]struct{} // source id → open issued, unconfirmed
	mappings     map[string]string   // source id → destination contract id
	pendingClose map[string]struct{} // source id → close issued, unconfirmed
}

// New creates a replicator for one destination.
func New(dest Destination, source BalanceSource, scale ScaleFunc, recorder Recorder, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	if scale == nil {
		scale = BalanceRatioScale
	}

	return &Replicator{
		logger:       logger,
		dest:         dest,
		source:       source,
		scale:        scale,
		recorder:     recorder,
		pendingOpen:  make(map[string]struct{}),
		mappings:     make(map[string]string),
		pendingClose: make(map[string]struct{}),
	}
}

// MappedCount returns the number of confirmed open replicated trades.
func (r *Replicator) MappedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}

// HandleTrade processes one source trade lifecycle event.
func (r *Replicator) HandleTrade(ev classify.TradeEvent) {
	switch ev.Kind {
	case classify.TradeOpen:
		r.handleOpen(ev)
	case classify.TradeModify:
		r.handleModify(ev)
	case classify.TradeClose:
		r.handleClose(ev)
	}
}

// HandleAck processes one destination command response.
func (r *Replicator) HandleAck(ack classify.CommandAck) {
	switch ack.Op {
	case classify.AckOpen:
		r.handleOpenAck(ack)
	case classify.AckModify:
		r.handleModifyAck(ack)
	case classify.AckClose:
		r.handleCloseAck(ack)
	}
}

func (r *Replicator) handleOpen(ev classify.TradeEvent) {
	id := ev.SourceContractID

	// Mapping existence is checked before issuing, not only before
	// recording: a replayed open for a mapped or in-flight trade must not
	// double-open on the destination.
	r.mu.Lock()
	if _, ok := r.mappings[id]; ok {
		r.mu.Unlock()
		r.logger.Warn("open ignored, trade already mapped", "contract_id", id)
		r.record(Decision{SourceContractID: id, Action: "skipped", Symbol: ev.Symbol, Reason: "already mapped"})
		return
	}
	if _, ok := r.pendingOpen[id]; ok {
		r.mu.Unlock()
		r.logger.Warn("open ignored, replication in flight", "contract_id", id)
		r.record(Decision{SourceContractID: id, Action: "skipped", Symbol: ev.Symbol, Reason: "open in flight"})
		return
	}
	// Reserve before sending so a concurrent replay cannot slip through.
	r.pendingOpen[id] = struct{}{}
	r.mu.Unlock()

	login, ok := r.dest.AccountID()
	if !ok {
		r.dropPendingOpen(id)
		r.logger.Warn("open not replicated, destination account unresolved", "contract_id", id)
		return
	}

	volume := r.scaledVolume(ev.Volume, id)

	cmd := OpenCommand{
		MT5NewOrder: 1,
		Login:       login,
		Symbol:      ev.Symbol,
		Type:        ev.Direction,
		Volume:      volume,
		Price:       ev.Price,
		StopLoss:    ev.StopLoss,
		TakeProfit:  ev.TakeProfit,
		Passthrough: classify.Passthrough{
			SourceContractID: id,
			RequestID:        uuid.NewString(),
		},
	}

	if err := r.dest.SendCommand(cmd); err != nil {
		r.dropPendingOpen(id)
		r.logger.Error("open replication failed",
			"contract_id", id,
			"symbol", ev.Symbol,
			"error", err,
		)
		r.record(Decision{Destination: login, SourceContractID: id, Action: "rejected", Symbol: ev.Symbol, Volume: volume, Reason: err.Error()})
		return
	}

	r.logger.Info("open replicated",
		"contract_id", id,
		"symbol", ev.Symbol,
		"type", ev.Direction,
		"source_volume", ev.Volume,
		"volume", volume,
	)
	r.record(Decision{Destination: login, SourceContractID: id, Action: "open", Symbol: ev.Symbol, Volume: volume})
}

func (r *Replicator) handleModify(ev classify.TradeEvent) {
	id := ev.SourceContractID

	r.mu.Lock()
	destID, ok := r.mappings[id]
	r.mu.Unlock()

	if !ok {
		// Expected when the open was never replicated.
		r.logger.Warn("modify for unmapped trade dropped", "contract_id", id)
		r.record(Decision{SourceContractID: id, Action: "skipped", Symbol: ev.Symbol, Reason: "unmapped modify"})
		return
	}

	login, _ := r.dest.AccountID()
	cmd := ModifyCommand{
		MT5ModifyOrder: 1,
		Login:          login,
		ContractID:     destID,
		StopLoss:       ev.StopLoss,
		TakeProfit:     ev.TakeProfit,
		Passthrough: classify.Passthrough{
			SourceContractID: id,
			RequestID:        uuid.NewString(),
		},
	}

	if err := r.dest.SendCommand(cmd); err != nil {
		r.logger.Error("modify replication failed",
			"contract_id", id,
			"dest_contract_id", destID,
			"error", err,
		)
		r.record(Decision{Destination: login, SourceContractID: id, DestContractID: destID, Action: "rejected", Reason: err.Error()})
		return
	}

	r.logger.Info("modify replicated",
		"contract_id", id,
		"dest_contract_id", destID,
	)
	r.record(Decision{Destination: login, SourceContractID: id, DestContractID: destID, Action: "modify", Symbol: ev.Symbol})
}

func (r *Replicator) handleClose(ev classify.TradeEvent) {
	id := ev.SourceContractID

	r.mu.Lock()
	destID, ok := r.mappings[id]
	if ok {
		if _, closing := r.pendingClose[id]; closing {
			r.mu.Unlock()
			r.logger.Warn("close ignored, close in flight", "contract_id", id)
			return
		}
		r.pendingClose[id] = struct{}{}
	}
	r.mu.Unlock()

	if !ok {
		// Expected when the open was never replicated.
		r.logger.Warn("close for unmapped trade dropped", "contract_id", id)
		r.record(Decision{SourceContractID: id, Action: "skipped", Symbol: ev.Symbol, Reason: "unmapped close"})
		return
	}

	login, _ := r.dest.AccountID()
	cmd := CloseCommand{
		MT5CloseOrder: 1,
		Login:         login,
		ContractID:    destID,
		Price:         ev.Price,
		Volume:        ev.Volume,
		Passthrough: classify.Passthrough{
			SourceContractID: id,
			RequestID:        uuid.NewString(),
		},
	}

	if err := r.dest.SendCommand(cmd); err != nil {
		r.dropPendingClose(id)
		r.logger.Error("close replication failed",
			"contract_id", id,
			"dest_contract_id", destID,
			"error", err,
		)
		r.record(Decision{Destination: login, SourceContractID: id, DestContractID: destID, Action: "rejected", Reason: err.Error()})
		return
	}

	r.logger.Info("close replicated",
		"contract_id", id,
		"dest_contract_id", destID,
		"price", ev.Price,
	)
	r.record(Decision{Destination: login, SourceContractID: id, DestContractID: destID, Action: "close", Symbol: ev.Symbol, Volume: ev.Volume})
}

func (r *Replicator) handleOpenAck(ack classify.CommandAck) {
	id := ack.SourceContractID

	r.mu.Lock()
	_, pending := r.pendingOpen[id]
	if pending {
		delete(r.pendingOpen, id)
		if ack.OK {
			r.mappings[id] = ack.DestinationID
		}
	}
	r.mu.Unlock()

	if !pending {
		r.logger.Warn("unexpected open ack dropped", "contract_id", id)
		return
	}

	if !ack.OK {
		// No retry: a stale retry could double-open on a delayed success.
		r.logger.Error("open rejected by venue",
			"contract_id", id,
			"code", ack.ErrCode,
			"message", ack.ErrMsg,
		)
		r.record(Decision{SourceContractID: id, Action: "rejected", Reason: ack.ErrCode + ": " + ack.ErrMsg})
		return
	}

	r.logger.Info("trade mapped",
		"contract_id", id,
		"dest_contract_id", ack.DestinationID,
	)
	r.record(Decision{SourceContractID: id, DestContractID: ack.DestinationID, Action: "mapped"})
}

func (r *Replicator) handleModifyAck(ack classify.CommandAck) {
	if ack.OK {
		r.logger.Debug("modify confirmed", "contract_id", ack.SourceContractID)
		return
	}
	r.logger.Error("modify rejected by venue",
		"contract_id", ack.SourceContractID,
		"code", ack.ErrCode,
		"message", ack.ErrMsg,
	)
	r.record(Decision{SourceContractID: ack.SourceContractID, Action: "rejected", Reason: ack.ErrCode + ": " + ack.ErrMsg})
}

func (r *Replicator) handleCloseAck(ack classify.CommandAck) {
	id := ack.SourceContractID

	r.mu.Lock()
	destID := r.mappings[id]
	delete(r.pendingClose, id)
	if ack.OK {
		// Frees the id for potential reuse by the venue.
		delete(r.mappings, id)
	}
	r.mu.Unlock()

	if !ack.OK {
		// Destination trade is still open; the mapping stays.
		r.logger.Error("close rejected by venue",
			"contract_id", id,
			"code", ack.ErrCode,
			"message", ack.ErrMsg,
		)
		r.record(Decision{SourceContractID: id, DestContractID: destID, Action: "rejected", Reason: ack.ErrCode + ": " + ack.ErrMsg})
		return
	}

	r.logger.Info("trade closed", "contract_id", id, "dest_contract_id", destID)
	r.record(Decision{SourceContractID: id, DestContractID: destID, Action: "closed"})
}

// scaledVolume applies the scaling policy, falling back to the unscaled
// source volume when either balance is unavailable. Replication never
// blocks on a missing balance.
func (r *Replicator) scaledVolume(volume float64, contractID string) float64 {
	srcBal, srcOK := r.source.Balance()
	dstBal, dstOK := r.dest.Balance()

	if !srcOK || !dstOK || srcBal <= 0 {
		r.logger.Warn("balance unavailable, replicating unscaled volume",
			"contract_id", contractID,
			"source_balance_known", srcOK,
			"dest_balance_known", dstOK,
		)
		return volume
	}

	return r.scale(volume, srcBal, dstBal)
}

func (r *Replicator) dropPendingOpen(id string) {
	r.mu.Lock()
	delete(r.pendingOpen, id)
	r.mu.Unlock()
}

func (r *Replicator) dropPendingClose(id string) {
	r.mu.Lock()
	delete(r.pendingClose, id)
	r.mu.Unlock()
}

func (r *Replicator) record(d Decision) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(context.Background(), d)
}
