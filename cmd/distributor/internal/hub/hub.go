// Package hub fans quote updates out to connected clients, shaping each
// client's stream to its negotiated capabilities: delta encoding, batching
// and payload compression are all per-client decisions.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/protocol"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/repository"
	"github.com/shubham-shewale/quote-pipeline/pkg/codec"
	"github.com/shubham-shewale/quote-pipeline/pkg/models"
)

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	SendBytes(b []byte)
	Close()
}

// Config tunes the per-client delivery pipeline.
type Config struct {
	MaxBatchSize         int
	BatchTimeout         time.Duration
	CompressionThreshold int // bytes of serialized JSON above which compression kicks in
	OfflineQueueSize     int
}

// clientState is the per-connection delivery state. The codec instance is
// per client because delta baselines track what THIS client last saw.
type clientState struct {
	caps    protocol.Capabilities
	codec   *codec.Codec
	pending []codec.Update
}

// offlineEntry retains a disconnected client's context so a reconnect with
// the same ID can catch up. Subscriptions are NOT restored; the symbol set
// only scopes which updates get queued.
type offlineEntry struct {
	symbols  map[string]bool
	messages []interface{}
	since    time.Time
}

type Hub struct {
	subscribers map[string]map[ClientInterface]bool
	clientSubs  map[ClientInterface]map[string]bool
	states      map[ClientInterface]*clientState
	refCount    map[string]int
	offline     map[string]*offlineEntry

	store  repository.QuoteStore
	logger *zap.Logger
	cfg    Config
	mu     sync.RWMutex
}

func NewHub(store repository.QuoteStore, cfg Config, logger *zap.Logger) *Hub {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 500
	}
	if cfg.OfflineQueueSize <= 0 {
		cfg.OfflineQueueSize = 50
	}

	h := &Hub{
		subscribers: make(map[string]map[ClientInterface]bool),
		clientSubs:  make(map[ClientInterface]map[string]bool),
		states:      make(map[ClientInterface]*clientState),
		refCount:    make(map[string]int),
		offline:     make(map[string]*offlineEntry),
		store:       store,
		logger:      logger,
		cfg:         cfg,
	}

	go h.store.RunPubSub(context.Background(), h.onFeedMessage)

	return h
}

// Register adds a client with conservative default capabilities. If the same
// client ID disconnected recently, its queued messages are replayed.
func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	h.states[client] = &clientState{codec: codec.New(h.logger)}
	h.clientSubs[client] = make(map[string]bool)

	var replay []interface{}
	if entry, ok := h.offline[client.ID()]; ok {
		replay = entry.messages
		delete(h.offline, client.ID())
	}
	h.mu.Unlock()

	for _, msg := range replay {
		h.safeSendJSON(client, msg)
	}
	if len(replay) > 0 {
		h.logger.Info("replayed offline queue",
			zap.String("client_id", client.ID()), zap.Int("messages", len(replay)))
	}
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest) {
	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	case protocol.ActionCapabilities:
		h.handleCapabilities(client, req)
	case protocol.ActionPing:
		h.safeSendJSON(client, protocol.WSResponse{Type: protocol.MsgPong, ID: req.ID})
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()

	var added []string
	for _, s := range req.Payload.Symbols {
		if s == "" {
			continue
		}
		// Idempotency: ignore if already subscribed
		if h.clientSubs[client] != nil && h.clientSubs[client][s] {
			continue
		}
		added = append(added, s)
	}

	if len(added) == 0 {
		h.mu.Unlock()
		h.sendError(client, req.ID, "No valid/new symbols provided")
		return
	}

	if h.clientSubs[client] == nil {
		h.clientSubs[client] = make(map[string]bool)
	}

	for _, sym := range added {
		h.clientSubs[client][sym] = true
		if h.subscribers[sym] == nil {
			h.subscribers[sym] = make(map[ClientInterface]bool)
		}
		h.subscribers[sym][client] = true

		// Ref-counted upstream subscription
		h.refCount[sym]++
		if h.refCount[sym] == 1 {
			if err := h.store.SubscribeToFeed(context.Background(), sym); err != nil {
				h.logger.Error("Failed to subscribe upstream", zap.String("symbol", sym), zap.Error(err))
			}
		}
	}
	h.mu.Unlock()

	h.sendAck(client, req.ID, "success", fmt.Sprintf("Subscribed to %v", added))

	// Snapshots go out async so the command path never blocks on the store.
	go func(targets []string) {
		snapshots, err := h.store.GetSnapshots(context.Background(), targets)
		if err != nil {
			h.logger.Error("snapshot fetch failed", zap.Error(err))
			return
		}
		for _, snap := range snapshots {
			quote, perr := models.QuoteFromJSON([]byte(snap))
			if perr != nil {
				continue
			}
			h.pushToClient(client, quote)
		}
	}(added)
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()

	var removed []string
	if subs, ok := h.clientSubs[client]; ok {
		for _, sym := range req.Payload.Symbols {
			if subs[sym] {
				delete(subs, sym)
				delete(h.subscribers[sym], client)
				removed = append(removed, sym)
				h.decreaseRefCount(sym)
			}
		}
	}
	h.mu.Unlock()

	if len(removed) > 0 {
		h.sendAck(client, req.ID, "success", fmt.Sprintf("Unsubscribed from %v", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Symbols))
	}
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	if subs, ok := h.clientSubs[client]; ok {
		for sym := range subs {
			delete(h.subscribers[sym], client)
			h.decreaseRefCount(sym)
		}
		// Clear the map but keep the client registered
		h.clientSubs[client] = make(map[string]bool)
	}
	h.mu.Unlock()

	h.sendAck(client, req.ID, "success", "Unsubscribed from all symbols")
}

func (h *Hub) handleCapabilities(client ClientInterface, req protocol.WSRequest) {
	if req.Payload.Capabilities == nil {
		h.sendError(client, req.ID, "Missing capabilities payload")
		return
	}
	h.Negotiate(client, *req.Payload.Capabilities)

	h.safeSendJSON(client, protocol.WSResponse{
		Type:   protocol.MsgServerCapabilities,
		ID:     req.ID,
		Status: "success",
		Data: protocol.ServerCapabilities{
			SupportsCompression: true,
			SupportsDelta:       true,
			SupportsBatch:       true,
			CompressionMethods:  []string{"msgpack", "msgpack_gzip"},
			MaxBatchSize:        h.cfg.MaxBatchSize,
		},
	})
}

// Negotiate records a client's declared capabilities. Can be called again
// mid-session; delta baselines survive because tightening capabilities never
// invalidates what the client has already seen.
func (h *Hub) Negotiate(client ClientInterface, caps protocol.Capabilities) {
	h.mu.Lock()
	if state, ok := h.states[client]; ok {
		state.caps = caps
	}
	h.mu.Unlock()

	h.logger.Info("client capabilities negotiated",
		zap.String("client_id", client.ID()),
		zap.Bool("compression", caps.SupportsCompression),
		zap.Bool("delta", caps.SupportsDelta),
		zap.Bool("batch", caps.SupportsBatch))
}

// Unregister removes the client and retains its subscription set in a
// bounded offline queue keyed by client ID.
func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	if subs, ok := h.clientSubs[client]; ok {
		symbols := make(map[string]bool, len(subs))
		for sym := range subs {
			symbols[sym] = true
			delete(h.subscribers[sym], client)
			h.decreaseRefCount(sym)
		}
		delete(h.clientSubs, client)

		if len(symbols) > 0 {
			h.offline[client.ID()] = &offlineEntry{symbols: symbols, since: time.Now()}
		}
	}
	delete(h.states, client)
	h.mu.Unlock()

	client.Close()
}

// OnQuoteUpdate routes a fresh quote to every subscriber of its symbol,
// shaped to each client's capabilities, and into matching offline queues.
func (h *Hub) OnQuoteUpdate(quote *models.Quote) {
	if quote == nil || quote.Symbol == "" {
		return
	}
	symbol := quote.Symbol
	fields := quote.ToMap()

	h.mu.Lock()
	clients := make([]ClientInterface, 0, len(h.subscribers[symbol]))
	for client := range h.subscribers[symbol] {
		clients = append(clients, client)
	}

	type immediate struct {
		client ClientInterface
		update codec.Update
		cdc    *codec.Codec
		caps   protocol.Capabilities
	}
	var sends []immediate
	var flushes []ClientInterface

	for _, client := range clients {
		state, ok := h.states[client]
		if !ok {
			continue
		}
		update := encodeFor(state, symbol, fields)

		if state.caps.SupportsBatch {
			state.pending = append(state.pending, update)
			if len(state.pending) >= h.cfg.MaxBatchSize {
				flushes = append(flushes, client)
			}
			continue
		}
		sends = append(sends, immediate{client: client, update: update, cdc: state.codec, caps: state.caps})
	}

	// Offline clients get full updates only; deltas make no sense without a
	// live baseline conversation.
	for id, entry := range h.offline {
		if entry.symbols[symbol] {
			h.queueOfflineLocked(id, entry, protocol.PushMessage{
				Type:      protocol.MsgStockUpdateOptimized,
				Data:      codec.Update{Symbol: symbol, Type: codec.TypeFull, Timestamp: timestampNow(), Data: fields},
				Timestamp: timestampNow(),
			})
		}
	}
	h.mu.Unlock()

	for _, s := range sends {
		h.deliverSingle(s.client, s.cdc, s.caps, s.update)
	}
	for _, client := range flushes {
		h.Flush(client)
	}
}

// pushToClient delivers one quote to one client regardless of symbol
// subscription state. Used for the post-subscribe snapshot.
func (h *Hub) pushToClient(client ClientInterface, quote *models.Quote) {
	h.mu.Lock()
	state, ok := h.states[client]
	if !ok {
		h.mu.Unlock()
		return
	}
	update := encodeFor(state, quote.Symbol, quote.ToMap())
	cdc, caps := state.codec, state.caps
	if caps.SupportsBatch {
		state.pending = append(state.pending, update)
		full := len(state.pending) >= h.cfg.MaxBatchSize
		h.mu.Unlock()
		if full {
			h.Flush(client)
		}
		return
	}
	h.mu.Unlock()

	h.deliverSingle(client, cdc, caps, update)
}

// encodeFor picks delta when the client supports it and a baseline exists,
// full otherwise. Caller holds h.mu.
func encodeFor(state *clientState, symbol string, fields map[string]interface{}) codec.Update {
	if state.caps.SupportsDelta && state.codec.HasBaseline(symbol) {
		return state.codec.EncodeDelta(symbol, fields)
	}
	return state.codec.EncodeFull(symbol, fields)
}

// deliverSingle sends one update, compressing only when the plain JSON form
// exceeds the threshold and the client opted in.
func (h *Hub) deliverSingle(client ClientInterface, cdc *codec.Codec, caps protocol.Capabilities, update codec.Update) {
	plain := protocol.PushMessage{
		Type:      protocol.MsgStockUpdateOptimized,
		Data:      update,
		Timestamp: timestampNow(),
	}

	if caps.SupportsCompression {
		serialized, err := json.Marshal(plain)
		if err == nil && len(serialized) > h.cfg.CompressionThreshold {
			packed := cdc.PackUpdate(update)
			h.safeSendJSON(client, protocol.PushMessage{
				Type:              protocol.MsgStockUpdateCompressed,
				Data:              base64.StdEncoding.EncodeToString(packed),
				Timestamp:         timestampNow(),
				Compressed:        true,
				CompressionMethod: "msgpack",
			})
			return
		}
	}

	h.safeSendJSON(client, plain)
}

// Flush drains a client's pending batch.
func (h *Hub) Flush(client ClientInterface) {
	h.mu.Lock()
	state, ok := h.states[client]
	if !ok || len(state.pending) == 0 {
		h.mu.Unlock()
		return
	}
	pending := state.pending
	state.pending = nil
	cdc, caps := state.codec, state.caps
	h.mu.Unlock()

	h.deliverBatch(client, cdc, caps, pending)
}

// FlushAll drains every client's pending batch. Driven by the batch timer.
func (h *Hub) FlushAll() {
	h.mu.Lock()
	type drained struct {
		client  ClientInterface
		cdc     *codec.Codec
		caps    protocol.Capabilities
		pending []codec.Update
	}
	var all []drained
	for client, state := range h.states {
		if len(state.pending) == 0 {
			continue
		}
		all = append(all, drained{client: client, cdc: state.codec, caps: state.caps, pending: state.pending})
		state.pending = nil
	}
	h.mu.Unlock()

	for _, d := range all {
		h.deliverBatch(d.client, d.cdc, d.caps, d.pending)
	}
}

func (h *Hub) deliverBatch(client ClientInterface, cdc *codec.Codec, caps protocol.Capabilities, updates []codec.Update) {
	plain := protocol.PushMessage{
		Type:      protocol.MsgBatchUpdate,
		Data:      updates,
		Count:     len(updates),
		Timestamp: timestampNow(),
	}

	if caps.SupportsCompression {
		serialized, err := json.Marshal(plain)
		if err == nil && len(serialized) > h.cfg.CompressionThreshold {
			packed, perr := cdc.PackBatch(updates)
			if perr == nil {
				h.safeSendJSON(client, protocol.PushMessage{
					Type:              protocol.MsgBatchUpdateCompressed,
					Data:              base64.StdEncoding.EncodeToString(packed),
					Count:             len(updates),
					Timestamp:         timestampNow(),
					Compressed:        true,
					CompressionMethod: "msgpack_gzip",
				})
				return
			}
			h.logger.Error("batch pack failed, sending plain", zap.Error(perr))
		}
	}

	h.safeSendJSON(client, plain)
}

// RunBatchFlusher flushes all pending batches on the configured cadence
// until the context is cancelled. Blocking; run in a goroutine.
func (h *Hub) RunBatchFlusher(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.FlushAll()
			return
		case <-ticker.C:
			h.FlushAll()
		}
	}
}

// BroadcastSystem pushes a system notice to every connected client and into
// every offline queue.
func (h *Hub) BroadcastSystem(message string) {
	msg := protocol.WSResponse{Type: protocol.MsgSystem, Message: message}

	h.mu.Lock()
	clients := make([]ClientInterface, 0, len(h.states))
	for client := range h.states {
		clients = append(clients, client)
	}
	for id, entry := range h.offline {
		h.queueOfflineLocked(id, entry, msg)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.safeSendJSON(client, msg)
	}
}

// onFeedMessage is the store pub/sub sink: a published quote payload becomes
// a hub-wide update.
func (h *Hub) onFeedMessage(symbol string, payload string) {
	quote, err := models.QuoteFromJSON([]byte(payload))
	if err != nil {
		h.logger.Error("bad feed payload", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	h.OnQuoteUpdate(quote)
}

// Stats is the hub's live snapshot for the stats endpoint. Codec counters
// are summed across all connected clients.
type Stats struct {
	ConnectedClients int         `json:"connected_clients"`
	ActiveSymbols    int         `json:"active_symbols"`
	PendingUpdates   int         `json:"pending_updates"`
	OfflineQueues    int         `json:"offline_queues"`
	Codec            codec.Stats `json:"codec"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pending := 0
	var agg codec.Stats
	for _, state := range h.states {
		pending += len(state.pending)
		cs := state.codec.Stats()
		agg.TotalCompressions += cs.TotalCompressions
		agg.TotalOriginalSize += cs.TotalOriginalSize
		agg.TotalCompressedSize += cs.TotalCompressedSize
		agg.DeltaUpdates += cs.DeltaUpdates
		agg.FullUpdates += cs.FullUpdates
	}
	if agg.TotalOriginalSize > 0 {
		agg.AvgCompressionRatio = 1 - float64(agg.TotalCompressedSize)/float64(agg.TotalOriginalSize)
	}
	return Stats{
		ConnectedClients: len(h.states),
		ActiveSymbols:    len(h.subscribers),
		PendingUpdates:   pending,
		OfflineQueues:    len(h.offline),
		Codec:            agg,
	}
}

// queueOfflineLocked appends a message bounded by the configured queue size,
// dropping the oldest on overflow. Caller holds h.mu.
func (h *Hub) queueOfflineLocked(id string, entry *offlineEntry, msg interface{}) {
	entry.messages = append(entry.messages, msg)
	if len(entry.messages) > h.cfg.OfflineQueueSize {
		over := len(entry.messages) - h.cfg.OfflineQueueSize
		entry.messages = append([]interface{}(nil), entry.messages[over:]...)
		h.logger.Debug("offline queue overflow, dropped oldest",
			zap.String("client_id", id), zap.Int("dropped", over))
	}
}

func (h *Hub) decreaseRefCount(symbol string) {
	h.refCount[symbol]--
	if h.refCount[symbol] <= 0 {
		if err := h.store.UnsubscribeFromFeed(context.Background(), symbol); err != nil {
			h.logger.Error("Failed to unsubscribe upstream", zap.String("symbol", symbol), zap.Error(err))
		}
		delete(h.refCount, symbol)
		delete(h.subscribers, symbol)
	}
}

// safeSendJSON isolates one client's send path so a panicking connection
// never takes down a broadcast loop.
func (h *Hub) safeSendJSON(client ClientInterface, v interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic sending to client",
				zap.String("client_id", client.ID()), zap.Any("panic", r))
		}
	}()
	client.SendJSON(v)
}

func (h *Hub) sendAck(c ClientInterface, id, status, msg string) {
	h.safeSendJSON(c, protocol.WSResponse{Type: "ack", ID: id, Status: status, Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	h.safeSendJSON(c, protocol.WSResponse{Type: "error", ID: id, Message: msg})
}

func timestampNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
