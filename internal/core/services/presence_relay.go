package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"presencerelay/internal/core/domain"
	"presencerelay/internal/core/ports"
	apperrors "presencerelay/pkg/errors"
	"presencerelay/pkg/tracing"
	"presencerelay/pkg/utils"

	"go.uber.org/zap"
)

// RelayConfig holds the protocol knobs of a PresenceRelay.
type RelayConfig struct {
	Protocol          string
	TickInterval      time.Duration
	AnnounceTypes     []string
	MessageTypes      []string
	BroadcastSentinel string
}

// DefaultRelayConfig mirrors the defaults in pkg/config.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Protocol:          "presence-relay-v1",
		TickInterval:      5 * time.Second,
		AnnounceTypes:     []string{"presence:announce", "announce", "register"},
		MessageTypes:      []string{"msg:send", "message"},
		BroadcastSentinel: "all",
	}
}

type RelayOption func(*PresenceRelay)

func WithLogger(logger *zap.SugaredLogger) RelayOption {
	return func(r *PresenceRelay) { r.logger = logger }
}

func WithMetrics(m ports.RelayMetrics) RelayOption {
	return func(r *PresenceRelay) { r.metrics = m }
}

func WithPublisher(p ports.PresencePublisher) RelayOption {
	return func(r *PresenceRelay) { r.publisher = p }
}

func WithClock(now func() time.Time) RelayOption {
	return func(r *PresenceRelay) { r.now = now }
}

// connection is the relay's record of one transport link.
type connection struct {
	id          domain.ConnectionID
	transport   ports.Transport
	identity    *domain.Identity
	connectedAt time.Time
}

func (c *connection) state() domain.ConnectionState {
	if c.identity != nil {
		return domain.StateAnnounced
	}
	return domain.StateConnected
}

// PresenceRelay tracks connections and announced identities and fans frames
// out between them. Every handler holds mu for its whole run, so each inbound
// event is applied atomically; transports only queue frames, so holding the
// lock never waits on a peer.
type PresenceRelay struct {
	mu          sync.Mutex
	connections map[domain.ConnectionID]*connection
	identities  map[domain.ParticipantID]*connection

	cfg     RelayConfig
	decoder *domain.Decoder

	publisher ports.PresencePublisher
	metrics   ports.RelayMetrics
	now       func() time.Time
	logger    *zap.SugaredLogger
}

func NewPresenceRelay(cfg RelayConfig, opts ...RelayOption) *PresenceRelay {
	r := &PresenceRelay{
		connections: make(map[domain.ConnectionID]*connection),
		identities:  make(map[domain.ParticipantID]*connection),
		cfg:         cfg,
		decoder:     domain.NewDecoder(cfg.AnnounceTypes, cfg.MessageTypes, cfg.BroadcastSentinel),
		publisher:   nopPublisher{},
		metrics:     nopMetrics{},
		now:         utils.Now,
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnConnect registers a freshly accepted transport and greets it.
func (r *PresenceRelay) OnConnect(ctx context.Context, transport ports.Transport) domain.ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &connection{
		id:          domain.ConnectionID(utils.GenerateConnectionID()),
		transport:   transport,
		connectedAt: r.now(),
	}
	r.connections[c.id] = c
	r.metrics.SetConnections(len(r.connections))

	r.sendTo(c, domain.WelcomeFrame{
		Type:         domain.TypeWelcome,
		ConnectionID: c.id,
		Protocol:     r.cfg.Protocol,
	})

	r.logger.Infow("connection opened",
		"connection_id", c.id,
		"remote_addr", transport.RemoteAddr(),
		"connections", len(r.connections),
	)
	return c.id
}

// OnMessage decodes one raw frame and dispatches it. Protocol errors are
// answered with an error frame on the sending connection and also returned.
func (r *PresenceRelay) OnMessage(ctx context.Context, connectionID domain.ConnectionID, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[connectionID]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	in, err := r.decoder.Decode(raw)
	if err != nil {
		r.metrics.FrameReceived("malformed")
		r.replyError(c, err)
		r.logger.Debugw("rejected frame", "connection_id", c.id, "error", err)
		return err
	}

	kind := domain.KindOf(in)
	r.metrics.FrameReceived(kind)

	ctx, span := tracing.TraceWebSocketMessage(ctx, in.MessageType(), string(c.id))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.MessageKindKey.String(kind))

	switch msg := in.(type) {
	case domain.Announce:
		err = r.handleAnnounce(ctx, c, msg)
	case domain.Directed:
		err = r.handleDirected(ctx, c, msg)
	case domain.Broadcast:
		err = r.fanOut(ctx, c, msg.Frame)
	case domain.Unknown:
		err = r.fanOut(ctx, c, msg.Frame)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		r.replyError(c, err)
		r.logger.Debugw("message rejected",
			"connection_id", c.id,
			"type", in.MessageType(),
			"error", err,
		)
	}
	return err
}

func (r *PresenceRelay) handleAnnounce(ctx context.Context, c *connection, msg domain.Announce) error {
	tracing.AddSpanAttributes(ctx, tracing.ParticipantIDKey.String(string(msg.ParticipantID)))

	if c.identity != nil {
		if c.identity.ParticipantID != msg.ParticipantID {
			return apperrors.NewIdentityConflictError(string(c.identity.ParticipantID), string(msg.ParticipantID))
		}
		// Same connection, same participant: metadata update only.
		c.identity.Merge(msg)
		r.logger.Debugw("identity updated",
			"connection_id", c.id,
			"participant_id", msg.ParticipantID,
		)
		return nil
	}

	if prev, taken := r.identities[msg.ParticipantID]; taken && prev != c {
		prev.identity = nil
		r.metrics.Takeover()
		r.logger.Infow("identity takeover",
			"participant_id", msg.ParticipantID,
			"previous_connection_id", prev.id,
			"connection_id", c.id,
		)
		r.publisher.PublishTakeover(domain.Identity{
			ParticipantID: msg.ParticipantID,
			ConnectionID:  c.id,
		}, prev.id)
	}

	identity := &domain.Identity{
		ParticipantID: msg.ParticipantID,
		ConnectionID:  c.id,
		AnnouncedAt:   r.now(),
	}
	identity.Merge(msg)
	c.identity = identity
	r.identities[msg.ParticipantID] = c
	r.metrics.SetAnnounced(len(r.identities))

	recipients := r.broadcast(c, domain.NewJoinedFrame(*identity))
	tracing.AddSpanAttributes(ctx, tracing.RecipientsKey.Int(recipients))
	r.publisher.PublishJoined(*identity)

	r.logger.Infow("participant joined",
		"connection_id", c.id,
		"participant_id", identity.ParticipantID,
		"kind", identity.Kind,
		"participants", len(r.identities),
	)
	return nil
}

func (r *PresenceRelay) handleDirected(ctx context.Context, c *connection, msg domain.Directed) error {
	if c.identity == nil {
		return apperrors.NewNotAnnouncedError()
	}
	if msg.To == c.identity.ParticipantID {
		return apperrors.NewInvalidInputError("cannot send a directed message to yourself")
	}

	target, ok := r.identities[msg.To]
	if !ok {
		return apperrors.NewUnknownTargetError(string(msg.To))
	}

	r.sendTo(target, msg.Frame.Annotate(c.identity.ParticipantID, r.timestamp()))
	tracing.AddSpanAttributes(ctx, tracing.RecipientsKey.Int(1))
	return nil
}

func (r *PresenceRelay) fanOut(ctx context.Context, c *connection, frame domain.Frame) error {
	if c.identity == nil {
		return apperrors.NewNotAnnouncedError()
	}
	recipients := r.broadcast(c, frame.Annotate(c.identity.ParticipantID, r.timestamp()))
	tracing.AddSpanAttributes(ctx, tracing.RecipientsKey.Int(recipients))
	return nil
}

// OnDisconnect drops the connection and, if it still owned an identity,
// tells everyone else it left. Calling it twice is a no-op.
func (r *PresenceRelay) OnDisconnect(ctx context.Context, connectionID domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[connectionID]
	if !ok {
		return
	}
	delete(r.connections, connectionID)
	r.metrics.SetConnections(len(r.connections))
	from := c.state()

	if c.identity != nil {
		identity := *c.identity
		c.identity = nil
		if owner := r.identities[identity.ParticipantID]; owner == c {
			delete(r.identities, identity.ParticipantID)
			r.metrics.SetAnnounced(len(r.identities))
			r.broadcast(nil, domain.NewLeftFrame(identity))
			r.publisher.PublishLeft(identity)
			r.logger.Infow("participant left",
				"connection_id", c.id,
				"participant_id", identity.ParticipantID,
				"participants", len(r.identities),
			)
		}
	}

	r.logger.Infow("connection closed",
		"connection_id", c.id,
		"from", string(from),
		"to", string(domain.StateDisconnected),
		"connections", len(r.connections),
	)
}

// ReplyError sends err as an error frame to a single connection.
func (r *PresenceRelay) ReplyError(connectionID domain.ConnectionID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.connections[connectionID]; ok {
		r.replyError(c, err)
	}
}

// Tick computes the presence snapshot and sends it to every announced
// connection. With nobody announced the snapshot is still returned but
// nothing is sent.
func (r *PresenceRelay) Tick(ctx context.Context) domain.PresenceSnapshot {
	ctx, span := tracing.TraceTick(ctx)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotLocked()
	tracing.AddSpanAttributes(ctx,
		tracing.PhaseKey.String(snapshot.Phase),
		tracing.ParticipantsKey.Int(snapshot.Count),
	)
	if snapshot.Count > 0 {
		r.broadcast(nil, domain.NewTickFrame(snapshot))
	}
	r.metrics.TickEmitted(snapshot.Count)
	r.publisher.PublishTick(snapshot)
	return snapshot
}

// Run emits a tick every TickInterval until ctx is done.
func (r *PresenceRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.logger.Infow("presence ticker started", "interval", r.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("presence ticker stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// CloseAll closes every transport. Disconnect events follow from the
// transports themselves.
func (r *PresenceRelay) CloseAll() int {
	r.mu.Lock()
	transports := make([]ports.Transport, 0, len(r.connections))
	for _, c := range r.connections {
		transports = append(transports, c.transport)
	}
	r.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			r.logger.Debugw("error closing transport", "remote_addr", t.RemoteAddr(), "error", err)
		}
	}
	return len(transports)
}

// View returns the snapshot, identities and connections from a single
// critical section, so they always agree with each other.
func (r *PresenceRelay) View() domain.PresenceView {
	r.mu.Lock()
	defer r.mu.Unlock()

	return domain.PresenceView{
		Snapshot:     r.snapshotLocked(),
		Participants: r.participantsLocked(),
		Connections:  r.connectionsLocked(),
	}
}

func (r *PresenceRelay) Participants() []domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked()
}

func (r *PresenceRelay) participantsLocked() []domain.Identity {
	out := make([]domain.Identity, 0, len(r.identities))
	for _, c := range r.identities {
		id := *c.identity
		id.Capabilities = append([]string(nil), c.identity.Capabilities...)
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (r *PresenceRelay) connectionsLocked() []domain.ConnectionInfo {
	out := make([]domain.ConnectionInfo, 0, len(r.connections))
	for _, c := range r.connections {
		info := domain.ConnectionInfo{
			ID:          c.id,
			State:       c.state(),
			RemoteAddr:  c.transport.RemoteAddr(),
			ConnectedAt: c.connectedAt,
		}
		if c.identity != nil {
			info.ParticipantID = c.identity.ParticipantID
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (r *PresenceRelay) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// IdentityOf reports which participant a connection is bound to.
func (r *PresenceRelay) IdentityOf(connectionID domain.ConnectionID) (domain.ParticipantID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[connectionID]
	if !ok || c.identity == nil {
		return "", false
	}
	return c.identity.ParticipantID, true
}

func (r *PresenceRelay) snapshotLocked() domain.PresenceSnapshot {
	now := r.now()
	participants := make([]domain.ParticipantID, 0, len(r.identities))
	for pid := range r.identities {
		participants = append(participants, pid)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })

	return domain.PresenceSnapshot{
		Phase:        domain.PhaseAt(now, r.cfg.TickInterval),
		Participants: participants,
		Count:        len(participants),
		TakenAt:      now,
	}
}

// broadcast sends v to every announced connection except skip and returns the
// number of attempted recipients.
func (r *PresenceRelay) broadcast(skip *connection, v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Errorw("failed to encode frame", "error", err)
		return 0
	}

	recipients := 0
	for _, c := range r.identities {
		if c == skip {
			continue
		}
		recipients++
		r.deliver(c, data)
	}
	return recipients
}

func (r *PresenceRelay) sendTo(c *connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Errorw("failed to encode frame", "connection_id", c.id, "error", err)
		return
	}
	r.deliver(c, data)
}

// deliver is best effort: a transport that cannot take the frame is skipped.
func (r *PresenceRelay) deliver(c *connection, data []byte) {
	if err := c.transport.Send(data); err != nil {
		r.metrics.SendDropped()
		r.logger.Debugw("dropped frame", "connection_id", c.id, "error", err)
		return
	}
	r.metrics.FrameSent()
}

func (r *PresenceRelay) replyError(c *connection, err error) {
	frame := domain.ErrorFrame{Type: domain.TypeError, Message: err.Error()}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		frame.Message = appErr.Message
		frame.Code = string(appErr.Code)
	}
	r.metrics.ErrorReplied(string(apperrors.CodeOf(err)))
	r.sendTo(c, frame)
}

func (r *PresenceRelay) timestamp() string {
	return utils.FormatTimestamp(r.now())
}

type nopPublisher struct{}

func (nopPublisher) PublishJoined(domain.Identity)                        {}
func (nopPublisher) PublishLeft(domain.Identity)                          {}
func (nopPublisher) PublishTakeover(domain.Identity, domain.ConnectionID) {}
func (nopPublisher) PublishTick(domain.PresenceSnapshot)                  {}

type nopMetrics struct{}

func (nopMetrics) SetConnections(int)   {}
func (nopMetrics) SetAnnounced(int)     {}
func (nopMetrics) FrameReceived(string) {}
func (nopMetrics) FrameSent()           {}
func (nopMetrics) SendDropped()         {}
func (nopMetrics) Takeover()            {}
func (nopMetrics) ErrorReplied(string)  {}
func (nopMetrics) TickEmitted(int)      {}

var (
	_ ports.ConnectionHandler = (*PresenceRelay)(nil)
	_ ports.PresenceReader    = (*PresenceRelay)(nil)
)
