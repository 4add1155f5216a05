package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/citynet/pkg/cipherpipe"
	"github.com/i5heu/citynet/pkg/metrics"
	"github.com/i5heu/citynet/pkg/routing"
	"github.com/i5heu/citynet/pkg/wire"
)

// RelayReport is the outcome of one encrypted relay.
type RelayReport struct { // A
	Message wire.RoutedMessage
	// Delivered lists route members that received the message.
	Delivered []string
	// Failed holds route members whose send failed. They were unregistered.
	Failed map[string]error
	// Offline lists route members without a connection.
	Offline         []string
	MonitorNotified bool
}

// Partial reports whether any route member missed the message.
func (rr *RelayReport) Partial() bool { // A
	return len(rr.Failed) > 0 || len(rr.Offline) > 0
}

// Broadcast sends env to every connection. Failed recipients are
// unregistered; the fan-out itself never aborts.
func (r *Registry) Broadcast(ctx context.Context, env wire.Envelope) *BroadcastResult { // A
	return r.broadcastExcept(ctx, env, "")
}

func (r *Registry) broadcastExcept( // A
	ctx context.Context,
	env wire.Envelope,
	except string,
) *BroadcastResult {
	result := &BroadcastResult{
		Delivered: make([]string, 0),
		Failed:    make(map[string]error),
	}

	frame, err := wire.Encode(env)
	if err != nil {
		r.log.ErrorContext(ctx, "broadcast: encode failed",
			logKeyType, string(env.Type()),
			logKeyError, err)
		return result
	}

	conns := r.snapshot(except)
	if len(conns) == 0 {
		return result
	}

	var wg sync.WaitGroup
	var resultMu sync.Mutex
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			err := c.send(ctx, frame)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				result.Failed[c.city] = err
				return
			}
			result.Delivered = append(result.Delivered, c.city)
		}(c)
	}
	wg.Wait()

	for city, err := range result.Failed {
		metrics.BroadcastFailuresTotal.Inc()
		r.log.WarnContext(ctx, "broadcast: failed to send to city",
			logKeyCity, city,
			logKeyError, err)
		for _, c := range conns {
			if c.city == city {
				r.unregisterConn(ctx, c, "broadcast send failed")
			}
		}
	}

	r.log.DebugContext(ctx, "broadcast complete",
		logKeyType, string(env.Type()),
		logKeyDelivered, len(result.Delivered),
		logKeyFailed, len(result.Failed))
	r.emit(Event{Kind: EventBroadcast, Message: string(env.Type())})
	return result
}

// SendPlain broadcasts a cleartext message from one city to everyone.
func (r *Registry) SendPlain( // A
	ctx context.Context,
	from string,
	text string,
) *BroadcastResult {
	return r.Broadcast(ctx, wire.Plain{
		From:      from,
		Message:   text,
		Timestamp: time.Now(),
	})
}

// RelayEncrypted encrypts plaintext under the (from, to) pair key and
// delivers it to every connected member of the MST route plus the monitor.
//
// Route errors and key or encoding failures are returned. Per-member send
// failures are recorded in the report and unregister that member; the relay
// continues with the rest of the route.
func (r *Registry) RelayEncrypted( // A
	ctx context.Context,
	from string,
	to string,
	plaintext string,
) (*RelayReport, error) {
	if r.cfg.Router == nil || r.cfg.Keys == nil {
		return nil, fmt.Errorf("registry: relay needs a router and a key store")
	}

	path, err := r.cfg.Router.Path(from, to)
	if err != nil {
		metrics.RelaysTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	key, err := r.cfg.Keys.GetOrCreate(ctx, from, to)
	if err != nil {
		metrics.RelaysTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("registry: shared key: %w", err)
	}
	pkt, err := cipherpipe.Encode(plaintext, key.Key)
	if err != nil {
		metrics.RelaysTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	msg := wire.RoutedMessage{
		ID:             wire.NewID(),
		From:           from,
		To:             to,
		Route:          path.Route,
		Hops:           path.Hops,
		OriginalLength: pkt.OriginalLength,
		BitLength:      pkt.BitLength,
		HuffmanEncoded: pkt.CompressedBits,
		HuffmanCodes:   pkt.CodeTable,
		EncryptedData:  pkt.Ciphertext,
		Timestamp:      time.Now(),
	}
	frame, err := wire.Encode(wire.EncryptedDeliver{RoutedMessage: msg})
	if err != nil {
		metrics.RelaysTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	report := &RelayReport{
		Message:   msg,
		Delivered: make([]string, 0, len(path.Route)),
		Failed:    make(map[string]error),
		Offline:   make([]string, 0),
	}

	type hop struct {
		city string
		conn *Conn
		err  error
	}
	hops := make([]hop, len(path.Route))
	var wg sync.WaitGroup
	for i, city := range path.Route {
		hops[i].city = city
		c := r.lookup(city)
		if c == nil {
			continue
		}
		hops[i].conn = c
		wg.Add(1)
		go func(h *hop) {
			defer wg.Done()
			h.err = h.conn.send(ctx, frame)
		}(&hops[i])
	}

	var monitorErr error
	monitor := r.lookup(r.cfg.MonitorID)
	if monitor != nil && !containsCity(path.Route, r.cfg.MonitorID) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitorErr = monitor.send(ctx, frame)
		}()
	}
	wg.Wait()

	for _, h := range hops {
		switch {
		case h.conn == nil:
			report.Offline = append(report.Offline, h.city)
		case h.err != nil:
			report.Failed[h.city] = h.err
			metrics.HopFailuresTotal.Inc()
			r.log.WarnContext(ctx, "relay: hop unreachable",
				logKeyMessageID, msg.ID,
				logKeyCity, h.city,
				logKeyError, h.err)
			r.unregisterConn(ctx, h.conn, "relay send failed")
		default:
			report.Delivered = append(report.Delivered, h.city)
		}
	}
	if monitor != nil {
		if monitorErr != nil {
			r.log.WarnContext(ctx, "relay: monitor copy failed", logKeyError, monitorErr)
			r.unregisterConn(ctx, monitor, "relay send failed")
		} else {
			report.MonitorNotified = true
		}
	}

	outcome := "delivered"
	if report.Partial() {
		outcome = "partial"
	}
	metrics.RelaysTotal.WithLabelValues(outcome).Inc()

	r.log.InfoContext(ctx, "relay complete",
		logKeyMessageID, msg.ID,
		logKeyFrom, from,
		logKeyTo, to,
		logKeyRoute, strings.Join(path.Route, "->"),
		logKeyDelivered, len(report.Delivered),
		logKeyFailed, len(report.Failed),
		logKeyOffline, len(report.Offline))

	r.emit(Event{Kind: EventRelayed, City: from, Message: msg.ID, Relay: report})
	r.Broadcast(ctx, wire.System{
		Event: wire.EventRelayed,
		City:  from,
		Message: fmt.Sprintf("encrypted message %s -> %s via %s (%d hops)",
			from, to, strings.Join(path.Route, " -> "), path.Hops),
		Timestamp: time.Now(),
	})
	return report, nil
}

func containsCity(route []string, city string) bool { // A
	for _, c := range route {
		if c == city {
			return true
		}
	}
	return false
}

// Decrypt opens a routed message with the cached pair key. Only the
// destination city may ask.
func (r *Registry) Decrypt( // A
	requester string,
	msg wire.RoutedMessage,
) (wire.Decrypted, error) {
	if r.cfg.Keys == nil {
		return wire.Decrypted{}, fmt.Errorf("registry: no key store")
	}
	if requester != msg.To {
		return wire.Decrypted{}, fmt.Errorf("%w: %s is not the recipient", ErrNotRecipient, requester)
	}
	key, ok := r.cfg.Keys.Lookup(msg.From, msg.To)
	if !ok {
		return wire.Decrypted{}, ErrKeyUnavailable
	}
	text, err := cipherpipe.Decode(&cipherpipe.EncodedPacket{
		OriginalLength: msg.OriginalLength,
		BitLength:      msg.BitLength,
		CompressedBits: msg.HuffmanEncoded,
		CodeTable:      msg.HuffmanCodes,
		Ciphertext:     msg.EncryptedData,
	}, key.Key)
	if err != nil {
		return wire.Decrypted{}, err
	}
	return wire.Decrypted{
		ID:             msg.ID,
		From:           msg.From,
		To:             msg.To,
		EncryptedData:  msg.EncryptedData,
		HuffmanCodes:   msg.HuffmanCodes,
		HuffmanEncoded: msg.HuffmanEncoded,
		Message:        text,
		Timestamp:      time.Now(),
	}, nil
}

var (
	ErrNotRecipient   = errors.New("registry: requester is not the recipient")
	ErrKeyUnavailable = errors.New("registry: no shared key for pair")
)

// errorCode maps a request failure to the code sent to clients.
func errorCode(err error) string { // A
	switch {
	case errors.Is(err, wire.ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, routing.ErrNoTopology):
		return "no_topology"
	case errors.Is(err, routing.ErrUnknownCity):
		return "unknown_city"
	case errors.Is(err, routing.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, cipherpipe.ErrEmptyPlaintext):
		return "empty_message"
	case errors.Is(err, cipherpipe.ErrKeyMismatch):
		return "key_mismatch"
	case errors.Is(err, cipherpipe.ErrMalformedCode):
		return "malformed_code"
	case errors.Is(err, ErrNotRecipient):
		return "not_recipient"
	case errors.Is(err, ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrSendTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

// Serve registers ch for city and runs its receive loop until the channel
// fails, the connection is superseded or ctx ends. The connection is
// unregistered on return. A failed receive is returned wrapped in
// ErrReceiveFailed.
func (r *Registry) Serve(ctx context.Context, city string, ch Channel) error { // A
	c, err := r.Register(ctx, city, ch)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	reason := "channel closed"
	defer func() {
		r.unregisterConn(context.WithoutCancel(ctx), c, reason)
	}()

	for {
		frame, err := ch.Receive(loopCtx)
		if err != nil {
			if loopCtx.Err() != nil {
				if c.ctx.Err() != nil {
					reason = "connection closed"
				} else {
					reason = "context done"
				}
				return nil
			}
			reason = "receive failed"
			r.log.DebugContext(ctx, "receive failed", logKeyCity, city, logKeyError, err)
			return fmt.Errorf("%w: %w", ErrReceiveFailed, err)
		}
		c.touch()

		env, err := wire.Decode(frame)
		if err != nil {
			r.log.InfoContext(ctx, "malformed frame rejected",
				logKeyCity, city,
				logKeyError, err)
			r.replyError(loopCtx, c, err)
			continue
		}
		r.dispatch(loopCtx, c, env)
	}
}

func (r *Registry) dispatch(ctx context.Context, c *Conn, env wire.Envelope) { // A
	switch m := env.(type) {
	case wire.Ping:
		if err := c.sendEnvelope(ctx, wire.Pong{Timestamp: m.Timestamp}); err != nil {
			r.log.DebugContext(ctx, "pong failed", logKeyCity, c.city, logKeyError, err)
		}

	case wire.Pong:
		// touch already recorded the activity

	case wire.Plain:
		r.SendPlain(ctx, c.city, m.Message)

	case wire.SendEncrypted:
		if _, err := r.RelayEncrypted(ctx, c.city, m.To, m.Message); err != nil {
			r.log.InfoContext(ctx, "relay rejected",
				logKeyFrom, c.city,
				logKeyTo, m.To,
				logKeyError, err)
			r.replyError(ctx, c, err)
		}

	case wire.DecryptRequest:
		r.handleDecrypt(ctx, c, m.RoutedMessage)

	case wire.EncryptedDeliver:
		// recipients may echo a delivery back to have it opened
		if m.To == c.city {
			r.handleDecrypt(ctx, c, m.RoutedMessage)
		}

	default:
		r.log.DebugContext(ctx, "ignoring server-bound frame",
			logKeyCity, c.city,
			logKeyType, string(env.Type()))
	}
}

func (r *Registry) handleDecrypt(ctx context.Context, c *Conn, msg wire.RoutedMessage) { // A
	out, err := r.Decrypt(c.city, msg)
	if err != nil {
		r.log.InfoContext(ctx, "decrypt rejected",
			logKeyCity, c.city,
			logKeyMessageID, msg.ID,
			logKeyError, err)
		r.replyError(ctx, c, err)
		return
	}
	if err := c.sendEnvelope(ctx, out); err != nil {
		r.log.DebugContext(ctx, "decrypted reply failed", logKeyCity, c.city, logKeyError, err)
	}
}

func (r *Registry) replyError(ctx context.Context, c *Conn, cause error) { // A
	err := c.sendEnvelope(ctx, wire.Error{Code: errorCode(cause), Message: cause.Error()})
	if err != nil {
		r.log.DebugContext(ctx, "error reply failed", logKeyCity, c.city, logKeyError, err)
	}
}
