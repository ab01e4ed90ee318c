package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"signalwatch/core"
	"signalwatch/metrics"
	"signalwatch/model"
)

// ListenerState is the connection state machine component F exposes:
// disconnected -> connecting -> listening -> disconnected (on error).
type ListenerState int

const (
	StateDisconnected ListenerState = iota
	StateConnecting
	StateListening
)

func (s ListenerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	default:
		return "disconnected"
	}
}

// UnsubscribeFunc removes a previously registered subscriber.
type UnsubscribeFunc func()

// subscriberRegistry is the minimal surface the listener needs from
// component G, kept as an interface so the two packages don't need a
// direct struct dependency in either direction.
type subscriberRegistry interface {
	DispatchByProject(projectID string, n model.Notification)
}

// Listener is the singleton LISTEN subscription described in spec.md
// §4.F: one dedicated long-lived connection to the primary store,
// reconnecting with exponential backoff and never losing registered
// subscribers across a reconnect. Grounded on core.CircuitBreaker's
// state+timeout+counter shape (state, reconnect attempt counter, and
// a logger) layered on top of pq.Listener's own lower-level retry.
type Listener struct {
	channel  string
	backoff  core.ReconnectBackoff
	logger   *zap.SugaredLogger
	registry subscriberRegistry

	mu           sync.RWMutex
	state        ListenerState
	pqListener   *pq.Listener
	attempt      int
	shuttingDown bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewListener constructs a Listener. initialize (below) opens the
// connection; the zero-value Listener holds no resources.
func NewListener(channel string, backoff core.ReconnectBackoff, registry subscriberRegistry, logger *zap.SugaredLogger) *Listener {
	return &Listener{
		channel:  channel,
		backoff:  backoff,
		registry: registry,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// Initialize opens the dedicated connection and issues LISTEN, then
// starts the reconnect-aware message loop in the background.
func (l *Listener) Initialize(connURL string) error {
	l.mu.Lock()
	l.state = StateConnecting
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	listener := pq.NewListener(connURL, 10*time.Second, time.Minute, l.onPQEvent)
	if err := listener.Listen(l.channel); err != nil {
		listener.Close()
		l.setState(StateDisconnected)
		return err
	}

	l.mu.Lock()
	l.pqListener = listener
	l.attempt = 0
	l.state = StateListening
	l.mu.Unlock()

	go l.messageLoop()
	return nil
}

// onPQEvent observes pq.Listener's own connectivity callback so our
// state machine tracks reality even when pq.Listener reconnects
// transparently underneath us.
func (l *Listener) onPQEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.setState(StateListening)
		l.mu.Lock()
		l.attempt = 0
		l.mu.Unlock()
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		l.handleDisconnect(err)
	}
}

// handleDisconnect records a disconnect or failed reconnect attempt: it
// marks the listener disconnected, counts the attempt, and once the
// backoff's attempt budget is used up logs a terminal error and
// increments metrics.ListenerTerminalErrors. It does not time the
// reconnect itself: pq.Listener keeps retrying within the 10s/1-minute
// interval bounds passed to pq.NewListener in Initialize, also after the
// budget is used up, and onPQEvent resets the counter on reconnect.
func (l *Listener) handleDisconnect(cause error) {
	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		return
	}
	l.state = StateDisconnected
	l.attempt++
	attempt := l.attempt
	l.mu.Unlock()

	l.logger.Warnw("notification listener disconnected", "channel", l.channel, "attempt", attempt, "error", cause)
	metrics.ListenerReconnects.Inc()

	if l.backoff.Exhausted(attempt) {
		l.logger.Errorw("notification listener exhausted reconnect attempts, giving up", "channel", l.channel, "attempts", attempt)
		metrics.ListenerTerminalErrors.Inc()
		return
	}
	l.setState(StateConnecting)
	// The delay for this attempt is computed but not waited on;
	// pq.Listener re-establishes the connection and its LISTEN itself.
	_ = l.backoff.Delay(attempt)
}

func (l *Listener) setState(s ListenerState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Status reports the current connection state.
func (l *Listener) Status() ListenerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// messageLoop consumes pq.Listener's notification channel until Shutdown
// closes it.
func (l *Listener) messageLoop() {
	defer close(l.doneCh)
	for {
		l.mu.RLock()
		pl := l.pqListener
		l.mu.RUnlock()
		if pl == nil {
			return
		}
		select {
		case <-l.stopCh:
			return
		case n, ok := <-pl.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			l.handleNotification(n)
		}
	}
}

// handleNotification parses the payload, ignores malformed ones (logged,
// not thrown), and dispatches to matching subscribers by projectId.
func (l *Listener) handleNotification(n *pq.Notification) {
	if n.Channel != l.channel {
		l.logger.Debugw("ignoring notification on unexpected channel", "channel", n.Channel)
		return
	}
	var payload logsNewPayload
	if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
		l.logger.Warnw("ignoring malformed notification payload", "channel", n.Channel, "error", err)
		return
	}
	notification := model.Notification{
		ProjectID: payload.ProjectID,
		LogIDs:    payload.LogIDs,
		Timestamp: payload.Timestamp,
	}
	l.registry.DispatchByProject(payload.ProjectID, notification)
}

// Shutdown issues UNLISTEN, closes the connection, and stops the message
// loop. Safe to call once; subsequent calls are no-ops.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		return
	}
	l.shuttingDown = true
	pl := l.pqListener
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.state = StateDisconnected
	l.mu.Unlock()

	if pl != nil {
		_ = pl.Unlisten(l.channel)
		pl.Close()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}
}
