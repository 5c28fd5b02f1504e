package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/mirror-trader/internal/account"
	"github.com/rickgao/mirror-trader/internal/classify"
)

// Dialer produces a fresh Client for each connection attempt.
type Dialer func() Client

// SupervisorConfig configures one side's supervisor.
type SupervisorConfig struct {
	Token        string        // venue access token for this side
	AccountHint  string        // optional sub-account login to resolve
	PingInterval time.Duration // application-level keepalive interval
	RetryDelay   time.Duration // base reconnect delay, multiplied by attempt
	MaxRetries   int           // consecutive failures tolerated before fatal
	Dial         Dialer
}

// State is a snapshot of the supervisor's connection state.
type State struct {
	Role       Role
	Status     Status
	RetryCount int
	Account    *account.Account
}

// Supervisor owns one transport session and drives authorization, keepalive,
// and reconnect-with-backoff for one side of the relay.
type Supervisor struct {
	cfg    SupervisorConfig
	role   Role
	logger *slog.Logger

	// Event sinks, set before Start.
	onTrade func(classify.TradeEvent)
	onAck   func(classify.CommandAck)
	onFatal func(error)

	mu         sync.RWMutex
	status     Status
	retryCount int
	authOK     bool
	resolved   *account.Account
	balance    float64
	hasBalance bool
	client     Client

	// Watchdog → reconnect signal. Buffered depth 1 so repeated liveness
	// checks collapse into a single reconnect.
	reconnectCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSupervisor creates a supervisor for one side.
func NewSupervisor(role Role, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		cfg:         cfg,
		role:        role,
		logger:      logger.With("side", role),
		reconnectCh: make(chan struct{}, 1),
	}
}

// OnTrade registers the sink for source-side trade events. Must be called
// before Start.
func (s *Supervisor) OnTrade(fn func(classify.TradeEvent)) { s.onTrade = fn }

// OnAck registers the sink for destination-side command acks. Must be called
// before Start.
func (s *Supervisor) OnAck(fn func(classify.CommandAck)) { s.onAck = fn }

// OnFatal registers the callback invoked when this side can no longer trade
// (authorization rejected or retry budget exhausted). Must be called before
// Start.
func (s *Supervisor) OnFatal(fn func(error)) { s.onFatal = fn }

// Start begins the connect/authorize/serve loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop signals shutdown, closes the session, and waits for all loops owned
// by this supervisor to exit. Idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.setStatus(StatusClosing)
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.RLock()
		client := s.client
		s.mu.RUnlock()
		if client != nil {
			client.Close()
		}
	})
	s.wg.Wait()
}

// Role returns which side this supervisor drives.
func (s *Supervisor) Role() Role { return s.role }

// State returns a snapshot of the connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Role:       s.role,
		Status:     s.status,
		RetryCount: s.retryCount,
	}
	if s.resolved != nil {
		acct := *s.resolved
		st.Account = &acct
	}
	return st
}

// Balance returns the cached balance for the resolved account, if known.
func (s *Supervisor) Balance() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, s.hasBalance
}

// AccountID returns the resolved sub-account login, if resolution succeeded.
func (s *Supervisor) AccountID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.resolved == nil {
		return "", false
	}
	return s.resolved.ID, true
}

// Healthy reports whether the current session is alive. False while
// reconnecting.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.client.IsAlive()
}

// TriggerReconnect asks the serve loop to tear down the current session and
// reconnect. No-op when no session is being served; repeated calls before
// the serve loop observes the signal collapse into one reconnect.
func (s *Supervisor) TriggerReconnect() {
	s.mu.RLock()
	serving := s.client != nil
	s.mu.RUnlock()
	if !serving {
		return
	}

	select {
	case s.reconnectCh <- struct{}{}:
		s.logger.Warn("reconnect requested", "status", s.statusSnapshot())
	default:
	}
}

// SendCommand marshals and sends a venue command on this side's session.
// Refused unless the supervisor is Ready with a resolved account.
func (s *Supervisor) SendCommand(v any) error {
	s.mu.RLock()
	client, status, resolved := s.client, s.status, s.resolved
	s.mu.RUnlock()

	if status != StatusReady || resolved == nil || client == nil {
		return ErrNotReady
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return client.Send(data)
}

// run is the single reconnect loop for this connection. Reconnection never
// spawns from a callback; flapping connectivity cannot grow the goroutine
// count.
func (s *Supervisor) run() {
	defer s.wg.Done()

	failures := 0
	for {
		if s.ctx.Err() != nil {
			s.setStatus(StatusDisconnected)
			return
		}

		if failures > 0 {
			if failures > s.cfg.MaxRetries {
				s.setStatus(StatusDisconnected)
				s.fatal(fmt.Errorf("retry budget exhausted after %d attempts", s.cfg.MaxRetries))
				return
			}
			delay := time.Duration(failures) * s.cfg.RetryDelay
			s.logger.Warn("reconnecting",
				"attempt", failures,
				"max", s.cfg.MaxRetries,
				"delay", delay,
			)
			select {
			case <-s.ctx.Done():
				s.setStatus(StatusDisconnected)
				return
			case <-time.After(delay):
			}
		}

		s.setRetryCount(failures)
		s.setStatus(StatusConnecting)

		client := s.cfg.Dial()
		if err := client.Connect(s.ctx); err != nil {
			s.logger.Warn("connect failed", "error", err)
			failures++
			continue
		}

		s.setClient(client)
		s.setStatus(StatusAuthorizing)

		err := s.authorize(client)
		if err == nil {
			err = s.serve(client)
		}

		client.Close()
		s.setClient(nil)
		s.setResolved(nil)

		// A session that made it through authorization resets the
		// consecutive-failure count.
		if s.takeAuthSuccess() {
			failures = 0
		}

		if s.ctx.Err() != nil {
			s.setStatus(StatusDisconnected)
			return
		}

		if errors.Is(err, errAuthRejected) {
			s.setStatus(StatusDisconnected)
			s.fatal(err)
			return
		}

		s.logger.Warn("session ended", "error", err)
		s.setStatus(StatusDisconnected)
		failures++
	}
}

// authorize sends the authorize request for this side's token.
func (s *Supervisor) authorize(client Client) error {
	data, err := json.Marshal(authorizeRequest{Authorize: s.cfg.Token})
	if err != nil {
		return err
	}
	return client.Send(data)
}

// serve pumps one session: receive loop plus a keepalive goroutine. Returns
// when the session dies, the watchdog demands a reconnect, authorization is
// rejected, or shutdown is requested.
func (s *Supervisor) serve(client Client) error {
	sessCtx, sessCancel := context.WithCancel(s.ctx)
	defer sessCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(sessCtx, client)
	}()
	defer wg.Wait()

	// Drop any reconnect request aimed at a previous session.
	select {
	case <-s.reconnectCh:
	default:
	}

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case <-s.reconnectCh:
			return errForcedReconnect

		case err := <-client.Errors():
			return err

		case msg, ok := <-client.Messages():
			if !ok {
				return ErrSessionClosed
			}
			if err := s.handleMessage(client, msg.Data); err != nil {
				return err
			}
		}
	}
}

// keepalive emits the application-level ping at a fixed interval,
// independent of the receive loop.
func (s *Supervisor) keepalive(ctx context.Context, client Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	data, _ := json.Marshal(pingRequest{Ping: 1})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Send(data); err != nil {
				s.logger.Debug("keepalive send failed", "error", err)
			}
		}
	}
}

// handleMessage classifies one inbound message and advances the
// authorization flow or dispatches to the registered sinks. A non-nil
// return ends the session.
func (s *Supervisor) handleMessage(client Client, data []byte) error {
	ev, err := classify.Classify(data)
	if err != nil {
		s.logger.Warn("dropping malformed message", "error", err)
		return nil
	}

	switch ev.Kind {
	case classify.KindPing:
		s.logger.Debug("ping received")
		pong, _ := json.Marshal(pongRequest{Pong: 1})
		if err := client.Send(pong); err != nil {
			s.logger.Debug("pong send failed", "error", err)
		}

	case classify.KindPong:
		s.logger.Debug("pong received")

	case classify.KindAuth:
		return s.handleAuth(client, ev.Auth)

	case classify.KindAccountList:
		return s.handleAccountList(client, ev.Accounts)

	case classify.KindBalance:
		if ev.Balance != nil {
			s.setBalance(ev.Balance.Balance)
		}

	case classify.KindTrade:
		s.handleTrade(ev.Trade)

	case classify.KindAck:
		if s.role == RoleDestination && s.onAck != nil {
			s.onAck(*ev.Ack)
		} else {
			s.logger.Debug("ack ignored", "op", ev.Ack.Op, "ok", ev.Ack.OK)
		}

	default:
		s.logger.Debug("unrecognized message dropped", "msg_type", ev.MsgType)
	}

	return nil
}

func (s *Supervisor) handleAuth(client Client, res *classify.AuthResult) error {
	if !res.OK {
		s.logger.Error("authorization rejected",
			"code", res.ErrCode,
			"message", res.ErrMsg,
		)
		return errAuthRejected
	}

	s.logger.Info("authorized", "loginid", res.LoginID)
	s.markAuthSuccess()

	data, err := json.Marshal(loginListRequest{MT5LoginList: 1})
	if err != nil {
		return err
	}
	return client.Send(data)
}

func (s *Supervisor) handleAccountList(client Client, accounts []account.Account) error {
	acct, err := account.Resolve(accounts, s.cfg.AccountHint)
	if err != nil {
		// Fatal for trading on this side, but the connection stays up for
		// diagnostics. No subscription, no Ready.
		s.logger.Error("account resolution failed",
			"hint", s.cfg.AccountHint,
			"accounts", len(accounts),
			"error", err,
		)
		s.setResolved(nil)
		return nil
	}

	s.setResolved(&acct)
	s.logger.Info("account resolved",
		"login", acct.ID,
		"group", acct.Group,
		"balance", acct.Balance,
		"currency", acct.Currency,
	)

	if s.role == RoleSource {
		data, err := json.Marshal(subscribeRequest{
			Transaction: 1,
			Subscribe:   1,
			LoginID:     acct.ID,
		})
		if err != nil {
			return err
		}
		if err := client.Send(data); err != nil {
			return err
		}
		s.logger.Info("subscribed to transaction stream", "login", acct.ID)
	}

	s.setStatus(StatusReady)
	return nil
}

func (s *Supervisor) handleTrade(trade *classify.TradeEvent) {
	if s.role != RoleSource {
		s.logger.Debug("trade event on destination stream ignored",
			"contract_id", trade.SourceContractID,
		)
		return
	}

	s.mu.RLock()
	resolved := s.resolved != nil
	s.mu.RUnlock()

	if !resolved {
		s.logger.Warn("trade event dropped, no resolved account",
			"contract_id", trade.SourceContractID,
			"kind", trade.Kind,
		)
		return
	}

	if s.onTrade != nil {
		s.onTrade(*trade)
	}
}

func (s *Supervisor) fatal(err error) {
	s.logger.Error("connection fatal", "error", err)
	if s.onFatal != nil {
		s.onFatal(fmt.Errorf("%s connection: %w", s.role, err))
	}
}

func (s *Supervisor) setStatus(status Status) {
	s.mu.Lock()
	prev := s.status
	if prev == StatusClosing && status != StatusDisconnected {
		// Shutdown wins over concurrent transitions.
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	if prev != status {
		s.logger.Info("connection state", "from", prev, "to", status)
	}
}

func (s *Supervisor) statusSnapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Supervisor) setClient(client Client) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

func (s *Supervisor) setResolved(acct *account.Account) {
	s.mu.Lock()
	s.resolved = acct
	if acct != nil {
		s.balance = acct.Balance
		s.hasBalance = true
	} else {
		s.hasBalance = false
	}
	s.mu.Unlock()
}

func (s *Supervisor) setBalance(balance float64) {
	s.mu.Lock()
	s.balance = balance
	s.hasBalance = true
	s.mu.Unlock()
}

func (s *Supervisor) setRetryCount(n int) {
	s.mu.Lock()
	s.retryCount = n
	s.mu.Unlock()
}

func (s *Supervisor) markAuthSuccess() {
	s.mu.Lock()
	s.retryCount = 0
	s.authOK = true
	s.mu.Unlock()
}

func (s *Supervisor) takeAuthSuccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.authOK
	s.authOK = false
	return ok
}
