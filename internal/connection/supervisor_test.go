package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/mirror-trader/internal/classify"
)

// fakeClient is a scripted Client; tests feed inbound messages and inspect
// what the supervisor sent.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	sent       [][]byte
	alive      bool

	messages chan TimestampedMessage
	errs     chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(chan TimestampedMessage, 64),
		errs:     make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.alive = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errs }

func (f *fakeClient) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeClient) feed(raw string) {
	f.messages <- TimestampedMessage{Data: []byte(raw), ReceivedAt: time.Now()}
}

func (f *fakeClient) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func (f *fakeClient) sentContaining(substr string) bool {
	for _, m := range f.sentMessages() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// dialTracker hands out fake clients and remembers every dial.
type dialTracker struct {
	mu      sync.Mutex
	clients []*fakeClient
	prepare func(*fakeClient)
}

func (d *dialTracker) dial() Client {
	c := newFakeClient()
	if d.prepare != nil {
		d.prepare(c)
	}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c
}

func (d *dialTracker) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *dialTracker) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testSupConfig(d *dialTracker) SupervisorConfig {
	return SupervisorConfig{
		Token:        "test-token",
		AccountHint:  "900",
		PingInterval: time.Hour, // keepalive out of the way
		RetryDelay:   time.Millisecond,
		MaxRetries:   2,
		Dial:         d.dial,
	}
}

const (
	authOKMsg       = `{"msg_type":"authorize","authorize":{"loginid":"CR1","balance":1000,"currency":"USD"}}`
	authRejectedMsg = `{"msg_type":"authorize","error":{"code":"InvalidToken","message":"The token is invalid."}}`
	accountListMsg  = `{"msg_type":"mt5_login_list","mt5_login_list":[{"login":"MTR900","group":"real\\svg","balance":1000,"currency":"USD","rights":{"enabled":true,"trade_disabled":false}}]}`
)

func TestSupervisor_SourceAuthFlow(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleSource, testSupConfig(d), nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	c := d.client(0)

	// The very first frame on a fresh session is the authorize request.
	waitFor(t, "authorize sent", func() bool { return c.sentContaining(`"authorize":"test-token"`) })

	c.feed(authOKMsg)
	waitFor(t, "login list requested", func() bool { return c.sentContaining(`"mt5_login_list":1`) })

	c.feed(accountListMsg)
	waitFor(t, "transaction subscription", func() bool {
		return c.sentContaining(`"transaction":1`) && c.sentContaining(`"loginid":"MTR900"`)
	})
	waitFor(t, "ready status", func() bool { return sup.State().Status == StatusReady })

	st := sup.State()
	if st.Account == nil || st.Account.ID != "MTR900" {
		t.Errorf("State().Account = %+v, want MTR900", st.Account)
	}
	if id, ok := sup.AccountID(); !ok || id != "MTR900" {
		t.Errorf("AccountID = %q/%v, want MTR900/true", id, ok)
	}
	if bal, ok := sup.Balance(); !ok || bal != 1000 {
		t.Errorf("Balance = %v/%v, want 1000/true", bal, ok)
	}
}

func TestSupervisor_DestinationSkipsSubscription(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleDestination, testSupConfig(d), nil)

	var acks []classify.CommandAck
	var ackMu sync.Mutex
	sup.OnAck(func(a classify.CommandAck) {
		ackMu.Lock()
		acks = append(acks, a)
		ackMu.Unlock()
	})

	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	c := d.client(0)

	c.feed(authOKMsg)
	c.feed(accountListMsg)
	waitFor(t, "ready status", func() bool { return sup.State().Status == StatusReady })

	if c.sentContaining(`"transaction":1`) {
		t.Error("destination side must not subscribe to the transaction stream")
	}

	// Ready destination accepts commands.
	if err := sup.SendCommand(pingRequest{Ping: 1}); err != nil {
		t.Errorf("SendCommand on ready destination failed: %v", err)
	}

	c.feed(`{"msg_type":"mt5_new_order","mt5_new_order":{"order_id":777},"passthrough":{"source_contract_id":"42"}}`)
	waitFor(t, "ack dispatch", func() bool {
		ackMu.Lock()
		defer ackMu.Unlock()
		return len(acks) == 1
	})

	ackMu.Lock()
	defer ackMu.Unlock()
	if acks[0].DestinationID != "777" || acks[0].SourceContractID != "42" {
		t.Errorf("ack = %+v, want DestinationID 777 for contract 42", acks[0])
	}
}

func TestSupervisor_TradeDispatch(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleSource, testSupConfig(d), nil)

	var trades []classify.TradeEvent
	var tradeMu sync.Mutex
	sup.OnTrade(func(ev classify.TradeEvent) {
		tradeMu.Lock()
		trades = append(trades, ev)
		tradeMu.Unlock()
	})

	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	c := d.client(0)

	// A trade before account resolution must be dropped.
	c.feed(`{"msg_type":"transaction","transaction":{"action":"buy","contract_id":1,"symbol":"EURUSD","volume":1}}`)

	c.feed(authOKMsg)
	c.feed(accountListMsg)
	waitFor(t, "ready status", func() bool { return sup.State().Status == StatusReady })

	c.feed(`{"msg_type":"transaction","transaction":{"action":"buy","contract_id":2,"symbol":"EURUSD","volume":1}}`)
	waitFor(t, "trade dispatch", func() bool {
		tradeMu.Lock()
		defer tradeMu.Unlock()
		return len(trades) == 1
	})

	tradeMu.Lock()
	defer tradeMu.Unlock()
	if trades[0].SourceContractID != "2" {
		t.Errorf("dispatched contract %q, want 2 (pre-resolution trade must be dropped)", trades[0].SourceContractID)
	}
}

func TestSupervisor_PingAnsweredWithPong(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleSource, testSupConfig(d), nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	c := d.client(0)

	c.feed(`{"ping":1}`)
	waitFor(t, "pong reply", func() bool { return c.sentContaining(`"pong":1`) })
}

func TestSupervisor_RetryBudgetExhausted(t *testing.T) {
	d := &dialTracker{prepare: func(c *fakeClient) {
		c.connectErr = errors.New("connection refused")
	}}
	sup := NewSupervisor(RoleSource, testSupConfig(d), nil)

	fatalCh := make(chan error, 1)
	sup.OnFatal(func(err error) { fatalCh <- err })

	sup.Start(context.Background())
	defer sup.Stop()

	select {
	case err := <-fatalCh:
		if err == nil {
			t.Fatal("fatal callback got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal")
	}

	// Initial attempt plus MaxRetries retries.
	if got := d.count(); got != 3 {
		t.Errorf("dial count = %d, want 3", got)
	}
	if st := sup.State().Status; st != StatusDisconnected {
		t.Errorf("Status = %v, want disconnected", st)
	}
}

func TestSupervisor_AuthRejectedIsFatal(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleSource, testSupConfig(d), nil)

	fatalCh := make(chan error, 1)
	sup.OnFatal(func(err error) { fatalCh <- err })

	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	d.client(0).feed(authRejectedMsg)

	select {
	case <-fatalCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal on rejected authorization")
	}

	// Rejected credentials never trigger a redial.
	if got := d.count(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestSupervisor_TriggerReconnect(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleSource, testSupConfig(d), nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	first := d.client(0)
	first.feed(authOKMsg)
	first.feed(accountListMsg)
	waitFor(t, "ready status", func() bool { return sup.State().Status == StatusReady })

	sup.TriggerReconnect()
	// Repeated triggers before the serve loop reacts collapse into one.
	sup.TriggerReconnect()

	waitFor(t, "redial", func() bool { return d.count() == 2 })
	if first.IsAlive() {
		t.Error("first session should be closed after forced reconnect")
	}

	second := d.client(1)
	waitFor(t, "fresh authorize", func() bool { return second.sentContaining(`"authorize":"test-token"`) })

	// The replacement session authorizes all the way to ready again.
	second.feed(authOKMsg)
	second.feed(accountListMsg)
	waitFor(t, "ready after reconnect", func() bool { return sup.State().Status == StatusReady })

	if got := d.count(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestSupervisor_SendCommandNotReady(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleDestination, testSupConfig(d), nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })

	// Connected but not authorized and resolved.
	if err := sup.SendCommand(pingRequest{Ping: 1}); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestSupervisor_AccountResolutionFailure(t *testing.T) {
	d := &dialTracker{}
	cfg := testSupConfig(d)
	cfg.AccountHint = "900"
	sup := NewSupervisor(RoleDestination, cfg, nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	c := d.client(0)

	c.feed(authOKMsg)
	// Only a trade-disabled account; resolution must fail.
	c.feed(`{"msg_type":"mt5_login_list","mt5_login_list":[{"login":"MTD100","rights":{"enabled":true,"trade_disabled":true}}]}`)

	// The session stays up for diagnostics but never reaches ready.
	time.Sleep(50 * time.Millisecond)
	if st := sup.State().Status; st == StatusReady {
		t.Error("supervisor must not become ready without a resolved account")
	}
	if err := sup.SendCommand(pingRequest{Ping: 1}); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
	if got := d.count(); got != 1 {
		t.Errorf("dial count = %d, want 1 (connection stays up)", got)
	}
}

func TestSupervisor_BalanceUpdate(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleDestination, testSupConfig(d), nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	c := d.client(0)

	c.feed(authOKMsg)
	c.feed(accountListMsg)
	waitFor(t, "ready status", func() bool { return sup.State().Status == StatusReady })

	c.feed(`{"msg_type":"balance","balance":{"balance":2500,"currency":"USD"}}`)
	waitFor(t, "balance update", func() bool {
		bal, ok := sup.Balance()
		return ok && bal == 2500
	})
}

func TestSupervisor_StopIdempotent(t *testing.T) {
	d := &dialTracker{}
	sup := NewSupervisor(RoleSource, testSupConfig(d), nil)
	sup.Start(context.Background())

	waitFor(t, "dial", func() bool { return d.count() == 1 })

	sup.Stop()
	sup.Stop()

	if st := sup.State().Status; st != StatusDisconnected {
		t.Errorf("Status = %v, want disconnected after Stop", st)
	}
}
