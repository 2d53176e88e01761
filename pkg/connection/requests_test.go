package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketfeed/internal/wire"
	"github.com/rickgao/marketfeed/pkg/model"
)

// acceptWallets answers authenticate requests with success.
func acceptWallets(c *fakeClient, p wire.Packet, name string) {
	if name != reqAuthenticate {
		return
	}
	_, args, _ := p.Event()
	c.push(fmt.Sprintf(`42["authenticated",%s]`, args[0]))
}

func authenticateTest(t *testing.T, m *Manager, srv *fakeServer, wallet string) {
	t.Helper()
	srv.setOnEvent(acceptWallets)
	require.NoError(t, m.Authenticate(context.Background(), wallet))
}

func TestManager_SubscriptionRequests(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	client := srv.last()

	tests := []struct {
		name string
		call func() error
		want string
	}{
		{"all prices", func() error { return m.SubscribePrices("") }, `42["subscribe:price",{}]`},
		{"one price", func() error { return m.SubscribePrices("BTC") }, `42["subscribe:price",{"asset":"BTC"}]`},
		{"get prices", func() error { return m.GetPrices("BTC", "ETH") }, `42["get:prices",{"assets":["BTC","ETH"]}]`},
		{"get no prices", func() error { return m.GetPrices() }, `42["get:prices",{"assets":[]}]`},
		{"orderbook", func() error { return m.SubscribeOrderBook("SOL") }, `42["subscribe:orderbook",{"asset":"SOL"}]`},
		{"trades", func() error { return m.SubscribeTrades("ETH") }, `42["subscribe:trades",{"asset":"ETH"}]`},
		{"candles", func() error { return m.SubscribeCandles("BTC", "1m") }, `42["subscribe:candle",{"coin":"BTC","interval":"1m"}]`},
		{"unsubscribe", func() error { return m.Unsubscribe("orderbook:SOL") }, `42["unsubscribe",{"room":"orderbook:SOL"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.call())
			assert.Equal(t, tt.want, client.lastSent())
		})
	}
}

func TestManager_DuplicateSubscribeSendsTwice(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)

	require.NoError(t, m.SubscribeTrades("BTC"))
	require.NoError(t, m.SubscribeTrades("BTC"))

	assert.Len(t, srv.last().sentFrames(), 3)
}

func TestManager_RequestsRequireConnection(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	ctx := context.Background()

	calls := map[string]func() error{
		"SubscribePrices":    func() error { return m.SubscribePrices("BTC") },
		"GetPrices":          func() error { return m.GetPrices("BTC") },
		"SubscribeOrderBook": func() error { return m.SubscribeOrderBook("BTC") },
		"SubscribeTrades":    func() error { return m.SubscribeTrades("BTC") },
		"SubscribeCandles":   func() error { return m.SubscribeCandles("BTC", "1m") },
		"Unsubscribe":        func() error { return m.Unsubscribe("prices") },
		"Authenticate":       func() error { return m.Authenticate(ctx, "0xabc") },
		"GetBalance": func() error {
			_, err := m.GetBalance(ctx)
			return err
		},
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), ErrNotConnected)
		})
	}

	assert.Zero(t, srv.dials(), "no transport I/O while disconnected")
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_RequestsFailAfterDisconnect(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	m.Disconnect()
	sent := len(srv.last().sentFrames())

	assert.ErrorIs(t, m.SubscribePrices(""), ErrNotConnected)
	assert.Len(t, srv.last().sentFrames(), sent)
}

func TestManager_Authenticate(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	rec := record(m)

	authenticateTest(t, m, srv, "0xabc")

	wallet := m.AuthenticatedWallet()
	require.True(t, wallet.IsSome())
	assert.Equal(t, "0xabc", wallet.Unwrap())
	assert.Contains(t, srv.last().sentFrames(), `42["authenticate",{"wallet":"0xabc"}]`)
	require.Eventually(t, func() bool { return rec.has("authenticated:0xabc") }, time.Second, time.Millisecond)
}

func TestManager_RequestsFromConnectedHandler(t *testing.T) {
	m, srv, _ := newTestManager(t, func(c *Config) {
		c.AuthTimeout = 2 * time.Second
		c.RequestTimeout = 2 * time.Second
	})
	srv.setOnEvent(func(c *fakeClient, p wire.Packet, name string) {
		acceptWallets(c, p, name)
		if name == reqGetUserBalance {
			c.push(fmt.Sprintf("43%d[75.5]", p.AckID))
		}
	})

	var (
		authErr, balErr error
		bal             decimal.Decimal
	)
	On(m, EventConnected, func(ConnectedEvent) {
		authErr = m.Authenticate(context.Background(), "0xabc")
		bal, balErr = m.GetBalance(context.Background())
	})

	start := time.Now()
	connectTest(t, m)

	require.NoError(t, authErr)
	require.NoError(t, balErr)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "75.5", bal.String())
	assert.Equal(t, "0xabc", m.AuthenticatedWallet().Unwrap())
}

func TestManager_ServerEventsWaitForConnectedHandlers(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	srv.setOnEvent(acceptWallets)

	var (
		mu    sync.Mutex
		order []string
	)
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	On(m, EventConnected, func(ConnectedEvent) {
		srv.last().push(`42["price:update",{"asset":"BTC","price":"1"}]`)
		assert.NoError(t, m.Authenticate(context.Background(), "0xabc"))
		note("connected")
	})
	On(m, EventPrice, func(p model.PriceData) { note("price:" + p.Asset) })

	connectTest(t, m)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connected", "price:BTC"}, order)
}

func TestManager_AuthenticateRejected(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	rec := record(m)

	srv.setOnEvent(func(c *fakeClient, p wire.Packet, name string) {
		if name == reqAuthenticate {
			c.push(`42["auth:error",{"message":"invalid signature"}]`)
		}
	})

	err := m.Authenticate(context.Background(), "0xabc")
	require.ErrorIs(t, err, ErrAuthRejected)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "invalid signature", authErr.Message)

	assert.True(t, m.AuthenticatedWallet().IsNone())
	assert.Zero(t, rec.count("error:"), "auth failures are not broadcast")
	assert.Zero(t, rec.count("authenticated:"))
}

func TestManager_AuthenticateTimeout(t *testing.T) {
	m, srv, _ := newTestManager(t, func(c *Config) { c.AuthTimeout = 50 * time.Millisecond })
	connectTest(t, m)

	start := time.Now()
	err := m.Authenticate(context.Background(), "0xabc")

	assert.ErrorIs(t, err, ErrAuthTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, m.AuthenticatedWallet().IsNone())

	// A late answer must not authenticate the connection.
	seen := make(chan struct{})
	On(m, EventSubscribed, func(model.Subscribed) { close(seen) })
	client := srv.last()
	client.push(`42["authenticated",{"wallet":"0xabc"}]`)
	client.push(`42["subscribed",{"type":"prices"}]`)

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("barrier event not delivered")
	}
	assert.True(t, m.AuthenticatedWallet().IsNone())
}

func TestManager_AuthenticateInProgress(t *testing.T) {
	m, srv, _ := newTestManager(t, func(c *Config) { c.AuthTimeout = 300 * time.Millisecond })
	connectTest(t, m)
	client := srv.last()

	first := make(chan error, 1)
	go func() { first <- m.Authenticate(context.Background(), "0xaaa") }()

	require.Eventually(t, func() bool {
		return client.lastSent() == `42["authenticate",{"wallet":"0xaaa"}]`
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, m.Authenticate(context.Background(), "0xbbb"), ErrAuthInProgress)

	client.push(`42["authenticated",{"wallet":"0xaaa"}]`)
	require.NoError(t, <-first)
	assert.Equal(t, "0xaaa", m.AuthenticatedWallet().Unwrap())
}

func TestManager_AuthenticateContextCancelled(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	connectTest(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, m.Authenticate(ctx, "0xabc"), context.DeadlineExceeded)

	// The pending slot is released.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, m.Authenticate(ctx2, "0xabc"), context.DeadlineExceeded)
}

func TestManager_AuthenticateInterruptedByDisconnect(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	client := srv.last()

	errc := make(chan error, 1)
	go func() { errc <- m.Authenticate(context.Background(), "0xabc") }()
	require.Eventually(t, func() bool {
		return client.lastSent() == `42["authenticate",{"wallet":"0xabc"}]`
	}, time.Second, time.Millisecond)

	client.fail(errors.New("EOF"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Authenticate did not return after transport loss")
	}
}

func TestManager_IdentityClearedOnDisconnect(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	authenticateTest(t, m, srv, "0xabc")

	m.Disconnect()
	assert.True(t, m.AuthenticatedWallet().IsNone())

	connectTest(t, m)
	assert.True(t, m.AuthenticatedWallet().IsNone())
	_, err := m.GetBalance(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestManager_IdentityClearedOnTransportLoss(t *testing.T) {
	m, srv, sched := newTestManager(t, nil)
	connectTest(t, m)
	authenticateTest(t, m, srv, "0xabc")

	srv.last().fail(errors.New("EOF"))
	require.Eventually(t, func() bool { return sched.pending() == 1 }, time.Second, time.Millisecond)

	assert.True(t, m.AuthenticatedWallet().IsNone())
}

func TestManager_GetBalanceRequiresAuthentication(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)

	_, err := m.GetBalance(context.Background())

	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, []string{"40"}, srv.last().sentFrames())
}

func TestManager_GetBalance(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"number", `[1042.5]`, "1042.5"},
		{"string", `["1042.123456789012345"]`, "1042.123456789012345"},
		{"object", `[{"balance":"12.5"}]`, "12.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, srv, _ := newTestManager(t, nil)
			connectTest(t, m)
			authenticateTest(t, m, srv, "0xabc")

			srv.setOnEvent(func(c *fakeClient, p wire.Packet, name string) {
				if name == reqGetUserBalance {
					c.push(fmt.Sprintf("43%d%s", p.AckID, tt.reply))
				}
			})

			bal, err := m.GetBalance(context.Background())
			require.NoError(t, err)
			assert.True(t, bal.Equal(decimal.RequireFromString(tt.want)), "balance = %s", bal)
			assert.Regexp(t, `^42\d+\["get:userBalance"\]$`, srv.last().lastSent())
		})
	}
}

func TestManager_GetBalanceMalformed(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	authenticateTest(t, m, srv, "0xabc")

	srv.setOnEvent(func(c *fakeClient, p wire.Packet, name string) {
		if name == reqGetUserBalance {
			c.push(fmt.Sprintf("43%d[]", p.AckID))
		}
	})

	_, err := m.GetBalance(context.Background())
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestManager_GetBalanceTimeout(t *testing.T) {
	m, srv, _ := newTestManager(t, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond })
	connectTest(t, m)
	authenticateTest(t, m, srv, "0xabc")
	srv.setOnEvent(nil)

	_, err := m.GetBalance(context.Background())
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestManager_GetBalanceInterruptedByTransportLoss(t *testing.T) {
	m, srv, _ := newTestManager(t, nil)
	connectTest(t, m)
	authenticateTest(t, m, srv, "0xabc")
	srv.setOnEvent(func(c *fakeClient, p wire.Packet, name string) {
		if name == reqGetUserBalance {
			c.fail(errors.New("EOF"))
		}
	})

	_, err := m.GetBalance(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestParseBalance(t *testing.T) {
	bal, err := parseBalance([]byte(`99.01`))
	require.NoError(t, err)
	assert.Equal(t, "99.01", bal.String())

	_, err = parseBalance([]byte(`true`))
	assert.ErrorIs(t, err, ErrBadResponse)
}
