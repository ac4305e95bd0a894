package fanout

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
	"spread-engine/internal/snapshot"
)

func newTestClient(h *Hub) *Client {
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), interest: make(map[string]bool)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func drainFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	default:
		t.Fatal("no frame queued")
		return Frame{}
	}
}

func TestHub_SubscribeRepliesWithFilteredSnapshot(t *testing.T) {
	snap := snapshot.New()
	snap.Set(models.Observation{TokenName: "BTC-USDT"})
	snap.Set(models.Observation{TokenName: "ETH-USDT"})

	h := New(snap)
	c := newTestClient(h)

	h.subscribe(c, []string{"BTC-USDT"})

	f1 := drainFrame(t, c)
	require.Equal(t, "subscribed", f1.Type)

	f2 := drainFrame(t, c)
	require.Equal(t, "initial_data", f2.Type)
	var payload map[string]models.WireObservation
	require.NoError(t, json.Unmarshal(f2.Payload, &payload))
	require.Contains(t, payload, "BTC-USDT")
	require.NotContains(t, payload, "ETH-USDT")
}

func TestHub_SubscribeAllRepliesWithFullSnapshot(t *testing.T) {
	snap := snapshot.New()
	snap.Set(models.Observation{TokenName: "BTC-USDT"})
	snap.Set(models.Observation{TokenName: "ETH-USDT"})

	h := New(snap)
	c := newTestClient(h)

	h.subscribeAll(c)
	drainFrame(t, c) // subscribed
	f := drainFrame(t, c)
	require.Equal(t, "initial_data", f.Type)

	var payload map[string]models.WireObservation
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	require.Len(t, payload, 2)
}

func TestHub_DeliverOnlyReachesInterestedSubscriber(t *testing.T) {
	h := New(snapshot.New())
	interested := newTestClient(h)
	uninterested := newTestClient(h)

	h.subscribe(interested, []string{"BTC-USDT"})
	drainFrame(t, interested) // subscribed
	drainFrame(t, interested) // initial_data

	h.Deliver(models.Observation{TokenName: "BTC-USDT"})

	f := drainFrame(t, interested)
	require.Equal(t, "data", f.Type)

	select {
	case <-uninterested.send:
		t.Fatal("uninterested subscriber should not receive a delivery")
	default:
	}
}

func TestHub_DeliverReachesAllSentinelSubscriber(t *testing.T) {
	h := New(snapshot.New())
	c := newTestClient(h)
	h.subscribeAll(c)
	drainFrame(t, c) // subscribed
	drainFrame(t, c) // initial_data

	h.Deliver(models.Observation{TokenName: "ANY-USDT"})

	f := drainFrame(t, c)
	require.Equal(t, "data", f.Type)
}

func TestHub_UnsubscribeRemovesInterest(t *testing.T) {
	h := New(snapshot.New())
	c := newTestClient(h)
	h.subscribe(c, []string{"BTC-USDT"})
	drainFrame(t, c)
	drainFrame(t, c)

	h.unsubscribe(c, []string{"BTC-USDT"})
	drainFrame(t, c) // unsubscribed

	h.Deliver(models.Observation{TokenName: "BTC-USDT"})
	select {
	case <-c.send:
		t.Fatal("unsubscribed client should not receive further deliveries")
	default:
	}
}

func TestHub_Disconnect_DecrementsSubscriberGaugeWhenMetricsSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	h := New(snapshot.New())
	h.SetMetrics(m)
	c := newTestClient(h)
	m.Subscribers.Inc() // mirrors the Inc Connect performs on registration

	h.disconnect(c)

	require.Equal(t, 0.0, testutil.ToFloat64(m.Subscribers))
}

func TestHub_DisconnectClearsByTokenEntry(t *testing.T) {
	h := New(snapshot.New())
	c := newTestClient(h)
	h.subscribe(c, []string{"BTC-USDT"})
	drainFrame(t, c)
	drainFrame(t, c)

	h.disconnect(c)

	h.mu.Lock()
	_, ok := h.byToken["BTC-USDT"]
	h.mu.Unlock()
	require.False(t, ok)
}
