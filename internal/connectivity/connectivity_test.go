package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/tripsync/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func probeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestProbeReachableEndpoint(t *testing.T) {
	srv := probeServer(t)
	p := New(nil, testLogger(), Options{ProbeURL: wsURL(srv)})

	online, latency := p.Probe(context.Background())
	if !online {
		t.Fatal("Probe = offline against a live endpoint")
	}
	if latency <= 0 {
		t.Errorf("latency = %v, want > 0", latency)
	}
}

func TestProbeUnreachableEndpoint(t *testing.T) {
	p := New(nil, testLogger(), Options{
		ProbeURL:    "ws://127.0.0.1:1/ws",
		DialTimeout: time.Second,
	})
	if online, _ := p.Probe(context.Background()); online {
		t.Fatal("Probe = online against a closed port")
	}
}

func TestSetOnlinePublishesTransitionsOnce(t *testing.T) {
	eventBus := bus.New()
	lost := eventBus.Subscribe(bus.TopicConnectivityLost)
	restored := eventBus.Subscribe(bus.TopicConnectivityRestored)
	defer eventBus.Unsubscribe(lost)
	defer eventBus.Unsubscribe(restored)

	p := New(eventBus, testLogger(), Options{})

	p.SetOnline(false, 0)
	p.SetOnline(false, 0) // same state again, no second event
	p.SetOnline(true, 20*time.Millisecond)

	select {
	case ev := <-lost.Ch():
		payload := ev.Payload.(bus.ConnectivityEvent)
		if payload.Online {
			t.Error("lost event reports online")
		}
	case <-time.After(time.Second):
		t.Fatal("no connectivity.lost event")
	}
	select {
	case ev := <-lost.Ch():
		t.Errorf("duplicate lost event: %+v", ev)
	default:
	}

	select {
	case ev := <-restored.Ch():
		payload := ev.Payload.(bus.ConnectivityEvent)
		if !payload.Online || payload.Latency != 20 {
			t.Errorf("restored event = %+v, want online with 20ms latency", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no connectivity.restored event")
	}
}

func TestOnlineDefaultsToTrueBeforeFirstProbe(t *testing.T) {
	p := New(nil, testLogger(), Options{})
	if !p.Online() {
		t.Error("Online = false before any observation, want true")
	}
	p.SetOnline(false, 0)
	if p.Online() {
		t.Error("Online = true after offline report")
	}
}

func TestStartStopLoop(t *testing.T) {
	srv := probeServer(t)
	eventBus := bus.New()
	restored := eventBus.Subscribe(bus.TopicConnectivityRestored)
	defer eventBus.Unsubscribe(restored)

	p := New(eventBus, testLogger(), Options{ProbeURL: wsURL(srv), Interval: time.Hour})
	p.Start(context.Background())
	defer p.Stop()

	// The immediate startup probe reaches the server and flips unknown -> online.
	select {
	case <-restored.Ch():
	case <-time.After(5 * time.Second):
		t.Fatal("startup probe published no restored event")
	}
}
