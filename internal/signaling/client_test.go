package signaling

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestNextBackoffGrowsToCap(t *testing.T) {
	cur := initialBackoff
	var steps []time.Duration
	for i := 0; i < 12; i++ {
		steps = append(steps, cur)
		cur = nextBackoff(cur)
	}

	assert.Equal(t, 250*time.Millisecond, steps[0])
	assert.Equal(t, 450*time.Millisecond, steps[1])
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i], steps[i-1])
	}
	assert.Equal(t, maxBackoff, cur)
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"relay.example", "wss://relay.example/signal"},
		{"relay.example/", "wss://relay.example/signal"},
		{"https://relay.example", "wss://relay.example/signal"},
		{"http://localhost:8080", "ws://localhost:8080/signal"},
		{"ws://localhost:8080/signal", "ws://localhost:8080/signal"},
		{"wss://relay.example/signal/", "wss://relay.example/signal"},
		{"  relay.example  ", "wss://relay.example/signal"},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, normalizeURL(c.in), "input %q", c.in)
	}
}

// TestHelloSerializedWithConcurrentSends hammers Send from several
// goroutines while the client is connecting. The hello frame shares
// the connection's writer with Send, so it must arrive first and
// intact; interleaved writes would corrupt the stream or panic.
func TestHelloSerializedWithConcurrentSends(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan Frame, 256)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	}))
	defer srv.Close()

	c := New([]string{srv.URL}, "HID-burst", nil, nil)
	c.Start()
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			sent := 0
			for sent < 25 && time.Now().Before(deadline) {
				if c.Send("HID-peer", map[string]any{"kind": "burst"}) {
					sent++
				}
			}
		}()
	}
	wg.Wait()

	select {
	case f := <-frames:
		assert.Equal(t, "hello", f.T)
		assert.Equal(t, "HID-burst", f.Hid)
	case <-time.After(5 * time.Second):
		t.Fatal("hello never arrived")
	}
	for i := 0; i < 10; i++ {
		select {
		case f := <-frames:
			assert.Equal(t, "send", f.T)
			assert.Equal(t, "HID-peer", f.To)
		case <-time.After(5 * time.Second):
			t.Fatal("send frames never arrived")
		}
	}
}

func TestBroadcastDedupesAndCaps(t *testing.T) {
	// No open connection: Send always fails, but the dedupe and cap
	// logic still runs over the recipient list without panicking.
	c := New([]string{"relay.example"}, "HID-me", nil, nil)

	list := make([]string, 0, BroadcastCap+20)
	for i := 0; i < BroadcastCap+20; i++ {
		list = append(list, "HID-dup")
	}
	assert.False(t, c.Broadcast(list, map[string]any{"kind": "presence"}))
}
