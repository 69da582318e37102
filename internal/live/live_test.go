package live

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

func newServer(t *testing.T, h *Hub, kind safety.Kind, id string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, kind, id)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, h *Hub, kind safety.Kind, id string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers(kind, id) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", h.Subscribers(kind, id), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestHub_StreamsTrailAndTerminal(t *testing.T) {
	t.Parallel()

	h := NewHub(log.Nop(), nil)
	conn := dial(t, newServer(t, h, safety.KindPanic, "p1"))
	waitSubscribers(t, h, safety.KindPanic, "p1", 1)

	hooks := h.Hooks()
	pt := safety.TrailPoint{Position: geo.Coordinate{Lat: 6.6, Lon: 3.4}, At: time.Unix(1700000000, 0).UTC()}
	hooks.OnTrailAppend(safety.KindEscort, "p1", pt) // other kind, same id
	hooks.OnTrailAppend(safety.KindPanic, "p1", pt)

	ev := readEvent(t, conn)
	if ev.Type != EventTrail || ev.Kind != safety.KindPanic || ev.ID != "p1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Point == nil || ev.Point.Position != pt.Position {
		t.Errorf("point = %+v", ev.Point)
	}

	hooks.OnTerminal(safety.KindPanic, "p1")
	if ev := readEvent(t, conn); ev.Type != EventTerminal {
		t.Fatalf("event = %+v, want terminal", ev)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("err = %v, want normal closure", err)
	}
	if n := h.Subscribers(safety.KindPanic, "p1"); n != 0 {
		t.Errorf("subscribers after terminal = %d", n)
	}
}

func TestHub_SubscribeAfterTerminal(t *testing.T) {
	t.Parallel()

	h := NewHub(log.Nop(), nil)
	// the aggregate ends between the handler's active check and the upgrade
	h.Hooks().OnTerminal(safety.KindEscort, "s9")

	conn := dial(t, newServer(t, h, safety.KindEscort, "s9"))
	if ev := readEvent(t, conn); ev.Type != EventTerminal || ev.Kind != safety.KindEscort || ev.ID != "s9" {
		t.Fatalf("event = %+v, want terminal for s9", ev)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("err = %v, want normal closure", err)
	}
	if n := h.Subscribers(safety.KindEscort, "s9"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}

	// same id under the other kind is still live
	other := dial(t, newServer(t, h, safety.KindPanic, "s9"))
	waitSubscribers(t, h, safety.KindPanic, "s9", 1)
	h.Publish(Event{Type: EventTrail, Kind: safety.KindPanic, ID: "s9"})
	if ev := readEvent(t, other); ev.Type != EventTrail {
		t.Errorf("event = %+v, want trail", ev)
	}
}

func TestHub_TerminalRacesSubscribe(t *testing.T) {
	t.Parallel()

	for i := range 20 {
		h := NewHub(log.Nop(), nil)
		id := "race-" + strconv.Itoa(i)
		url := newServer(t, h, safety.KindPanic, id)

		done := make(chan struct{})
		go func() {
			defer close(done)
			h.Hooks().OnTerminal(safety.KindPanic, id)
		}()
		conn := dial(t, url)
		<-done

		if ev := readEvent(t, conn); ev.Type != EventTerminal {
			t.Fatalf("round %d: event = %+v, want terminal", i, ev)
		}
	}
}

func TestHub_FanOut(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, nil)
	url := newServer(t, h, safety.KindEscort, "s1")
	a, b := dial(t, url), dial(t, url)
	waitSubscribers(t, h, safety.KindEscort, "s1", 2)

	h.Publish(Event{Type: EventTrail, Kind: safety.KindEscort, ID: "s1"})
	for _, c := range []*websocket.Conn{a, b} {
		if ev := readEvent(t, c); ev.ID != "s1" {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestHub_UnsubscribesOnDisconnect(t *testing.T) {
	t.Parallel()

	h := NewHub(log.Nop(), nil)
	conn := dial(t, newServer(t, h, safety.KindPanic, "p2"))
	waitSubscribers(t, h, safety.KindPanic, "p2", 1)

	_ = conn.Close()
	waitSubscribers(t, h, safety.KindPanic, "p2", 0)
}

func TestHub_Close(t *testing.T) {
	t.Parallel()

	h := NewHub(log.Nop(), nil)
	url := newServer(t, h, safety.KindPanic, "p3")
	conn := dial(t, url)
	waitSubscribers(t, h, safety.KindPanic, "p3", 1)

	h.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close")
	}

	late := dial(t, url)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Error("closed hub accepted a subscriber")
	}
	if n := h.Subscribers(safety.KindPanic, "p3"); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
}

func TestHub_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	h := NewHub(log.Nop(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, safety.KindPanic, "p4")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub(log.Nop(), nil)
	h.Publish(Event{Type: EventTrail, Kind: safety.KindPanic, ID: "nobody"})
	h.Hooks().OnTerminal(safety.KindPanic, "nobody")
	if n := h.Subscribers(safety.KindPanic, "nobody"); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
}
