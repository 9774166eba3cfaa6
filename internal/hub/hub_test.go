package hub

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		meta Subscription
		want bool
	}{
		{"no filter", Subscription{}, Subscription{Department: "Secretaria de Obras", Category: "buracos_vias"}, true},
		{"department match", Subscription{Department: "Secretaria de Obras"}, Subscription{Department: "Secretaria de Obras"}, true},
		{"department mismatch", Subscription{Department: "Secretaria de Saúde"}, Subscription{Department: "Secretaria de Obras"}, false},
		{"category match", Subscription{Category: "saude"}, Subscription{Category: "saude", Department: "Secretaria de Saúde"}, true},
		{"category mismatch", Subscription{Category: "saude"}, Subscription{Category: "tributos"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := match(tc.sub, tc.meta); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestBroadcastFiltersAndDrops(t *testing.T) {
	h := New(nil)
	all := &Client{ID: "all", Send: make(chan []byte, 1)}
	health := &Client{ID: "health", Send: make(chan []byte, 1), Subscription: Subscription{Category: "saude"}}
	h.Register(all)
	h.Register(health)

	if got := h.Broadcast([]byte("one"), Subscription{Category: "tributos"}); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if got := h.Broadcast([]byte("two"), Subscription{Category: "saude"}); got != 1 {
		t.Fatalf("expected full buffer to drop for one client, got %d deliveries", got)
	}
	if msg := <-all.Send; string(msg) != "one" {
		t.Fatalf("unexpected message %q", msg)
	}
	if msg := <-health.Send; string(msg) != "two" {
		t.Fatalf("unexpected message %q", msg)
	}

	h.Unregister(all)
	h.Unregister(all)
	if h.Count() != 1 {
		t.Fatalf("expected 1 client, got %d", h.Count())
	}
	if _, ok := <-all.Send; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","department":"Ouvidoria Municipal"}`))
	if !ok || msg.Department != "Ouvidoria Municipal" {
		t.Fatalf("unexpected parse result %+v %v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"shout"}`)); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatalf("expected invalid json to be rejected")
	}
}
