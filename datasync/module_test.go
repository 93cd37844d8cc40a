package datasync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerateModule(t *testing.T) {
	js := GenerateModule([]string{"posts", "authors"})
	for _, want := range []string{`["authors","posts"]`, BridgeFunc, DeliverFunc, "__atelier_data_module"} {
		if !strings.Contains(js, want) {
			t.Errorf("module lacks %q", want)
		}
	}
}

func decodeReply(t *testing.T, s string) (json.RawMessage, string) {
	t.Helper()
	var r struct {
		Value json.RawMessage `json:"value"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		t.Fatalf("reply %q: %v", s, err)
	}
	return r.Value, r.Error
}

func TestBridge(t *testing.T) {
	be := newFakeBackend()
	be.records["posts"] = []Record{{"id": "a", "title": "A"}}
	reg := NewRegistry(be, []string{"posts"})

	var mu sync.Mutex
	delivered := map[int]int{}
	changed := make(chan string, 8)
	b := NewBridge(reg, func(sub int, rs []Record) {
		mu.Lock()
		delivered[sub] = len(rs)
		mu.Unlock()
	}, OnChange(func(name string) { changed <- name }))
	defer b.Close()

	v, errMsg := decodeReply(t, b.Call("list", "posts", `{}`))
	if errMsg != "" || string(v) != "[]" {
		t.Fatalf("first list: got %s %q", v, errMsg)
	}
	select {
	case name := <-changed:
		if name != "posts" {
			t.Errorf("changed: got %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("list did not trigger a fetch")
	}
	v, _ = decodeReply(t, b.Call("list", "posts", `{}`))
	if !strings.Contains(string(v), `"title":"A"`) {
		t.Errorf("second list: got %s", v)
	}

	v, _ = decodeReply(t, b.Call("create", "posts", `{"data":{"title":"B"}}`))
	var created Record
	json.Unmarshal(v, &created)
	if created.ID() == "" || created["title"] != "B" {
		t.Errorf("create reply: got %s", v)
	}

	decodeReply(t, b.Call("subscribe", "posts", `{"sub":7}`))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := delivered[7]
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if delivered[7] != 2 {
		t.Errorf("subscription: got %d records, want 2", delivered[7])
	}
	mu.Unlock()

	if _, errMsg := decodeReply(t, b.Call("update", "ghosts", `{"id":"x","data":{}}`)); errMsg == "" {
		t.Error("update on undeclared collection succeeded")
	}
	if v, errMsg := decodeReply(t, b.Call("list", "ghosts", `{}`)); errMsg != "" || string(v) != "[]" {
		t.Errorf("undeclared list: got %s %q", v, errMsg)
	}
	if _, errMsg := decodeReply(t, b.Call("explode", "posts", `{}`)); errMsg == "" {
		t.Error("unknown op accepted")
	}
}

func TestBridge_CreateThenList(t *testing.T) {
	for _, loaded := range []bool{true, false} {
		be := newFakeBackend()
		be.records["posts"] = []Record{{"id": "a"}}
		gate := make(chan struct{})
		be.gate = gate
		reg := NewRegistry(be, []string{"posts"})
		if loaded {
			reg.Get("posts").List(context.Background(), ListParams{})
		}
		b := NewBridge(reg, func(int, []Record) {})

		for i := 0; i < 50; i++ {
			v, errMsg := decodeReply(t, b.Call("create", "posts", `{"data":{"title":"new"}}`))
			var created Record
			if errMsg != "" || json.Unmarshal(v, &created) != nil {
				t.Fatalf("create: got %s %q", v, errMsg)
			}
			v, _ = decodeReply(t, b.Call("list", "posts", `{}`))
			var rs []Record
			json.Unmarshal(v, &rs)
			n := 0
			for _, r := range rs {
				if r.ID() == created.ID() {
					n++
				}
			}
			if n != 1 {
				t.Fatalf("loaded=%v: list after create holds the record %d times", loaded, n)
			}
		}
		close(gate)
		b.Close()
	}
}
