package datasync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BridgeFunc is the global the generated module calls into.
const BridgeFunc = "__atelier_data"

// DeliverFunc is the global the host calls to hand a record set to a
// subscription: __atelier_data_deliver(subID, recordsJSON).
const DeliverFunc = "__atelier_data_deliver"

// GenerateModule returns the script installed in a sandbox VM before the
// page module. It defines globalThis.__atelier_data_module, which the
// atelier:data virtual module delegates to. Reads are synchronous and
// served from the Go-side cache; mutations return the optimistic record and
// settle in the background.
func GenerateModule(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	declared, _ := json.Marshal(sorted)
	return fmt.Sprintf(`(function () {
  var declared = %s;
  var subs = {};
  var nextSub = 0;
  function call(op, name, args) {
    var out = JSON.parse(%s(op, name, JSON.stringify(args || {})));
    if (out.error) throw new Error(out.error);
    return out.value;
  }
  function collection(name) {
    return {
      name: name,
      declared: declared.indexOf(name) >= 0,
      list: function (params) { return call("list", name, { params: params || {} }); },
      get: function (id, params) { return call("get", name, { id: id, params: params || {} }); },
      create: function (data) { return call("create", name, { data: data || {} }); },
      update: function (id, data) { return call("update", name, { id: id, data: data || {} }); },
      delete: function (id) { return call("delete", name, { id: id }); },
      subscribe: function (cb, params) {
        var sub = ++nextSub;
        subs[sub] = cb;
        call("subscribe", name, { sub: sub, params: params || {} });
        return function () {
          if (!subs[sub]) return;
          delete subs[sub];
          call("unsubscribe", name, { sub: sub });
        };
      },
    };
  }
  globalThis.%s = function (sub, json) {
    var cb = subs[sub];
    if (!cb) return;
    var r = cb(JSON.parse(json));
    if (r && typeof r.then === "function" && typeof globalThis.__atelier_reject === "function") {
      r.then(undefined, globalThis.__atelier_reject);
    }
  };
  globalThis.__atelier_data_module = { collections: declared, collection: collection };
})();
`, declared, BridgeFunc, DeliverFunc)
}

// Bridge serves the generated module's calls against a Registry. It is
// the only path from sandbox script to collection state.
type Bridge struct {
	reg     *Registry
	deliver func(sub int, records []Record)
	changed func(collection string)
	failed  func(op, collection string, err error)
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	unsubs  map[int]func()
	watched map[string]func()
	closed  bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// OnChange is called when a collection read through list() changes.
func OnChange(fn func(collection string)) BridgeOption {
	return func(b *Bridge) { b.changed = fn }
}

// OnFailure is called when a background mutation fails.
func OnFailure(fn func(op, collection string, err error)) BridgeOption {
	return func(b *Bridge) { b.failed = fn }
}

// NewBridge creates a Bridge. deliver hands a record set to a script
// subscription; it is called from arbitrary goroutines.
func NewBridge(reg *Registry, deliver func(sub int, records []Record), opts ...BridgeOption) *Bridge {
	b := &Bridge{
		reg:     reg,
		deliver: deliver,
		changed: func(string) {},
		failed:  func(string, string, error) {},
		logger:  reg.opts.logger,
		timeout: reg.opts.fetchTimeout,
		unsubs:  make(map[int]func()),
		watched: make(map[string]func()),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type bridgeArgs struct {
	ID     string     `json:"id"`
	Sub    int        `json:"sub"`
	Data   Record     `json:"data"`
	Params ListParams `json:"params"`
}

type bridgeResult struct {
	Value any    `json:"value"`
	Error string `json:"error,omitempty"`
}

// Call handles one script call and returns the JSON reply.
func (b *Bridge) Call(op, name, argsJSON string) string {
	var args bridgeArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return reply(nil, fmt.Errorf("bad arguments: %w", err))
	}
	return reply(b.call(op, name, args))
}

func reply(v any, err error) string {
	res := bridgeResult{Value: v}
	if err != nil {
		res = bridgeResult{Error: err.Error()}
	}
	out, mErr := json.Marshal(res)
	if mErr != nil {
		out, _ = json.Marshal(bridgeResult{Error: mErr.Error()})
	}
	return string(out)
}

func (b *Bridge) call(op, name string, args bridgeArgs) (any, error) {
	store := b.reg.Get(name)
	switch op {
	case "list":
		b.watch(store, args.Params)
		return store.Snapshot(), nil
	case "get":
		for _, r := range store.Snapshot() {
			if r.ID() == args.ID {
				return r, nil
			}
		}
		b.watch(store, ListParams{})
		return nil, nil
	case "create":
		rec := args.Data
		if rec == nil {
			rec = Record{}
		}
		coll, ok := store.(*Collection)
		if !ok {
			// Undeclared names still try the backend.
			if rec.ID() == "" {
				rec["id"] = b.reg.opts.ids()
			}
			b.background(op, name, func(ctx context.Context) error {
				_, err := store.Create(ctx, rec)
				return err
			})
			return rec, nil
		}
		optimistic, commit := coll.BeginCreate(rec)
		b.background(op, name, func(ctx context.Context) error {
			_, err := commit(ctx)
			return err
		})
		return optimistic, nil
	case "update":
		coll, ok := store.(*Collection)
		if !ok {
			return nil, ErrStubMutation
		}
		merged, commit := coll.BeginUpdate(args.ID, args.Data)
		b.background(op, name, func(ctx context.Context) error {
			_, err := commit(ctx)
			return err
		})
		return merged, nil
	case "delete":
		coll, ok := store.(*Collection)
		if !ok {
			return nil, ErrStubMutation
		}
		b.background(op, name, coll.BeginDelete(args.ID))
		return true, nil
	case "subscribe":
		sub := args.Sub
		unsub := store.Subscribe(func(rs []Record) { b.deliver(sub, rs) }, args.Params)
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			unsub()
			return nil, nil
		}
		b.unsubs[sub] = unsub
		b.mu.Unlock()
		return nil, nil
	case "unsubscribe":
		b.mu.Lock()
		unsub := b.unsubs[args.Sub]
		delete(b.unsubs, args.Sub)
		b.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

// watch subscribes once per declared collection so reads made during
// render trigger a fetch and re-render on change.
func (b *Bridge) watch(store Store, params ListParams) {
	if store.Kind() != KindCollection {
		return
	}
	name := store.Name()
	b.mu.Lock()
	if _, ok := b.watched[name]; ok || b.closed {
		b.mu.Unlock()
		return
	}
	b.watched[name] = func() {}
	b.mu.Unlock()

	// The immediate callback of an already loaded cache is not a change.
	var skip atomic.Bool
	skip.Store(store.(*Collection).Loaded())
	unsub := store.Subscribe(func([]Record) {
		if skip.Swap(false) {
			return
		}
		b.changed(name)
	}, params)
	b.mu.Lock()
	b.watched[name] = unsub
	b.mu.Unlock()
}

func (b *Bridge) background(op, name string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			b.logger.Warn("datasync: background mutation failed", "op", op, "collection", name, "network", IsNetwork(err), "error", err)
			b.failed(op, name, err)
		}
	}()
}

// Close drops every subscription made through the bridge.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	unsubs := b.unsubs
	watched := b.watched
	b.unsubs = map[int]func(){}
	b.watched = map[string]func(){}
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	for _, u := range watched {
		u()
	}
}
