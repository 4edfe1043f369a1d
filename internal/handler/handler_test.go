package handler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"assistbot/internal/notes"
	"assistbot/internal/order"
	"assistbot/internal/payload"
	"assistbot/internal/registry"
	"assistbot/internal/store"
	"assistbot/pkg/logx"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newCaptureNotifier() *captureNotifier { return &captureNotifier{msgs: map[string][]string{}} }

func (n *captureNotifier) Notify(chatID, text string) {
	n.mu.Lock()
	n.msgs[chatID] = append(n.msgs[chatID], text)
	n.mu.Unlock()
}

func (n *captureNotifier) last(chatID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs[chatID]) == 0 {
		return ""
	}
	return n.msgs[chatID][len(n.msgs[chatID])-1]
}

func testDeps(t *testing.T) (Deps, *store.Store, *captureNotifier) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cn := newCaptureNotifier()
	users := registry.NewService(st)
	d := Deps{
		Users:    users,
		Notes:    notes.NewService(st),
		Orders:   order.NewService(st, cn, nil, logx.Nop()),
		Notifier: cn,
		Log:      logx.Nop(),
	}
	return d, st, cn
}

func mustUser(t *testing.T, st *store.Store, chatID string) store.User {
	t.Helper()
	u := store.User{Name: "user-" + chatID, ChatID: chatID, Timezone: "UTC"}
	if err := st.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestRegistryCoversKnownTypes(t *testing.T) {
	d, _, _ := testDeps(t)
	reg := Registry(d)
	for _, typ := range []string{"reminder", "note_digest", "order"} {
		if _, ok := reg[typ]; !ok {
			t.Errorf("missing handler for %q", typ)
		}
	}
}

func TestReminderDeliversToOwner(t *testing.T) {
	d, st, cn := testDeps(t)
	u := mustUser(t, st, "chat-1")

	task := store.Task{
		UserID: u.ID,
		Type:   "reminder",
		Params: payload.Map{"text": payload.String("water the plants")},
	}
	out, err := Registry(d)["reminder"].Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := cn.last("chat-1"); !strings.Contains(got, "water the plants") {
		t.Fatalf("delivered %q", got)
	}
	if out.GetString("delivered_to") != "chat-1" {
		t.Fatalf("output = %v", out)
	}
}

func TestReminderWithoutTextFails(t *testing.T) {
	d, st, _ := testDeps(t)
	u := mustUser(t, st, "chat-1")

	task := store.Task{UserID: u.ID, Type: "reminder", Params: payload.Map{}}
	if _, err := Registry(d)["reminder"].Run(context.Background(), task); err == nil {
		t.Fatal("reminder without text should fail")
	}
}

func TestNoteDigestPinnedFirstAndLimited(t *testing.T) {
	d, st, cn := testDeps(t)
	u := mustUser(t, st, "chat-1")
	ctx := context.Background()

	for _, text := range []string{"alpha", "beta", "gamma"} {
		n, err := d.Notes.Add(ctx, "chat-1", text)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if text == "gamma" {
			if err := d.Notes.Pin(ctx, "chat-1", n.ID); err != nil {
				t.Fatalf("Pin: %v", err)
			}
		}
	}

	task := store.Task{
		UserID: u.ID,
		Type:   "note_digest",
		Params: payload.Map{"limit": payload.Int(2)},
	}
	out, err := Registry(d)["note_digest"].Run(ctx, task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.GetInt("notes", 0) != 2 {
		t.Fatalf("output = %v, want 2 notes after limit", out)
	}
	digest := cn.last("chat-1")
	if !strings.Contains(digest, "📌 gamma") {
		t.Fatalf("pinned note should lead the digest: %q", digest)
	}
	if strings.Count(digest, "\n") > 3 {
		t.Fatalf("digest exceeds limit: %q", digest)
	}
}

func TestOrderHandlerPlacesOrder(t *testing.T) {
	d, st, cn := testDeps(t)
	buyer := mustUser(t, st, "buyer-chat")
	ctx := context.Background()

	// The store party is resolvable through the chat directory.
	if err := d.Users.Touch(ctx, "store-chat", "Corner Bakery", "bakery", time.Now().UTC()); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	task := store.Task{
		UserID: buyer.ID,
		Type:   "order",
		Params: payload.Map{
			"store": payload.String("Corner Bakery"),
			"item":  payload.String("sourdough"),
		},
	}
	out, err := Registry(d)["order"].Run(ctx, task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	orderID := out.GetInt("order_id", 0)
	if orderID == 0 {
		t.Fatalf("output = %v", out)
	}

	o, err := d.Orders.Get(ctx, orderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.BuyerChatID != "buyer-chat" || o.StoreChatID != "store-chat" || o.Item != "sourdough" {
		t.Fatalf("order = %+v", o)
	}
	if cn.last("buyer-chat") == "" {
		t.Fatal("buyer should get a placement confirmation")
	}
}

func TestOrderHandlerUnknownStore(t *testing.T) {
	d, st, _ := testDeps(t)
	buyer := mustUser(t, st, "buyer-chat")

	task := store.Task{
		UserID: buyer.ID,
		Type:   "order",
		Params: payload.Map{
			"store": payload.String("Nowhere"),
			"item":  payload.String("bread"),
		},
	}
	if _, err := Registry(d)["order"].Run(context.Background(), task); err == nil {
		t.Fatal("unresolvable store should fail the run")
	}
}

func TestEscalationNotifiesOwner(t *testing.T) {
	d, st, cn := testDeps(t)
	u := mustUser(t, st, "chat-1")

	esc := Escalation{Users: d.Users, Notifier: cn, Log: logx.Nop()}
	esc.TaskDisabled(store.Task{ID: 7, UserID: u.ID, Type: "reminder"}, 5, "handler timeout")

	got := cn.last("chat-1")
	if !strings.Contains(got, "#7") || !strings.Contains(got, "disabled") {
		t.Fatalf("escalation message = %q", got)
	}

	// Unknown owner: logged, never panics.
	esc.TaskDisabled(store.Task{ID: 8, UserID: 999}, 5, "x")
}
