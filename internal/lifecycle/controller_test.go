package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/flowgate/internal/alert"
	"github.com/zulandar/flowgate/internal/config"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/db"
	"github.com/zulandar/flowgate/internal/evolution"
	"github.com/zulandar/flowgate/internal/lock"
	"github.com/zulandar/flowgate/internal/models"
	"github.com/zulandar/flowgate/internal/monitor"
	"github.com/zulandar/flowgate/internal/n8n"
	"github.com/zulandar/flowgate/internal/pool"
	"gorm.io/gorm"
)

const leadNumber = "5511988887777"

type fakeNotifier struct {
	mu     sync.Mutex
	events []n8n.Event
	err    error
}

func (f *fakeNotifier) Send(_ context.Context, ev n8n.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeNotifier) sent() []n8n.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]n8n.Event(nil), f.events...)
}

type sentText struct {
	instanceID, number, text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sentText
	err  error
}

func (f *fakeSender) SendText(_ context.Context, instanceID, number, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sentText{instanceID, number, text})
	return nil
}

type fakeAlerter struct {
	ch chan alert.Alert
}

func (f *fakeAlerter) Alert(_ context.Context, a alert.Alert) error {
	f.ch <- a
	return nil
}

func (f *fakeAlerter) next(t *testing.T) alert.Alert {
	t.Helper()
	select {
	case a := <-f.ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert")
		return alert.Alert{}
	}
}

type harness struct {
	ctl      *Controller
	db       *gorm.DB
	store    *conversation.Store
	notifier *fakeNotifier
	sender   *fakeSender
	alerts   *fakeAlerter
	stats    *monitor.Stats
}

func newHarness(t *testing.T, maxConversations int) *harness {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })

	cfg := &config.Config{
		Instances: []config.InstanceConfig{{Name: "inst-A", ID: "key-a", Status: "online", MaxConversations: maxConversations}},
		Flows:     []config.FlowConfig{{Name: "fluxo_principal", Instances: []string{"inst-A"}}},
	}
	if err := db.Seed(gdb, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	alloc := pool.New(gdb)
	store := conversation.New(gdb, alloc)
	h := &harness{
		db:       gdb,
		store:    store,
		notifier: &fakeNotifier{},
		sender:   &fakeSender{},
		alerts:   &fakeAlerter{ch: make(chan alert.Alert, 8)},
		stats:    monitor.NewStats(),
	}
	h.ctl = New(Config{
		Store:       store,
		Pool:        alloc,
		Locks:       lock.NewLocal(),
		Notifier:    h.notifier,
		Sender:      h.sender,
		Stats:       h.stats,
		Alerter:     h.alerts,
		Flow:        "fluxo_principal",
		InitialStep: "start",
		TTL:         24 * time.Hour,
	})
	return h
}

func (h *harness) counter(t *testing.T) int {
	t.Helper()
	var inst models.GatewayInstance
	if err := h.db.First(&inst, "instance_name = ?", "inst-A").Error; err != nil {
		t.Fatal(err)
	}
	return inst.CurrentConversations
}

func (h *harness) live(t *testing.T, number string) *models.Conversation {
	t.Helper()
	conv, err := h.store.Get(context.Background(), number)
	if err != nil {
		t.Fatalf("Get(%s): %v", number, err)
	}
	return conv
}

func lead(number, text string) evolution.Inbound {
	return evolution.Inbound{Instance: "inst-A", Number: number, Text: text}
}

func TestLifecycle_FullFlow(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	// New lead.
	res, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if res.Outcome != OutcomeNewLead || !res.Notified || res.Status != "new" {
		t.Fatalf("result = %+v", res)
	}
	conv := h.live(t, "551188887777")
	if conv.Status != models.StatusActive || conv.CurrentStep != "start" || conv.InstanceID != "inst-A" {
		t.Errorf("conversation = %+v", conv)
	}
	if got := h.counter(t); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
	evs := h.notifier.sent()
	if len(evs) != 1 || evs[0].EventType != n8n.EventNewLead || evs[0].PhoneNumber != leadNumber ||
		evs[0].Instance != "inst-A" || evs[0].Step != "start" || evs[0].FirstMessage != "Oi" || evs[0].ConversationID != conv.ID {
		t.Errorf("events = %+v", evs)
	}

	// Pause with a message.
	cres, err := h.ctl.HandleCheckpoint(ctx, Checkpoint{PhoneNumber: leadNumber, Action: "pause", Step: "step_2", MessageToSend: "Aguarde"})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !cres.MessageSent || cres.Step != "step_2" || cres.Status != models.StatusWaiting {
		t.Errorf("pause result = %+v", cres)
	}
	conv = h.live(t, "551188887777")
	if conv.Status != models.StatusWaiting || conv.CurrentStep != "step_2" {
		t.Errorf("after pause = %s/%s", conv.Status, conv.CurrentStep)
	}
	if len(h.sender.msgs) != 1 || h.sender.msgs[0] != (sentText{"key-a", leadNumber, "Aguarde"}) {
		t.Errorf("sent = %+v", h.sender.msgs)
	}

	// Lead responds.
	res, err = h.ctl.HandleInbound(ctx, lead(leadNumber, "sim"))
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if res.Outcome != OutcomeResumed || res.Status != "waiting" {
		t.Errorf("response result = %+v", res)
	}
	conv = h.live(t, "551188887777")
	if conv.Status != models.StatusActive || conv.CurrentStep != "step_2" {
		t.Errorf("after response = %s/%s", conv.Status, conv.CurrentStep)
	}
	evs = h.notifier.sent()
	if len(evs) != 2 || evs[1].EventType != n8n.EventLeadResponse || evs[1].CurrentStep != "step_2" || evs[1].ResponseMessage != "sim" {
		t.Errorf("events = %+v", evs)
	}

	// Finish.
	cres, err = h.ctl.HandleCheckpoint(ctx, Checkpoint{PhoneNumber: leadNumber, Action: "finish"})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if cres.Status != models.StatusFinished {
		t.Errorf("finish result = %+v", cres)
	}
	if _, err := h.store.Get(ctx, "551188887777"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("live after finish err = %v", err)
	}
	if got := h.counter(t); got != 0 {
		t.Errorf("counter = %d, want 0", got)
	}

	hist, err := h.store.History(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []models.Direction{models.DirectionIn, models.DirectionOut, models.DirectionIn}
	if len(hist) != len(want) {
		t.Fatalf("history = %+v", hist)
	}
	for i, d := range want {
		if hist[i].Direction != d {
			t.Errorf("history[%d].Direction = %s, want %s", i, hist[i].Direction, d)
		}
	}

	snap := h.stats.Snapshot()
	if snap.TotalEvents != 2 || snap.SuccessfulEvents != 2 || snap.FailedEvents != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestHandleInbound_ActiveIgnored(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	if _, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi")); err != nil {
		t.Fatal(err)
	}
	res, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "alô?"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeActiveIgnored || res.Status != "active" {
		t.Errorf("result = %+v", res)
	}
	if n := len(h.notifier.sent()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if got := h.counter(t); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
}

func TestHandleInbound_NormalizedIdentity(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	if _, err := h.ctl.HandleInbound(ctx, lead("5511988887777", "Oi")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctl.HandleCheckpoint(ctx, Checkpoint{PhoneNumber: "551188887777", Action: "pause", Step: "s"}); err != nil {
		t.Fatalf("checkpoint with legacy form: %v", err)
	}
	res, err := h.ctl.HandleInbound(ctx, lead("+55 (11) 98888-7777", "sim"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeResumed {
		t.Errorf("outcome = %s, want resumed", res.Outcome)
	}
}

func TestHandleInbound_NoCapacity(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	if _, err := h.ctl.HandleInbound(ctx, lead("5511911110000", "Oi")); err != nil {
		t.Fatal(err)
	}
	res, err := h.ctl.HandleInbound(ctx, lead("5511922220000", "Oi"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if res.Outcome != OutcomeNoCapacity {
		t.Errorf("outcome = %s, want no_capacity", res.Outcome)
	}
	if _, err := h.store.Get(ctx, "551122220000"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("conversation created without capacity: %v", err)
	}
	if n := len(h.notifier.sent()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if snap := h.stats.Snapshot(); snap.FailedEvents != 1 {
		t.Errorf("failed = %d, want 1", snap.FailedEvents)
	}
	if a := h.alerts.next(t); a.Key != "no_capacity:fluxo_principal" || a.Level != alert.LevelError {
		t.Errorf("alert = %+v", a)
	}
}

func TestHandleInbound_NotifyFailureKeepsState(t *testing.T) {
	h := newHarness(t, 5)
	h.notifier.err = errors.New("connection refused")

	res, err := h.ctl.HandleInbound(context.Background(), lead(leadNumber, "Oi"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if res.Notified || res.NotifyErr == nil {
		t.Errorf("result = %+v, want NotifyErr", res)
	}
	h.live(t, "551188887777")
	if got := h.counter(t); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
	if snap := h.stats.Snapshot(); snap.FailedEvents != 1 || snap.SuccessfulEvents != 0 {
		t.Errorf("stats = %+v", snap)
	}
	if a := h.alerts.next(t); a.Key != "n8n_delivery" || a.Body != "connection refused" {
		t.Errorf("alert = %+v", a)
	}
}

func TestHandleInbound_FromMe(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	res, err := h.ctl.HandleInbound(ctx, evolution.Inbound{Instance: "inst-A", Number: leadNumber, FromMe: true, Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeOutbound || res.ConversationID != "" {
		t.Errorf("result without conversation = %+v", res)
	}

	if _, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi")); err != nil {
		t.Fatal(err)
	}
	res, err = h.ctl.HandleInbound(ctx, evolution.Inbound{Instance: "inst-A", Number: leadNumber, FromMe: true, Text: "Olá!"})
	if err != nil {
		t.Fatal(err)
	}
	hist, _ := h.store.History(ctx, res.ConversationID)
	if len(hist) != 2 || hist[1].Direction != models.DirectionOut || hist[1].Content != "Olá!" {
		t.Errorf("history = %+v", hist)
	}
	if n := len(h.notifier.sent()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestHandleInbound_Skipped(t *testing.T) {
	h := newHarness(t, 5)
	res, err := h.ctl.HandleInbound(context.Background(), evolution.Inbound{Instance: "inst-A", Skip: evolution.SkipNoKey})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeIgnored || res.Reason != evolution.SkipNoKey {
		t.Errorf("result = %+v", res)
	}
	if snap := h.stats.Snapshot(); snap.TotalEvents != 0 {
		t.Errorf("skipped event counted: %+v", snap)
	}
}

func TestHandleInbound_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, 5)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.ctl.HandleInbound(context.Background(), lead(leadNumber, "Oi")); err != nil {
				t.Errorf("HandleInbound: %v", err)
			}
		}()
	}
	wg.Wait()

	var n int64
	h.db.Model(&models.Conversation{}).Where("phone_number = ?", "551188887777").Count(&n)
	if n != 1 {
		t.Errorf("conversations = %d, want 1", n)
	}
	if got := h.counter(t); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
	if evs := h.notifier.sent(); len(evs) != 1 {
		t.Errorf("new_lead events = %d, want 1", len(evs))
	}
}

func TestHandleInbound_ExpiredConversationRestarts(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	first, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi"))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.db.Model(&models.Conversation{}).Where("id = ?", first.ConversationID).
		Update("timeout_at", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatal(err)
	}

	second, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi de novo"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != OutcomeNewLead || second.ConversationID == first.ConversationID {
		t.Errorf("second = %+v", second)
	}
	if got := h.counter(t); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
}

func TestHandleCheckpoint_Validation(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	tests := []struct {
		name string
		cp   Checkpoint
		want error
	}{
		{"missing action", Checkpoint{PhoneNumber: leadNumber}, ErrInvalidCheckpoint},
		{"missing phone", Checkpoint{Action: "pause"}, ErrInvalidCheckpoint},
		{"no digits", Checkpoint{PhoneNumber: "abc", Action: "pause"}, ErrInvalidCheckpoint},
		{"unknown action without conversation", Checkpoint{PhoneNumber: leadNumber, Action: "restart"}, conversation.ErrNotFound},
		{"no conversation", Checkpoint{PhoneNumber: leadNumber, Action: "pause"}, conversation.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ctl.HandleCheckpoint(ctx, tt.cp)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHandleCheckpoint_RejectedLeavesConversationUntouched(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	if _, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctl.HandleCheckpoint(ctx, Checkpoint{PhoneNumber: leadNumber, Action: "pause", Step: "step_2"}); err != nil {
		t.Fatal(err)
	}
	before := h.live(t, "551188887777")

	tests := []struct {
		name string
		cp   Checkpoint
		want error
	}{
		{"missing action", Checkpoint{PhoneNumber: leadNumber, Step: "step_9", MessageToSend: "x"}, ErrInvalidCheckpoint},
		{"unknown action", Checkpoint{PhoneNumber: leadNumber, Action: "restart", Step: "step_9", MessageToSend: "x"}, ErrInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.ctl.HandleCheckpoint(ctx, tt.cp); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			after := h.live(t, "551188887777")
			if after.Status != before.Status || after.CurrentStep != before.CurrentStep || !after.UpdatedAt.Equal(before.UpdatedAt) {
				t.Errorf("conversation changed: %s/%s -> %s/%s", before.Status, before.CurrentStep, after.Status, after.CurrentStep)
			}
			if got := h.counter(t); got != 1 {
				t.Errorf("counter = %d, want 1", got)
			}
		})
	}

	if n := len(h.sender.msgs); n != 0 {
		t.Errorf("messages sent = %d, want 0", n)
	}
	hist, _ := h.store.History(ctx, before.ID)
	if len(hist) != 1 {
		t.Errorf("history = %d records, want 1", len(hist))
	}
}

func TestHandleInbound_EmptyTextLeadIsLogged(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	res, err := h.ctl.HandleInbound(ctx, lead(leadNumber, ""))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if res.Outcome != OutcomeNewLead {
		t.Fatalf("outcome = %s, want new", res.Outcome)
	}
	hist, err := h.store.History(ctx, res.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Direction != models.DirectionIn {
		t.Errorf("history = %+v, want one inbound record", hist)
	}
}

func TestHandleCheckpoint_EmptyStepKeepsCurrent(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	if _, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctl.HandleCheckpoint(ctx, Checkpoint{PhoneNumber: leadNumber, Action: "continue", Step: "step_3"}); err != nil {
		t.Fatal(err)
	}
	res, err := h.ctl.HandleCheckpoint(ctx, Checkpoint{PhoneNumber: leadNumber, Action: "pause"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Step != "step_3" {
		t.Errorf("Step = %q, want step_3", res.Step)
	}
	if conv := h.live(t, "551188887777"); conv.CurrentStep != "step_3" || conv.Status != models.StatusWaiting {
		t.Errorf("conversation = %s/%s", conv.Status, conv.CurrentStep)
	}
}

func TestHandleCheckpoint_SendFailureKeepsTransition(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	h.sender.err = errors.New("instance disconnected")

	if _, err := h.ctl.HandleInbound(ctx, lead(leadNumber, "Oi")); err != nil {
		t.Fatal(err)
	}
	res, err := h.ctl.HandleCheckpoint(ctx, Checkpoint{PhoneNumber: leadNumber, Action: "pause", Step: "step_2", MessageToSend: "Aguarde"})
	if err != nil {
		t.Fatalf("HandleCheckpoint: %v", err)
	}
	if res.MessageSent || res.SendErr == nil {
		t.Errorf("result = %+v, want SendErr", res)
	}
	if conv := h.live(t, "551188887777"); conv.Status != models.StatusWaiting {
		t.Errorf("status = %s, want waiting", conv.Status)
	}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"pause", "continue", "finish"} {
		if a, err := ParseAction(s); err != nil || string(a) != s {
			t.Errorf("ParseAction(%q) = %q, %v", s, a, err)
		}
	}
	if _, err := ParseAction("Pause"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("ParseAction(Pause) err = %v", err)
	}
}
