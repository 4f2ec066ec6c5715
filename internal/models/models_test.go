package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

func TestConversation_Fields(t *testing.T) {
	typ := reflect.TypeOf(Conversation{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "PhoneNumber", "not null")
	assertGormTag(t, typ, "PhoneNumber", "index")
	assertGormTag(t, typ, "LivePhone", "uniqueIndex")
	assertGormTag(t, typ, "InstanceID", "not null")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "TimeoutAt", "index")
	assertGormTag(t, typ, "FirstMessage", "type:text")
}

func TestGatewayInstance_Fields(t *testing.T) {
	typ := reflect.TypeOf(GatewayInstance{})

	assertGormTag(t, typ, "InstanceName", "primaryKey")
	assertGormTag(t, typ, "CurrentConversations", "default:0")
	assertGormTag(t, typ, "Status", "index")
}

func TestMessageRecord_TableName(t *testing.T) {
	if got := (MessageRecord{}).TableName(); got != "message_history" {
		t.Errorf("TableName() = %q, want %q", got, "message_history")
	}
}

func TestConversationStatus(t *testing.T) {
	tests := []struct {
		status ConversationStatus
		valid  bool
		live   bool
	}{
		{StatusActive, true, true},
		{StatusWaiting, true, true},
		{StatusFinished, true, false},
		{"ativo", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.status.Live(); got != tt.live {
				t.Errorf("Live() = %v, want %v", got, tt.live)
			}
		})
	}
}

func TestConversation_Expired(t *testing.T) {
	now := time.Now()
	c := Conversation{TimeoutAt: now.Add(time.Minute)}
	if c.Expired(now) {
		t.Error("conversation with future timeout reported expired")
	}
	c.TimeoutAt = now
	if !c.Expired(now) {
		t.Error("conversation timing out at now should be expired")
	}
}

func TestGatewayInstance_HasCapacity(t *testing.T) {
	g := GatewayInstance{CurrentConversations: 4, MaxConversations: 5}
	if !g.HasCapacity() {
		t.Error("4/5 should have capacity")
	}
	g.CurrentConversations = 5
	if g.HasCapacity() {
		t.Error("5/5 should not have capacity")
	}
}

func TestFlowConfig_InstanceNames(t *testing.T) {
	f := FlowConfig{FlowName: "fluxo_principal"}
	if err := f.SetInstanceNames([]string{"inst-A", "inst-B"}); err != nil {
		t.Fatalf("SetInstanceNames: %v", err)
	}
	if f.InstancePool != `["inst-A","inst-B"]` {
		t.Errorf("InstancePool = %q", f.InstancePool)
	}
	names, err := f.InstanceNames()
	if err != nil {
		t.Fatalf("InstanceNames: %v", err)
	}
	if len(names) != 2 || names[0] != "inst-A" || names[1] != "inst-B" {
		t.Errorf("InstanceNames() = %v", names)
	}

	bad := FlowConfig{FlowName: "broken", InstancePool: "{"}
	if _, err := bad.InstanceNames(); err == nil {
		t.Error("expected decode error for malformed pool")
	}

	empty := FlowConfig{FlowName: "empty"}
	names, err = empty.InstanceNames()
	if err != nil || len(names) != 0 {
		t.Errorf("empty pool = %v, %v", names, err)
	}
}
