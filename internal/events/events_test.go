package events

import (
	"context"
	"testing"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.TransferEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRecord_RequiresKind(t *testing.T) {
	db := testDB(t)
	if _, err := Record(db, EmitOpts{TransferID: "t1"}); err == nil {
		t.Fatal("expected error for missing kind")
	}
}

func TestRecord_Detail(t *testing.T) {
	db := testDB(t)
	ev, err := Record(db, EmitOpts{
		Kind:       TransferInitiated,
		TransferID: "t1",
		CallID:     "call_1",
		Stage:      "initiated",
		Actor:      "agent_a1",
		Detail:     map[string]any{"reason": "billing"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ev.ID == 0 {
		t.Error("ID not assigned")
	}
	d := DecodeDetail(*ev)
	if d["reason"] != "billing" {
		t.Errorf("detail = %v", d)
	}
}

func TestList_Filters(t *testing.T) {
	db := testDB(t)
	Record(db, EmitOpts{Kind: CallStarted, CallID: "call_1"})
	first, _ := Record(db, EmitOpts{Kind: TransferInitiated, CallID: "call_1", TransferID: "t1"})
	Record(db, EmitOpts{Kind: BriefingStarted, CallID: "call_1", TransferID: "t1"})
	Record(db, EmitOpts{Kind: CallStarted, CallID: "call_2"})

	byTransfer, err := List(db, ListOpts{TransferID: "t1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byTransfer) != 2 || byTransfer[0].Kind != TransferInitiated {
		t.Errorf("byTransfer = %+v", byTransfer)
	}

	byCall, _ := List(db, ListOpts{CallID: "call_1"})
	if len(byCall) != 3 {
		t.Errorf("byCall = %d, want 3", len(byCall))
	}

	after, _ := List(db, ListOpts{AfterID: first.ID})
	if len(after) != 2 {
		t.Errorf("after = %d, want 2", len(after))
	}

	limited, _ := List(db, ListOpts{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestLatestID(t *testing.T) {
	db := testDB(t)
	id, err := LatestID(db)
	if err != nil || id != 0 {
		t.Fatalf("LatestID(empty) = %d, %v", id, err)
	}
	Record(db, EmitOpts{Kind: CallStarted})
	last, _ := Record(db, EmitOpts{Kind: CallEnded})
	id, _ = LatestID(db)
	if id != last.ID {
		t.Errorf("LatestID = %d, want %d", id, last.ID)
	}
}

func TestRecorder_EmitPublishesToSinks(t *testing.T) {
	db := testDB(t)
	var got []string
	r := NewRecorder(db, SinkFunc(func(_ context.Context, ev models.TransferEvent) {
		got = append(got, "a:"+ev.Kind)
	}))
	r.AddSink(SinkFunc(func(_ context.Context, ev models.TransferEvent) {
		got = append(got, "b:"+ev.Kind)
	}))

	if _, err := r.Emit(context.Background(), EmitOpts{Kind: TransferCompleted, TransferID: "t1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(got) != 2 || got[0] != "a:transfer_completed" || got[1] != "b:transfer_completed" {
		t.Errorf("sinks saw %v", got)
	}

	if _, err := r.Emit(context.Background(), EmitOpts{}); err == nil {
		t.Error("expected error for empty kind")
	}
	if len(got) != 2 {
		t.Errorf("sinks called for failed emit: %v", got)
	}
}

func TestDecodeDetail_Malformed(t *testing.T) {
	if d := DecodeDetail(models.TransferEvent{Detail: "{"}); d != nil {
		t.Errorf("DecodeDetail = %v, want nil", d)
	}
}
