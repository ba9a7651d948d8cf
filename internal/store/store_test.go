package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestQueueAndClaimMessage(t *testing.T) {
	db := testDB(t)

	if err := db.QueueMessageSend(&Message{ChannelCID: "general", MsgID: "m1", SenderID: "u1", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingSendMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].MsgID != "m1" {
		t.Fatalf("pending = %+v, want one m1", pending)
	}

	ok, err := db.ClaimMessage("general", "m1", MessageStatePendingSend, MessageStateSending)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	// Second claim must fail: only one worker may own a message.
	ok, err = db.ClaimMessage("general", "m1", MessageStatePendingSend, MessageStateSending)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim should fail")
	}
}

func TestPendingSendExcludesUnuploadedAttachments(t *testing.T) {
	db := testDB(t)

	if err := db.QueueMessageSend(&Message{ChannelCID: "general", MsgID: "m1", Body: "with file"}); err != nil {
		t.Fatal(err)
	}
	id := AttachmentID{ChannelCID: "general", MsgID: "m1", Index: 0}
	if err := db.QueueAttachment(&Attachment{ID: id, LocalPath: "/tmp/a.jpg"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingSendMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("message with pending attachment must not be sendable, got %d", len(pending))
	}

	if err := db.MarkAttachmentUploaded(id, "https://cdn.example.com/a.jpg"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingSendMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("message should be sendable after upload, got %d", len(pending))
	}
}

func TestPendingSendOrderedPerChannel(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := db.QueueMessageSend(&Message{ChannelCID: "a", MsgID: id, Body: id}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.PendingSendMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if pending[i].MsgID != want {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].MsgID, want)
		}
	}
}

func TestRescueInFlightMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ChannelCID: "a", MsgID: "m1", LocalState: MessageStateSending}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChannelCID: "a", MsgID: "m2", LocalState: MessageStateSyncing}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChannelCID: "a", MsgID: "m3", LocalState: MessageStateSendingFailed}); err != nil {
		t.Fatal(err)
	}

	n, err := db.RescueInFlightMessages()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rescued %d, want 2", n)
	}

	m1, _ := db.GetMessage("a", "m1")
	if m1.LocalState != MessageStatePendingSend {
		t.Errorf("m1 state = %q, want pending_send", m1.LocalState)
	}
	m2, _ := db.GetMessage("a", "m2")
	if m2.LocalState != MessageStatePendingSync {
		t.Errorf("m2 state = %q, want pending_sync", m2.LocalState)
	}
	// Terminal failures are not rescued; retry stays caller-driven.
	m3, _ := db.GetMessage("a", "m3")
	if m3.LocalState != MessageStateSendingFailed {
		t.Errorf("m3 state = %q, want sending_failed", m3.LocalState)
	}
}

func TestMarkMessageSentAppliesCanonical(t *testing.T) {
	db := testDB(t)

	if err := db.QueueMessageSend(&Message{ChannelCID: "a", MsgID: "m1", Body: "draft"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageSent("a", "m1", "srv-1", "canonical", 4242); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("a", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.LocalState != MessageStateNone {
		t.Errorf("state = %q, want none", m.LocalState)
	}
	if m.ServerMsgID != "srv-1" || m.Body != "canonical" || m.Timestamp != 4242 {
		t.Errorf("canonical fields not applied: %+v", m)
	}
}

func TestRequeueFailedSend(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ChannelCID: "a", MsgID: "m1", LocalState: MessageStateSendingFailed}); err != nil {
		t.Fatal(err)
	}
	ok, err := db.RequeueFailedSend("a", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("requeue should succeed")
	}
	// Requeueing a message that is not failed is a no-op.
	ok, err = db.RequeueFailedSend("a", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second requeue should report false")
	}
}

func TestClaimAttachmentOnce(t *testing.T) {
	db := testDB(t)

	id := AttachmentID{ChannelCID: "a", MsgID: "m1", Index: 0}
	if err := db.QueueAttachment(&Attachment{ID: id, LocalPath: "/tmp/f"}); err != nil {
		t.Fatal(err)
	}

	ok, err := db.ClaimAttachment(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}
	ok, err = db.ClaimAttachment(id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim should fail")
	}
}

func TestAllAttachmentsUploaded(t *testing.T) {
	db := testDB(t)

	// No attachments counts as fully uploaded.
	ok, err := db.AllAttachmentsUploaded("a", "m0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("message without attachments should count as uploaded")
	}

	first := AttachmentID{ChannelCID: "a", MsgID: "m1", Index: 0}
	second := AttachmentID{ChannelCID: "a", MsgID: "m1", Index: 1}
	for _, id := range []AttachmentID{first, second} {
		if err := db.QueueAttachment(&Attachment{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.MarkAttachmentUploaded(first, "u1"); err != nil {
		t.Fatal(err)
	}
	ok, _ = db.AllAttachmentsUploaded("a", "m1")
	if ok {
		t.Error("one attachment still pending, want false")
	}

	if err := db.MarkAttachmentUploaded(second, "u2"); err != nil {
		t.Fatal(err)
	}
	ok, _ = db.AllAttachmentsUploaded("a", "m1")
	if !ok {
		t.Error("all uploaded, want true")
	}
}

func TestChannelUpsertKeepsLatestPreview(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChannel(&Channel{CID: "a", LastMessageAt: 200, LastMessagePreview: "newer"}); err != nil {
		t.Fatal(err)
	}
	// A stale history batch must not regress the preview.
	if err := db.UpsertChannel(&Channel{CID: "a", LastMessageAt: 100, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChannel("a")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 200 || c.LastMessagePreview != "newer" {
		t.Errorf("channel = %+v, want newer preview kept", c)
	}
}

func TestChangeHookFires(t *testing.T) {
	db := testDB(t)

	var kinds []string
	db.AddChangeHook(func(kind string) { kinds = append(kinds, kind) })

	if err := db.QueueMessageSend(&Message{ChannelCID: "a", MsgID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueAttachment(&Attachment{ID: AttachmentID{ChannelCID: "a", MsgID: "m1", Index: 0}}); err != nil {
		t.Fatal(err)
	}

	if len(kinds) != 2 || kinds[0] != "message.queued" || kinds[1] != "attachment.queued" {
		t.Errorf("hook kinds = %v", kinds)
	}
}
