package canbus

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func hasEntry(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func TestLoggedBus_WriteAndReadLogging(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()

	logger, hook := test.NewNullLogger()

	sender := NewLoggedBus(lb.Open(), logger, logrus.InfoLevel, LogWrite, nil)
	receiver := NewLoggedBus(lb.Open(), logger, logrus.InfoLevel, LogRead, nil)
	defer sender.Close()
	defer receiver.Close()

	ctx := context.Background()
	frame := MustFrame(0x123, []byte{1, 2, 3})
	if err := sender.Send(ctx, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := receiver.Receive(ctx); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if !hasEntry(hook, logrus.InfoLevel, "canbus send") {
		t.Fatalf("expected write log entry")
	}
	if !hasEntry(hook, logrus.InfoLevel, "canbus receive") {
		t.Fatalf("expected read log entry")
	}
	for _, e := range hook.AllEntries() {
		if e.Data["data"] != "010203" {
			t.Fatalf("data field = %v, want 010203", e.Data["data"])
		}
	}
}

func TestLoggedBus_FilterAndErrors(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()
	logger, hook := test.NewNullLogger()

	sender := NewLoggedBus(lb.Open(), logger, logrus.DebugLevel, LogAll, ByID(0x200))
	rx := lb.Open()
	defer rx.Close()
	if err := sender.Send(context.Background(), MustFrame(0x123, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("filtered frame should not be logged, got %d entries", len(hook.AllEntries()))
	}

	closed := lb.Open()
	_ = closed.Close()
	wrapped := NewLoggedBus(closed, logger, logrus.InfoLevel, LogRead, nil)
	_, _ = wrapped.Receive(context.Background())
	if !hasEntry(hook, logrus.ErrorLevel, "canbus receive error") {
		t.Fatalf("expected receive error log entry")
	}
}
