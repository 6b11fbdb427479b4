package canbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFrame_Validate_Marshal_Unmarshal_String(t *testing.T) {
	cases := []struct {
		name    string
		frame   Frame
		wantStr string
	}{
		{
			name:    "standard frame with data",
			frame:   MustFrame(0x123, []byte{0xDE, 0xAD}),
			wantStr: "123 [2] DE AD",
		},
		{
			name:    "extended RTR, zero length",
			frame:   Frame{ID: 0x1ABCDEFF, Extended: true, RTR: true, Len: 0},
			wantStr: "1ABCDEFF [0] RTR",
		},
		{
			name:    "standard empty",
			frame:   MustFrame(0x7FF, nil),
			wantStr: "7FF [0]",
		},
	}

	for _, tc := range cases {
		if err := tc.frame.Validate(); err != nil {
			t.Fatalf("%s: Validate() error = %v", tc.name, err)
		}
		b, err := tc.frame.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary() error = %v", tc.name, err)
		}
		var g Frame
		if err := g.UnmarshalBinary(b); err != nil {
			t.Fatalf("%s: UnmarshalBinary() error = %v", tc.name, err)
		}
		if g != tc.frame {
			t.Fatalf("%s: roundtrip mismatch: got %+v want %+v", tc.name, g, tc.frame)
		}
		if got := g.String(); got != tc.wantStr {
			t.Fatalf("%s: String() = %q, want %q", tc.name, got, tc.wantStr)
		}
	}

	if err := (Frame{ID: 0x800}).Validate(); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid standard ID, got %v", err)
	}
	if err := (Frame{ID: 0x20000000, Extended: true}).Validate(); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid extended ID, got %v", err)
	}
	if err := (Frame{ID: 1, Len: 9}).Validate(); !errors.Is(err, ErrInvalidLen) {
		t.Fatalf("expected invalid length, got %v", err)
	}
	var short Frame
	if err := short.UnmarshalBinary(make([]byte, 4)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("MustFrame should panic for len>8")
			}
		}()
		_ = MustFrame(0x123, make([]byte, 9))
	}()
}

func TestLoopbackBus_SendReceive_MultiEndpoint(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()

	a := bus.Open()
	b := bus.Open()
	c := bus.Open()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	send := MustFrame(0x321, []byte("hello"))

	done := make(chan error, 1)
	go func() { done <- a.Send(ctx, send) }()

	gotB, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive b: %v", err)
	}
	gotC, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive c: %v", err)
	}
	if gotB.ID != send.ID || gotB.Len != send.Len || !bytes.Equal(gotB.Payload(), send.Payload()) {
		t.Fatalf("b mismatch: got %+v want %+v", gotB, send)
	}
	if gotC != gotB {
		t.Fatalf("c mismatch: got %+v want %+v", gotC, gotB)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotB.String() != "321 [5] 68 65 6C 6C 6F" {
		t.Fatalf("string: got %q", gotB.String())
	}
}

func TestLoopbackBus_CloseBehavior(t *testing.T) {
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()
	ctx := context.Background()

	_ = a.Close()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should error on Receive, got %v", err)
	}
	if err := a.Send(ctx, MustFrame(0x1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should error on Send, got %v", err)
	}

	_ = bus.Close()
	if _, err := b.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint should error after bus close, got %v", err)
	}
	if err := b.Send(ctx, MustFrame(0x1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint should error on Send after bus close, got %v", err)
	}
	late := bus.Open()
	if _, err := late.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint opened after close should be closed, got %v", err)
	}
}

func TestLoopbackBus_ReceiveHonorsContext(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	a := bus.Open()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFilters_Basics(t *testing.T) {
	f1 := MustFrame(0x100, []byte{1})
	f2 := MustFrame(0x101, []byte{2})
	f3 := Frame{ID: 0x1ABCDEFF, Extended: true, Len: 0}
	ext100 := Frame{ID: 0x100, Extended: true, Len: 1}

	if !ByID(0x100)(f1) || ByID(0x100)(f2) {
		t.Fatalf("ByID failure")
	}
	if !ByKey(0x100, false)(f1) || ByKey(0x100, false)(ext100) || !ByKey(0x100, true)(ext100) {
		t.Fatalf("ByKey failure")
	}
	if !ByIDs(0x100, 0x102)(f1) || ByIDs(0x100, 0x102)(f2) {
		t.Fatalf("ByIDs failure")
	}
	if !ByRange(0x100, 0x1FF)(f2) || ByRange(0x200, 0x2FF)(f2) || !ByRange(0x1FF, 0x100)(f2) {
		t.Fatalf("ByRange failure")
	}
	if !ByMask(0x100, 0x7FF)(f1) || ByMask(0x100, 0x7FF)(f2) {
		t.Fatalf("ByMask failure")
	}
	if !StandardOnly()(f1) || StandardOnly()(f3) {
		t.Fatalf("StandardOnly failure")
	}
	if !ExtendedOnly()(f3) || ExtendedOnly()(f1) {
		t.Fatalf("ExtendedOnly failure")
	}
	rtr := f1
	rtr.RTR = true
	if !DataOnly()(f1) || DataOnly()(rtr) || !RTROnly()(rtr) {
		t.Fatalf("DataOnly/RTROnly failure")
	}
	if !LenAtLeast(1)(f1) || LenAtLeast(1)(f3) {
		t.Fatalf("LenAtLeast failure")
	}
	if !And(ByID(0x100), DataOnly())(f1) || And(ByID(0x100), DataOnly())(rtr) || !And()(f1) || !And(nil, ByID(0x100))(f1) {
		t.Fatalf("And failure")
	}
	if !Or(ByID(0x100), ByID(0x999))(f1) || Or(ByID(0x999), ByID(0x998))(f1) || Or()(f1) {
		t.Fatalf("Or failure")
	}
	if Not(ByID(0x100))(f1) || !Not(ByID(0x999))(f1) || Not(nil)(f1) {
		t.Fatalf("Not failure")
	}
}

func TestMux_Subscribe_Filtering_And_Close(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	m := NewMux(bus.Open())

	chA, cancelA := m.Subscribe(ByID(0x100), 1)
	chB, cancelB := m.Subscribe(ByRange(0x200, 0x2FF), 2)
	defer cancelB()

	producer := bus.Open()
	defer producer.Close()

	ctx := context.Background()
	send := func(id uint32) {
		if err := producer.Send(ctx, MustFrame(id, []byte{1, 2, 3})); err != nil {
			t.Fatalf("send %03X: %v", id, err)
		}
	}

	send(0x100)
	send(0x210)
	send(0x105)

	select {
	case f := <-chA:
		if f.ID != 0x100 {
			t.Fatalf("A got %03X", f.ID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for A")
	}
	select {
	case f := <-chB:
		if f.ID != 0x210 {
			t.Fatalf("B got %03X", f.ID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for B")
	}
	select {
	case f := <-chA:
		t.Fatalf("A should be empty, got %03X", f.ID)
	case <-time.After(100 * time.Millisecond):
	}

	cancelA()
	if _, ok := <-chA; ok {
		t.Fatalf("A should be closed")
	}

	_ = m.Close()
	if _, ok := <-chB; ok {
		t.Fatalf("B should be closed after mux close")
	}
	late, _ := m.Subscribe(nil, 1)
	if _, ok := <-late; ok {
		t.Fatalf("subscribing to a closed mux should yield a closed channel")
	}
}

func ExampleLoopbackBus() {
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	go func() { _ = a.Send(ctx, MustFrame(0x123, []byte("hi"))) }()
	f, _ := b.Receive(ctx)
	fmt.Printf("ID=%03X LEN=%d DATA=%x\n", f.ID, f.Len, f.Payload())
	// Output: ID=123 LEN=2 DATA=6869
}

func TestMux_OpenAsBus(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()
	m := NewMux(lb.Open())

	port := m.Open(ByKey(0x200, false), 4)
	peer := lb.Open()
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := peer.Send(ctx, MustFrame(0x201, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := peer.Send(ctx, MustFrame(0x200, []byte{7})); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, err := port.Receive(ctx)
	if err != nil || f.ID != 0x200 || f.Data[0] != 7 {
		t.Fatalf("port received %v %v", f, err)
	}

	// Sending through the port goes out on the underlying endpoint.
	if err := port.Send(ctx, MustFrame(0x300, []byte{1})); err != nil {
		t.Fatalf("port send: %v", err)
	}
	if f, err := peer.Receive(ctx); err != nil || f.ID != 0x300 {
		t.Fatalf("peer received %v %v", f, err)
	}

	if m.Err() != nil {
		t.Fatalf("running mux reports %v", m.Err())
	}
	_ = m.Close()
	if _, err := port.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after mux close = %v", err)
	}
	_ = port.Close()
	if err := port.Send(ctx, MustFrame(0x300, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send on closed port = %v", err)
	}
}

func TestMux_DropsWhenFull(t *testing.T) {
	lb := NewLoopbackBus()
	defer lb.Close()
	m := NewMux(lb.Open())
	defer m.Close()
	ch, cancelSub := m.Subscribe(nil, 1)
	defer cancelSub()

	peer := lb.Open()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := peer.Send(ctx, MustFrame(0x10, []byte{byte(i)})); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Dropped() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dropped = %d, want 2", m.Dropped())
		}
		time.Sleep(time.Millisecond)
	}
	if f := <-ch; f.Data[0] != 0 {
		t.Fatalf("kept frame %v, want the first", f)
	}
}

func TestLoopbackBus_EchoAndQueueDepth(t *testing.T) {
	bus := NewLoopbackBus(WithEcho(true), WithQueueDepth(1))
	defer bus.Close()
	a := bus.Open()
	b := bus.Open()

	ctx := context.Background()
	if err := a.Send(ctx, MustFrame(0x10, []byte{1})); err != nil {
		t.Fatalf("send: %v", err)
	}
	for name, ep := range map[string]Bus{"sender": a, "peer": b} {
		f, err := ep.Receive(ctx)
		if err != nil || f.ID != 0x10 {
			t.Fatalf("%s received %v %v", name, f, err)
		}
	}

	// b's queue holds one frame; the second send blocks until the deadline.
	if err := a.Send(ctx, MustFrame(0x11, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.Receive(ctx); err != nil {
		t.Fatalf("drain echo: %v", err)
	}
	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := a.Send(tctx, MustFrame(0x12, nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("send to full queue = %v", err)
	}
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(0x100, true, []byte{1, 2})
	if err != nil || !f.Extended || f.Len != 2 || f.String() != "00000100 [2] 01 02" {
		t.Fatalf("NewFrame = %v, %v", f, err)
	}
	if _, err := NewFrame(0x800, false, nil); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := NewFrame(1, false, make([]byte, 9)); !errors.Is(err, ErrInvalidLen) {
		t.Fatalf("expected ErrInvalidLen, got %v", err)
	}
}

func TestFrame_AppendBinary(t *testing.T) {
	prefix := []byte{0xAA}
	b, err := MustFrame(0x18FF0015, []byte{7}).AppendBinary(prefix)
	if err != nil {
		t.Fatalf("AppendBinary: %v", err)
	}
	want := []byte{0xAA, 0x15, 0x00, 0xFF, 0x98, 1, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(b, want) {
		t.Fatalf("AppendBinary = % X, want % X", b, want)
	}
	if _, err := (Frame{ID: 0x800}).AppendBinary(nil); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
