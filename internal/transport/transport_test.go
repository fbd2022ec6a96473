package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"DistMR/internal/logger"
)

type EchoArgs struct {
	Msg   string
	Delay time.Duration
}

type EchoReply struct {
	Msg string
}

type Echo struct{}

func (Echo) Say(args *EchoArgs, reply *EchoReply) error {
	time.Sleep(args.Delay)
	if args.Msg == "fail" {
		return errors.New("refused")
	}
	reply.Msg = strings.ToUpper(args.Msg)
	return nil
}

func startEcho(t *testing.T) *Server {
	t.Helper()
	var buf bytes.Buffer
	s := NewServer(ServerOpts{ID: "echo", Addr: "127.0.0.1:0", Logger: logger.NewWithWriter("ERROR", &buf)})
	if err := s.Register("Echo", Echo{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCallRoundTrip(t *testing.T) {
	s := startEcho(t)
	c := &Client{Timeout: time.Second}

	var reply EchoReply
	if err := c.Call(context.Background(), s.Addr(), "Echo.Say", &EchoArgs{Msg: "hi"}, &reply); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if reply.Msg != "HI" {
		t.Fatalf("expected HI, got %q", reply.Msg)
	}
}

func TestCallReturnsServerError(t *testing.T) {
	s := startEcho(t)
	c := &Client{Timeout: time.Second}

	err := c.Call(context.Background(), s.Addr(), "Echo.Say", &EchoArgs{Msg: "fail"}, &EchoReply{})
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	s := startEcho(t)
	c := &Client{Timeout: 50 * time.Millisecond}

	err := c.Call(context.Background(), s.Addr(), "Echo.Say", &EchoArgs{Msg: "slow", Delay: 500 * time.Millisecond}, &EchoReply{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCallContextCancelled(t *testing.T) {
	s := startEcho(t)
	c := &Client{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, s.Addr(), "Echo.Say", &EchoArgs{Msg: "slow", Delay: 500 * time.Millisecond}, &EchoReply{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCallAfterClose(t *testing.T) {
	s := startEcho(t)
	addr := s.Addr()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	c := &Client{Timeout: 200 * time.Millisecond}
	if err := c.Call(context.Background(), addr, "Echo.Say", &EchoArgs{Msg: "hi"}, &EchoReply{}); err == nil {
		t.Fatalf("expected dial failure after Close")
	}
}
