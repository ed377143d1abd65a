package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/chatsync/internal/config"
	"github.com/user/chatsync/internal/types"
)

func TestViewPrintsOnlyChanges(t *testing.T) {
	v := newView()
	hello := types.Message{ID: "1-a", Author: "🐶", Content: "hello", CreatedAt: 1}

	lines := v.update([]types.Message{hello}, []string{"🐶"}, types.StatusConnected)
	if len(lines) != 3 {
		t.Fatalf("first render = %q, want status, message and online", lines)
	}
	if lines[0] != "-- connected" {
		t.Errorf("status line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "🐶: hello") {
		t.Errorf("message line = %q", lines[1])
	}
	if lines[2] != "-- online: 🐶" {
		t.Errorf("online line = %q", lines[2])
	}

	if lines := v.update([]types.Message{hello}, []string{"🐶"}, types.StatusConnected); len(lines) != 0 {
		t.Errorf("unchanged render = %q, want nothing", lines)
	}

	bye := types.Message{ID: "2-b", Author: "🐱", Content: "bye", CreatedAt: 2}
	lines = v.update([]types.Message{hello, bye}, []string{"🐶", "🐱"}, types.StatusConnected)
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "🐱: bye") || lines[1] != "-- online: 🐱 🐶" {
		t.Errorf("second render = %q", lines)
	}
}

func TestViewForgetsRolledBackMessages(t *testing.T) {
	v := newView()
	msg := types.Message{ID: "1-a", Author: "🐶", Content: "hello"}
	v.update([]types.Message{msg}, nil, types.StatusConnected)
	v.update(nil, nil, types.StatusConnected)
	if v.seen[msg.ID] {
		t.Fatal("rolled back message still remembered")
	}
	if lines := v.update(nil, nil, types.StatusDisconnected); len(lines) != 1 || lines[0] != "-- disconnected" {
		t.Errorf("status change = %q", lines)
	}
}

func TestReconnectPolicyFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Chat.Reconnect.InitialDelayMs = 200
	cfg.Chat.Reconnect.MaxDelayMs = 1000
	cfg.Chat.Reconnect.Multiplier = 3
	cfg.Chat.Reconnect.MaxAttempts = 7

	p := reconnectPolicy(cfg)
	if p.InitialDelay != 200*time.Millisecond || p.MaxDelay != time.Second || p.Multiplier != 3 || p.MaxAttempts != 7 {
		t.Errorf("policy = %+v", p)
	}
}

func TestChannelArg(t *testing.T) {
	cfg := config.Defaults()
	if got := channelArg(cfg, nil); got != "general" {
		t.Errorf("default channel = %q", got)
	}
	if got := channelArg(cfg, []string{"random"}); got != "random" {
		t.Errorf("explicit channel = %q", got)
	}
}

func TestSendLinesRunsOffTheRenderLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	sentCh := make(chan string, 4)
	send := func(_ context.Context, content string) error {
		if content == "slow" {
			<-release
		}
		sentCh <- content
		if content == "bad" {
			return errors.New("relay unavailable")
		}
		return nil
	}

	outbox := make(chan string, 4)
	failed := make(chan sendFailure, 4)
	go sendLines(ctx, send, outbox, failed)

	// Queueing never waits on the write in flight.
	for _, line := range []string{"slow", "bad", "after"} {
		select {
		case outbox <- line:
		case <-time.After(time.Second):
			t.Fatalf("queueing %q blocked", line)
		}
	}
	select {
	case got := <-sentCh:
		t.Fatalf("%q sent before the slow write finished", got)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	var order []string
	for range 3 {
		select {
		case got := <-sentCh:
			order = append(order, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("sends stalled after %v", order)
		}
	}
	if strings.Join(order, ",") != "slow,bad,after" {
		t.Errorf("send order = %v", order)
	}
	select {
	case f := <-failed:
		if f.content != "bad" || f.err == nil {
			t.Errorf("failure = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}
