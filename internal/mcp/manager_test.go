package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerResolve(t *testing.T) {
	conn, _ := newFakeConn(t, testTools(), nil)

	m := NewManager(nil, nil)
	m.register(conn)

	reg, ok := m.Resolve("read_file")
	if !ok {
		t.Fatal("read_file not resolved")
	}
	if reg.ServerName != "fake" {
		t.Errorf("server = %q, want fake", reg.ServerName)
	}

	if _, ok := m.Resolve("no_such_tool"); ok {
		t.Error("unknown tool resolved")
	}
}

func TestManagerCallToolRoutes(t *testing.T) {
	conn, _ := newFakeConn(t, testTools(), nil)

	m := NewManager(nil, nil)
	m.register(conn)

	result, err := m.CallTool(context.Background(), "echo", nil, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Text() != "ok" {
		t.Errorf("result = %q, want ok", result.Text())
	}

	if _, err := m.CallTool(context.Background(), "no_such_tool", nil, time.Second); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestManagerStopClearsIndex(t *testing.T) {
	conn, _ := newFakeConn(t, testTools(), nil)

	m := NewManager(nil, nil)
	m.register(conn)

	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("state after stop = %s, want closed", conn.State())
	}
	if _, ok := m.Resolve("read_file"); ok {
		t.Error("tool still resolvable after stop")
	}
	if len(m.Tools()) != 0 {
		t.Error("tool index not cleared")
	}
}
