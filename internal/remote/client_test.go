package remote

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeCodec struct{}

func (fakeCodec) Encrypt(p []byte) ([]byte, error) { return append([]byte("enc:"), p...), nil }
func (fakeCodec) Decrypt(c []byte) ([]byte, error) { return c[len("enc:"):], nil }

func TestDispatchAcceptsBareAndScopedMethodNames(t *testing.T) {
	c := New("wss://example", "tok", "cli", "sess-1", ScopeSession, fakeCodec{}, nil)

	var gotParams []string
	c.RegisterRPC("permission", func(ctx context.Context, params []byte) ([]byte, error) {
		gotParams = append(gotParams, string(params))
		return []byte("ok"), nil
	})

	ctx := context.Background()
	params, _ := fakeCodec{}.Encrypt([]byte("p1"))
	c.dispatch(ctx, rpcCall{CallID: "1", Method: "permission", Params: params})
	c.dispatch(ctx, rpcCall{CallID: "2", Method: "sess-1:permission", Params: params})

	if len(gotParams) != 2 || gotParams[0] != "p1" || gotParams[1] != "p1" {
		t.Fatalf("expected both bare and scoped method names to dispatch, got %v", gotParams)
	}
}

func TestDispatchUnknownMethodRepliesError(t *testing.T) {
	c := New("wss://example", "tok", "cli", "sess-1", ScopeSession, fakeCodec{}, nil)

	// Since there's no live connection, sendReply will buffer the
	// envelope; inspect it directly via the client's buffer.
	ctx := context.Background()
	params, _ := fakeCodec{}.Encrypt([]byte("x"))
	c.dispatch(ctx, rpcCall{CallID: "1", Method: "nope", Params: params})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) != 1 {
		t.Fatalf("expected one buffered reply envelope, got %d", len(c.buffered))
	}
	var reply rpcReply
	if err := json.Unmarshal(c.buffered[0].Payload, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error == "" {
		t.Fatal("expected an error reply for an unknown method")
	}
}

func TestMutateSucceedsOnFirstAttempt(t *testing.T) {
	c := New("wss://example", "tok", "cli", "sess-1", ScopeSession, fakeCodec{}, nil)
	c.SetReplyWaiter(func(ctx context.Context, env Envelope) (stateWriteReply, error) {
		return stateWriteReply{Outcome: writeSuccess, NewVersion: 2}, nil
	})

	v, err := c.Mutate(context.Background(), StateAgent, 1, []byte("{}"), func(cur []byte) ([]byte, error) {
		return []byte(`{"n":1}`), nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if v != 2 {
		t.Fatalf("got version %d want 2", v)
	}
}

func TestHandleStateReplyDeliversToWaitingCall(t *testing.T) {
	c := New("wss://example", "tok", "cli", "sess-1", ScopeSession, fakeCodec{}, nil)

	replyCh := make(chan stateWriteReply, 1)
	c.mu.Lock()
	c.pending["call-1"] = replyCh
	c.mu.Unlock()

	payload, _ := json.Marshal(stateWriteReply{CallID: "call-1", Outcome: writeSuccess, NewVersion: 3})
	c.handleStateReply(Envelope{Type: KindStateUpdate, Payload: payload})

	select {
	case reply := <-replyCh:
		if reply.NewVersion != 3 {
			t.Fatalf("got version %d want 3", reply.NewVersion)
		}
	default:
		t.Fatal("expected reply to be delivered to the pending channel")
	}
}

func TestHandleStateReplyIgnoresUnknownCallID(t *testing.T) {
	c := New("wss://example", "tok", "cli", "sess-1", ScopeSession, fakeCodec{}, nil)
	payload, _ := json.Marshal(stateWriteReply{CallID: "unknown", Outcome: writeSuccess})
	c.handleStateReply(Envelope{Type: KindStateUpdate, Payload: payload}) // should not panic
}

func TestMutateRetriesOnVersionMismatch(t *testing.T) {
	c := New("wss://example", "tok", "cli", "sess-1", ScopeSession, fakeCodec{}, nil)

	calls := 0
	c.SetReplyWaiter(func(ctx context.Context, env Envelope) (stateWriteReply, error) {
		calls++
		if calls == 1 {
			current, _ := fakeCodec{}.Encrypt([]byte(`{"n":5}`))
			return stateWriteReply{Outcome: writeVersionMismatch, CurrentVersion: 9, CurrentCipher: current}, nil
		}
		return stateWriteReply{Outcome: writeSuccess, NewVersion: 10}, nil
	})

	var sawCurrent string
	v, err := c.Mutate(context.Background(), StateAgent, 1, []byte(`{"n":1}`), func(cur []byte) ([]byte, error) {
		sawCurrent = string(cur)
		return cur, nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if v != 10 {
		t.Fatalf("got version %d want 10", v)
	}
	if sawCurrent != `{"n":5}` {
		t.Fatalf("mutate should have been retried against the adopted current state, got %q", sawCurrent)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", calls)
	}
}
