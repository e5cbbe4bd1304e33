package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/account"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/events"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/merkle"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/memory"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/server"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

const testAuthority = "0xauthority"

var fastRetry = &RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  time.Millisecond,
	MaxBackoff:      5 * time.Millisecond,
	BackoffMultiple: 2,
}

func newLedgerServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.NewMemoryPersistence()
	bus := events.NewEventBus(zap.NewNop(), 16)
	ledger, err := account.NewLedger(store, bus, account.Config{Logger: zap.NewNop()})
	require.NoError(t, err)

	s := server.NewServer(ledger, bus, nil, server.Config{Logger: zap.NewNop()})
	srv := httptest.NewServer(s.GetHandler())
	t.Cleanup(func() {
		bus.Close()
		srv.Close()
		ledger.Close()
		_ = store.Close()
	})
	return srv
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(&ClientConfig{BaseURL: baseURL, Authority: testAuthority, Retry: fastRetry})
	require.NoError(t, err)
	return c
}

func TestNewClient_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config *ClientConfig
	}{
		{"nil config", nil},
		{"empty url", &ClientConfig{}},
		{"relative url", &ClientConfig{BaseURL: "localhost:8080"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config)
			assert.Error(t, err)
		})
	}

	c, err := NewClient(&ClientConfig{BaseURL: "http://localhost:8080/", Retry: &RetryConfig{}})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
	assert.Equal(t, 1, c.retryConfig.MaxAttempts)
}

func TestClient_Workflow(t *testing.T) {
	srv := newLedgerServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	created, err := c.Initialize(ctx, &types.InitializeRequest{AccountID: "acct", Authority: testAuthority})
	require.NoError(t, err)
	assert.True(t, created.Root.IsZero())

	leaves := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	var last *types.InsertLeafResponse
	for i, leaf := range leaves {
		last, err = c.InsertLeaf(ctx, "acct", leaf)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), last.Index)
	}
	textRes, err := c.InsertText(ctx, "acct", "delta")
	require.NoError(t, err)
	leaves = append(leaves, []byte("delta"))

	expected, err := merkle.ComputeRoot(leaves, nil)
	require.NoError(t, err)
	assert.Equal(t, expected, textRes.Root)

	root, err := c.GetRoot(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, expected, root.Root)
	assert.Equal(t, uint32(4), root.LeafCount)

	got, err := c.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, got.Leaves, 4)

	ids, err := c.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct"}, ids)

	var batch []types.VerifyRequest
	for i, leaf := range leaves {
		proof, err := c.GetProof(ctx, "acct", i)
		require.NoError(t, err)

		req := types.VerifyRequest{Proof: proof.Proof, Path: proof.Path}
		req.Leaf = leaf
		res, err := c.Verify(ctx, "acct", &req)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		batch = append(batch, req)
	}

	batchRes, err := c.VerifyBatch(ctx, "acct", batch)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, true}, batchRes.Results)
	assert.Equal(t, expected, batchRes.Root)

	instr := &types.VerifyProofInstruction{AccountID: "acct", Proof: batch[0].Proof, Path: batch[0].Path}
	instr.Leaf = leaves[0]
	result, err := c.Execute(ctx, instr)
	require.NoError(t, err)
	require.NotNil(t, result.Valid)
	assert.True(t, *result.Valid)
}

func TestClient_APIErrors(t *testing.T) {
	srv := newLedgerServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetAccount(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "account_not_found", apiErr.Code)

	_, err = c.Initialize(ctx, &types.InitializeRequest{AccountID: "acct", Authority: testAuthority})
	require.NoError(t, err)

	intruder, err := NewClient(&ClientConfig{BaseURL: srv.URL, Authority: "0xintruder", Retry: fastRetry})
	require.NoError(t, err)
	_, err = intruder.InsertText(ctx, "acct", "nope")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestClient_Retry(t *testing.T) {
	t.Run("idempotent request retried on 5xx", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		defer srv.Close()

		res, err := newTestClient(t, srv.URL).Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Status)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("insert not retried on 5xx", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).InsertText(context.Background(), "acct", "x")
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("insert retried on 429", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"account_id":"acct","index":0,"root":"0x0000000000000000000000000000000000000000000000000000000000000000","leaf_count":1}`))
		}))
		defer srv.Close()

		res, err := newTestClient(t, srv.URL).InsertText(context.Background(), "acct", "x")
		require.NoError(t, err)
		assert.Equal(t, uint32(1), res.LeafCount)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).ListAccounts(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad","code":"bad_request"}`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).GetRoot(context.Background(), "acct")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "bad_request", apiErr.Code)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestClient_Subscribe(t *testing.T) {
	srv := newLedgerServer(t)
	c := newTestClient(t, srv.URL)

	_, err := c.Initialize(context.Background(), &types.InitializeRequest{AccountID: "acct", Authority: testAuthority})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *types.LeafInsertedEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "acct", func(ev *types.LeafInsertedEvent) {
			select {
			case received <- ev:
			default:
			}
		})
	}()

	// keep inserting until the subscription is live and an event arrives
	var event *types.LeafInsertedEvent
	for event == nil {
		_, err := c.InsertText(ctx, "acct", "tick")
		require.NoError(t, err)
		select {
		case event = <-received:
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
	assert.Equal(t, "acct", event.AccountID)
	assert.Equal(t, []byte("tick"), []byte(event.Leaf))

	cancel()
	assert.NoError(t, <-done)

	t.Run("unknown account", func(t *testing.T) {
		err := c.Subscribe(context.Background(), "missing", func(*types.LeafInsertedEvent) {})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	})
}
