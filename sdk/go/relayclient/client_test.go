package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Oracle-Relay/internal/auth"
)

func TestPostSignsRequest(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/treasury/fund" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get(auth.HeaderTimestamp), 10, 64)
		got, err := auth.Recover(auth.SignatureMessage(r.Method, r.URL.Path, ts, r.Header.Get(auth.HeaderNonce), body), r.Header.Get(auth.HeaderSignature))
		if err != nil || got != want {
			t.Errorf("signature recovered %s (%v), want %s", got.Hex(), err, want.Hex())
		}
		var req struct {
			Amount uint64 `json:"amount"`
		}
		_ = json.Unmarshal(body, &req)
		_ = json.NewEncoder(w).Encode(Treasury{Balance: req.Amount})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, key, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Address() != want {
		t.Fatalf("address = %s", client.Address().Hex())
	}
	out, err := client.FundTreasury(context.Background(), 42)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if out.Balance != 42 {
		t.Fatalf("balance = %d", out.Balance)
	}
}

func TestReadOnlyClientCannotWrite(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Dispatch(context.Background()); err == nil {
		t.Fatalf("expected error without signing key")
	}
}

func TestAPIErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"RELAY_NOT_INITIALIZED","message":"relay state not initialized"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil, WithHTTPClient(srv.Client()))
	_, err := client.State(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "RELAY_NOT_INITIALIZED" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestListTasksEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "failed" || q.Get("limit") != "5" || q.Get("queue") != "0xabc" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(TaskList{
			Tasks: []Task{{ID: "t1", Status: "failed"}},
			Stats: TaskStats{Total: 1, Failed: 1},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil, WithHTTPClient(srv.Client()))
	list, err := client.ListTasks(context.Background(), TaskFilter{Status: "failed", Queue: "0xabc", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Stats.Failed != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCallbackPayload(t *testing.T) {
	key, _ := crypto.GenerateKey()
	interaction := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Interaction common.Address `json:"interaction"`
			Response    string         `json:"response"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Interaction != interaction || req.Response != "42" {
			t.Errorf("unexpected payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(State{LastResponse: req.Response})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, key, WithHTTPClient(srv.Client()))
	state, err := client.Callback(context.Background(), interaction, "42")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if state.LastResponse != "42" {
		t.Fatalf("last response = %q", state.LastResponse)
	}
}
