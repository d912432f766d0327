package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	xerrors "Oracle-Relay/internal/errors"
)

var fixedNow = time.Unix(1_760_000_000, 0)

func signedRequest(t *testing.T, method, path string, body []byte, at time.Time) (*http.Request, *Subject) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if err := SignRequest(req, key, body, at); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return req, &Subject{Address: crypto.PubkeyToAddress(key.PublicKey)}
}

func TestAuthenticateRecoversSigner(t *testing.T) {
	body := []byte(`{"amount":10}`)
	req, want := signedRequest(t, http.MethodPost, "/api/v1/treasury/fund", body, fixedNow)
	roles := NewMemoryStore()
	roles.Grant(want.Address, RoleAdmin, RoleAdmin)
	svc := NewService(roles, WithClock(func() time.Time { return fixedNow.Add(time.Minute) }))

	subject, err := svc.AuthenticateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Address != want.Address {
		t.Fatalf("signer = %s, want %s", subject.Address.Hex(), want.Address.Hex())
	}
	if len(subject.Roles) != 1 || !subject.HasRole(RoleAdmin) {
		t.Fatalf("roles = %v", subject.Roles)
	}
	restored, _ := io.ReadAll(req.Body)
	if !bytes.Equal(restored, body) {
		t.Fatalf("body not restored: %s", restored)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	svc := NewService(nil, WithClock(func() time.Time { return fixedNow }), WithMaxSkew(time.Minute))

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
		_, err := svc.AuthenticateRequest(context.Background(), req)
		if !xerrors.HasCode(err, CodeMissingSignature) {
			t.Fatalf("expected missing signature, got %v", err)
		}
	})
	t.Run("stale", func(t *testing.T) {
		req, _ := signedRequest(t, http.MethodGet, "/api/v1/state", nil, fixedNow.Add(-2*time.Minute))
		_, err := svc.AuthenticateRequest(context.Background(), req)
		if !xerrors.HasCode(err, CodeStaleRequest) {
			t.Fatalf("expected stale request, got %v", err)
		}
	})
	t.Run("tampered body", func(t *testing.T) {
		req, signer := signedRequest(t, http.MethodPost, "/api/v1/schedule", []byte(`{"task_id":1}`), fixedNow)
		req.Body = io.NopCloser(bytes.NewReader([]byte(`{"task_id":2}`)))
		subject, err := svc.AuthenticateRequest(context.Background(), req)
		if err == nil && subject.Address == signer.Address {
			t.Fatalf("tampered body must not recover the original signer")
		}
	})
	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(fixedNow.Unix(), 10))
		req.Header.Set(HeaderNonce, "n-1")
		req.Header.Set(HeaderSignature, "0x1234")
		_, err := svc.AuthenticateRequest(context.Background(), req)
		if !xerrors.HasCode(err, CodeInvalidSignature) {
			t.Fatalf("expected invalid signature, got %v", err)
		}
	})
}

func TestAuthenticateRejectsReplayedNonce(t *testing.T) {
	now := fixedNow
	clock := func() time.Time { return now }
	nonces := NewMemoryNonceStore(clock)
	svc := NewService(nil, WithClock(clock), WithMaxSkew(time.Minute), WithNonceStore(nonces))

	body := []byte(`{"amount":1000000}`)
	req, signer := signedRequest(t, http.MethodPost, "/api/v1/treasury/fund", body, fixedNow)
	headers := req.Header.Clone()

	subject, err := svc.AuthenticateRequest(context.Background(), req)
	if err != nil || subject.Address != signer.Address {
		t.Fatalf("first request: %v", err)
	}

	replay := httptest.NewRequest(http.MethodPost, "/api/v1/treasury/fund", bytes.NewReader(body))
	replay.Header = headers.Clone()
	if _, err := svc.AuthenticateRequest(context.Background(), replay); !xerrors.HasCode(err, CodeReplayedRequest) {
		t.Fatalf("expected replayed request, got %v", err)
	}

	// 窗口之外的重放先被时间戳校验拒绝。
	now = fixedNow.Add(2 * time.Minute)
	late := httptest.NewRequest(http.MethodPost, "/api/v1/treasury/fund", bytes.NewReader(body))
	late.Header = headers.Clone()
	if _, err := svc.AuthenticateRequest(context.Background(), late); !xerrors.HasCode(err, CodeStaleRequest) {
		t.Fatalf("expected stale request, got %v", err)
	}

	missing := httptest.NewRequest(http.MethodPost, "/api/v1/treasury/fund", bytes.NewReader(body))
	missing.Header = headers.Clone()
	missing.Header.Del(HeaderNonce)
	if _, err := svc.AuthenticateRequest(context.Background(), missing); !xerrors.HasCode(err, CodeMissingSignature) {
		t.Fatalf("expected missing nonce rejection, got %v", err)
	}
}

func TestAuthenticateNonceIsSigned(t *testing.T) {
	svc := NewService(nil, WithClock(func() time.Time { return fixedNow }))
	req, signer := signedRequest(t, http.MethodPost, "/api/v1/dispatch", []byte(`{}`), fixedNow)
	req.Header.Set(HeaderNonce, "swapped")
	subject, err := svc.AuthenticateRequest(context.Background(), req)
	if err == nil && subject.Address == signer.Address {
		t.Fatalf("changing the nonce must not keep the original signer")
	}
}

func TestMemoryNonceStoreExpires(t *testing.T) {
	now := fixedNow
	store := NewMemoryNonceStore(func() time.Time { return now })
	ctx := context.Background()

	if fresh, _ := store.Remember(ctx, "a", time.Minute); !fresh {
		t.Fatalf("first use must be fresh")
	}
	if fresh, _ := store.Remember(ctx, "a", time.Minute); fresh {
		t.Fatalf("second use inside ttl must be rejected")
	}
	now = now.Add(2 * time.Minute)
	if fresh, _ := store.Remember(ctx, "b", time.Minute); !fresh {
		t.Fatalf("unrelated key must be fresh")
	}
	if store.Len() != 1 {
		t.Fatalf("expired keys should be pruned, len=%d", store.Len())
	}
	if fresh, _ := store.Remember(ctx, "a", time.Minute); !fresh {
		t.Fatalf("expired key must be accepted again")
	}
}

type fakeRedis struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, _ any, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = expiration
	cmd.SetVal(true)
	return cmd
}

func TestRedisNonceStore(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{keys: make(map[string]time.Duration)}
	store := NewRedisNonceStore(fake, "")

	fresh, err := store.Remember(ctx, "0xabc:n", 30*time.Second)
	if err != nil || !fresh {
		t.Fatalf("first remember: fresh=%v err=%v", fresh, err)
	}
	if ttl := fake.keys["oracle-relay:nonce:0xabc:n"]; ttl != 30*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	if fresh, _ := store.Remember(ctx, "0xabc:n", 30*time.Second); fresh {
		t.Fatalf("duplicate nonce must be rejected")
	}

	fake.err = errors.New("connection refused")
	if _, err := store.Remember(ctx, "0xabc:m", time.Second); !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	roles := NewMemoryStore()
	svc := NewService(roles, WithClock(func() time.Time { return fixedNow }))
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredRoles: []Role{RoleOracle}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req, signer := signedRequest(t, http.MethodPost, "/api/v1/callbacks", []byte(`{}`), fixedNow)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	roles.Grant(signer.Address, RoleOracle)
	req, _ = signedRequest(t, http.MethodPost, "/api/v1/callbacks", []byte(`{}`), fixedNow)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("fresh key without role: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/callbacks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned: status = %d", rec.Code)
	}
	if seen != nil {
		t.Fatalf("handler must not run for rejected requests")
	}
}

func TestMiddlewarePassesSubject(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	roles := NewMemoryStore()
	roles.Grant(addr, RoleOracle)
	svc := NewService(roles, WithClock(func() time.Time { return fixedNow }))

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredRoles: []Role{RoleOracle}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	body := []byte(`{"response":"42"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks", bytes.NewReader(body))
	if err := SignRequest(req, key, body, fixedNow); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if seen == nil || seen.Address != addr {
		t.Fatalf("subject not propagated: %+v", seen)
	}

	roles.Revoke(addr)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/callbacks", bytes.NewReader(body))
	_ = SignRequest(req, key, body, fixedNow)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("revoked: status = %d", rec.Code)
	}
}
