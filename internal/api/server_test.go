package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"Oracle-Relay/internal/auth"
	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/relay"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/scheduler"
	"Oracle-Relay/internal/task"
)

type testEnv struct {
	t          *testing.T
	handler    http.Handler
	client     *relay.Client
	admin      *ecdsa.PrivateKey
	user       *ecdsa.PrivateKey
	dispatcher *ecdsa.PrivateKey
	operator   *ecdsa.PrivateKey
	tqa        common.Address
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func addrOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{t: t, admin: mustKey(t), user: mustKey(t), dispatcher: mustKey(t), operator: mustKey(t)}

	l := ledger.NewMemoryLedger()
	rt := runtime.New(l)
	tasks := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8))
	oracleProgram := oracle.NewProgram(oracle.Config{ID: oracle.DefaultProgramID, Operator: addrOf(env.operator)}, nil)
	require.NoError(t, rt.Register(oracle.DefaultProgramID, "oracle", oracleProgram))
	require.NoError(t, rt.Register(scheduler.DefaultProgramID, "scheduler", scheduler.NewProgram(scheduler.DefaultProgramID, tasks)))
	require.NoError(t, rt.Register(relay.DefaultProgramID, "relay", relay.NewProgram(relay.Config{})))

	admin := addrOf(env.admin)
	require.NoError(t, l.Seed(ctx, map[common.Address]uint64{admin: 10_000_000, addrOf(env.user): 10_000_000}))

	ix, err := oracle.InitializeInstruction(oracle.DefaultProgramID, admin)
	require.NoError(t, err)
	require.NoError(t, rt.Invoke(ctx, []common.Address{admin}, ix))
	ix, err = scheduler.InitializeTaskQueueInstruction(scheduler.DefaultProgramID, admin, admin,
		scheduler.InitializeTaskQueueArgs{Name: "relay", MinCrankReward: 1_000, Capacity: 8})
	require.NoError(t, err)
	require.NoError(t, rt.Invoke(ctx, []common.Address{admin}, ix))
	queueID := scheduler.TaskQueueAddress(scheduler.DefaultProgramID, "relay").Address
	relayAuthority := relay.QueueAuthorityAddress(relay.DefaultProgramID).Address
	ix, err = scheduler.AddQueueAuthorityInstruction(scheduler.DefaultProgramID, admin, admin, queueID, relayAuthority)
	require.NoError(t, err)
	require.NoError(t, rt.Invoke(ctx, []common.Address{admin}, ix))
	env.tqa = scheduler.TaskQueueAuthorityAddress(scheduler.DefaultProgramID, queueID, relayAuthority).Address

	roles := auth.NewMemoryStore()
	roles.Grant(admin, auth.RoleAdmin)
	roles.Grant(addrOf(env.operator), auth.RoleOracle)

	env.client = relay.NewClient(relay.Config{}, rt, queueID)
	server := NewServer(":0", Deps{Client: env.client, Invoker: rt, Tasks: tasks, Auth: auth.NewService(roles)})
	env.handler = server.Handler()
	return env
}

func (e *testEnv) do(method, path string, key *ecdsa.PrivateKey, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(e.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if key != nil {
		require.NoError(e.t, auth.SignRequest(req, key, payload, time.Now()))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code xerrors.Code) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	require.Equal(t, string(code), body["code"])
}

func TestSignedFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/initialize", env.admin,
		initializeRequest{DefaultPrompt: "Hello", SchedulerAuthority: addrOf(env.dispatcher)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	rec = env.do(http.MethodPost, "/api/v1/contexts", env.user, contextRequest{AgentDescription: "agent"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]common.Address](t, rec)
	require.Equal(t, oracle.ContextAddress(oracle.DefaultProgramID, 0).Address, created["llm_context"])

	rec = env.do(http.MethodPost, "/api/v1/treasury/fund", env.user, fundRequest{Amount: 500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/v1/dispatch", env.dispatcher, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decode[stateResponse](t, rec)
	require.Equal(t, uint64(1), state.Requests)
	require.True(t, state.HasContext)
	require.NotEqual(t, common.Address{}, state.Interaction)

	rec = env.do(http.MethodPost, "/api/v1/callbacks", env.operator,
		callbackRequest{Interaction: state.Interaction, Response: "Hi there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state = decode[stateResponse](t, rec)
	require.Equal(t, "Hi there", state.LastResponse)
	require.Equal(t, uint64(500), state.TreasuryBalance)
}

func TestUnsignedWriteRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/treasury/fund", nil, fundRequest{Amount: 1})
	requireErrorCode(t, rec, http.StatusUnauthorized, auth.CodeMissingSignature)
}

func TestReplayedRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/initialize", env.admin,
		initializeRequest{DefaultPrompt: "Hello", SchedulerAuthority: addrOf(env.dispatcher)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	payload, err := json.Marshal(fundRequest{Amount: 1_000_000})
	require.NoError(t, err)
	signed := httptest.NewRequest(http.MethodPost, "/api/v1/treasury/fund", bytes.NewReader(payload))
	require.NoError(t, auth.SignRequest(signed, env.user, payload, time.Now()))
	headers := signed.Header.Clone()

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, signed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for i := 0; i < 3; i++ {
		replay := httptest.NewRequest(http.MethodPost, "/api/v1/treasury/fund", bytes.NewReader(payload))
		replay.Header = headers.Clone()
		rec = httptest.NewRecorder()
		env.handler.ServeHTTP(rec, replay)
		requireErrorCode(t, rec, http.StatusUnauthorized, auth.CodeReplayedRequest)
	}

	balance, err := env.client.TreasuryBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), balance)
}

func TestInitializeRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/initialize", env.user,
		initializeRequest{DefaultPrompt: "Hello", SchedulerAuthority: addrOf(env.dispatcher)})
	requireErrorCode(t, rec, http.StatusForbidden, auth.CodePermissionDenied)
}

func TestDispatchByStrangerRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/initialize", env.admin,
		initializeRequest{DefaultPrompt: "Hello", SchedulerAuthority: addrOf(env.dispatcher)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/api/v1/contexts", env.user, contextRequest{AgentDescription: "agent"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/v1/dispatch", env.user, nil)
	requireErrorCode(t, rec, http.StatusForbidden, relay.CodeUnauthorized)
}

func TestCallbackRequiresOracleRole(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/callbacks", env.user,
		callbackRequest{Interaction: common.HexToAddress("0x01"), Response: "forged"})
	requireErrorCode(t, rec, http.StatusForbidden, auth.CodePermissionDenied)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/state", nil, nil)
	requireErrorCode(t, rec, http.StatusConflict, relay.CodeNotInitialized)
}

func TestPromptTooLongMapsToBadRequest(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/initialize", env.admin,
		initializeRequest{DefaultPrompt: string(bytes.Repeat([]byte("p"), 281)), SchedulerAuthority: env.tqa})
	requireErrorCode(t, rec, http.StatusBadRequest, relay.CodePromptTooLong)
}

func TestScheduleCreatesTaskRecord(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/initialize", env.admin,
		initializeRequest{DefaultPrompt: "Hello", SchedulerAuthority: env.tqa})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/api/v1/contexts", env.user, contextRequest{AgentDescription: "agent"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/v1/schedule", env.user, scheduleRequest{TaskID: 3})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	scheduled := decode[map[string]any](t, rec)
	require.Equal(t,
		scheduler.TaskAddress(scheduler.DefaultProgramID, env.client.Queue(), 3).Address.Hex(),
		common.HexToAddress(scheduled["task_account"].(string)).Hex())

	rec = env.do(http.MethodGet, "/api/v1/tasks?status=pending&queue="+env.client.Queue().Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	listed := decode[struct {
		Tasks []*task.Task `json:"tasks"`
		Stats task.TaskStats
	}](t, rec)
	require.Len(t, listed.Tasks, 1)

	rec = env.do(http.MethodGet, "/api/v1/tasks/"+listed.Tasks[0].ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[task.Task](t, rec)
	require.Equal(t, task.StatusPending, detail.Status)
}

func TestTaskQueries(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/tasks/missing", nil, nil)
	requireErrorCode(t, rec, http.StatusNotFound, task.CodeTaskNotFound)

	rec = env.do(http.MethodGet, "/api/v1/tasks?status=bogus", nil, nil)
	requireErrorCode(t, rec, http.StatusBadRequest, xerrors.CodeInvalidArgument)

	rec = env.do(http.MethodGet, "/api/v1/tasks?limit=-1", nil, nil)
	requireErrorCode(t, rec, http.StatusBadRequest, xerrors.CodeInvalidArgument)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
