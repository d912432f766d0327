package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"Oracle-Relay/internal/api"
	"Oracle-Relay/internal/auth"
	"Oracle-Relay/internal/config"
	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/llm"
	"Oracle-Relay/internal/llm/openai"
	"Oracle-Relay/internal/observability/alerting"
	"Oracle-Relay/internal/observability/metrics"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/oracle/local"
	"Oracle-Relay/internal/oracle/remote"
	"Oracle-Relay/internal/relay"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/scheduler"
	"Oracle-Relay/internal/storage/mysql"
	"Oracle-Relay/internal/storage/sqlite"
	"Oracle-Relay/internal/task"
	"Oracle-Relay/pkg/logger"
)

// main 是 oracle-relayd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("oracle-relayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	log := logger.Named("oracle-relayd")

	l, ledgerDB, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Seed(ctx, cfg.GenesisBalances()); err != nil {
		return err
	}

	collector := metrics.New()
	rt := runtime.New(l, runtime.WithRecorder(collector), runtime.WithMaxDepth(cfg.Runtime.MaxDepth))

	taskStore, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	taskQueue, err := openQueue(cfg)
	if err != nil {
		taskStore.Close()
		return err
	}
	tasks := task.NewService(taskStore, taskQueue)
	defer tasks.Close()

	oracleID := addressOr(cfg.Oracle.ProgramID, oracle.DefaultProgramID)
	schedulerID := addressOr(cfg.Scheduler.ProgramID, scheduler.DefaultProgramID)
	relayCfg := relay.Config{
		ID:               addressOr(cfg.Relay.ProgramID, relay.DefaultProgramID),
		OracleProgram:    oracleID,
		SchedulerProgram: schedulerID,
	}
	operator := config.Address(cfg.Oracle.Operator)

	var localOracle *local.Oracle
	var remoteOracle *remote.Backend
	var backend oracle.Backend
	switch cfg.Oracle.Driver {
	case "remote":
		remoteOracle, err = remote.New(remote.Config{
			BaseURL:           cfg.Oracle.Remote.BaseURL,
			APIKey:            config.ResolveSecret(cfg.Oracle.Remote.APIKey, cfg.Oracle.Remote.APIKeyEnv),
			Program:           oracleID,
			Timeout:           cfg.Oracle.Remote.Timeout,
			Ledger:            l,
			ReconcileInterval: cfg.Oracle.Remote.ReconcileInterval,
		})
		if err != nil {
			return err
		}
		backend = remoteOracle
	default:
		client, err := createLLMClient(cfg.Oracle.LLM)
		if err != nil {
			return err
		}
		localOracle = local.New(local.Config{
			Program:          oracleID,
			Operator:         operator,
			MaxResponseBytes: relay.MaxResponseLength,
			Timeout:          cfg.Oracle.Timeout,
			Workers:          cfg.Oracle.Workers,
			SweepInterval:    cfg.Oracle.SweepInterval,
		}, rt, client, local.WithObserver(collector))
		backend = localOracle
	}

	programs := []struct {
		id      common.Address
		name    string
		program runtime.Program
	}{
		{oracleID, "oracle", oracle.NewProgram(oracle.Config{ID: oracleID, Operator: operator, InteractionFee: cfg.Oracle.InteractionFee}, backend)},
		{schedulerID, "scheduler", scheduler.NewProgram(schedulerID, tasks)},
		{relayCfg.ID, "relay", relay.NewProgram(relayCfg, relay.WithObserver(collector))},
	}
	for _, p := range programs {
		if err := rt.Register(p.id, p.name, p.program); err != nil {
			return err
		}
	}

	queueID := scheduler.TaskQueueAddress(schedulerID, cfg.Scheduler.QueueName).Address
	if err := bootstrap(ctx, rt, cfg, relayCfg, queueID); err != nil {
		return err
	}
	relayClient := relay.NewClient(relayCfg, rt, queueID)

	fanout := alerting.NewFanout(alerting.AuditNotifier{}, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	fanout.MinSeverity = xerrors.Severity(cfg.Alerting.MinSeverity)
	processor := task.NewProcessor(
		scheduler.NewCrank(schedulerID, config.Address(cfg.Scheduler.Crank), rt),
		taskStore, taskQueue,
		task.WithWorkerCount(cfg.Scheduler.Workers),
		task.WithAlertDispatcher(fanout),
		task.WithTaskObserver(collector),
	)

	roles, err := openRoleStore(ctx, cfg, ledgerDB, operator)
	if err != nil {
		return err
	}
	nonces, closeNonces, err := openNonceStore(ctx, cfg.Auth.Nonces)
	if err != nil {
		return err
	}
	defer closeNonces()
	server := api.NewServer(cfg.Server.Address, api.Deps{
		Client:  relayClient,
		Invoker: rt,
		Tasks:   tasks,
		Auth:    auth.NewService(roles, auth.WithMaxSkew(cfg.Server.MaxClockSkew), auth.WithNonceStore(nonces)),
	}, api.WithObserver(collector), api.WithMetricsHandler(metricsHandlerIf(cfg.Server.MetricsAddress == "", collector)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("后台组件异常退出", slog.String("component", name), slog.Any("error", err))
				cancel()
			}
		}()
	}
	background("task.processor", processor.Start)
	if localOracle != nil {
		background("oracle.local", localOracle.Run)
	}
	if remoteOracle != nil {
		background("oracle.remote", remoteOracle.Run)
	}
	if cfg.Server.MetricsAddress != "" {
		background("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.Server.MetricsAddress, collector.Handler())
		})
	}

	log.Info("oracle-relayd 已启动",
		slog.String("relay_program", relayCfg.ID.Hex()),
		slog.String("queue", queueID.Hex()),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("oracle", cfg.Oracle.Driver))
	err = server.Start(ctx)
	cancel()
	wg.Wait()
	return err
}

// openLedger 打开账本，SQL 后端同时返回连接供角色表复用。
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, *sql.DB, error) {
	var (
		db      *sql.DB
		dialect ledger.Dialect
		err     error
	)
	switch cfg.Ledger.Driver {
	case "mysql":
		db, err = mysql.Open(ctx, cfg.Ledger.MySQL)
		dialect = ledger.MySQL
	case "sqlite":
		db, err = sqlite.Open(ctx, cfg.Ledger.SQLitePath)
		dialect = ledger.SQLite
	default:
		return ledger.NewMemoryLedger(), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	l, err := ledger.NewSQLLedger(db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return l, db, nil
}

// openRoleStore 汇总配置中的角色。SQL 账本下角色持久化到 relay_roles 表，
// 配置只负责补充，运维在库中追加的授权在重启后依然有效。
func openRoleStore(ctx context.Context, cfg *config.Config, db *sql.DB, operator common.Address) (auth.RoleStore, error) {
	grants := make(map[common.Address][]auth.Role)
	for _, addr := range cfg.Auth.Admins {
		a := common.HexToAddress(addr)
		grants[a] = append(grants[a], auth.RoleAdmin)
	}
	for _, addr := range cfg.Auth.Oracles {
		a := common.HexToAddress(addr)
		grants[a] = append(grants[a], auth.RoleOracle)
	}
	if operator != (common.Address{}) {
		grants[operator] = append(grants[operator], auth.RoleOracle)
	}

	if db != nil {
		store, err := mysql.NewSQLAuthStore(db, cfg.Ledger.Driver)
		if err != nil {
			return nil, err
		}
		if err := store.ApplySeed(ctx, grants); err != nil {
			return nil, err
		}
		return store, nil
	}
	store := auth.NewMemoryStore()
	for addr, roles := range grants {
		store.Grant(addr, roles...)
	}
	return store, nil
}

func openNonceStore(ctx context.Context, cfg config.NonceConfig) (auth.NonceStore, func(), error) {
	if cfg.Driver != "redis" {
		return auth.NewMemoryNonceStore(nil), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 nonce Redis 失败")
	}
	return auth.NewRedisNonceStore(client, ""), func() { _ = client.Close() }, nil
}

func openTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Scheduler.TaskStore.Driver {
	case "mysql":
		db, err := mysql.Open(ctx, cfg.Scheduler.TaskStore.MySQL)
		if err != nil {
			return nil, err
		}
		return task.NewSQLStore(db)
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Scheduler.TaskStore.SQLitePath)
		if err != nil {
			return nil, err
		}
		return task.NewSQLStore(db)
	default:
		return task.NewMemoryStore(), nil
	}
}

func openQueue(cfg *config.Config) (task.Queue, error) {
	q := cfg.Scheduler.Queue
	switch q.Driver {
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   q.Redis.Address,
			Password:  q.Redis.Password,
			DB:        q.Redis.DB,
			Queue:     q.Redis.Queue,
			BlockWait: q.Redis.BlockWait,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:                q.RabbitMQ.URL,
			Queue:              q.RabbitMQ.Queue,
			Prefetch:           q.RabbitMQ.Prefetch,
			Durable:            q.RabbitMQ.Durable,
			AutoDelete:         q.RabbitMQ.AutoDelete,
			DeadLetterExchange: q.RabbitMQ.DeadLetterExchange,
		})
	default:
		return task.NewMemoryQueue(q.Size), nil
	}
}

func createLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		apiKey := config.ResolveSecret(cfg.APIKey, cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	default:
		return llm.StaticClient{Reply: cfg.Reply}, nil
	}
}

// bootstrap 创建预言机计数器、调度队列与中继的队列授权。重启时已存在的账户会被跳过。
func bootstrap(ctx context.Context, rt *runtime.Runtime, cfg *config.Config, relayCfg relay.Config, queueID common.Address) error {
	payer := config.Address(cfg.Scheduler.UpdateAuthority)
	if payer == (common.Address{}) {
		return errors.New("scheduler.update_authority 未配置，无法完成启动初始化")
	}
	relayAuthority := relay.QueueAuthorityAddress(relayCfg.ID).Address

	steps := []struct {
		name  string
		build func() (runtime.Instruction, error)
	}{
		{"oracle.initialize", func() (runtime.Instruction, error) {
			return oracle.InitializeInstruction(relayCfg.OracleProgram, payer)
		}},
		{"scheduler.initialize_task_queue", func() (runtime.Instruction, error) {
			return scheduler.InitializeTaskQueueInstruction(relayCfg.SchedulerProgram, payer, payer, scheduler.InitializeTaskQueueArgs{
				Name:           cfg.Scheduler.QueueName,
				MinCrankReward: cfg.Scheduler.MinCrankReward,
				Capacity:       cfg.Scheduler.Capacity,
			})
		}},
		{"scheduler.add_queue_authority", func() (runtime.Instruction, error) {
			return scheduler.AddQueueAuthorityInstruction(relayCfg.SchedulerProgram, payer, payer, queueID, relayAuthority)
		}},
	}
	if cfg.Relay.Bootstrap {
		tqa := scheduler.TaskQueueAuthorityAddress(relayCfg.SchedulerProgram, queueID, relayAuthority).Address
		steps = append(steps, struct {
			name  string
			build func() (runtime.Instruction, error)
		}{"relay.initialize", func() (runtime.Instruction, error) {
			return relay.InitializeInstruction(relayCfg, payer, relay.InitializeArgs{
				DefaultPrompt:      cfg.Relay.DefaultPrompt,
				TaskQueueAuthority: tqa,
			})
		}})
	}

	log := logger.Named("bootstrap")
	for _, step := range steps {
		ix, err := step.build()
		if err != nil {
			return err
		}
		err = rt.Invoke(ctx, []common.Address{payer}, ix)
		switch {
		case err == nil:
			log.Info("启动初始化完成", slog.String("step", step.name))
		case xerrors.HasCode(err, ledger.CodeAccountExists):
			log.Debug("账户已存在，跳过", slog.String("step", step.name))
		default:
			return fmt.Errorf("%s 失败: %w", step.name, err)
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// metricsHandlerIf 在未配置独立指标端口时把 /metrics 挂到 API 上。
func metricsHandlerIf(enabled bool, collector *metrics.Collector) http.Handler {
	if !enabled {
		return nil
	}
	return collector.Handler()
}

func addressOr(value string, fallback common.Address) common.Address {
	if addr := config.Address(value); addr != (common.Address{}) {
		return addr
	}
	return fallback
}
