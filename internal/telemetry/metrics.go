package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики регистрируются в глобальном registry и отдаются на /metrics.
var (
	// ClaimOutcomes — результаты операций claim-протокола.
	// op: reserve, commit, rollback, extend.
	ClaimOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_claim_outcomes_total",
		Help: "Claim protocol operations by operation, action and outcome",
	}, []string{"op", "action", "outcome"})

	// TasksGenerated — созданные задачи по фазе генерации.
	TasksGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_tasks_generated_total",
		Help: "Tasks generated by scheduler phase",
	}, []string{"phase", "action"})

	// TasksLeased — выданные воркерам задачи.
	TasksLeased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanout_tasks_leased_total",
		Help: "Tasks leased to workers",
	})

	// TaskReports — обработанные отчёты о результате.
	// result: done, failed, pending, duplicate.
	TaskReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_task_reports_total",
		Help: "Task result reports by action and result",
	}, []string{"action", "result"})

	// CapOverruns — действия, выполненные сверх дневного лимита аккаунта
	// (Commit вернул cap_exceeded).
	CapOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_cap_overruns_total",
		Help: "Actions performed past the account daily cap",
	}, []string{"action"})

	// PoolSelections — исходы выбора аккаунта.
	PoolSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_pool_selections_total",
		Help: "Account pool selection outcomes by mode",
	}, []string{"mode", "outcome"})

	// AccountEvents — cooldown и отключения аккаунтов.
	AccountEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_account_events_total",
		Help: "Account cooldowns and disables by reason",
	}, []string{"event", "reason"})

	// ProxyCooldowns — постановка прокси на cooldown.
	ProxyCooldowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanout_proxy_cooldowns_total",
		Help: "Proxy identities put on cooldown",
	})

	// ExecDuration — длительность вызова исполнителя.
	ExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fanout_exec_duration_seconds",
		Help:    "Execution engine call duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"action", "executor"})
)
