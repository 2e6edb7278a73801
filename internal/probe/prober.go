// Package probe — post-run smoke test сервиса, собранного пайплайном.
//
// Prober опрашивает liveness endpoint с экспоненциальным backoff'ом
// (старт сервиса не мгновенный — один запрос недостаточен), затем
// выполняет один функциональный запрос roadmap и проверяет форму ответа.
// Если prober сам запустил сервис, процесс гарантированно останавливается
// на каждом пути выхода, включая проваленный probe и отмену.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/immigrally/pipeline/internal/domain"
)

// Defaults.
const (
	defaultHealthPath   = "/health"
	defaultRoadmapUser  = "u_dummy_001"
	defaultMaxAttempts  = 10
	defaultHTTPTimeout  = 5 * time.Second
	initialPollDelay    = 500 * time.Millisecond
	maxPollDelay        = 8 * time.Second
	shutdownGraceWindow = 10 * time.Second
)

// Result — исход probe.
type Result struct {
	// Healthy — true, если liveness и функциональная проверка прошли.
	Healthy bool

	// Detail — для unhealthy: что именно не так (какой endpoint, какое поле).
	Detail string

	// TotalGoals — значение total_goals из функционального ответа.
	TotalGoals int
}

// Prober выполняет smoke test planner API.
type Prober struct {
	spec   *domain.ProbeSpec
	client *http.Client
	logger *slog.Logger
}

// New создаёт Prober.
func New(spec *domain.ProbeSpec, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		spec:   spec,
		client: &http.Client{},
		logger: logger,
	}
}

// Probe выполняет полный smoke test.
//
// Порядок: (опционально) старт сервиса → liveness poll с backoff →
// функциональный запрос roadmap. Любой запущенный процесс останавливается
// до возврата.
func (p *Prober) Probe(ctx context.Context) Result {
	if p.spec.Start != nil {
		proc, err := p.startService(ctx)
		if err != nil {
			return Result{Detail: fmt.Sprintf("start service: %v", err)}
		}
		defer p.stopService(proc)
	}

	if res := p.pollLiveness(ctx); !res.Healthy {
		return res
	}

	return p.checkRoadmap(ctx)
}

// startService запускает процесс сервиса.
func (p *Prober) startService(ctx context.Context) (*exec.Cmd, error) {
	start := p.spec.Start
	cmd := exec.CommandContext(ctx, start.Program, start.Args...)
	cmd.Dir = start.Dir
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p.logger.Info("service started", "program", start.Program, "pid", cmd.Process.Pid)
	return cmd, nil
}

// stopService останавливает запущенный prober'ом процесс: SIGTERM,
// через grace window — SIGKILL.
func (p *Prober) stopService(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	p.logger.Info("stopping service", "pid", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGraceWindow):
		p.logger.Warn("service did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}

// pollLiveness опрашивает liveness endpoint с экспоненциальным backoff'ом.
func (p *Prober) pollLiveness(ctx context.Context) Result {
	url := p.baseURL() + p.healthPath()
	attempts := p.spec.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	delay := initialPollDelay
	var lastErr string

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Result{Detail: "probe cancelled"}
			case <-time.After(delay):
			}
			delay = min(delay*2, maxPollDelay)
		}

		status, _, err := p.get(ctx, url)
		if err != nil {
			lastErr = err.Error()
			p.logger.Debug("liveness attempt failed", "attempt", i+1, "error", err)
			continue
		}
		if status == http.StatusOK {
			p.logger.Info("service is live", "url", url, "attempts", i+1)
			return Result{Healthy: true}
		}
		lastErr = fmt.Sprintf("HTTP %d", status)
	}

	return Result{Detail: fmt.Sprintf("liveness check failed after %d attempts: %s: %s", attempts, url, lastErr)}
}

// checkRoadmap выполняет один функциональный запрос и проверяет форму ответа.
func (p *Prober) checkRoadmap(ctx context.Context) Result {
	user := p.spec.RoadmapUser
	if user == "" {
		user = defaultRoadmapUser
	}
	url := fmt.Sprintf("%s/api/v1/roadmap/%s", p.baseURL(), user)

	status, body, err := p.get(ctx, url)
	if err != nil {
		return Result{Detail: fmt.Sprintf("roadmap request failed: %v", err)}
	}
	if status != http.StatusOK {
		return Result{Detail: fmt.Sprintf("roadmap returned HTTP %d", status)}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{Detail: fmt.Sprintf("roadmap response is not JSON: %v", err)}
	}

	raw, ok := payload["total_goals"]
	if !ok {
		return Result{Detail: "missing field total_goals"}
	}
	total, ok := raw.(float64)
	if !ok {
		return Result{Detail: fmt.Sprintf("field total_goals has wrong type %T", raw)}
	}

	p.logger.Info("roadmap smoke test passed", "user", user, "total_goals", int(total))
	return Result{Healthy: true, TotalGoals: int(total)}
}

// get выполняет один GET с дедлайном.
func (p *Prober) get(ctx context.Context, url string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.spec.Timeout(defaultHTTPTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// baseURL возвращает базовый адрес сервиса без trailing slash.
func (p *Prober) baseURL() string {
	return strings.TrimRight(p.spec.BaseURL, "/")
}

// healthPath возвращает liveness path (default: /health).
func (p *Prober) healthPath() string {
	if p.spec.HealthPath != "" {
		return p.spec.HealthPath
	}
	return defaultHealthPath
}
