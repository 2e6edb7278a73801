// Package precheck проверяет внешние предусловия stage: существование
// sibling-директорий и файлов, достижимость сервисов.
//
// Проверки read-only и выполняются непосредственно перед запуском
// владеющего stage: внешнее состояние (стартующий сервис, появившаяся
// директория) меняется между stages. Retry-политика живёт в runner'е,
// здесь каждый вызов — одна попытка с ограниченным таймаутом.
package precheck

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/immigrally/pipeline/internal/domain"
)

const defaultProbeTimeout = 5 * time.Second

// Result — результат проверки precondition.
type Result struct {
	// Satisfied — true, если precondition выполнен.
	Satisfied bool

	// Reason — для неудовлетворённых: человекочитаемая причина с именем
	// отсутствующего артефакта. Пустая для satisfied.
	Reason string
}

// Transient — можно ли ожидать, что повтор проверки даст другой результат.
// true только для service-reachable: сервис может ещё стартовать.
func Transient(pre *domain.PreconditionDef) bool {
	return pre.Kind == domain.PreconditionServiceReachable
}

// Checker проверяет preconditions.
type Checker struct {
	client *http.Client
}

// New создаёт Checker.
func New() *Checker {
	return &Checker{client: &http.Client{}}
}

// Check проверяет один precondition.
//
// directory-exists / file-exists — прямая проверка файловой системы.
// service-reachable — один GET с дедлайном; любой HTTP-ответ < 500
// означает, что сервис жив.
func (c *Checker) Check(ctx context.Context, pre *domain.PreconditionDef) Result {
	switch pre.Kind {
	case domain.PreconditionDirExists:
		return checkPath(pre.Target, true)
	case domain.PreconditionFileExists:
		return checkPath(pre.Target, false)
	case domain.PreconditionServiceReachable:
		return c.checkReachable(ctx, pre)
	default:
		return Result{Reason: fmt.Sprintf("unknown precondition kind: %s", pre.Kind)}
	}
}

// checkPath проверяет существование пути нужного вида.
func checkPath(target string, wantDir bool) Result {
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			kind := "file"
			if wantDir {
				kind = "directory"
			}
			return Result{Reason: fmt.Sprintf("missing %s: %s", kind, target)}
		}
		return Result{Reason: fmt.Sprintf("stat %s: %v", target, err)}
	}

	if wantDir && !info.IsDir() {
		return Result{Reason: fmt.Sprintf("%s exists but is not a directory", target)}
	}
	if !wantDir && info.IsDir() {
		return Result{Reason: fmt.Sprintf("%s exists but is a directory", target)}
	}

	return Result{Satisfied: true}
}

// checkReachable выполняет один probe-запрос с ограниченным таймаутом.
func (c *Checker) checkReachable(ctx context.Context, pre *domain.PreconditionDef) Result {
	ctx, cancel := context.WithTimeout(ctx, pre.Timeout(defaultProbeTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pre.Target, nil)
	if err != nil {
		return Result{Reason: fmt.Sprintf("invalid probe URL %s: %v", pre.Target, err)}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Reason: fmt.Sprintf("service unreachable: %s: %v", pre.Target, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{Reason: fmt.Sprintf("service unhealthy: %s returned HTTP %d", pre.Target, resp.StatusCode)}
	}

	return Result{Satisfied: true}
}
