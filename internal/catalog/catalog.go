package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
)

// ProblemSource: таблица задач (postgres problems).
type ProblemSource interface {
	Exists(ctx context.Context, problemID string) (bool, error)
}

// Catalog: read-only справочник задач. Без источника принимает любой непустой id.
type Catalog struct {
	src ProblemSource
}

func New(src ProblemSource) *Catalog {
	return &Catalog{src: src}
}

// Check возвращает ErrProblemNotFound для неизвестной задачи.
func (c *Catalog) Check(ctx context.Context, problemID string) error {
	problemID = strings.TrimSpace(problemID)
	if problemID == "" {
		return domain.ErrProblemNotFound
	}
	if c == nil || c.src == nil {
		return nil
	}
	ok, err := c.src.Exists(ctx, problemID)
	if err != nil {
		return fmt.Errorf("catalog: lookup %q: %w", problemID, err)
	}
	if !ok {
		return domain.ErrProblemNotFound
	}
	return nil
}
