package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ActionCreateReport writes a JSON report file.
const ActionCreateReport = "create_report"

var ErrInvalidTitle = errors.New("executor: invalid report title")

// ReportExecutor writes <dir>/<title>.json containing the title and the
// full payload.
type ReportExecutor struct {
	dir string
}

func NewReportExecutor(dir string) *ReportExecutor {
	return &ReportExecutor{dir: dir}
}

func (r *ReportExecutor) Execute(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	title := "report"
	if t, ok := payload["title"].(string); ok && strings.TrimSpace(t) != "" {
		title = t
	}
	name, err := fileName(title)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("executor: create reports dir: %w", err)
	}
	body, err := json.MarshalIndent(map[string]any{"title": title, "payload": payload}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("executor: encode report: %w", err)
	}

	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return nil, fmt.Errorf("executor: write report: %w", err)
	}
	return map[string]any{"tool": action, "report_path": path}, nil
}

// fileName turns a title into a single path element.
func fileName(title string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(title), " ", "_")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTitle, title)
	}
	return name + ".json", nil
}
