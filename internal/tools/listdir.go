package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"crabstack.local/projects/crab-core/internal/types"
)

const (
	ListDirName       = "list_dir"
	maxListDirEntries = 1000
)

type ListDir struct{}

func NewListDir() *ListDir { return &ListDir{} }

func (t *ListDir) Name() string { return ListDirName }

func (t *ListDir) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        ListDirName,
		Description: "List the entries of a directory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute directory path"}},"required":["path"],"additionalProperties":false}`),
		SubjectArg:  "path",
		SubjectKind: types.SubjectPath,
	}
}

type dirEntry struct {
	Name  string `json:"name"`
	Dir   bool   `json:"dir"`
	Size  int64  `json:"size,omitempty"`
	Links bool   `json:"symlink,omitempty"`
}

type listDirResult struct {
	Path      string     `json:"path"`
	Entries   []dirEntry `json:"entries"`
	Truncated bool       `json:"truncated,omitempty"`
}

func (t *ListDir) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	path, err := stringArg(call.Args, "path")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}

	result := listDirResult{Path: path, Entries: make([]dirEntry, 0, min(len(entries), maxListDirEntries))}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(result.Entries) == maxListDirEntries {
			result.Truncated = true
			break
		}
		item := dirEntry{
			Name:  entry.Name(),
			Dir:   entry.IsDir(),
			Links: entry.Type()&os.ModeSymlink != 0,
		}
		if !item.Dir {
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		result.Entries = append(result.Entries, item)
	}
	return marshalPayload(result, call.limit())
}
