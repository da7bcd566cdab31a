package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"crabstack.local/projects/crab-core/internal/types"
)

const ReadFileName = "read_file"

type ReadFile struct{}

func NewReadFile() *ReadFile { return &ReadFile{} }

func (t *ReadFile) Name() string { return ReadFileName }

func (t *ReadFile) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        ReadFileName,
		Description: "Read a text file from an allowed directory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute file path"}},"required":["path"],"additionalProperties":false}`),
		SubjectArg:  "path",
		SubjectKind: types.SubjectPath,
	}
}

type readFileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Bytes   int    `json:"bytes"`
}

func (t *ReadFile) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	path, err := stringArg(call.Args, "path")
	if err != nil {
		return nil, err
	}
	limit := call.limit()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidArgs, path)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrOutputLimit, info.Size())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: file grew past %d bytes", ErrOutputLimit, limit)
	}
	return marshalPayload(readFileResult{Path: path, Content: string(data), Bytes: len(data)}, limit)
}
