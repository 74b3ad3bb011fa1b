// Package pythonbridge 通过子进程调用 Python 侧的 Magentic-One 运行脚本。
// 脚本从 stdin 读取任务描述，按 NDJSON 逐行输出执行过程中的消息，
// 最后输出一条汇总记录。
package pythonbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "Magentic-Gateway/internal/errors"
	"Magentic-Gateway/internal/orchestrator"
)

// Client 通过执行 Python 脚本驱动多智能体编排。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// wireRecord 是脚本输出的一行 NDJSON。
type wireRecord struct {
	Type             string  `json:"type"`
	Source           string  `json:"source,omitempty"`
	Kind             string  `json:"kind,omitempty"`
	Content          string  `json:"content,omitempty"`
	PromptTokens     int64   `json:"prompt_tokens,omitempty"`
	CompletionTokens int64   `json:"completion_tokens,omitempty"`
	ExecutionSeconds float64 `json:"execution_time,omitempty"`
	Message          string  `json:"message,omitempty"`
}

const (
	recordMessage = "message"
	recordResult  = "result"
	recordError   = "error"
)

// base64 截图可能超过 1MB，逐行读取时需要放宽缓冲上限。
const maxLineBytes = 16 << 20

// RunStream 启动脚本执行任务，逐行解析输出并通过 emit 回传消息。
func (c *Client) RunStream(ctx context.Context, req orchestrator.RunRequest, emit orchestrator.EmitFunc) (*orchestrator.Outcome, error) {
	payload := map[string]any{
		"task_id":    req.TaskID,
		"prompt":     req.Prompt,
		"model_name": req.Model,
		"use_aoai":   req.UseAzureOpenAI,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOrchestratorFailure, err, "序列化编排请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stderr bytes.Buffer
	command.Stderr = &stderr

	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOrchestratorFailure, err, "创建 stdout 管道失败")
	}
	if err := command.Start(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOrchestratorFailure, err, "启动 Python 脚本失败")
	}

	outcome := &orchestrator.Outcome{}
	var runErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		record, err := parseLine(line)
		if err != nil {
			// 脚本可能向 stdout 打印诊断信息，忽略无法解析的行。
			continue
		}
		switch record.Type {
		case recordMessage:
			event := eventFromRecord(record)
			outcome.Events = append(outcome.Events, event)
			if emit != nil {
				emit(event)
			}
		case recordResult:
			outcome.PromptTokens = record.PromptTokens
			outcome.CompletionTokens = record.CompletionTokens
			outcome.ExecutionSeconds = record.ExecutionSeconds
		case recordError:
			runErr = xerrors.New(xerrors.CodeOrchestratorFailure, record.Message)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil && runErr == nil {
		runErr = xerrors.Wrap(xerrors.CodeOrchestratorFailure, scanErr, "读取脚本输出失败")
	}

	if waitErr := command.Wait(); waitErr != nil && runErr == nil {
		runErr = xerrors.Wrap(xerrors.CodeOrchestratorFailure, waitErr,
			fmt.Sprintf("Python 脚本执行失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}
	if runErr != nil {
		return nil, runErr
	}
	return outcome, nil
}

func parseLine(line []byte) (wireRecord, error) {
	var record wireRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return wireRecord{}, err
	}
	if record.Type == "" {
		return wireRecord{}, fmt.Errorf("缺少 type 字段")
	}
	return record, nil
}

func eventFromRecord(record wireRecord) orchestrator.Event {
	kind := orchestrator.EventKind(record.Kind)
	if kind != orchestrator.EventImage {
		kind = orchestrator.EventText
	}
	return orchestrator.Event{
		Source:           record.Source,
		Kind:             kind,
		Content:          record.Content,
		PromptTokens:     record.PromptTokens,
		CompletionTokens: record.CompletionTokens,
	}
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ orchestrator.Client = (*Client)(nil)
