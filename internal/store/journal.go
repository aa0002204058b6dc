package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	"battery-test-bench/internal/types"
)

// journalEntry 日志文件中的一条记录
// JOB/TASK 是完整快照 (后写覆盖先写)，SAMPLES 是按任务追加的采样批次
type journalEntry struct {
	Type    string          `json:"type"` // "JOB" / "TASK" / "SAMPLES"
	Job     *types.WorkJob  `json:"job,omitempty"`
	Task    *types.JobTask  `json:"task,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	Samples []types.Sample  `json:"samples,omitempty"`
}

// Journal 预写日志：作业与任务的快照 + 采样批次，逐行 JSON
// 重放时后写的快照覆盖先写的，采样按顺序拼接
type Journal struct {
	file *os.File
	mu   sync.Mutex
}

// OpenJournal 创建或打开日志文件
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

func (j *Journal) append(entry journalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 立即落盘，掉电后可恢复
	return j.file.Sync()
}

// AppendJob 写入作业快照
func (j *Journal) AppendJob(job *types.WorkJob) error {
	return j.append(journalEntry{Type: "JOB", Job: job})
}

// AppendTask 写入任务快照
func (j *Journal) AppendTask(task *types.JobTask) error {
	return j.append(journalEntry{Type: "TASK", Task: task})
}

// AppendSamples 写入采样批次
func (j *Journal) AppendSamples(taskID string, samples []types.Sample) error {
	return j.append(journalEntry{Type: "SAMPLES", TaskID: taskID, Samples: samples})
}

// RecoveredState 重放结果
type RecoveredState struct {
	Jobs  map[string]*types.WorkJob
	Tasks map[string]*types.JobTask
}

// Recover 从头重放日志，系统启动时调用一次
func (j *Journal) Recover() (*RecoveredState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	state := &RecoveredState{
		Jobs:  make(map[string]*types.WorkJob),
		Tasks: make(map[string]*types.JobTask),
	}

	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 跳过损坏的行
			continue
		}
		switch entry.Type {
		case "JOB":
			if entry.Job != nil {
				state.Jobs[entry.Job.ID] = entry.Job
			}
		case "TASK":
			if entry.Task != nil {
				// 快照不含采样，保留此前重放出的采样数据
				if prev, ok := state.Tasks[entry.Task.ID]; ok && entry.Task.Samples == nil {
					entry.Task.Samples = prev.Samples
				}
				state.Tasks[entry.Task.ID] = entry.Task
			}
		case "SAMPLES":
			if task, ok := state.Tasks[entry.TaskID]; ok {
				task.Samples = append(task.Samples, entry.Samples...)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return state, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
