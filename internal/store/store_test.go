package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-test-bench/internal/types"
)

func newJob(id string) *types.WorkJob {
	return &types.WorkJob{
		ID:            id,
		BatterySerial: "SN1234",
		PartNumber:    "023220-000",
		Station:       3,
		Status:        types.JobPending,
		CreatedAt:     time.Now(),
	}
}

func TestJobStatusTransitionsValidated(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("job-1")))

	// pending 不能直接 completed
	assert.Error(t, s.UpdateJobStatus(ctx, "job-1", types.JobCompleted))

	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", types.JobInProgress))
	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", types.JobCompleted))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	// 终态不可再转移
	assert.Error(t, s.UpdateJobStatus(ctx, "job-1", types.JobFailed))
}

func TestSetJobResultWriteOnce(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("job-1")))

	require.NoError(t, s.SetJobResult(ctx, "job-1", types.OverallFail, "容量不足"))
	assert.Error(t, s.SetJobResult(ctx, "job-1", types.OverallPass, ""))

	job, _ := s.GetJob(ctx, "job-1")
	assert.Equal(t, types.OverallFail, job.OverallResult)
	assert.Equal(t, "容量不足", job.FailureReason)
}

func TestTasksOrderedByNumber(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateTasks(ctx, []*types.JobTask{
		{ID: "t2", JobID: "job-1", TaskNumber: 2, Status: types.TaskPending},
		{ID: "t1", JobID: "job-1", TaskNumber: 1, Status: types.TaskPending},
		{ID: "x", JobID: "job-2", TaskNumber: 1, Status: types.TaskPending},
	}))

	list, err := s.ListTasks(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t1", list[0].ID)
	assert.Equal(t, "t2", list[1].ID)
}

func TestTaskSnapshotDoesNotAliasStore(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateTasks(ctx, []*types.JobTask{
		{ID: "t1", JobID: "job-1", TaskNumber: 1, Status: types.TaskPending},
	}))
	require.NoError(t, s.SetTaskResult(ctx, "t1", types.ResultPass,
		map[string]float64{"capacity_mah": 2290}, "", ""))

	// 改写快照里的测量值不能影响存储
	snap, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	snap.MeasuredValues["capacity_mah"] = 1

	cur, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2290.0, cur.MeasuredValues["capacity_mah"])

	list, err := s.ListTasks(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	list[0].MeasuredValues["capacity_mah"] = 2
	cur, _ = s.GetTask(ctx, "t1")
	assert.Equal(t, 2290.0, cur.MeasuredValues["capacity_mah"])
}

func TestJournalRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.journal")
	ctx := context.Background()

	j, err := OpenJournal(path)
	require.NoError(t, err)
	s := New(j)

	require.NoError(t, s.CreateJob(ctx, newJob("job-1")))
	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", types.JobInProgress))
	require.NoError(t, s.CreateTasks(ctx, []*types.JobTask{
		{ID: "t1", JobID: "job-1", TaskNumber: 1, StepType: types.StepCharge, Status: types.TaskPending},
	}))
	require.NoError(t, s.UpdateTaskStatus(ctx, "t1", types.TaskInProgress))
	require.NoError(t, s.AppendTaskSamples(ctx, "t1", []types.Sample{
		{ElapsedSec: 10, VoltageMV: 24000, CurrentMA: 230, TempC: 22.5},
		{ElapsedSec: 20, VoltageMV: 24100, CurrentMA: 230, TempC: 22.6},
	}))
	require.NoError(t, j.Close())

	// 模拟重启：重新打开日志并恢复
	j2, err := OpenJournal(path)
	require.NoError(t, err)
	s2 := New(j2)
	require.NoError(t, s2.Recover())

	job, err := s2.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobInProgress, job.Status)

	task, err := s2.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, task.Status)
	require.Len(t, task.Samples, 2)
	assert.Equal(t, 24100.0, task.Samples[1].VoltageMV)

	// 恢复后的写入必须落在文件末尾，再次重放不丢数据
	require.NoError(t, s2.AppendTaskSamples(ctx, "t1", []types.Sample{
		{ElapsedSec: 30, VoltageMV: 24200, CurrentMA: 230, TempC: 22.7},
	}))
	require.NoError(t, j2.Close())

	j3, err := OpenJournal(path)
	require.NoError(t, err)
	defer j3.Close()
	s3 := New(j3)
	require.NoError(t, s3.Recover())
	task, err = s3.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, task.Samples, 3)
	assert.Equal(t, 24200.0, task.Samples[2].VoltageMV)
}

func TestApplicabilityTableLookup(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	s.AddTechPub(&types.TechPub{ID: 1, CMMNumber: "24-35-41", Active: true})
	s.AddTechPub(&types.TechPub{ID: 2, CMMNumber: "24-35-99", Active: true})
	s.AddApplicability(
		types.Applicability{TechPubID: 1, PartNumber: "023220-000"},
		types.Applicability{TechPubID: 2, PartNumber: "023220-000", Amendment: "D"},
	)

	// 精确修订匹配优先
	pub, err := s.FindTechPubByPart(ctx, "023220-000", "D")
	require.NoError(t, err)
	assert.Equal(t, "24-35-99", pub.CMMNumber)

	// 无精确行时退回通配行
	pub, err = s.FindTechPubByPart(ctx, "023220-000", "A")
	require.NoError(t, err)
	assert.Equal(t, "24-35-41", pub.CMMNumber)

	// 表中没有的零件号
	pub, err = s.FindTechPubByPart(ctx, "999999-000", "A")
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestProfileLookup(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	s.AddProfile(&types.BatteryProfile{ID: 1, PartNumber: "023220-000", Active: true})
	s.AddProfile(&types.BatteryProfile{ID: 2, PartNumber: "023220-000", Amendment: "C", Active: true})

	p, err := s.FindProfile(ctx, "023220-000", "C")
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.ID)

	p, err = s.FindProfile(ctx, "023220-000", "Z")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.ID)
}
