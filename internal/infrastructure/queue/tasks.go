package queue

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/hooks"
	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

// TaskMetadata is the opaque per-task blob: dependency indices, the
// requested capability, and bookkeeping the executor needs.
type TaskMetadata struct {
	DependsOn    []int  `json:"depends_on"`
	Capability   string `json:"capability,omitempty"`
	SubtaskIndex int    `json:"subtask_index"`
	Notified     bool   `json:"notified,omitempty"`
}

// TaskSpec is one subtask as submitted to createSwarm.
type TaskSpec struct {
	Description string
	Prompt      string
	Model       string
	Strategy    string
	Mode        string
	Metadata    TaskMetadata
}

// Task is the domain-level view of a swarm_tasks row, with Metadata parsed.
type Task struct {
	ID          string
	SwarmID     string
	Seq         int
	Description string
	Prompt      string
	Status      string
	AgentID     string
	Model       string
	Strategy    string
	Mode        string
	Result      string
	Error       string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	Metadata    TaskMetadata
}

// SwarmStatus is the aggregate count returned by getSwarmStatus.
type SwarmStatus struct {
	Total   int
	Pending int
	Claimed int
	Running int
	Done    int
	Failed  int
}

// TaskStore implements the swarm task state machine over a gorm handle.
type TaskStore struct {
	db    *gorm.DB
	hooks *hooks.Bus
}

// NewTaskStore binds a TaskStore to db, publishing lifecycle transitions on
// bus.
func NewTaskStore(db *gorm.DB, bus *hooks.Bus) *TaskStore {
	return &TaskStore{db: db, hooks: bus}
}

func randomHex() string {
	var id uuid.UUID = uuid.New()
	return hex.EncodeToString(id[:])
}

// CreateSwarm inserts every task in a single transaction, assigning
// seq = insertion order and ids of the form "<swarmID>-task-<seq>".
func (s *TaskStore) CreateSwarm(swarmID string, tasks []TaskSpec) (string, []string, error) {
	if swarmID == "" {
		swarmID = randomHex()
	}
	if len(tasks) == 0 {
		return "", nil, coreerrors.NewInvalidInput("createSwarm requires at least one task")
	}

	taskIDs := make([]string, 0, len(tasks))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i, spec := range tasks {
			meta := spec.Metadata
			meta.SubtaskIndex = i
			metaJSON, err := json.Marshal(meta)
			if err != nil {
				return coreerrors.NewInternal("marshal task metadata", err)
			}

			id := fmt.Sprintf("%s-task-%d", swarmID, i)
			mode := spec.Mode
			if mode == "" {
				mode = "inline"
			}

			row := SwarmTaskModel{
				ID:          id,
				SwarmID:     swarmID,
				Seq:         i,
				Description: spec.Description,
				Prompt:      spec.Prompt,
				Status:      "pending",
				Model:       spec.Model,
				Strategy:    spec.Strategy,
				Mode:        mode,
				CreatedAt:   time.Now().UTC(),
				Metadata:    string(metaJSON),
			}
			if err := tx.Create(&row).Error; err != nil {
				return coreerrors.NewInternal("insert swarm task", err)
			}
			taskIDs = append(taskIDs, id)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	return swarmID, taskIDs, nil
}

// ClaimTask atomically claims one pending task. Without checkDeps it claims
// the lowest-seq pending row; with checkDeps it skips pending rows whose
// depends_on entries are not all done. Returns (nil, nil) if no claimable
// row exists or the race was lost.
func (s *TaskStore) ClaimTask(swarmID, agentID string, checkDeps bool) (*Task, error) {
	var pending []SwarmTaskModel
	if err := s.db.Where("swarm_id = ? AND status = ?", swarmID, "pending").
		Order("seq ASC").Find(&pending).Error; err != nil {
		return nil, coreerrors.NewInternal("query pending tasks", err)
	}

	for _, row := range pending {
		if checkDeps {
			meta, err := parseMetadata(row.Metadata)
			if err != nil {
				return nil, err
			}
			ready, err := s.depsReady(swarmID, meta.DependsOn)
			if err != nil {
				return nil, err
			}
			if !ready {
				continue
			}
		}

		claimed, err := s.claimByID(row.ID, agentID)
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			continue // lost the race to another worker
		}
		return claimed, nil
	}

	return nil, nil
}

// ClaimTaskByID claims one specific pending task, used by the decomposition
// executor which already knows which subtask id it intends to run next
// (unlike an external worker, which discovers work via ClaimTask).
func (s *TaskStore) ClaimTaskByID(taskID, agentID string) (*Task, error) {
	return s.claimByID(taskID, agentID)
}

// claimByID is the one conditional-update primitive both claim paths share:
// it only transitions the row if it is still pending, returning nil (no
// error) when the race was lost.
func (s *TaskStore) claimByID(taskID, agentID string) (*Task, error) {
	now := time.Now().UTC()
	result := s.db.Model(&SwarmTaskModel{}).
		Where("id = ? AND status = ?", taskID, "pending").
		Updates(map[string]interface{}{
			"status":     "claimed",
			"agent_id":   agentID,
			"claimed_at": now,
		})
	if result.Error != nil {
		return nil, coreerrors.NewInternal("claim task", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	claimed, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	s.publish(hooks.EventClaim, claimed)
	return claimed, nil
}

func (s *TaskStore) depsReady(swarmID string, dependsOn []int) (bool, error) {
	for _, seq := range dependsOn {
		var dep SwarmTaskModel
		err := s.db.Where("swarm_id = ? AND seq = ?", swarmID, seq).First(&dep).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, coreerrors.NewInternal("query dependency task", err)
		}
		if dep.Status != "done" {
			return false, nil
		}
	}
	return true, nil
}

// MarkRunning transitions a claimed task to running.
func (s *TaskStore) MarkRunning(taskID string) error {
	result := s.db.Model(&SwarmTaskModel{}).
		Where("id = ? AND status = ?", taskID, "claimed").
		Update("status", "running")
	if result.Error != nil {
		return coreerrors.NewInternal("mark task running", result.Error)
	}
	if result.RowsAffected == 0 {
		return coreerrors.NewTaskNotFound(taskID)
	}
	return nil
}

// CompleteTask transitions a task to done, recording its result.
func (s *TaskStore) CompleteTask(taskID, result string) error {
	now := time.Now().UTC()
	res := s.db.Model(&SwarmTaskModel{}).
		Where("id = ? AND status NOT IN ?", taskID, []string{"done", "failed"}).
		Updates(map[string]interface{}{
			"status":       "done",
			"result":       result,
			"completed_at": now,
		})
	if res.Error != nil {
		return coreerrors.NewInternal("complete task", res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerrors.NewTaskNotFound(taskID)
	}

	task, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	s.publish(hooks.EventComplete, task)
	return nil
}

// FailTask transitions a task to failed, recording the error message.
func (s *TaskStore) FailTask(taskID, errMsg string) error {
	now := time.Now().UTC()
	res := s.db.Model(&SwarmTaskModel{}).
		Where("id = ? AND status NOT IN ?", taskID, []string{"done", "failed"}).
		Updates(map[string]interface{}{
			"status":       "failed",
			"error":        errMsg,
			"completed_at": now,
		})
	if res.Error != nil {
		return coreerrors.NewInternal("fail task", res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerrors.NewTaskNotFound(taskID)
	}

	task, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	s.publish(hooks.EventFail, task)
	return nil
}

// ResetTask forces any non-terminal task back to pending, clearing agent_id
// and claimed_at. Used by external cron to recover workers lost >15 min.
func (s *TaskStore) ResetTask(taskID string) error {
	res := s.db.Model(&SwarmTaskModel{}).
		Where("id = ? AND status NOT IN ?", taskID, []string{"done", "failed"}).
		Updates(map[string]interface{}{
			"status":     "pending",
			"agent_id":   "",
			"claimed_at": nil,
		})
	if res.Error != nil {
		return coreerrors.NewInternal("reset task", res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerrors.NewTaskNotFound(taskID)
	}

	task, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	s.publish(hooks.EventReset, task)
	return nil
}

// GetTask fetches one task row by id.
func (s *TaskStore) GetTask(taskID string) (*Task, error) {
	var row SwarmTaskModel
	if err := s.db.First(&row, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.NewTaskNotFound(taskID)
		}
		return nil, coreerrors.NewInternal("get task", err)
	}
	return rowToTask(row)
}

// GetSwarmStatus aggregates per-status counts for one swarm.
func (s *TaskStore) GetSwarmStatus(swarmID string) (*SwarmStatus, error) {
	var rows []SwarmTaskModel
	if err := s.db.Where("swarm_id = ?", swarmID).Find(&rows).Error; err != nil {
		return nil, coreerrors.NewInternal("get swarm status", err)
	}

	status := &SwarmStatus{}
	for _, r := range rows {
		status.Total++
		switch r.Status {
		case "pending":
			status.Pending++
		case "claimed":
			status.Claimed++
		case "running":
			status.Running++
		case "done":
			status.Done++
		case "failed":
			status.Failed++
		}
	}
	return status, nil
}

// GetSwarmResults returns every task in a swarm ordered by seq.
func (s *TaskStore) GetSwarmResults(swarmID string) ([]Task, error) {
	var rows []SwarmTaskModel
	if err := s.db.Where("swarm_id = ?", swarmID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewInternal("get swarm results", err)
	}

	out := make([]Task, 0, len(rows))
	for _, r := range rows {
		t, err := rowToTask(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// IsSwarmComplete reports whether every task in the swarm has reached a
// terminal state, and that the swarm has at least one task.
func (s *TaskStore) IsSwarmComplete(swarmID string) (bool, error) {
	status, err := s.GetSwarmStatus(swarmID)
	if err != nil {
		return false, err
	}
	if status.Total == 0 {
		return false, nil
	}
	return status.Done+status.Failed == status.Total, nil
}

// GetStaleTasks returns claimed/running tasks whose claimed_at is older
// than staleMinutes — candidates for an external recovery cron to reset.
func (s *TaskStore) GetStaleTasks(staleMinutes int) ([]Task, error) {
	if staleMinutes <= 0 {
		staleMinutes = 15
	}
	cutoff := time.Now().UTC().Add(-time.Duration(staleMinutes) * time.Minute)

	var rows []SwarmTaskModel
	err := s.db.Where("status IN ? AND claimed_at < ?", []string{"claimed", "running"}, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, coreerrors.NewInternal("get stale tasks", err)
	}

	out := make([]Task, 0, len(rows))
	for _, r := range rows {
		t, err := rowToTask(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// CleanCompletedSwarms deletes every task belonging to a swarm where all
// tasks are terminal and the swarm's latest completed_at predates the
// retention cutoff.
func (s *TaskStore) CleanCompletedSwarms(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var swarmIDs []string
	if err := s.db.Model(&SwarmTaskModel{}).Distinct().Pluck("swarm_id", &swarmIDs).Error; err != nil {
		return 0, coreerrors.NewInternal("list swarm ids", err)
	}

	var deleted int64
	for _, swarmID := range swarmIDs {
		status, err := s.GetSwarmStatus(swarmID)
		if err != nil {
			return deleted, err
		}
		if status.Total == 0 || status.Done+status.Failed != status.Total {
			continue
		}

		var maxCompleted *time.Time
		if err := s.db.Model(&SwarmTaskModel{}).
			Where("swarm_id = ?", swarmID).
			Select("MAX(completed_at)").Scan(&maxCompleted).Error; err != nil {
			return deleted, coreerrors.NewInternal("query swarm completion time", err)
		}
		if maxCompleted == nil || maxCompleted.After(cutoff) {
			continue
		}

		res := s.db.Where("swarm_id = ?", swarmID).Delete(&SwarmTaskModel{})
		if res.Error != nil {
			return deleted, coreerrors.NewInternal("delete completed swarm", res.Error)
		}
		deleted += res.RowsAffected
	}

	return deleted, nil
}

func (s *TaskStore) publish(eventType hooks.EventType, task *Task) {
	if s.hooks == nil || task == nil {
		return
	}
	s.hooks.Publish(hooks.Event{
		Type:    eventType,
		SwarmID: task.SwarmID,
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Status:  task.Status,
		Result:  task.Result,
		Err:     task.Error,
	})
}

func parseMetadata(raw string) (TaskMetadata, error) {
	var meta TaskMetadata
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, coreerrors.NewInternal("parse task metadata", err)
	}
	return meta, nil
}

func rowToTask(row SwarmTaskModel) (*Task, error) {
	meta, err := parseMetadata(row.Metadata)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:          row.ID,
		SwarmID:     row.SwarmID,
		Seq:         row.Seq,
		Description: row.Description,
		Prompt:      row.Prompt,
		Status:      row.Status,
		AgentID:     row.AgentID,
		Model:       row.Model,
		Strategy:    row.Strategy,
		Mode:        row.Mode,
		Result:      row.Result,
		Error:       row.Error,
		CreatedAt:   row.CreatedAt,
		ClaimedAt:   row.ClaimedAt,
		CompletedAt: row.CompletedAt,
		Metadata:    meta,
	}, nil
}
