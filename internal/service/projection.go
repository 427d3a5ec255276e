package service

import (
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
)

// 副本字段。只放检索与图查询需要的属性

func partMutation(p *entity.Part) fanout.Mutation {
	return fanout.Upsert(fanout.KindPart, p.ID, map[string]any{
		"code":        p.Code,
		"title":       p.Title,
		"description": p.Description,
		"level":       p.Level,
		"stage":       p.Stage,
		"status":      p.Status,
	})
}

func usageFields(u *entity.PartUsage) map[string]any {
	return map[string]any{
		"parent_id": u.ParentPartID,
		"child_id":  u.ChildPartID,
		"quantity":  u.Quantity,
	}
}

func documentMutation(d *entity.Document) fanout.Mutation {
	fields := map[string]any{
		"master_id":   d.MasterID,
		"title":       d.Title,
		"description": d.Description,
		"content":     d.Content,
		"version":     d.Version,
		"revision":    d.Revision,
		"stage":       d.Stage,
		"status":      d.Status,
		"is_active":   d.IsActive,
		"file_name":   d.FileName,
	}
	if d.Master != nil {
		fields["code"] = d.Master.Code
	}
	return fanout.Upsert(fanout.KindDocument, d.ID, fields)
}

func changeMutation(c *entity.Change) fanout.Mutation {
	affected := append(c.AffectedPartIDs(), c.AffectedDocumentIDs()...)
	return fanout.Upsert(fanout.KindChange, c.ID, map[string]any{
		"code":         c.Code,
		"title":        c.Title,
		"reason":       c.Reason,
		"description":  c.Description,
		"stage":        c.Stage,
		"status":       c.Status,
		"affected_ids": affected,
	})
}

func taskMutation(t *entity.Task) fanout.Mutation {
	fields := map[string]any{
		"title":       t.Title,
		"description": t.Description,
		"task_status": t.TaskStatus,
		"assignee_id": t.AssigneeID,
		"priority":    t.Priority,
		"workflow_id": t.WorkflowID,
	}
	if t.DueDate != nil {
		fields["due_date"] = t.DueDate.Format(time.RFC3339)
	}
	return fanout.Upsert(fanout.KindTask, t.ID, fields)
}
