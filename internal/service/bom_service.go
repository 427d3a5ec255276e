package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/bomgraph"
	"github.com/bitfantasy/nimo-pdm/internal/cache"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/model/entity"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"
)

const entityUsage = "part usage"

// BOMService BOM图管理：用量边的增删改、环检测、层级展开
type BOMService struct {
	repos *repository.Repositories
	cache cache.Cache
	ttl   time.Duration
	lang  language.Tag
	base
}

// NewBOMService 创建BOM服务
func NewBOMService(repos *repository.Repositories, c cache.Cache, ttl time.Duration, lang language.Tag, b base) *BOMService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &BOMService{repos: repos, cache: c, ttl: ttl, lang: lang, base: b}
}

// AddUsageRequest 添加用量请求
type AddUsageRequest struct {
	ParentPartID string `json:"parent_part_id" binding:"required"`
	ChildPartID  string `json:"child_part_id" binding:"required"`
	Quantity     int    `json:"quantity" binding:"required"`
}

// AddUsage 添加父子用量边。环检测与插入在同一个可串行化事务内：
// 并发插入互逆边时，后提交者以序列化失败告终并映射为ConflictError
func (s *BOMService) AddUsage(ctx context.Context, parentID, childID string, quantity int, userID string) (*entity.PartUsage, error) {
	if parentID == "" || childID == "" {
		return nil, apperr.Invalid(entityUsage, "parent and child part ids are required")
	}
	if quantity < 1 {
		return nil, apperr.Invalid(entityUsage, "quantity must be at least 1")
	}

	var usage *entity.PartUsage
	err := s.repos.SerializableTransaction(ctx, func(tx *repository.Repositories) error {
		if _, err := tx.Part.FindByID(ctx, parentID); err != nil {
			return lookup("part", parentID, err)
		}
		if _, err := tx.Part.FindByID(ctx, childID); err != nil {
			return lookup("part", childID, err)
		}

		_, err := tx.Usage.Find(ctx, parentID, childID)
		switch {
		case err == nil:
			return apperr.Invalid(entityUsage, fmt.Sprintf("usage %s -> %s already exists", parentID, childID))
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		// parent 若可从 child 到达，新边会闭合成环
		cyclic, path, err := bomgraph.Reachable(ctx, childID, parentID, tx.Usage.ChildIDs)
		if err != nil {
			return err
		}
		if cyclic {
			return &apperr.CycleError{ParentID: parentID, ChildID: childID, Path: path}
		}

		now := time.Now()
		usage = &entity.PartUsage{
			ID:           entity.NewID(),
			ParentPartID: parentID,
			ChildPartID:  childID,
			Quantity:     quantity,
			CreatedBy:    userID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.Usage.Create(ctx, usage)
	})
	if err != nil {
		return nil, txError("add usage", entityUsage, parentID+"->"+childID, err)
	}

	s.logger.Info("Usage added",
		zap.String("parent", parentID),
		zap.String("child", childID),
		zap.Int("quantity", quantity))
	s.afterEdge(ctx, fanout.Upsert(fanout.KindUsage, usage.ID, usageFields(usage)), usage)
	return usage, nil
}

// RemoveUsage 物理删除边，不审计
func (s *BOMService) RemoveUsage(ctx context.Context, parentID, childID string) error {
	var usage *entity.PartUsage
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		usage, err = tx.Usage.Find(ctx, parentID, childID)
		if err != nil {
			return lookup(entityUsage, parentID+"->"+childID, err)
		}
		return tx.Usage.Delete(ctx, parentID, childID)
	})
	if err != nil {
		return txError("remove usage", entityUsage, parentID+"->"+childID, err)
	}
	s.afterEdge(ctx, fanout.Delete(fanout.KindUsage, usage.ID, usageFields(usage)), usage)
	return nil
}

// UpdateQuantity 修改用量
func (s *BOMService) UpdateQuantity(ctx context.Context, parentID, childID string, quantity int) (*entity.PartUsage, error) {
	if quantity < 1 {
		return nil, apperr.Invalid(entityUsage, "quantity must be at least 1")
	}
	var usage *entity.PartUsage
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.Usage.UpdateQuantity(ctx, parentID, childID, quantity); err != nil {
			return lookup(entityUsage, parentID+"->"+childID, err)
		}
		var err error
		usage, err = tx.Usage.Find(ctx, parentID, childID)
		return err
	})
	if err != nil {
		return nil, txError("update quantity", entityUsage, parentID+"->"+childID, err)
	}
	s.afterEdge(ctx, fanout.Upsert(fanout.KindUsage, usage.ID, usageFields(usage)), usage)
	return usage, nil
}

// AncestorsOf 所有直接或间接使用该零件的装配件，按标题排序
func (s *BOMService) AncestorsOf(ctx context.Context, partID string) ([]bomgraph.PartInfo, error) {
	return s.related(ctx, partID, s.repos.Usage.ParentIDs)
}

// DescendantsOf 该零件展开后的全部子件（去重），按标题排序
func (s *BOMService) DescendantsOf(ctx context.Context, partID string) ([]bomgraph.PartInfo, error) {
	return s.related(ctx, partID, s.repos.Usage.ChildIDs)
}

func (s *BOMService) related(ctx context.Context, partID string, next bomgraph.Neighbors) ([]bomgraph.PartInfo, error) {
	if _, err := s.repos.Part.FindByID(ctx, partID); err != nil {
		return nil, lookup("part", partID, err)
	}
	ids, err := bomgraph.Walk(ctx, partID, next)
	if err != nil {
		return nil, fmt.Errorf("walk bom: %w", err)
	}
	parts, err := s.repos.Part.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load parts: %w", err)
	}
	infos := make([]bomgraph.PartInfo, 0, len(ids))
	for _, id := range ids {
		p := parts[id]
		infos = append(infos, bomgraph.PartInfo{ID: id, Code: p.Code, Title: p.Title})
	}
	bomgraph.SortByTitle(infos, s.lang)
	return infos, nil
}

// HierarchyOf 展开root下的完整子树。数量逐级相乘，结果缓存
func (s *BOMService) HierarchyOf(ctx context.Context, rootID string) (*bomgraph.Hierarchy, error) {
	key := hierarchyKey(rootID)
	var cached bomgraph.Hierarchy
	if ok, _ := s.cache.Get(ctx, key, &cached); ok && cached.Root != nil {
		return &cached, nil
	}

	root, err := s.repos.Part.FindByID(ctx, rootID)
	if err != nil {
		return nil, lookup("part", rootID, err)
	}
	usages, err := s.repos.Usage.Subtree(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("load subtree: %w", err)
	}

	children := make(map[string][]bomgraph.Edge)
	ids := []string{rootID}
	for _, u := range usages {
		children[u.ParentPartID] = append(children[u.ParentPartID], bomgraph.Edge{
			ParentID: u.ParentPartID,
			ChildID:  u.ChildPartID,
			Quantity: u.Quantity,
		})
		ids = append(ids, u.ChildPartID)
	}
	parts, err := s.repos.Part.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load parts: %w", err)
	}
	infos := make(map[string]bomgraph.PartInfo, len(parts))
	for id, p := range parts {
		infos[id] = bomgraph.PartInfo{ID: id, Code: p.Code, Title: p.Title}
	}
	infos[rootID] = bomgraph.PartInfo{ID: root.ID, Code: root.Code, Title: root.Title}

	h, err := bomgraph.BuildHierarchy(rootID, children, infos, s.lang)
	if err != nil {
		s.logger.Error("Hierarchy expansion failed", zap.String("root", rootID), zap.Error(err))
		return nil, fmt.Errorf("expand hierarchy: %w", err)
	}
	_ = s.cache.Set(ctx, key, h, s.ttl)
	return h, nil
}

var hierarchyExportHeaders = []string{"层级", "编码", "名称", "单件用量", "累计用量"}

// ExportHierarchy 导出层级为xlsx
func (s *BOMService) ExportHierarchy(ctx context.Context, rootID string) (*excelize.File, string, error) {
	h, err := s.HierarchyOf(ctx, rootID)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	sheet := "BOM"
	f.SetSheetName("Sheet1", sheet)

	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	for i, title := range hierarchyExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, title)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	row := 2
	var walk func(n *bomgraph.Node)
	walk = func(n *bomgraph.Node) {
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), n.Level)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), strings.Repeat("  ", n.Level)+n.Code)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), n.Title)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), n.Quantity)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), n.TotalQuantity)
		row++
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(h.Root)

	colWidths := []float64{6, 24, 32, 10, 10}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	filename := fmt.Sprintf("BOM_%s.xlsx", h.Root.Code)
	return f, filename, nil
}

// ImportResult 导入结果
type ImportResult struct {
	Success int      `json:"created"`
	Failed  int      `json:"errors"`
	Errors  []string `json:"messages,omitempty"`
}

// ImportUsages 从Excel导入用量边，列为：父件编码、子件编码、用量。
// 每行独立走AddUsage，成环或重复的行计入失败
func (s *BOMService) ImportUsages(ctx context.Context, f *excelize.File, userID string) (*ImportResult, error) {
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read excel: %w", err)
	}
	if len(rows) < 2 {
		return &ImportResult{}, nil
	}
	return s.importRows(ctx, rows[1:], 2, userID), nil // 跳过表头
}

// ImportUsagesText 导入EDA工具导出的制表符/逗号分隔文本，gbk为true时先转码为UTF-8。
// 空行与以 # 或 * 开头的注释行跳过，首个有效行若用量列非数字视为表头
func (s *BOMService) ImportUsagesText(ctx context.Context, r io.Reader, gbk bool, userID string) (*ImportResult, error) {
	var reader io.Reader = r
	if gbk {
		reader = transform.NewReader(r, simplifiedchinese.GBK.NewDecoder())
	}

	result := &ImportResult{}
	scanner := bufio.NewScanner(reader)
	lineNo, seen := 0, false
	for scanner.Scan() {
		lineNo++
		text := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		sep := "\t"
		if !strings.Contains(text, sep) {
			sep = ","
		}
		fields := strings.Split(text, sep)
		for i := range fields {
			fields[i] = strings.Trim(strings.TrimSpace(fields[i]), `"`)
		}
		first := !seen
		seen = true
		if first && isHeader(fields) {
			continue
		}
		row := s.importRows(ctx, [][]string{fields}, lineNo, userID)
		result.Success += row.Success
		result.Failed += row.Failed
		result.Errors = append(result.Errors, row.Errors...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read text bom: %w", err)
	}
	return result, nil
}

func isHeader(fields []string) bool {
	if len(fields) < 3 {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	return err != nil
}

func (s *BOMService) importRows(ctx context.Context, rows [][]string, firstLine int, userID string) *ImportResult {
	result := &ImportResult{}
	for i, row := range rows {
		line := i + firstLine
		if len(row) < 2 || strings.TrimSpace(row[0]) == "" || strings.TrimSpace(row[1]) == "" {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: parent and child codes are required", line))
			continue
		}
		quantity := 1
		if len(row) > 2 && strings.TrimSpace(row[2]) != "" {
			q, err := strconv.Atoi(strings.TrimSpace(row[2]))
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("row %d: invalid quantity %q", line, row[2]))
				continue
			}
			quantity = q
		}

		parent, err := s.repos.Part.FindByCode(ctx, strings.TrimSpace(row[0]))
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", line, lookup("part", row[0], err)))
			continue
		}
		child, err := s.repos.Part.FindByCode(ctx, strings.TrimSpace(row[1]))
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", line, lookup("part", row[1], err)))
			continue
		}
		if _, err := s.AddUsage(ctx, parent.ID, child.ID, quantity, userID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", line, err))
			continue
		}
		result.Success++
	}
	return result
}

// InvalidateHierarchy 清除part及其所有祖先的层级缓存
func (s *BOMService) InvalidateHierarchy(ctx context.Context, partID string) {
	ancestors, err := bomgraph.Walk(ctx, partID, s.repos.Usage.ParentIDs)
	if err != nil {
		s.logger.Warn("Walk ancestors for cache eviction failed", zap.String("part_id", partID), zap.Error(err))
	}
	keys := make([]string, 0, len(ancestors)+1)
	keys = append(keys, hierarchyKey(partID))
	for _, id := range ancestors {
		keys = append(keys, hierarchyKey(id))
	}
	_ = s.cache.Delete(ctx, keys...)
}

func (s *BOMService) afterEdge(ctx context.Context, m fanout.Mutation, usage *entity.PartUsage) {
	s.InvalidateHierarchy(ctx, usage.ParentPartID)
	s.publish(ctx, m)
	s.notify(ctx, events.NewEvent(events.TypeBOM, map[string]any{
		"op":        string(m.Op),
		"parent_id": usage.ParentPartID,
		"child_id":  usage.ChildPartID,
		"quantity":  usage.Quantity,
	}))
}

func hierarchyKey(partID string) string {
	return "bom:hierarchy:" + partID
}
