package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"opsflow/internal/errors"
	"opsflow/internal/models"
)

// DATA_TRANSFORM, QUERY, FILTER, CREATE_RECORD and UPDATE_RECORD
// interpreters. Record-touching nodes go through the RecordStore port, which
// scopes every access by organization.

func (e *Engine) runTransformNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.TransformConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid transform config: %v", err)
	}

	items := rt.resolveCollection(ev, loop, cfg.DataSource, cfg.SourceKey, cfg.ResultKey)

	switch strings.ToLower(cfg.Operation) {
	case "map":
		return transformMap(items, cfg)
	case "filter":
		return transformFilter(items, cfg)
	case "aggregate", "reduce":
		return transformAggregate(node.NodeID, items, cfg)
	case "extract":
		return transformExtract(items, cfg)
	case "sort":
		return transformSort(items, cfg)
	case "limit":
		return transformLimit(items, cfg)
	case "query":
		return e.transformQuery(ctx, rt, node, ev, loop, items, cfg)
	default:
		return nil, "", errors.NewDefinitionError(node.NodeID, "unsupported transform operation %q", cfg.Operation)
	}
}

// transformQuery selects from a collection by conditions. When the config
// names a record model it queries the RecordStore instead, so a transform
// chain can pull organization records mid-flow.
func (e *Engine) transformQuery(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any, items []any, cfg models.TransformConfig) (models.JSONB, models.NodeExecutionStatus, error) {
	if cfg.Model != "" {
		model := strings.ToLower(strings.TrimSpace(cfg.Model))
		if !RecordModels[model] {
			return nil, "", errors.NewDefinitionError(node.NodeID, "unknown query model %q", cfg.Model)
		}
		if e.records == nil {
			return nil, "", errors.NewDefinitionError(node.NodeID, "no record store configured")
		}
		vc := rt.varContext(ev, loop, e.clock.Now().UTC())
		records, err := e.records.FindMany(ctx, model, QueryArgs{
			OrganizationID: rt.execution.OrganizationID,
			Where:          resolveConditions(vc, cfg.Conditions),
			OrderBy:        cfg.SortBy,
			OrderDesc:      cfg.SortDesc,
			Limit:          cfg.Limit,
		})
		if err != nil {
			return nil, "", fmt.Errorf("transform query %s: %w", model, err)
		}
		result := make([]any, len(records))
		for i, r := range records {
			result[i] = map[string]any(r)
		}
		return models.JSONB{"result": result, "count": len(result), "model": model}, "", nil
	}

	set := models.ConditionSet{Conditions: cfg.Conditions}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if len(cfg.Conditions) == 0 || itemMatches(item, set) {
			out = append(out, item)
		}
	}
	if cfg.Limit > 0 && cfg.Limit < len(out) {
		out = out[:cfg.Limit]
	}
	return models.JSONB{"result": out, "count": len(out), "queriedFrom": len(items)}, "", nil
}

func transformMap(items []any, cfg models.TransformConfig) (models.JSONB, models.NodeExecutionStatus, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if len(cfg.Mapping) == 0 {
			out = append(out, item)
			continue
		}
		mapped := map[string]any{}
		for target, sourcePath := range cfg.Mapping {
			if v, ok := lookupPath(item, sourcePath); ok {
				mapped[target] = v
			}
		}
		out = append(out, mapped)
	}
	return models.JSONB{"result": out, "count": len(out)}, "", nil
}

func transformFilter(items []any, cfg models.TransformConfig) (models.JSONB, models.NodeExecutionStatus, error) {
	set := models.ConditionSet{Conditions: cfg.Conditions}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if itemMatches(item, set) {
			out = append(out, item)
		}
	}
	return models.JSONB{"result": out, "count": len(out), "filteredFrom": len(items)}, "", nil
}

func transformAggregate(nodeID string, items []any, cfg models.TransformConfig) (models.JSONB, models.NodeExecutionStatus, error) {
	agg := strings.ToLower(cfg.Aggregation)
	if agg == "" {
		agg = "count"
	}

	if cfg.GroupBy != "" {
		groups := map[string][]any{}
		var order []string
		for _, item := range items {
			key := "null"
			if v, ok := lookupPath(item, cfg.GroupBy); ok {
				key = stringify(v)
			}
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], item)
		}
		result := map[string]any{}
		for _, key := range order {
			v, err := aggregateValues(nodeID, agg, groups[key], cfg.Field)
			if err != nil {
				return nil, "", err
			}
			result[key] = v
		}
		return models.JSONB{"result": result, "groups": len(order)}, "", nil
	}

	v, err := aggregateValues(nodeID, agg, items, cfg.Field)
	if err != nil {
		return nil, "", err
	}
	return models.JSONB{"result": v, "count": len(items)}, "", nil
}

func aggregateValues(nodeID, agg string, items []any, field string) (any, error) {
	if agg == "count" {
		return len(items), nil
	}

	var nums []float64
	for _, item := range items {
		v := item
		if field != "" {
			found, ok := lookupPath(item, field)
			if !ok {
				continue
			}
			v = found
		}
		if n, ok := asNumber(v); ok {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return nil, nil
	}

	switch agg {
	case "sum", "avg":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		if agg == "avg" {
			return sum / float64(len(nums)), nil
		}
		return sum, nil
	case "min":
		min := nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
		}
		return min, nil
	case "max":
		max := nums[0]
		for _, n := range nums[1:] {
			if n > max {
				max = n
			}
		}
		return max, nil
	}
	return nil, errors.NewDefinitionError(nodeID, "unsupported aggregation %q", agg)
}

func transformExtract(items []any, cfg models.TransformConfig) (models.JSONB, models.NodeExecutionStatus, error) {
	path := cfg.ExtractPath
	if path == "" {
		path = cfg.Field
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if v, ok := lookupPath(item, path); ok {
			out = append(out, v)
		}
	}
	return models.JSONB{"result": out, "count": len(out)}, "", nil
}

func transformSort(items []any, cfg models.TransformConfig) (models.JSONB, models.NodeExecutionStatus, error) {
	out := make([]any, len(items))
	copy(out, items)
	key := cfg.SortBy
	if key == "" {
		key = cfg.Field
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if key != "" {
			a, _ = lookupPath(out[i], key)
			b, _ = lookupPath(out[j], key)
		}
		less := lessValues(a, b)
		if cfg.SortDesc {
			return lessValues(b, a)
		}
		return less
	})
	if cfg.Limit > 0 && cfg.Limit < len(out) {
		out = out[:cfg.Limit]
	}
	return models.JSONB{"result": out, "count": len(out)}, "", nil
}

func transformLimit(items []any, cfg models.TransformConfig) (models.JSONB, models.NodeExecutionStatus, error) {
	out := items
	if cfg.Limit > 0 && cfg.Limit < len(items) {
		out = items[:cfg.Limit]
	}
	return models.JSONB{"result": out, "count": len(out)}, "", nil
}

func lessValues(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an < bn
		}
	}
	return stringify(a) < stringify(b)
}

// itemMatches evaluates a condition set against one collection element
// treated as the payload scope. Malformed predicates drop the element.
func itemMatches(item any, set models.ConditionSet) bool {
	payload, ok := toMap(item)
	if !ok {
		return false
	}
	scope := &evalScope{payload: payload}
	matched, err := scope.EvaluateConditionSet(set)
	return err == nil && matched
}

func (e *Engine) runFilterNode(rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.FilterConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid filter config: %v", err)
	}

	items := rt.resolveCollection(ev, loop, cfg.SourceKey, cfg.ResultKey)
	set := models.ConditionSet{Conditions: cfg.Conditions, LogicalOperator: cfg.LogicalOperator}

	out := make([]any, 0, len(items))
	for _, item := range items {
		if itemMatches(item, set) {
			out = append(out, item)
		}
	}
	return models.JSONB{"result": out, "count": len(out), "filteredFrom": len(items)}, "", nil
}

// resolveConditions substitutes variables in string condition values so
// stored filters like {"field":"status","value":"{DEAL_STAGE}"} compare
// against the event's data.
func resolveConditions(vc *VarContext, conds []models.Condition) []models.Condition {
	out := make([]models.Condition, len(conds))
	copy(out, conds)
	for i := range out {
		if s, ok := out[i].Value.(string); ok {
			out[i].Value = vc.ResolveTemplate(s)
		}
		if s, ok := out[i].ValueTo.(string); ok {
			out[i].ValueTo = vc.ResolveTemplate(s)
		}
		if len(out[i].Values) > 0 {
			values := make([]any, len(out[i].Values))
			copy(values, out[i].Values)
			for j, v := range values {
				if s, ok := v.(string); ok {
					values[j] = vc.ResolveTemplate(s)
				}
			}
			out[i].Values = values
		}
	}
	return out
}

func (e *Engine) runQueryNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.QueryConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid query config: %v", err)
	}
	model := strings.ToLower(strings.TrimSpace(cfg.Model))
	if !RecordModels[model] {
		return nil, "", errors.NewDefinitionError(node.NodeID, "unknown query model %q", cfg.Model)
	}
	if e.records == nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "no record store configured")
	}

	vc := rt.varContext(ev, loop, e.clock.Now().UTC())
	args := QueryArgs{
		OrganizationID: rt.execution.OrganizationID,
		Where:          resolveConditions(vc, cfg.Filters),
		OrderBy:        cfg.OrderBy,
		OrderDesc:      cfg.OrderDesc,
		Limit:          cfg.Limit,
		Offset:         cfg.Offset,
		Select:         cfg.Select,
		Include:        cfg.Include,
	}

	records, err := e.records.FindMany(ctx, model, args)
	if err != nil {
		return nil, "", fmt.Errorf("query %s: %w", model, err)
	}
	result := make([]any, len(records))
	for i, r := range records {
		result[i] = map[string]any(r)
	}
	return models.JSONB{"result": result, "records": result, "count": len(result), "model": model}, "", nil
}

// resolveFields renders a CREATE_RECORD/UPDATE_RECORD field map, expanding
// {{path}} templates and {TOKEN} variables in each value.
func resolveFields(vc *VarContext, fields map[string]string) models.JSONB {
	out := make(models.JSONB, len(fields))
	for key, tmpl := range fields {
		out[key] = vc.ResolveTemplate(tmpl)
	}
	return out
}

func (e *Engine) runCreateRecordNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.RecordConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid record config: %v", err)
	}
	model := strings.ToLower(strings.TrimSpace(cfg.Model))
	if !RecordModels[model] {
		return nil, "", errors.NewDefinitionError(node.NodeID, "unknown record model %q", cfg.Model)
	}
	if len(cfg.Fields) == 0 {
		return nil, "", errors.NewDefinitionError(node.NodeID, "create record needs at least one field")
	}
	if e.records == nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "no record store configured")
	}

	vc := rt.varContext(ev, loop, e.clock.Now().UTC())
	record, err := e.records.Create(ctx, model, rt.execution.OrganizationID, resolveFields(vc, cfg.Fields))
	if err != nil {
		return nil, "", fmt.Errorf("create %s: %w", model, err)
	}
	return models.JSONB{"record": map[string]any(record), "model": model, "created": true}, "", nil
}

func (e *Engine) runUpdateRecordNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.RecordConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid record config: %v", err)
	}
	model := strings.ToLower(strings.TrimSpace(cfg.Model))
	if !RecordModels[model] {
		return nil, "", errors.NewDefinitionError(node.NodeID, "unknown record model %q", cfg.Model)
	}
	if e.records == nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "no record store configured")
	}

	vc := rt.varContext(ev, loop, e.clock.Now().UTC())
	recordID := vc.ResolveTemplate(cfg.RecordID)
	conditions := resolveConditions(vc, cfg.Conditions)
	if recordID == "" && len(conditions) == 0 {
		return nil, "", errors.NewDefinitionError(node.NodeID, "update record needs a recordId or conditions")
	}

	var id any
	if recordID != "" {
		id = recordID
	}
	record, err := e.records.Update(ctx, model, rt.execution.OrganizationID, id, resolveFields(vc, cfg.Fields), conditions)
	if err != nil {
		return nil, "", fmt.Errorf("update %s: %w", model, err)
	}
	return models.JSONB{"record": map[string]any(record), "model": model, "updated": true}, "", nil
}
