package action

import (
	"fmt"
	"math"
	"time"

	"tapestry/internal/agent"
	"tapestry/internal/logging"
)

// Built-in action identifiers. execute_pattern is registered separately by
// the pattern engine because it recurses back into pattern execution.
const (
	ActionCompute            = "compute"
	ActionFetchData          = "fetch_data"
	ActionStoreGraph         = "store_graph"
	ActionConnectGraph       = "connect_graph"
	ActionValidateTarget     = "validate_target"
	ActionTrackExecution     = "track_execution"
	ActionRouteStrategy      = "route_strategy"
	ActionInjectCapabilities = "inject_capabilities"
	ActionScanRegistry       = "scan_registry"
	ActionRepairGraph        = "repair_graph"
	ActionExecutePattern     = "execute_pattern"
)

func (r *Registry) registerBuiltins() {
	builtins := map[string]ExecuteFunc{
		ActionCompute:            r.execCompute,
		ActionFetchData:          r.execFetchData,
		ActionStoreGraph:         r.execStoreGraph,
		ActionConnectGraph:       r.execConnectGraph,
		ActionValidateTarget:     r.execValidateTarget,
		ActionTrackExecution:     r.execTrackExecution,
		ActionRouteStrategy:      r.execRouteStrategy,
		ActionInjectCapabilities: r.execInjectCapabilities,
		ActionScanRegistry:       r.execScanRegistry,
		ActionRepairGraph:        r.execRepairGraph,
	}
	for name, fn := range builtins {
		// Registration over a fresh map cannot collide.
		_ = r.RegisterFunc(name, fn)
	}
}

// execCompute performs a basic aggregate over numeric values, or delegates
// to a named provider when params carry one. The core itself does no
// financial math; anything beyond aggregates belongs in a provider.
func (r *Registry) execCompute(params, context, outputs map[string]interface{}) (interface{}, error) {
	if providerName, ok := params["provider"].(string); ok && providerName != "" {
		resp, err := r.runtime.Invoke(providerName, agent.Request(params))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}(resp), nil
	}

	op, _ := params["operation"].(string)
	if op == "" {
		op = "sum"
	}
	values, err := toFloats(params["values"])
	if err != nil {
		return nil, fmt.Errorf("compute: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("compute: no values supplied")
	}

	var result float64
	switch op {
	case "sum":
		for _, v := range values {
			result += v
		}
	case "mean":
		for _, v := range values {
			result += v
		}
		result /= float64(len(values))
	case "product":
		result = 1
		for _, v := range values {
			result *= v
		}
	case "min":
		result = values[0]
		for _, v := range values[1:] {
			result = math.Min(result, v)
		}
	case "max":
		result = values[0]
		for _, v := range values[1:] {
			result = math.Max(result, v)
		}
	default:
		return nil, fmt.Errorf("compute: unsupported operation: %s", op)
	}

	return map[string]interface{}{
		"operation": op,
		"result":    result,
		"count":     len(values),
	}, nil
}

// execFetchData delegates to a provider with the data_fetch capability
// (or an explicitly named provider). The engine treats the call as opaque.
func (r *Registry) execFetchData(params, context, outputs map[string]interface{}) (interface{}, error) {
	req := agent.Request(params)
	if providerName, ok := params["provider"].(string); ok && providerName != "" {
		resp, err := r.runtime.Invoke(providerName, req)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}(resp), nil
	}

	resp, err := r.runtime.InvokeByCapability(agent.CapabilityDataFetch, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}(resp), nil
}

// execStoreGraph adds a node to the knowledge graph.
func (r *Registry) execStoreGraph(params, context, outputs map[string]interface{}) (interface{}, error) {
	nodeType, _ := params["node_type"].(string)
	if nodeType == "" {
		nodeType = "observation"
	}
	data, _ := params["data"].(map[string]interface{})
	id, _ := params["id"].(string)

	nodeID, err := r.graph.AddNode(nodeType, data, id)
	if err != nil {
		return nil, fmt.Errorf("store_graph: %w", err)
	}
	return map[string]interface{}{
		"node_id":   nodeID,
		"node_type": nodeType,
	}, nil
}

// execConnectGraph creates an edge between two existing nodes. A rejected
// connection (missing endpoint, bad strength) is reported in the result,
// not raised.
func (r *Registry) execConnectGraph(params, context, outputs map[string]interface{}) (interface{}, error) {
	from, _ := params["from"].(string)
	to, _ := params["to"].(string)
	relationship, _ := params["relationship"].(string)
	strength, err := toFloat(params["strength"])
	if err != nil {
		return nil, fmt.Errorf("connect_graph: %w", err)
	}

	connected := r.graph.Connect(from, to, relationship, strength)
	return map[string]interface{}{
		"connected":    connected,
		"from":         from,
		"to":           to,
		"relationship": relationship,
	}, nil
}

// execValidateTarget checks that a target reference is present and, when it
// names a graph node, that the node exists.
func (r *Registry) execValidateTarget(params, context, outputs map[string]interface{}) (interface{}, error) {
	var issues []string

	target, _ := params["target"].(string)
	if target == "" {
		issues = append(issues, "target is empty")
	} else if IsUnresolved(params["target"]) {
		issues = append(issues, fmt.Sprintf("target reference unresolved: %v", params["target"]))
	}

	if nodeID, ok := params["node_id"].(string); ok && nodeID != "" {
		if r.graph.GetNode(nodeID) == nil {
			issues = append(issues, fmt.Sprintf("node not found: %s", nodeID))
		}
	}

	return map[string]interface{}{
		"valid":  len(issues) == 0,
		"target": target,
		"issues": issues,
	}, nil
}

// execTrackExecution appends a telemetry record describing an execution.
func (r *Registry) execTrackExecution(params, context, outputs map[string]interface{}) (interface{}, error) {
	rec := agent.TelemetryRecord{
		Timestamp: time.Now(),
	}
	rec.PatternID, _ = params["pattern_id"].(string)
	rec.AgentUsed, _ = params["agent"].(string)
	if success, ok := params["success"].(bool); ok {
		rec.Success = success
	}
	if d, err := toFloat(params["duration_ms"]); err == nil {
		rec.DurationMs = int64(d)
	}
	rec.Error, _ = params["error"].(string)

	if rec.PatternID == "" {
		if pid, ok := context["_pattern_id"].(string); ok {
			rec.PatternID = pid
		}
	}

	r.runtime.TrackExecution(rec)
	return map[string]interface{}{
		"tracked":    true,
		"pattern_id": rec.PatternID,
	}, nil
}

// execRouteStrategy selects one of the declared strategies based on a
// context value.
func (r *Registry) execRouteStrategy(params, context, outputs map[string]interface{}) (interface{}, error) {
	strategies, _ := params["strategies"].(map[string]interface{})
	if len(strategies) == 0 {
		return nil, fmt.Errorf("route_strategy: no strategies declared")
	}
	key, _ := params["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("route_strategy: selector key required")
	}

	selector := fmt.Sprint(context[key])
	strategy, ok := strategies[selector]
	if !ok {
		strategy, ok = strategies["default"]
		if !ok {
			return nil, fmt.Errorf("route_strategy: no strategy for %q and no default", selector)
		}
		selector = "default"
	}

	logging.ActionsDebug("route_strategy: key=%s selected=%s", key, selector)
	return map[string]interface{}{
		"strategy":    strategy,
		"selected_by": selector,
	}, nil
}

// execInjectCapabilities validates a required capability set and writes the
// providers satisfying it into the context for later steps.
func (r *Registry) execInjectCapabilities(params, context, outputs map[string]interface{}) (interface{}, error) {
	var required []agent.Capability
	if raw, ok := params["capabilities"].([]interface{}); ok {
		for _, c := range raw {
			required = append(required, agent.Capability(fmt.Sprint(c)))
		}
	}
	if len(required) == 0 {
		return nil, fmt.Errorf("inject_capabilities: no capabilities declared")
	}

	validation := r.runtime.ValidateRequired(required)
	injected := make(map[string]interface{})
	if validation.Satisfied {
		for _, c := range required {
			injected[string(c)] = r.runtime.ListByCapability(c)
		}
		context["_capabilities"] = injected
	}

	return map[string]interface{}{
		"satisfied": validation.Satisfied,
		"missing":   validation.Missing,
		"injected":  injected,
	}, nil
}

// execScanRegistry lists registered providers, optionally filtered by
// capability.
func (r *Registry) execScanRegistry(params, context, outputs map[string]interface{}) (interface{}, error) {
	var providers []string
	if c, ok := params["capability"].(string); ok && c != "" {
		providers = r.runtime.ListByCapability(agent.Capability(c))
	} else {
		providers = r.runtime.ListProviders()
	}
	return map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	}, nil
}

// execRepairGraph runs the standing invariant checker and, when asked,
// removes dangling edges. Orphans are reported, never silently deleted.
func (r *Registry) execRepairGraph(params, context, outputs map[string]interface{}) (interface{}, error) {
	olderThan := time.Hour
	if raw, ok := params["older_than"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("repair_graph: invalid older_than: %w", err)
		}
		olderThan = d
	}

	report := r.graph.CheckInvariants(olderThan)
	removed := 0
	if rm, ok := params["remove_dangling"].(bool); ok && rm && len(report.DanglingEdges) > 0 {
		removed = r.graph.RemoveDanglingEdges()
	}

	return map[string]interface{}{
		"clean":          report.Clean,
		"orphan_nodes":   report.OrphanNodes,
		"dangling_edges": len(report.DanglingEdges),
		"out_of_range":   len(report.OutOfRange),
		"edges_removed":  removed,
		"nodes_checked":  report.NodesChecked,
		"edges_checked":  report.EdgesChecked,
	}, nil
}

// toFloat coerces the numeric types YAML and JSON decoding produce.
func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case nil:
		return 0, fmt.Errorf("missing numeric value")
	default:
		return 0, fmt.Errorf("not a number: %v (%T)", v, v)
	}
}

func toFloats(v interface{}) ([]float64, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("values must be a list, got %T", v)
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		f, err := toFloat(item)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
