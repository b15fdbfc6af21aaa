package action

import (
	"testing"
)

func TestResolveDoubleBracePath(t *testing.T) {
	outputs := map[string]interface{}{
		"step1": map[string]interface{}{"value": 10},
	}
	params := map[string]interface{}{"input": "{{step1.value}}"}

	resolved, unresolved := ResolveParams(params, nil, outputs)
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved refs: %v", unresolved)
	}
	if resolved["input"] != 10 {
		t.Errorf("expected typed 10, got %v (%T)", resolved["input"], resolved["input"])
	}
}

func TestResolveSingleBraceName(t *testing.T) {
	context := map[string]interface{}{"symbol": "ACME"}
	params := map[string]interface{}{"target": "{symbol}"}

	resolved, unresolved := ResolveParams(params, context, nil)
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved refs: %v", unresolved)
	}
	if resolved["target"] != "ACME" {
		t.Errorf("expected ACME, got %v", resolved["target"])
	}
}

func TestResolveOutputsShadowContext(t *testing.T) {
	context := map[string]interface{}{"value": "from-context"}
	outputs := map[string]interface{}{"value": "from-outputs"}
	params := map[string]interface{}{"v": "{value}"}

	resolved, _ := ResolveParams(params, context, outputs)
	if resolved["v"] != "from-outputs" {
		t.Errorf("outputs should win over context, got %v", resolved["v"])
	}
}

func TestResolveUnresolvedSentinel(t *testing.T) {
	params := map[string]interface{}{"input": "{{nope.value}}"}

	resolved, unresolved := ResolveParams(params, nil, nil)
	if len(unresolved) != 1 || unresolved[0] != "nope.value" {
		t.Fatalf("expected [nope.value] unresolved, got %v", unresolved)
	}
	if resolved["input"] != Sentinel("nope.value") {
		t.Errorf("expected sentinel, got %v", resolved["input"])
	}
	if !IsUnresolved(resolved["input"]) {
		t.Error("IsUnresolved should report the sentinel")
	}
}

func TestResolveEmbeddedTokens(t *testing.T) {
	context := map[string]interface{}{"symbol": "ACME"}
	outputs := map[string]interface{}{
		"quote": map[string]interface{}{"price": 104.25},
	}
	params := map[string]interface{}{
		"message": "{symbol} trades at {{quote.price}}",
	}

	resolved, unresolved := ResolveParams(params, context, outputs)
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved refs: %v", unresolved)
	}
	if resolved["message"] != "ACME trades at 104.25" {
		t.Errorf("unexpected substitution: %v", resolved["message"])
	}
}

func TestResolveNestedStructures(t *testing.T) {
	outputs := map[string]interface{}{
		"step1": map[string]interface{}{"value": 10},
	}
	params := map[string]interface{}{
		"nested": map[string]interface{}{"v": "{{step1.value}}"},
		"list":   []interface{}{"{{step1.value}}", "literal"},
		"number": 42,
	}

	resolved, _ := ResolveParams(params, nil, outputs)
	nested := resolved["nested"].(map[string]interface{})
	if nested["v"] != 10 {
		t.Errorf("nested map not resolved: %v", nested["v"])
	}
	list := resolved["list"].([]interface{})
	if list[0] != 10 || list[1] != "literal" {
		t.Errorf("list not resolved: %v", list)
	}
	if resolved["number"] != 42 {
		t.Errorf("literal changed: %v", resolved["number"])
	}
}

func TestResolveLiteralPassthrough(t *testing.T) {
	params := map[string]interface{}{"plain": "no tokens here"}
	resolved, unresolved := ResolveParams(params, nil, nil)
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved refs: %v", unresolved)
	}
	if resolved["plain"] != "no tokens here" {
		t.Errorf("literal string changed: %v", resolved["plain"])
	}
}
