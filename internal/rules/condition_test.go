package rules

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Run("leaf", func(t *testing.T) {
		c, err := Parse([]byte(`{"parameter":"temp","op":"gt","threshold":80}`))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !c.IsLeaf() || c.Parameter != "temp" || c.Op != "gt" || c.Threshold != 80 {
			t.Errorf("parsed leaf = %+v", c)
		}
	})

	t.Run("group", func(t *testing.T) {
		c, err := Parse([]byte(`{
			"operator": "AND",
			"conditions": [
				{"parameter": "spindle_temp", "op": "gt", "threshold": 80},
				{"parameter": "coolant_flow", "op": "lt", "threshold": 5}
			]
		}`))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if c.IsLeaf() || c.Operator != OpAnd || len(c.Conditions) != 2 {
			t.Errorf("parsed group = %+v", c)
		}
	})

	t.Run("unknown_op_rejected", func(t *testing.T) {
		if _, err := Parse([]byte(`{"parameter":"temp","op":"between","threshold":1}`)); err == nil {
			t.Error("Parse accepted unknown op")
		}
	})

	t.Run("unknown_operator_rejected", func(t *testing.T) {
		if _, err := Parse([]byte(`{"operator":"XOR","conditions":[{"parameter":"t","op":"gt","threshold":1}]}`)); err == nil {
			t.Error("Parse accepted unknown group operator")
		}
	})

	t.Run("empty_group_rejected", func(t *testing.T) {
		if _, err := Parse([]byte(`{"operator":"AND","conditions":[]}`)); err == nil {
			t.Error("Parse accepted empty group")
		}
	})

	t.Run("mixed_node_rejected", func(t *testing.T) {
		if _, err := Parse([]byte(`{"parameter":"t","op":"gt","threshold":1,"operator":"AND"}`)); err == nil {
			t.Error("Parse accepted node mixing leaf and group fields")
		}
	})

	t.Run("depth_cap", func(t *testing.T) {
		// Build a chain nested one past MaxDepth.
		inner := `{"parameter":"t","op":"gt","threshold":1}`
		for i := 0; i < MaxDepth; i++ {
			inner = `{"operator":"AND","conditions":[` + inner + `]}`
		}
		if _, err := Parse([]byte(inner)); err == nil {
			t.Error("Parse accepted tree past the depth cap")
		} else if !strings.Contains(err.Error(), "depth") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("roundtrip", func(t *testing.T) {
		src := group(OpOr, leaf("a", OpGT, 1), group(OpAnd, leaf("b", OpLT, 2), leaf("c", OpEQ, 3)))
		data, err := json.Marshal(&src)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		back, err := Parse(data)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(back.Leaves(nil)) != 3 {
			t.Errorf("roundtrip lost leaves: %+v", back)
		}
	})
}
