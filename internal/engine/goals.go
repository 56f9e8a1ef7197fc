package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/voxlogica-project/voxlogica2/internal/plan"
	"github.com/voxlogica-project/voxlogica2/internal/value"
)

// runGoalSideEffects executes every goal's print/save side effect, in the
// plan's original goal order, against already-materialized values.
func runGoalSideEffects(prepared *PreparedPlan, evaluated map[plan.NodeId]bool) error {
	for _, g := range prepared.Plan.Goals {
		if !evaluated[g.Target] {
			continue
		}
		v, ok := prepared.Store.Get(g.Target)
		if !ok {
			continue
		}
		switch g.Operation {
		case plan.GoalPrint:
			if err := printGoal(g.Label, v); err != nil {
				return fmt.Errorf("print %q: %w", g.Label, err)
			}
		case plan.GoalSave:
			if err := saveGoal(g.Label, v); err != nil {
				return fmt.Errorf("save %q: %w", g.Label, err)
			}
		default:
			return fmt.Errorf("unknown goal operation %q", g.Operation)
		}
	}
	return nil
}

// printGoal renders "{label}={value}" to standard output, materializing
// sequences first.
func printGoal(label string, v value.Value) error {
	v, err := materializeSequence(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s=%s\n", label, v.String())
	return err
}

// saveGoal writes v to the file named by label, choosing an encoding by
// filename suffix: ".json" -> canonical JSON,
// ".pkl"/".pickle"/".bin" -> binary, anything else -> textual str(value).
func saveGoal(label string, v value.Value) error {
	v, err := materializeSequence(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(label), 0o755); err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(label)) {
	case ".json":
		native, err := v.ToNative()
		if err != nil {
			return err
		}
		data, err := json.Marshal(native)
		if err != nil {
			return err
		}
		return os.WriteFile(label, data, 0o644)

	case ".pkl", ".pickle", ".bin":
		data, err := encodeBinary(v)
		if err != nil {
			return err
		}
		return os.WriteFile(label, data, 0o644)

	default:
		return os.WriteFile(label, []byte(v.String()), 0o644)
	}
}

// materializeSequence replaces a SequenceValue with a concrete ListSequence
// of its fully-drained items, leaving any other kind unchanged.
func materializeSequence(v value.Value) (value.Value, error) {
	if v.Kind != value.KindSequence {
		return v, nil
	}
	var items []value.Value
	it := v.Sequence.Iter()
	for {
		item, ok, err := it.Next()
		if err != nil {
			return value.Value{}, err
		}
		if !ok {
			break
		}
		items = append(items, item)
	}
	return value.Seq(&value.ListSequence{Items: items}), nil
}

// encodeBinary is the ".pkl"/".pickle"/".bin" save encoding: since Go has no
// pickle-equivalent, raw Bytes values are written verbatim and everything
// else falls back to CBOR, the same canonical binary codec the plan layer
// uses for NodeId hashing.
func encodeBinary(v value.Value) ([]byte, error) {
	if v.Kind == value.KindBytes {
		return v.Bytes, nil
	}
	native, err := v.ToNative()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(native)
}
