package workflow

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// A chain of condition nodes must activate exactly one branch per node and
// skip the other, for every combination of verdicts.
func TestConditionRoutingProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)

	properties.Property("every condition takes exactly one branch", prop.ForAll(
		func(verdicts []bool) bool {
			if len(verdicts) == 0 {
				return true
			}

			reg := NewRegistry()
			reg.RegisterFunc("task", func(ctx context.Context, spec *NodeSpec, inputs map[string]any, run *RunContext) (map[string]any, error) {
				return nil, nil
			})

			g := NewGraph("chain")
			g.AddNode(&NodeSpec{ID: "start", Kind: KindStart})
			prev, prevPort := NodeID("start"), PortMain
			for i, v := range verdicts {
				verdict := v
				cond := NodeID(rune('A' + i))
				taken := cond + "-taken"
				skipped := cond + "-skipped"
				truePort, falsePort := PortTrue, PortFalse
				if !verdict {
					truePort, falsePort = falsePort, truePort
				}
				g.AddNode(&NodeSpec{
					ID:   cond,
					Kind: KindCondition,
					Condition: func(ctx context.Context, vars map[string]any) (bool, error) {
						return verdict, nil
					},
				})
				g.AddNode(&NodeSpec{ID: taken, Kind: "task"})
				g.AddNode(&NodeSpec{ID: skipped, Kind: "task"})
				g.Connect(prev, prevPort, cond)
				g.Connect(cond, truePort, taken)
				g.Connect(cond, falsePort, skipped)
				prev, prevPort = taken, PortMain
			}

			engine := NewEngine(reg)
			result, err := engine.Run(context.Background(), g, nil)
			if err != nil || result.Status != RunSucceeded {
				return false
			}
			for i := range verdicts {
				cond := NodeID(rune('A' + i))
				if result.NodeResults[cond+"-taken"].Status != StatusSuccess {
					return false
				}
				if result.NodeResults[cond+"-skipped"].Status != StatusSkipped {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
