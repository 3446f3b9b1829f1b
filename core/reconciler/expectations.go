package reconciler

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// Env exposes the report to expectation expressions. Costs are in whole
// units (ether, tokens) as float64; the wei fields are decimal strings.
func (c *CostReport) Env(tokenDecimals int32) map[string]interface{} {
	f := c.Format(tokenDecimals)
	native, _ := f.Native.Float64()
	entryPoint, _ := f.EntryPoint.Float64()
	token, _ := f.Token.Float64()
	total, _ := ToDecimal(c.TotalNativeCost(), NativeDecimals).Float64()

	return map[string]interface{}{
		"nativeCost":        native,
		"entryPointCost":    entryPoint,
		"tokenCost":         token,
		"totalNativeCost":   total,
		"nativeCostWei":     c.NativeCost.String(),
		"entryPointCostWei": c.EntryPointCost.String(),
		"tokenCostUnits":    c.TokenCost.String(),
		"warnings":          len(c.Warnings),
	}
}

// Check evaluates boolean expressions such as "tokenCost > 0" against the
// report and returns an error listing every expression that did not hold.
func (c *CostReport) Check(expressions []string, tokenDecimals int32) error {
	if len(expressions) == 0 {
		return nil
	}
	env := c.Env(tokenDecimals)

	var failed []string
	for _, code := range expressions {
		program, err := expr.Compile(code, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Errorf("invalid expectation %q: %w", code, err)
		}
		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("expectation %q failed to run: %w", code, err)
		}
		if ok, _ := result.(bool); !ok {
			failed = append(failed, code)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("expectations not met: %s", strings.Join(failed, "; "))
	}
	return nil
}
