package rules

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	// Initialize the evaluator
	evaluator := NewExprEvaluator()

	// Test cases
	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "payload.amount > 100",
			env:        map[string]interface{}{"payload": map[string]interface{}{"amount": 250}},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "payload.amount > 100",
			env:        map[string]interface{}{"payload": map[string]interface{}{"amount": 25}},
			wantResult: false,
		},
		{
			name:       "State and event variables",
			expression: "state == 'review' && event == 'approve'",
			env:        map[string]interface{}{"state": "review", "event": "approve"},
			wantResult: true,
		},
		{
			name:       "Empty expression is true",
			expression: "",
			env:        nil,
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			env:        map[string]interface{}{"age": 25},
			wantResult: false,
			wantErr:    true,
			errMsg:     "expression 'age + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18", // Invalid syntax
			env:        map[string]interface{}{"age": 25},
			wantResult: false,
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg, "Error message should match")
				}
				assert.Equal(t, tt.wantResult, result, "Evaluate() result should match even with error")
			} else {
				assert.NoError(t, err, "Evaluate() should not return an error")
				assert.Equal(t, tt.wantResult, result, "Evaluate() result should match")
			}
		})
	}

	t.Run("Env is not modified", func(t *testing.T) {
		env := map[string]interface{}{"score": 15}
		_, err := evaluator.Evaluate("score > 10", env)
		assert.NoError(t, err)
		assert.Len(t, env, 1)
	})

	t.Run("Compile reports syntax errors", func(t *testing.T) {
		assert.NoError(t, evaluator.Compile("payload.kind == 'refund'"))
		assert.Error(t, evaluator.Compile("payload.kind =="))
	})

	// Test concurrency: Multiple goroutines evaluating expressions
	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		expr := "value > 0"
		env := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate(expr, env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})

	t.Run("Registered functions", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.RegisterFunc("approvers", func(params ...interface{}) (interface{}, error) {
			m, ok := params[0].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("approvers: want map, got %T", params[0])
			}
			list, _ := m["approvers"].([]interface{})
			return len(list), nil
		})

		result, err := ev.Evaluate("approvers(payload) >= 2", map[string]interface{}{
			"payload": map[string]interface{}{"approvers": []interface{}{"ann", "bo"}},
		})
		assert.NoError(t, err)
		assert.True(t, result)
	})
}

// BenchmarkEvaluate benchmarks the performance of Evaluate with caching.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := "x > 5"
	env := map[string]interface{}{"x": 10}

	// Reset timer to exclude setup time
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, env)
	}
}
