package definition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/types"
)

func approvalDefinition() types.Definition {
	return types.Definition{
		Name:         "approval",
		Version:      1,
		InitialState: "draft",
		States: []types.State{
			{Name: "draft"}, {Name: "review"}, {Name: "approved", Final: types.StatusCompleted},
			{Name: "rejected", Final: types.StatusFailed},
		},
		Transitions: []types.Transition{
			{Event: "submit", From: "draft", To: "review"},
			{Event: "approve", From: "review", To: "approved", Guard: "payload.amount < 1000"},
			{Event: "reject", From: "review", To: "rejected"},
			{Event: "remind", From: "review", To: "review"},
		},
		Actions: []types.EventActions{{
			Event: "submit",
			Actions: []types.ActionSpec{
				{Name: "validate", Kind: "noop"},
				{Name: "notify", Kind: "noop", DependsOn: []types.DependencySpec{{Action: "validate", Type: types.DependencyMustSucceed}}},
				{Name: "audit", Kind: "noop", DependsOn: []types.DependencySpec{{Action: "validate", Type: types.DependencyMustComplete}}},
			},
		}},
		Timers: []types.TimerSpec{{State: "review", Event: "remind", After: time.Hour}},
	}
}

func knownKinds(kind string) bool { return kind == "noop" || kind == "log" }

func TestValidate(t *testing.T) {
	v := Validator{ActionKinds: knownKinds, CheckGuard: func(string) error { return nil }}
	require.NoError(t, v.Validate(approvalDefinition()))

	tests := []struct {
		name   string
		mutate func(d *types.Definition)
		errMsg string
	}{
		{"no name", func(d *types.Definition) { d.Name = "" }, "name"},
		{"bad version", func(d *types.Definition) { d.Version = 0 }, "version"},
		{"unknown initial", func(d *types.Definition) { d.InitialState = "nowhere" }, "unknown state"},
		{"duplicate state", func(d *types.Definition) { d.States = append(d.States, types.State{Name: "draft"}) }, "duplicate state"},
		{"bad final", func(d *types.Definition) { d.States[0].Final = types.StatusCancelled }, "final must be"},
		{"reserved event", func(d *types.Definition) {
			d.Transitions = append(d.Transitions, types.Transition{Event: "cancelled", From: "draft", To: "rejected"})
		}, "reserved"},
		{"unknown to", func(d *types.Definition) { d.Transitions[0].To = "limbo" }, "unknown to state"},
		{"unregistered kind", func(d *types.Definition) { d.Actions[0].Actions[0].Kind = "teleport" }, "unregistered kind"},
		{"unknown dependency", func(d *types.Definition) {
			d.Actions[0].Actions[1].DependsOn[0].Action = "ghost"
		}, "unknown action"},
		{"unknown dependency type", func(d *types.Definition) {
			d.Actions[0].Actions[1].DependsOn[0].Type = "should-succeed"
		}, "unknown dependency type"},
		{"cycle", func(d *types.Definition) {
			d.Actions[0].Actions[0].DependsOn = []types.DependencySpec{{Action: "notify", Type: types.DependencyMustSucceed}}
		}, "cycle"},
		{"self dependency", func(d *types.Definition) {
			d.Actions[0].Actions[0].DependsOn = []types.DependencySpec{{Action: "validate", Type: types.DependencyMustSucceed}}
		}, "itself"},
		{"actions on unknown event", func(d *types.Definition) { d.Actions[0].Event = "ship" }, "unknown event"},
		{"join without continuation", func(d *types.Definition) {
			d.Actions[0].Joins = []types.JoinSpec{{Name: "all", Continuation: "ship"}}
			d.Actions[0].Actions[0].Join = "all"
		}, "continuation"},
		{"join without members", func(d *types.Definition) {
			d.Actions[0].Joins = []types.JoinSpec{{Name: "all", Continuation: "approve"}}
		}, "no member actions"},
		{"timer on unknown state", func(d *types.Definition) { d.Timers[0].State = "limbo" }, "unknown state"},
		{"timer without delay", func(d *types.Definition) { d.Timers[0].After = 0 }, "after must be positive"},
		{"timer with bad recurrence", func(d *types.Definition) { d.Timers[0].Recurrence = "fortnightly-ish" }, "invalid recurrence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := approvalDefinition()
			tt.mutate(&def)
			err := v.Validate(def)
			require.Error(t, err)
			assert.True(t, failure.IsValidation(err), "got %T", err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("guard compile failure", func(t *testing.T) {
		v := Validator{CheckGuard: func(string) error { return errors.New("unexpected token") }}
		err := v.Validate(approvalDefinition())
		assert.True(t, failure.IsValidation(err))
		assert.Contains(t, err.Error(), "invalid guard")
	})
}

func TestParseRecurrence(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for rule, want := range map[string]time.Time{
		"hourly":      base.Add(time.Hour),
		"DAILY":       base.Add(24 * time.Hour),
		"weekly":      base.Add(7 * 24 * time.Hour),
		"@every 90s":  base.Add(90 * time.Second),
		"30 10 * * *": time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	} {
		next, err := NextFire(rule, base)
		require.NoError(t, err, rule)
		assert.Equal(t, want, next, rule)
	}

	_, err := ParseRecurrence("")
	assert.Error(t, err)
	_, err = ParseRecurrence("every tuesday")
	assert.Error(t, err)
	_, err = ParseRecurrence("@every -5m")
	assert.Error(t, err)
}

func TestNextFireKeepsSubSecondPrecision(t *testing.T) {
	prev := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	for rule, interval := range map[string]time.Duration{
		"hourly":        time.Hour,
		"daily":         24 * time.Hour,
		"weekly":        7 * 24 * time.Hour,
		"@every 1500ms": 1500 * time.Millisecond,
	} {
		next, err := NextFire(rule, prev)
		require.NoError(t, err, rule)
		assert.Equal(t, interval, next.Sub(prev), rule)
	}

	// Cron expressions fire on whole minutes.
	next, err := NextFire("30 10 * * *", prev)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), next)
}

func TestDecodeDefinitions(t *testing.T) {
	src := `
workflows:
  - name: approval
    version: 1
    initial_state: draft
    states:
      - name: draft
      - name: done
        final: completed
    transitions:
      - event: finish
        from: draft
        to: done
    actions:
      - event: finish
        actions:
          - name: notify
            kind: log
            timeout: 30s
            params:
              message: finished
---
name: refund
version: 2
initial_state: open
states:
  - name: open
transitions: []
timers:
  - state: open
    event: poke
    recurrence: daily
`
	defs, err := DecodeDefinitions(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "approval", defs[0].Name)
	assert.Equal(t, types.StatusCompleted, defs[0].States[1].Final)
	assert.Equal(t, 30*time.Second, defs[0].Actions[0].Actions[0].Timeout)
	assert.Equal(t, "finished", defs[0].Actions[0].Actions[0].Params["message"])
	assert.Equal(t, "refund", defs[1].Name)
	assert.Equal(t, "daily", defs[1].Timers[0].Recurrence)
}

func TestLoadDefinitionsMissingFile(t *testing.T) {
	_, err := LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStaticTriggerRegistry(t *testing.T) {
	ctx := context.Background()
	reg, err := NewStaticTriggerRegistry(
		Binding{Trigger: "invoice.created", Workflow: "approval", Version: 1},
		Binding{Tenant: "acme", Trigger: "invoice.created", Workflow: "approval", Version: 2},
	)
	require.NoError(t, err)

	name, version, err := reg.ResolveTrigger(ctx, "acme", "invoice.created")
	require.NoError(t, err)
	assert.Equal(t, "approval", name)
	assert.Equal(t, 2, version)

	_, version, err = reg.ResolveTrigger(ctx, "globex", "invoice.created")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, _, err = reg.ResolveTrigger(ctx, "acme", "order.placed")
	assert.True(t, failure.IsNotFound(err))

	assert.True(t, failure.IsValidation(reg.Bind(Binding{Trigger: "x", Workflow: "y"})))
}

func TestLoadTriggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triggers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
triggers:
  - trigger: refund.requested
    workflow: refund
    version: 3
`), 0o600))

	reg, err := LoadTriggers(path)
	require.NoError(t, err)
	name, version, err := reg.ResolveTrigger(context.Background(), "any", "refund.requested")
	require.NoError(t, err)
	assert.Equal(t, "refund", name)
	assert.Equal(t, 3, version)
}
