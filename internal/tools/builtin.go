// Package tools provides the built-in tool catalog: small local utilities,
// a generic HTTP-proxy tool that turns endpoint definitions into tools, an
// S3 presign tool and a toolset switcher.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentloop/internal/agent"
)

const (
	maxUUIDs    = 20
	maxDice     = 100
	maxDieSides = 1000
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA zone name such as Europe/Paris. Defaults to UTC."`
}

// CurrentTime reports the current time. now is injectable for tests.
func CurrentTime(now func() time.Time) *agent.Tool {
	if now == nil {
		now = time.Now
	}
	return agent.NewTool("get_current_time", "Returns the current date and time, optionally in a given timezone.",
		func(ctx context.Context, in currentTimeArgs, vars agent.Vars) (*agent.ToolOutput, error) {
			loc := time.UTC
			if tz := strings.TrimSpace(in.Timezone); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return &agent.ToolOutput{Content: fmt.Sprintf("unknown timezone %q", tz), IsError: true}, nil
				}
				loc = l
			}
			t := now().In(loc)
			return jsonOutput(map[string]any{
				"time":     t.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  t.Weekday().String(),
			})
		})
}

type generateUUIDArgs struct {
	Count int `json:"count,omitempty" jsonschema:"minimum=1,maximum=20,description=How many UUIDs to generate. Defaults to 1."`
}

// GenerateUUID returns random version 4 UUIDs.
func GenerateUUID() *agent.Tool {
	return agent.NewTool("generate_uuid", "Generates one or more random UUIDs.",
		func(ctx context.Context, in generateUUIDArgs, vars agent.Vars) (*agent.ToolOutput, error) {
			n := in.Count
			if n <= 0 {
				n = 1
			}
			if n > maxUUIDs {
				n = maxUUIDs
			}
			ids := make([]string, n)
			for i := range ids {
				ids[i] = uuid.NewString()
			}
			return jsonOutput(map[string]any{"uuids": ids})
		})
}

type rollDiceArgs struct {
	Dice  int `json:"dice,omitempty" jsonschema:"minimum=1,maximum=100,description=Number of dice. Defaults to 1."`
	Sides int `json:"sides,omitempty" jsonschema:"minimum=2,maximum=1000,description=Sides per die. Defaults to 6."`
}

// RollDice rolls dice. intn must return a value in [0, n); nil uses
// math/rand/v2.
func RollDice(intn func(n int) int) *agent.Tool {
	if intn == nil {
		intn = rand.IntN
	}
	return agent.NewTool("roll_dice", "Rolls one or more dice and returns each roll and the total.",
		func(ctx context.Context, in rollDiceArgs, vars agent.Vars) (*agent.ToolOutput, error) {
			dice, sides := in.Dice, in.Sides
			if dice <= 0 {
				dice = 1
			}
			if sides <= 0 {
				sides = 6
			}
			if dice > maxDice || sides > maxDieSides || sides < 2 {
				return &agent.ToolOutput{Content: fmt.Sprintf("dice must be 1-%d and sides 2-%d", maxDice, maxDieSides), IsError: true}, nil
			}
			rolls := make([]int, dice)
			total := 0
			for i := range rolls {
				rolls[i] = intn(sides) + 1
				total += rolls[i]
			}
			return jsonOutput(map[string]any{"rolls": rolls, "total": total})
		})
}

// Builtins returns the local tools that need no configuration.
func Builtins() []*agent.Tool {
	return []*agent.Tool{CurrentTime(nil), GenerateUUID(), RollDice(nil)}
}

func jsonOutput(v any) (*agent.ToolOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return agent.Text(string(data)), nil
}
