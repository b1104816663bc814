package directive

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/domain"
)

func TestParseValid(t *testing.T) {
	tasks, err := Parse(`{"tasks":[{"dept":"tech_dept","action":"roll back"},{"dept":"pr_dept","action":"apologise"}]}`, 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.Task{
		{Unit: domain.UnitTech, Action: "roll back"},
		{Unit: domain.UnitPR, Action: "apologise"},
	}, tasks)

	tasks, err = Parse(`  {"tasks":[]}  `, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestParseFailures(t *testing.T) {
	cases := map[string]string{
		"not json":       "{not json",
		"wrong shape":    `{"foo": 1}`,
		"prose prefix":   `Sure! {"tasks":[]}`,
		"fenced":         "```json\n{\"tasks\":[]}\n```",
		"unknown unit":   `{"tasks":[{"dept":"finance","action":"pay"}]}`,
		"empty action":   `{"tasks":[{"dept":"tech_dept","action":"  "}]}`,
		"missing action": `{"tasks":[{"dept":"tech_dept"}]}`,
		"extra field":    `{"tasks":[],"note":"x"}`,
		"trailing":       `{"tasks":[]} {"tasks":[]}`,
		"tasks not list": `{"tasks":{"dept":"tech_dept"}}`,
		"empty":          "",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			tasks, err := Parse(raw, 0)
			assert.ErrorIs(t, err, ErrParse)
			assert.Nil(t, tasks)
		})
	}
}

func TestParseCapsFanOut(t *testing.T) {
	var items []string
	for i := 0; i < 5; i++ {
		items = append(items, fmt.Sprintf(`{"dept":"tech_dept","action":"step %d"}`, i))
	}
	raw := `{"tasks":[` + strings.Join(items, ",") + `]}`
	_, err := Parse(raw, 4)
	assert.ErrorIs(t, err, ErrParse)
	tasks, err := Parse(raw, 5)
	require.NoError(t, err)
	assert.Len(t, tasks, 5)
}

func TestInstructionsListUnits(t *testing.T) {
	text := Instructions()
	for _, u := range domain.Units {
		assert.Contains(t, text, string(u))
	}
}
