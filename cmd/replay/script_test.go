package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScript(t *testing.T) {
	script := `
# switch away twice, then submit
{"action":"setup_complete"}
{"action":"visibility","hidden":true,"after":"1s"}

{"action":"submit_confirm","after":"250ms"}
`
	steps, err := parseScript(strings.NewReader(script))
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, 3, steps[0].line)
	assert.Zero(t, steps[0].after)
	assert.Equal(t, time.Second, steps[1].after)
	assert.Equal(t, 250*time.Millisecond, steps[2].after)
	assert.JSONEq(t, `{"action":"visibility","hidden":true,"after":"1s"}`, string(steps[1].raw))
}

func TestParseScript_Errors(t *testing.T) {
	tests := map[string]string{
		"not json":       `{"action":`,
		"missing action": `{"hidden":true}`,
		"bad after":      `{"action":"blur","after":"soon"}`,
		"negative after": `{"action":"blur","after":"-1s"}`,
	}
	for name, script := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseScript(strings.NewReader(script))
			assert.Error(t, err)
		})
	}
}
