package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
tasks:
  - handler: send-welcome-email
    name: Send welcome email
    retry_limit: 2
    timeout: 10s
    steps:
      - name: render
        avg_duration_ms: 120
      - name: deliver
        avg_duration_ms: 480
  - handler: nightly-report
    name: Nightly report
    retry_limit: 0
    timeout: 30s
    steps:
      - name: aggregate
        avg_duration_ms: 800
`

func TestParse(t *testing.T) {
	reg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	task, ok := reg.Get("send-welcome-email")
	require.True(t, ok)
	assert.Equal(t, "Send welcome email", task.Name)
	assert.Equal(t, 2, task.RetryLimit)
	assert.Equal(t, 10*time.Second, task.Timeout)
	require.Len(t, task.Steps, 2)
	assert.Equal(t, "render", task.Steps[0].Name)
	assert.Equal(t, int64(480), task.Steps[1].AvgDurationMS)
	assert.Equal(t, 600*time.Millisecond, task.TotalAvgDuration())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestListIsOrderedByHandler(t *testing.T) {
	reg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	tasks := reg.List()
	require.Len(t, tasks, 2)
	assert.Equal(t, "nightly-report", tasks[0].Handler)
	assert.Equal(t, "send-welcome-email", tasks[1].Handler)
}

func TestParseRejectsInvalidRegistries(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no tasks",
			yaml:    "tasks: []",
			wantErr: "no tasks",
		},
		{
			name: "missing handler",
			yaml: `
tasks:
  - name: Bad
    timeout: 5s
    steps:
      - name: a
        avg_duration_ms: 10
`,
			wantErr: "handler is required",
		},
		{
			name: "unparseable timeout",
			yaml: `
tasks:
  - handler: t
    name: T
    timeout: soon
    steps:
      - name: a
        avg_duration_ms: 10
`,
			wantErr: "invalid timeout",
		},
		{
			name: "negative retry limit",
			yaml: `
tasks:
  - handler: t
    name: T
    retry_limit: -1
    timeout: 5s
    steps:
      - name: a
        avg_duration_ms: 10
`,
			wantErr: "retry_limit",
		},
		{
			name: "no steps",
			yaml: `
tasks:
  - handler: t
    name: T
    timeout: 5s
    steps: []
`,
			wantErr: "at least one step",
		},
		{
			name: "non-positive step duration",
			yaml: `
tasks:
  - handler: t
    name: T
    timeout: 5s
    steps:
      - name: a
        avg_duration_ms: 0
`,
			wantErr: "avg_duration_ms",
		},
		{
			name: "duplicate handler",
			yaml: `
tasks:
  - handler: t
    name: T
    timeout: 5s
    steps:
      - name: a
        avg_duration_ms: 10
  - handler: t
    name: T again
    timeout: 5s
    steps:
      - name: a
        avg_duration_ms: 10
`,
			wantErr: "duplicate task handler",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewValidatesTasks(t *testing.T) {
	_, err := New()
	require.Error(t, err)

	valid := Task{
		Handler: "t",
		Name:    "T",
		Timeout: 5 * time.Second,
		Steps:   []StepTemplate{{Name: "a", AvgDurationMS: 10}},
	}
	reg, err := New(valid)
	require.NoError(t, err)
	_, ok := reg.Get("t")
	assert.True(t, ok)
}
