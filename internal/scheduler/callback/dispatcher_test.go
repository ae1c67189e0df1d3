package callback_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aios/benchscheduler/internal/scheduler/callback"
	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/logstore"
)

func newTask(url string) *domain.Task {
	return &domain.Task{
		ID:             uuid.New(),
		Type:           domain.TaskSinglePoint,
		CallbackURL:    url,
		CallbackEvents: []domain.CallbackEvent{domain.EventTaskCompleted},
	}
}

func TestDeliverySucceedsFirstAttempt(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "http://hook.example/cb",
		httpmock.NewStringResponder(200, `{"ok":true}`))

	cfg := callback.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	d := callback.New(client, cfg, nil, nil)

	task := newTask("http://hook.example/cb")
	d.Emit(context.Background(), task, domain.EventTaskCompleted, map[string]any{"energy_eV": -1.0})
	d.Wait()

	records := d.History(callback.Filter{TaskID: task.ID.String()}, 10)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	call := 0
	httpmock.RegisterResponder("POST", "http://hook.example/cb", func(req *http.Request) (*http.Response, error) {
		call++
		if call < 3 {
			return httpmock.NewStringResponse(500, "boom"), nil
		}
		return httpmock.NewStringResponse(200, `{"ok":true}`), nil
	})

	cfg := callback.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.BackoffFactor = 1
	d := callback.New(client, cfg, nil, nil)

	task := newTask("http://hook.example/cb")
	d.Emit(context.Background(), task, domain.EventTaskCompleted, nil)
	d.Wait()

	records := d.History(callback.Filter{TaskID: task.ID.String()}, 10)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestDeliveryExhaustsRetries(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "http://hook.example/cb",
		httpmock.NewStringResponder(500, "boom"))

	cfg := callback.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxRetries = 2
	d := callback.New(client, cfg, nil, nil)

	task := newTask("http://hook.example/cb")
	d.Emit(context.Background(), task, domain.EventTaskCompleted, nil)
	d.Wait()

	records := d.History(callback.Filter{TaskID: task.ID.String()}, 10)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, 3, records[0].Attempts) // original + 2 retries
}

func TestEmitSkipsTaskWithoutCallbackURL(t *testing.T) {
	d := callback.New(nil, callback.DefaultConfig(), nil, nil)
	task := newTask("")
	d.Emit(context.Background(), task, domain.EventTaskCompleted, nil)
	d.Wait()

	assert.Empty(t, d.History(callback.Filter{}, 0))
}

func TestStatsRollup(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "http://hook.example/ok",
		httpmock.NewStringResponder(200, `{}`))
	httpmock.RegisterResponder("POST", "http://hook.example/fail",
		httpmock.NewStringResponder(500, `{}`))

	cfg := callback.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxRetries = 0
	d := callback.New(client, cfg, nil, nil)

	okTask := newTask("http://hook.example/ok")
	failTask := newTask("http://hook.example/fail")
	d.Emit(context.Background(), okTask, domain.EventTaskCompleted, nil)
	d.Emit(context.Background(), failTask, domain.EventTaskFailed, nil)
	d.Wait()

	stats := d.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 50.0, stats.SuccessRate)
}

func TestEmitLogsDeliveryOutcomeThroughSink(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "http://hook.example/ok",
		httpmock.NewStringResponder(200, `{}`))
	httpmock.RegisterResponder("POST", "http://hook.example/fail",
		httpmock.NewStringResponder(500, "boom"))

	cfg := callback.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxRetries = 0
	logs := logstore.New(0, 0)
	d := callback.New(client, cfg, logs, nil)

	okTask := newTask("http://hook.example/ok")
	failTask := newTask("http://hook.example/fail")
	d.Emit(context.Background(), okTask, domain.EventTaskCompleted, nil)
	d.Emit(context.Background(), failTask, domain.EventTaskFailed, nil)
	d.Wait()

	okEntries := logs.Get(okTask.ID, "", 0)
	require.Len(t, okEntries, 1)
	assert.Equal(t, domain.LogInfo, okEntries[0].Level)

	failEntries := logs.Get(failTask.ID, "", 0)
	require.Len(t, failEntries, 1)
	assert.Equal(t, domain.LogError, failEntries[0].Level)
}

func TestSignatureOmittedWithoutSecret(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	var seenBody string
	httpmock.RegisterResponder("POST", "http://hook.example/cb", func(req *http.Request) (*http.Response, error) {
		buf := make([]byte, 4096)
		n, _ := req.Body.Read(buf)
		seenBody = string(buf[:n])
		return httpmock.NewStringResponse(200, `{}`), nil
	})

	cfg := callback.DefaultConfig()
	d := callback.New(client, cfg, nil, nil)
	task := newTask("http://hook.example/cb")
	d.Emit(context.Background(), task, domain.EventTaskCompleted, nil)
	d.Wait()

	assert.NotContains(t, seenBody, "signature")
}
