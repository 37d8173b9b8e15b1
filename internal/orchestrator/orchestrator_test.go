package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sheet-assist/internal/executor"
	"github.com/sells-group/sheet-assist/internal/gateway"
	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/safety"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

type fakeGateway struct {
	responses []model.ModelResponse
	err       error
	queries   []model.Query
	n         int
}

func (g *fakeGateway) FanOut(_ context.Context, q model.Query, _ model.BackendID, n int) ([]model.ModelResponse, error) {
	g.queries = append(g.queries, q)
	g.n = n
	return g.responses, g.err
}

type spyHost struct {
	*workbook.Workbook
	runs int
}

func (h *spyHost) Run(ctx context.Context, fn func(tx *workbook.Tx) error) error {
	h.runs++
	return h.Workbook.Run(ctx, fn)
}

type mockRecorder struct{ mock.Mock }

func (m *mockRecorder) SaveCycle(ctx context.Context, r *model.CycleResult) error {
	return m.Called(ctx, r).Error(0)
}

func salesHost() *spyHost {
	return &spyHost{Workbook: workbook.FromValues("Sheet1", [][]any{
		{"Region", "Sales"},
		{"East", 10},
		{"West", 20},
	})}
}

// block renders one implementation block the way the model would.
func block(body string) string {
	return "IMPLEMENT:\n```javascript\nasync function executeChanges(context) {\n" + body + "\n}\n```\n"
}

func writes(value string) string {
	return fmt.Sprintf(`  context.workbook.worksheets.getActiveWorksheet().getRange("D1").values = [[%q]];
  await context.sync();`, value)
}

const (
	throws   = `  throw new Error("boom");`
	rejected = `  eval("1");`
)

func response(blocks ...string) model.ModelResponse {
	return model.ModelResponse{
		RawText:   "Totals by region.\n\n" + strings.Join(blocks, "\n"),
		BackendID: model.BackendPrimary,
		Vendor:    "claude",
	}
}

func newOrchestrator(gw Gateway, host workbook.Host, opts ...Option) *Orchestrator {
	return New(Config{Candidates: 3}, gw, safety.MustNew(), executor.New(executor.DefaultTimeout), host, opts...)
}

func query() model.Query {
	return model.NewQuery("total sales by region", [][]any{{"Region", "Sales"}}, "Sheet1!A1:B1")
}

func TestRun_FallsBackAcrossResponses(t *testing.T) {
	host := salesHost()
	gw := &fakeGateway{responses: []model.ModelResponse{
		response(block(throws)),
		response(block(writes("second"))),
	}}

	res, err := newOrchestrator(gw, host).Run(context.Background(), query())
	require.NoError(t, err)

	assert.Equal(t, model.CycleSucceeded, res.Status)
	assert.Equal(t, 2, res.Candidates)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, model.StateFailed, res.Outcomes[0].State)
	assert.Equal(t, 1, res.Outcomes[0].Error.Attempt)
	assert.Equal(t, "primary", res.Outcomes[0].Error.Backend)
	assert.Equal(t, 1, res.Outcomes[1].Candidate.ResponseIndex)
	assert.True(t, res.Outcomes[1].Succeeded)
	assert.Equal(t, "Totals by region.", res.Analysis)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 3, gw.n)

	got, err := host.Values("D1")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"second"}}, got)
}

func TestRun_StopsAtFirstSuccess(t *testing.T) {
	for k := 1; k <= 4; k++ {
		t.Run(fmt.Sprintf("success at %d", k), func(t *testing.T) {
			var blocks []string
			for i := 1; i <= 4; i++ {
				if i == k {
					blocks = append(blocks, block(writes(fmt.Sprintf("attempt %d", i))))
					continue
				}
				blocks = append(blocks, block(throws))
			}
			host := salesHost()
			gw := &fakeGateway{responses: []model.ModelResponse{response(blocks...)}}

			res, err := newOrchestrator(gw, host).Run(context.Background(), query())
			require.NoError(t, err)
			assert.Len(t, res.Outcomes, k)
			assert.Equal(t, k, host.runs)

			w, ok := res.Winner()
			require.True(t, ok)
			assert.Equal(t, k-1, w.Candidate.OriginIndex)

			got, err := host.Values("D1")
			require.NoError(t, err)
			assert.Equal(t, [][]any{{fmt.Sprintf("attempt %d", k)}}, got)
		})
	}
}

func TestRun_AllRejectedNeverTouchesHost(t *testing.T) {
	host := salesHost()
	gw := &fakeGateway{responses: []model.ModelResponse{
		response(block(rejected), block(`  window.alert("x");`)),
	}}

	res, err := newOrchestrator(gw, host).Run(context.Background(), query())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Contains(t, err.Error(), "all 2 implementation attempts failed")
	assert.Contains(t, err.Error(), "window")

	assert.Equal(t, model.CycleExhausted, res.Status)
	assert.Zero(t, host.runs)
	for i, o := range res.Outcomes {
		assert.Equal(t, model.StateRejected, o.State)
		assert.Equal(t, model.ErrorKindValidation, o.Error.Kind)
		assert.Equal(t, i+1, o.Error.Attempt)
	}
	require.NotNil(t, res.LastError)
	assert.Equal(t, 2, res.LastError.Attempt)
}

func TestRun_MixedFailuresReportLastError(t *testing.T) {
	host := salesHost()
	gw := &fakeGateway{responses: []model.ModelResponse{response(block(rejected), block(throws))}}

	res, err := newOrchestrator(gw, host).Run(context.Background(), query())
	require.Error(t, err)

	assert.Equal(t, model.CycleExhausted, res.Status)
	assert.Equal(t, 1, host.runs)
	require.NotNil(t, res.LastError)
	assert.Equal(t, model.ErrorKindExecution, res.LastError.Kind)
	assert.Contains(t, res.LastError.Message, "boom")
	assert.Contains(t, res.Summary(), "attempt 2, primary")
}

func TestRun_NoImplementation(t *testing.T) {
	host := salesHost()
	gw := &fakeGateway{responses: []model.ModelResponse{{RawText: "East sells less than West.", BackendID: model.BackendPrimary}}}

	res, err := newOrchestrator(gw, host).Run(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, model.CycleNoImplementation, res.Status)
	assert.Equal(t, "East sells less than West.", res.Analysis)
	assert.Empty(t, res.Outcomes)
	assert.Zero(t, host.runs)
}

func TestRun_ConfigurationErrorIsReturnedUnchanged(t *testing.T) {
	cfgErr := &gateway.ConfigurationError{Vendor: "claude", Reason: "SHEET_ASSIST_ANTHROPIC_KEY is not set"}
	gw := &fakeGateway{err: cfgErr}

	res, err := newOrchestrator(gw, salesHost()).Run(context.Background(), query())
	assert.Same(t, cfgErr, err)
	assert.Equal(t, model.CycleGatewayFailed, res.Status)
	assert.True(t, gateway.IsConfigurationError(err))
}

func TestRun_GatewayFailure(t *testing.T) {
	gw := &fakeGateway{err: &gateway.SendError{Vendor: "claude", Attempts: 3, Err: errors.New("status 503")}}

	res, err := newOrchestrator(gw, salesHost()).Run(context.Background(), query())
	require.Error(t, err)
	assert.Equal(t, model.CycleGatewayFailed, res.Status)
	require.NotNil(t, res.LastError)
	assert.Contains(t, res.LastError.Message, "failed after 3 attempts")
	assert.Contains(t, res.Summary(), "Error:")
}

func TestRun_CancelledBeforeExecution(t *testing.T) {
	host := salesHost()
	gw := &fakeGateway{responses: []model.ModelResponse{response(block(writes("x")))}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newOrchestrator(gw, host).Run(ctx, query())
	require.Error(t, err)
	assert.Equal(t, model.CycleExhausted, res.Status)
	assert.Empty(t, res.Outcomes)
	assert.Zero(t, host.runs)
	require.NotNil(t, res.LastError)
	assert.Contains(t, res.LastError.Message, "context canceled")
}

func TestRun_RecordsCycle(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("SaveCycle", mock.Anything, mock.MatchedBy(func(r *model.CycleResult) bool {
		return r.Status == model.CycleSucceeded && !r.FinishedAt.IsZero()
	})).Return(nil).Once()

	gw := &fakeGateway{responses: []model.ModelResponse{response(block(writes("ok")))}}
	_, err := newOrchestrator(gw, salesHost(), WithRecorder(rec)).Run(context.Background(), query())
	require.NoError(t, err)
	rec.AssertExpectations(t)
}

func TestRun_RecorderFailureDoesNotFailCycle(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("SaveCycle", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	gw := &fakeGateway{responses: []model.ModelResponse{response(block(writes("ok")))}}
	res, err := newOrchestrator(gw, salesHost(), WithRecorder(rec)).Run(context.Background(), query())
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestAsk_SnapshotsUsedRange(t *testing.T) {
	gw := &fakeGateway{responses: []model.ModelResponse{{RawText: "Nothing to change."}}}

	_, err := newOrchestrator(gw, salesHost()).Ask(context.Background(), "what is the total?")
	require.NoError(t, err)

	require.Len(t, gw.queries, 1)
	q := gw.queries[0]
	assert.Equal(t, "what is the total?", q.Text())
	assert.Equal(t, "Sheet1!A1:B3", q.RangeAddress())
	assert.Len(t, q.SourceData(), 3)
}

func TestRunResponses_ReusesEarlierResponses(t *testing.T) {
	host := salesHost()
	gw := &fakeGateway{}
	o := newOrchestrator(gw, host)

	res, err := o.RunResponses(context.Background(), query(), []model.ModelResponse{response(block(writes("again")))})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Empty(t, gw.queries)
	assert.Equal(t, 1, host.runs)
}

func TestNew_Defaults(t *testing.T) {
	o := New(Config{}, &fakeGateway{}, safety.MustNew(), executor.New(0), salesHost())
	assert.Equal(t, model.BackendPrimary, o.cfg.Backend)
	assert.Equal(t, 5, o.cfg.Candidates)
}
