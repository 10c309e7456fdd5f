// Package mocks holds testify mocks for the collaborators that cross package
// boundaries: configuration, the planner, the browser executor and the run store.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/planner"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// -- Config Mock --

// MockConfig mocks config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) LLM() config.LLMConfig {
	args := m.Called()
	return args.Get(0).(config.LLMConfig)
}

func (m *MockConfig) Resilience() config.ResilienceConfig {
	args := m.Called()
	return args.Get(0).(config.ResilienceConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetEngineRunTimeout(d time.Duration) {
	m.Called(d)
}

// -- Planner Mock --

// MockPlanner mocks the planning capability the orchestrator consumes.
type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) PlanGoal(ctx context.Context, goal string, pc planner.PlanContext) ([]schemas.ActionStep, error) {
	args := m.Called(ctx, goal, pc)
	steps, _ := args.Get(0).([]schemas.ActionStep)
	return steps, args.Error(1)
}

func (m *MockPlanner) PlanRepair(ctx context.Context, failed schemas.ActionStep, errMsg string, snapshot *schemas.DomSnapshot, pc planner.PlanContext) ([]schemas.ActionStep, error) {
	args := m.Called(ctx, failed, errMsg, snapshot, pc)
	steps, _ := args.Get(0).([]schemas.ActionStep)
	return steps, args.Error(1)
}

func (m *MockPlanner) FindSelector(ctx context.Context, description string, snapshot *schemas.DomSnapshot) (string, error) {
	args := m.Called(ctx, description, snapshot)
	return args.String(0), args.Error(1)
}

func (m *MockPlanner) Summarize(ctx context.Context, in planner.SummaryInput) string {
	args := m.Called(ctx, in)
	return args.String(0)
}

// -- Browser Mocks --

// MockExecutor mocks a browser step executor.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, step schemas.ActionStep) (schemas.ExecutionOutcome, error) {
	args := m.Called(ctx, step)
	return args.Get(0).(schemas.ExecutionOutcome), args.Error(1)
}

// MockSession is a MockExecutor that can also be closed.
type MockSession struct {
	MockExecutor
}

func (m *MockSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// ActionIs matches steps by action type.
func ActionIs(action schemas.ActionType) any {
	return mock.MatchedBy(func(step schemas.ActionStep) bool { return step.Action == action })
}

// -- Store Mock --

// MockRunRepository mocks run persistence.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) SaveRun(ctx context.Context, state testrun.RunState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

// StatusIs matches persisted states by status.
func StatusIs(status testrun.RunStatus) any {
	return mock.MatchedBy(func(state testrun.RunState) bool { return state.Status == status })
}
