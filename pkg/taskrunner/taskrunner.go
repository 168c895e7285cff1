package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/approvalapi"
	"github.com/tyemirov/gantry/internal/execution"
	"github.com/tyemirov/gantry/internal/pipeline"
)

const (
	approvalListenErrorTemplate       = "taskrunner.approval_listen %s: %w"
	approvalServerFailedMessage       = "approval_server_failed"
	approvalServerStoppedMessage      = "approval_server_stopped"
	approvalListenAddressFieldName    = "address"
	executorNotConfiguredMessageConst = "pipeline executor not configured"
)

// ErrExecutorNotConfigured indicates a Runner was used without a pipeline executor.
var ErrExecutorNotConfigured = errors.New(executorNotConfiguredMessageConst)

// Executor runs pipeline definitions for a trigger.
type Executor interface {
	Run(ctx context.Context, facts execution.RunFacts) (execution.ReportSnapshot, error)
}

// Factory constructs an Executor given a definition and resolved dependencies.
type Factory func(pipeline.Definition, DependenciesResult) (Executor, error)

// ListenFunc opens the approval API listener.
type ListenFunc func(network string, address string) (net.Listener, error)

// Runner executes one pipeline definition and, in http approval mode, serves the approval API
// for the lifetime of each run.
type Runner struct {
	executor     *execution.Executor
	dependencies DependenciesResult
	listen       ListenFunc
	logger       *zap.Logger
}

// NewRunner validates definition and builds a Runner over dependencies.
func NewRunner(definition pipeline.Definition, dependencies DependenciesResult) (*Runner, error) {
	executor, executorError := execution.NewExecutor(definition.Pipeline, dependencies.Execution)
	if executorError != nil {
		return nil, executorError
	}
	logger := dependencies.Execution.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{executor: executor, dependencies: dependencies, listen: net.Listen, logger: logger}, nil
}

// Resolve returns either the provided factory result or a default Runner.
func Resolve(factory Factory, definition pipeline.Definition, dependencies DependenciesResult) (Executor, error) {
	if factory != nil {
		executor, factoryError := factory(definition, dependencies)
		if factoryError != nil {
			return nil, factoryError
		}
		if executor != nil {
			return executor, nil
		}
	}
	return NewRunner(definition, dependencies)
}

// WithListener overrides how the approval API listener is opened.
func (runner *Runner) WithListener(listen ListenFunc) *Runner {
	if listen != nil {
		runner.listen = listen
	}
	return runner
}

// Run executes the pipeline for facts and returns the finalized report.
func (runner *Runner) Run(ctx context.Context, facts execution.RunFacts) (execution.ReportSnapshot, error) {
	if runner == nil || runner.executor == nil {
		return execution.ReportSnapshot{}, ErrExecutorNotConfigured
	}
	run := runner.executor.NewRun(facts)

	if runner.dependencies.ApprovalMode == ApprovalModeHTTP {
		stopServer, serveError := runner.serveApprovals(ctx, run)
		if serveError != nil {
			return run.Report().Snapshot(), serveError
		}
		defer stopServer()
	}

	return run.Execute(ctx)
}

func (runner *Runner) serveApprovals(ctx context.Context, run *execution.Run) (func(), error) {
	listener, listenError := runner.listen("tcp", runner.dependencies.ApprovalListen)
	if listenError != nil {
		return nil, fmt.Errorf(approvalListenErrorTemplate, runner.dependencies.ApprovalListen, listenError)
	}

	server := approvalapi.NewServer(runner.dependencies.Execution.Gates, run.Report(), runner.logger)
	serverContext, cancelServer := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan struct{})
	go func() {
		defer close(served)
		if serveError := server.Serve(serverContext, listener); serveError != nil {
			runner.logger.Warn(approvalServerFailedMessage, zap.String(approvalListenAddressFieldName, listener.Addr().String()), zap.Error(serveError))
		}
	}()

	return func() {
		cancelServer()
		<-served
		runner.logger.Debug(approvalServerStoppedMessage, zap.String(approvalListenAddressFieldName, listener.Addr().String()))
	}, nil
}
