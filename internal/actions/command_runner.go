package actions

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sort"
)

const (
	shellExecutableConstant = "sh"
	shellScriptFlagConstant = "-c"
)

// ShellCommand describes a single shell script invocation.
type ShellCommand struct {
	Script               string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	InheritEnvironment   bool
}

// ExecutionResult captures observable command results.
type ExecutionResult struct {
	Output   []byte
	ExitCode int
}

// CommandRunner executes shell commands.
type CommandRunner interface {
	Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error)
}

// ProcessCommandRunner runs scripts through `sh -c` as child processes.
type ProcessCommandRunner struct{}

// Run executes the script and captures combined output. A non-zero exit is reported through
// ExitCode, not as an error; errors mean the process could not be started or was interrupted.
func (ProcessCommandRunner) Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	process := exec.CommandContext(executionContext, shellExecutableConstant, shellScriptFlagConstant, command.Script)
	process.Dir = command.WorkingDirectory
	process.Env = buildEnvironment(process, command)

	var output bytes.Buffer
	process.Stdout = &output
	process.Stderr = &output

	runError := process.Run()
	result := ExecutionResult{Output: output.Bytes()}
	if runError == nil {
		return result, nil
	}

	var exitError *exec.ExitError
	if errors.As(runError, &exitError) && executionContext.Err() == nil {
		result.ExitCode = exitError.ExitCode()
		return result, nil
	}
	if contextError := executionContext.Err(); contextError != nil {
		return result, contextError
	}
	return result, runError
}

func buildEnvironment(process *exec.Cmd, command ShellCommand) []string {
	environment := make([]string, 0, len(command.EnvironmentVariables))
	if command.InheritEnvironment {
		environment = append(environment, process.Environ()...)
	}
	names := make([]string, 0, len(command.EnvironmentVariables))
	for name := range command.EnvironmentVariables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		environment = append(environment, name+"="+command.EnvironmentVariables[name])
	}
	return environment
}
