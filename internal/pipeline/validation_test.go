package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func leafStage(name string) *Stage {
	return &Stage{Name: name, Body: Leaf(name + "-action")}
}

func gatedStage(name string) *Stage {
	stage := leafStage(name)
	stage.RequiresApproval = &ApprovalGate{Message: name + "?", Timeout: time.Minute}
	return stage
}

func TestValidateAcceptsWellFormedPipeline(testInstance *testing.T) {
	checkout := leafStage("Checkout")
	checkout.Hooks.Failure = []Hook{{Kind: HookKindTrigger, Stage: "Cleanup"}}
	pipeline := &Pipeline{
		Stages: []*Stage{
			checkout,
			{Name: "Tests", Body: Parallel(leafStage("BackendTest"), leafStage("FrontendTest"))},
			gatedStage("Deploy"),
			leafStage("Cleanup"),
		},
		Hooks: PostHooks{
			Always: []Hook{{Kind: HookKindNotify, Channel: "#ci", Message: "done"}},
		},
	}

	require.NoError(testInstance, Validate(pipeline))
}

func TestValidateReportsStructuralProblems(testInstance *testing.T) {
	testCases := []struct {
		name             string
		pipeline         *Pipeline
		expectedProblems []string
	}{
		{
			name:             "empty_pipeline",
			pipeline:         &Pipeline{},
			expectedProblems: []string{"pipeline defines no stages"},
		},
		{
			name:             "duplicate_siblings",
			pipeline:         &Pipeline{Stages: []*Stage{leafStage("Build"), leafStage("Build")}},
			expectedProblems: []string{"pipeline defines stage \"Build\" multiple times"},
		},
		{
			name:             "duplicate_nested_siblings",
			pipeline:         &Pipeline{Stages: []*Stage{{Name: "Tests", Body: Sequence(leafStage("Unit"), leafStage("Unit"))}}},
			expectedProblems: []string{"stage \"Tests\" defines stage \"Unit\" multiple times"},
		},
		{
			name:             "empty_parallel_group",
			pipeline:         &Pipeline{Stages: []*Stage{{Name: "Scan", Body: Parallel()}}},
			expectedProblems: []string{"stage \"Scan\" defines an empty parallel group"},
		},
		{
			name:             "missing_body",
			pipeline:         &Pipeline{Stages: []*Stage{{Name: "Nothing"}}},
			expectedProblems: []string{"stage \"Nothing\" has neither an action nor child stages"},
		},
		{
			name: "mixed_body",
			pipeline: &Pipeline{Stages: []*Stage{
				{Name: "Mixed", Body: Body{Kind: BodyKindSequence, Action: "build", Children: []*Stage{leafStage("Child")}}},
			}},
			expectedProblems: []string{"stage \"Mixed\" mixes an action with child stages"},
		},
		{
			name: "nested_gates",
			pipeline: &Pipeline{Stages: []*Stage{
				{Name: "Release", Body: Sequence(gatedStage("Production")), RequiresApproval: &ApprovalGate{Timeout: time.Minute}},
			}},
			expectedProblems: []string{"stage \"Release/Production\" requires approval inside gated stage \"Release\""},
		},
		{
			name: "concurrent_gates",
			pipeline: &Pipeline{Stages: []*Stage{
				{Name: "Mobile", Body: Parallel(gatedStage("Android"), gatedStage("IOS"))},
			}},
			expectedProblems: []string{"parallel stage \"Mobile\" contains approval gates in more than one branch"},
		},
		{
			name: "non_positive_timeout",
			pipeline: &Pipeline{Stages: []*Stage{
				{Name: "Deploy", Body: Leaf("deploy"), RequiresApproval: &ApprovalGate{Timeout: 0}},
			}},
			expectedProblems: []string{"stage \"Deploy\" approval timeout must be positive"},
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			validationError := Validate(testCase.pipeline)
			require.Error(testInstance, validationError)
			require.True(testInstance, errors.Is(validationError, ErrStructuralValidation))

			var structuralError *StructuralError
			require.ErrorAs(testInstance, validationError, &structuralError)
			require.Equal(testInstance, testCase.expectedProblems, structuralError.Problems)
		})
	}
}

func TestValidateCollectsEveryProblem(testInstance *testing.T) {
	pipeline := &Pipeline{Stages: []*Stage{
		leafStage("Build"),
		leafStage("Build"),
		{Name: "Scan", Body: Parallel()},
		{Name: ""},
	}}

	var structuralError *StructuralError
	require.ErrorAs(testInstance, Validate(pipeline), &structuralError)
	require.Len(testInstance, structuralError.Problems, 4)
}

func TestValidateRejectsInvalidHookReferences(testInstance *testing.T) {
	testCases := []struct {
		name            string
		configure       func(pipeline *Pipeline)
		expectedProblem string
	}{
		{
			name: "unknown_target",
			configure: func(pipeline *Pipeline) {
				pipeline.Stages[0].Hooks.Always = []Hook{{Kind: HookKindTrigger, Stage: "Missing"}}
			},
			expectedProblem: "stage \"Build\" always hook 1 triggers unknown stage \"Missing\"",
		},
		{
			name: "self_target",
			configure: func(pipeline *Pipeline) {
				pipeline.Stages[0].Hooks.Failure = []Hook{{Kind: HookKindTrigger, Stage: "Build"}}
			},
			expectedProblem: "stage \"Build\" failure hook 1 triggers its own stage \"Build\"",
		},
		{
			name: "ancestor_target",
			configure: func(pipeline *Pipeline) {
				pipeline.Stages[1].Body.Children[0].Hooks.Success = []Hook{{Kind: HookKindTrigger, Stage: "Tests"}}
			},
			expectedProblem: "stage \"Tests/Unit\" success hook 1 triggers enclosing stage \"Tests\"",
		},
		{
			name: "composite_target",
			configure: func(pipeline *Pipeline) {
				pipeline.Hooks.Always = []Hook{{Kind: HookKindTrigger, Stage: "Tests"}}
			},
			expectedProblem: "pipeline always hook 1 triggers composite stage \"Tests\"",
		},
		{
			name: "trigger_cycle",
			configure: func(pipeline *Pipeline) {
				pipeline.Stages[0].Hooks.Always = []Hook{{Kind: HookKindTrigger, Stage: "Tests/Unit"}}
				pipeline.Stages[1].Body.Children[0].Hooks.Always = []Hook{{Kind: HookKindTrigger, Stage: "Build"}}
			},
			expectedProblem: "trigger hooks form a cycle through Build, Tests/Unit",
		},
		{
			name: "missing_publish_path",
			configure: func(pipeline *Pipeline) {
				pipeline.Stages[0].Hooks.Success = []Hook{{Kind: HookKindPublish}}
			},
			expectedProblem: "stage \"Build\" success hook 1 (publish) requires a path",
		},
		{
			name: "missing_notify_message",
			configure: func(pipeline *Pipeline) {
				pipeline.Hooks.Failure = []Hook{{Kind: HookKindNotify, Channel: "#ci"}}
			},
			expectedProblem: "pipeline failure hook 1 (notify) requires a message",
		},
		{
			name: "missing_run_action",
			configure: func(pipeline *Pipeline) {
				pipeline.Stages[0].Hooks.Always = []Hook{{Kind: HookKindRun}}
			},
			expectedProblem: "stage \"Build\" always hook 1 (run) requires an action",
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			pipeline := &Pipeline{Stages: []*Stage{
				leafStage("Build"),
				{Name: "Tests", Body: Sequence(leafStage("Unit"), leafStage("Integration"))},
			}}
			testCase.configure(pipeline)

			var structuralError *StructuralError
			require.ErrorAs(testInstance, Validate(pipeline), &structuralError)
			require.Contains(testInstance, structuralError.Problems, testCase.expectedProblem)
		})
	}
}

func TestFindStageResolvesPathsAndUniqueNames(testInstance *testing.T) {
	pipeline := &Pipeline{Stages: []*Stage{
		{Name: "Tests", Body: Parallel(leafStage("Unit"), leafStage("Lint"))},
		{Name: "Checks", Body: Sequence(leafStage("Lint"))},
	}}

	stage, stagePath, found := pipeline.FindStage("Unit")
	require.True(testInstance, found)
	require.Equal(testInstance, "Tests/Unit", stagePath)
	require.Equal(testInstance, "Unit", stage.Name)

	_, _, ambiguousFound := pipeline.FindStage("Lint")
	require.False(testInstance, ambiguousFound)

	_, checksPath, checksFound := pipeline.FindStage("Checks/Lint")
	require.True(testInstance, checksFound)
	require.Equal(testInstance, "Checks/Lint", checksPath)
}
