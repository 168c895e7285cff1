package pipeline

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/tyemirov/gantry/internal/condition"
)

const (
	definitionPathRequiredMessageConstant     = "pipeline definition path must be provided"
	definitionReadErrorTemplateConstant       = "failed to read pipeline definition: %w"
	definitionParseErrorTemplateConstant      = "failed to parse pipeline definition: %w"
	definitionSchemaCompileTemplateConstant   = "compiling pipeline definition schema: %w"
	definitionSchemaValidateTemplateConstant  = "validating pipeline definition: %w"
	definitionSchemaProblemTemplateConstant   = "schema: %s"
	definitionTimeoutProblemTemplateConstant  = "stage %q approval timeout %q is not a duration: %v"
	definitionMixedGroupsProblemTemplateConst = "stage %q defines both sequential and parallel children"
	definitionUnknownActionTemplateConstant   = "%s references unknown action %q"
	definitionStageOwnerTemplateConstant      = "stage %q"
	definitionHookOwnerTemplateConstant       = "%s %s hook"
	definitionPipelineOwnerConstant           = "pipeline"
)

// Notification severities accepted by notify hooks.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

//go:embed schemas/definition.schema.json
var definitionSchemaDocument []byte

var (
	compiledDefinitionSchema *gojsonschema.Schema
	definitionSchemaOnce     sync.Once
	definitionSchemaError    error
)

// Definition is a parsed pipeline document: the stage graph plus the action catalog.
// An empty catalog means action identifiers are themselves commands.
type Definition struct {
	Pipeline *Pipeline
	Actions  map[string]string
}

type definitionDocument struct {
	Pipeline pipelineDocument  `yaml:"pipeline"`
	Actions  map[string]string `yaml:"actions"`
}

type pipelineDocument struct {
	Name        string            `yaml:"name"`
	BestEffort  bool              `yaml:"best_effort"`
	Environment map[string]string `yaml:"environment"`
	Stages      []stageDocument   `yaml:"stages"`
	Post        postDocument      `yaml:"post"`
}

type stageDocument struct {
	Name        string            `yaml:"name"`
	When        yaml.Node         `yaml:"when"`
	Action      string            `yaml:"action"`
	Stages      []stageDocument   `yaml:"stages"`
	Parallel    []stageDocument   `yaml:"parallel"`
	Post        postDocument      `yaml:"post"`
	Approval    *approvalDocument `yaml:"approval"`
	Environment map[string]string `yaml:"environment"`
	Agent       *agentDocument    `yaml:"agent"`
	BestEffort  bool              `yaml:"best_effort"`
}

type postDocument struct {
	Always  []hookDocument `yaml:"always"`
	Success []hookDocument `yaml:"success"`
	Failure []hookDocument `yaml:"failure"`
}

type hookDocument struct {
	Run     string          `yaml:"run"`
	Notify  *notifyDocument `yaml:"notify"`
	Publish string          `yaml:"publish"`
	Trigger string          `yaml:"trigger"`
}

type notifyDocument struct {
	Channel  string `yaml:"channel"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message"`
}

type approvalDocument struct {
	Message   string   `yaml:"message"`
	Timeout   string   `yaml:"timeout"`
	Approvers []string `yaml:"approvers"`
	Fatal     bool     `yaml:"fatal"`
}

type agentDocument struct {
	Labels []string `yaml:"labels"`
}

// LoadDefinition reads and parses a pipeline definition file.
func LoadDefinition(filePath string) (Definition, error) {
	trimmedPath := strings.TrimSpace(filePath)
	if len(trimmedPath) == 0 {
		return Definition{}, errors.New(definitionPathRequiredMessageConstant)
	}

	contentBytes, readError := os.ReadFile(trimmedPath)
	if readError != nil {
		return Definition{}, fmt.Errorf(definitionReadErrorTemplateConstant, readError)
	}
	return ParseDefinition(contentBytes)
}

// ParseDefinition checks a YAML document against the definition schema, converts it into
// a Pipeline, and validates the resulting graph. Invalid documents yield a *StructuralError.
func ParseDefinition(contentBytes []byte) (Definition, error) {
	var genericDocument any
	if unmarshalError := yaml.Unmarshal(contentBytes, &genericDocument); unmarshalError != nil {
		return Definition{}, fmt.Errorf(definitionParseErrorTemplateConstant, unmarshalError)
	}

	schemaProblems, schemaError := validateDefinitionSchema(genericDocument)
	if schemaError != nil {
		return Definition{}, schemaError
	}
	if len(schemaProblems) > 0 {
		return Definition{}, &StructuralError{Problems: schemaProblems}
	}

	var document definitionDocument
	if unmarshalError := yaml.Unmarshal(contentBytes, &document); unmarshalError != nil {
		return Definition{}, fmt.Errorf(definitionParseErrorTemplateConstant, unmarshalError)
	}

	converter := &definitionConverter{}
	pipeline := &Pipeline{
		Name:        strings.TrimSpace(document.Pipeline.Name),
		Environment: document.Pipeline.Environment,
		Stages:      converter.convertStages(document.Pipeline.Stages),
		Hooks:       convertPostHooks(document.Pipeline.Post),
		BestEffort:  document.Pipeline.BestEffort,
	}
	if len(converter.problems) > 0 {
		return Definition{}, &StructuralError{Problems: converter.problems}
	}

	if validationError := Validate(pipeline); validationError != nil {
		return Definition{}, validationError
	}

	if catalogProblems := unknownActionProblems(pipeline, document.Actions); len(catalogProblems) > 0 {
		return Definition{}, &StructuralError{Problems: catalogProblems}
	}

	return Definition{Pipeline: pipeline, Actions: document.Actions}, nil
}

func definitionSchema() (*gojsonschema.Schema, error) {
	definitionSchemaOnce.Do(func() {
		loader := gojsonschema.NewBytesLoader(definitionSchemaDocument)
		compiledDefinitionSchema, definitionSchemaError = gojsonschema.NewSchema(loader)
	})
	return compiledDefinitionSchema, definitionSchemaError
}

func validateDefinitionSchema(document any) ([]string, error) {
	schema, compileError := definitionSchema()
	if compileError != nil {
		return nil, fmt.Errorf(definitionSchemaCompileTemplateConstant, compileError)
	}

	result, validateError := schema.Validate(gojsonschema.NewGoLoader(document))
	if validateError != nil {
		return nil, fmt.Errorf(definitionSchemaValidateTemplateConstant, validateError)
	}
	if result.Valid() {
		return nil, nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, resultError := range result.Errors() {
		problems = append(problems, fmt.Sprintf(definitionSchemaProblemTemplateConstant, resultError.String()))
	}
	return problems, nil
}

type definitionConverter struct {
	problems []string
}

func (converter *definitionConverter) convertStages(documents []stageDocument) []*Stage {
	stages := make([]*Stage, 0, len(documents))
	for index := range documents {
		stages = append(stages, converter.convertStage(documents[index]))
	}
	return stages
}

func (converter *definitionConverter) convertStage(document stageDocument) *Stage {
	stage := &Stage{
		Name:        strings.TrimSpace(document.Name),
		Condition:   condition.Parse(&document.When),
		Hooks:       convertPostHooks(document.Post),
		Environment: document.Environment,
		BestEffort:  document.BestEffort,
	}

	switch {
	case document.Stages != nil && document.Parallel != nil:
		converter.problems = append(converter.problems, fmt.Sprintf(definitionMixedGroupsProblemTemplateConst, stage.Name))
	case document.Parallel != nil:
		stage.Body = Parallel(converter.convertStages(document.Parallel)...)
	case document.Stages != nil:
		stage.Body = Sequence(converter.convertStages(document.Stages)...)
	default:
		stage.Body = Leaf(document.Action)
	}
	if stage.Body.IsComposite() && len(strings.TrimSpace(document.Action)) > 0 {
		stage.Body.Action = strings.TrimSpace(document.Action)
	}

	if document.Approval != nil {
		timeout, parseError := time.ParseDuration(strings.TrimSpace(document.Approval.Timeout))
		if parseError != nil {
			converter.problems = append(converter.problems, fmt.Sprintf(definitionTimeoutProblemTemplateConstant, stage.Name, document.Approval.Timeout, parseError))
		}
		stage.RequiresApproval = &ApprovalGate{
			Message:   strings.TrimSpace(document.Approval.Message),
			Timeout:   timeout,
			Approvers: trimmedValues(document.Approval.Approvers),
			Fatal:     document.Approval.Fatal,
		}
	}

	if document.Agent != nil {
		stage.Agent = &AgentRequirement{Labels: trimmedValues(document.Agent.Labels)}
	}

	return stage
}

func convertPostHooks(document postDocument) PostHooks {
	return PostHooks{
		Always:  convertHooks(document.Always),
		Success: convertHooks(document.Success),
		Failure: convertHooks(document.Failure),
	}
}

func convertHooks(documents []hookDocument) []Hook {
	if len(documents) == 0 {
		return nil
	}
	hooks := make([]Hook, 0, len(documents))
	for _, document := range documents {
		switch {
		case document.Notify != nil:
			severity := strings.ToLower(strings.TrimSpace(document.Notify.Severity))
			if len(severity) == 0 {
				severity = SeverityInfo
			}
			hooks = append(hooks, Hook{
				Kind:     HookKindNotify,
				Channel:  strings.TrimSpace(document.Notify.Channel),
				Severity: severity,
				Message:  document.Notify.Message,
			})
		case len(document.Publish) > 0:
			hooks = append(hooks, Hook{Kind: HookKindPublish, Path: strings.TrimSpace(document.Publish)})
		case len(document.Trigger) > 0:
			hooks = append(hooks, Hook{Kind: HookKindTrigger, Stage: strings.TrimSpace(document.Trigger)})
		default:
			hooks = append(hooks, Hook{Kind: HookKindRun, Action: strings.TrimSpace(document.Run)})
		}
	}
	return hooks
}

func unknownActionProblems(pipeline *Pipeline, actions map[string]string) []string {
	if len(actions) == 0 {
		return nil
	}

	problems := make([]string, 0)
	checkHooks := func(owner string, hooks PostHooks) {
		for _, trigger := range []HookTrigger{HookTriggerAlways, HookTriggerSuccess, HookTriggerFailure} {
			for _, hook := range hooks.ForTrigger(trigger) {
				if hook.Kind != HookKindRun {
					continue
				}
				if _, exists := actions[hook.Action]; !exists {
					hookOwner := fmt.Sprintf(definitionHookOwnerTemplateConstant, owner, trigger)
					problems = append(problems, fmt.Sprintf(definitionUnknownActionTemplateConstant, hookOwner, hook.Action))
				}
			}
		}
	}

	checkHooks(definitionPipelineOwnerConstant, pipeline.Hooks)
	pipeline.Walk(func(stage *Stage, stagePath string, _ []string) {
		owner := fmt.Sprintf(definitionStageOwnerTemplateConstant, stagePath)
		if stage.Body.Kind == BodyKindLeaf {
			if _, exists := actions[stage.Body.Action]; !exists {
				problems = append(problems, fmt.Sprintf(definitionUnknownActionTemplateConstant, owner, stage.Body.Action))
			}
		}
		checkHooks(owner, stage.Hooks)
	})
	return problems
}

// ActionIdentifiers lists the catalog keys in sorted order.
func (definition Definition) ActionIdentifiers() []string {
	identifiers := make([]string, 0, len(definition.Actions))
	for identifier := range definition.Actions {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	return identifiers
}

func trimmedValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		candidate := strings.TrimSpace(value)
		if len(candidate) == 0 {
			continue
		}
		trimmed = append(trimmed, candidate)
	}
	return trimmed
}
