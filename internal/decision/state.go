package decision

import (
	"errors"
	"fmt"

	"github.com/vinayprograms/shellpilot/internal/oracle"
)

// State is a node of the decision machine.
type State string

const (
	StateGenerateTask         State = "generate_task"
	StateGenerateContextQuery State = "generate_context_query"
	StateFetchSystemContext   State = "fetch_system_context"
	StateFetchTaskContext     State = "fetch_task_context"
	StateEvaluateTask         State = "evaluate_task"
	StateGenerateSubtask      State = "generate_subtask"
	StateGeneratePlan         State = "generate_plan"
	StateGenerateStep         State = "generate_step"
	StateClassifyStep         State = "classify_step"
	StateExecuteAction        State = "execute_action"
	StateFetchStepContext     State = "fetch_step_context"
	StateGenerateContent      State = "generate_content"
	StateAccumulateData       State = "accumulate_data"
	StateEvaluatePlan         State = "evaluate_plan"
	StateEvaluateSubtask      State = "evaluate_subtask"
	StateAnswer               State = "answer"
	StateDone                 State = "done"
)

// Initial values of the accumulators.
const (
	NothingDone     = "Nothing has been done yet."
	NoData          = "No data."
	NoSubtask       = "No subtask have been generated yet."
	NoStep          = "No step has been generated yet."
	ContextGetter   = "context_getter"
	ContentProducer = "content_generator"
)

// Task is the top-level reformulation of the query.
type Task struct {
	Description string       `json:"description" yaml:"description"`
	Completion  string       `json:"completion" yaml:"completion"`
	Score       oracle.Grade `json:"score" yaml:"score"`
}

// Subtask is the part of the task currently being worked on.
type Subtask struct {
	Description string `json:"description" yaml:"description"`
	Completion  string `json:"completion" yaml:"completion"`
}

// Plan is the numbered plan for the current subtask.
type Plan struct {
	Text       string       `json:"text" yaml:"text"`
	LastStep   string       `json:"last_step" yaml:"last_step"`
	Completion string       `json:"completion" yaml:"completion"`
	Score      oracle.Grade `json:"score" yaml:"score"`
}

func newPlan() Plan {
	return Plan{LastStep: NoStep, Completion: NothingDone, Score: oracle.No}
}

// Action is the outcome of dispatching one step.
type Action struct {
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
	Result      string `json:"result" yaml:"result"`
}

// Snapshot is the machine's state after one state execution.
type Snapshot struct {
	Seq          int               `json:"seq" yaml:"seq"`
	State        State             `json:"state" yaml:"state"`
	Next         State             `json:"next" yaml:"next"`
	Query        string            `json:"query" yaml:"query"`
	Task         Task              `json:"task" yaml:"task"`
	Subtask      Subtask           `json:"subtask" yaml:"subtask"`
	Plan         Plan              `json:"plan" yaml:"plan"`
	Capability   oracle.Capability `json:"capability,omitempty" yaml:"capability,omitempty"`
	Action       Action            `json:"action" yaml:"action"`
	ContextQuery string            `json:"context_query,omitempty" yaml:"context_query,omitempty"`
	Context      string            `json:"context" yaml:"context"`
	Data         string            `json:"data" yaml:"data"`
	Cwd          string            `json:"cwd" yaml:"cwd"`
	Answer       string            `json:"answer,omitempty" yaml:"answer,omitempty"`
}

// ErrNotConverged is matched by NotConvergedError.
var ErrNotConverged = errors.New("plan did not converge")

// NotConvergedError is returned when a run uses up its step budget.
type NotConvergedError struct {
	Steps int
	Last  State
}

func (e *NotConvergedError) Error() string {
	return fmt.Sprintf("plan did not converge: could not complete task within step budget (%d states)", e.Steps)
}

func (e *NotConvergedError) Is(target error) bool { return target == ErrNotConverged }
