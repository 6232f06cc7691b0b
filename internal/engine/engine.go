// Package engine drives the full task lifecycle: plan generation, stepwise
// execution with per-step commits, recovery by forking, and externally
// requested plan updates.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stackvm/internal/config"
	"stackvm/internal/logging"
	"stackvm/internal/planner"
	"stackvm/internal/store"
	"stackvm/internal/store/difftext"
	"stackvm/internal/tools"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// Engine owns the run loop. It is safe for concurrent use across tasks; the
// store's per-task lock serializes workers within one task.
type Engine struct {
	store    store.Store
	registry *tools.Registry
	planner  planner.Planner
	cond     vm.ConditionEvaluator
	cfg      *config.Config
	metrics  *Metrics
	logger   logging.Logger
}

// Options wires the engine's collaborators.
type Options struct {
	Store    store.Store
	Registry *tools.Registry
	Planner  planner.Planner
	Cond     vm.ConditionEvaluator
	Config   *config.Config
	Metrics  *Metrics
	Logger   logging.Logger
}

func New(opts Options) *Engine {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		planner:  opts.Planner,
		cond:     opts.Cond,
		cfg:      opts.Config,
		metrics:  metrics,
		logger:   logging.OrNop(opts.Logger),
	}
}

// StartRequest describes a new task.
type StartRequest struct {
	Goal           string
	Namespace      string
	ResponseFormat map[string]string
	Labels         []string
}

// Result reports how a run ended. A run that exhausts recovery is not an
// engine error; the failure is carried in LastError.
type Result struct {
	TaskID      string
	Branch      string
	HeadHash    string
	Completed   bool
	FinalAnswer vm.Value
	LastError   *verrors.Error
}

// StartTask creates the task with its main branch and Initial commit. The
// plan is generated lazily on the first Run.
func (e *Engine) StartTask(ctx context.Context, req StartRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, verrors.New(verrors.KindValidation, "goal must not be empty")
	}
	if req.Namespace == "" {
		req.Namespace = tools.DefaultNamespace
	}
	if _, err := e.resolveNamespace(ctx, req.Namespace); err != nil {
		return nil, err
	}

	task := &store.Task{
		ID:           uuid.NewString(),
		Goal:         req.Goal,
		Namespace:    req.Namespace,
		ActiveBranch: store.MainBranch,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	for _, label := range req.Labels {
		if err := e.store.AddLabel(ctx, task.ID, label); err != nil {
			return nil, err
		}
	}

	initial := &store.Commit{
		TaskID:  task.ID,
		Branch:  store.MainBranch,
		SeqNo:   -1,
		Time:    task.CreatedAt,
		Message: fmt.Sprintf("task created: %s", preview(req.Goal)),
		Type:    store.CommitInitial,
		Title:   "Task created",
		Snapshot: &vm.State{
			Goal:           req.Goal,
			ResponseFormat: req.ResponseFormat,
			Namespace:      req.Namespace,
			Variables:      map[string]vm.Value{},
			VariableRefs:   map[string]int{},
		},
	}
	if err := e.commit(ctx, initial); err != nil {
		return nil, err
	}
	e.metrics.TasksStarted.Inc()
	e.logger.Info("task %s created on namespace %s", task.ID, task.Namespace)
	return task, nil
}

// Run executes the task on its active branch until completion, terminal
// failure, or cancellation. It acquires the per-task lock for the whole run.
func (e *Engine) Run(ctx context.Context, taskID string) (*Result, error) {
	release, err := e.store.AcquireTaskLock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ns, err := e.resolveNamespace(ctx, task.Namespace)
	if err != nil {
		return nil, err
	}
	caller := tools.NewCaller(e.registry, ns, e.cfg.ToolCallTimeout, e.logger)
	machine := vm.New(caller, e.cond, e.logger)

	branch := task.ActiveBranch
	head, err := e.store.Head(ctx, taskID, branch)
	if err != nil {
		return nil, err
	}
	if head == nil || head.Snapshot == nil {
		return nil, verrors.New(verrors.KindInternal, "task %s has no initial commit on branch %q", taskID, branch)
	}
	if head.Snapshot.LastError != nil {
		// The branch head is a terminal failure; resuming it would re-run the
		// faulty instruction. A dynamic update must repair the plan first.
		return e.result(taskID, branch, head, machine), nil
	}
	machine.Restore(head.Snapshot)

	currentPlan := machine.Plan()
	if currentPlan.Len() == 0 {
		plan, err := e.generatePlan(ctx, machine, ns, caller)
		if err != nil {
			return nil, err
		}
		responseFormat := machine.ResponseFormat()
		if err := machine.Load(task.Goal, plan, caller.Visible); err != nil {
			return nil, err
		}
		machine.SetNamespace(task.Namespace)
		machine.SetResponseFormat(responseFormat)
		head, err = e.appendSnapshot(ctx, taskID, branch, head, &store.Commit{
			SeqNo:   machine.PC(),
			Message: fmt.Sprintf("plan loaded: %d instructions", plan.Len()),
			Type:    store.CommitPlanUpdate,
			Title:   "Initial plan",
		}, machine.Snapshot())
		if err != nil {
			return nil, err
		}
	}

	recoveries := 0
	for !machine.Done() {
		if ctx.Err() != nil {
			return e.cancel(ctx, taskID, branch, head, machine)
		}

		stepResult, stepErr := machine.Step(ctx)
		e.metrics.StepsExecuted.Inc()
		snapshot := machine.Snapshot()

		if stepErr != nil {
			e.metrics.StepFailures.Inc()
			failure := verrors.AsError(stepErr)
			if failure.Kind == verrors.KindCancelled {
				return e.cancel(ctx, taskID, branch, head, machine)
			}
			head, err = e.appendSnapshot(ctx, taskID, branch, head, &store.Commit{
				SeqNo:   failure.SeqNo,
				Message: failure.Error(),
				Type:    store.CommitStepExecution,
				Title:   fmt.Sprintf("Step %d failed", failure.SeqNo),
				Details: store.CommitDetails{Error: failure},
			}, snapshot)
			if err != nil {
				return nil, err
			}

			if verrors.Terminal(failure.Kind) || recoveries >= e.cfg.MaxRecoveryAttempts {
				e.metrics.TasksFailed.Inc()
				e.logger.Error("task %s failed at seq_no %d: %s", taskID, failure.SeqNo, failure.Message)
				return e.result(taskID, branch, head, machine), nil
			}
			recoveries++
			newBranch, newHead, recoverErr := e.recover(ctx, taskID, branch, head, machine, ns, caller, failure)
			if recoverErr != nil {
				// The updater gave up or produced garbage; the failed commit
				// already marks the branch head as terminal.
				e.metrics.TasksFailed.Inc()
				e.logger.Error("task %s recovery abandoned: %v", taskID, recoverErr)
				return e.result(taskID, branch, head, machine), nil
			}
			branch, head = newBranch, newHead
			continue
		}

		head, err = e.appendSnapshot(ctx, taskID, branch, head, &store.Commit{
			SeqNo:   stepResult.Instruction.SeqNo,
			Message: stepResult.Description,
			Type:    store.CommitStepExecution,
			Title:   fmt.Sprintf("Step %d", stepResult.Instruction.SeqNo),
			Details: store.CommitDetails{
				InputParameters: previewValues(stepResult.Inputs),
				OutputVariables: previewValues(e.outputValues(machine, stepResult)),
			},
		}, snapshot)
		if err != nil {
			return nil, err
		}
	}

	if machine.GoalCompleted() {
		e.metrics.TasksCompleted.Inc()
	}
	return e.result(taskID, branch, head, machine), nil
}

// recover forks recover-N off the faulty commit, asks the updater for a
// patched plan, and resumes the machine on the new branch.
func (e *Engine) recover(ctx context.Context, taskID, branch string, faulty *store.Commit,
	machine *vm.VM, ns *tools.Namespace, caller *tools.Caller, failure *verrors.Error) (string, *store.Commit, error) {

	snapshot := faulty.Snapshot
	patched, err := e.planWithRetries(
		func(feedback string) (vm.Plan, error) {
			return e.planner.Update(ctx, planner.UpdateRequest{
				Goal:         snapshot.Goal,
				Plan:         snapshot.CurrentPlan,
				FailingSeqNo: failure.SeqNo,
				ErrorSummary: failure.Error(),
				Variables:    snapshot.Variables,
				ToolCatalog:  tools.Catalog(e.registry, ns),
				Feedback:     feedback,
			})
		},
		func(p vm.Plan) error {
			return p.Validate(caller.Visible, boundNames(snapshot)...)
		})
	if err != nil {
		return "", nil, verrors.AsError(err)
	}

	newBranch, err := e.nextBranchName(ctx, taskID, "recover")
	if err != nil {
		return "", nil, err
	}
	if err := e.store.Fork(ctx, taskID, branch, faulty.Hash, newBranch); err != nil {
		return "", nil, err
	}
	if err := e.store.SetActiveBranch(ctx, taskID, newBranch); err != nil {
		return "", nil, err
	}
	e.metrics.Recoveries.Inc()

	resumed := snapshot.Clone()
	resumed.CurrentPlan = patched
	resumed.LastError = nil
	machine.Restore(resumed)
	machine.RecalculateRefs()

	head, err := e.appendSnapshot(ctx, taskID, newBranch, faulty, &store.Commit{
		SeqNo:   failure.SeqNo,
		Message: fmt.Sprintf("recovery %s: plan patched after %s", newBranch, failure.Kind),
		Type:    store.CommitFork,
		Title:   fmt.Sprintf("Recovery fork at step %d", failure.SeqNo),
	}, machine.Snapshot())
	if err != nil {
		return "", nil, err
	}
	e.logger.Info("task %s recovered onto %s at seq_no %d", taskID, newBranch, failure.SeqNo)
	return newBranch, head, nil
}

// UpdateRequest applies an external plan-repair suggestion at a commit.
type UpdateRequest struct {
	TaskID string
	// CommitHash selects the fork point; empty means the active branch head.
	CommitHash string
	Suggestion string
}

// DynamicUpdate re-prompts the updater with a commit's state plus the
// caller's suggestion, forks update-N at that commit, and makes it active.
// The next Run resumes on the patched plan.
func (e *Engine) DynamicUpdate(ctx context.Context, req UpdateRequest) (string, error) {
	return e.applyPlanChange(ctx, req.TaskID, req.CommitHash, "update",
		func(ctx context.Context, snapshot *vm.State, catalog, feedback string) (vm.Plan, error) {
			return e.planner.Update(ctx, planner.UpdateRequest{
				Goal:         snapshot.Goal,
				Plan:         snapshot.CurrentPlan,
				FailingSeqNo: snapshot.ProgramCounter,
				ErrorSummary: lastErrorSummary(snapshot),
				Variables:    snapshot.Variables,
				ToolCatalog:  catalog,
				Suggestion:   req.Suggestion,
				Feedback:     feedback,
			})
		}, nil)
}

// OptimizeRequest rewrites one instruction in place.
type OptimizeRequest struct {
	TaskID     string
	CommitHash string
	SeqNo      int
	Suggestion string
}

// OptimizeStep is DynamicUpdate restricted to a single seq_no; a returned
// plan that touches any other instruction is rejected.
func (e *Engine) OptimizeStep(ctx context.Context, req OptimizeRequest) (string, error) {
	return e.applyPlanChange(ctx, req.TaskID, req.CommitHash, "optimize",
		func(ctx context.Context, snapshot *vm.State, catalog, feedback string) (vm.Plan, error) {
			return e.planner.OptimizeStep(ctx, planner.OptimizeRequest{
				Goal:        snapshot.Goal,
				Plan:        snapshot.CurrentPlan,
				SeqNo:       req.SeqNo,
				Suggestion:  req.Suggestion,
				Variables:   snapshot.Variables,
				ToolCatalog: catalog,
				Feedback:    feedback,
			})
		},
		func(old, patched vm.Plan) error {
			return onlySeqChanged(old, patched, req.SeqNo)
		})
}

type planChangeFunc func(ctx context.Context, snapshot *vm.State, catalog, feedback string) (vm.Plan, error)

func (e *Engine) applyPlanChange(ctx context.Context, taskID, commitHash, prefix string,
	change planChangeFunc, extraCheck func(old, patched vm.Plan) error) (string, error) {

	release, err := e.store.AcquireTaskLock(ctx, taskID)
	if err != nil {
		return "", err
	}
	defer release()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	ns, err := e.resolveNamespace(ctx, task.Namespace)
	if err != nil {
		return "", err
	}
	caller := tools.NewCaller(e.registry, ns, e.cfg.ToolCallTimeout, e.logger)

	var at *store.Commit
	if commitHash == "" {
		at, err = e.store.Head(ctx, taskID, task.ActiveBranch)
		if err == nil && at == nil {
			err = verrors.New(verrors.KindValidation, "task %s has no commits yet", taskID)
		}
	} else {
		at, err = e.store.GetCommit(ctx, taskID, commitHash)
	}
	if err != nil {
		return "", err
	}
	if at.Snapshot == nil {
		return "", verrors.New(verrors.KindInternal, "commit %s has no snapshot", at.Hash)
	}

	catalog := tools.Catalog(e.registry, ns)
	patched, err := e.planWithRetries(
		func(feedback string) (vm.Plan, error) {
			return change(ctx, at.Snapshot, catalog, feedback)
		},
		func(p vm.Plan) error {
			if err := p.Validate(caller.Visible, boundNames(at.Snapshot)...); err != nil {
				return err
			}
			if extraCheck != nil {
				return extraCheck(at.Snapshot.CurrentPlan, p)
			}
			return nil
		})
	if err != nil {
		return "", verrors.AsError(err)
	}

	newBranch, err := e.nextBranchName(ctx, taskID, prefix)
	if err != nil {
		return "", err
	}
	if err := e.store.Fork(ctx, taskID, at.Branch, at.Hash, newBranch); err != nil {
		return "", err
	}
	if err := e.store.SetActiveBranch(ctx, taskID, newBranch); err != nil {
		return "", err
	}

	updated := at.Snapshot.Clone()
	updated.CurrentPlan = patched
	updated.LastError = nil
	if _, err := e.appendSnapshot(ctx, taskID, newBranch, at, &store.Commit{
		SeqNo:   updated.ProgramCounter,
		Message: fmt.Sprintf("plan updated on %s", newBranch),
		Type:    store.CommitPlanUpdate,
		Title:   "Plan updated",
	}, updated); err != nil {
		return "", err
	}
	e.metrics.PlanUpdatesApplied.Inc()
	e.logger.Info("task %s: plan change applied on branch %s", taskID, newBranch)
	return newBranch, nil
}

// cancel writes the terminal Manual commit for an externally cancelled run.
// appendSnapshot detaches from the dead run context.
func (e *Engine) cancel(ctx context.Context, taskID, branch string, head *store.Commit, machine *vm.VM) (*Result, error) {
	cancelled := verrors.New(verrors.KindCancelled, "task cancelled").At(machine.PC())
	snapshot := machine.Snapshot()
	snapshot.LastError = cancelled

	head, err := e.appendSnapshot(ctx, taskID, branch, head, &store.Commit{
		SeqNo:   machine.PC(),
		Message: cancelled.Error(),
		Type:    store.CommitManual,
		Title:   "Cancelled",
		Details: store.CommitDetails{Error: cancelled},
	}, snapshot)
	if err != nil {
		return nil, err
	}
	e.metrics.TasksFailed.Inc()
	return &Result{
		TaskID:    taskID,
		Branch:    branch,
		HeadHash:  head.Hash,
		LastError: cancelled,
	}, nil
}

// generatePlan asks the generator for the initial plan.
func (e *Engine) generatePlan(ctx context.Context, machine *vm.VM, ns *tools.Namespace, caller *tools.Caller) (vm.Plan, error) {
	req := planner.GenerateRequest{
		Goal:           machine.Goal(),
		Namespace:      ns.Name,
		ResponseFormat: machine.ResponseFormat(),
		ToolCatalog:    tools.Catalog(e.registry, ns),
	}
	return e.planWithRetries(
		func(feedback string) (vm.Plan, error) {
			req.Feedback = feedback
			return e.planner.Generate(ctx, req)
		},
		func(p vm.Plan) error {
			return p.Validate(caller.Visible)
		})
}

// planWithRetries drives one planner call to an accepted plan: each rejected
// attempt's error is fed back verbatim as feedback for the next, up to
// MaxValidationRetries extra attempts.
func (e *Engine) planWithRetries(produce func(feedback string) (vm.Plan, error),
	validate func(p vm.Plan) error) (vm.Plan, error) {

	var lastErr error
	feedback := ""
	for attempt := 0; attempt <= e.cfg.MaxValidationRetries; attempt++ {
		plan, err := produce(feedback)
		if err == nil {
			err = validate(plan)
			if err == nil {
				return plan, nil
			}
		}
		lastErr = err
		feedback = err.Error()
		e.metrics.ValidationRetries.Inc()
		e.logger.Warn("plan attempt %d rejected: %v", attempt+1, err)
	}
	return vm.Plan{}, verrors.Wrap(verrors.KindValidation, lastErr,
		"no valid plan after %d attempts: %v", e.cfg.MaxValidationRetries+1, lastErr)
}

// appendSnapshot fills in ancestry, snapshot, and diff, then seals and
// appends. It returns the stored commit as the new branch head.
func (e *Engine) appendSnapshot(ctx context.Context, taskID, branch string, parent *store.Commit,
	c *store.Commit, snapshot *vm.State) (*store.Commit, error) {

	// Commit writes survive run cancellation so a finished step is never lost.
	ctx = context.WithoutCancel(ctx)
	c.TaskID = taskID
	c.Branch = branch
	c.Time = time.Now().UTC()
	c.Snapshot = snapshot
	if parent != nil {
		c.ParentHash = parent.Hash
		if diff, err := snapshotDiff(parent.Snapshot, snapshot); err == nil {
			c.Details.Diff = diff
		}
	}
	if err := e.commit(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) commit(ctx context.Context, c *store.Commit) error {
	if err := store.Seal(c); err != nil {
		return err
	}
	if err := e.store.Append(ctx, c); err != nil {
		return err
	}
	e.metrics.CommitsWritten.Inc()
	return nil
}

func (e *Engine) resolveNamespace(ctx context.Context, name string) (*tools.Namespace, error) {
	ns, err := e.store.GetNamespace(ctx, name)
	if err == nil {
		return ns, nil
	}
	if name == tools.DefaultNamespace {
		// The default namespace exists implicitly and allows every tool.
		return tools.Default(), nil
	}
	return nil, err
}

func (e *Engine) nextBranchName(ctx context.Context, taskID, prefix string) (string, error) {
	branches, err := e.store.ListBranches(ctx, taskID)
	if err != nil {
		return "", err
	}
	n := 1
	for _, b := range branches {
		var i int
		if _, err := fmt.Sscanf(b.Name, prefix+"-%d", &i); err == nil && i >= n {
			n = i + 1
		}
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

// outputValues resolves the full values behind a step's output previews.
func (e *Engine) outputValues(machine *vm.VM, result *vm.StepResult) map[string]vm.Value {
	if len(result.Outputs) == 0 {
		return nil
	}
	values := make(map[string]vm.Value, len(result.Outputs))
	for name := range result.Outputs {
		if v, err := machine.Variable(name); err == nil {
			values[name] = v
		}
	}
	return values
}

func (e *Engine) result(taskID, branch string, head *store.Commit, machine *vm.VM) *Result {
	r := &Result{
		TaskID:   taskID,
		Branch:   branch,
		HeadHash: head.Hash,
	}
	if head.Snapshot != nil {
		r.LastError = head.Snapshot.LastError
		if answer, ok := head.Snapshot.FinalAnswer(); ok {
			r.Completed = head.Snapshot.GoalCompleted
			r.FinalAnswer = answer
		}
	}
	if machine.GoalCompleted() {
		r.Completed = true
		if answer, ok := machine.FinalAnswer(); ok {
			r.FinalAnswer = answer
		}
	}
	if r.LastError == nil {
		r.LastError = machine.LastError()
	}
	return r
}

func snapshotDiff(previous, current *vm.State) (string, error) {
	if previous == nil || current == nil {
		return "", nil
	}
	before, err := vm.CanonicalJSON(previous)
	if err != nil {
		return "", err
	}
	after, err := vm.CanonicalJSON(current)
	if err != nil {
		return "", err
	}
	return difftext.Lines(string(before)+"\n", string(after)+"\n"), nil
}

func boundNames(s *vm.State) []string {
	names := make([]string, 0, len(s.Variables))
	for name := range s.Variables {
		names = append(names, name)
	}
	return names
}

func lastErrorSummary(s *vm.State) string {
	if s.LastError != nil {
		return s.LastError.Error()
	}
	return ""
}

// onlySeqChanged rejects optimized plans that modify anything besides the
// requested instruction.
func onlySeqChanged(old, patched vm.Plan, seqNo int) error {
	if old.Len() != patched.Len() {
		return verrors.New(verrors.KindValidation,
			"step optimization must not add or remove instructions")
	}
	oldOrder := old.InSeqOrder()
	newOrder := patched.InSeqOrder()
	for i := range oldOrder {
		if oldOrder[i].SeqNo != newOrder[i].SeqNo {
			return verrors.New(verrors.KindValidation,
				"step optimization must keep seq_no layout; %d became %d", oldOrder[i].SeqNo, newOrder[i].SeqNo)
		}
		if oldOrder[i].SeqNo == seqNo {
			continue
		}
		before, err := vm.CanonicalJSON(oldOrder[i])
		if err != nil {
			return err
		}
		after, err := vm.CanonicalJSON(newOrder[i])
		if err != nil {
			return err
		}
		if string(before) != string(after) {
			return verrors.New(verrors.KindValidation,
				"step optimization touched seq_no %d, only %d may change", oldOrder[i].SeqNo, seqNo)
		}
	}
	return nil
}

const goalPreviewLimit = 80

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= goalPreviewLimit {
		return text
	}
	return string(runes[:goalPreviewLimit]) + "..."
}

const valuePreviewLimit = 50

// previewValues truncates the values recorded in commit details; the
// snapshot keeps them in full.
func previewValues(values map[string]vm.Value) map[string]vm.Value {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]vm.Value, len(values))
	for name, value := range values {
		out[name] = previewValue(value)
	}
	return out
}

func previewValue(value vm.Value) vm.Value {
	text, ok := value.AsString()
	if !ok {
		text = value.Stringify()
	}
	runes := []rune(text)
	if len(runes) <= valuePreviewLimit {
		return value
	}
	return vm.String(string(runes[:valuePreviewLimit]) + "...")
}
