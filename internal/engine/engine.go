// Package engine composes the contract layer: every mutation runs in
// the same order — idempotency, token validation, domain logic,
// envelope, optional task handoff.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signline/internal/compute"
	"signline/internal/config"
	"signline/internal/dispatch"
	"signline/internal/domain"
	"signline/internal/envelope"
	"signline/internal/etag"
	"signline/internal/events"
	"signline/internal/idempotency"
	"signline/internal/repo"
	"signline/internal/resilience"
	"signline/internal/tasks"
)

// Service names used by the resilience dispatcher.
const (
	ServicePM    = "pm"
	ServiceEmail = "email"
)

// ValidationError carries field-level failures out of the engine; the
// server maps it to a 422 envelope.
type ValidationError struct {
	Errors []envelope.FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	return "validation failed: " + e.Errors[0].Error()
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Calc       compute.Calculator
	Dispatcher *resilience.Dispatcher
	PM         *dispatch.PMClient
	Email      *dispatch.EmailClient
	Idem       *idempotency.Store
	Tasks      *tasks.Orchestrator
	Log        zerolog.Logger
}

func New(conn *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: w,
		Config: cfg,
		Now:    time.Now,
		Calc:   compute.Stub{},
		Dispatcher: resilience.NewDispatcher(resilience.Config{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			Cooldown:         cfg.Cooldown(),
			MaxAttempts:      cfg.Resilience.MaxAttempts,
			InitialBackoff:   time.Duration(cfg.Resilience.InitialBackoffMS) * time.Millisecond,
		}, r, w, log),
		PM:    dispatch.NewPMClient(cfg.Dispatch.PM),
		Email: dispatch.NewEmailClient(cfg.Dispatch.Email),
		Idem:  idempotency.New(r, cfg.IdempotencyTTL(), cfg.Idempotency.Policy, log),
		Tasks: tasks.New(r, w, cfg.Tasks.Workers, log),
		Log:   log,
	}
}

// Close drains the task pool.
func (e Engine) Close() {
	if e.Tasks != nil {
		e.Tasks.Close()
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateOptions are parameters for creating a project.
type CreateOptions struct {
	Name        string
	Description string
	Inputs      map[string]any
	ActorID     string
}

// CreateProject creates a project, deduplicated by the idempotency key
// when one is supplied. The replayed envelope is byte-identical,
// including the concurrency token inside the result.
func (e Engine) CreateProject(ctx context.Context, key string, opts CreateOptions) (envelope.Envelope, bool, error) {
	if key == "" {
		env, err := e.createProject(ctx, opts)
		return env, false, err
	}
	return e.Idem.GetOrCreate(ctx, key, func(ctx context.Context) (envelope.Envelope, error) {
		return e.createProject(ctx, opts)
	})
}

func (e Engine) createProject(ctx context.Context, opts CreateOptions) (envelope.Envelope, error) {
	if opts.Name == "" {
		return envelope.Envelope{}, ValidationError{Errors: []envelope.FieldError{{Field: "name", Message: "name is required"}}}
	}
	inputsJSON := ""
	if len(opts.Inputs) > 0 {
		data, err := json.Marshal(opts.Inputs)
		if err != nil {
			return envelope.Envelope{}, ValidationError{Errors: []envelope.FieldError{{Field: "inputs", Message: "inputs must be a JSON object"}}}
		}
		inputsJSON = string(data)
	}
	now := e.stamp()
	p := domain.Project{
		ID:               uuid.NewString(),
		Name:             opts.Name,
		Status:           domain.StatusDraft,
		Description:      opts.Description,
		InputsJSON:       inputsJSON,
		Confidence:       1.0,
		ConstantsVersion: e.Config.Project.ConstantsVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	p.Token = e.issueToken(p)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return envelope.Envelope{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"name":   p.Name,
		"status": p.Status,
	}); err != nil {
		return envelope.Envelope{}, err
	}
	if err := tx.Commit(); err != nil {
		return envelope.Envelope{}, err
	}
	return e.resourceEnvelope(p), nil
}

// GetProject fetches one project.
func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

// ListProjects returns all projects, newest first.
func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// UpdateOptions are parameters for a conditional project update.
type UpdateOptions struct {
	ID          string
	IfMatch     string
	Name        *string
	Description *string
	Status      *string
	Inputs      map[string]any
	ActorID     string
}

// UpdateProject applies a conditional update. The supplied If-Match
// token must equal the stored one; the status graph is checked even for
// token-valid requests. State and token swap in one transaction.
func (e Engine) UpdateProject(ctx context.Context, opts UpdateOptions) (envelope.Envelope, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ID)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := etag.Validate(p.Token, opts.IfMatch); err != nil {
		return envelope.Envelope{}, err
	}

	changed := events.EventPayload{}
	if opts.Status != nil && *opts.Status != p.Status {
		if !domain.ValidStatus(*opts.Status) {
			return envelope.Envelope{}, ValidationError{Errors: []envelope.FieldError{{Field: "status", Message: fmt.Sprintf("unknown status %q", *opts.Status)}}}
		}
		if !domain.CanTransition(p.Status, *opts.Status) {
			return envelope.Envelope{}, etag.TransitionError{From: p.Status, To: *opts.Status}
		}
		changed["status"] = map[string]string{"from": p.Status, "to": *opts.Status}
		p.Status = *opts.Status
	}
	if opts.Name != nil && *opts.Name != p.Name {
		if *opts.Name == "" {
			return envelope.Envelope{}, ValidationError{Errors: []envelope.FieldError{{Field: "name", Message: "name must not be empty"}}}
		}
		changed["name"] = *opts.Name
		p.Name = *opts.Name
	}
	if opts.Description != nil && *opts.Description != p.Description {
		changed["description"] = *opts.Description
		p.Description = *opts.Description
	}
	if opts.Inputs != nil {
		data, err := json.Marshal(opts.Inputs)
		if err != nil {
			return envelope.Envelope{}, ValidationError{Errors: []envelope.FieldError{{Field: "inputs", Message: "inputs must be a JSON object"}}}
		}
		if string(data) != p.InputsJSON {
			changed["inputs"] = true
			p.InputsJSON = string(data)
		}
	}
	if len(changed) == 0 {
		return e.resourceEnvelope(p), nil
	}

	p.UpdatedAt = e.stamp()
	p.Token = e.issueToken(p)
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return envelope.Envelope{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", p.ID, "project", p.ID, opts.ActorID, changed); err != nil {
		return envelope.Envelope{}, err
	}
	if err := tx.Commit(); err != nil {
		return envelope.Envelope{}, err
	}
	return e.resourceEnvelope(p), nil
}

// CalculateProject runs the calculator synchronously and wraps the raw
// result. It never mutates the project: low confidence is reported, not
// an error, and stale tokens are impossible because nothing changes.
func (e Engine) CalculateProject(ctx context.Context, id string) (envelope.Envelope, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return envelope.Envelope{}, err
	}
	inputs := parseInputs(p)
	res, err := e.Calc.Compute(ctx, inputs)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("compute: %w", err)
	}
	confidence := envelope.CalcConfidence(res.Assumptions)
	env := envelope.Build(res.Values, res.Assumptions, res.Warnings, nil, confidence, envelope.Trace{
		Inputs:           inputs,
		Intermediates:    res.Intermediates,
		CodeVersion:      e.Config.Project.CodeVersion,
		ConstantsVersion: p.ConstantsVersion,
	})
	if err := e.Events.AppendDirect(ctx, "project.calculated", p.ID, "project", p.ID, "system", events.EventPayload{
		"confidence":   env.Confidence,
		"content_hash": env.ContentHash,
	}); err != nil {
		e.Log.Error().Str("project_id", p.ID).Err(err).Msg("calculate audit event failed")
	}
	return env, nil
}

// SubmitOptions are parameters for submitting a project.
type SubmitOptions struct {
	ID          string
	IfMatch     string
	NotifyEmail string
	ActorID     string
}

// SubmitProject validates the active->submitted transition, flips the
// status, and enqueues the submission pipeline. The envelope carries
// the task id; replays by idempotency key return the same task.
func (e Engine) SubmitProject(ctx context.Context, key string, opts SubmitOptions) (envelope.Envelope, bool, error) {
	if key == "" {
		env, err := e.submitProject(ctx, opts)
		return env, false, err
	}
	return e.Idem.GetOrCreate(ctx, key, func(ctx context.Context) (envelope.Envelope, error) {
		return e.submitProject(ctx, opts)
	})
}

func (e Engine) submitProject(ctx context.Context, opts SubmitOptions) (envelope.Envelope, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ID)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := etag.Validate(p.Token, opts.IfMatch); err != nil {
		return envelope.Envelope{}, err
	}
	if !domain.CanTransition(p.Status, domain.StatusSubmitted) {
		return envelope.Envelope{}, etag.TransitionError{From: p.Status, To: domain.StatusSubmitted}
	}

	p.Status = domain.StatusSubmitted
	p.UpdatedAt = e.stamp()
	p.Token = e.issueToken(p)
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return envelope.Envelope{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.submitted", p.ID, "project", p.ID, opts.ActorID, nil); err != nil {
		return envelope.Envelope{}, err
	}
	if err := tx.Commit(); err != nil {
		return envelope.Envelope{}, err
	}

	taskID, err := e.Tasks.Submit(ctx, "submission", p.ID, e.submissionJob(p.ID, opts.NotifyEmail))
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("enqueue submission: %w", err)
	}
	result := map[string]any{
		"task_id": taskID,
		"status":  p.Status,
		"etag":    p.Token,
	}
	return envelope.Build(result, nil, nil, nil, 1.0, e.trace(p)), nil
}

// submissionJob is the async pipeline: compute (0.3), PM dispatch
// (0.7), email notification (1.0). An email failure dead-letters for
// replay but does not fail the submission.
func (e Engine) submissionJob(projectID, notifyEmail string) tasks.Job {
	return func(ctx context.Context, report func(float64)) (string, error) {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return "", err
		}
		inputs := parseInputs(p)
		res, err := e.Calc.Compute(ctx, inputs)
		if err != nil {
			return "", fmt.Errorf("compute: %w", err)
		}
		confidence := envelope.CalcConfidence(res.Assumptions)
		contentHash := envelope.ContentHash(res.Values)
		if err := e.recordConfidence(ctx, projectID, confidence); err != nil {
			return "", err
		}
		report(0.3)

		subReq := dispatch.SubmissionRequest{
			ProjectID:   p.ID,
			Name:        p.Name,
			ContentHash: contentHash,
			Confidence:  confidence,
		}
		payload, _ := json.Marshal(subReq)
		var ack dispatch.SubmissionAck
		err = e.Dispatcher.Call(ctx, ServicePM, payload, func(ctx context.Context) error {
			var opErr error
			ack, opErr = e.PM.Submit(ctx, subReq)
			return opErr
		})
		if err != nil {
			return "", fmt.Errorf("pm dispatch: %w", err)
		}
		if err := e.recordProjectNumber(ctx, projectID, ack.ProjectNumber); err != nil {
			return "", err
		}
		report(0.7)

		warnings := res.Warnings
		if notifyEmail != "" {
			note := dispatch.Notification{
				To:      notifyEmail,
				Subject: fmt.Sprintf("Project %s submitted as %s", p.Name, ack.ProjectNumber),
				Body:    fmt.Sprintf("Submission confirmed. Project number %s, confidence %.3f.", ack.ProjectNumber, confidence),
			}
			mail, _ := json.Marshal(note)
			if err := e.Dispatcher.Call(ctx, ServiceEmail, mail, func(ctx context.Context) error {
				return e.Email.Send(ctx, note)
			}); err != nil {
				warnings = append(warnings, fmt.Sprintf("notification email not delivered: %v", err))
			}
		}
		report(1.0)

		out, err := json.Marshal(map[string]any{
			"project_number": ack.ProjectNumber,
			"confidence":     confidence,
			"content_hash":   contentHash,
			"assumptions":    res.Assumptions,
			"warnings":       warnings,
		})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

func (e Engine) recordConfidence(ctx context.Context, projectID string, confidence float64) error {
	return e.mutateProject(ctx, projectID, "project.calculated", "system", func(p *domain.Project) events.EventPayload {
		p.Confidence = confidence
		return events.EventPayload{"confidence": confidence}
	})
}

func (e Engine) recordProjectNumber(ctx context.Context, projectID, number string) error {
	return e.mutateProject(ctx, projectID, "project.number_assigned", "system", func(p *domain.Project) events.EventPayload {
		p.ProjectNumber = &number
		return events.EventPayload{"project_number": number}
	})
}

// mutateProject applies a system-side field change with the usual
// token/state swap and audit event.
func (e Engine) mutateProject(ctx context.Context, projectID, evtType, actorID string, apply func(*domain.Project) events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	payload := apply(&p)
	p.UpdatedAt = e.stamp()
	p.Token = e.issueToken(p)
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, p.ID, "project", p.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// StatusCounts returns project counts grouped by status.
func (e Engine) StatusCounts(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountProjectsByStatus(ctx)
}

func (e Engine) issueToken(p domain.Project) string {
	number := ""
	if p.ProjectNumber != nil {
		number = *p.ProjectNumber
	}
	return etag.Issue(map[string]string{
		"id":             p.ID,
		"name":           p.Name,
		"status":         p.Status,
		"description":    p.Description,
		"inputs":         p.InputsJSON,
		"confidence":     fmt.Sprintf("%.6f", p.Confidence),
		"project_number": number,
	}, p.UpdatedAt)
}

// resourceEnvelope wraps a project view. Resource reads and writes are
// not calculations, so confidence is always 1.
func (e Engine) resourceEnvelope(p domain.Project) envelope.Envelope {
	return envelope.Build(ProjectView(p), nil, nil, nil, 1.0, e.trace(p))
}

func (e Engine) trace(p domain.Project) envelope.Trace {
	return envelope.Trace{
		CodeVersion:      e.Config.Project.CodeVersion,
		ConstantsVersion: p.ConstantsVersion,
	}
}

// ProjectView is the envelope result shape for a project, token
// included so idempotent replays reproduce the ETag header.
func ProjectView(p domain.Project) map[string]any {
	view := map[string]any{
		"id":                p.ID,
		"name":              p.Name,
		"status":            p.Status,
		"confidence":        p.Confidence,
		"constants_version": p.ConstantsVersion,
		"etag":              p.Token,
		"created_at":        p.CreatedAt,
		"updated_at":        p.UpdatedAt,
	}
	if p.Description != "" {
		view["description"] = p.Description
	}
	if p.ProjectNumber != nil {
		view["project_number"] = *p.ProjectNumber
	}
	if p.InputsJSON != "" {
		view["inputs"] = json.RawMessage(p.InputsJSON)
	}
	return view
}

func parseInputs(p domain.Project) map[string]any {
	inputs := map[string]any{}
	if p.InputsJSON != "" {
		_ = json.Unmarshal([]byte(p.InputsJSON), &inputs)
	}
	return inputs
}
