package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// sinkAttempts bounds how often a sink write failing with a transient error
// is tried. The delay between attempts starts at sinkBackoff and doubles.
const sinkAttempts = 4

var sinkBackoff = 50 * time.Millisecond

// OutcomeHandler observes outcomes after they are persisted.
type OutcomeHandler func(Outcome)

// Persist drives d to completion and records everything it produces in
// sink: the PENDING record first, then each outcome as soon as it is
// produced, then the terminal record. Writes failing with a transient error
// are retried with backoff. If ctx is cancelled or a write still fails the
// deployment is abandoned, the FAILURE record is written on a best effort
// basis and the error returned.
func Persist(ctx context.Context, sink Sink, d *Deployment, handlers ...OutcomeHandler) (*DeploymentRecord, error) {
	if d.Record().State != DeploymentPending {
		return nil, NewConflictError("deployment already started", nil).
			WithCode(ErrCodeConflict).
			WithResource(d.Record().ID)
	}

	pending := d.Record().Clone()
	if err := retrySink(ctx, func() error { return sink.InsertDeployment(ctx, pending) }); err != nil {
		return nil, fmt.Errorf("failed to insert deployment: %w", err)
	}

	for {
		outcome, ok := d.Next(ctx)
		if !ok {
			break
		}
		if err := persistOutcome(ctx, sink, outcome); err != nil {
			d.Abandon()
			return d.Record().Clone(), errors.Join(err, finalize(context.WithoutCancel(ctx), sink, d))
		}
		for _, h := range handlers {
			h(outcome)
		}
	}

	if err := d.Err(); err != nil {
		d.Abandon()
		return d.Record().Clone(), errors.Join(
			fmt.Errorf("deployment interrupted: %w", err),
			finalize(context.WithoutCancel(ctx), sink, d),
		)
	}

	if err := finalize(ctx, sink, d); err != nil {
		return d.Record().Clone(), err
	}
	return d.Record().Clone(), nil
}

// Drain advances d to completion without recording anything. Dry runs use
// it since their outcomes are not kept.
func Drain(ctx context.Context, d *Deployment, handlers ...OutcomeHandler) (*DeploymentRecord, error) {
	for outcome := range d.All(ctx) {
		for _, h := range handlers {
			h(outcome)
		}
	}
	if err := d.Err(); err != nil {
		d.Abandon()
		return d.Record().Clone(), fmt.Errorf("deployment interrupted: %w", err)
	}
	return d.Record().Clone(), nil
}

func persistOutcome(ctx context.Context, sink Sink, outcome Outcome) error {
	switch outcome.Kind() {
	case OutcomeKindComponent:
		write := func() error { return sink.InsertComponentOutcome(ctx, *outcome.Component) }
		if err := retrySink(ctx, write); err != nil {
			return fmt.Errorf("failed to insert component outcome %s: %w",
				outcome.Component.ServiceComponent(), err)
		}
	default:
		write := func() error { return sink.InsertOperationOutcome(ctx, *outcome.Operation) }
		if err := retrySink(ctx, write); err != nil {
			return fmt.Errorf("failed to insert operation outcome %s: %w",
				outcome.Operation.OperationID, err)
		}
	}
	return nil
}

func finalize(ctx context.Context, sink Sink, d *Deployment) error {
	final := d.Record().Clone()
	if err := retrySink(ctx, func() error { return sink.UpdateDeployment(ctx, final) }); err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	return nil
}

// retrySink runs write until it succeeds, fails with an error that is not
// transient, ctx is done or sinkAttempts is reached. The last write error
// is returned.
func retrySink(ctx context.Context, write func() error) error {
	var err error
	for attempt := 0; attempt < sinkAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(sinkBackoff << (attempt - 1)):
			case <-ctx.Done():
				return err
			}
		}
		if err = write(); err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}
