package queue_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kiln-farm/kiln/pkg/queue"
)

// Drives a job through arbitrary transition sequences and checks the
// machine's invariants hold regardless of order: status only ever moves
// along legal edges, a terminal status is reached at most once and never
// left, and completed_at is set exactly when the job is terminal.
func TestJobTransitionInvariants(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	apply := func(q *queue.Queue, id string, op int) error {
		ctx := context.Background()
		switch op {
		case 0:
			return q.MarkStarting(ctx, id)
		case 1:
			return q.MarkPrinting(ctx, id)
		case 2:
			return q.MarkCompleted(ctx, id)
		case 3:
			return q.MarkFailed(ctx, id, "boom")
		default:
			return q.Cancel(ctx, id)
		}
	}

	properties := gopter.NewProperties(params)
	properties.Property("terminal is absorbing and completed_at tracks it",
		prop.ForAll(func(ops []int) bool {
			q := queue.New()
			job, err := q.Submit(context.Background(), "prop.gcode", "", "", 0, nil)
			if err != nil {
				return false
			}

			terminalSince := -1
			for i, op := range ops {
				err := apply(q, job.ID, op)
				cur, getErr := q.Get(job.ID)
				if getErr != nil {
					return false
				}
				if terminalSince >= 0 {
					// Every attempt after the first terminal write must fail
					// and must not move the status.
					if err == nil || !cur.Status.Terminal() {
						return false
					}
				}
				if cur.Status.Terminal() && terminalSince < 0 {
					terminalSince = i
				}
				if cur.Status.Terminal() != (cur.CompletedAt != nil) {
					return false
				}
				if cur.Status != queue.StatusQueued && cur.StartedAt == nil {
					return false
				}
			}
			return true
		}, gen.SliceOf(gen.IntRange(0, 4))))

	properties.TestingRun(t)
}
