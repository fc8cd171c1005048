package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reelforge/reelforge/internal/models"
)

// node is one schedulable unit of the stage graph. Fan-out stages get one
// node per clip, so id is unique while stage may repeat.
type node struct {
	id    string
	stage models.Stage
	deps  []string
	run   func(ctx context.Context) error
}

// buildGraph lays out the fixed reel graph for the job's clip count.
// audio_slice gates everything; beats and the normalize fan-out run in
// parallel; cut_and_concat joins the plan with every normalized clip; the
// tail is a straight chain.
func (e *Executor) buildGraph(st *runState) []*node {
	nodes := []*node{
		{
			id:    string(models.StageAudioSlice),
			stage: models.StageAudioSlice,
			run:   func(ctx context.Context) error { return e.runAudioSlice(ctx, st) },
		},
		{
			id:    string(models.StageBeats),
			stage: models.StageBeats,
			deps:  []string{string(models.StageAudioSlice)},
			run:   func(ctx context.Context) error { return e.runBeats(ctx, st) },
		},
		{
			id:    string(models.StagePlan),
			stage: models.StagePlan,
			deps:  []string{string(models.StageBeats)},
			run:   func(ctx context.Context) error { return e.runPlan(ctx, st) },
		},
	}

	concatDeps := []string{string(models.StagePlan)}
	for i := 0; i < st.job.ClipCount; i++ {
		clip := i
		id := fmt.Sprintf("%s_%d", models.StageNormalize, clip)
		concatDeps = append(concatDeps, id)
		nodes = append(nodes, &node{
			id:    id,
			stage: models.StageNormalize,
			deps:  []string{string(models.StageAudioSlice)},
			run:   func(ctx context.Context) error { return e.runNormalize(ctx, st, clip) },
		})
	}

	nodes = append(nodes,
		&node{
			id:    string(models.StageCutAndConcat),
			stage: models.StageCutAndConcat,
			deps:  concatDeps,
			run:   func(ctx context.Context) error { return e.runCutAndConcat(ctx, st) },
		},
		&node{
			id:    string(models.StageStyleGrade),
			stage: models.StageStyleGrade,
			deps:  []string{string(models.StageCutAndConcat)},
			run:   func(ctx context.Context) error { return e.runStyleGrade(ctx, st) },
		},
		&node{
			id:    string(models.StageMux),
			stage: models.StageMux,
			deps:  []string{string(models.StageStyleGrade)},
			run:   func(ctx context.Context) error { return e.runMux(ctx, st) },
		},
		&node{
			id:    string(models.StageQualityGate),
			stage: models.StageQualityGate,
			deps:  []string{string(models.StageMux)},
			run:   func(ctx context.Context) error { return e.runQualityGate(ctx, st) },
		},
	)
	return nodes
}

type outcome struct {
	node *node
	err  error
}

// execute runs the graph with a bounded pool. The first failure in
// completion order wins; everything still running is cancelled through the
// graph context and its errors are logged, not reported. Job status is
// rechecked before every dispatch so external cancellation stops the run on
// a stage boundary.
func (e *Executor) execute(ctx context.Context, st *runState, nodes []*node) error {
	graphCtx, cancelGraph := context.WithCancel(ctx)
	defer cancelGraph()

	indegree := make(map[string]int, len(nodes))
	waiters := make(map[string][]*node, len(nodes))
	var ready []*node
	for _, n := range nodes {
		indegree[n.id] = len(n.deps)
		for _, dep := range n.deps {
			waiters[dep] = append(waiters[dep], n)
		}
		if len(n.deps) == 0 {
			ready = append(ready, n)
		}
	}

	// Unbuffered so receive order is completion order.
	results := make(chan outcome)
	running := 0
	var failure *StageFailure
	cancelled := false
	halted := func() bool { return failure != nil || cancelled }

	for {
		for !halted() && running < e.concurrency && len(ready) > 0 {
			stop, err := e.shouldHalt(graphCtx, st.job.ID)
			if err != nil {
				failure = newStageFailure("", err)
				cancelGraph()
				break
			}
			if stop {
				cancelled = true
				cancelGraph()
				break
			}

			n := ready[0]
			ready = ready[1:]
			running++
			go func() {
				results <- outcome{node: n, err: e.runNode(graphCtx, st, n)}
			}()
		}

		if running == 0 {
			break
		}

		res := <-results
		running--

		if res.err == nil {
			for _, waiter := range waiters[res.node.id] {
				indegree[waiter.id]--
				if indegree[waiter.id] == 0 {
					ready = append(ready, waiter)
				}
			}
			continue
		}

		switch {
		case halted() && isCancellation(res.err):
			e.logger.DebugContext(ctx, "stage cancelled",
				slog.String("job_id", st.job.ID.String()),
				slog.String("stage", res.node.id),
			)
		case halted():
			e.logger.WarnContext(ctx, "stage failed after run was halted",
				slog.String("job_id", st.job.ID.String()),
				slog.String("stage", res.node.id),
				slog.String("error", res.err.Error()),
			)
		default:
			jobErr := classifyError(res.node.stage, res.err)
			if jobErr.Kind == models.ErrorKindCancelled {
				cancelled = true
			} else {
				failure = &StageFailure{JobError: jobErr, err: res.err}
			}
			cancelGraph()
		}
	}

	if failure != nil {
		return failure
	}
	if cancelled {
		return &StageFailure{
			JobError: models.JobError{Kind: models.ErrorKindCancelled, Message: "job cancelled"},
			err:      context.Canceled,
		}
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
