// Package pipeline sequences Executor invocations into linear chains
// (spec.md §4.3): stage N's output feeds stage N+1's input.
package pipeline

import (
	"context"

	"github.com/wasmcore/wasmcore/internal/executor"
	"github.com/wasmcore/wasmcore/internal/idgen"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

const (
	minChainLength = 1
	maxChainLength = 10
)

// Stepper is the subset of *executor.Executor the Driver depends on
// (spec.md §2: "Pipeline Driver ... Depends on the Executor").
type Stepper interface {
	Execute(ctx context.Context, binaryID idgen.ID, input []byte, cfg executor.Config) (executor.Result, error)
}

// Driver is spec.md §4.3's Pipeline Driver.
type Driver struct {
	executor Stepper
}

// New constructs a Driver over the given Stepper.
func New(exec Stepper) *Driver {
	return &Driver{executor: exec}
}

// Result is spec.md §3's ChainResult.
type Result struct {
	Results     []executor.Result
	TotalTimeMS int64
}

// Run executes binaryIDs in order, feeding each stage's output bytes as
// the next stage's input, under the same cfg at every stage. A stage
// that fails (an execution error) or returns a non-zero return code
// stops the chain immediately; Run returns the results completed so far.
// Callers distinguish partial completion by comparing
// len(Result.Results) against len(binaryIDs).
func (d *Driver) Run(ctx context.Context, binaryIDs []idgen.ID, input []byte, cfg executor.Config) (Result, error) {
	const op = "PipelineDriver.Run"

	if len(binaryIDs) < minChainLength || len(binaryIDs) > maxChainLength {
		return Result{}, wasmerr.New(wasmerr.KindChainTooLong, op)
	}

	results := make([]executor.Result, 0, len(binaryIDs))
	var totalTimeMS int64
	stageInput := input

	for _, id := range binaryIDs {
		stageResult, err := d.executor.Execute(ctx, id, stageInput, cfg)
		if err != nil {
			return Result{Results: results, TotalTimeMS: totalTimeMS}, err
		}

		results = append(results, stageResult)
		totalTimeMS += stageResult.ExecutionTimeMS

		if stageResult.ReturnCode != executor.CodeSuccess {
			break
		}
		stageInput = stageResult.Output
	}

	return Result{Results: results, TotalTimeMS: totalTimeMS}, nil
}
