package universal

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/frederic-klein/bundletool/internal/exectool"
	"github.com/frederic-klein/bundletool/internal/toolerr"
)

// Job merges the per-architecture Inputs into one fat binary at Output.
type Job struct {
	Inputs []string
	Output string
}

// Result represents a lipo result.
type Result struct {
	Job   Job
	Error error
}

// Pool runs lipo jobs in parallel.
type Pool struct {
	workers int
	runner  exectool.Runner
	tool    string
}

// NewPool creates a new pool with the specified number of workers.
func NewPool(workers int, runner exectool.Runner, tool string) *Pool {
	if workers < 1 {
		workers = 1
	}
	if tool == "" {
		tool = "lipo"
	}
	return &Pool{workers: workers, runner: runner, tool: tool}
}

// Run merges all jobs and returns one result per job, in completion order.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	jobChan := make(chan Job, len(jobs))
	resultChan := make(chan Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobChan {
				err := p.mergeOne(ctx, job)
				resultChan <- Result{Job: job, Error: err}
			}
		}()
	}

	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]Result, 0, len(jobs))
	for result := range resultChan {
		results = append(results, result)
	}

	return results
}

func (p *Pool) mergeOne(ctx context.Context, job Job) error {
	// Skip the tool once the run is cancelled
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(job.Output), 0o755); err != nil {
		return toolerr.FileOp(toolerr.OpCreateDir, filepath.Dir(job.Output), err)
	}

	args := append([]string{"-create"}, job.Inputs...)
	args = append(args, "-output", job.Output)
	_, err := p.runner.Run(ctx, p.tool, args...)
	return err
}
