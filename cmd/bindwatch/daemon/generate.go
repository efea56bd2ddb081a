package daemon

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/ubuntu/bindwatch/internal/generator"
)

func (a *App) installGenerate() {
	cmd := &cobra.Command{
		Use:   "generate [schema...]",
		Short: "Generate bindings once and exit",
		Long: `Generate bindings once and exit.

Generations run concurrently. The command fails if any of them fails.`,
		RunE: func(cmd *cobra.Command, args []string) error { return a.generate(args) },
	}
	a.cmd.AddCommand(cmd)
}

func (a *App) generate(args []string) error {
	layout := a.layout()
	schemas, err := a.schemas(layout, args)
	if err != nil {
		return err
	}

	runner, err := a.newRunner(layout, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	results := make([]generator.Result, len(schemas))
	var wg sync.WaitGroup
	for i, id := range schemas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runner.Run(a.ctx, generator.NewJob(id, layout, generator.TriggerManual))
		}()
	}
	wg.Wait()

	var failed []string
	for _, res := range results {
		if !res.Success() {
			failed = append(failed, res.Job.Schema)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("binding generation failed for %s", strings.Join(failed, ", "))
	}
	return nil
}
