package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stackvm/internal/engine"
	"stackvm/internal/verrors"
)

func newExecuteCommand(flags *rootFlags) *cobra.Command {
	var (
		goal           string
		namespace      string
		responseFormat string
		labels         []string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run a goal to completion and print the final answer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			format, err := parseResponseFormat(responseFormat)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.engine.StartTask(ctx, engine.StartRequest{
				Goal:           goal,
				Namespace:      namespace,
				ResponseFormat: format,
				Labels:         labels,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", gray("task"), task.ID)

			result, err := a.engine.Run(ctx, task.ID)
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "goal to execute (required)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "tool namespace to execute under")
	cmd.Flags().StringVar(&responseFormat, "response-format", "", "JSON object mapping answer keys to descriptions")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "label to attach to the task (repeatable)")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func parseResponseFormat(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var format map[string]string
	if err := json.Unmarshal([]byte(raw), &format); err != nil {
		return nil, verrors.New(verrors.KindValidation, "--response-format must be a JSON object of strings: %v", err)
	}
	return format, nil
}

func printResult(result *engine.Result) error {
	where := result.Branch + "@" + shortHash(result.HeadHash)
	if result.Completed {
		fmt.Printf("%s %s\n", green("completed"), gray(where))
		fmt.Println(bold(result.FinalAnswer.Stringify()))
		return nil
	}
	if result.LastError != nil {
		err := fmt.Errorf("run stopped at %s: %s", where, result.LastError.Message)
		if result.LastError.Kind == verrors.KindCancelled {
			return &exitError{exitCancelled, err}
		}
		return &exitError{exitEngine, err}
	}
	return &exitError{exitEngine, errors.New("run stopped without completing at " + where)}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
